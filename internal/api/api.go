// Package api is the local HTTP surface of the call core: JSON control
// endpoints for the UI, an SSE stream of machine events and chat reactions,
// the platform shell websocket and the metrics endpoint.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/metrics"
)

var log = logging.Logger("api")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The shell is a local webview or native wrapper.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// AvatarResolver maps a user to an avatar URL. *avatar.Resolver implements it.
type AvatarResolver interface {
	Resolve(ctx context.Context, userID string) (string, error)
}

type Deps struct {
	Calls     *call.Coordinator
	Avatars   AvatarResolver
	Metrics   *metrics.Metrics
	Logs      *LogBuffer
	Reactions *ReactionFeed
}

// NewHandler registers every route on a fresh mux.
func NewHandler(d Deps) http.Handler {
	mux := http.NewServeMux()
	registerCall(mux, d.Calls, d.Reactions)
	registerPlatform(mux, d.Calls)
	registerAvatar(mux, d.Avatars)
	registerLogs(mux, d.Logs)
	if d.Metrics != nil {
		mux.Handle("/metrics", d.Metrics.Handler())
	}
	return noCache(mux)
}

// Server is the HTTP listener. Serve blocks until ctx is cancelled.
type Server struct {
	srv *http.Server
}

func NewServer(addr string, d Deps) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           NewHandler(d),
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on http://%s", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
