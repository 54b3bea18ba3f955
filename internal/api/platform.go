package api

import (
	"net/http"
	"strings"

	"github.com/petervdpas/callcore/internal/avatar"
	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/pip"
)

// registerPlatform exposes the websocket a native shell connects to. One
// shell is attached at a time; a new connection replaces the old one.
func registerPlatform(mux *http.ServeMux, c *call.Coordinator) {
	handleGet(mux, "/api/platform/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("platform websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		log.Info("platform shell connected")
		if err := pip.Serve(r.Context(), conn, c.PiP()); err != nil {
			log.Debugf("platform shell: %v", err)
		}
		log.Info("platform shell disconnected")
	})
}

func registerAvatar(mux *http.ServeMux, avatars AvatarResolver) {
	// GET /api/avatar/placeholder?name=...&seed=...
	handleGet(mux, "/api/avatar/placeholder", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		_, _ = w.Write(avatar.InitialsSVG(q.Get("name"), q.Get("seed")))
	})

	if avatars == nil {
		return
	}

	// GET /api/avatar/{userID} → {"url": "..."}; an empty url means use the
	// placeholder.
	handleGet(mux, "/api/avatar/", func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/avatar/"), "/")
		if userID == "" || userID == "placeholder" {
			http.Error(w, "missing user id", http.StatusBadRequest)
			return
		}
		url, err := avatars.Resolve(r.Context(), userID)
		if err != nil {
			log.Debugf("avatar %s: %v", userID, err)
		}
		writeJSON(w, map[string]string{"url": url})
	})
}
