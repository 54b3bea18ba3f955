// Package transport provides the per-conversation broadcast channel: fan-out,
// at-most-once, no persistence. Three implementations share the same frame
// format (proto.Frame): GossipSub over libp2p, NATS subjects, and an
// in-process Hub.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callcore/internal/proto"
)

var log = logging.Logger("transport")

// ErrClosed is returned by operations on a closed channel or broadcaster.
var ErrClosed = errors.New("transport: closed")

// Handler receives the raw payload of one event.
type Handler func(payload json.RawMessage)

// Channel is an open subscription to one conversation's broadcast.
// Messages sent by the local endpoint are not delivered back to it.
type Channel interface {
	On(event string, h Handler)
	Send(ctx context.Context, event string, payload any) error
	Close() error
}

// Broadcaster opens conversation channels.
type Broadcaster interface {
	Open(ctx context.Context, conversationID string) (Channel, error)
	Close() error
}

// handlers is the event → handler registry embedded by every Channel.
type handlers struct {
	mu sync.RWMutex
	m  map[string][]Handler
}

func (r *handlers) On(event string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[string][]Handler)
	}
	r.m[event] = append(r.m[event], h)
}

// dispatch decodes a frame and runs the handlers for its event on the
// calling goroutine. Malformed frames are dropped.
func (r *handlers) dispatch(conversationID string, data []byte) {
	var f proto.Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
		log.Debugf("conversation %s: dropping malformed frame", conversationID)
		return
	}

	r.mu.RLock()
	hs := append([]Handler(nil), r.m[f.Event]...)
	r.mu.RUnlock()

	for _, h := range hs {
		h(f.Payload)
	}
}
