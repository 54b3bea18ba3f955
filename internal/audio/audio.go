// Package audio routes call audio through the platform audio session.
//
// Routing is best-effort: every operation reports success as a bool and a
// missing platform capability is an ordinary condition, handled by selecting
// a no-op Router once at startup.
package audio

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callcore/internal/metrics"
)

var log = logging.Logger("audio")

// Router is what the call core uses.
type Router interface {
	Supported() bool
	StartCallAudio(ctx context.Context, mode string) bool
	SetSpeaker(ctx context.Context, enabled bool) bool
	StopCallAudio(ctx context.Context) bool
	Speaker() bool
}

// Native is the platform capability behind a Router.
type Native interface {
	Start(ctx context.Context, mode string) error
	SetSpeaker(ctx context.Context, enabled bool) error
	Stop(ctx context.Context) error
}

// New returns a Router over native, or the no-op Router when native is nil.
func New(native Native, m *metrics.Metrics) Router {
	if native == nil {
		log.Info("platform audio routing unavailable; speaker control disabled")
		return Null{}
	}
	return &router{native: native, metrics: m}
}

// Null is the Router for platforms without audio routing.
type Null struct{}

func (Null) Supported() bool { return false }
func (Null) StartCallAudio(context.Context, string) bool { return false }
func (Null) SetSpeaker(context.Context, bool) bool { return false }
func (Null) StopCallAudio(context.Context) bool { return false }
func (Null) Speaker() bool { return false }

type router struct {
	native  Native
	metrics *metrics.Metrics

	mu      sync.Mutex
	speaker bool
	active  bool
}

func (r *router) Supported() bool { return true }

func (r *router) StartCallAudio(ctx context.Context, mode string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.native.Start(ctx, mode); err != nil {
		r.fail("start", err)
		return false
	}
	r.active = true
	return true
}

func (r *router) SetSpeaker(ctx context.Context, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setSpeakerLocked(ctx, enabled)
}

func (r *router) setSpeakerLocked(ctx context.Context, enabled bool) bool {
	if err := r.native.SetSpeaker(ctx, enabled); err != nil {
		r.fail("speaker", err)
		return false
	}
	r.speaker = enabled
	return true
}

// StopCallAudio always resets a forced speaker first so the route does not
// leak into the next call, even if the reset itself fails.
func (r *router) StopCallAudio(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reset := r.setSpeakerLocked(ctx, false)
	if !reset {
		r.speaker = false
	}
	if err := r.native.Stop(ctx); err != nil {
		r.fail("stop", err)
		return false
	}
	r.active = false
	return reset
}

func (r *router) Speaker() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.speaker
}

func (r *router) fail(op string, err error) {
	log.Warnf("audio %s: %v", op, err)
	r.metrics.BridgeFailure("audio", op)
}
