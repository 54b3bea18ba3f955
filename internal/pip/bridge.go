// Package pip bridges OS-level Picture-in-Picture and CallKit.
//
// The bridge tolerates everything the platform side can throw at it: enter
// and exit are idempotent, listeners may subscribe before the native side
// exists, and events simply do not flow until it is attached.
package pip

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callcore/internal/metrics"
)

var log = logging.Logger("pip")

type EventKind string

const (
	PiPModeChanged EventKind = "pipModeChanged"
	PiPAction      EventKind = "pipAction"
	CallKitAction  EventKind = "callKitAction"

	// CallScreen reports the shell's call screen mounting or unmounting.
	CallScreen EventKind = "callScreen"
)

// Actions carried by pipAction and callKitAction.
const (
	ActionToggleMute = "toggleMute"
	ActionMute       = "mute"
	ActionHangUp     = "hangUp"
)

// Event is one native notification.
type Event struct {
	Kind    EventKind `json:"type"`
	InPiP   bool      `json:"isInPiP,omitempty"`
	Action  string    `json:"action,omitempty"`
	Muted   bool      `json:"isMuted,omitempty"`
	Mounted bool      `json:"mounted,omitempty"`
}

// Native is the platform side of the bridge.
type Native interface {
	Supported() bool
	Enter(ctx context.Context) error
	Exit(ctx context.Context) error
}

// ScreenCloser is implemented by native sides that render their own call
// screen and can be told to take it down.
type ScreenCloser interface {
	CloseCallScreen(ctx context.Context) error
}

type Bridge struct {
	metrics *metrics.Metrics

	mu     sync.Mutex
	native Native
	inPiP  bool

	listenerMu sync.Mutex
	listeners  map[chan Event]struct{}
}

func New(m *metrics.Metrics) *Bridge {
	return &Bridge{metrics: m, listeners: make(map[chan Event]struct{})}
}

// Attach marks the native side ready. A later Attach replaces the earlier one.
func (b *Bridge) Attach(n Native) {
	b.mu.Lock()
	b.native = n
	b.inPiP = false
	b.mu.Unlock()
	log.Infof("native side attached (pip supported: %v)", n.Supported())
}

// Detach forgets n if it is still the attached native side.
func (b *Bridge) Detach(n Native) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.native == n {
		b.native = nil
		b.inPiP = false
		log.Info("native side detached")
	}
}

func (b *Bridge) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.native != nil
}

func (b *Bridge) IsPiPSupported() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.native != nil && b.native.Supported()
}

func (b *Bridge) InPiP() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inPiP
}

// EnterPiP asks the platform to float the call. Entering while already in
// PiP succeeds without another native call.
func (b *Bridge) EnterPiP(ctx context.Context) bool {
	return b.set(ctx, true)
}

// ExitPiP is the inverse of EnterPiP, equally idempotent.
func (b *Bridge) ExitPiP(ctx context.Context) bool {
	return b.set(ctx, false)
}

func (b *Bridge) set(ctx context.Context, in bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.native == nil || !b.native.Supported() {
		return false
	}
	if b.inPiP == in {
		return true
	}

	var err error
	op := "enter"
	if in {
		err = b.native.Enter(ctx)
	} else {
		op = "exit"
		err = b.native.Exit(ctx)
	}
	if err != nil {
		log.Warnf("pip %s: %v", op, err)
		b.metrics.BridgeFailure("pip", op)
		return false
	}
	b.inPiP = in
	return true
}

// CloseCallScreen asks the native side to unmount its call screen. It reports
// false when nothing is attached or the native side has no screen.
func (b *Bridge) CloseCallScreen(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sc, ok := b.native.(ScreenCloser)
	if !ok {
		return false
	}
	if err := sc.CloseCallScreen(ctx); err != nil {
		log.Warnf("close call screen: %v", err)
		b.metrics.BridgeFailure("pip", "close_screen")
		return false
	}
	return true
}

// Deliver is called by the native side. Events arriving while no native side
// is attached are dropped.
func (b *Bridge) Deliver(ev Event) {
	b.mu.Lock()
	if b.native == nil {
		b.mu.Unlock()
		log.Debugf("dropping %s: native side not ready", ev.Kind)
		return
	}
	if ev.Kind == PiPModeChanged {
		b.inPiP = ev.InPiP
	}
	b.mu.Unlock()

	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	for ch := range b.listeners {
		select {
		case ch <- ev:
		default:
			log.Warnf("listener full, dropping %s", ev.Kind)
		}
	}
}

// Subscribe returns a channel of native events.
func (b *Bridge) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	b.listenerMu.Lock()
	b.listeners[ch] = struct{}{}
	b.listenerMu.Unlock()

	cancel := func() {
		b.listenerMu.Lock()
		if _, ok := b.listeners[ch]; ok {
			delete(b.listeners, ch)
			close(ch)
		}
		b.listenerMu.Unlock()
	}
	return ch, cancel
}
