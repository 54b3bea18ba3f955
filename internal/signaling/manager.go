// Package signaling keeps exactly one broadcast subscription per known
// conversation and turns raw frames into typed, filtered events.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"

	"github.com/petervdpas/callcore/internal/envelope"
	"github.com/petervdpas/callcore/internal/metrics"
	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/transport"
)

var log = logging.Logger("signaling")

// Invite is an inbound invite that passed filtering and decoding.
type Invite struct {
	ConversationID string
	FromID         string
	FromName       string
	Mode           string
	Decrypted      bool
}

// Decline is an inbound decline (callee) or cancel (caller).
type Decline struct {
	ConversationID string
	FromID         string
}

type Reaction struct {
	ConversationID string
	FromID         string
	MessageID      string
	Emoji          string
}

// Signal is one peer-connection signaling event (accept/offer/answer/
// candidate/hangup).
type Signal struct {
	ConversationID string
	Event          string
	FromID         string
	SDP            string
	ICE            json.RawMessage
}

// InviteHandler surfaces an invite and returns its id, or false when it was
// not surfaced (busy).
type InviteHandler func(Invite) (id string, surfaced bool)

// AvatarResolver looks up caller avatars. *avatar.Resolver implements it.
type AvatarResolver interface {
	Resolve(ctx context.Context, userID string) (string, error)
}

type Options struct {
	SelfID        string
	Codec         *envelope.Codec
	Avatars       AvatarResolver
	DecodeTimeout time.Duration
	Metrics       *metrics.Metrics
}

type subscription struct {
	ch     transport.Channel
	peerID string
}

type Manager struct {
	bc      transport.Broadcaster
	selfID  string
	codec   *envelope.Codec
	avatars AvatarResolver
	timeout time.Duration
	metrics *metrics.Metrics

	mu      sync.Mutex
	subs    map[string]*subscription
	viewing string
	closed  bool
	group   singleflight.Group

	hmu        sync.RWMutex
	onInvite   InviteHandler
	onEnrich   func(inviteID, avatarURL string)
	onDecline  func(Decline)
	onReaction func(Reaction)
	onSignal   func(Signal)

	wg sync.WaitGroup
}

func New(bc transport.Broadcaster, o Options) *Manager {
	if o.DecodeTimeout <= 0 {
		o.DecodeTimeout = 1500 * time.Millisecond
	}
	return &Manager{
		bc:      bc,
		selfID:  o.SelfID,
		codec:   o.Codec,
		avatars: o.Avatars,
		timeout: o.DecodeTimeout,
		metrics: o.Metrics,
		subs:    make(map[string]*subscription),
	}
}

func (m *Manager) SelfID() string { return m.selfID }

// ── Handler registration ─────────────────────────────────────────────────────

func (m *Manager) OnInvite(h InviteHandler) {
	m.hmu.Lock()
	m.onInvite = h
	m.hmu.Unlock()
}

// OnEnrich receives the avatar of a surfaced invite once it resolves.
func (m *Manager) OnEnrich(fn func(inviteID, avatarURL string)) {
	m.hmu.Lock()
	m.onEnrich = fn
	m.hmu.Unlock()
}

func (m *Manager) OnDecline(fn func(Decline)) {
	m.hmu.Lock()
	m.onDecline = fn
	m.hmu.Unlock()
}

func (m *Manager) OnReaction(fn func(Reaction)) {
	m.hmu.Lock()
	m.onReaction = fn
	m.hmu.Unlock()
}

func (m *Manager) OnSignal(fn func(Signal)) {
	m.hmu.Lock()
	m.onSignal = fn
	m.hmu.Unlock()
}

// ── Focus ────────────────────────────────────────────────────────────────────

// SetViewing records the conversation currently on screen ("" for none).
// Invites for it are suppressed.
func (m *Manager) SetViewing(conversationID string) {
	m.mu.Lock()
	m.viewing = conversationID
	m.mu.Unlock()
}

func (m *Manager) isViewing(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewing != "" && m.viewing == conversationID
}

// ── Subscriptions ────────────────────────────────────────────────────────────

// EnsureSubscribed opens the conversation's channel unless it is already
// open. Concurrent calls for the same conversation share one attempt. A
// failed attempt leaves nothing behind, so the next call retries.
func (m *Manager) EnsureSubscribed(ctx context.Context, conversationID, peerID string) error {
	if m.Subscribed(conversationID) {
		return nil
	}

	_, err, _ := m.group.Do(conversationID, func() (any, error) {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, transport.ErrClosed
		}
		if _, ok := m.subs[conversationID]; ok {
			m.mu.Unlock()
			return nil, nil
		}
		m.mu.Unlock()

		ch, err := m.bc.Open(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		m.attach(conversationID, ch)

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			_ = ch.Close()
			return nil, transport.ErrClosed
		}
		m.subs[conversationID] = &subscription{ch: ch, peerID: peerID}
		n := len(m.subs)
		m.mu.Unlock()

		m.metrics.SetSubscriptions(n)
		log.Debugf("[%s] subscribed (peer %s)", conversationID, peerID)
		return nil, nil
	})
	if err != nil {
		log.Warnf("[%s] subscribe failed: %v", conversationID, err)
	}
	return err
}

func (m *Manager) Subscribed(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[conversationID]
	return ok
}

// Conversations lists the subscribed conversations, sorted.
func (m *Manager) Conversations() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.subs))
	for id := range m.subs {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// Close releases every subscription and waits for background enrichment.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.wg.Wait()
	m.metrics.SetSubscriptions(0)
	return errors.Join(errs...)
}

func (m *Manager) channel(ctx context.Context, conversationID, peerID string) (transport.Channel, error) {
	if err := m.EnsureSubscribed(ctx, conversationID, peerID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[conversationID]
	if !ok {
		return nil, transport.ErrClosed
	}
	return s.ch, nil
}

func (m *Manager) attach(conversationID string, ch transport.Channel) {
	ch.On(proto.EventInvite, func(p json.RawMessage) { m.handleInvite(conversationID, p) })
	ch.On(proto.EventDecline, func(p json.RawMessage) { m.handleDecline(conversationID, p) })
	ch.On(proto.EventReaction, func(p json.RawMessage) { m.handleReaction(conversationID, p) })
	for _, ev := range []string{proto.EventAccept, proto.EventOffer, proto.EventAnswer, proto.EventCandidate, proto.EventHangup} {
		ev := ev
		ch.On(ev, func(p json.RawMessage) { m.handleSignal(conversationID, ev, p) })
	}
}
