// Package call owns the process-wide call state: the single active session,
// the single ringing invite, and the hang-up callback installed by whatever is
// currently rendering the call screen.
//
// Machine holds the state and the legal transitions. Coordinator drives it
// from the network, the ledger and the native bridges.
package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callcore/internal/metrics"
)

var log = logging.Logger("call")

var (
	// ErrInvalidTransition is returned by Transition for an illegal edge.
	ErrInvalidTransition = errors.New("call: invalid transition")
	// ErrBusy is returned when a session or ringing invite already exists.
	ErrBusy = errors.New("call: busy")
)

// Machine is safe for concurrent use. Every check-then-act runs under one
// lock, so a decision is never based on state read before another goroutine
// changed it.
type Machine struct {
	mu      sync.Mutex
	session *Session
	ringing *Invite
	endCall func()

	listenerMu sync.Mutex
	listeners  map[chan Event]struct{}

	now     func() time.Time
	metrics *metrics.Metrics
}

type MachineOption func(*Machine)

func WithMachineClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

func WithMachineMetrics(mm *metrics.Metrics) MachineOption {
	return func(m *Machine) { m.metrics = mm }
}

func NewMachine(opts ...MachineOption) *Machine {
	m := &Machine{
		listeners: make(map[chan Event]struct{}),
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ── Reads ────────────────────────────────────────────────────────────────────

// Session returns a copy of the active session.
func (m *Machine) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// Ringing returns a copy of the ringing invite.
func (m *Machine) Ringing() (Invite, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ringing == nil {
		return Invite{}, false
	}
	return *m.ringing, true
}

func (m *Machine) HasInvite() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ringing != nil
}

// Busy reports whether a session or a ringing invite occupies the machine.
func (m *Machine) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busyLocked()
}

func (m *Machine) busyLocked() bool {
	return m.ringing != nil || (m.session != nil && m.session.State.Active())
}

// ── Invite lifecycle ─────────────────────────────────────────────────────────

// Offer surfaces inv as the ringing invite. It returns false, leaving the
// machine untouched, when another invite is already ringing or a call is in
// progress. An empty ID is filled in.
func (m *Machine) Offer(inv Invite) (Invite, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.busyLocked() {
		return Invite{}, false
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.ReceivedAt.IsZero() {
		inv.ReceivedAt = m.now()
	}
	m.ringing = &inv
	m.emitInviteLocked(InviteRinging)
	log.Infof("[%s] ringing: %s (%s)", inv.ConversationID, inv.FromUserID, inv.Mode)
	return inv, true
}

// EnrichInvite attaches an avatar to the ringing invite if it is still the
// one identified by inviteID.
func (m *Machine) EnrichInvite(inviteID, avatarURL string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ringing == nil || m.ringing.ID != inviteID || avatarURL == "" {
		return false
	}
	m.ringing.FromAvatarURL = avatarURL
	m.emitInviteLocked(InviteRinging)
	return true
}

// AttachLedger links a ledger record to the ringing invite from the same
// caller in the same conversation, so resolving the invite also resolves the
// record.
func (m *Machine) AttachLedger(conversationID, fromUserID, ledgerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ringing == nil || m.ringing.ConversationID != conversationID || m.ringing.FromUserID != fromUserID {
		return false
	}
	if m.ringing.LedgerID == "" {
		m.ringing.LedgerID = ledgerID
	}
	return true
}

// Accept consumes the ringing invite and opens a connecting session with the
// caller. With nothing ringing it is a no-op returning false.
func (m *Machine) Accept() (Invite, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ringing == nil {
		return Invite{}, false
	}
	if m.session != nil && m.session.State.Active() {
		return Invite{}, false
	}
	inv := *m.ringing
	m.ringing = nil
	m.emitInviteLocked(InviteAccepted)

	m.session = &Session{
		ID:              uuid.NewString(),
		ConversationID:  inv.ConversationID,
		PeerID:          inv.FromUserID,
		PeerDisplayName: inv.FromDisplayName,
		PeerAvatarURL:   inv.FromAvatarURL,
		State:           StateConnecting,
		Mode:            inv.Mode,
		StartedAt:       m.now(),
	}
	m.metrics.Transition(StateConnecting.String())
	m.emitSessionLocked()
	return inv, true
}

// Decline drops the ringing invite.
func (m *Machine) Decline() (Invite, bool) {
	return m.resolve("", InviteDeclined)
}

// Dismiss drops the ringing invite without it counting as a decline.
func (m *Machine) Dismiss() (Invite, bool) {
	return m.resolve("", InviteDismissed)
}

// Expire drops the ringing invite only if it is still inviteID.
func (m *Machine) Expire(inviteID string) (Invite, bool) {
	if inviteID == "" {
		return Invite{}, false
	}
	return m.resolve(inviteID, InviteExpired)
}

func (m *Machine) resolve(inviteID string, outcome InviteState) (Invite, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ringing == nil || (inviteID != "" && m.ringing.ID != inviteID) {
		return Invite{}, false
	}
	inv := *m.ringing
	m.ringing = nil
	m.emitInviteLocked(outcome)
	log.Infof("[%s] invite %s", inv.ConversationID, outcome)
	return inv, true
}

// ── Session ──────────────────────────────────────────────────────────────────

// Publish replaces the session wholesale. Publishing an off session clears
// the slot.
func (m *Machine) Publish(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !s.State.Active() {
		m.clearLocked()
		return
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = m.now()
	}
	m.session = &s
	m.metrics.Transition(s.State.String())
	m.emitSessionLocked()
}

// Begin publishes s only if the machine is idle. It is the caller-side
// counterpart of Offer.
func (m *Machine) Begin(s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busyLocked() {
		return ErrBusy
	}
	if !s.State.Active() {
		s.State = StateConnecting
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = m.now()
	}
	m.session = &s
	m.metrics.Transition(s.State.String())
	m.emitSessionLocked()
	return nil
}

// Clear releases the session slot. Clearing an empty slot is a no-op.
func (m *Machine) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked()
}

func (m *Machine) clearLocked() {
	if m.session == nil {
		return
	}
	log.Infof("[%s] session off", m.session.ConversationID)
	m.session = nil
	m.metrics.Transition(StateOff.String())
	m.emitSessionLocked()
}

// Transition moves the session along a legal edge. Moving to the current
// state is a no-op; moving an absent session to off is a no-op.
func (m *Machine) Transition(to SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// TransitionFor is Transition guarded by the conversation the caller
// believes is active, so late events from an old call cannot move a new one.
func (m *Machine) TransitionFor(conversationID string, to SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil && m.session.ConversationID != conversationID {
		if to == StateOff {
			return nil
		}
		return fmt.Errorf("%w: no session for %s", ErrInvalidTransition, conversationID)
	}
	return m.transitionLocked(to)
}

func (m *Machine) transitionLocked(to SessionState) error {
	if m.session == nil {
		if to == StateOff {
			return nil
		}
		return fmt.Errorf("%w: no session to move to %s", ErrInvalidTransition, to)
	}
	from := m.session.State
	if from == to {
		return nil
	}
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	if to == StateOff {
		m.clearLocked()
		return nil
	}
	m.session.State = to
	m.metrics.Transition(to.String())
	m.emitSessionLocked()
	log.Infof("[%s] %s → %s", m.session.ConversationID, from, to)
	return nil
}

// Hangup ends the session and returns what it was. Hanging up with no
// session is a no-op.
func (m *Machine) Hangup() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	s := *m.session
	m.clearLocked()
	return s, true
}

// HangupFor ends the session only if it belongs to conversationID.
func (m *Machine) HangupFor(conversationID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.ConversationID != conversationID {
		return Session{}, false
	}
	s := *m.session
	m.clearLocked()
	return s, true
}

// HangupIf ends the session only if it is still the one with id sessionID.
func (m *Machine) HangupIf(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.ID != sessionID {
		return Session{}, false
	}
	s := *m.session
	m.clearLocked()
	return s, true
}

// SetMuted updates the mute flag. It returns false with no session.
func (m *Machine) SetMuted(muted bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return false
	}
	if m.session.Muted != muted {
		m.session.Muted = muted
		m.emitSessionLocked()
	}
	return true
}

// ToggleMute flips the mute flag and returns the new value.
func (m *Machine) ToggleMute() (muted, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return false, false
	}
	m.session.Muted = !m.session.Muted
	m.emitSessionLocked()
	return m.session.Muted, true
}

// SetPeer fills in how the peer of session sessionID is shown. Empty values
// leave the current ones alone.
func (m *Machine) SetPeer(sessionID, displayName, avatarURL string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.ID != sessionID {
		return false
	}
	if displayName != "" {
		m.session.PeerDisplayName = displayName
	}
	if avatarURL != "" {
		m.session.PeerAvatarURL = avatarURL
	}
	m.emitSessionLocked()
	return true
}

// SetStreams records the media stream handles for the session.
func (m *Machine) SetStreams(conversationID, local, remote string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.ConversationID != conversationID {
		return false
	}
	if local != "" {
		m.session.LocalStream = local
	}
	if remote != "" {
		m.session.RemoteStream = remote
	}
	m.emitSessionLocked()
	return true
}

// ── Cross-boundary hang-up ───────────────────────────────────────────────────

// RegisterEndCallFn installs the hang-up callback of the current call screen.
// Last writer wins; nil unregisters.
func (m *Machine) RegisterEndCallFn(fn func()) {
	m.mu.Lock()
	m.endCall = fn
	m.mu.Unlock()
}

// EndCallFromPiP runs the registered callback, if any, and then clears the
// session no matter what the callback did. It returns the session that was
// active when it was called.
func (m *Machine) EndCallFromPiP() (Session, bool) {
	m.mu.Lock()
	fn := m.endCall
	var before Session
	had := m.session != nil
	if had {
		before = *m.session
	}
	m.mu.Unlock()

	if fn != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warnf("end-call callback panicked: %v", r)
				}
			}()
			fn()
		}()
	}

	m.Clear()
	return before, had
}

// ── Events ───────────────────────────────────────────────────────────────────

// Subscribe returns a channel of machine events. Slow subscribers lose
// events rather than block the machine.
func (m *Machine) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel := func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

func (m *Machine) emitSessionLocked() {
	ev := Event{Kind: EventSession}
	if m.session != nil {
		s := *m.session
		ev.Session = &s
	}
	m.emit(ev)
}

func (m *Machine) emitInviteLocked(outcome InviteState) {
	ev := Event{Kind: EventInvite, Outcome: outcome}
	if m.ringing != nil {
		inv := *m.ringing
		ev.Invite = &inv
	}
	m.emit(ev)
}

func (m *Machine) emit(ev Event) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	for ch := range m.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}
