package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callcore/internal/audio"
	"github.com/petervdpas/callcore/internal/ledger"
	"github.com/petervdpas/callcore/internal/media"
	"github.com/petervdpas/callcore/internal/metrics"
	"github.com/petervdpas/callcore/internal/pip"
	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/signaling"
	"github.com/petervdpas/callcore/internal/storage"
)

// Signaler is the part of signaling.Manager the coordinator drives.
type Signaler interface {
	SelfID() string
	SetViewing(conversationID string)
	EnsureSubscribed(ctx context.Context, conversationID, peerID string) error
	SendInvite(ctx context.Context, conversationID, peerID, fromName, mode string) error
	SendDecline(ctx context.Context, conversationID, peerID string)
	SendSignal(ctx context.Context, conversationID, peerID, event string, p proto.SignalPayload) error

	OnInvite(h signaling.InviteHandler)
	OnEnrich(fn func(inviteID, avatarURL string))
	OnDecline(fn func(signaling.Decline))
	OnSignal(fn func(signaling.Signal))
}

// Ledger is the advisory invite record. *ledger.Ledger implements it.
type Ledger interface {
	CreatePending(ctx context.Context, conversationID, fromID, toID, fromName, mode string) string
	GetPendingForCallee(ctx context.Context, conversationID, toID string) *ledger.Record
	UpdateStatus(id, status string)
}

// PeerDirectory describes the person on the other end of an outgoing call.
type PeerDirectory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
	AvatarURL(ctx context.Context, userID string) (string, error)
}

// PeerFactory builds media peers. *media.Engine implements it.
type PeerFactory interface {
	NewPeer(conversationID, mode string, cb media.Callbacks) (*media.Peer, error)
}

type Options struct {
	Machine  *Machine
	Signaler Signaler
	Ledger   Ledger
	Audio    audio.Router
	PiP      *pip.Bridge
	Media    PeerFactory // nil: connectivity is reported through LinkChanged
	Peers    PeerDirectory
	Metrics  *metrics.Metrics

	DisplayName string
	InviteTTL   time.Duration
}

// Coordinator connects the machine to the network and the native bridges.
// It owns every timer: the machine never starts one.
type Coordinator struct {
	m        *Machine
	sig      Signaler
	ledger   Ledger
	audio    audio.Router
	pip      *pip.Bridge
	media    PeerFactory
	peers    PeerDirectory
	metrics  *metrics.Metrics
	selfID   string
	selfName string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // background sends
	loop   sync.WaitGroup // native event loop

	mu        sync.Mutex
	inviteTTL time.Duration
	timers    map[string]*time.Timer // invite id or call id → expiry
	consumed  map[string]string      // conversation id → consumed ledger record id
	answers   map[string]answer      // conversation id → last live invite answered here
	call      *activeCall
}

// answer is a live invite accepted or declined here. Ledger records from the
// same caller created before it belong to that invite.
type answer struct {
	from string
	at   time.Time
}

func (a answer) covers(rec *ledger.Record) bool {
	return rec.FromUserID == a.from && !rec.CreatedAt.After(a.at)
}

// activeCall holds the resources of the session the coordinator set up.
type activeCall struct {
	id       string
	conv     string
	peerID   string
	mode     string
	outgoing bool
	accepted bool
	ledgerID string
	peer     *media.Peer
}

func NewCoordinator(o Options) *Coordinator {
	if o.Machine == nil {
		o.Machine = NewMachine(WithMachineMetrics(o.Metrics))
	}
	if o.Audio == nil {
		o.Audio = audio.Null{}
	}
	if o.PiP == nil {
		o.PiP = pip.New(o.Metrics)
	}
	if o.InviteTTL <= 0 {
		o.InviteTTL = 45 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		m:         o.Machine,
		sig:       o.Signaler,
		ledger:    o.Ledger,
		audio:     o.Audio,
		pip:       o.PiP,
		media:     o.Media,
		peers:     o.Peers,
		metrics:   o.Metrics,
		selfID:    o.Signaler.SelfID(),
		selfName:  o.DisplayName,
		ctx:       ctx,
		cancel:    cancel,
		inviteTTL: o.InviteTTL,
		timers:    make(map[string]*time.Timer),
		consumed:  make(map[string]string),
		answers:   make(map[string]answer),
	}

	c.sig.OnInvite(c.surface)
	c.sig.OnEnrich(func(id, url string) { c.m.EnrichInvite(id, url) })
	c.sig.OnDecline(c.handleDecline)
	c.sig.OnSignal(c.handleSignal)

	events, stop := c.pip.Subscribe()
	c.loop.Add(1)
	go func() {
		defer c.loop.Done()
		defer stop()
		c.nativeLoop(events)
	}()
	return c
}

func (c *Coordinator) Machine() *Machine { return c.m }

func (c *Coordinator) PiP() *pip.Bridge { return c.pip }

func (c *Coordinator) Audio() audio.Router { return c.audio }

// SetInviteTTL changes how long future invites ring.
func (c *Coordinator) SetInviteTTL(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.inviteTTL = d
	c.mu.Unlock()
}

// SetViewing forwards screen focus to the signaling layer.
func (c *Coordinator) SetViewing(conversationID string) {
	c.sig.SetViewing(conversationID)
}

// ── Caller side ──────────────────────────────────────────────────────────────

// StartCall rings peerID in conversationID. It fails with ErrBusy while a
// session or ringing invite exists. Broadcast failures do not fail the call:
// the ledger record is there for the callee to find.
func (c *Coordinator) StartCall(ctx context.Context, conversationID, peerID, mode string) (Session, error) {
	if !proto.ValidMode(mode) {
		return Session{}, fmt.Errorf("invalid mode %q", mode)
	}
	if conversationID == "" || peerID == "" {
		return Session{}, errors.New("conversation and peer are required")
	}

	s := Session{
		ConversationID:  conversationID,
		PeerID:          peerID,
		PeerDisplayName: peerID,
		State:           StateConnecting,
		Mode:            mode,
		Outgoing:        true,
	}
	if err := c.m.Begin(s); err != nil {
		return Session{}, err
	}
	s, _ = c.m.Session()
	c.describePeer(s.ID, peerID)

	ac := &activeCall{id: s.ID, conv: conversationID, peerID: peerID, mode: mode, outgoing: true}
	c.mu.Lock()
	c.call = ac
	ttl := c.inviteTTL
	c.mu.Unlock()

	c.startAudio(ctx, mode)

	if c.ledger != nil {
		id := c.ledger.CreatePending(ctx, conversationID, c.selfID, peerID, c.selfName, mode)
		c.mu.Lock()
		ac.ledgerID = id
		c.mu.Unlock()
	}

	if err := c.sig.SendInvite(ctx, conversationID, peerID, c.selfName, mode); err != nil {
		log.Warnf("[%s] invite broadcast failed: %v", conversationID, err)
	}

	c.arm(s.ID, ttl, func() { c.unanswered(s.ID) })
	log.Infof("[%s] calling %s (%s)", conversationID, peerID, mode)
	return s, nil
}

// describePeer looks up the callee's name and avatar without holding up the
// call. Until it lands the session shows the peer id.
func (c *Coordinator) describePeer(callID, peerID string) {
	if c.peers == nil {
		return
	}
	c.async(func(ctx context.Context) {
		name, err := c.peers.DisplayName(ctx, peerID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Debugf("display name %s: %v", peerID, err)
		}
		url, err := c.peers.AvatarURL(ctx, peerID)
		if err != nil {
			log.Debugf("avatar %s: %v", peerID, err)
		}
		c.m.SetPeer(callID, name, url)
	})
}

// unanswered ends an outgoing call nobody accepted in time.
func (c *Coordinator) unanswered(callID string) {
	c.mu.Lock()
	ac := c.call
	stillRinging := ac != nil && ac.id == callID && !ac.accepted
	c.mu.Unlock()
	if !stillRinging {
		return
	}
	s, ok := c.m.Session()
	if !ok || s.ID != callID || s.State != StateConnecting {
		return
	}
	if s, ok := c.m.HangupIf(callID); ok {
		log.Infof("[%s] no answer from %s", s.ConversationID, s.PeerID)
		c.finish(s, true)
	}
}

// ── Callee side ──────────────────────────────────────────────────────────────

// surface is the signaling invite handler.
func (c *Coordinator) surface(in signaling.Invite) (string, bool) {
	inv, ok := c.m.Offer(Invite{
		ConversationID:  in.ConversationID,
		FromUserID:      in.FromID,
		FromDisplayName: in.FromName,
		Mode:            in.Mode,
		Decrypted:       in.Decrypted,
	})
	if !ok {
		return "", false
	}
	c.armInvite(inv.ID, time.Time{})
	return inv.ID, true
}

func (c *Coordinator) armInvite(inviteID string, deadline time.Time) {
	c.mu.Lock()
	ttl := c.inviteTTL
	c.mu.Unlock()
	if !deadline.IsZero() {
		if left := time.Until(deadline); left < ttl {
			ttl = left
		}
	}
	c.arm(inviteID, ttl, func() { c.expire(inviteID) })
}

func (c *Coordinator) expire(inviteID string) {
	inv, ok := c.m.Expire(inviteID)
	if !ok {
		return
	}
	if inv.LedgerID != "" && c.ledger != nil {
		c.ledger.UpdateStatus(inv.LedgerID, storage.StatusExpired)
	}
}

// Accept answers the ringing invite. With nothing ringing it reports false.
func (c *Coordinator) Accept(ctx context.Context) (Session, bool) {
	inv, ok := c.m.Accept()
	if !ok {
		return Session{}, false
	}
	c.disarm(inv.ID)
	c.consume(inv)

	s, _ := c.m.Session()
	ac := &activeCall{id: s.ID, conv: inv.ConversationID, peerID: inv.FromUserID, mode: inv.Mode, accepted: true}
	c.mu.Lock()
	c.call = ac
	c.mu.Unlock()

	c.startAudio(ctx, inv.Mode)
	c.ensurePeer(ac)

	c.async(func(ctx context.Context) {
		if err := c.sig.SendSignal(ctx, inv.ConversationID, inv.FromUserID, proto.EventAccept, proto.SignalPayload{}); err != nil {
			log.Warnf("[%s] accept not delivered: %v", inv.ConversationID, err)
		}
	})
	return s, true
}

// Decline rejects the ringing invite. The local state clears before the
// decline is sent, and the send is never awaited.
func (c *Coordinator) Decline() bool {
	inv, ok := c.m.Decline()
	if !ok {
		return false
	}
	c.disarm(inv.ID)
	c.resolveLedger(inv, storage.StatusDeclined)

	c.async(func(ctx context.Context) {
		c.sig.SendDecline(ctx, inv.ConversationID, inv.FromUserID)
	})
	return true
}

// Dismiss hides the ringing invite without telling anyone.
func (c *Coordinator) Dismiss() bool {
	inv, ok := c.m.Dismiss()
	if ok {
		c.disarm(inv.ID)
	}
	return ok
}

// consume marks the ledger record behind an accepted invite so the ledger
// does not ring it again.
func (c *Coordinator) consume(inv Invite) {
	c.resolveLedger(inv, storage.StatusAccepted)
}

// resolveLedger settles the record behind inv. A live invite carries no
// record id: the record is looked up here and the answer is remembered for
// ConsumePendingIncomingInvite.
func (c *Coordinator) resolveLedger(inv Invite, status string) {
	if inv.LedgerID != "" {
		c.mu.Lock()
		c.consumed[inv.ConversationID] = inv.LedgerID
		c.mu.Unlock()
		if c.ledger != nil {
			c.ledger.UpdateStatus(inv.LedgerID, status)
		}
		return
	}

	a := answer{from: inv.FromUserID, at: time.Now()}
	c.mu.Lock()
	c.answers[inv.ConversationID] = a
	c.mu.Unlock()
	if c.ledger == nil {
		return
	}
	c.async(func(ctx context.Context) {
		rec := c.ledger.GetPendingForCallee(ctx, inv.ConversationID, c.selfID)
		if rec != nil && a.covers(rec) {
			c.ledger.UpdateStatus(rec.ID, status)
		}
	})
}

// ConsumePendingIncomingInvite checks the ledger for an invite to this user
// in conversationID, e.g. on cold start from a notification. A record is
// returned at most once; the same record asked for again yields nil. The
// record is surfaced as the ringing invite when the machine is idle.
func (c *Coordinator) ConsumePendingIncomingInvite(ctx context.Context, conversationID string) *ledger.Record {
	if c.ledger == nil {
		return nil
	}
	rec := c.ledger.GetPendingForCallee(ctx, conversationID, c.selfID)
	if rec == nil {
		return nil
	}

	c.mu.Lock()
	a, answered := c.answers[conversationID]
	if c.consumed[conversationID] == rec.ID || (answered && a.covers(rec)) {
		c.consumed[conversationID] = rec.ID
		c.mu.Unlock()
		return nil
	}
	c.consumed[conversationID] = rec.ID
	c.mu.Unlock()

	// The live broadcast may already have surfaced the same invite.
	if c.m.AttachLedger(conversationID, rec.FromUserID, rec.ID) {
		return rec
	}

	mode := rec.Mode
	if !proto.ValidMode(mode) {
		mode = proto.ModeAudio
	}
	inv, ok := c.m.Offer(Invite{
		ConversationID:  conversationID,
		FromUserID:      rec.FromUserID,
		FromDisplayName: rec.FromDisplayName,
		Mode:            mode,
		LedgerID:        rec.ID,
	})
	if ok {
		c.armInvite(inv.ID, rec.ExpiresAt)
	}
	return rec
}

// ── Both sides ───────────────────────────────────────────────────────────────

// Hangup ends the active call. With no call it is a no-op.
func (c *Coordinator) Hangup() bool {
	s, ok := c.m.Hangup()
	if !ok {
		return false
	}
	c.finish(s, true)
	return true
}

// EndCallFromPiP is the hang-up path for PiP and CallKit. It runs the
// registered screen callback, then makes sure the call is over.
func (c *Coordinator) EndCallFromPiP() {
	before, had := c.m.EndCallFromPiP()
	if had {
		c.finish(before, true)
	}
}

// RegisterEndCallFn installs the current call screen's hang-up callback.
func (c *Coordinator) RegisterEndCallFn(fn func()) {
	c.m.RegisterEndCallFn(fn)
}

func (c *Coordinator) SetMuted(muted bool) bool {
	return c.m.SetMuted(muted)
}

func (c *Coordinator) ToggleMute() (bool, bool) {
	return c.m.ToggleMute()
}

func (c *Coordinator) SetSpeaker(ctx context.Context, on bool) bool {
	if _, ok := c.m.Session(); !ok {
		return false
	}
	return c.audio.SetSpeaker(ctx, on)
}

// EnterPiP floats the active call. Without a call there is nothing to float.
func (c *Coordinator) EnterPiP(ctx context.Context) bool {
	if _, ok := c.m.Session(); !ok {
		return false
	}
	return c.pip.EnterPiP(ctx)
}

func (c *Coordinator) ExitPiP(ctx context.Context) bool {
	return c.pip.ExitPiP(ctx)
}

// LinkChanged applies a connectivity change for the call in conversationID.
func (c *Coordinator) LinkChanged(conversationID string, l media.Link) {
	switch l {
	case media.LinkUp:
		c.transition(conversationID, StateLive)
	case media.LinkDown:
		c.transition(conversationID, StateReconnecting)
	case media.LinkFailed:
		if s, ok := c.m.HangupFor(conversationID); ok {
			log.Warnf("[%s] connection failed", conversationID)
			c.finish(s, true)
		}
	}
}

func (c *Coordinator) transition(conversationID string, to SessionState) {
	if err := c.m.TransitionFor(conversationID, to); err != nil {
		log.Debugf("[%s] %v", conversationID, err)
	}
}

// finish releases what the coordinator set up for s. It runs once per call
// however many paths end it; notify sends the courtesy hang-up or cancel.
func (c *Coordinator) finish(s Session, notify bool) {
	c.mu.Lock()
	ac := c.call
	if ac == nil || ac.id != s.ID {
		c.mu.Unlock()
		return
	}
	c.call = nil
	c.mu.Unlock()
	c.disarm(s.ID)

	if ac.peer != nil {
		_ = ac.peer.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	c.audio.StopCallAudio(ctx)
	c.pip.ExitPiP(ctx)
	cancel()

	cancelled := ac.outgoing && !ac.accepted
	if cancelled && ac.ledgerID != "" && c.ledger != nil {
		c.ledger.UpdateStatus(ac.ledgerID, storage.StatusExpired)
	}
	if !notify {
		return
	}
	c.async(func(ctx context.Context) {
		if cancelled {
			c.sig.SendDecline(ctx, ac.conv, ac.peerID)
			return
		}
		if err := c.sig.SendSignal(ctx, ac.conv, ac.peerID, proto.EventHangup, proto.SignalPayload{}); err != nil {
			log.Debugf("[%s] hangup not delivered: %v", ac.conv, err)
		}
	})
}

func (c *Coordinator) startAudio(ctx context.Context, mode string) {
	if !c.audio.Supported() {
		return
	}
	if c.audio.StartCallAudio(ctx, mode) && mode == proto.ModeVideo {
		c.audio.SetSpeaker(ctx, true)
	}
}

// ── Inbound events ───────────────────────────────────────────────────────────

func (c *Coordinator) handleDecline(d signaling.Decline) {
	// Our outgoing call was declined.
	if s, ok := c.m.Session(); ok && s.Outgoing && s.ConversationID == d.ConversationID &&
		s.PeerID == d.FromID && s.State == StateConnecting {
		if s, ok := c.m.HangupIf(s.ID); ok {
			log.Infof("[%s] %s declined", d.ConversationID, d.FromID)
			c.answered(s.ID, storage.StatusDeclined)
			c.finish(s, false)
		}
		return
	}

	// The caller gave up on the invite that is ringing here.
	if inv, ok := c.m.Ringing(); ok && inv.ConversationID == d.ConversationID && inv.FromUserID == d.FromID {
		c.expire(inv.ID)
		c.disarm(inv.ID)
	}
}

func (c *Coordinator) handleSignal(sg signaling.Signal) {
	c.mu.Lock()
	ac := c.call
	c.mu.Unlock()
	if ac == nil || ac.conv != sg.ConversationID || ac.peerID != sg.FromID {
		log.Debugf("[%s] stray %s from %s", sg.ConversationID, sg.Event, sg.FromID)
		return
	}

	switch sg.Event {
	case proto.EventAccept:
		if !ac.outgoing {
			return
		}
		c.answered(ac.id, storage.StatusAccepted)
		c.disarm(ac.id)
		peer := c.ensurePeer(ac)
		if peer == nil {
			return
		}
		sdp, err := peer.Offer()
		if err != nil {
			log.Warnf("[%s] offer: %v", ac.conv, err)
			return
		}
		c.signal(ac, proto.EventOffer, proto.SignalPayload{SDP: sdp})

	case proto.EventOffer:
		if ac.outgoing {
			return
		}
		peer := c.ensurePeer(ac)
		if peer == nil {
			return
		}
		sdp, err := peer.Answer(sg.SDP)
		if err != nil {
			log.Warnf("[%s] answer: %v", ac.conv, err)
			return
		}
		c.signal(ac, proto.EventAnswer, proto.SignalPayload{SDP: sdp})

	case proto.EventAnswer:
		if peer := c.peerOf(ac); peer != nil && ac.outgoing {
			if err := peer.SetAnswer(sg.SDP); err != nil {
				log.Warnf("[%s] remote answer: %v", ac.conv, err)
			}
		}

	case proto.EventCandidate:
		if peer := c.peerOf(ac); peer != nil && len(sg.ICE) > 0 {
			if err := peer.AddCandidate(sg.ICE); err != nil {
				log.Debugf("[%s] candidate: %v", ac.conv, err)
			}
		}

	case proto.EventHangup:
		if s, ok := c.m.HangupIf(ac.id); ok {
			log.Infof("[%s] %s hung up", sg.ConversationID, sg.FromID)
			c.finish(s, false)
		}
	}
}

// answered records the callee's answer to our outgoing call. The caller owns
// the ledger record, so it resolves it here.
func (c *Coordinator) answered(callID, status string) {
	c.mu.Lock()
	ac := c.call
	if ac == nil || ac.id != callID || ac.accepted {
		c.mu.Unlock()
		return
	}
	ac.accepted = true
	ledgerID := ac.ledgerID
	c.mu.Unlock()

	if ledgerID != "" && c.ledger != nil {
		c.ledger.UpdateStatus(ledgerID, status)
	}
}

func (c *Coordinator) peerOf(ac *activeCall) *media.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ac.peer
}

// ensurePeer returns the call's media peer, creating it on first use. It
// returns nil when no media engine is configured or creation failed.
func (c *Coordinator) ensurePeer(ac *activeCall) *media.Peer {
	if c.media == nil {
		return nil
	}
	c.mu.Lock()
	if ac.peer != nil {
		p := ac.peer
		c.mu.Unlock()
		return p
	}
	c.mu.Unlock()

	conv, callID := ac.conv, ac.id
	peer, err := c.media.NewPeer(conv, ac.mode, media.Callbacks{
		OnCandidate: func(init webrtc.ICECandidateInit) {
			raw, err := json.Marshal(init)
			if err != nil || !c.isCurrent(callID) {
				return
			}
			c.signal(ac, proto.EventCandidate, proto.SignalPayload{ICE: raw})
		},
		OnLink: func(l media.Link) {
			if c.isCurrent(callID) {
				c.LinkChanged(conv, l)
			}
		},
		OnRemoteStream: func(id string) {
			if c.isCurrent(callID) {
				c.m.SetStreams(conv, "", id)
			}
		},
	})
	if err != nil {
		log.Warnf("[%s] media peer: %v", conv, err)
		return nil
	}

	c.mu.Lock()
	if ac.peer != nil || c.call != ac {
		c.mu.Unlock()
		_ = peer.Close()
		return c.peerOf(ac)
	}
	ac.peer = peer
	c.mu.Unlock()

	c.m.SetStreams(conv, peer.LocalStream(), "")
	return peer
}

func (c *Coordinator) isCurrent(callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call != nil && c.call.id == callID
}

func (c *Coordinator) signal(ac *activeCall, event string, p proto.SignalPayload) {
	c.async(func(ctx context.Context) {
		if err := c.sig.SendSignal(ctx, ac.conv, ac.peerID, event, p); err != nil {
			log.Warnf("[%s] %s not delivered: %v", ac.conv, event, err)
		}
	})
}

// nativeLoop routes PiP and CallKit actions. Hang-ups take the
// EndCallFromPiP path because the call screen may not be mounted.
func (c *Coordinator) nativeLoop(events <-chan pip.Event) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.HandleNative(ev)
		}
	}
}

// HandleNative applies one native event.
func (c *Coordinator) HandleNative(ev pip.Event) {
	switch {
	case ev.Action == pip.ActionHangUp && (ev.Kind == pip.PiPAction || ev.Kind == pip.CallKitAction):
		c.EndCallFromPiP()
	case ev.Kind == pip.PiPAction && ev.Action == pip.ActionToggleMute:
		c.m.ToggleMute()
	case ev.Kind == pip.CallKitAction && ev.Action == pip.ActionMute:
		c.m.SetMuted(ev.Muted)
	case ev.Kind == pip.PiPModeChanged:
		log.Debugf("pip mode: %v", ev.InPiP)
	case ev.Kind == pip.CallScreen:
		if ev.Mounted {
			c.RegisterEndCallFn(c.closeCallScreen)
		} else {
			c.RegisterEndCallFn(nil)
		}
	}
}

// closeCallScreen is the end-call callback registered for a shell-rendered
// call screen.
func (c *Coordinator) closeCallScreen() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c.pip.CloseCallScreen(ctx)
}

// ── Timers and background work ───────────────────────────────────────────────

func (c *Coordinator) arm(key string, d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[key]; ok {
		t.Stop()
	}
	c.timers[key] = time.AfterFunc(d, func() {
		c.mu.Lock()
		delete(c.timers, key)
		c.mu.Unlock()
		fn()
	})
}

func (c *Coordinator) disarm(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[key]; ok {
		t.Stop()
		delete(c.timers, key)
	}
}

// async runs a best-effort network call that nobody waits for.
func (c *Coordinator) async(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until background sends have finished. Tests use it.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close hangs up, stops timers and waits for background work.
func (c *Coordinator) Close() {
	if s, ok := c.m.Hangup(); ok {
		c.finish(s, true)
	}
	c.m.Dismiss()

	c.mu.Lock()
	for k, t := range c.timers {
		t.Stop()
		delete(c.timers, k)
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.cancel()
	c.loop.Wait()
}
