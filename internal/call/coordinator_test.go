package call

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callcore/internal/audio"
	"github.com/petervdpas/callcore/internal/ledger"
	"github.com/petervdpas/callcore/internal/media"
	"github.com/petervdpas/callcore/internal/pip"
	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/signaling"
	"github.com/petervdpas/callcore/internal/storage"
	"github.com/petervdpas/callcore/internal/transport"
)

const wait, tick = 2 * time.Second, 5 * time.Millisecond

type audioLog struct {
	mu    sync.Mutex
	calls []string
}

func (a *audioLog) add(s string) {
	a.mu.Lock()
	a.calls = append(a.calls, s)
	a.mu.Unlock()
}

func (a *audioLog) got() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *audioLog) Start(_ context.Context, mode string) error {
	a.add("start " + mode)
	return nil
}

func (a *audioLog) SetSpeaker(_ context.Context, on bool) error {
	if on {
		a.add("speaker on")
	} else {
		a.add("speaker off")
	}
	return nil
}

func (a *audioLog) Stop(context.Context) error {
	a.add("stop")
	return nil
}

type pipLog struct {
	mu    sync.Mutex
	calls []string
}

func (p *pipLog) Supported() bool { return true }

func (p *pipLog) Enter(context.Context) error {
	p.mu.Lock()
	p.calls = append(p.calls, "enter")
	p.mu.Unlock()
	return nil
}

func (p *pipLog) Exit(context.Context) error {
	p.mu.Lock()
	p.calls = append(p.calls, "exit")
	p.mu.Unlock()
	return nil
}

type node struct {
	id     string
	sig    *signaling.Manager
	ledger *ledger.Ledger
	coord  *Coordinator
	audio  *audioLog
}

type network struct {
	t   *testing.T
	hub *transport.Hub
	db  *storage.DB
}

func newNetwork(t *testing.T) *network {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &network{t: t, hub: transport.NewHub(), db: db}
}

func (n *network) node(id, name string, ttl time.Duration) *node {
	sig := signaling.New(n.hub.Endpoint(), signaling.Options{SelfID: id})
	n.t.Cleanup(func() { _ = sig.Close() })

	led := ledger.New(n.db, time.Minute)
	al := &audioLog{}
	c := NewCoordinator(Options{
		Signaler:    sig,
		Ledger:      led,
		Audio:       audio.New(al, nil),
		DisplayName: name,
		InviteTTL:   ttl,
	})
	n.t.Cleanup(func() {
		c.Close()
		led.Wait()
	})
	return &node{id: id, sig: sig, ledger: led, coord: c, audio: al}
}

func (n *network) join(conv string, a, b *node) {
	ctx := context.Background()
	require.NoError(n.t, a.sig.EnsureSubscribed(ctx, conv, b.id))
	require.NoError(n.t, b.sig.EnsureSubscribed(ctx, conv, a.id))
}

// pair returns a caller A and callee B sharing conversation c1.
func pair(t *testing.T) (*network, *node, *node) {
	n := newNetwork(t)
	a := n.node("A", "Alice", time.Minute)
	b := n.node("B", "Bob", time.Minute)
	n.join("c1", a, b)
	return n, a, b
}

func (nd *node) session() (Session, bool) { return nd.coord.Machine().Session() }

func (nd *node) idle() bool {
	_, inCall := nd.session()
	return !inCall && !nd.coord.Machine().HasInvite()
}

func (nd *node) pending(conv string) *ledger.Record {
	nd.ledger.Wait()
	return nd.ledger.GetPendingForCallee(context.Background(), conv, nd.id)
}

func TestCallLifecycle(t *testing.T) {
	ctx := context.Background()
	_, a, b := pair(t)

	s, err := a.coord.StartCall(ctx, "c1", "B", proto.ModeVideo)
	require.NoError(t, err)
	assert.True(t, s.Outgoing)
	assert.Equal(t, StateConnecting, s.State)
	assert.Equal(t, []string{"start video", "speaker on"}, a.audio.got())

	inv, ok := b.coord.Machine().Ringing()
	require.True(t, ok)
	assert.Equal(t, "A", inv.FromUserID)
	assert.Equal(t, "Alice", inv.FromDisplayName)
	assert.Equal(t, proto.ModeVideo, inv.Mode)
	require.NotNil(t, b.pending("c1"), "caller leaves a ledger record")

	bs, ok := b.coord.Accept(ctx)
	require.True(t, ok)
	assert.Equal(t, "A", bs.PeerID)
	assert.False(t, b.coord.Machine().HasInvite())

	require.Eventually(t, func() bool { return b.pending("c1") == nil }, wait, tick,
		"accept resolves the ledger record")

	a.coord.LinkChanged("c1", media.LinkUp)
	b.coord.LinkChanged("c1", media.LinkUp)
	as, _ := a.session()
	assert.Equal(t, StateLive, as.State)

	a.coord.LinkChanged("c1", media.LinkDown)
	as, _ = a.session()
	assert.Equal(t, StateReconnecting, as.State)
	a.coord.LinkChanged("c1", media.LinkUp)

	require.True(t, a.coord.Hangup())
	assert.True(t, a.idle())
	assert.False(t, a.coord.Hangup(), "second hangup is a no-op")
	assert.Contains(t, a.audio.got(), "stop")

	require.Eventually(t, b.idle, wait, tick, "remote hangup ends the callee's call")
}

type directory map[string][2]string

func (d directory) DisplayName(_ context.Context, id string) (string, error) {
	if p, ok := d[id]; ok {
		return p[0], nil
	}
	return "", storage.ErrNotFound
}

func (d directory) AvatarURL(_ context.Context, id string) (string, error) {
	return d[id][1], nil
}

func TestOutgoingSessionDescribesPeer(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t)
	sig := signaling.New(n.hub.Endpoint(), signaling.Options{SelfID: "A"})
	t.Cleanup(func() { _ = sig.Close() })
	c := NewCoordinator(Options{
		Signaler: sig,
		Peers:    directory{"B": {"Bob", "/avatars/bob.png"}},
	})
	t.Cleanup(c.Close)

	s, err := c.StartCall(ctx, "c1", "B", proto.ModeAudio)
	require.NoError(t, err)
	assert.Equal(t, "B", s.PeerDisplayName, "peer id until the lookup lands")

	c.Wait()
	s, _ = c.Machine().Session()
	assert.Equal(t, "Bob", s.PeerDisplayName)
	assert.Equal(t, "/avatars/bob.png", s.PeerAvatarURL)

	require.True(t, c.Hangup())
	_, err = c.StartCall(ctx, "c2", "Z", proto.ModeAudio)
	require.NoError(t, err)
	c.Wait()
	s, _ = c.Machine().Session()
	assert.Equal(t, "Z", s.PeerDisplayName, "unknown peers keep their id")
	assert.Empty(t, s.PeerAvatarURL)
}

func TestStartCallBusy(t *testing.T) {
	ctx := context.Background()
	_, a, _ := pair(t)

	_, err := a.coord.StartCall(ctx, "c1", "B", proto.ModeAudio)
	require.NoError(t, err)
	_, err = a.coord.StartCall(ctx, "c1", "B", proto.ModeAudio)
	assert.ErrorIs(t, err, ErrBusy)

	_, err = a.coord.StartCall(ctx, "c1", "B", "hologram")
	assert.Error(t, err)
}

func TestDecline(t *testing.T) {
	ctx := context.Background()
	_, a, b := pair(t)

	_, err := a.coord.StartCall(ctx, "c1", "B", proto.ModeAudio)
	require.NoError(t, err)
	require.True(t, b.coord.Machine().HasInvite())

	require.True(t, b.coord.Decline())
	assert.True(t, b.idle())
	assert.False(t, b.coord.Decline())

	require.Eventually(t, a.idle, wait, tick, "caller learns about the decline")
	a.ledger.Wait()
	assert.Nil(t, b.pending("c1"), "caller resolves its record")
}

func TestDeclineClearsWhenSendFails(t *testing.T) {
	ctx := context.Background()
	n, a, b := pair(t)

	_, err := a.coord.StartCall(ctx, "c1", "B", proto.ModeAudio)
	require.NoError(t, err)
	n.hub.FailSends(errors.New("link down"))

	require.True(t, b.coord.Decline())
	assert.True(t, b.idle())

	b.coord.Wait()
	s, ok := a.session()
	require.True(t, ok, "caller never heard the decline")
	assert.Equal(t, StateConnecting, s.State)
}

func TestDeclinedInviteDoesNotRingAgain(t *testing.T) {
	ctx := context.Background()
	n, a, b := pair(t)

	_, err := a.coord.StartCall(ctx, "c1", "B", proto.ModeAudio)
	require.NoError(t, err)
	n.hub.FailSends(errors.New("link down"))

	require.True(t, b.coord.Decline())
	assert.Nil(t, b.coord.ConsumePendingIncomingInvite(ctx, "c1"))
	assert.False(t, b.coord.Machine().HasInvite())

	b.coord.Wait()
	assert.Nil(t, b.pending("c1"), "callee resolves the record itself")
}

func TestAcceptedInviteNotHandedOutAgain(t *testing.T) {
	ctx := context.Background()
	_, a, b := pair(t)

	_, err := a.coord.StartCall(ctx, "c1", "B", proto.ModeAudio)
	require.NoError(t, err)
	_, ok := b.coord.Accept(ctx)
	require.True(t, ok)

	assert.Nil(t, b.coord.ConsumePendingIncomingInvite(ctx, "c1"), "re-query on navigation")

	require.True(t, b.coord.Hangup())
	require.Eventually(t, a.idle, wait, tick)
	b.coord.Wait()

	// Records are stored at millisecond precision.
	time.Sleep(5 * time.Millisecond)
	id := a.ledger.CreatePending(ctx, "c1", "A", "B", "Alice", proto.ModeAudio)
	rec := b.coord.ConsumePendingIncomingInvite(ctx, "c1")
	require.NotNil(t, rec, "a later call from the same caller still rings")
	assert.Equal(t, id, rec.ID)
}

func TestLateHangupLeavesNewSession(t *testing.T) {
	ctx := context.Background()
	_, a, b := pair(t)

	_, err := a.coord.StartCall(ctx, "c1", "B", proto.ModeAudio)
	require.NoError(t, err)
	_, ok := b.coord.Accept(ctx)
	require.True(t, ok)

	a.coord.Machine().Publish(Session{ConversationID: "c1", PeerID: "B", State: StateLive, Mode: proto.ModeAudio})
	fresh, _ := a.session()

	require.True(t, b.coord.Hangup())
	b.coord.Wait()

	s, ok := a.session()
	require.True(t, ok, "hangup for the earlier call does not clear the slot")
	assert.Equal(t, fresh.ID, s.ID)
}

func TestDismissIsLocal(t *testing.T) {
	ctx := context.Background()
	_, a, b := pair(t)

	_, err := a.coord.StartCall(ctx, "c1", "B", proto.ModeAudio)
	require.NoError(t, err)

	require.True(t, b.coord.Dismiss())
	assert.True(t, b.idle())
	b.coord.Wait()

	_, ok := a.session()
	assert.True(t, ok)
	assert.NotNil(t, b.pending("c1"), "dismiss leaves the ledger alone")
}

func TestCallerCancel(t *testing.T) {
	ctx := context.Background()
	_, a, b := pair(t)

	_, err := a.coord.StartCall(ctx, "c1", "B", proto.ModeAudio)
	require.NoError(t, err)
	require.True(t, b.coord.Machine().HasInvite())

	require.True(t, a.coord.Hangup())
	require.Eventually(t, b.idle, wait, tick, "cancel stops the ringing")
	a.ledger.Wait()
	assert.Nil(t, b.pending("c1"), "cancelled record is expired")
}

func TestSecondInviteDropped(t *testing.T) {
	ctx := context.Background()
	n, a, b := pair(t)
	c := n.node("C", "Carol", time.Minute)
	n.join("c2", c, b)

	_, err := a.coord.StartCall(ctx, "c1", "B", proto.ModeAudio)
	require.NoError(t, err)
	first, _ := b.coord.Machine().Ringing()

	_, err = c.coord.StartCall(ctx, "c2", "B", proto.ModeVideo)
	require.NoError(t, err)

	got, ok := b.coord.Machine().Ringing()
	require.True(t, ok)
	assert.Equal(t, first, got)
}

func TestInviteExpires(t *testing.T) {
	ctx := context.Background()
	_, a, b := pair(t)
	b.coord.SetInviteTTL(30 * time.Millisecond)

	_, err := a.coord.StartCall(ctx, "c1", "B", proto.ModeAudio)
	require.NoError(t, err)
	require.True(t, b.coord.Machine().HasInvite())

	require.Eventually(t, b.idle, wait, tick)
	_, ok := a.session()
	assert.True(t, ok, "callee expiry is silent")
}

func TestUnansweredCallEnds(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t)
	a := n.node("A", "Alice", 30*time.Millisecond)
	b := n.node("B", "Bob", time.Minute)
	n.join("c1", a, b)

	_, err := a.coord.StartCall(ctx, "c1", "B", proto.ModeAudio)
	require.NoError(t, err)

	require.Eventually(t, a.idle, wait, tick, "caller gives up")
	require.Eventually(t, b.idle, wait, tick, "callee stops ringing")
}

func TestConsumePendingIncomingInvite(t *testing.T) {
	ctx := context.Background()
	_, a, b := pair(t)

	id := a.ledger.CreatePending(ctx, "c1", "A", "B", "Alice", proto.ModeVideo)
	require.NotEmpty(t, id)

	assert.Nil(t, b.coord.ConsumePendingIncomingInvite(ctx, "c9"))

	rec := b.coord.ConsumePendingIncomingInvite(ctx, "c1")
	require.NotNil(t, rec)
	assert.Equal(t, id, rec.ID)

	inv, ok := b.coord.Machine().Ringing()
	require.True(t, ok)
	assert.Equal(t, id, inv.LedgerID)
	assert.Equal(t, "Alice", inv.FromDisplayName)
	assert.Equal(t, proto.ModeVideo, inv.Mode)

	assert.Nil(t, b.coord.ConsumePendingIncomingInvite(ctx, "c1"), "a record is handed out once")

	_, ok = b.coord.Accept(ctx)
	require.True(t, ok)
	assert.Nil(t, b.pending("c1"))
}

func TestConsumeAttachesToRingingInvite(t *testing.T) {
	ctx := context.Background()
	_, a, b := pair(t)

	_, err := a.coord.StartCall(ctx, "c1", "B", proto.ModeAudio)
	require.NoError(t, err)
	live, _ := b.coord.Machine().Ringing()

	rec := b.coord.ConsumePendingIncomingInvite(ctx, "c1")
	require.NotNil(t, rec)

	got, _ := b.coord.Machine().Ringing()
	assert.Equal(t, live.ID, got.ID, "no second invite")
	assert.Equal(t, rec.ID, got.LedgerID)

	require.True(t, b.coord.Decline())
	assert.Nil(t, b.pending("c1"))
}

func TestNativeHangUp(t *testing.T) {
	ctx := context.Background()
	_, a, b := pair(t)

	_, err := a.coord.StartCall(ctx, "c1", "B", proto.ModeAudio)
	require.NoError(t, err)
	_, ok := b.coord.Accept(ctx)
	require.True(t, ok)

	b.coord.RegisterEndCallFn(func() { panic("screen unmounted") })
	native := &pipLog{}
	b.coord.PiP().Attach(native)

	b.coord.PiP().Deliver(pip.Event{Kind: pip.PiPAction, Action: pip.ActionHangUp})

	require.Eventually(t, b.idle, wait, tick)
	require.Eventually(t, a.idle, wait, tick)
}

type screenLog struct {
	pipLog
	closed chan struct{}
}

func (s *screenLog) CloseCallScreen(context.Context) error {
	close(s.closed)
	return nil
}

func TestShellCallScreenClosedOnNativeHangUp(t *testing.T) {
	ctx := context.Background()
	_, a, b := pair(t)

	_, err := a.coord.StartCall(ctx, "c1", "B", proto.ModeAudio)
	require.NoError(t, err)
	_, ok := b.coord.Accept(ctx)
	require.True(t, ok)

	native := &screenLog{closed: make(chan struct{})}
	b.coord.PiP().Attach(native)
	b.coord.PiP().Deliver(pip.Event{Kind: pip.CallScreen, Mounted: true})
	b.coord.PiP().Deliver(pip.Event{Kind: pip.CallKitAction, Action: pip.ActionHangUp})

	select {
	case <-native.closed:
	case <-time.After(wait):
		t.Fatal("call screen was not closed")
	}
	require.Eventually(t, b.idle, wait, tick)
}

func TestNativeMute(t *testing.T) {
	ctx := context.Background()
	_, a, _ := pair(t)

	a.coord.HandleNative(pip.Event{Kind: pip.PiPAction, Action: pip.ActionToggleMute})
	_, ok := a.session()
	assert.False(t, ok, "no call, nothing to mute")

	_, err := a.coord.StartCall(ctx, "c1", "B", proto.ModeAudio)
	require.NoError(t, err)

	a.coord.HandleNative(pip.Event{Kind: pip.PiPAction, Action: pip.ActionToggleMute})
	s, _ := a.session()
	assert.True(t, s.Muted)

	a.coord.HandleNative(pip.Event{Kind: pip.CallKitAction, Action: pip.ActionMute, Muted: false})
	s, _ = a.session()
	assert.False(t, s.Muted)
}

func TestLinkFailedEndsCall(t *testing.T) {
	ctx := context.Background()
	_, a, b := pair(t)

	_, err := a.coord.StartCall(ctx, "c1", "B", proto.ModeAudio)
	require.NoError(t, err)
	_, ok := b.coord.Accept(ctx)
	require.True(t, ok)

	b.coord.LinkChanged("c1", media.LinkFailed)
	assert.True(t, b.idle())
	require.Eventually(t, a.idle, wait, tick)
}

func TestPiPNeedsCall(t *testing.T) {
	ctx := context.Background()
	_, a, _ := pair(t)
	native := &pipLog{}
	a.coord.PiP().Attach(native)

	assert.False(t, a.coord.EnterPiP(ctx))

	_, err := a.coord.StartCall(ctx, "c1", "B", proto.ModeVideo)
	require.NoError(t, err)
	assert.True(t, a.coord.EnterPiP(ctx))
	assert.True(t, a.coord.PiP().InPiP())

	a.coord.Hangup()
	assert.False(t, a.coord.PiP().InPiP(), "hangup leaves pip")
}
