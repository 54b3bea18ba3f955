package pip

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNative struct {
	supported bool
	enterErr  error
	enters    int
	exits     int
}

func (f *fakeNative) Supported() bool { return f.supported }

func (f *fakeNative) Enter(context.Context) error {
	f.enters++
	return f.enterErr
}

func (f *fakeNative) Exit(context.Context) error {
	f.exits++
	return nil
}

func TestEnterExitIdempotent(t *testing.T) {
	b := New(nil)
	n := &fakeNative{supported: true}
	b.Attach(n)
	ctx := context.Background()

	assert.True(t, b.EnterPiP(ctx))
	assert.True(t, b.EnterPiP(ctx))
	assert.True(t, b.InPiP())
	assert.Equal(t, 1, n.enters)

	assert.True(t, b.ExitPiP(ctx))
	assert.True(t, b.ExitPiP(ctx))
	assert.False(t, b.InPiP())
	assert.Equal(t, 1, n.exits)
}

func TestUnsupportedOrNotReady(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	assert.False(t, b.IsPiPSupported())
	assert.False(t, b.EnterPiP(ctx))
	assert.False(t, b.ExitPiP(ctx))

	b.Attach(&fakeNative{supported: false})
	assert.False(t, b.IsPiPSupported())
	assert.False(t, b.EnterPiP(ctx))
}

func TestEnterFailureIsAFlag(t *testing.T) {
	b := New(nil)
	b.Attach(&fakeNative{supported: true, enterErr: errors.New("activity finishing")})
	assert.False(t, b.EnterPiP(context.Background()))
	assert.False(t, b.InPiP())
}

func TestListenerBeforeReadyGetsNothingUntilAttached(t *testing.T) {
	b := New(nil)
	events, cancel := b.Subscribe()
	defer cancel()

	b.Deliver(Event{Kind: PiPAction, Action: ActionHangUp})
	select {
	case ev := <-events:
		t.Fatalf("unexpected event before ready: %+v", ev)
	default:
	}

	n := &fakeNative{supported: true}
	b.Attach(n)
	b.Deliver(Event{Kind: PiPModeChanged, InPiP: true})
	ev := <-events
	assert.Equal(t, PiPModeChanged, ev.Kind)
	assert.True(t, b.InPiP())

	b.Detach(n)
	b.Deliver(Event{Kind: CallKitAction, Action: ActionHangUp})
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after detach: %+v", ev)
	default:
	}
}

func TestDetachIgnoresStaleNative(t *testing.T) {
	b := New(nil)
	old, cur := &fakeNative{supported: true}, &fakeNative{supported: true}
	b.Attach(old)
	b.Attach(cur)
	b.Detach(old)
	assert.True(t, b.Ready())
}

// pipeConn is an in-memory Conn: the test writes into in, the bridge's
// commands come out of out.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	once   sync.Once
	closed chan struct{}
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan []byte, 8), out: make(chan []byte, 8), closed: make(chan struct{})}
}

func (c *pipeConn) ReadJSON(v any) error {
	select {
	case b := <-c.in:
		return json.Unmarshal(b, v)
	case <-c.closed:
		return io.EOF
	}
}

func (c *pipeConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.out <- b
	return nil
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestServeShellSession(t *testing.T) {
	b := New(nil)
	events, cancel := b.Subscribe()
	defer cancel()

	conn := newPipeConn()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, conn, b) }()

	conn.in <- []byte(`{"type":"ready","pipSupported":true}`)
	require.Eventually(t, b.IsPiPSupported, time.Second, 5*time.Millisecond)

	require.True(t, b.EnterPiP(context.Background()))
	assert.JSONEq(t, `{"type":"enterPiP"}`, string(<-conn.out))

	conn.in <- []byte(`{"type":"callKitAction","action":"mute","isMuted":true}`)
	ev := <-events
	assert.Equal(t, CallKitAction, ev.Kind)
	assert.Equal(t, ActionMute, ev.Action)
	assert.True(t, ev.Muted)

	stop()
	require.NoError(t, <-done)
	assert.False(t, b.Ready())
}

func TestShellCallScreen(t *testing.T) {
	b := New(nil)
	assert.False(t, b.CloseCallScreen(context.Background()), "nothing attached")

	events, cancel := b.Subscribe()
	defer cancel()

	conn := newPipeConn()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() { _ = Serve(ctx, conn, b) }()

	conn.in <- []byte(`{"type":"ready"}`)
	require.Eventually(t, b.Ready, time.Second, 5*time.Millisecond)

	conn.in <- []byte(`{"type":"callScreen","mounted":true}`)
	ev := <-events
	assert.Equal(t, CallScreen, ev.Kind)
	assert.True(t, ev.Mounted)

	require.True(t, b.CloseCallScreen(context.Background()))
	assert.JSONEq(t, `{"type":"closeCallScreen"}`, string(<-conn.out))
}

func TestCloseCallScreenNeedsScreen(t *testing.T) {
	b := New(nil)
	b.Attach(&fakeNative{supported: true})
	assert.False(t, b.CloseCallScreen(context.Background()))
}

func TestServeRejectsMissingHello(t *testing.T) {
	conn := newPipeConn()
	conn.in <- []byte(`{"type":"pipAction","action":"hangUp"}`)
	assert.Error(t, Serve(context.Background(), conn, New(nil)))
}
