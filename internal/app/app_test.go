package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callcore/internal/config"
	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/storage"
	"github.com/petervdpas/callcore/internal/transport"
)

type flakySubscriber struct {
	mu       sync.Mutex
	failures map[string]int
	done     map[string]string
}

func (f *flakySubscriber) EnsureSubscribed(_ context.Context, conv, peer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures[conv] > 0 {
		f.failures[conv]--
		return errors.New("not yet")
	}
	f.done[conv] = peer
	return nil
}

func (f *flakySubscriber) has(conv string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.done[conv]
	return ok
}

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDiscovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := openDB(t)

	_, err := db.AddConversation(ctx, storage.Conversation{ID: "c1", PeerID: "bob"})
	require.NoError(t, err)
	_, err = db.AddConversation(ctx, storage.Conversation{ID: "c3", PeerID: "dave"})
	require.NoError(t, err)

	sub := &flakySubscriber{failures: map[string]int{"c3": 2}, done: map[string]string{}}
	d := NewDiscovery(db, sub, 20*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return sub.has("c1") }, 2*time.Second, 5*time.Millisecond)

	_, err = db.AddConversation(ctx, storage.Conversation{ID: "c2", PeerID: "carol"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sub.has("c2") }, 2*time.Second, 5*time.Millisecond,
		"new conversations are picked up without waiting for a resync")

	require.Eventually(t, func() bool { return sub.has("c3") }, 2*time.Second, 5*time.Millisecond,
		"failed subscriptions are retried")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("discovery did not stop")
	}
}

func TestNormalizeLocalAddr(t *testing.T) {
	tests := []struct{ in, addr, url string }{
		{":8790", "127.0.0.1:8790", "http://127.0.0.1:8790"},
		{"0.0.0.0:9000", "127.0.0.1:9000", "http://127.0.0.1:9000"},
		{" 127.0.0.1:1 ", "127.0.0.1:1", "http://127.0.0.1:1"},
	}
	for _, tt := range tests {
		addr, url := NormalizeLocalAddr(tt.in)
		assert.Equal(t, tt.addr, addr)
		assert.Equal(t, tt.url, url)
	}
}

func buildNode(t *testing.T, hub *transport.Hub, self, name string) *Node {
	t.Helper()
	cfg := config.Default()
	cfg.Identity.UserID = self
	cfg.Identity.DisplayName = name
	cfg.Transport.Kind = config.TransportMemory
	cfg.API.HTTPAddr = ""
	cfg.Calls.ResyncSec = 1
	require.NoError(t, cfg.Validate())

	n, err := Build(context.Background(), Options{PeerDir: t.TempDir(), Cfg: cfg, Hub: hub})
	require.NoError(t, err)
	t.Cleanup(n.Close)
	return n
}

func TestNodesRingEachOther(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewHub()
	alice := buildNode(t, hub, "alice", "Alice")
	bob := buildNode(t, hub, "bob", "Bob")

	for _, n := range []*Node{alice, bob} {
		go func() { _ = n.Serve(ctx) }()
	}

	_, err := alice.DB.AddConversation(ctx, storage.Conversation{ID: "c1", PeerID: "bob"})
	require.NoError(t, err)
	_, err = bob.DB.AddConversation(ctx, storage.Conversation{ID: "c1", PeerID: "alice"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Subscribers("c1") == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, alice.DB.UpsertProfile(ctx, storage.Profile{UserID: "bob", DisplayName: "Bob", AvatarURL: "/avatars/bob.png"}))

	_, err = alice.Calls.StartCall(ctx, "c1", "bob", proto.ModeVideo)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := alice.Calls.Machine().Session()
		return s.PeerDisplayName == "Bob" && s.PeerAvatarURL == "/avatars/bob.png"
	}, 2*time.Second, 5*time.Millisecond)

	inv, ok := bob.Calls.Machine().Ringing()
	require.True(t, ok)
	assert.Equal(t, "alice", inv.FromUserID)
	assert.Equal(t, "Alice", inv.FromDisplayName)
	assert.Equal(t, proto.ModeVideo, inv.Mode)
	assert.False(t, inv.Decrypted, "no conversation key provisioned")

	bob.Reload(func() config.Config {
		c := bob.Cfg
		c.Calls.InviteTTLSec = 1
		return c
	}())
	require.True(t, bob.Calls.Decline())
	require.Eventually(t, func() bool {
		_, inCall := alice.Calls.Machine().Session()
		return !inCall
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNodesDecryptWithProvisionedKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewHub()
	alice := buildNode(t, hub, "alice", "Alice")
	bob := buildNode(t, hub, "bob", "Bob")

	key := []byte("0123456789abcdef0123456789abcdef")
	for _, n := range []*Node{alice, bob} {
		require.NoError(t, n.DB.PutConversationKey(ctx, "c1", key))
		go func() { _ = n.Serve(ctx) }()
	}
	_, err := alice.DB.AddConversation(ctx, storage.Conversation{ID: "c1", PeerID: "bob"})
	require.NoError(t, err)
	_, err = bob.DB.AddConversation(ctx, storage.Conversation{ID: "c1", PeerID: "alice"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Subscribers("c1") == 2 }, 2*time.Second, 5*time.Millisecond)

	_, err = alice.Calls.StartCall(ctx, "c1", "bob", proto.ModeAudio)
	require.NoError(t, err)

	inv, ok := bob.Calls.Machine().Ringing()
	require.True(t, ok)
	assert.True(t, inv.Decrypted)
}
