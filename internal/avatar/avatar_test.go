package avatar

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callcore/internal/storage"
)

type fakeProfiles struct {
	urls  map[string]string
	err   error
	calls atomic.Int32
}

func (f *fakeProfiles) AvatarURL(_ context.Context, userID string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	u, ok := f.urls[userID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return u, nil
}

func TestResolverCachesHitsAndMisses(t *testing.T) {
	store := &fakeProfiles{urls: map[string]string{"alice": "https://img/alice.png"}}
	r := NewResolver(store, 8, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		u, err := r.Resolve(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "https://img/alice.png", u)

		u, err = r.Resolve(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, u)
	}
	assert.EqualValues(t, 2, store.calls.Load())

	r.Forget("alice")
	_, _ = r.Resolve(ctx, "alice")
	assert.EqualValues(t, 3, store.calls.Load())
}

func TestResolverDoesNotCacheErrors(t *testing.T) {
	store := &fakeProfiles{err: errors.New("backend down")}
	r := NewResolver(store, 8, time.Minute)

	_, err := r.Resolve(context.Background(), "alice")
	require.Error(t, err)

	store.err = nil
	store.urls = map[string]string{"alice": "u"}
	u, err := r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "u", u)
}

func TestInitialsSVG(t *testing.T) {
	svg := string(InitialsSVG("ada lovelace", "u1"))
	assert.Contains(t, svg, ">AL</text>")
	assert.Equal(t, svg, string(InitialsSVG("ada lovelace", "u1")))

	assert.Contains(t, string(InitialsSVG("", "u1")), ">?</text>")
	assert.Contains(t, string(InitialsSVG("bo", "u1")), ">BO</text>")
	assert.False(t, strings.Contains(string(InitialsSVG("<x y", "u1")), "<X"))
}
