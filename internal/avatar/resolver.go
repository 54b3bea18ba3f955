// Package avatar resolves caller avatars for surfaced invites and renders the
// initials placeholder used when none is known.
package avatar

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"

	"github.com/petervdpas/callcore/internal/storage"
)

var log = logging.Logger("avatar")

// ProfileStore looks up a user's avatar URL.
type ProfileStore interface {
	AvatarURL(ctx context.Context, userID string) (string, error)
}

// Resolver caches avatar lookups. Known misses are cached as "" so an unknown
// caller does not hit the store on every ring; backend errors are not cached.
type Resolver struct {
	store ProfileStore
	cache *lru.LRU[string, string]
	group singleflight.Group
}

func NewResolver(store ProfileStore, size int, ttl time.Duration) *Resolver {
	if size <= 0 {
		size = 256
	}
	return &Resolver{
		store: store,
		cache: lru.NewLRU[string, string](size, nil, ttl),
	}
}

// Resolve returns the avatar URL for userID. An empty URL with a nil error
// means the user has no avatar.
func (r *Resolver) Resolve(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", nil
	}
	if url, ok := r.cache.Get(userID); ok {
		return url, nil
	}

	v, err, _ := r.group.Do(userID, func() (any, error) {
		url, err := r.store.AvatarURL(ctx, userID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			r.cache.Add(userID, "")
			return "", nil
		case err != nil:
			return "", err
		}
		r.cache.Add(userID, url)
		return url, nil
	})
	if err != nil {
		log.Debugf("avatar %s: %v", userID, err)
		return "", err
	}
	return v.(string), nil
}

// Forget drops a cached entry, e.g. after a profile update.
func (r *Resolver) Forget(userID string) {
	r.cache.Remove(userID)
}
