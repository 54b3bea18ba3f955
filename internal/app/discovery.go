package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/callcore/internal/storage"
	"github.com/petervdpas/callcore/internal/util"
)

// ConversationSource lists conversations and announces new ones.
// *storage.DB implements it.
type ConversationSource interface {
	ListConversations(ctx context.Context) ([]storage.Conversation, error)
	SubscribeConversations() (<-chan storage.Conversation, func())
}

// Subscriber opens the signaling channel for one conversation. Calling it
// for an already subscribed conversation is a no-op.
type Subscriber interface {
	EnsureSubscribed(ctx context.Context, conversationID, peerID string) error
}

// Discovery keeps a signaling subscription for every known conversation.
// Failed subscriptions are retried on the next announcement and on every
// resync tick.
type Discovery struct {
	src    ConversationSource
	sub    Subscriber
	resync time.Duration
}

func NewDiscovery(src ConversationSource, sub Subscriber, resync time.Duration) *Discovery {
	return &Discovery{src: src, sub: sub, resync: resync}
}

// Run blocks until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context) error {
	// Subscribe before the initial listing so nothing added in between is
	// missed.
	added, stop := d.src.SubscribeConversations()
	defer stop()

	d.Sync(ctx)

	var tick <-chan time.Time
	if d.resync > 0 {
		t := time.NewTicker(d.resync)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-added:
			if !ok {
				return nil
			}
			d.ensure(ctx, c)
		case <-tick:
			d.Sync(ctx)
		}
	}
}

// Sync subscribes to every stored conversation, in parallel.
func (d *Discovery) Sync(ctx context.Context) {
	convs, err := d.src.ListConversations(ctx)
	if err != nil {
		log.Warnf("list conversations: %v", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(8)
	for _, c := range convs {
		g.Go(func() error {
			d.ensure(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Discovery) ensure(ctx context.Context, c storage.Conversation) {
	ctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()
	if err := d.sub.EnsureSubscribed(ctx, c.ID, c.PeerID); err != nil {
		log.Warnf("[%s] subscribe failed, will retry: %v", c.ID, err)
	}
}
