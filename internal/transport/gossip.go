package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/petervdpas/callcore/internal/proto"
)

// Gossip maps each conversation to a GossipSub topic. Topics stay joined
// until the Gossip is closed: pubsub drops a cancelled subscription
// asynchronously, so closing the topic right after it can fail and leave the
// name unjoinable.
type Gossip struct {
	ps     *pubsub.PubSub
	self   peer.ID
	prefix string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	open   map[string]*gossipChannel
	topics map[string]*pubsub.Topic
	closed bool
}

func NewGossip(ps *pubsub.PubSub, self peer.ID, prefix string) *Gossip {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gossip{
		ps:     ps,
		self:   self,
		prefix: prefix,
		ctx:    ctx,
		cancel: cancel,
		open:   make(map[string]*gossipChannel),
		topics: make(map[string]*pubsub.Topic),
	}
}

func (g *Gossip) Open(ctx context.Context, conversationID string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	if _, ok := g.open[conversationID]; ok {
		return nil, fmt.Errorf("conversation %s already open", conversationID)
	}

	name := proto.Topic(g.prefix, conversationID)
	topic, ok := g.topics[name]
	if !ok {
		var err error
		topic, err = g.ps.Join(name)
		if err != nil {
			return nil, fmt.Errorf("join %s: %w", name, err)
		}
		g.topics[name] = topic
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	cctx, cancel := context.WithCancel(g.ctx)
	c := &gossipChannel{
		owner:  g,
		conv:   conversationID,
		topic:  topic,
		sub:    sub,
		cancel: cancel,
	}
	g.open[conversationID] = c
	go c.readLoop(cctx, g.self)

	log.Debugf("gossip: joined %s", name)
	return c, nil
}

func (g *Gossip) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	chans := make([]*gossipChannel, 0, len(g.open))
	for _, c := range g.open {
		chans = append(chans, c)
	}
	topics := g.topics
	g.topics = make(map[string]*pubsub.Topic)
	g.mu.Unlock()

	for _, c := range chans {
		_ = c.Close()
	}
	g.cancel()

	for name, t := range topics {
		if err := closeTopic(t); err != nil {
			log.Debugf("gossip: leave %s: %v", name, err)
		}
	}
	return nil
}

// closeTopic retries while pubsub is still processing cancelled
// subscriptions.
func closeTopic(t *pubsub.Topic) error {
	var err error
	for i := 0; i < 10; i++ {
		if err = t.Close(); err == nil {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return err
}

func (g *Gossip) forget(conversationID string) {
	g.mu.Lock()
	delete(g.open, conversationID)
	g.mu.Unlock()
}

type gossipChannel struct {
	handlers

	owner  *Gossip
	conv   string
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func (c *gossipChannel) readLoop(ctx context.Context, self peer.ID) {
	for {
		m, err := c.sub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == self {
			continue
		}
		c.dispatch(c.conv, m.Data)
	}
}

func (c *gossipChannel) Send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	b, err := proto.NewFrame(event, payload)
	if err != nil {
		return err
	}
	return c.topic.Publish(ctx, b)
}

// Close drops the subscription. The topic stays joined for a later Open.
func (c *gossipChannel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel()
		c.sub.Cancel()
		c.owner.forget(c.conv)
	})
	return nil
}
