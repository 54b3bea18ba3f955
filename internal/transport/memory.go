package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/petervdpas/callcore/internal/proto"
)

// Hub is an in-process broadcast medium. Every Endpoint attached to the same
// Hub sees the frames other endpoints send on a shared conversation.
// Delivery is synchronous on the sender's goroutine.
type Hub struct {
	mu        sync.Mutex
	subs      map[string]map[*memChannel]struct{}
	failOpens int
	sendErr   error
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*memChannel]struct{})}
}

// Endpoint returns a new Broadcaster attached to the hub.
func (h *Hub) Endpoint() *Endpoint {
	return &Endpoint{hub: h, open: make(map[string]*memChannel)}
}

// FailOpens makes the next n Open calls on any endpoint fail.
func (h *Hub) FailOpens(n int) {
	h.mu.Lock()
	h.failOpens = n
	h.mu.Unlock()
}

// FailSends makes every Send return err until called again with nil.
func (h *Hub) FailSends(err error) {
	h.mu.Lock()
	h.sendErr = err
	h.mu.Unlock()
}

// Subscribers returns how many channels are open on a conversation.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[conversationID])
}

func (h *Hub) deliver(from *memChannel, data []byte) error {
	h.mu.Lock()
	if h.sendErr != nil {
		err := h.sendErr
		h.mu.Unlock()
		return err
	}
	var targets []*memChannel
	for c := range h.subs[from.conv] {
		if c.endpoint != from.endpoint {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.dispatch(c.conv, data)
	}
	return nil
}

// Endpoint is one participant's view of a Hub.
type Endpoint struct {
	hub *Hub

	mu     sync.Mutex
	open   map[string]*memChannel
	closed bool
}

func (e *Endpoint) Open(ctx context.Context, conversationID string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if _, ok := e.open[conversationID]; ok {
		return nil, fmt.Errorf("conversation %s already open", conversationID)
	}

	h := e.hub
	h.mu.Lock()
	if h.failOpens > 0 {
		h.failOpens--
		h.mu.Unlock()
		return nil, fmt.Errorf("conversation %s: subscribe refused", conversationID)
	}
	c := &memChannel{endpoint: e, conv: conversationID}
	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[*memChannel]struct{})
	}
	h.subs[conversationID][c] = struct{}{}
	h.mu.Unlock()

	e.open[conversationID] = c
	return c, nil
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	chans := make([]*memChannel, 0, len(e.open))
	for _, c := range e.open {
		chans = append(chans, c)
	}
	e.mu.Unlock()

	for _, c := range chans {
		_ = c.Close()
	}
	return nil
}

type memChannel struct {
	handlers

	endpoint *Endpoint
	conv     string

	mu     sync.Mutex
	closed bool
}

func (c *memChannel) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
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
	return c.endpoint.hub.deliver(c, b)
}

func (c *memChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	h := c.endpoint.hub
	h.mu.Lock()
	delete(h.subs[c.conv], c)
	h.mu.Unlock()

	c.endpoint.mu.Lock()
	delete(c.endpoint.open, c.conv)
	c.endpoint.mu.Unlock()
	return nil
}
