package transport

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/petervdpas/callcore/internal/proto"
)

// NATSOptions configures NewNATS.
type NATSOptions struct {
	URL             string
	Name            string
	CredentialsFile string
	ReconnectWait   time.Duration
	MaxReconnects   int
	SubjectPrefix   string
}

// NATS maps each conversation to a subject on a hosted NATS server.
// The connection is opened with NoEcho so a node never sees its own frames.
type NATS struct {
	conn   *nats.Conn
	prefix string

	mu     sync.Mutex
	closed bool
	open   map[string]*natsChannel
}

func NewNATS(o NATSOptions) (*NATS, error) {
	opts := []nats.Option{
		nats.Name(o.Name),
		nats.NoEcho(),
		nats.ReconnectWait(o.ReconnectWait),
		nats.MaxReconnects(o.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warnf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("nats reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("nats connection closed")
		}),
	}
	if o.CredentialsFile != "" {
		if _, err := os.Stat(o.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(o.CredentialsFile))
		} else {
			log.Warnf("nats credentials %s: %v", o.CredentialsFile, err)
		}
	}

	conn, err := nats.Connect(o.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	prefix := o.SubjectPrefix
	if prefix == "" {
		prefix = "callcore"
	}
	return &NATS{conn: conn, prefix: prefix, open: make(map[string]*natsChannel)}, nil
}

// Subject returns the NATS subject for a conversation.
func Subject(prefix, conversationID string) (string, error) {
	if conversationID == "" || strings.ContainsAny(conversationID, ".*> \t\r\n") {
		return "", fmt.Errorf("conversation id %q is not a valid subject token", conversationID)
	}
	return prefix + ".conv." + conversationID, nil
}

func (n *NATS) Open(ctx context.Context, conversationID string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subject, err := Subject(n.prefix, conversationID)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	if _, ok := n.open[conversationID]; ok {
		return nil, fmt.Errorf("conversation %s already open", conversationID)
	}

	c := &natsChannel{owner: n, conv: conversationID, subject: subject}
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		c.dispatch(conversationID, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.sub = sub
	n.open[conversationID] = c

	log.Debugf("nats: subscribed %s", subject)
	return c, nil
}

func (n *NATS) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	chans := make([]*natsChannel, 0, len(n.open))
	for _, c := range n.open {
		chans = append(chans, c)
	}
	n.mu.Unlock()

	for _, c := range chans {
		_ = c.Close()
	}
	n.conn.Close()
	return nil
}

// Status reports the connection status.
func (n *NATS) Status() string {
	switch n.conn.Status() {
	case nats.CONNECTED:
		return "connected"
	case nats.CONNECTING:
		return "connecting"
	case nats.RECONNECTING:
		return "reconnecting"
	case nats.DISCONNECTED:
		return "disconnected"
	case nats.CLOSED:
		return "closed"
	default:
		return "unknown"
	}
}

type natsChannel struct {
	handlers

	owner   *NATS
	conv    string
	subject string
	sub     *nats.Subscription

	mu     sync.Mutex
	closed bool
}

func (c *natsChannel) Send(ctx context.Context, event string, payload any) error {
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
	return c.owner.conn.Publish(c.subject, b)
}

func (c *natsChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.owner.mu.Lock()
	delete(c.owner.open, c.conv)
	c.owner.mu.Unlock()
	return c.sub.Unsubscribe()
}
