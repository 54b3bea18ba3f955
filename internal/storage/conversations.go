package storage

import (
	"context"
	"fmt"
	"time"
)

// Conversation is a 1:1 conversation the local user participates in.
type Conversation struct {
	ID        string    `json:"id"`
	PeerID    string    `json:"peer_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AddConversation records a conversation. Returns true when the row is new;
// only new rows are announced to subscribers.
func (d *DB) AddConversation(ctx context.Context, c Conversation) (bool, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	res, err := d.exec(ctx, `
		INSERT INTO conversations (id, peer_id, title, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		c.ID, c.PeerID, c.Title, c.CreatedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	d.notifyConversation(c)
	return true, nil
}

// ListConversations returns every known conversation, oldest first.
func (d *DB) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := d.query(ctx, `SELECT id, peer_id, COALESCE(title, ''), created_at FROM conversations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var (
			c       Conversation
			created int64
		)
		if err := rows.Scan(&c.ID, &c.PeerID, &c.Title, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = time.UnixMilli(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SubscribeConversations returns a channel that receives every conversation
// inserted after the call, and a cancel function.
func (d *DB) SubscribeConversations() (<-chan Conversation, func()) {
	ch := make(chan Conversation, 32)

	d.convMu.Lock()
	d.convListeners[ch] = struct{}{}
	d.convMu.Unlock()

	cancel := func() {
		d.convMu.Lock()
		if _, ok := d.convListeners[ch]; ok {
			delete(d.convListeners, ch)
			close(ch)
		}
		d.convMu.Unlock()
	}
	return ch, cancel
}

func (d *DB) notifyConversation(c Conversation) {
	d.convMu.RLock()
	defer d.convMu.RUnlock()
	for ch := range d.convListeners {
		select {
		case ch <- c:
		default:
			// Slow listener; the periodic resync picks it up.
		}
	}
}
