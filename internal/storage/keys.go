package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutConversationKey stores (or replaces) the symmetric key for a conversation.
func (d *DB) PutConversationKey(ctx context.Context, conversationID string, key []byte) error {
	_, err := d.exec(ctx, `
		INSERT INTO conversation_keys (conversation_id, key, created_at) VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET key = excluded.key`,
		conversationID, key, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put conversation key: %w", err)
	}
	return nil
}

// ConversationKey returns the stored key, or ErrNotFound when none has been
// provisioned on this device yet.
func (d *DB) ConversationKey(ctx context.Context, conversationID string) ([]byte, error) {
	var key []byte
	err := d.queryRow(ctx, `SELECT key FROM conversation_keys WHERE conversation_id = ?`, conversationID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select conversation key: %w", err)
	}
	return key, nil
}
