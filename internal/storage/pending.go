package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Pending call statuses.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusDeclined = "declined"
	StatusExpired  = "expired"
)

// PendingCall is one row of the durable invite ledger.
type PendingCall struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	FromUserID      string    `json:"from_user_id"`
	ToUserID        string    `json:"to_user_id"`
	FromDisplayName string    `json:"from_display_name"`
	Mode            string    `json:"mode"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// ValidStatus reports whether s is a known ledger status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusAccepted, StatusDeclined, StatusExpired:
		return true
	}
	return false
}

// InsertPendingCall stores rec as-is.
func (d *DB) InsertPendingCall(ctx context.Context, rec PendingCall) error {
	if !ValidStatus(rec.Status) {
		return fmt.Errorf("invalid status %q", rec.Status)
	}
	_, err := d.exec(ctx, `
		INSERT INTO pending_calls
			(id, conversation_id, from_user_id, to_user_id, from_display_name, mode, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.FromUserID, rec.ToUserID, rec.FromDisplayName,
		rec.Mode, rec.Status, rec.CreatedAt.UnixMilli(), rec.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert pending call: %w", err)
	}
	return nil
}

// LatestPendingCall returns the newest row for (conversationID, toUserID)
// that is still pending and expires after now. Older pending rows for the
// same pair are ignored; expired rows are treated as absent.
func (d *DB) LatestPendingCall(ctx context.Context, conversationID, toUserID string, now time.Time) (*PendingCall, error) {
	row := d.queryRow(ctx, `
		SELECT id, conversation_id, from_user_id, to_user_id, from_display_name, mode, status, created_at, expires_at
		FROM pending_calls
		WHERE conversation_id = ? AND to_user_id = ? AND status = ? AND expires_at > ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`,
		conversationID, toUserID, StatusPending, now.UnixMilli())

	var (
		rec                PendingCall
		created, expiresAt int64
	)
	err := row.Scan(&rec.ID, &rec.ConversationID, &rec.FromUserID, &rec.ToUserID,
		&rec.FromDisplayName, &rec.Mode, &rec.Status, &created, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select pending call: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created)
	rec.ExpiresAt = time.UnixMilli(expiresAt)
	return &rec, nil
}

// UpdatePendingCallStatus sets the status of row id.
func (d *DB) UpdatePendingCallStatus(ctx context.Context, id, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("invalid status %q", status)
	}
	res, err := d.exec(ctx, `UPDATE pending_calls SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update pending call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
