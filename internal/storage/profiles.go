package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Profile is the subset of a user profile the call core reads.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// UpsertProfile inserts or replaces a profile row.
func (d *DB) UpsertProfile(ctx context.Context, p Profile) error {
	_, err := d.exec(ctx, `
		INSERT INTO profiles (user_id, display_name, avatar_url, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_url   = excluded.avatar_url,
			updated_at   = excluded.updated_at`,
		p.UserID, p.DisplayName, p.AvatarURL, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// DisplayName returns the display name for userID, or ErrNotFound.
func (d *DB) DisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	err := d.queryRow(ctx, `SELECT display_name FROM profiles WHERE user_id = ?`, userID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select display name: %w", err)
	}
	return name, nil
}

// AvatarURL returns the avatar URL for userID, or ErrNotFound.
func (d *DB) AvatarURL(ctx context.Context, userID string) (string, error) {
	var url string
	err := d.queryRow(ctx, `SELECT avatar_url FROM profiles WHERE user_id = ?`, userID).Scan(&url)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select avatar: %w", err)
	}
	return url, nil
}
