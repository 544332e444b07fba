package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Manager is a registered sales manager.
type Manager struct {
	ID        int64
	ChatID    string // transport-level identity, opaque and stable
	FullName  string
	Username  string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EnsureManager returns the manager for chatID, creating an active row on
// first contact. fullName is only written on creation; later renames go
// through UpdateManagerName.
func (db *DB) EnsureManager(ctx context.Context, chatID, fullName, username string) (*Manager, error) {
	var m Manager
	err := db.pool.QueryRow(ctx, `
		INSERT INTO managers (chat_id, full_name, username)
		VALUES ($1, $2, $3)
		ON CONFLICT (chat_id) DO UPDATE SET updated_at = now()
		RETURNING id, chat_id, full_name, username, active, created_at, updated_at`,
		chatID, fullName, username,
	).Scan(&m.ID, &m.ChatID, &m.FullName, &m.Username, &m.Active, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("storage: ensure manager: %w", err)
	}
	return &m, nil
}

// GetManagerByChatID looks up one manager.
func (db *DB) GetManagerByChatID(ctx context.Context, chatID string) (*Manager, error) {
	var m Manager
	err := db.pool.QueryRow(ctx, `
		SELECT id, chat_id, full_name, username, active, created_at, updated_at
		FROM managers WHERE chat_id = $1`,
		chatID,
	).Scan(&m.ID, &m.ChatID, &m.FullName, &m.Username, &m.Active, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get manager: %w", err)
	}
	return &m, nil
}

// UpdateManagerName sets the display name used in exports and reminders.
func (db *DB) UpdateManagerName(ctx context.Context, chatID, fullName string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE managers SET full_name = $2, updated_at = now() WHERE chat_id = $1`,
		chatID, fullName,
	)
	if err != nil {
		return fmt.Errorf("storage: update manager name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetManagerActive flips the active flag. Inactive managers stop getting
// reminders; a blocked-bot response from the notifier lands here.
func (db *DB) SetManagerActive(ctx context.Context, chatID string, active bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE managers SET active = $2, updated_at = now() WHERE chat_id = $1`,
		chatID, active,
	)
	if err != nil {
		return fmt.Errorf("storage: set manager active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveManagers returns every manager eligible for reminders.
func (db *DB) ListActiveManagers(ctx context.Context) ([]Manager, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, chat_id, full_name, username, active, created_at, updated_at
		FROM managers WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list active managers: %w", err)
	}
	defer rows.Close()

	var out []Manager
	for rows.Next() {
		var m Manager
		if err := rows.Scan(&m.ID, &m.ChatID, &m.FullName, &m.Username, &m.Active, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan manager: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
