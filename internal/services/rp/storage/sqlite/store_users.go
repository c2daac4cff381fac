package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/quellauth/quell/internal/services/rp/storage"
)

// PutUser inserts or updates a user profile. The original created_at
// survives updates.
func (s *Store) PutUser(ctx context.Context, user storage.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(user.Username) == "" {
		return fmt.Errorf("username is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO users (id, username, display_name, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	username = excluded.username,
	display_name = excluded.display_name,
	updated_at = excluded.updated_at`,
		user.ID,
		user.Username,
		user.DisplayName,
		toMillis(user.CreatedAt),
		toMillis(user.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// GetUser fetches a user profile by id.
func (s *Store) GetUser(ctx context.Context, id string) (storage.User, error) {
	if err := ctx.Err(); err != nil {
		return storage.User{}, err
	}
	if err := s.ensureDB(); err != nil {
		return storage.User{}, err
	}
	if strings.TrimSpace(id) == "" {
		return storage.User{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, username, display_name, created_at, updated_at
FROM users
WHERE id = ?`, id)

	var user storage.User
	var createdAt, updatedAt int64
	if err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.User{}, storage.ErrNotFound
		}
		return storage.User{}, fmt.Errorf("get user: %w", err)
	}
	user.CreatedAt = fromMillis(createdAt)
	user.UpdatedAt = fromMillis(updatedAt)
	return user, nil
}
