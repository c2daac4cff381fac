package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quellauth/quell/internal/services/rp/storage"
)

// PutChallengeSession stores a ceremony challenge session.
func (s *Store) PutChallengeSession(ctx context.Context, session storage.ChallengeSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(string(session.Kind)) == "" {
		return fmt.Errorf("session kind is required")
	}
	if strings.TrimSpace(session.Challenge) == "" {
		return fmt.Errorf("session challenge is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT OR REPLACE INTO challenge_sessions (
	id, kind, challenge, user_id, username, display_name, platform, created_at, expires_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		string(session.Kind),
		session.Challenge,
		nullableString(session.UserID),
		nullableString(session.Username),
		nullableString(session.DisplayName),
		session.Platform,
		toMillis(session.CreatedAt),
		toMillis(session.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put challenge session: %w", err)
	}
	return nil
}

// GetChallengeSession fetches a live session; expired rows behave like
// missing rows.
func (s *Store) GetChallengeSession(ctx context.Context, id string, now time.Time) (storage.ChallengeSession, error) {
	if err := ctx.Err(); err != nil {
		return storage.ChallengeSession{}, err
	}
	if err := s.ensureDB(); err != nil {
		return storage.ChallengeSession{}, err
	}
	if strings.TrimSpace(id) == "" {
		return storage.ChallengeSession{}, fmt.Errorf("session id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, kind, challenge, user_id, username, display_name, platform, created_at, expires_at
FROM challenge_sessions
WHERE id = ? AND expires_at > ?`,
		id, toMillis(now),
	)
	session, err := scanChallengeSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ChallengeSession{}, storage.ErrNotFound
		}
		return storage.ChallengeSession{}, fmt.Errorf("get challenge session: %w", err)
	}
	return session, nil
}

// ConsumeChallengeSession removes and returns a live session in a single
// statement. SQLite serializes writers, so exactly one of any concurrent
// callers observes the row; the rest see ErrNotFound.
func (s *Store) ConsumeChallengeSession(ctx context.Context, id string, now time.Time) (storage.ChallengeSession, error) {
	if err := ctx.Err(); err != nil {
		return storage.ChallengeSession{}, err
	}
	if err := s.ensureDB(); err != nil {
		return storage.ChallengeSession{}, err
	}
	if strings.TrimSpace(id) == "" {
		return storage.ChallengeSession{}, fmt.Errorf("session id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
DELETE FROM challenge_sessions
WHERE id = ? AND expires_at > ?
RETURNING id, kind, challenge, user_id, username, display_name, platform, created_at, expires_at`,
		id, toMillis(now),
	)
	session, err := scanChallengeSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ChallengeSession{}, storage.ErrNotFound
		}
		return storage.ChallengeSession{}, fmt.Errorf("consume challenge session: %w", err)
	}
	return session, nil
}

// SweepExpiredChallengeSessions removes expired sessions and reports how
// many rows went away.
func (s *Store) SweepExpiredChallengeSessions(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.ensureDB(); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM challenge_sessions WHERE expires_at <= ?",
		toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep challenge sessions: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallengeSession(row rowScanner) (storage.ChallengeSession, error) {
	var session storage.ChallengeSession
	var kind string
	var userID, username, displayName sql.NullString
	var createdAt, expiresAt int64
	if err := row.Scan(
		&session.ID,
		&kind,
		&session.Challenge,
		&userID,
		&username,
		&displayName,
		&session.Platform,
		&createdAt,
		&expiresAt,
	); err != nil {
		return storage.ChallengeSession{}, err
	}
	session.Kind = storage.CeremonyKind(kind)
	session.UserID = userID.String
	session.Username = username.String
	session.DisplayName = displayName.String
	session.CreatedAt = fromMillis(createdAt)
	session.ExpiresAt = fromMillis(expiresAt)
	return session, nil
}

func nullableString(value string) sql.NullString {
	if strings.TrimSpace(value) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
