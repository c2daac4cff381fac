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

// PutCredential inserts or replaces a credential. The original created_at
// survives updates; updated_at always refreshes.
func (s *Store) PutCredential(ctx context.Context, credential storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(credential.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if len(credential.RawID) == 0 {
		return fmt.Errorf("raw credential id is required")
	}

	lastUsed := sql.NullInt64{}
	if credential.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*credential.LastUsedAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO credentials (
	credential_id, user_id, username, display_name, raw_id, public_key,
	sign_count, device_type, backed_up, transports, platform, origin,
	created_at, updated_at, last_used_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(credential_id) DO UPDATE SET
	user_id = excluded.user_id,
	username = excluded.username,
	display_name = excluded.display_name,
	raw_id = excluded.raw_id,
	public_key = excluded.public_key,
	sign_count = excluded.sign_count,
	device_type = excluded.device_type,
	backed_up = excluded.backed_up,
	transports = excluded.transports,
	platform = excluded.platform,
	origin = excluded.origin,
	updated_at = excluded.updated_at,
	last_used_at = excluded.last_used_at`,
		credential.CredentialID,
		credential.UserID,
		credential.Username,
		credential.DisplayName,
		credential.RawID,
		credential.PublicKey,
		int64(credential.SignCount),
		credential.DeviceType,
		boolToInt(credential.BackedUp),
		encodeTransports(credential.Transports),
		credential.Platform,
		credential.Origin,
		toMillis(credential.CreatedAt),
		toMillis(credential.UpdatedAt),
		lastUsed,
	)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// GetCredential fetches a stored credential.
func (s *Store) GetCredential(ctx context.Context, credentialID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	if err := s.ensureDB(); err != nil {
		return storage.Credential{}, err
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.Credential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, selectCredential+" WHERE credential_id = ?", credentialID)
	credential, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Credential{}, storage.ErrNotFound
		}
		return storage.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return credential, nil
}

// ListCredentials returns credentials for a user, or every credential when
// userID is empty.
func (s *Store) ListCredentials(ctx context.Context, userID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ensureDB(); err != nil {
		return nil, err
	}

	query := selectCredential
	args := []any{}
	if strings.TrimSpace(userID) != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	credentials := make([]storage.Credential, 0)
	for rows.Next() {
		credential, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return credentials, nil
}

// DeleteCredential removes a credential and reports whether it existed.
func (s *Store) DeleteCredential(ctx context.Context, credentialID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ensureDB(); err != nil {
		return false, err
	}
	if strings.TrimSpace(credentialID) == "" {
		return false, fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, "DELETE FROM credentials WHERE credential_id = ?", credentialID)
	if err != nil {
		return false, fmt.Errorf("delete credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete rows affected: %w", err)
	}
	return affected > 0, nil
}

// UpdateCredentialSignCount sets the signature counter and refreshes the
// usage timestamps in one statement, serialized per row by the engine.
func (s *Store) UpdateCredentialSignCount(ctx context.Context, credentialID string, signCount uint32, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE credentials
SET sign_count = ?, updated_at = ?, last_used_at = ?
WHERE credential_id = ?`,
		int64(signCount), toMillis(usedAt), toMillis(usedAt), credentialID,
	)
	if err != nil {
		return fmt.Errorf("update credential sign count: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// TouchCredentialLastUsed refreshes last-used without touching the counter.
func (s *Store) TouchCredentialLastUsed(ctx context.Context, credentialID string, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE credentials
SET updated_at = ?, last_used_at = ?
WHERE credential_id = ?`,
		toMillis(usedAt), toMillis(usedAt), credentialID,
	)
	if err != nil {
		return fmt.Errorf("touch credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

const selectCredential = `
SELECT credential_id, user_id, username, display_name, raw_id, public_key,
	sign_count, device_type, backed_up, transports, platform, origin,
	created_at, updated_at, last_used_at
FROM credentials`

func scanCredential(row rowScanner) (storage.Credential, error) {
	var credential storage.Credential
	var signCount int64
	var backedUp int64
	var transports string
	var createdAt, updatedAt int64
	var lastUsed sql.NullInt64
	if err := row.Scan(
		&credential.CredentialID,
		&credential.UserID,
		&credential.Username,
		&credential.DisplayName,
		&credential.RawID,
		&credential.PublicKey,
		&signCount,
		&credential.DeviceType,
		&backedUp,
		&transports,
		&credential.Platform,
		&credential.Origin,
		&createdAt,
		&updatedAt,
		&lastUsed,
	); err != nil {
		return storage.Credential{}, err
	}
	credential.SignCount = uint32(signCount)
	credential.BackedUp = backedUp != 0
	credential.Transports = decodeTransports(transports)
	credential.CreatedAt = fromMillis(createdAt)
	credential.UpdatedAt = fromMillis(updatedAt)
	if lastUsed.Valid {
		value := fromMillis(lastUsed.Int64)
		credential.LastUsedAt = &value
	}
	return credential, nil
}

func boolToInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}
