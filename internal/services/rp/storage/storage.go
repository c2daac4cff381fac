// Package storage defines the persistence contracts for the relying-party
// core: ceremony challenge sessions, enrolled credentials, and user
// profiles. Stores own mechanics only; all ceremony policy lives in the
// orchestrator.
package storage

import (
	"context"
	"time"

	"github.com/quellauth/quell/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing or expired.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// CeremonyKind describes the challenge session purpose.
type CeremonyKind string

const (
	CeremonyRegistration   CeremonyKind = "registration"
	CeremonyAuthentication CeremonyKind = "authentication"
)

// ChallengeSession is single-use ceremony state bound to one challenge.
type ChallengeSession struct {
	ID          string
	Kind        CeremonyKind
	Challenge   string
	UserID      string
	Username    string
	DisplayName string
	Platform    string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Credential is an enrolled passkey.
type Credential struct {
	// CredentialID is the base64url encoding of RawID and the lookup key.
	CredentialID string
	UserID       string
	Username     string
	DisplayName  string
	RawID        []byte
	PublicKey    []byte
	SignCount    uint32
	DeviceType   string
	BackedUp     bool
	Transports   []string
	Platform     string
	Origin       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastUsedAt   *time.Time
}

// User is a profile record keyed by user id; it carries no secrets.
type User struct {
	ID          string
	Username    string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChallengeStore persists single-use ceremony sessions.
//
// Get must treat expired sessions exactly like absent ones. Consume is the
// correctness-critical contract: an atomic take-and-remove where, under
// concurrent calls for one session id, exactly one caller receives the
// session and every other caller receives ErrNotFound.
type ChallengeStore interface {
	PutChallengeSession(ctx context.Context, session ChallengeSession) error
	GetChallengeSession(ctx context.Context, id string, now time.Time) (ChallengeSession, error)
	ConsumeChallengeSession(ctx context.Context, id string, now time.Time) (ChallengeSession, error)
	// SweepExpiredChallengeSessions removes expired sessions and reports
	// how many were removed. Idempotent.
	SweepExpiredChallengeSessions(ctx context.Context, now time.Time) (int64, error)
}

// CredentialStore persists enrolled passkeys.
type CredentialStore interface {
	// PutCredential inserts or replaces a credential. An existing record
	// keeps its original CreatedAt; UpdatedAt always refreshes.
	PutCredential(ctx context.Context, credential Credential) error
	GetCredential(ctx context.Context, credentialID string) (Credential, error)
	// ListCredentials returns credentials for a user, or all credentials
	// when userID is empty. Order is unspecified.
	ListCredentials(ctx context.Context, userID string) ([]Credential, error)
	// DeleteCredential reports whether a credential was removed.
	DeleteCredential(ctx context.Context, credentialID string) (bool, error)
	// UpdateCredentialSignCount sets the counter and refreshes last-used.
	// Implementations serialize updates per credential id.
	UpdateCredentialSignCount(ctx context.Context, credentialID string, signCount uint32, usedAt time.Time) error
	TouchCredentialLastUsed(ctx context.Context, credentialID string, usedAt time.Time) error
}

// UserStore persists user profile records.
type UserStore interface {
	// PutUser upserts a profile, preserving CreatedAt on update.
	PutUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, userID string) (User, error)
}
