// Package memory provides mutex-guarded in-memory stores for deployments
// and tests that do not need durable persistence.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/quellauth/quell/internal/services/rp/storage"
)

// Store keeps all relying-party state in process memory.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]storage.ChallengeSession
	credentials map[string]storage.Credential
	users       map[string]storage.User
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		sessions:    make(map[string]storage.ChallengeSession),
		credentials: make(map[string]storage.Credential),
		users:       make(map[string]storage.User),
	}
}

func (s *Store) PutChallengeSession(ctx context.Context, session storage.ChallengeSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *Store) GetChallengeSession(ctx context.Context, id string, now time.Time) (storage.ChallengeSession, error) {
	if err := ctx.Err(); err != nil {
		return storage.ChallengeSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok || !session.ExpiresAt.After(now) {
		return storage.ChallengeSession{}, storage.ErrNotFound
	}
	return session, nil
}

// ConsumeChallengeSession removes and returns the session in one step.
// The store mutex guarantees exactly one concurrent caller wins.
func (s *Store) ConsumeChallengeSession(ctx context.Context, id string, now time.Time) (storage.ChallengeSession, error) {
	if err := ctx.Err(); err != nil {
		return storage.ChallengeSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return storage.ChallengeSession{}, storage.ErrNotFound
	}
	delete(s.sessions, id)
	if !session.ExpiresAt.After(now) {
		return storage.ChallengeSession{}, storage.ErrNotFound
	}
	return session, nil
}

func (s *Store) SweepExpiredChallengeSessions(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, session := range s.sessions {
		if !session.ExpiresAt.After(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) PutCredential(ctx context.Context, credential storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.credentials[credential.CredentialID]; ok {
		credential.CreatedAt = existing.CreatedAt
	}
	s.credentials[credential.CredentialID] = credential
	return nil
}

func (s *Store) GetCredential(ctx context.Context, credentialID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.credentials[credentialID]
	if !ok {
		return storage.Credential{}, storage.ErrNotFound
	}
	return credential, nil
}

func (s *Store) ListCredentials(ctx context.Context, userID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	credentials := make([]storage.Credential, 0)
	for _, credential := range s.credentials {
		if userID == "" || credential.UserID == userID {
			credentials = append(credentials, credential)
		}
	}
	return credentials, nil
}

func (s *Store) DeleteCredential(ctx context.Context, credentialID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[credentialID]; !ok {
		return false, nil
	}
	delete(s.credentials, credentialID)
	return true, nil
}

func (s *Store) UpdateCredentialSignCount(ctx context.Context, credentialID string, signCount uint32, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.credentials[credentialID]
	if !ok {
		return storage.ErrNotFound
	}
	credential.SignCount = signCount
	credential.UpdatedAt = usedAt
	credential.LastUsedAt = &usedAt
	s.credentials[credentialID] = credential
	return nil
}

func (s *Store) TouchCredentialLastUsed(ctx context.Context, credentialID string, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.credentials[credentialID]
	if !ok {
		return storage.ErrNotFound
	}
	credential.UpdatedAt = usedAt
	credential.LastUsedAt = &usedAt
	s.credentials[credentialID] = credential
	return nil
}

func (s *Store) PutUser(ctx context.Context, u storage.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.users[u.ID]; ok {
		u.CreatedAt = existing.CreatedAt
	}
	s.users[u.ID] = u
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (storage.User, error) {
	if err := ctx.Err(); err != nil {
		return storage.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

var _ storage.ChallengeStore = (*Store)(nil)
var _ storage.CredentialStore = (*Store)(nil)
var _ storage.UserStore = (*Store)(nil)
