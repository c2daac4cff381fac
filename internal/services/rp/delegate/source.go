package delegate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Credentials are the backend sign-in credentials for one user.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CredentialSource supplies per-user backend credentials. Lookups are
// read-through: implementations return the latest configured value, so
// runtime updates take effect on the next authentication.
type CredentialSource interface {
	Lookup(ctx context.Context, userID string) (Credentials, bool, error)
	UserIDs(ctx context.Context) ([]string, error)
	Set(ctx context.Context, userID string, credentials Credentials) error
	Remove(ctx context.Context, userID string) (bool, error)
}

// FileSource keeps backend credentials in a JSON file mapping user id to
// username/password. Reads go to disk every time, so edits to the file and
// runtime updates are both visible immediately.
type FileSource struct {
	mu   sync.Mutex
	path string
}

// NewFileSource opens a file-backed credential source, creating the file
// with an empty mapping when it does not exist yet.
func NewFileSource(path string) (*FileSource, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("credentials file path is required")
	}
	source := &FileSource{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := source.write(map[string]Credentials{}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat credentials file: %w", err)
	} else if _, err := source.read(); err != nil {
		return nil, err
	}
	return source, nil
}

func (s *FileSource) read() (map[string]Credentials, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	entries := map[string]Credentials{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("decode credentials file: %w", err)
		}
	}
	return entries, nil
}

func (s *FileSource) write(entries map[string]Credentials) error {
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials file: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace credentials file: %w", err)
	}
	return nil
}

// Lookup returns the credentials configured for userID.
func (s *FileSource) Lookup(ctx context.Context, userID string) (Credentials, bool, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.read()
	if err != nil {
		return Credentials{}, false, err
	}
	credentials, ok := entries[userID]
	return credentials, ok, nil
}

// UserIDs returns the users with configured credentials, sorted.
func (s *FileSource) UserIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.read()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Set stores or replaces the credentials for userID.
func (s *FileSource) Set(ctx context.Context, userID string, credentials Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(credentials.Username) == "" {
		return fmt.Errorf("backend username is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.read()
	if err != nil {
		return err
	}
	entries[userID] = credentials
	return s.write(entries)
}

// Remove deletes the credentials for userID, reporting whether they existed.
func (s *FileSource) Remove(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.read()
	if err != nil {
		return false, err
	}
	if _, ok := entries[userID]; !ok {
		return false, nil
	}
	delete(entries, userID)
	return true, s.write(entries)
}

// MemorySource is an in-memory credential source for tests and deployments
// without a credentials file.
type MemorySource struct {
	mu      sync.Mutex
	entries map[string]Credentials
}

// NewMemorySource returns an empty in-memory credential source.
func NewMemorySource() *MemorySource {
	return &MemorySource{entries: map[string]Credentials{}}
}

func (s *MemorySource) Lookup(ctx context.Context, userID string) (Credentials, bool, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	credentials, ok := s.entries[userID]
	return credentials, ok, nil
}

func (s *MemorySource) UserIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemorySource) Set(ctx context.Context, userID string, credentials Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[userID] = credentials
	return nil
}

func (s *MemorySource) Remove(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[userID]; !ok {
		return false, nil
	}
	delete(s.entries, userID)
	return true, nil
}

var _ CredentialSource = (*FileSource)(nil)
var _ CredentialSource = (*MemorySource)(nil)
