package delegate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSourceSeedsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.json")
	seed := `{"user-1": {"username": "legacy", "password": "secret"}}`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	source, err := NewFileSource(path)
	if err != nil {
		t.Fatalf("new file source: %v", err)
	}

	credentials, ok, err := source.Lookup(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatal("expected seeded credentials")
	}
	if credentials.Username != "legacy" || credentials.Password != "secret" {
		t.Errorf("credentials = %+v", credentials)
	}
}

func TestFileSourceCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.json")

	source, err := NewFileSource(path)
	if err != nil {
		t.Fatalf("new file source: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}

	ids, err := source.UserIDs(context.Background())
	if err != nil {
		t.Fatalf("user ids: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("ids = %v, want empty", ids)
	}
}

func TestFileSourceRuntimeUpdatesVisible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.json")
	source, err := NewFileSource(path)
	if err != nil {
		t.Fatalf("new file source: %v", err)
	}
	ctx := context.Background()

	if err := source.Set(ctx, "user-1", Credentials{Username: "legacy", Password: "secret"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	// A second source over the same file sees the update: reads go to disk.
	other, err := NewFileSource(path)
	if err != nil {
		t.Fatalf("second file source: %v", err)
	}
	if _, ok, err := other.Lookup(ctx, "user-1"); err != nil || !ok {
		t.Fatalf("lookup via second source: ok=%t err=%v", ok, err)
	}

	removed, err := other.Remove(ctx, "user-1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !removed {
		t.Error("expected removal")
	}
	if _, ok, _ := source.Lookup(ctx, "user-1"); ok {
		t.Error("first source should observe the removal")
	}

	removed, err = source.Remove(ctx, "user-1")
	if err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if removed {
		t.Error("second remove should report nothing removed")
	}
}

func TestFileSourceRejectsInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	if _, err := NewFileSource(path); err == nil {
		t.Fatal("expected error for invalid seed file")
	}
}

func TestMemorySourceRoundTrip(t *testing.T) {
	source := NewMemorySource()
	ctx := context.Background()

	if err := source.Set(ctx, "user-1", Credentials{Username: "legacy"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := source.Set(ctx, "", Credentials{Username: "legacy"}); err == nil {
		t.Error("expected error for empty user id")
	}

	ids, err := source.UserIDs(ctx)
	if err != nil {
		t.Fatalf("user ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "user-1" {
		t.Errorf("ids = %v", ids)
	}

	removed, err := source.Remove(ctx, "user-1")
	if err != nil || !removed {
		t.Fatalf("remove: removed=%t err=%v", removed, err)
	}
}
