package server

import (
	"context"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/quellauth/quell/internal/services/rp/delegate"
	"github.com/quellauth/quell/internal/services/rp/storage"
	"github.com/quellauth/quell/internal/services/rp/storage/memory"
)

func TestServeHealthz(t *testing.T) {
	t.Setenv("QUELL_DB_PATH", "memory")
	t.Setenv("QUELL_RP_ORIGINS", "https://quell.example")

	rpServer, err := New("127.0.0.1:0")
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	addr := rpServer.Addr()
	if addr == "" {
		t.Fatal("expected listener address")
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- rpServer.Serve(ctx)
	}()

	var resp *http.Response
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err = http.Get("http://" + addr + "/healthz")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		cancel()
		t.Fatalf("get healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	cancel()
	if err := <-serveErr; err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestSweepOnceRemovesExpiredSessions(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	put := func(id string, expires time.Time) {
		if err := store.PutChallengeSession(ctx, storage.ChallengeSession{
			ID:        id,
			Kind:      storage.CeremonyRegistration,
			Challenge: "challenge",
			CreatedAt: now.Add(-time.Hour),
			ExpiresAt: expires,
		}); err != nil {
			t.Fatalf("put session: %v", err)
		}
	}
	put("expired", now.Add(-time.Minute))
	put("live", now.Add(time.Minute))

	rpServer := &Server{
		sessions: store,
		logger:   log.New(io.Discard, "", 0),
		clock:    func() time.Time { return now },
	}
	rpServer.sweepOnce(ctx)

	if _, err := store.GetChallengeSession(ctx, "expired", now); err == nil {
		t.Error("expired session should be swept")
	}
	if _, err := store.GetChallengeSession(ctx, "live", now); err != nil {
		t.Errorf("live session should survive: %v", err)
	}
}

func TestOpenCredentialSource(t *testing.T) {
	source, err := openCredentialSource(delegate.Config{})
	if err != nil {
		t.Fatalf("open memory source: %v", err)
	}
	if _, ok := source.(*delegate.MemorySource); !ok {
		t.Fatalf("source = %T, want memory", source)
	}

	path := filepath.Join(t.TempDir(), "backend.json")
	source, err = openCredentialSource(delegate.Config{CredentialsFile: path})
	if err != nil {
		t.Fatalf("open file source: %v", err)
	}
	if _, ok := source.(*delegate.FileSource); !ok {
		t.Fatalf("source = %T, want file", source)
	}
}
