package grant

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	apperrors "github.com/quellauth/quell/internal/platform/errors"
)

func testConfig(t *testing.T, now func() time.Time) Config {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return Config{
		Issuer:   "quell",
		Audience: "quell-clients",
		Key:      key,
		TTL:      15 * time.Minute,
		Now:      now,
	}
}

func TestIssueAndValidate(t *testing.T) {
	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig(t, func() time.Time { return fixed })
	issuer := NewIssuer(cfg)

	token, err := issuer.Issue(context.Background(), "user-1", "ada")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := Validate(token, cfg)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("user id = %q, want user-1", claims.UserID)
	}
	if claims.Username != "ada" {
		t.Errorf("username = %q, want ada", claims.Username)
	}
	if claims.JWTID == "" {
		t.Error("expected jti")
	}
	if !claims.ExpiresAt.Equal(fixed.Add(15 * time.Minute)) {
		t.Errorf("expires at = %v", claims.ExpiresAt)
	}
}

func TestValidateExpired(t *testing.T) {
	issuedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig(t, func() time.Time { return issuedAt })
	issuer := NewIssuer(cfg)

	token, err := issuer.Issue(context.Background(), "user-1", "ada")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	later := cfg
	later.Now = func() time.Time { return issuedAt.Add(16 * time.Minute) }
	_, err = Validate(token, later)
	if apperrors.GetCode(err) != apperrors.CodeGrantExpired {
		t.Fatalf("error = %v, want grant expired", err)
	}
}

func TestValidateWrongKey(t *testing.T) {
	now := func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
	cfg := testConfig(t, now)
	issuer := NewIssuer(cfg)

	token, err := issuer.Issue(context.Background(), "user-1", "ada")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other := testConfig(t, now)
	_, err = Validate(token, other)
	if apperrors.GetCode(err) != apperrors.CodeGrantInvalid {
		t.Fatalf("error = %v, want grant invalid", err)
	}
}

func TestValidateIssuerMismatch(t *testing.T) {
	now := func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
	cfg := testConfig(t, now)
	issuer := NewIssuer(cfg)

	token, err := issuer.Issue(context.Background(), "user-1", "ada")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other := cfg
	other.Issuer = "someone-else"
	_, err = Validate(token, other)
	if apperrors.GetCode(err) != apperrors.CodeGrantInvalid {
		t.Fatalf("error = %v, want grant invalid", err)
	}
	if meta := apperrors.GetMetadata(err); meta["field"] != "issuer" {
		t.Errorf("metadata = %v", meta)
	}
}

func TestIssueRequiresUserID(t *testing.T) {
	cfg := testConfig(t, nil)
	issuer := NewIssuer(cfg)
	if _, err := issuer.Issue(context.Background(), "  ", "ada"); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	t.Setenv("QUELL_GRANT_ISSUER", "quell")
	t.Setenv("QUELL_GRANT_AUDIENCE", "quell-clients")
	t.Setenv("QUELL_GRANT_PRIVATE_KEY", base64.StdEncoding.EncodeToString(key.Seed()))
	t.Setenv("QUELL_GRANT_TTL", "30m")

	cfg, err := LoadConfigFromEnv(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Issuer != "quell" || cfg.Audience != "quell-clients" {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.TTL != 30*time.Minute {
		t.Errorf("ttl = %v, want 30m", cfg.TTL)
	}
	if !cfg.Key.Equal(key) {
		t.Error("seed-derived key mismatch")
	}
}

func TestLoadConfigFromEnvMissingKey(t *testing.T) {
	t.Setenv("QUELL_GRANT_ISSUER", "quell")
	t.Setenv("QUELL_GRANT_AUDIENCE", "quell-clients")
	t.Setenv("QUELL_GRANT_PRIVATE_KEY", "")

	if _, err := LoadConfigFromEnv(nil); err == nil {
		t.Fatal("expected error without private key")
	}
}

func TestValidateUnconfigured(t *testing.T) {
	_, err := Validate("token", Config{})
	if err == nil {
		t.Fatal("expected error for unconfigured verifier")
	}
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		t.Fatalf("expected a plain error, got domain error %v", domainErr)
	}
}
