package ceremony

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/quellauth/quell/internal/platform/errors"
	"github.com/quellauth/quell/internal/services/rp/delegate"
	"github.com/quellauth/quell/internal/services/rp/storage"
	"github.com/quellauth/quell/internal/services/rp/storage/memory"
)

func seedCredential(t *testing.T, store *memory.Store, rawID []byte, userID string, signCount uint32, backedUp bool) storage.Credential {
	t.Helper()
	record := storage.Credential{
		CredentialID: encodeCredentialID(rawID),
		UserID:       userID,
		Username:     "ada",
		DisplayName:  "Ada Lovelace",
		RawID:        rawID,
		PublicKey:    []byte("public-key"),
		SignCount:    signCount,
		DeviceType:   "singleDevice",
		BackedUp:     backedUp,
		Transports:   []string{"internal"},
		Platform:     "web",
		Origin:       "https://quell.example",
		CreatedAt:    testTime,
		UpdatedAt:    testTime,
	}
	if backedUp {
		record.DeviceType = "multiDevice"
	}
	if err := store.PutCredential(context.Background(), record); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	return record
}

func TestBeginAuthenticationWithUser(t *testing.T) {
	orchestrator, store, _ := newTestOrchestrator(t)
	ctx := context.Background()
	seedCredential(t, store, []byte("raw-cred-1"), "user-1", 0, false)

	out, err := orchestrator.BeginAuthentication(ctx, BeginAuthenticationInput{UserID: "user-1", Platform: "web"})
	if err != nil {
		t.Fatalf("begin authentication: %v", err)
	}
	if out.Discoverable {
		t.Error("expected non-discoverable flow")
	}
	if len(out.RequestOptionsJSON) == 0 {
		t.Fatal("expected request options json")
	}

	session, err := store.GetChallengeSession(ctx, out.SessionID, testTime)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Kind != storage.CeremonyAuthentication {
		t.Errorf("kind = %q", session.Kind)
	}
	if session.UserID != "user-1" {
		t.Errorf("session user = %q", session.UserID)
	}
}

func TestBeginAuthenticationUnknownUser(t *testing.T) {
	orchestrator, _, _ := newTestOrchestrator(t)

	_, err := orchestrator.BeginAuthentication(context.Background(), BeginAuthenticationInput{UserID: "nobody"})
	assertCode(t, err, apperrors.CodeCredentialNotFound)
}

func TestBeginAuthenticationDiscoverable(t *testing.T) {
	orchestrator, store, _ := newTestOrchestrator(t)
	ctx := context.Background()

	// Usernameless begin is allowed even with zero credentials stored.
	out, err := orchestrator.BeginAuthentication(ctx, BeginAuthenticationInput{})
	if err != nil {
		t.Fatalf("begin discoverable authentication: %v", err)
	}
	if !out.Discoverable {
		t.Error("expected discoverable flow")
	}

	session, err := store.GetChallengeSession(ctx, out.SessionID, testTime)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.UserID != "" {
		t.Errorf("session user = %q, want empty", session.UserID)
	}
}

func beginAuthentication(t *testing.T, orchestrator *Orchestrator, userID string) string {
	t.Helper()
	out, err := orchestrator.BeginAuthentication(context.Background(), BeginAuthenticationInput{UserID: userID, Platform: "web"})
	if err != nil {
		t.Fatalf("begin authentication: %v", err)
	}
	return out.SessionID
}

func TestFinishAuthenticationSuccess(t *testing.T) {
	orchestrator, store, provider := newTestOrchestrator(t)
	ctx := context.Background()
	seedCredential(t, store, []byte("raw-cred-1"), "user-1", 5, false)

	sessionID := beginAuthentication(t, orchestrator, "user-1")
	provider.validateCredential = verifiedCredential([]byte("raw-cred-1"), 6, false, false)

	out, err := orchestrator.FinishAuthentication(ctx, FinishAuthenticationInput{
		SessionID:              sessionID,
		CredentialResponseJSON: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("finish authentication: %v", err)
	}
	if out.UserID != "user-1" || out.Username != "ada" {
		t.Errorf("identity = %q/%q", out.UserID, out.Username)
	}

	record, err := store.GetCredential(ctx, out.CredentialID)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if record.SignCount != 6 {
		t.Errorf("sign count = %d, want 6", record.SignCount)
	}
	if record.LastUsedAt == nil {
		t.Error("expected last used timestamp")
	}
}

func TestFinishAuthenticationSessionSingleUse(t *testing.T) {
	orchestrator, store, provider := newTestOrchestrator(t)
	ctx := context.Background()
	seedCredential(t, store, []byte("raw-cred-1"), "user-1", 0, false)

	sessionID := beginAuthentication(t, orchestrator, "user-1")
	provider.validateCredential = verifiedCredential([]byte("raw-cred-1"), 1, false, false)

	input := FinishAuthenticationInput{SessionID: sessionID, CredentialResponseJSON: []byte(`{}`)}
	if _, err := orchestrator.FinishAuthentication(ctx, input); err != nil {
		t.Fatalf("first finish: %v", err)
	}
	_, err := orchestrator.FinishAuthentication(ctx, input)
	assertCode(t, err, apperrors.CodeSessionExpiredOrInvalid)
}

func TestFinishAuthenticationRegistrationSessionRejected(t *testing.T) {
	orchestrator, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	begin, err := orchestrator.BeginRegistration(ctx, BeginRegistrationInput{UserID: "user-1", Username: "ada"})
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}

	_, err = orchestrator.FinishAuthentication(ctx, FinishAuthenticationInput{
		SessionID:              begin.SessionID,
		CredentialResponseJSON: []byte(`{}`),
	})
	assertCode(t, err, apperrors.CodeSessionExpiredOrInvalid)
}

func TestFinishAuthenticationUnknownCredential(t *testing.T) {
	orchestrator, store, provider := newTestOrchestrator(t)
	ctx := context.Background()
	seedCredential(t, store, []byte("raw-cred-1"), "user-1", 0, false)

	sessionID := beginAuthentication(t, orchestrator, "user-1")
	provider.validateCredential = verifiedCredential([]byte("raw-cred-other"), 1, false, false)

	_, err := orchestrator.FinishAuthentication(ctx, FinishAuthenticationInput{
		SessionID:              sessionID,
		CredentialResponseJSON: []byte(`{}`),
	})
	assertCode(t, err, apperrors.CodeCredentialNotFound)

	// The enrollment check must reject before any signature verification.
	if provider.validateCalls != 0 {
		t.Errorf("validate calls = %d, want 0", provider.validateCalls)
	}
}

func TestFinishAuthenticationVerificationFailure(t *testing.T) {
	orchestrator, store, provider := newTestOrchestrator(t)
	ctx := context.Background()
	seedCredential(t, store, []byte("raw-cred-1"), "user-1", 5, false)

	sessionID := beginAuthentication(t, orchestrator, "user-1")
	provider.parsedRawID = []byte("raw-cred-1")
	provider.validateErr = errors.New("signature mismatch")

	_, err := orchestrator.FinishAuthentication(ctx, FinishAuthenticationInput{
		SessionID:              sessionID,
		CredentialResponseJSON: []byte(`{}`),
	})
	assertCode(t, err, apperrors.CodeAuthenticationVerificationFailed)

	record, err := store.GetCredential(ctx, encodeCredentialID([]byte("raw-cred-1")))
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if record.SignCount != 5 {
		t.Errorf("sign count = %d, want unchanged 5", record.SignCount)
	}
}

func TestFinishAuthenticationCounterRegressionStrict(t *testing.T) {
	orchestrator, store, provider := newTestOrchestrator(t)
	orchestrator.cfg.StrictSignCount = true
	ctx := context.Background()
	seedCredential(t, store, []byte("raw-cred-1"), "user-1", 5, false)

	sessionID := beginAuthentication(t, orchestrator, "user-1")
	regressed := verifiedCredential([]byte("raw-cred-1"), 3, false, false)
	regressed.Authenticator.CloneWarning = true
	provider.validateCredential = regressed

	_, err := orchestrator.FinishAuthentication(ctx, FinishAuthenticationInput{
		SessionID:              sessionID,
		CredentialResponseJSON: []byte(`{}`),
	})
	assertCode(t, err, apperrors.CodeCounterRegression)
}

func TestFinishAuthenticationCounterRegressionLenient(t *testing.T) {
	orchestrator, store, provider := newTestOrchestrator(t)
	ctx := context.Background()
	seedCredential(t, store, []byte("raw-cred-1"), "user-1", 5, false)

	sessionID := beginAuthentication(t, orchestrator, "user-1")
	regressed := verifiedCredential([]byte("raw-cred-1"), 3, false, false)
	regressed.Authenticator.CloneWarning = true
	provider.validateCredential = regressed

	if _, err := orchestrator.FinishAuthentication(ctx, FinishAuthenticationInput{
		SessionID:              sessionID,
		CredentialResponseJSON: []byte(`{}`),
	}); err != nil {
		t.Fatalf("lenient finish: %v", err)
	}
}

func TestFinishAuthenticationCounterRegressionBackedUpAllowed(t *testing.T) {
	orchestrator, store, provider := newTestOrchestrator(t)
	orchestrator.cfg.StrictSignCount = true
	ctx := context.Background()
	seedCredential(t, store, []byte("raw-cred-1"), "user-1", 5, true)

	sessionID := beginAuthentication(t, orchestrator, "user-1")
	regressed := verifiedCredential([]byte("raw-cred-1"), 3, true, true)
	regressed.Authenticator.CloneWarning = true
	provider.validateCredential = regressed

	if _, err := orchestrator.FinishAuthentication(ctx, FinishAuthenticationInput{
		SessionID:              sessionID,
		CredentialResponseJSON: []byte(`{}`),
	}); err != nil {
		t.Fatalf("backed-up regression should not fail: %v", err)
	}
}

func TestFinishAuthenticationDiscoverable(t *testing.T) {
	orchestrator, store, provider := newTestOrchestrator(t)
	ctx := context.Background()
	seedCredential(t, store, []byte("raw-cred-1"), "user-1", 0, false)

	out, err := orchestrator.BeginAuthentication(ctx, BeginAuthenticationInput{})
	if err != nil {
		t.Fatalf("begin discoverable: %v", err)
	}

	provider.discoverableHandle = []byte("user-1")
	provider.validateCredential = verifiedCredential([]byte("raw-cred-1"), 1, false, false)

	finish, err := orchestrator.FinishAuthentication(ctx, FinishAuthenticationInput{
		SessionID:              out.SessionID,
		CredentialResponseJSON: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("finish discoverable: %v", err)
	}
	if finish.UserID != "user-1" {
		t.Errorf("user id = %q", finish.UserID)
	}
}

func TestFinishAuthenticationUserMismatch(t *testing.T) {
	orchestrator, store, provider := newTestOrchestrator(t)
	ctx := context.Background()
	seedCredential(t, store, []byte("raw-cred-1"), "user-1", 0, false)
	// The responding credential is enrolled to a different user.
	seedCredential(t, store, []byte("raw-cred-2"), "user-2", 0, false)

	sessionID := beginAuthentication(t, orchestrator, "user-1")
	provider.validateCredential = verifiedCredential([]byte("raw-cred-2"), 1, false, false)

	_, err := orchestrator.FinishAuthentication(ctx, FinishAuthenticationInput{
		SessionID:              sessionID,
		CredentialResponseJSON: []byte(`{}`),
	})
	assertCode(t, err, apperrors.CodeUserMismatch)
}

func TestFinishAuthenticationDelegationMissingCredentials(t *testing.T) {
	orchestrator, store, provider := newTestOrchestrator(t)
	ctx := context.Background()
	seedCredential(t, store, []byte("raw-cred-1"), "user-1", 0, false)

	backend := &fakeDelegate{outcome: delegate.Outcome{
		Status:            delegate.StatusCredentialsMissing,
		Message:           "no backend credentials configured for user user-1",
		Warning:           "backend sign-in was not attempted",
		ConfiguredUserIDs: []string{"user-9"},
	}}
	orchestrator.delegate = backend

	sessionID := beginAuthentication(t, orchestrator, "user-1")
	provider.validateCredential = verifiedCredential([]byte("raw-cred-1"), 1, false, false)

	out, err := orchestrator.FinishAuthentication(ctx, FinishAuthenticationInput{
		SessionID:              sessionID,
		CredentialResponseJSON: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("passkey auth must succeed despite delegation outcome: %v", err)
	}
	if backend.calls != 1 {
		t.Errorf("delegate calls = %d, want 1", backend.calls)
	}
	if out.Delegation == nil {
		t.Fatal("expected delegation outcome")
	}
	if out.Delegation.Success {
		t.Error("expected unsuccessful delegation")
	}
	if len(out.Delegation.ConfiguredUserIDs) != 1 || out.Delegation.ConfiguredUserIDs[0] != "user-9" {
		t.Errorf("configured user ids = %v", out.Delegation.ConfiguredUserIDs)
	}
}

func TestFinishAuthenticationSkipDelegation(t *testing.T) {
	orchestrator, store, provider := newTestOrchestrator(t)
	ctx := context.Background()
	seedCredential(t, store, []byte("raw-cred-1"), "user-1", 0, false)

	backend := &fakeDelegate{}
	orchestrator.delegate = backend

	sessionID := beginAuthentication(t, orchestrator, "user-1")
	provider.validateCredential = verifiedCredential([]byte("raw-cred-1"), 1, false, false)

	out, err := orchestrator.FinishAuthentication(ctx, FinishAuthenticationInput{
		SessionID:              sessionID,
		CredentialResponseJSON: []byte(`{}`),
		SkipDelegation:         true,
	})
	if err != nil {
		t.Fatalf("finish authentication: %v", err)
	}
	if backend.calls != 0 {
		t.Errorf("delegate calls = %d, want 0", backend.calls)
	}
	if out.Delegation != nil {
		t.Error("expected no delegation outcome")
	}
}

func TestFinishAuthenticationIssuesGrant(t *testing.T) {
	orchestrator, store, provider := newTestOrchestrator(t)
	ctx := context.Background()
	seedCredential(t, store, []byte("raw-cred-1"), "user-1", 0, false)

	orchestrator.grants = &fakeGrantIssuer{token: "grant-token"}

	sessionID := beginAuthentication(t, orchestrator, "user-1")
	provider.validateCredential = verifiedCredential([]byte("raw-cred-1"), 1, false, false)

	out, err := orchestrator.FinishAuthentication(ctx, FinishAuthenticationInput{
		SessionID:              sessionID,
		CredentialResponseJSON: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("finish authentication: %v", err)
	}
	if out.GrantToken != "grant-token" {
		t.Errorf("grant token = %q", out.GrantToken)
	}
}

func TestFinishAuthenticationGrantFailureNonFatal(t *testing.T) {
	orchestrator, store, provider := newTestOrchestrator(t)
	ctx := context.Background()
	seedCredential(t, store, []byte("raw-cred-1"), "user-1", 0, false)

	orchestrator.grants = &fakeGrantIssuer{err: errors.New("signer offline")}

	sessionID := beginAuthentication(t, orchestrator, "user-1")
	provider.validateCredential = verifiedCredential([]byte("raw-cred-1"), 1, false, false)

	out, err := orchestrator.FinishAuthentication(ctx, FinishAuthenticationInput{
		SessionID:              sessionID,
		CredentialResponseJSON: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("grant failure must not fail authentication: %v", err)
	}
	if out.GrantToken != "" {
		t.Errorf("grant token = %q, want empty", out.GrantToken)
	}
}

func TestFinishAuthenticationExpiredSession(t *testing.T) {
	orchestrator, store, provider := newTestOrchestrator(t)
	ctx := context.Background()
	seedCredential(t, store, []byte("raw-cred-1"), "user-1", 0, false)

	sessionID := beginAuthentication(t, orchestrator, "user-1")
	orchestrator.clock = func() time.Time { return testTime.Add(6 * time.Minute) }
	provider.validateCredential = verifiedCredential([]byte("raw-cred-1"), 1, false, false)

	_, err := orchestrator.FinishAuthentication(ctx, FinishAuthenticationInput{
		SessionID:              sessionID,
		CredentialResponseJSON: []byte(`{}`),
	})
	assertCode(t, err, apperrors.CodeSessionExpiredOrInvalid)
}
