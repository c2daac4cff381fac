package ceremony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	apperrors "github.com/quellauth/quell/internal/platform/errors"
	"github.com/quellauth/quell/internal/services/rp/delegate"
	"github.com/quellauth/quell/internal/services/rp/policy"
	"github.com/quellauth/quell/internal/services/rp/storage"
)

// BeginAuthenticationInput starts an authentication ceremony. An empty
// UserID requests a discoverable (usernameless) login.
type BeginAuthenticationInput struct {
	UserID    string
	Platform  string
	UserAgent string
}

// BeginAuthenticationOutput carries the assertion options for the client.
type BeginAuthenticationOutput struct {
	SessionID          string
	RequestOptionsJSON []byte
	Platform           policy.Platform
	Discoverable       bool
}

// FinishAuthenticationInput completes an authentication ceremony.
type FinishAuthenticationInput struct {
	SessionID              string
	Origin                 string
	CredentialResponseJSON []byte
	// SkipDelegation bypasses the backend delegation step for callers that
	// only need the verified identity.
	SkipDelegation bool
}

// FinishAuthenticationOutput is the verified identity plus the optional
// delegation outcome and session grant.
type FinishAuthenticationOutput struct {
	UserID       string
	Username     string
	CredentialID string
	GrantToken   string
	Delegation   *delegate.Outcome
}

// BeginAuthentication generates assertion options and stores the challenge
// session. A known user gets an allow list built from their credentials;
// an empty user id yields a discoverable login.
func (o *Orchestrator) BeginAuthentication(ctx context.Context, in BeginAuthenticationInput) (BeginAuthenticationOutput, error) {
	if err := o.ensureConfigured(); err != nil {
		return BeginAuthenticationOutput{}, err
	}

	platform := policy.DetectPlatform(in.Platform, in.UserAgent)
	ctx, span := o.startSpan(ctx, "ceremony.BeginAuthentication", platform)
	defer span.End()

	userID := strings.TrimSpace(in.UserID)
	username := ""
	displayName := ""

	var (
		assertion *protocol.CredentialAssertion
		data      *webauthn.SessionData
	)

	provider, err := o.newProvider(o.cfg.RPOrigins)
	if err != nil {
		return BeginAuthenticationOutput{}, apperrors.Wrap(apperrors.CodeUnknown, "configure webauthn provider", err)
	}

	if userID == "" {
		assertion, data, err = provider.BeginDiscoverableLogin(
			webauthn.WithUserVerification(protocol.VerificationPreferred),
		)
		if err != nil {
			return BeginAuthenticationOutput{}, apperrors.Wrap(apperrors.CodeUnknown, "begin discoverable login", err)
		}
	} else {
		user, loadErr := o.loadCeremonyUser(ctx, userID, "", "")
		if loadErr != nil {
			return BeginAuthenticationOutput{}, apperrors.Wrap(apperrors.CodeUnknown, "load user credentials", loadErr)
		}
		if len(user.credentials) == 0 {
			return BeginAuthenticationOutput{}, apperrors.WithMetadata(apperrors.CodeCredentialNotFound, "user has no enrolled credentials",
				map[string]string{"user_id": userID})
		}
		username = user.username
		displayName = user.displayName
		assertion, data, err = provider.BeginLogin(user)
		if err != nil {
			return BeginAuthenticationOutput{}, apperrors.Wrap(apperrors.CodeUnknown, "begin login", err)
		}
	}

	sessionID, err := o.putChallengeSession(ctx, storage.CeremonyAuthentication, data, userID, username, displayName, platform)
	if err != nil {
		return BeginAuthenticationOutput{}, err
	}

	optionsJSON, err := json.Marshal(assertion)
	if err != nil {
		return BeginAuthenticationOutput{}, apperrors.Wrap(apperrors.CodeUnknown, "encode assertion options", err)
	}

	return BeginAuthenticationOutput{
		SessionID:          sessionID,
		RequestOptionsJSON: optionsJSON,
		Platform:           platform,
		Discoverable:       userID == "",
	}, nil
}

// FinishAuthentication consumes the challenge session, verifies the
// assertion, enforces counter policy, and runs the post-login steps:
// backend delegation (never fatal) and session grant issuance.
func (o *Orchestrator) FinishAuthentication(ctx context.Context, in FinishAuthenticationInput) (FinishAuthenticationOutput, error) {
	if err := o.ensureConfigured(); err != nil {
		return FinishAuthenticationOutput{}, err
	}
	if len(in.CredentialResponseJSON) == 0 {
		return FinishAuthenticationOutput{}, apperrors.New(apperrors.CodeAuthenticationVerificationFailed, "credential response is required")
	}

	session, err := o.consumeSession(ctx, in.SessionID, storage.CeremonyAuthentication)
	if err != nil {
		return FinishAuthenticationOutput{}, err
	}

	platform := policy.ParsePlatform(session.Platform)
	ctx, span := o.startSpan(ctx, "ceremony.FinishAuthentication", platform)
	defer span.End()

	origin, err := o.resolveOrigin(in.Origin, platform)
	if err != nil {
		return FinishAuthenticationOutput{}, err
	}

	parsed, err := o.parser.ParseCredentialRequestResponseBytes(in.CredentialResponseJSON)
	if err != nil {
		return FinishAuthenticationOutput{}, apperrors.Wrap(apperrors.CodeAuthenticationVerificationFailed, "parse credential response", err)
	}

	// The responding credential must be enrolled before any verification
	// runs, so an unknown credential reports as missing rather than as a
	// signature failure.
	record, err := o.credentials.GetCredential(ctx, encodeCredentialID(parsed.RawID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return FinishAuthenticationOutput{}, apperrors.WithMetadata(apperrors.CodeCredentialNotFound, "credential is not enrolled",
				map[string]string{"credential_id": encodeCredentialID(parsed.RawID)})
		}
		return FinishAuthenticationOutput{}, apperrors.Wrap(apperrors.CodeUnknown, "load credential", err)
	}

	provider, err := o.newProvider([]string{origin})
	if err != nil {
		return FinishAuthenticationOutput{}, apperrors.Wrap(apperrors.CodeUnknown, "configure webauthn provider", err)
	}

	var validated *webauthn.Credential
	var authenticatedUserID string
	if session.UserID != "" {
		if record.UserID != session.UserID {
			return FinishAuthenticationOutput{}, apperrors.WithMetadata(apperrors.CodeUserMismatch, "credential belongs to a different user",
				map[string]string{"credential_id": record.CredentialID})
		}
		user, loadErr := o.loadCeremonyUser(ctx, session.UserID, session.Username, session.DisplayName)
		if loadErr != nil {
			return FinishAuthenticationOutput{}, apperrors.Wrap(apperrors.CodeUnknown, "load user credentials", loadErr)
		}
		validated, err = provider.ValidateLogin(user, o.sessionData(session), parsed)
		if err != nil {
			return FinishAuthenticationOutput{}, apperrors.Wrap(apperrors.CodeAuthenticationVerificationFailed, "verify authentication response", err)
		}
		authenticatedUserID = session.UserID
	} else {
		validatedUser, validatedCredential, validateErr := provider.ValidatePasskeyLogin(o.discoverableUserHandler(ctx), o.sessionData(session), parsed)
		if validateErr != nil {
			return FinishAuthenticationOutput{}, apperrors.Wrap(apperrors.CodeAuthenticationVerificationFailed, "verify discoverable authentication response", validateErr)
		}
		validated = validatedCredential
		authenticatedUserID = string(validatedUser.WebAuthnID())
		if record.UserID != authenticatedUserID {
			return FinishAuthenticationOutput{}, apperrors.WithMetadata(apperrors.CodeUserMismatch, "credential belongs to a different user",
				map[string]string{"credential_id": record.CredentialID})
		}
	}

	if err := o.enforceCounterPolicy(record, validated); err != nil {
		return FinishAuthenticationOutput{}, err
	}

	now := o.now()
	if err := o.credentials.UpdateCredentialSignCount(ctx, record.CredentialID, validated.Authenticator.SignCount, now); err != nil {
		return FinishAuthenticationOutput{}, apperrors.Wrap(apperrors.CodeUnknown, "update credential counter", err)
	}

	out := FinishAuthenticationOutput{
		UserID:       record.UserID,
		Username:     record.Username,
		CredentialID: record.CredentialID,
	}

	if o.delegate != nil && !in.SkipDelegation {
		outcome := o.delegate.Delegate(ctx, delegate.Auth{
			UserID:       record.UserID,
			Username:     record.Username,
			CredentialID: record.CredentialID,
			Platform:     string(platform),
		})
		out.Delegation = &outcome
		if outcome.Attempted && !outcome.Success {
			o.logf("backend delegation failed for user %s: %s", record.UserID, outcome.Message)
		}
	}

	if o.grants != nil {
		token, grantErr := o.grants.Issue(ctx, record.UserID, record.Username)
		if grantErr != nil {
			o.logf("issue session grant for user %s: %v", record.UserID, grantErr)
		} else {
			out.GrantToken = token
		}
	}

	return out, nil
}

// enforceCounterPolicy applies sign-count clone detection. Backed-up
// credentials legitimately share state across devices, so only
// single-device regressions can fail the login, and only in strict mode.
func (o *Orchestrator) enforceCounterPolicy(record storage.Credential, validated *webauthn.Credential) error {
	if !validated.Authenticator.CloneWarning {
		return nil
	}
	if o.cfg.StrictSignCount && !record.BackedUp {
		return apperrors.WithMetadata(apperrors.CodeCounterRegression, "signature counter did not increase",
			map[string]string{
				"credential_id": record.CredentialID,
				"stored_count":  fmt.Sprintf("%d", record.SignCount),
				"new_count":     fmt.Sprintf("%d", validated.Authenticator.SignCount),
			})
	}
	o.logf("sign counter regression on credential %s (stored=%d new=%d backed_up=%t)",
		record.CredentialID, record.SignCount, validated.Authenticator.SignCount, record.BackedUp)
	return nil
}

// discoverableUserHandler resolves the user handle reported by the
// authenticator during a usernameless login.
func (o *Orchestrator) discoverableUserHandler(ctx context.Context) webauthn.DiscoverableUserHandler {
	return func(_, userHandle []byte) (webauthn.User, error) {
		userID := strings.TrimSpace(string(userHandle))
		if userID == "" {
			return nil, fmt.Errorf("user handle is required")
		}
		return o.loadCeremonyUser(ctx, userID, "", "")
	}
}
