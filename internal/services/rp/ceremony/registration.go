package ceremony

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	apperrors "github.com/quellauth/quell/internal/platform/errors"
	"github.com/quellauth/quell/internal/services/rp/policy"
	"github.com/quellauth/quell/internal/services/rp/storage"
)

// BeginRegistrationInput starts a registration ceremony. UserID may be
// empty for a brand-new user; an id is generated.
type BeginRegistrationInput struct {
	UserID      string
	Username    string
	DisplayName string
	Platform    string
	UserAgent   string
}

// BeginRegistrationOutput carries the options the client passes to the
// authenticator plus the single-use session handle for the finish step.
type BeginRegistrationOutput struct {
	SessionID           string
	UserID              string
	CreationOptionsJSON []byte
	Platform            policy.Platform
}

// FinishRegistrationInput completes a registration ceremony. UserID, when
// supplied, must match the session's user. Origin is the client-reported
// origin; empty means the configured default. Platform, when supplied,
// overrides the platform recorded at begin.
type FinishRegistrationInput struct {
	SessionID              string
	UserID                 string
	Origin                 string
	Platform               string
	CredentialResponseJSON []byte
}

// FinishRegistrationOutput describes the enrolled credential.
type FinishRegistrationOutput struct {
	UserID       string
	Username     string
	CredentialID string
	DeviceType   string
	BackedUp     bool
	Transports   []string
}

// BeginRegistration generates creation options and stores the challenge
// session. Existing credentials for the user become exclusions so an
// authenticator never enrolls twice.
func (o *Orchestrator) BeginRegistration(ctx context.Context, in BeginRegistrationInput) (BeginRegistrationOutput, error) {
	if err := o.ensureConfigured(); err != nil {
		return BeginRegistrationOutput{}, err
	}
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return BeginRegistrationOutput{}, apperrors.New(apperrors.CodeUnknown, "username is required")
	}
	displayName := strings.TrimSpace(in.DisplayName)
	if displayName == "" {
		displayName = username
	}

	platform := policy.DetectPlatform(in.Platform, in.UserAgent)
	ctx, span := o.startSpan(ctx, "ceremony.BeginRegistration", platform)
	defer span.End()

	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		generated, err := o.newSessionID()
		if err != nil {
			return BeginRegistrationOutput{}, apperrors.Wrap(apperrors.CodeUnknown, "create user id", err)
		}
		userID = generated
	}

	user, err := o.loadCeremonyUser(ctx, userID, username, displayName)
	if err != nil {
		return BeginRegistrationOutput{}, apperrors.Wrap(apperrors.CodeUnknown, "load user credentials", err)
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithAuthenticatorSelection(policy.AuthenticatorSelection(platform)),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
	}
	if len(user.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(user.credentials).CredentialDescriptors()))
	}

	provider, err := o.newProvider(o.cfg.RPOrigins)
	if err != nil {
		return BeginRegistrationOutput{}, apperrors.Wrap(apperrors.CodeUnknown, "configure webauthn provider", err)
	}
	creation, data, err := provider.BeginRegistration(user, options...)
	if err != nil {
		return BeginRegistrationOutput{}, apperrors.Wrap(apperrors.CodeUnknown, "begin registration", err)
	}

	sessionID, err := o.putChallengeSession(ctx, storage.CeremonyRegistration, data, userID, username, displayName, platform)
	if err != nil {
		return BeginRegistrationOutput{}, err
	}

	optionsJSON, err := json.Marshal(creation)
	if err != nil {
		return BeginRegistrationOutput{}, apperrors.Wrap(apperrors.CodeUnknown, "encode creation options", err)
	}

	return BeginRegistrationOutput{
		SessionID:           sessionID,
		UserID:              userID,
		CreationOptionsJSON: optionsJSON,
		Platform:            platform,
	}, nil
}

// FinishRegistration consumes the challenge session, verifies the attestation
// response against the origin resolved for the session's platform, and
// persists the credential and user profile.
func (o *Orchestrator) FinishRegistration(ctx context.Context, in FinishRegistrationInput) (FinishRegistrationOutput, error) {
	if err := o.ensureConfigured(); err != nil {
		return FinishRegistrationOutput{}, err
	}
	if len(in.CredentialResponseJSON) == 0 {
		return FinishRegistrationOutput{}, apperrors.New(apperrors.CodeRegistrationVerificationFailed, "credential response is required")
	}

	session, err := o.consumeSession(ctx, in.SessionID, storage.CeremonyRegistration)
	if err != nil {
		return FinishRegistrationOutput{}, err
	}
	if session.UserID == "" {
		return FinishRegistrationOutput{}, apperrors.New(apperrors.CodeSessionExpiredOrInvalid, "challenge session is missing its user")
	}
	if requestUserID := strings.TrimSpace(in.UserID); requestUserID != "" && requestUserID != session.UserID {
		return FinishRegistrationOutput{}, apperrors.New(apperrors.CodeUserMismatch, "session belongs to a different user")
	}

	platform := policy.ParsePlatform(session.Platform)
	if strings.TrimSpace(in.Platform) != "" {
		platform = policy.ParsePlatform(in.Platform)
	}
	ctx, span := o.startSpan(ctx, "ceremony.FinishRegistration", platform)
	defer span.End()

	origin, err := o.resolveOrigin(in.Origin, platform)
	if err != nil {
		return FinishRegistrationOutput{}, err
	}

	parsed, err := o.parser.ParseCredentialCreationResponseBytes(in.CredentialResponseJSON)
	if err != nil {
		return FinishRegistrationOutput{}, apperrors.Wrap(apperrors.CodeRegistrationVerificationFailed, "parse credential response", err)
	}

	user, err := o.loadCeremonyUser(ctx, session.UserID, session.Username, session.DisplayName)
	if err != nil {
		return FinishRegistrationOutput{}, apperrors.Wrap(apperrors.CodeUnknown, "load user credentials", err)
	}

	provider, err := o.newProvider([]string{origin})
	if err != nil {
		return FinishRegistrationOutput{}, apperrors.Wrap(apperrors.CodeUnknown, "configure webauthn provider", err)
	}
	credential, err := provider.CreateCredential(user, o.sessionData(session), parsed)
	if err != nil {
		return FinishRegistrationOutput{}, apperrors.Wrap(apperrors.CodeRegistrationVerificationFailed, "verify registration response", err)
	}

	record, err := o.storeCredential(ctx, session, *credential, platform, origin)
	if err != nil {
		return FinishRegistrationOutput{}, err
	}
	if err := o.storeUserProfile(ctx, session); err != nil {
		return FinishRegistrationOutput{}, err
	}

	o.logf("registered credential %s for user %s platform=%s", record.CredentialID, record.UserID, platform)

	return FinishRegistrationOutput{
		UserID:       record.UserID,
		Username:     record.Username,
		CredentialID: record.CredentialID,
		DeviceType:   record.DeviceType,
		BackedUp:     record.BackedUp,
		Transports:   record.Transports,
	}, nil
}

// storeCredential persists a verified credential, preserving the original
// enrollment time when the authenticator re-registers.
func (o *Orchestrator) storeCredential(ctx context.Context, session storage.ChallengeSession, credential webauthn.Credential, platform policy.Platform, origin string) (storage.Credential, error) {
	now := o.now()
	record := storage.Credential{
		CredentialID: encodeCredentialID(credential.ID),
		UserID:       session.UserID,
		Username:     session.Username,
		DisplayName:  session.DisplayName,
		RawID:        credential.ID,
		PublicKey:    credential.PublicKey,
		SignCount:    credential.Authenticator.SignCount,
		DeviceType:   deviceTypeForFlags(credential.Flags.BackupEligible),
		BackedUp:     credential.Flags.BackupState,
		Transports:   transportStrings(credential.Transport, platform),
		Platform:     string(platform),
		Origin:       origin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	stored, err := o.credentials.GetCredential(ctx, record.CredentialID)
	if err == nil {
		record.CreatedAt = stored.CreatedAt
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.Credential{}, apperrors.Wrap(apperrors.CodeUnknown, "load existing credential", err)
	}

	if err := o.credentials.PutCredential(ctx, record); err != nil {
		return storage.Credential{}, apperrors.Wrap(apperrors.CodeUnknown, "store credential", err)
	}
	return record, nil
}

func (o *Orchestrator) storeUserProfile(ctx context.Context, session storage.ChallengeSession) error {
	now := o.now()
	profile := storage.User{
		ID:          session.UserID,
		Username:    session.Username,
		DisplayName: session.DisplayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	existing, err := o.users.GetUser(ctx, session.UserID)
	if err == nil {
		profile.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, storage.ErrNotFound) {
		return apperrors.Wrap(apperrors.CodeUnknown, "load user profile", err)
	}
	if err := o.users.PutUser(ctx, profile); err != nil {
		return apperrors.Wrap(apperrors.CodeUnknown, "store user profile", err)
	}
	return nil
}
