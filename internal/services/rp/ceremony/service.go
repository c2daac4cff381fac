// Package ceremony orchestrates WebAuthn registration and authentication
// ceremonies for the relying party.
//
// The orchestrator owns ceremony policy: challenge session lifecycle,
// per-platform origin resolution, credential bookkeeping, and the optional
// backend delegation and session grant steps after a verified login.
// Stores stay mechanical; everything that decides lives here.
package ceremony

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/quellauth/quell/internal/platform/errors"
	"github.com/quellauth/quell/internal/platform/id"
	"github.com/quellauth/quell/internal/services/rp/config"
	"github.com/quellauth/quell/internal/services/rp/delegate"
	"github.com/quellauth/quell/internal/services/rp/policy"
	"github.com/quellauth/quell/internal/services/rp/storage"
)

// BackendDelegate forwards a verified authentication to a backend service.
// Delegation never fails the authentication; the outcome is reported to the
// caller instead.
type BackendDelegate interface {
	Delegate(ctx context.Context, auth delegate.Auth) delegate.Outcome
}

// GrantIssuer mints a post-authentication session grant.
type GrantIssuer interface {
	Issue(ctx context.Context, userID, username string) (string, error)
}

type ceremonyProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

// providerFactory builds a provider bound to a set of expected origins.
// Finish steps rebuild the provider around the origin resolved for the
// ceremony's platform, so verification always checks the right origin.
type providerFactory func(origins []string) (ceremonyProvider, error)

type credentialParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultParser struct{}

func (defaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Orchestrator drives both WebAuthn ceremonies end to end.
type Orchestrator struct {
	cfg         config.RP
	sessions    storage.ChallengeStore
	credentials storage.CredentialStore
	users       storage.UserStore
	delegate    BackendDelegate
	grants      GrantIssuer
	newProvider providerFactory
	parser      credentialParser
	logger      *log.Logger
	tracer      trace.Tracer
	clock       func() time.Time
	idGenerator func() (string, error)
}

// New builds an orchestrator with production defaults. delegate, grants,
// and logger may be nil; the matching steps are skipped.
func New(cfg config.RP, sessions storage.ChallengeStore, credentials storage.CredentialStore, users storage.UserStore, backendDelegate BackendDelegate, grants GrantIssuer, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		sessions:    sessions,
		credentials: credentials,
		users:       users,
		delegate:    backendDelegate,
		grants:      grants,
		newProvider: defaultProviderFactory(cfg),
		parser:      defaultParser{},
		logger:      logger,
		tracer:      otel.Tracer("github.com/quellauth/quell/internal/services/rp/ceremony"),
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

func defaultProviderFactory(cfg config.RP) providerFactory {
	return func(origins []string) (ceremonyProvider, error) {
		return webauthn.New(&webauthn.Config{
			RPDisplayName: cfg.RPDisplayName,
			RPID:          cfg.RPID,
			RPOrigins:     origins,
			Timeouts: webauthn.TimeoutsConfig{
				Login: webauthn.TimeoutConfig{
					Enforce: true,
					Timeout: cfg.CeremonyTimeout,
				},
				Registration: webauthn.TimeoutConfig{
					Enforce: true,
					Timeout: cfg.CeremonyTimeout,
				},
			},
		})
	}
}

func (o *Orchestrator) now() time.Time {
	if o.clock != nil {
		return o.clock().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) newSessionID() (string, error) {
	if o.idGenerator != nil {
		return o.idGenerator()
	}
	return id.NewID()
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, platform policy.Platform) (context.Context, trace.Span) {
	if o.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return o.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("rp.platform", string(platform)),
	))
}

func (o *Orchestrator) ensureConfigured() error {
	if o == nil || o.sessions == nil || o.credentials == nil || o.users == nil {
		return apperrors.New(apperrors.CodeUnknown, "ceremony orchestrator is not configured")
	}
	if o.newProvider == nil || o.parser == nil {
		return apperrors.New(apperrors.CodeUnknown, "ceremony provider is not configured")
	}
	return nil
}

// consumeSession atomically takes the single-use session, then enforces the
// ceremony kind. A consumed session never validates twice, even when the
// kind check fails afterward.
func (o *Orchestrator) consumeSession(ctx context.Context, sessionID string, kind storage.CeremonyKind) (storage.ChallengeSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return storage.ChallengeSession{}, apperrors.New(apperrors.CodeSessionExpiredOrInvalid, "session id is required")
	}
	session, err := o.sessions.ConsumeChallengeSession(ctx, sessionID, o.now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ChallengeSession{}, apperrors.New(apperrors.CodeSessionExpiredOrInvalid, "challenge session is expired, consumed, or unknown")
		}
		return storage.ChallengeSession{}, apperrors.Wrap(apperrors.CodeUnknown, "consume challenge session", err)
	}
	if session.Kind != kind {
		return storage.ChallengeSession{}, apperrors.WithMetadata(apperrors.CodeSessionExpiredOrInvalid, "challenge session kind mismatch",
			map[string]string{"kind": string(session.Kind)})
	}
	return session, nil
}

// resolveOrigin picks the origin verification must check. Only non-web
// platforms may substitute their native origin shape, and a supplied origin
// must satisfy the platform's shape or the allow list. Web ceremonies and
// callers that supplied nothing get the configured default.
func (o *Orchestrator) resolveOrigin(requested string, platform policy.Platform) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" || platform == policy.PlatformWeb {
		return o.cfg.DefaultOrigin, nil
	}
	if !policy.ValidOrigin(requested, platform, o.cfg.RPOrigins) {
		return "", apperrors.WithMetadata(apperrors.CodeInvalidOrigin, "origin is not acceptable for platform",
			map[string]string{
				"origin":   requested,
				"platform": string(platform),
			})
	}
	return requested, nil
}

// sessionData rebuilds the library session state from the stored challenge
// session. Only the challenge, user binding, and expiry round-trip; the
// verification requirement is fixed ceremony policy.
func (o *Orchestrator) sessionData(session storage.ChallengeSession) webauthn.SessionData {
	data := webauthn.SessionData{
		Challenge:        session.Challenge,
		RelyingPartyID:   o.cfg.RPID,
		Expires:          session.ExpiresAt,
		UserVerification: protocol.VerificationPreferred,
	}
	if session.UserID != "" {
		data.UserID = []byte(session.UserID)
	}
	return data
}

func (o *Orchestrator) putChallengeSession(ctx context.Context, kind storage.CeremonyKind, data *webauthn.SessionData, userID, username, displayName string, platform policy.Platform) (string, error) {
	if data == nil {
		return "", apperrors.New(apperrors.CodeUnknown, "ceremony session data is required")
	}
	sessionID, err := o.newSessionID()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeUnknown, "create session id", err)
	}
	now := o.now()
	session := storage.ChallengeSession{
		ID:          sessionID,
		Kind:        kind,
		Challenge:   data.Challenge,
		UserID:      userID,
		Username:    username,
		DisplayName: displayName,
		Platform:    string(platform),
		CreatedAt:   now,
		ExpiresAt:   now.Add(o.cfg.SessionTTL),
	}
	if err := o.sessions.PutChallengeSession(ctx, session); err != nil {
		return "", apperrors.Wrap(apperrors.CodeUnknown, "store challenge session", err)
	}
	return sessionID, nil
}

// ceremonyUser adapts stored records to the webauthn.User contract.
type ceremonyUser struct {
	id          string
	username    string
	displayName string
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.id)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.username
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	return u.displayName
}

func (u *ceremonyUser) WebAuthnIcon() string {
	return ""
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

// loadCeremonyUser assembles a webauthn user from the credential store.
func (o *Orchestrator) loadCeremonyUser(ctx context.Context, userID, username, displayName string) (*ceremonyUser, error) {
	records, err := o.credentials.ListCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		credentials = append(credentials, toWebauthnCredential(record))
	}
	if username == "" || displayName == "" {
		if profile, err := o.users.GetUser(ctx, userID); err == nil {
			if username == "" {
				username = profile.Username
			}
			if displayName == "" {
				displayName = profile.DisplayName
			}
		}
	}
	return &ceremonyUser{
		id:          userID,
		username:    username,
		displayName: displayName,
		credentials: credentials,
	}, nil
}

func toWebauthnCredential(record storage.Credential) webauthn.Credential {
	credential := webauthn.Credential{
		ID:        record.RawID,
		PublicKey: record.PublicKey,
		Flags: webauthn.CredentialFlags{
			BackupEligible: record.DeviceType == deviceTypeMultiDevice,
			BackupState:    record.BackedUp,
		},
		Authenticator: webauthn.Authenticator{
			SignCount: record.SignCount,
		},
	}
	transports := record.Transports
	if len(transports) == 0 {
		for _, transport := range policy.DefaultTransports(policy.ParsePlatform(record.Platform)) {
			transports = append(transports, string(transport))
		}
	}
	for _, transport := range transports {
		credential.Transport = append(credential.Transport, protocol.AuthenticatorTransport(transport))
	}
	return credential
}

const (
	deviceTypeMultiDevice  = "multiDevice"
	deviceTypeSingleDevice = "singleDevice"
)

func deviceTypeForFlags(backupEligible bool) string {
	if backupEligible {
		return deviceTypeMultiDevice
	}
	return deviceTypeSingleDevice
}

func transportStrings(declared []protocol.AuthenticatorTransport, platform policy.Platform) []string {
	transports := declared
	if len(transports) == 0 {
		transports = policy.DefaultTransports(platform)
	}
	values := make([]string, 0, len(transports))
	for _, transport := range transports {
		values = append(values, string(transport))
	}
	return values
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
