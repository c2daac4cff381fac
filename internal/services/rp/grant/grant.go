// Package grant issues and validates post-authentication session grants.
//
// A grant is a short-lived EdDSA-signed JWT minted after a verified passkey
// login. It lets downstream services trust the authenticated identity
// without re-running a ceremony. Grants are optional; when the signing key
// is not configured the orchestrator simply omits them.
package grant

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/quellauth/quell/internal/platform/errors"
	"github.com/quellauth/quell/internal/platform/id"
)

// grantEnv holds raw env values before post-parse validation.
type grantEnv struct {
	Issuer     string        `env:"QUELL_GRANT_ISSUER"`
	Audience   string        `env:"QUELL_GRANT_AUDIENCE"`
	PrivateKey string        `env:"QUELL_GRANT_PRIVATE_KEY"`
	TTL        time.Duration `env:"QUELL_GRANT_TTL" envDefault:"15m"`
}

// Config defines how session grants are signed and verified.
type Config struct {
	Issuer   string
	Audience string
	Key      ed25519.PrivateKey
	TTL      time.Duration
	Now      func() time.Time
}

// Claims captures validated session grant claims.
type Claims struct {
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	JWTID     string
	UserID    string
	Username  string
}

// grantClaims is the internal claims type used for JWT signing and parsing.
type grantClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// LoadConfigFromEnv reads grant configuration. An error means grants are
// not configured; callers treat that as the feature being disabled.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw grantEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse grant env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	privateKey := strings.TrimSpace(raw.PrivateKey)
	if issuer == "" {
		return Config{}, fmt.Errorf("QUELL_GRANT_ISSUER is required")
	}
	if audience == "" {
		return Config{}, fmt.Errorf("QUELL_GRANT_AUDIENCE is required")
	}
	if privateKey == "" {
		return Config{}, fmt.Errorf("QUELL_GRANT_PRIVATE_KEY is required")
	}
	keyBytes, err := decodeBase64(privateKey)
	if err != nil {
		return Config{}, fmt.Errorf("decode grant private key: %w", err)
	}
	key, err := privateKeyFromBytes(keyBytes)
	if err != nil {
		return Config{}, err
	}
	ttl := raw.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return Config{
		Issuer:   issuer,
		Audience: audience,
		Key:      key,
		TTL:      ttl,
		Now:      now,
	}, nil
}

// privateKeyFromBytes accepts either a 32-byte seed or a full private key.
func privateKeyFromBytes(raw []byte) (ed25519.PrivateKey, error) {
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("grant private key must be %d or %d bytes", ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

// Issuer mints session grants.
type Issuer struct {
	cfg         Config
	idGenerator func() (string, error)
}

// NewIssuer builds a grant issuer from a validated config.
func NewIssuer(cfg Config) *Issuer {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{cfg: cfg, idGenerator: id.NewID}
}

// Issue signs a session grant for a verified identity.
func (i *Issuer) Issue(ctx context.Context, userID, username string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if i == nil || len(i.cfg.Key) != ed25519.PrivateKeySize {
		return "", errors.New("grant issuer is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id is required")
	}

	jti, err := i.idGenerator()
	if err != nil {
		return "", fmt.Errorf("create grant id: %w", err)
	}

	now := i.cfg.Now().UTC()
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        jti,
		},
		UserID:   userID,
		Username: username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(i.cfg.Key)
	if err != nil {
		return "", fmt.Errorf("sign grant: %w", err)
	}
	return signed, nil
}

// Validate verifies a session grant token and returns its claims.
func Validate(token string, cfg Config) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, apperrors.New(apperrors.CodeGrantInvalid, "grant is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PrivateKeySize {
		return Claims{}, errors.New("grant verifier is not configured")
	}

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Key.Public(), nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != cfg.Issuer {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeGrantInvalid, "grant issuer mismatch",
			map[string]string{"field": "issuer"})
	}
	if !audienceContains(parsed.Audience, cfg.Audience) {
		return Claims{}, apperrors.WithMetadata(apperrors.CodeGrantInvalid, "grant audience mismatch",
			map[string]string{"field": "audience"})
	}
	if parsed.ID == "" {
		return Claims{}, apperrors.New(apperrors.CodeGrantInvalid, "grant jti is required")
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, apperrors.New(apperrors.CodeGrantInvalid, "grant exp is required")
	}

	now := cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Claims{}, apperrors.New(apperrors.CodeGrantExpired, "grant is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return Claims{}, apperrors.New(apperrors.CodeGrantInvalid, "grant not active yet")
	}
	if strings.TrimSpace(parsed.UserID) == "" {
		return Claims{}, apperrors.New(apperrors.CodeGrantInvalid, "grant user id is required")
	}

	claims := Claims{
		Issuer:    parsed.Issuer,
		Audience:  []string(parsed.Audience),
		ExpiresAt: exp,
		JWTID:     parsed.ID,
		UserID:    parsed.UserID,
		Username:  parsed.Username,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeGrantInvalid, "grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeGrantInvalid, "grant alg is invalid")
	}
	return apperrors.New(apperrors.CodeGrantInvalid, "grant is invalid")
}

// audienceContains reports whether the audience list contains the value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
