// Package config carries relying-party configuration for the ceremony
// orchestrator and its collaborators.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// RP controls WebAuthn relying party settings and ceremony policy knobs.
type RP struct {
	RPDisplayName   string        `env:"QUELL_RP_DISPLAY_NAME"  envDefault:"Quell"`
	RPID            string        `env:"QUELL_RP_ID"            envDefault:"localhost"`
	RPOrigins       []string      `env:"QUELL_RP_ORIGINS"       envSeparator:","`
	DefaultOrigin   string        `env:"QUELL_RP_DEFAULT_ORIGIN"`
	SessionTTL      time.Duration `env:"QUELL_SESSION_TTL"      envDefault:"5m"`
	CeremonyTimeout time.Duration `env:"QUELL_CEREMONY_TIMEOUT" envDefault:"60s"`
	// StrictSignCount rejects authentications whose reported signature
	// counter did not increase on a non-backed-up credential. Off by
	// default; a regression is logged either way.
	StrictSignCount bool `env:"QUELL_STRICT_SIGN_COUNT" envDefault:"false"`
}

// LoadRPFromEnv returns relying-party configuration with defaults.
func LoadRPFromEnv() RP {
	var cfg RP
	if err := env.Parse(&cfg); err != nil {
		cfg = RP{
			RPDisplayName:   "Quell",
			RPID:            "localhost",
			SessionTTL:      5 * time.Minute,
			CeremonyTimeout: 60 * time.Second,
		}
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8080"}
	}
	if cfg.DefaultOrigin == "" {
		cfg.DefaultOrigin = cfg.RPOrigins[0]
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 5 * time.Minute
	}
	if cfg.CeremonyTimeout <= 0 {
		cfg.CeremonyTimeout = 60 * time.Second
	}
	return cfg
}
