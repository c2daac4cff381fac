package delegate

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls the backend delegation client.
type Config struct {
	// URL is the backend sign-in endpoint. Empty disables delegation.
	URL string `env:"QUELL_BACKEND_URL"`
	// Timeout bounds one delegation attempt so a slow backend cannot stall
	// the authentication response.
	Timeout time.Duration `env:"QUELL_BACKEND_TIMEOUT" envDefault:"10s"`
	// CredentialsFile seeds per-user backend credentials from a JSON file.
	CredentialsFile string `env:"QUELL_BACKEND_CREDENTIALS_FILE"`
}

// LoadConfigFromEnv returns delegation configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{Timeout: 10 * time.Second}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return cfg
}
