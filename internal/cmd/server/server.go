// Package server parses configuration for the relying-party entrypoint.
package server

import (
	"context"
	"flag"
	"log"
	"strings"

	"github.com/quellauth/quell/internal/platform/otel"
	app "github.com/quellauth/quell/internal/services/rp/app"
)

// Config holds server command configuration.
type Config struct {
	HTTPAddr string
}

// EnvLookup returns the value for a key when present.
type EnvLookup func(string) (string, bool)

// ParseConfig parses flags into a Config. Flags win over environment.
func ParseConfig(fs *flag.FlagSet, args []string, lookup EnvLookup) (Config, error) {
	cfg := Config{
		HTTPAddr: envOrDefault(lookup, []string{"QUELL_HTTP_ADDR"}, "localhost:8080"),
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The relying-party HTTP server address")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the relying-party server.
func Run(ctx context.Context, cfg Config) error {
	shutdown, err := otel.Setup(ctx, "quell-rp")
	if err != nil {
		log.Printf("otel setup: %v", err)
	} else {
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Printf("otel shutdown: %v", err)
			}
		}()
	}
	return app.Run(ctx, cfg.HTTPAddr)
}

func envOrDefault(lookup EnvLookup, keys []string, fallback string) string {
	for _, key := range keys {
		if lookup == nil {
			break
		}
		value, ok := lookup(key)
		if ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return fallback
}
