// Package config provides configuration loading for the soul registry. It
// handles environment variable parsing and provides default values for all
// settings.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package
// initialization. godotenv.Load does not override already-set variables, so
// OS environment takes precedence over .env files in all cases.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the registry service.
type Config struct {
	Env             string        // deployment environment (dev, staging, prod)
	Address         string        // HTTP server address
	MetricsAddress  string        // standalone metrics server address
	DatabaseDSN     string        // PostgreSQL DSN; empty selects the in-memory store
	ProofSigningKey []byte        // Ed25519 private key signing verification proof tokens
	ProofIssuer     string        // issuer claim for proof tokens
	ProofAudience   string        // audience claim for proof tokens
	ProofTTL        time.Duration // proof token lifetime
	SweepInterval   time.Duration // cadence of the background challenge sweep
}

const (
	defaultAddress        = ":8080"
	defaultMetricsAddress = ":9090"
	defaultProofIssuer    = "soul-registry"
	defaultProofAudience  = "soul-registry-clients"
	defaultProofTTL       = 10 * time.Minute
	defaultSweepInterval  = time.Minute
)

// Load reads environment variables and produces a Config suitable for wiring
// the service. SOUL_PROOF_SIGNING_KEY is optional; when absent, challenge
// completions simply do not mint proof tokens.
func Load() (Config, error) {
	cfg := Config{
		Env:            getEnv("SOUL_ENV", "dev"),
		Address:        getEnv("SOUL_HTTP_ADDR", defaultAddress),
		MetricsAddress: getEnv("SOUL_METRICS_ADDR", defaultMetricsAddress),
		DatabaseDSN:    os.Getenv("SOUL_DB_DSN"),
		ProofIssuer:    getEnv("SOUL_PROOF_ISS", defaultProofIssuer),
		ProofAudience:  getEnv("SOUL_PROOF_AUD", defaultProofAudience),
	}

	if raw, exists := os.LookupEnv("SOUL_PROOF_TTL_SECONDS"); exists {
		d, err := parseSeconds(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SOUL_PROOF_TTL_SECONDS: %w", err)
		}
		cfg.ProofTTL = d
	} else {
		cfg.ProofTTL = defaultProofTTL
	}

	if raw, exists := os.LookupEnv("SOUL_SWEEP_INTERVAL_SECONDS"); exists {
		d, err := parseSeconds(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SOUL_SWEEP_INTERVAL_SECONDS: %w", err)
		}
		cfg.SweepInterval = d
	} else {
		cfg.SweepInterval = defaultSweepInterval
	}

	if raw, exists := os.LookupEnv("SOUL_PROOF_SIGNING_KEY"); exists && raw != "" {
		keyBytes, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SOUL_PROOF_SIGNING_KEY base64: %w", err)
		}
		cfg.ProofSigningKey = keyBytes
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if it
// is not set or empty.
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// parseSeconds converts a string count of seconds to a time.Duration.
func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if seconds <= 0 {
		return 0, errors.New("value must be > 0")
	}
	return time.Duration(seconds) * time.Second, nil
}
