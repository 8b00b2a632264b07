package config

import (
	"encoding/base64"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SOUL_ENV", "")
	t.Setenv("SOUL_HTTP_ADDR", "")
	t.Setenv("SOUL_DB_DSN", "")
	t.Setenv("SOUL_PROOF_SIGNING_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Env != "dev" {
		t.Errorf("Env = %q want dev", cfg.Env)
	}
	if cfg.Address != ":8080" {
		t.Errorf("Address = %q want :8080", cfg.Address)
	}
	if cfg.MetricsAddress != ":9090" {
		t.Errorf("MetricsAddress = %q want :9090", cfg.MetricsAddress)
	}
	if cfg.DatabaseDSN != "" {
		t.Errorf("DatabaseDSN = %q want empty", cfg.DatabaseDSN)
	}
	if len(cfg.ProofSigningKey) != 0 {
		t.Error("ProofSigningKey should be absent by default")
	}
	if cfg.ProofTTL != 10*time.Minute {
		t.Errorf("ProofTTL = %s want 10m", cfg.ProofTTL)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("SweepInterval = %s want 1m", cfg.SweepInterval)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SOUL_ENV", "prod")
	t.Setenv("SOUL_HTTP_ADDR", ":9999")
	t.Setenv("SOUL_DB_DSN", "postgres://localhost/soul")
	t.Setenv("SOUL_SWEEP_INTERVAL_SECONDS", "30")
	t.Setenv("SOUL_PROOF_TTL_SECONDS", "600")
	key := make([]byte, 64)
	t.Setenv("SOUL_PROOF_SIGNING_KEY", base64.StdEncoding.EncodeToString(key))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Env != "prod" || cfg.Address != ":9999" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.DatabaseDSN != "postgres://localhost/soul" {
		t.Errorf("DatabaseDSN = %q", cfg.DatabaseDSN)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Errorf("SweepInterval = %s want 30s", cfg.SweepInterval)
	}
	if cfg.ProofTTL != 10*time.Minute {
		t.Errorf("ProofTTL = %s want 10m", cfg.ProofTTL)
	}
	if len(cfg.ProofSigningKey) != 64 {
		t.Errorf("ProofSigningKey length = %d want 64", len(cfg.ProofSigningKey))
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("SOUL_SWEEP_INTERVAL_SECONDS", "zero")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric sweep interval")
	}

	t.Setenv("SOUL_SWEEP_INTERVAL_SECONDS", "-5")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative sweep interval")
	}

	t.Setenv("SOUL_SWEEP_INTERVAL_SECONDS", "60")
	t.Setenv("SOUL_PROOF_SIGNING_KEY", "%%%not-base64%%%")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed signing key")
	}
}
