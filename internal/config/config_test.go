package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CUERELAY_ADMIN_SIGNING_SECRET", "signing-secret")
	t.Setenv("CUERELAY_ADMIN_PASSWORD", "hunter2")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Relay.GracePeriod != 60*time.Second || cfg.Relay.AuthTimeout != 30*time.Second {
		t.Fatalf("unexpected relay timers %+v", cfg.Relay)
	}
	if cfg.Relay.MaxMessageBytes != 10*1024 || cfg.Relay.UpdatesPerWindow != 60 {
		t.Fatalf("unexpected relay limits %+v", cfg.Relay)
	}
	if cfg.Admin.AccessTTL != time.Hour || cfg.Admin.RefreshTTL != 24*time.Hour {
		t.Fatalf("unexpected token ttls %+v", cfg.Admin)
	}
	if !cfg.Admin.AllowPrivateIPDrift {
		t.Fatal("expected private ip drift to default on")
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if len(cfg.Admin.Whitelist) != 0 {
		t.Fatalf("expected empty whitelist, got %v", cfg.Admin.Whitelist)
	}
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CUERELAY_RELAY_GRACE_PERIOD", "90s")
	t.Setenv("CUERELAY_RELAY_MAX_CONNECTIONS", "25")
	t.Setenv("CUERELAY_ADMIN_WHITELIST", "10.0.0.0/8, admin.example.com")
	t.Setenv("CUERELAY_HTTP_TRUSTED_PROXY_HEADER", " X-Forwarded-For ")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Relay.GracePeriod != 90*time.Second || cfg.Relay.MaxConnections != 25 {
		t.Fatalf("overrides not applied: %+v", cfg.Relay)
	}
	if len(cfg.Admin.Whitelist) != 2 || cfg.Admin.Whitelist[1] != "admin.example.com" {
		t.Fatalf("unexpected whitelist %v", cfg.Admin.Whitelist)
	}
	if cfg.TrustedProxyHeader != "X-Forwarded-For" {
		t.Fatalf("unexpected proxy header %q", cfg.TrustedProxyHeader)
	}
}

func TestLoadRejectsMissingSecrets(t *testing.T) {
	t.Setenv("CUERELAY_ADMIN_PASSWORD", "hunter2")
	if _, err := Load(NewViper()); err == nil {
		t.Fatal("expected missing signing secret to fail")
	}

	t.Setenv("CUERELAY_ADMIN_SIGNING_SECRET", "signing-secret")
	t.Setenv("CUERELAY_ADMIN_PASSWORD", "")
	if _, err := Load(NewViper()); err == nil {
		t.Fatal("expected missing admin credential to fail")
	}

	t.Setenv("CUERELAY_ADMIN_PASSWORD_HASH", "$2a$10$abcdefghijklmnopqrstuv")
	if _, err := Load(NewViper()); err != nil {
		t.Fatalf("expected password hash to satisfy validation: %v", err)
	}
}

func TestLoadRejectsNonPositiveLimits(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CUERELAY_RELAY_UPDATES_PER_WINDOW", "0")
	if _, err := Load(NewViper()); err == nil {
		t.Fatal("expected zero update limit to fail")
	}
}

func TestLoadDotEnvSkipsMissingFilesAndKeepsExistingValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	contents := "CUERELAY_TEST_DOTENV_NEW=from-file\nCUERELAY_TEST_DOTENV_SET=from-file\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("CUERELAY_TEST_DOTENV_SET", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("CUERELAY_TEST_DOTENV_NEW") })

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := os.Getenv("CUERELAY_TEST_DOTENV_NEW"); got != "from-file" {
		t.Fatalf("expected value from file, got %q", got)
	}
	if got := os.Getenv("CUERELAY_TEST_DOTENV_SET"); got != "from-env" {
		t.Fatalf("expected existing value to win, got %q", got)
	}
}
