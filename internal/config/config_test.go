package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
paths:
  work_dir: "/srv/cfgsyncd/configs"
  settings_file: "/srv/cfgsyncd/settings.yaml"

sync:
  command_timeout: 30s
  cleanup_credentials: "always"

auth:
  keyring: true

serve:
  listen_addr: "0.0.0.0:9000"
  allowed_refs: ["refs/heads/main"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Paths.WorkDir != "/srv/cfgsyncd/configs" {
		t.Errorf("expected work dir /srv/cfgsyncd/configs, got %s", cfg.Paths.WorkDir)
	}
	if cfg.Sync.CommandTimeout != 30*time.Second {
		t.Errorf("expected command timeout 30s, got %s", cfg.Sync.CommandTimeout)
	}
	if cfg.Sync.CleanupCredentials != CleanupAlways {
		t.Errorf("expected cleanup policy always, got %s", cfg.Sync.CleanupCredentials)
	}
	if !cfg.Auth.Keyring {
		t.Error("expected keyring to be enabled")
	}
	if len(cfg.Serve.AllowedRefs) != 1 || cfg.Serve.AllowedRefs[0] != "refs/heads/main" {
		t.Errorf("unexpected allowed refs: %v", cfg.Serve.AllowedRefs)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeConfig(t, "paths: [unclosed")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("expected parse error, got %v", err)
	}

	path = writeConfig(t, "paths:\n  work_dir: relative/dir\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Paths: PathsConfig{
				WorkDir:      "/srv/configs",
				SettingsFile: "/srv/settings.yaml",
			},
			Sync: SyncConfig{
				CommandTimeout:     time.Minute,
				CleanupCredentials: CleanupReconcile,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:    "missing work dir",
			mutate:  func(c *Config) { c.Paths.WorkDir = "" },
			wantErr: true,
		},
		{
			name:    "relative work dir",
			mutate:  func(c *Config) { c.Paths.WorkDir = "configs" },
			wantErr: true,
		},
		{
			name:    "relative settings file",
			mutate:  func(c *Config) { c.Paths.SettingsFile = "settings.yaml" },
			wantErr: true,
		},
		{
			name:    "settings file inside work dir",
			mutate:  func(c *Config) { c.Paths.SettingsFile = "/srv/configs/settings.yaml" },
			wantErr: true,
		},
		{
			name:   "settings file in sibling with common prefix",
			mutate: func(c *Config) { c.Paths.SettingsFile = "/srv/configs-state/settings.yaml" },
		},
		{
			name:    "negative timeout",
			mutate:  func(c *Config) { c.Sync.CommandTimeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "unknown cleanup policy",
			mutate:  func(c *Config) { c.Sync.CleanupCredentials = "never" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{Paths: PathsConfig{WorkDir: "/srv/cfgsyncd/configs"}}
	cfg.applyDefaults()

	if cfg.Paths.SettingsFile != "/srv/cfgsyncd/settings.yaml" {
		t.Errorf("applyDefaults() settings file = %q", cfg.Paths.SettingsFile)
	}
	if cfg.Sync.CommandTimeout != DefaultCommandTimeout {
		t.Errorf("applyDefaults() command timeout = %s, want %s", cfg.Sync.CommandTimeout, DefaultCommandTimeout)
	}
	if cfg.Sync.CleanupCredentials != CleanupReconcile {
		t.Errorf("applyDefaults() cleanup policy = %q, want %q", cfg.Sync.CleanupCredentials, CleanupReconcile)
	}
	if cfg.Serve.ListenAddr == "" {
		t.Error("applyDefaults() did not set listen address")
	}

	// Explicit values must not be overwritten
	cfg2 := Config{Sync: SyncConfig{CleanupCredentials: CleanupAlways, CommandTimeout: time.Second}}
	cfg2.applyDefaults()

	if cfg2.Sync.CleanupCredentials != CleanupAlways {
		t.Errorf("applyDefaults() overwrote explicit cleanup policy, got %q", cfg2.Sync.CleanupCredentials)
	}
	if cfg2.Sync.CommandTimeout != time.Second {
		t.Errorf("applyDefaults() overwrote explicit timeout, got %s", cfg2.Sync.CommandTimeout)
	}
}

func TestWebhookEnabled(t *testing.T) {
	cfg := Config{}
	if cfg.WebhookEnabled() {
		t.Error("webhook must be disabled without a secret file")
	}
	cfg.Serve.GitHubWebhookSecretFile = "/run/secrets/webhook"
	if !cfg.WebhookEnabled() {
		t.Error("webhook must be enabled with a secret file")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CFGSYNCD_TEST_HOME", "/home/testuser")

	cfg := Config{
		Paths: PathsConfig{
			WorkDir:      "${CFGSYNCD_TEST_HOME}/configs",
			SettingsFile: "${CFGSYNCD_TEST_HOME}/.local/state/cfgsyncd/settings.yaml",
		},
		Serve: ServeConfig{
			ListenAddr:              "${CFGSYNCD_TEST_HOME}:8080",
			GitHubWebhookSecretFile: "${CFGSYNCD_TEST_HOME}/secret",
			APICredentialsFile:      "${CFGSYNCD_TEST_HOME}/api-credentials",
		},
	}

	cfg.expandEnv()

	checks := []struct {
		name string
		got  string
		want string
	}{
		{"Paths.WorkDir", cfg.Paths.WorkDir, "/home/testuser/configs"},
		{"Paths.SettingsFile", cfg.Paths.SettingsFile, "/home/testuser/.local/state/cfgsyncd/settings.yaml"},
		{"Serve.ListenAddr", cfg.Serve.ListenAddr, "/home/testuser:8080"},
		{"Serve.GitHubWebhookSecretFile", cfg.Serve.GitHubWebhookSecretFile, "/home/testuser/secret"},
		{"Serve.APICredentialsFile", cfg.Serve.APICredentialsFile, "/home/testuser/api-credentials"},
	}

	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("expandEnv() %s = %s, want %s", c.name, c.got, c.want)
		}
	}
}
