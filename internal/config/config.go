package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CleanupPolicy defines after which successful syncs the provisioned SSH key
// is removed from disk.
type CleanupPolicy string

const (
	// CleanupReconcile removes the key only after syncing an existing repository.
	CleanupReconcile CleanupPolicy = "reconcile"
	// CleanupAlways also removes the key after the first-time initialization.
	CleanupAlways CleanupPolicy = "always"
)

// DefaultCommandTimeout bounds a single git invocation.
const DefaultCommandTimeout = 2 * time.Minute

// Config represents the complete cfgsyncd configuration
type Config struct {
	Paths PathsConfig `yaml:"paths"`
	Sync  SyncConfig  `yaml:"sync"`
	Auth  AuthConfig  `yaml:"auth"`
	Serve ServeConfig `yaml:"serve"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	WorkDir      string `yaml:"work_dir"`
	SettingsFile string `yaml:"settings_file"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	CommandTimeout     time.Duration `yaml:"command_timeout"`
	CleanupCredentials CleanupPolicy `yaml:"cleanup_credentials"`
}

// AuthConfig configures where key material is kept
type AuthConfig struct {
	Keyring        bool   `yaml:"keyring"`
	KeyringService string `yaml:"keyring_service"`
}

// ServeConfig configures the HTTP server
type ServeConfig struct {
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
	// APICredentialsFile holds "user:password" protecting the /api routes.
	APICredentialsFile      string   `yaml:"api_credentials_file"`
	CORSOrigins             []string `yaml:"cors_origins"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Paths.WorkDir = os.ExpandEnv(c.Paths.WorkDir)
	c.Paths.SettingsFile = os.ExpandEnv(c.Paths.SettingsFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
	c.Serve.APICredentialsFile = os.ExpandEnv(c.Serve.APICredentialsFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.SettingsFile == "" && c.Paths.WorkDir != "" {
		// Next to the working directory, never inside it: the tree is pushed.
		c.Paths.SettingsFile = filepath.Join(filepath.Dir(c.Paths.WorkDir), "settings.yaml")
	}
	if c.Sync.CommandTimeout == 0 {
		c.Sync.CommandTimeout = DefaultCommandTimeout
	}
	if c.Sync.CleanupCredentials == "" {
		c.Sync.CleanupCredentials = CleanupReconcile
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = "127.0.0.1:8787"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.WorkDir == "" {
		return fmt.Errorf("paths.work_dir is required")
	}
	if !filepath.IsAbs(c.Paths.WorkDir) {
		return fmt.Errorf("paths.work_dir must be an absolute path: %s", c.Paths.WorkDir)
	}
	if !filepath.IsAbs(c.Paths.SettingsFile) {
		return fmt.Errorf("paths.settings_file must be an absolute path: %s", c.Paths.SettingsFile)
	}
	if isWithin(c.Paths.WorkDir, c.Paths.SettingsFile) {
		return fmt.Errorf("paths.settings_file must not live inside paths.work_dir")
	}

	if c.Sync.CommandTimeout < 0 {
		return fmt.Errorf("sync.command_timeout must not be negative")
	}

	switch c.Sync.CleanupCredentials {
	case CleanupReconcile, CleanupAlways:
		// valid
	default:
		return fmt.Errorf("invalid sync.cleanup_credentials policy: %s (must be reconcile or always)", c.Sync.CleanupCredentials)
	}

	return nil
}

// WebhookEnabled reports whether the GitHub webhook endpoint should be served.
func (c *Config) WebhookEnabled() bool {
	return c.Serve.GitHubWebhookSecretFile != ""
}

// isWithin reports whether target is dir or lies below it.
func isWithin(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
