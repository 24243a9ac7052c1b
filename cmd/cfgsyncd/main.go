package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/adrg/xdg"
	charmlog "github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/cfgsyncd/internal/config"
	"github.com/schaermu/cfgsyncd/internal/git"
	"github.com/schaermu/cfgsyncd/internal/server"
	"github.com/schaermu/cfgsyncd/internal/settings"
	"github.com/schaermu/cfgsyncd/internal/sync"
)

const defaultConfigName = "cfgsyncd/config.yaml"

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	envFile   string
	logLevel  string
	logFormat string

	// settings flags
	outputFormat string
	setFlags     settingsFlags
)

type settingsFlags struct {
	url     string
	branch  string
	name    string
	email   string
	keyFile string
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cfgsyncd",
	Short: "Keep a directory of configuration files in sync with a Git repository",
	Long: `cfgsyncd keeps a local directory of JSON/YAML configuration files in sync
with a remote Git repository over SSH.

It can run as a oneshot sync (via systemd timer) or as a long-running HTTP
server that exposes a settings API and responds to GitHub push events.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadEnvFile,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync between the working directory and the remote",
	Long: `Sync initializes the working directory as a Git repository on first use,
or pulls remote changes into it, then commits and pushes local edits.

Conflicting edits are never merged automatically: the merge is aborted and
the conflicting files are reported.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Serve starts a long-running HTTP server with a JSON API for triggering syncs
and editing settings. When a webhook secret is configured, GitHub push events
trigger a debounced sync.`,
	RunE: runServe,
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect or change the sync settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current settings with the private key masked",
	RunE:  runSettingsShow,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update one or more settings",
	Long: `Set validates and stores the given settings. Flags that are not passed are
left unchanged.`,
	RunE: runSettingsSet,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cfgsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/"+defaultConfigName+")")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config is read, if present")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json, pretty)")

	settingsShowCmd.Flags().StringVarP(&outputFormat, "output", "o", "yaml", "output format (yaml, json)")

	settingsSetCmd.Flags().StringVar(&setFlags.url, "url", "", "SSH remote URL")
	settingsSetCmd.Flags().StringVar(&setFlags.branch, "branch", "", "branch to sync")
	settingsSetCmd.Flags().StringVar(&setFlags.name, "name", "", "commit author name")
	settingsSetCmd.Flags().StringVar(&setFlags.email, "email", "", "commit author email")
	settingsSetCmd.Flags().StringVar(&setFlags.keyFile, "key-file", "", "path to an unencrypted OpenSSH private key")

	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadEnvFile populates the environment from envFile so that ${VAR}
// references in the config resolve. A missing file is not an error.
func loadEnvFile(cmd *cobra.Command, args []string) error {
	if envFile == "" {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := newEngine(cfg, newStore(cfg), logger)

	logger.Info("starting sync operation")
	res, err := engine.Sync(ctx)
	if err != nil {
		var conflict *sync.ConflictError
		if errors.As(err, &conflict) && len(conflict.Paths) > 0 {
			logger.Error("sync stopped on merge conflict", "paths", conflict.Paths)
		}
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), res.String())
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)

	store := newStore(cfg)
	srv, err := server.NewServer(cfg, newEngine(cfg, store, logger), store, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start(ctx)
}

func runSettingsShow(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	current, err := settings.Load(newStore(cfg))
	if err != nil {
		return err
	}

	return printSettings(cmd.OutOrStdout(), current.Masked(), outputFormat)
}

func printSettings(w io.Writer, s settings.SyncSettings, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(s)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	update, err := setFlags.update()
	if err != nil {
		return err
	}
	if update == (settings.Update{}) {
		return errors.New("no settings given; pass at least one of --url, --branch, --name, --email, --key-file")
	}

	if err := settings.Apply(newStore(cfg), update); err != nil {
		return err
	}

	logger.Info("settings saved", "settings_file", cfg.Paths.SettingsFile)
	return nil
}

func (f settingsFlags) update() (settings.Update, error) {
	u := settings.Update{
		RemoteURL: f.url,
		Branch:    f.branch,
		Name:      f.name,
		Email:     f.email,
	}
	if f.keyFile != "" {
		key, err := os.ReadFile(f.keyFile)
		if err != nil {
			return settings.Update{}, fmt.Errorf("failed to read key file: %w", err)
		}
		u.PrivateKey = string(key)
	}
	return u, nil
}

func newStore(cfg *config.Config) settings.Store {
	var store settings.Store = settings.NewFileStore(cfg.Paths.SettingsFile)
	if cfg.Auth.Keyring {
		store = settings.NewKeyringStore(store, cfg.Auth.KeyringService)
	}
	return store
}

func newEngine(cfg *config.Config, store settings.Store, logger *slog.Logger) *sync.Engine {
	gitClient := git.NewShellClient(cfg.Paths.WorkDir, cfg.Sync.CommandTimeout)
	return sync.NewEngine(cfg, store, gitClient, sync.GitIdentity{Git: gitClient}, logger)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch logFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "pretty":
		handler = charmlog.NewWithOptions(os.Stderr, charmlog.Options{
			Level:           charmlog.Level(level),
			ReportTimestamp: true,
		})
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// defaultConfigPath returns the first existing config in the XDG config
// search path, or the user-level location when none exists yet.
func defaultConfigPath() string {
	if path, err := xdg.SearchConfigFile(defaultConfigName); err == nil {
		return path
	}
	return filepath.Join(xdg.ConfigHome, defaultConfigName)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = defaultConfigPath()
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"work_dir", cfg.Paths.WorkDir,
		"settings_file", cfg.Paths.SettingsFile,
		"cleanup_credentials", cfg.Sync.CleanupCredentials,
		"keyring", cfg.Auth.Keyring,
		"webhook", cfg.WebhookEnabled())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
