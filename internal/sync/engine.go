// Package sync keeps a working directory of configuration artifacts in sync
// with a remote git repository over SSH.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/cfgsyncd/internal/config"
	"github.com/schaermu/cfgsyncd/internal/configtree"
	"github.com/schaermu/cfgsyncd/internal/git"
	"github.com/schaermu/cfgsyncd/internal/settings"
)

// Result describes a completed sync.
type Result struct {
	ID        string             `json:"id"`
	State     git.RepoState      `json:"-"`
	Path      string             `json:"path"`
	Committed bool               `json:"committed"`
	Tree      configtree.Summary `json:"tree"`
	StartedAt time.Time          `json:"started_at"`
	Duration  time.Duration      `json:"duration"`
}

// Engine orchestrates the sync process
type Engine struct {
	workDir  string
	cleanup  config.CleanupPolicy
	store    settings.Store
	git      git.Client
	identity IdentityStore
	logger   *slog.Logger
	guard    *guard
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, store settings.Store, gitClient git.Client, identity IdentityStore, logger *slog.Logger) *Engine {
	return &Engine{
		workDir:  cfg.Paths.WorkDir,
		cleanup:  cfg.Sync.CleanupCredentials,
		store:    store,
		git:      gitClient,
		identity: identity,
		logger:   logger,
		guard:    processGuard,
	}
}

// WorkDir returns the directory the engine keeps in sync.
func (e *Engine) WorkDir() string {
	return e.workDir
}

// run carries the inputs of a single sync through its steps.
type run struct {
	workDir  string
	settings settings.SyncSettings
	cred     *credential
	git      git.Client
	logger   *slog.Logger
}

// Sync executes one complete sync cycle. Only one cycle per working directory
// runs at a time; callers block until the previous one finished.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	res := &Result{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
	}
	logger := e.logger.With("sync_id", res.ID)

	release, err := e.guard.acquire(ctx, e.workDir)
	if err != nil {
		return res, err
	}
	defer release()

	logger.Info("starting sync", "work_dir", e.workDir)
	err = e.sync(ctx, res, logger)
	res.Duration = time.Since(res.StartedAt)
	recordSync(res, err)

	if err != nil {
		logger.Error("sync failed", "error", err, "kind", KindOf(err).String(), "duration", res.Duration)
		return res, err
	}
	logger.Info("sync completed successfully",
		"path", res.Path,
		"committed", res.Committed,
		"files", res.Tree.Files,
		"duration", res.Duration)
	return res, nil
}

func (e *Engine) sync(ctx context.Context, res *Result, logger *slog.Logger) error {
	s, err := settings.Load(e.store)
	if err != nil {
		return newError(KindPrecondition, "load settings", err)
	}

	if err := ensureIdentity(ctx, e.identity, s.Name, s.Email, logger); err != nil {
		return err
	}

	if err := requireSettings(s); err != nil {
		return err
	}

	if err := configtree.Ensure(e.workDir); err != nil {
		return newError(KindRepository, "create working directory", err)
	}

	cred, err := provisionCredential(e.workDir, s.PrivateKey)
	if err != nil {
		return err
	}

	state, err := e.git.State()
	if err != nil {
		return newError(KindRepository, "detect repository state", err)
	}
	res.State = state
	logger.Info("repository state detected", "state", state.String(), "remote", s.RemoteURL, "branch", s.Branch)

	r := &run{
		workDir:  e.workDir,
		settings: s,
		cred:     cred,
		git:      e.git,
		logger:   logger,
	}

	switch state {
	case git.Uninitialized:
		res.Path = "initialize"
		res.Committed, err = r.initialize(ctx)
		if err == nil && e.cleanup == config.CleanupAlways {
			cred.cleanup(logger)
		}
	default:
		res.Path = "reconcile"
		res.Committed, err = r.reconcile(ctx)
		if err == nil {
			cred.cleanup(logger)
		}
	}
	if err != nil {
		return err
	}

	tree, err := configtree.Summarize(e.workDir)
	if err != nil {
		logger.Warn("failed to summarize configuration tree", "error", err)
	}
	res.Tree = tree
	return nil
}

// requireSettings fails before anything is written to the working directory
// when the remote or the key is missing.
func requireSettings(s settings.SyncSettings) error {
	var missing []string
	if s.RemoteURL == "" {
		missing = append(missing, string(settings.KeyRemoteURL))
	}
	if s.PrivateKey == "" {
		missing = append(missing, string(settings.KeyPrivateKey))
	}
	if len(missing) > 0 {
		return newError(KindPrecondition, "validate settings", &MissingSettingsError{Keys: missing})
	}
	return nil
}

// String renders a short human readable summary.
func (r *Result) String() string {
	return fmt.Sprintf("%s (committed=%t, files=%d, took %s)", r.Path, r.Committed, r.Tree.Files, r.Duration.Round(time.Millisecond))
}
