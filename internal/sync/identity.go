package sync

import (
	"context"
	"log/slog"
	"strings"

	"github.com/schaermu/cfgsyncd/internal/git"
)

// IdentityStore reads and writes the global git identity.
type IdentityStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// GitIdentity stores the identity in the user's global git configuration.
type GitIdentity struct {
	Git git.Client
}

func (g GitIdentity) Get(ctx context.Context, key string) (string, error) {
	return g.Git.GlobalConfig(ctx, key)
}

func (g GitIdentity) Set(ctx context.Context, key, value string) error {
	return g.Git.SetGlobalConfig(ctx, key, value)
}

// ensureIdentity sets user.name and user.email from the settings, but only
// where no value exists yet. Existing identities are never overwritten.
func ensureIdentity(ctx context.Context, store IdentityStore, name, email string, logger *slog.Logger) error {
	entries := []struct {
		key   string
		value string
	}{
		{"user.name", name},
		{"user.email", email},
	}

	for _, e := range entries {
		// A failed read is treated as unset; git exits non-zero for missing keys.
		current, err := store.Get(ctx, e.key)
		if err == nil && strings.TrimSpace(current) != "" {
			continue
		}

		logger.Info("setting global git identity", "key", e.key)
		if err := store.Set(ctx, e.key, e.value); err != nil {
			return newError(KindIdentity, "set "+e.key, err)
		}
	}
	return nil
}
