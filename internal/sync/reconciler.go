package sync

import (
	"context"
	"errors"

	"github.com/schaermu/cfgsyncd/internal/git"
)

const syncCommitMessage = "Sync mock configs"

// reconcile brings an existing repository in line with the settings, pulls
// remote changes and publishes local ones.
func (r *run) reconcile(ctx context.Context) (bool, error) {
	if err := r.ensureOrigin(ctx); err != nil {
		return false, err
	}

	current, err := r.git.LocalConfig(ctx, "core.sshCommand")
	if err != nil || current != r.cred.sshCommand {
		r.logger.Debug("updating ssh command")
		if err := r.git.SetLocalConfig(ctx, "core.sshCommand", r.cred.sshCommand); err != nil {
			return false, newError(KindRepository, "configure ssh command", err)
		}
	}

	branch, err := r.git.CurrentBranch()
	if err != nil {
		return false, newError(KindRepository, "read current branch", err)
	}
	if branch != r.settings.Branch {
		r.logger.Info("switching branch", "from", branch, "to", r.settings.Branch)
		if err := r.git.Checkout(ctx, r.settings.Branch); err != nil {
			return false, newError(KindRepository, "checkout", err)
		}
	}

	if err := r.pull(ctx); err != nil {
		return false, err
	}

	// Older trees may predate the ignore rules; the key must never be staged.
	if err := ensureGitignore(r.workDir); err != nil {
		return false, newError(KindRepository, "update .gitignore", err)
	}

	return r.commitAndPush(ctx, syncCommitMessage)
}

// ensureOrigin points origin at the configured URL, adding it if missing.
func (r *run) ensureOrigin(ctx context.Context) error {
	url, err := r.git.RemoteURL(remoteName)
	switch {
	case errors.Is(err, git.ErrRemoteNotFound):
		r.logger.Info("adding remote", "remote", remoteName)
		if err := r.git.AddRemote(ctx, remoteName, r.settings.RemoteURL); err != nil {
			return newError(KindRepository, "add remote", err)
		}
	case err != nil:
		return newError(KindRepository, "read remote", err)
	case url != r.settings.RemoteURL:
		r.logger.Info("changing remote URL", "remote", remoteName)
		if err := r.git.SetRemoteURL(ctx, remoteName, r.settings.RemoteURL); err != nil {
			return newError(KindRepository, "set remote URL", err)
		}
	}
	return nil
}

// pull drives the recovery state machine until it reaches a terminal state.
func (r *run) pull(ctx context.Context) error {
	branch := r.settings.Branch
	rec := recovery{state: statePulling}

	for !rec.state.terminal() {
		var o outcome
		switch rec.state {
		case statePulling, stateRetrying:
			r.logger.Info("pulling latest changes", "branch", branch, "step", rec.state.String())
			o.Err = r.git.Pull(ctx, remoteName, branch)
		case stateStashed:
			r.logger.Warn("pull reported a conflict, stashing local changes")
			o.Err = r.git.StashPush(ctx)
		case statePopped:
			o = r.popStash(ctx)
		}

		next, err := rec.next(o)
		if err != nil {
			return newError(KindRepository, rec.state.op(), err)
		}
		rec = next
	}

	if rec.state == stateConflicted {
		r.logger.Warn("unresolved conflicts, aborting merge", "paths", rec.paths)
		return newError(KindConflict, "pull", &ConflictError{
			Paths:    rec.paths,
			PullErr:  rec.pullErr,
			AbortErr: r.git.MergeAbort(ctx),
		})
	}
	return nil
}

// popStash reapplies stashed changes. A pop that stops on conflicts still
// leaves the unmerged paths to be listed.
func (r *run) popStash(ctx context.Context) outcome {
	if err := r.git.StashPop(ctx); err != nil && !git.IsConflict(err) {
		return outcome{Err: err}
	}
	paths, err := r.git.ConflictedPaths(ctx)
	return outcome{Err: err, Paths: paths}
}
