package sync

import "context"

// commitAndPush stages the whole tree, commits and pushes the branch. An
// empty commit is skipped; the push still runs so a local branch that is
// ahead of the remote gets published.
func (r *run) commitAndPush(ctx context.Context, message string) (bool, error) {
	if err := r.git.AddAll(ctx); err != nil {
		return false, newError(KindRepository, "add", err)
	}

	committed, err := r.git.Commit(ctx, message)
	if err != nil {
		return false, newError(KindRepository, "commit", err)
	}
	if committed {
		r.logger.Info("committed changes", "message", message)
	} else {
		r.logger.Info("nothing to commit")
	}

	r.logger.Info("pushing to remote", "remote", remoteName, "branch", r.settings.Branch)
	if err := r.git.Push(ctx, remoteName, r.settings.Branch); err != nil {
		return committed, newError(KindRepository, "push", err)
	}
	return committed, nil
}
