package sync

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/cfgsyncd/internal/git"
)

const (
	remoteName           = "origin"
	initialCommitMessage = "Initial commit: Add mock configurations"
)

// ignoredPatterns must always be present in .gitignore so neither git
// metadata nor the provisioned key is ever staged.
var ignoredPatterns = []string{".git/*", ".ssh/*"}

// initialize turns an empty working directory into a clone of the remote
// branch and publishes whatever configuration is already on disk.
func (r *run) initialize(ctx context.Context) (bool, error) {
	branch := r.settings.Branch

	r.logger.Info("initializing repository", "branch", branch)
	if err := r.git.Init(ctx, branch); err != nil {
		return false, newError(KindRepository, "init", err)
	}

	if err := r.git.SetLocalConfig(ctx, "core.sshCommand", r.cred.sshCommand); err != nil {
		return false, newError(KindRepository, "configure ssh command", err)
	}

	r.logger.Info("adding remote", "remote", remoteName)
	if err := r.git.AddRemote(ctx, remoteName, r.settings.RemoteURL); err != nil {
		return false, newError(KindRepository, "add remote", err)
	}

	if err := r.fetchExisting(ctx); err != nil {
		return false, err
	}

	if err := ensureGitignore(r.workDir); err != nil {
		return false, newError(KindRepository, "update .gitignore", err)
	}

	return r.commitAndPush(ctx, initialCommitMessage)
}

// fetchExisting resets the new repository onto the remote branch. A remote
// without that branch yet is fine: the first push creates it.
func (r *run) fetchExisting(ctx context.Context) error {
	branch := r.settings.Branch

	r.logger.Info("fetching remote branch", "remote", remoteName, "branch", branch)
	if err := r.git.Fetch(ctx, remoteName, branch); err != nil {
		if git.IsNoUpstream(err) {
			r.logger.Info("remote branch does not exist yet", "branch", branch)
			return nil
		}
		return newError(KindRepository, "fetch", err)
	}

	if err := r.git.ResetHard(ctx, remoteName+"/"+branch); err != nil {
		if git.IsNoUpstream(err) {
			r.logger.Info("remote branch does not exist yet", "branch", branch)
			return nil
		}
		return newError(KindRepository, "reset", err)
	}
	return nil
}

// ensureGitignore appends the missing ignore patterns to dir/.gitignore,
// creating it when absent. Existing content is preserved.
func ensureGitignore(dir string) error {
	path := filepath.Join(dir, ".gitignore")

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	content := string(data)

	present := make(map[string]bool)
	for _, line := range strings.Split(content, "\n") {
		present[strings.TrimSpace(line)] = true
	}

	var missing []string
	for _, p := range ignoredPatterns {
		if !present[p] {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += strings.Join(missing, "\n") + "\n"

	return writeFileAtomic(path, []byte(content), 0644)
}

// writeFileAtomic replaces path via a temp file in the same directory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".cfgsyncd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
