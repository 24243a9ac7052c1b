package testutil

import (
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireGit skips the test when no git binary is available and points the
// global git configuration at a throwaway file, so tests never touch the
// user's identity.
func RequireGit(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Setenv("GIT_CONFIG_GLOBAL", filepath.Join(t.TempDir(), "gitconfig"))
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
}

// Git runs git in dir and returns its trimmed combined output. Any failure
// is fatal.
func Git(t testing.TB, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// InitBareRemote creates an empty bare repository whose HEAD points at
// branch, for use as origin.
func InitBareRemote(t testing.TB, branch string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "remote.git")
	Git(t, t.TempDir(), "init", "--bare", "-b", branch, dir)
	return dir
}

// CommitFile clones remote, writes content to name, commits it as a separate
// author and pushes to branch. It simulates an edit made on another machine.
// The remote's HEAD must point at branch.
func CommitFile(t testing.TB, remote, branch, name, content, message string) {
	t.Helper()
	clone := filepath.Join(t.TempDir(), "clone")
	Git(t, t.TempDir(), "clone", remote, clone)
	writeFile(t, filepath.Join(clone, name), content)
	Git(t, clone, "add", name)
	Git(t, clone, "-c", "user.name=Remote", "-c", "user.email=remote@example.com", "commit", "-m", message)
	Git(t, clone, "push", "origin", "HEAD:refs/heads/"+branch)
}
