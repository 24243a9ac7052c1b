package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Client provides the git operations needed to keep one working directory
// in sync with its remote.
type Client interface {
	// State reports whether the working directory already holds a repository.
	State() (RepoState, error)

	// GlobalConfig reads a value from the user's global git configuration.
	GlobalConfig(ctx context.Context, key string) (string, error)
	// SetGlobalConfig writes a value to the user's global git configuration.
	SetGlobalConfig(ctx context.Context, key, value string) error
	// LocalConfig reads a value from the repository configuration.
	LocalConfig(ctx context.Context, key string) (string, error)
	// SetLocalConfig writes a value to the repository configuration.
	SetLocalConfig(ctx context.Context, key, value string) error

	// Init creates a repository whose unborn HEAD points at branch.
	Init(ctx context.Context, branch string) error
	AddRemote(ctx context.Context, name, url string) error
	SetRemoteURL(ctx context.Context, name, url string) error
	// RemoteURL returns the fetch URL of the named remote, or ErrRemoteNotFound.
	RemoteURL(name string) (string, error)
	// CurrentBranch returns the branch HEAD points at, or "" when detached.
	CurrentBranch() (string, error)

	Fetch(ctx context.Context, remote, branch string) error
	ResetHard(ctx context.Context, ref string) error
	Checkout(ctx context.Context, branch string) error
	Pull(ctx context.Context, remote, branch string) error
	StashPush(ctx context.Context) error
	StashPop(ctx context.Context) error
	// ConflictedPaths lists paths left unmerged in the working tree.
	ConflictedPaths(ctx context.Context) ([]string, error)
	MergeAbort(ctx context.Context) error

	// AddAll stages every change in the working directory, deletions included.
	AddAll(ctx context.Context) error
	// Commit records staged changes. It returns false without error when
	// there was nothing to commit.
	Commit(ctx context.Context, message string) (bool, error)
	Push(ctx context.Context, remote, branch string) error
}

// ShellClient implements Client by shelling out to the git command for every
// mutation and reading repository metadata with go-git.
type ShellClient struct {
	dir     string
	timeout time.Duration
}

// NewShellClient creates a git client bound to dir. A positive timeout bounds
// every single git invocation.
func NewShellClient(dir string, timeout time.Duration) *ShellClient {
	return &ShellClient{
		dir:     dir,
		timeout: timeout,
	}
}

// Dir returns the working directory the client operates on.
func (c *ShellClient) Dir() string {
	return c.dir
}

func (c *ShellClient) GlobalConfig(ctx context.Context, key string) (string, error) {
	out, err := c.run(ctx, "", "config", "--global", "--get", key)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *ShellClient) SetGlobalConfig(ctx context.Context, key, value string) error {
	_, err := c.run(ctx, "", "config", "--global", key, value)
	return err
}

func (c *ShellClient) LocalConfig(ctx context.Context, key string) (string, error) {
	out, err := c.run(ctx, c.dir, "config", "--local", "--get", key)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *ShellClient) SetLocalConfig(ctx context.Context, key, value string) error {
	_, err := c.run(ctx, c.dir, "config", "--local", key, value)
	return err
}

func (c *ShellClient) Init(ctx context.Context, branch string) error {
	_, err := c.run(ctx, c.dir, "init", "-b", branch)
	return err
}

func (c *ShellClient) AddRemote(ctx context.Context, name, url string) error {
	_, err := c.run(ctx, c.dir, "remote", "add", name, url)
	return err
}

func (c *ShellClient) SetRemoteURL(ctx context.Context, name, url string) error {
	_, err := c.run(ctx, c.dir, "remote", "set-url", name, url)
	return err
}

func (c *ShellClient) Fetch(ctx context.Context, remote, branch string) error {
	_, err := c.run(ctx, c.dir, "fetch", remote, branch)
	return err
}

func (c *ShellClient) ResetHard(ctx context.Context, ref string) error {
	_, err := c.run(ctx, c.dir, "reset", "--hard", ref)
	return err
}

func (c *ShellClient) Checkout(ctx context.Context, branch string) error {
	_, err := c.run(ctx, c.dir, "checkout", branch)
	return err
}

func (c *ShellClient) Pull(ctx context.Context, remote, branch string) error {
	// --no-rebase keeps pull working on git versions that refuse to guess
	// how divergent branches should be reconciled.
	_, err := c.run(ctx, c.dir, "pull", "--no-rebase", remote, branch)
	return err
}

func (c *ShellClient) StashPush(ctx context.Context) error {
	_, err := c.run(ctx, c.dir, "stash", "push")
	return err
}

func (c *ShellClient) StashPop(ctx context.Context) error {
	_, err := c.run(ctx, c.dir, "stash", "pop")
	return err
}

func (c *ShellClient) ConflictedPaths(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, c.dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

func (c *ShellClient) MergeAbort(ctx context.Context) error {
	_, err := c.run(ctx, c.dir, "merge", "--abort")
	return err
}

func (c *ShellClient) AddAll(ctx context.Context) error {
	_, err := c.run(ctx, c.dir, "add", "--all", "--", ".")
	return err
}

func (c *ShellClient) Commit(ctx context.Context, message string) (bool, error) {
	_, err := c.run(ctx, c.dir, "commit", "-m", message)
	if err != nil {
		if isNothingToCommit(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *ShellClient) Push(ctx context.Context, remote, branch string) error {
	_, err := c.run(ctx, c.dir, "push", "--set-upstream", remote, branch)
	return err
}

// SSHCommand builds the core.sshCommand value that makes git authenticate
// with keyFile and skip host key verification.
// The path is shell-quoted to prevent injection via crafted filenames.
func SSHCommand(keyFile string) string {
	return fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=no -o IdentitiesOnly=yes", shellQuote(keyFile))
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// run executes git with args in dir and returns its combined output. An empty
// dir runs the command in the process working directory.
func (c *ShellClient) run(ctx context.Context, dir string, args ...string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Never block on a credential prompt and keep messages in a stable
	// locale so failures can be classified by their text.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return string(output), &CommandError{
			Args:   args,
			Err:    err,
			Output: strings.TrimSpace(string(output)),
		}
	}
	return string(output), nil
}
