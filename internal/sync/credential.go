package sync

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/cfgsyncd/internal/git"
)

const (
	sshDirName  = ".ssh"
	keyFileName = "id_rsa"
)

// credential is a private key written into the working directory for the
// duration of a sync.
type credential struct {
	path       string
	sshCommand string
}

// keyPath returns where the private key lives for workDir.
func keyPath(workDir string) string {
	return filepath.Join(workDir, sshDirName, keyFileName)
}

// normalizeKey makes sure the key ends with exactly one newline. OpenSSH
// refuses keys without a trailing newline.
func normalizeKey(key string) string {
	return strings.TrimRight(key, "\r\n") + "\n"
}

// provisionCredential writes the private key with owner-only permissions and
// returns the ssh command git should use with it.
func provisionCredential(workDir, privateKey string) (*credential, error) {
	dir := filepath.Join(workDir, sshDirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, newError(KindCredential, "create ssh directory", err)
	}
	// MkdirAll leaves an existing directory alone.
	if err := os.Chmod(dir, 0700); err != nil {
		return nil, newError(KindCredential, "chmod ssh directory", err)
	}

	path := keyPath(workDir)
	if err := os.WriteFile(path, []byte(normalizeKey(privateKey)), 0600); err != nil {
		return nil, newError(KindCredential, "write private key", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		return nil, newError(KindCredential, "chmod private key", err)
	}

	return &credential{
		path:       path,
		sshCommand: git.SSHCommand(path),
	}, nil
}

// cleanup removes the key file. Failures are logged and never fail a sync.
func (c *credential) cleanup(logger *slog.Logger) {
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to clean up ssh key", "path", c.path, "error", err)
		return
	}
	logger.Debug("ssh key cleaned up", "path", c.path)
}
