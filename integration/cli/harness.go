//go:build integration

// Package cli drives the compiled cfgsyncd binary against local bare
// repositories.
package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/cfgsyncd/internal/settings"
	"github.com/schaermu/cfgsyncd/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the binary once and runs it inside an isolated home
// directory with its own global git configuration.
type Harness struct {
	t          *testing.T
	binary     string
	root       string
	Remote     string
	WorkDir    string
	ConfigPath string
}

// NewHarness builds cfgsyncd and prepares an empty bare remote.
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()
	testutil.RequireGit(t)

	root := t.TempDir()
	h := &Harness{
		t:          t,
		binary:     filepath.Join(root, "bin", "cfgsyncd"),
		root:       root,
		Remote:     testutil.InitBareRemote(t, "main"),
		WorkDir:    filepath.Join(root, "configs"),
		ConfigPath: filepath.Join(root, "config.yaml"),
	}

	// Build before HOME moves so the module and build caches are reused.
	if err := h.build(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}

	t.Setenv("HOME", root)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(root, ".config"))
	return h
}

func (h *Harness) build(ctx context.Context) error {
	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/cfgsyncd")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// SettingsPath is where the config written by WriteConfig stores settings.
func (h *Harness) SettingsPath() string {
	return filepath.Join(h.root, "settings.yaml")
}

// WriteConfig writes a cfgsyncd config with the given serve block appended.
func (h *Harness) WriteConfig(cleanup, serve string) {
	h.t.Helper()

	content := fmt.Sprintf(`paths:
  work_dir: %s
  settings_file: %s

sync:
  command_timeout: 1m
  cleanup_credentials: %s
%s`, h.WorkDir, h.SettingsPath(), cleanup, serve)

	if err := os.WriteFile(h.ConfigPath, []byte(content), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// WriteSettings stores settings directly in the settings file. Local bare
// repositories are not SSH URLs, so the validating settings command cannot
// be used for them.
func (h *Harness) WriteSettings(values map[settings.Key]string) {
	h.t.Helper()
	data, err := yaml.Marshal(values)
	if err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(h.SettingsPath(), data, 0o600); err != nil {
		h.t.Fatalf("write settings: %v", err)
	}
}

// Run executes the binary with --config and returns its output and exit code.
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	args = append(args, "--config", h.ConfigPath)
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = h.root

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes the binary and fails the test if it returns non-zero.
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// Start launches a long-running command. The process receives SIGTERM on
// test cleanup.
func (h *Harness) Start(ctx context.Context, args ...string) *exec.Cmd {
	h.t.Helper()

	args = append(args, "--config", h.ConfigPath)
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = h.root
	cmd.Stdout = &testWriter{t: h.t, prefix: "[serve] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[serve] "}

	if err := cmd.Start(); err != nil {
		h.t.Fatalf("start %v: %v", args, err)
	}

	h.t.Cleanup(func() {
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			_ = cmd.Process.Kill()
		}
	})
	return cmd
}

// RemoteLog returns the subject of the last commit on the remote branch.
func (h *Harness) RemoteLog(branch string) string {
	h.t.Helper()
	return testutil.Git(h.t, h.root, "--git-dir", h.Remote, "log", "-1", "--format=%s", branch)
}

// RemoteFiles lists the files tracked on the remote branch.
func (h *Harness) RemoteFiles(branch string) []string {
	h.t.Helper()
	out := testutil.Git(h.t, h.root, "--git-dir", h.Remote, "ls-tree", "-r", "--name-only", branch)
	return strings.Split(out, "\n")
}

// FileExists checks if a file exists below the work directory.
func (h *Harness) FileExists(name string) bool {
	_, err := os.Stat(filepath.Join(h.WorkDir, name))
	return err == nil
}

// freeAddr returns a loopback address that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
