package git

import (
	"errors"
	"fmt"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// RepoState is the sync-relevant state of a working directory.
type RepoState int

const (
	// Uninitialized means no repository exists at the working directory yet.
	Uninitialized RepoState = iota
	// Initialized means a repository exists and only needs reconciling.
	Initialized
)

func (s RepoState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	default:
		return "unknown"
	}
}

// State opens the working directory with go-git. Only a repository rooted at
// the directory itself counts; parent directories are not searched.
func (c *ShellClient) State() (RepoState, error) {
	_, err := gogit.PlainOpen(c.dir)
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return Uninitialized, nil
		}
		return Uninitialized, fmt.Errorf("cannot open git repository: %w", err)
	}
	return Initialized, nil
}

// RemoteURL returns the first URL configured for the named remote.
func (c *ShellClient) RemoteURL(name string) (string, error) {
	repo, err := gogit.PlainOpen(c.dir)
	if err != nil {
		return "", fmt.Errorf("cannot open git repository: %w", err)
	}

	remote, err := repo.Remote(name)
	if err != nil {
		if errors.Is(err, gogit.ErrRemoteNotFound) {
			return "", ErrRemoteNotFound
		}
		return "", fmt.Errorf("cannot get %s remote: %w", name, err)
	}

	cfg := remote.Config()
	if cfg == nil || len(cfg.URLs) == 0 {
		return "", fmt.Errorf("no URLs configured for %s remote", name)
	}
	return cfg.URLs[0], nil
}

// CurrentBranch reads HEAD without resolving it, so an unborn branch right
// after init is still reported by name.
func (c *ShellClient) CurrentBranch() (string, error) {
	repo, err := gogit.PlainOpen(c.dir)
	if err != nil {
		return "", fmt.Errorf("cannot open git repository: %w", err)
	}

	head, err := repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}

	if head.Type() != plumbing.SymbolicReference {
		return "", nil
	}
	return head.Target().Short(), nil
}
