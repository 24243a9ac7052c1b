package sync

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 200 * time.Millisecond

// guard serializes syncs of the same working directory, both inside this
// process and across processes sharing the machine.
type guard struct {
	mu    stdsync.Mutex
	slots map[string]chan struct{}
}

var processGuard = &guard{slots: make(map[string]chan struct{})}

// lockPath names the lock file after a hash of the working directory.
func lockPath(workDir string) string {
	hash := fmt.Sprintf("%x", sha256.Sum256([]byte(workDir)))[:16]
	return filepath.Join(os.TempDir(), fmt.Sprintf("cfgsyncd-%s.lock", hash))
}

func (g *guard) slot(workDir string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.slots[workDir]
	if !ok {
		s = make(chan struct{}, 1)
		g.slots[workDir] = s
	}
	return s
}

// acquire blocks until workDir is free or ctx is done. The returned func
// releases both locks.
func (g *guard) acquire(ctx context.Context, workDir string) (func(), error) {
	s := g.slot(workDir)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for running sync: %w", ctx.Err())
	}

	fl := flock.New(lockPath(workDir))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		<-s
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("failed to acquire sync lock %s: %w", fl.Path(), err)
	}

	return func() {
		_ = fl.Unlock()
		<-s
	}, nil
}
