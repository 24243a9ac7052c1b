package sync

import (
	"github.com/schaermu/cfgsyncd/internal/git"
)

// recoveryState is a step of the pull and conflict recovery sequence. Each
// state names the action performed on entering it.
type recoveryState int

const (
	// statePulling runs the first pull.
	statePulling recoveryState = iota
	// stateStashed stashes local changes after a conflicting pull.
	stateStashed
	// stateRetrying pulls again on a clean tree.
	stateRetrying
	// statePopped reapplies the stash and lists unmerged paths.
	statePopped
	// stateConflicted aborts the merge. Terminal.
	stateConflicted
	// stateResolved means the tree is up to date. Terminal.
	stateResolved
)

func (s recoveryState) String() string {
	switch s {
	case statePulling:
		return "pulling"
	case stateStashed:
		return "stashed"
	case stateRetrying:
		return "retrying"
	case statePopped:
		return "popped"
	case stateConflicted:
		return "conflicted"
	case stateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// op names the git step a state runs, for error reporting.
func (s recoveryState) op() string {
	switch s {
	case statePulling:
		return "pull"
	case stateStashed:
		return "stash"
	case stateRetrying:
		return "pull after stash"
	case statePopped:
		return "stash pop"
	case stateConflicted:
		return "merge abort"
	default:
		return s.String()
	}
}

func (s recoveryState) terminal() bool {
	return s == stateConflicted || s == stateResolved
}

// outcome is what the action of the current state produced.
type outcome struct {
	Err   error
	Paths []string
}

// recovery is the machine state. pullErr keeps the first pull failure so a
// final conflict can report what git originally said.
type recovery struct {
	state   recoveryState
	pullErr error
	paths   []string
}

// next is the pure transition function. It returns an error when the outcome
// is fatal for the sync.
func (r recovery) next(o outcome) (recovery, error) {
	switch r.state {
	case statePulling:
		switch {
		case o.Err == nil, git.IsNoUpstream(o.Err):
			r.state = stateResolved
		case git.IsConflict(o.Err):
			r.state = stateStashed
			r.pullErr = o.Err
		default:
			return r, o.Err
		}
	case stateStashed:
		if o.Err != nil {
			return r, o.Err
		}
		r.state = stateRetrying
	case stateRetrying:
		if o.Err != nil {
			return r, o.Err
		}
		r.state = statePopped
	case statePopped:
		if o.Err != nil {
			return r, o.Err
		}
		if len(o.Paths) > 0 {
			r.state = stateConflicted
			r.paths = o.Paths
		} else {
			r.state = stateResolved
		}
	}
	return r, nil
}
