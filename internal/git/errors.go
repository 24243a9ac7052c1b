package git

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRemoteNotFound is returned by RemoteURL when the remote is not configured.
var ErrRemoteNotFound = errors.New("remote not found")

// CommandError describes a failed git invocation together with everything
// git printed, so callers can surface the text to users verbatim.
type CommandError struct {
	Args   []string
	Err    error
	Output string
}

func (e *CommandError) Error() string {
	op := "git"
	if len(e.Args) > 0 {
		op = "git " + e.Args[0]
	}
	if e.Output == "" {
		return fmt.Sprintf("%s failed: %v", op, e.Err)
	}
	return fmt.Sprintf("%s failed: %v: %s", op, e.Err, e.Output)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsConflict reports whether err mentions a merge conflict.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "conflict")
}

// noUpstreamMarkers are the messages git prints when the remote branch does
// not exist yet, which is expected for a brand-new remote.
var noUpstreamMarkers = []string{
	"couldn't find remote ref",
	"no tracking information",
	"unknown revision or path not in the working tree",
	"ambiguous argument",
}

// IsNoUpstream reports whether err was caused by a missing remote branch.
func IsNoUpstream(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range noUpstreamMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isNothingToCommit(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "nothing to commit") || strings.Contains(msg, "nothing added to commit")
}
