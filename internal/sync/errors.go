package sync

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies why a sync failed.
type Kind int

const (
	// KindPrecondition means required settings were missing.
	KindPrecondition Kind = iota + 1
	// KindIdentity means the global git identity could not be configured.
	KindIdentity
	// KindCredential means the SSH key could not be written.
	KindCredential
	// KindRepository means a git operation failed.
	KindRepository
	// KindConflict means local changes could not be merged with the remote.
	KindConflict
)

var (
	ErrPrecondition = errors.New("precondition failed")
	ErrIdentity     = errors.New("identity setup failed")
	ErrCredential   = errors.New("credential provisioning failed")
	ErrRepository   = errors.New("repository operation failed")
	ErrConflict     = errors.New("merge conflict")
)

func (k Kind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindIdentity:
		return "identity"
	case KindCredential:
		return "credential"
	case KindRepository:
		return "repository"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindPrecondition:
		return ErrPrecondition
	case KindIdentity:
		return ErrIdentity
	case KindCredential:
		return ErrCredential
	case KindRepository:
		return ErrRepository
	case KindConflict:
		return ErrConflict
	default:
		return nil
	}
}

// Error is returned by every failing sync. It matches the sentinel of its
// Kind with errors.Is and unwraps to the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind.sentinel())
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// MissingSettingsError lists the store keys that must be set before syncing.
type MissingSettingsError struct {
	Keys []string
}

func (e *MissingSettingsError) Error() string {
	return "missing required settings: " + strings.Join(e.Keys, ", ")
}

// ConflictError reports a pull whose changes collided with local edits even
// after stashing. The merge has been aborted unless AbortErr is set.
type ConflictError struct {
	Paths    []string
	PullErr  error
	AbortErr error
}

func (e *ConflictError) Error() string {
	msg := "Merge conflict detected. Please resolve conflicts manually. \n" + e.PullErr.Error()
	if e.AbortErr != nil {
		msg += "\nmerge abort failed: " + e.AbortErr.Error()
	}
	return msg
}

func (e *ConflictError) Unwrap() []error {
	if e.AbortErr != nil {
		return []error{e.PullErr, e.AbortErr}
	}
	return []error{e.PullErr}
}
