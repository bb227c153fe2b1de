package collab

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidVersion is matched by a VersionError.
	ErrInvalidVersion = errors.New("invalid version")

	// ErrConflict means the batch was built against a stale version. The
	// client must fetch new events, rebase and resubmit.
	ErrConflict = errors.New("version conflict")

	// ErrHistoryUnavailable means the requested range has been trimmed from
	// the history log. The client must resync the full document.
	ErrHistoryUnavailable = errors.New("history no longer available")

	// ErrInstanceClosed is returned to waiters of an evicted instance.
	ErrInstanceClosed = errors.New("instance closed")
)

// VersionError reports a client version outside [0, Current].
type VersionError struct {
	Version int
	Current int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("invalid version %d (current %d)", e.Version, e.Current)
}

func (e *VersionError) Is(target error) bool { return target == ErrInvalidVersion }

// StepError reports a step that failed to apply. No step of the batch was
// committed.
type StepError struct {
	Index int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("apply step %d: %v", e.Index, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
