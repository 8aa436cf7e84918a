package core

import "errors"

// Sentinel errors shared by the executor, stores and gates.
var (
	// ErrNotFound is returned when a context state, fact or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a context state that is already persisted.
	ErrAlreadyExists = errors.New("already exists")

	// ErrVersionConflict is returned by a compare-and-swap update whose expected
	// version no longer matches the stored version. The stale write is rejected.
	ErrVersionConflict = errors.New("version conflict")

	// ErrStaleResumeToken is returned when a resume token does not match the
	// token issued for the latest persisted state.
	ErrStaleResumeToken = errors.New("stale resume token")

	// ErrDeadlineExceeded is the cooperative deadline signal. Implementations
	// return it (or wrap it) after polling ExecutionContext.CheckDeadline.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)
