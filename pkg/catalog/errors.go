package catalog

import "errors"

// Error kinds surfaced by the storage core. Callers match with
// errors.Is; batch operations accumulate per-item errors instead of
// failing on the first one.
var (
	// ErrNotFound indicates a missing catalog entry or blob.
	ErrNotFound = errors.New("entry not found")

	// ErrAlreadyExists indicates a unique constraint violation,
	// e.g. a stable ID collision after retries.
	ErrAlreadyExists = errors.New("entry already exists")

	// ErrInvalidArgument indicates malformed input, an unknown file
	// type, or a bad regular expression.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict indicates an edit attempted against a lock held by
	// another session.
	ErrConflict = errors.New("file is locked by another session")

	// ErrLockFailed indicates a lock could not be acquired within the
	// timeout.
	ErrLockFailed = errors.New("lock acquisition failed")

	// ErrIntegrity indicates a violated invariant (ref count
	// underflow, blob missing while refs > 0). It is logged and
	// counted; garbage collection is the recovery path.
	ErrIntegrity = errors.New("integrity violation")

	// ErrRemoteUnavailable indicates the remote replica is offline.
	// Sync aborts with this class; it is a sync error, not a local
	// failure.
	ErrRemoteUnavailable = errors.New("remote replica unavailable")
)
