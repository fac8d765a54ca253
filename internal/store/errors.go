package store

import "errors"

// Error kinds surfaced to callers, per the §7 error taxonomy. Use errors.Is
// against these sentinels; wrapped errors carry operation-specific context.
var (
	// ErrInvalidArgument marks a validation failure (empty user/session, bad
	// importance, malformed filter).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound marks a lookup that found nothing.
	ErrNotFound = errors.New("not found")

	// ErrForbidden marks a cross-user access attempt.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict marks a duplicate request id within the idempotency window.
	// Store.Put does not return it: a repeated (user_id, request_id) within
	// the window returns the originally stored record instead.
	ErrConflict = errors.New("conflict")

	// ErrTooLarge marks content or metadata exceeding the configured bounds.
	ErrTooLarge = errors.New("too large")

	// ErrCorruptRecord marks a codec/CRC failure isolated to one record.
	// Get returns it; Recall, ExportUser, Summarize and index recovery skip
	// the record and continue. It is not logged, and the offending id is not
	// scheduled for deletion.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrIO marks a persistence failure. Fatal for the call, recoverable for
	// the process; the facade retries the failing call with backoff (50 ms,
	// then 200 ms) before surfacing it.
	ErrIO = errors.New("io error")

	// ErrTimeout marks a deadline exceeded before the operation completed.
	ErrTimeout = errors.New("timeout")

	// ErrSessionEmpty marks summarize() called on a session with no memories.
	ErrSessionEmpty = errors.New("session empty")

	// ErrInternal marks a bug. The process must remain resumable from disk
	// without manual intervention after one of these.
	ErrInternal = errors.New("internal error")
)
