// Package coreerr defines the error kinds shared across Arena, Pager, and
// Scheduler. These are sentinel errors
// compared with errors.Is, not opaque strings, so callers can branch on kind
// without parsing messages.
package coreerr

import "errors"

var (
	// ErrNoCapacity is returned when the Arena cannot satisfy an allocation.
	// Never surfaced to a caller as a request failure: the Scheduler leaves
	// the request in "waiting" and retries on a later step.
	ErrNoCapacity = errors.New("no capacity")

	// ErrDuplicateID is returned when submit or create_sequence is called
	// with an identifier that is already live.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrNotFound is returned when cancel or stats references an unknown
	// request or sequence.
	ErrNotFound = errors.New("not found")

	// ErrShutdown is returned when submission is attempted after the
	// Scheduler has stopped accepting new work.
	ErrShutdown = errors.New("scheduler shut down")

	// ErrAlreadyFinished is returned when cancel targets a request already
	// in a terminal state.
	ErrAlreadyFinished = errors.New("already finished")

	// ErrMigrationFailed is returned by Arena migration when the transfer
	// could not complete; the block is left at its original location with
	// its original content intact.
	ErrMigrationFailed = errors.New("migration failed")

	// ErrPersistenceFailed marks a soft failure writing an evicted block to
	// disk. Eviction aborts for that victim and the Scheduler's Eviction
	// Manager falls back to a different candidate.
	ErrPersistenceFailed = errors.New("persistence failed")
)

// ModelFailure wraps the error raised by a Model forward call. Every request
// in the offending batch transitions to Failed with FinishReason Error; the
// message is logged by the Worker, not stored on the Request.
type ModelFailure struct {
	Err error
}

func (e *ModelFailure) Error() string { return "model failure: " + e.Err.Error() }
func (e *ModelFailure) Unwrap() error { return e.Err }
