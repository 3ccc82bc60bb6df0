package checkpoint

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable reports that the checkpoint store could not be reached
// or queried. Callers match it with errors.Is to tell infrastructure
// failures apart from malformed data, and may degrade to an empty
// transcript rather than failing the request.
var ErrUnavailable = errors.New("checkpoint store unavailable")

// unavailable wraps a backend failure so both the operation context and
// the ErrUnavailable sentinel survive errors.Is checks.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, err))
}

// Store is the persistence interface for checkpoints. Reads dominate:
// the transcript engine only ever appends at ingest and queries by
// thread afterwards. Implementations must be safe for concurrent use.
type Store interface {
	// Append persists a new checkpoint record.
	Append(ctx context.Context, rec *Record) error

	// Latest returns the newest checkpoint for a thread, or nil with
	// no error when the thread has none.
	Latest(ctx context.Context, threadID string) (*Record, error)

	// All returns every checkpoint for a thread, oldest first.
	// Unknown threads yield an empty sequence, not an error.
	All(ctx context.Context, threadID string) ([]*Record, error)

	// Threads returns the distinct thread ids recorded for a user.
	Threads(ctx context.Context, userID string) ([]string, error)
}
