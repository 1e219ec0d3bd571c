package coordination

import "errors"

// Outcome errors delivered to Claim and Collect handlers. Compare with errors.Is.
var (
	// ErrAlreadyClaimed means a competing announcement with a smaller priority was seen.
	ErrAlreadyClaimed = errors.New("already taken")

	// ErrNoResponder means no peer replied to a collect query before the deadline.
	ErrNoResponder = errors.New("no one has it")

	// ErrSuperseded resolves an attempt whose bookkeeping was replaced by a newer call for the same key.
	ErrSuperseded = errors.New("superseded by a newer attempt for the same key")

	// ErrInProgress rejects a call for a key that already has a pending attempt.
	ErrInProgress = errors.New("attempt already in progress for key")

	// ErrClosed is delivered when the coordinator is closed.
	ErrClosed = errors.New("coordinator closed")

	// ErrNilObject rejects a claim on a nil object.
	ErrNilObject = errors.New("claim object is nil")

	// ErrEmptyKey rejects a collect for the empty key.
	ErrEmptyKey = errors.New("collect key is empty")
)
