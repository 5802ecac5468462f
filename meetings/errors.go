package meetings

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for meeting IDs with no live session.
	ErrNotFound = errors.New("meeting not found")
	// ErrForbidden is returned when a participant attempts something only
	// the host, or only a rostered participant, may do.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict is returned when a session is no longer ACTIVE.
	ErrConflict = errors.New("meeting is already ending")
	// ErrInvalid is returned for malformed input such as blank dialogue.
	ErrInvalid = errors.New("invalid input")
	// ErrDirectoryClosed is returned once Shutdown has begun.
	ErrDirectoryClosed = errors.New("directory closed")
)

// CollaboratorError records a summarizer or store failure during
// finalization.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("meetings: %s failed: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Code maps err onto the stable reason codes used on the wire.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrDirectoryClosed):
		return "unavailable"
	default:
		return "internal"
	}
}
