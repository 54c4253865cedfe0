package relay

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrEmptySession = errors.New("session_id is required")
	ErrEmptyMessage = errors.New("message is required")
	ErrSessionBusy  = errors.New("session already has a reply in progress")
)

// UpstreamError reports a generation failure. Fragments is the number of
// fragments forwarded before the failure; when it is zero nothing has reached
// the client yet.
type UpstreamError struct {
	Err       error
	Fragments int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream generation failed after %d fragments: %v", e.Fragments, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// IsInputError reports whether err was caused by a rejected request.
func IsInputError(err error) bool {
	return errors.Is(err, ErrEmptySession) || errors.Is(err, ErrEmptyMessage)
}
