package ask

import "errors"

// Faults the ask pipeline can surface. Transport layers map these onto
// status codes; everything else is an internal error.
var (
	ErrLoginTimeout       = errors.New("login not completed within the detection window")
	ErrElementWait        = errors.New("timed out waiting for a page element")
	ErrAnswerTimeout      = errors.New("timed out waiting for the answer")
	ErrRemote             = errors.New("remote application reported an error")
	ErrBrowserUnavailable = errors.New("browser automation unavailable")
	ErrShuttingDown       = errors.New("service is shutting down")
)

// RemoteError carries the message the remote application displayed in place
// of an answer. It unwraps to ErrRemote so callers can match the class while
// still surfacing the verbatim text.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return ErrRemote }
