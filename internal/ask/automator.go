package ask

import (
	"context"
	"time"
)

// Input is the question composer on the conversation page.
type Input interface {
	// SubmitText replaces the composer content with text and sends it.
	SubmitText(ctx context.Context, text string) error
}

// Automator drives the live application page. Implementations own a single
// browser process and a single page; the engine serializes every call, so
// implementations need no internal locking.
type Automator interface {
	// Launch starts the browser and opens its page.
	Launch(ctx context.Context) error

	// Navigate loads url and waits for the load to settle.
	Navigate(ctx context.Context, url string) error

	// FindInput waits up to timeout for the question composer to appear,
	// returning ErrElementWait when it does not.
	FindInput(ctx context.Context, timeout time.Duration) (Input, error)

	// CurrentURL reports the page's present location.
	CurrentURL() (string, error)

	// WaitForCompletion polls every poll interval until answer generation
	// finishes, then extracts and returns the answer text. It returns
	// ErrAnswerTimeout when timeout elapses first and a RemoteError when the
	// page shows an error surface instead of an answer.
	WaitForCompletion(ctx context.Context, poll, timeout time.Duration) (string, error)

	// IsLoginSurface reports whether the page is showing the login or signup
	// surface rather than the conversation surface.
	IsLoginSurface() (bool, error)

	// Close shuts the browser down. Safe to call more than once.
	Close() error
}
