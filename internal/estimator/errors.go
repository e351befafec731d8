package estimator

import "errors"

// Error taxonomy. Concrete failures wrap one of these with fmt.Errorf("%w").
var (
	// ErrNavigation is a page load timeout or network failure; aborts a check.
	ErrNavigation = errors.New("navigation failed")
	// ErrParse means a transform could not parse its input.
	ErrParse = errors.New("parse error")
	// ErrFetch covers network failures and non-success upstream statuses.
	ErrFetch = errors.New("fetch failed")
	// ErrInvalidURL rejects anything that is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid URL")
	// ErrTooManyRedirects is returned once the redirect cap is exceeded.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrRedirectLoop is returned when a redirect chain revisits a URL.
	ErrRedirectLoop = errors.New("redirect loop")
	// ErrUnauthorized is a token mismatch on compiled artifact retrieval.
	ErrUnauthorized = errors.New("invalid token")
	// ErrJobFailed is a transform job that threw inside a worker.
	ErrJobFailed = errors.New("transform job failed")
	// ErrWorkerFatal marks a worker's execution context as unusable.
	ErrWorkerFatal = errors.New("worker context unusable")
	// ErrPoolClosed is returned for jobs submitted to or pending in a terminated pool.
	ErrPoolClosed = errors.New("worker pool closed")
	// ErrQueueFull is returned when the pool's FIFO is at capacity.
	ErrQueueFull = errors.New("worker pool queue full")
	// ErrNotJavaScript flags an upstream "script" that is an HTML document.
	ErrNotJavaScript = errors.New("Not JavaScript")
)

// ParseError carries the parser message for a failed transform.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string {
	return "Parse Error: " + e.Message
}

// Is makes ParseError match ErrParse.
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}
