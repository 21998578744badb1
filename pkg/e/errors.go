package e

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrTimeout              = errors.New("no progress from origin within timeout")
	ErrUnreachable          = errors.New("origin unreachable")
	ErrShortRead            = errors.New("origin closed connection before all promised bytes arrived")
	ErrUnauthorized         = errors.New("fetch denied by delegate")
	ErrInconsistentResource = errors.New("origin reported length or type conflicting with cached values")
	ErrCorruptCache         = errors.New("cache metadata unreadable")
	ErrCancelled            = errors.New("request cancelled")
	ErrNotCovered           = errors.New("range not covered by cache")
	ErrInvalidRange         = errors.New("invalid byte range")
	ErrClosed               = errors.New("handle closed")
	ErrInUse                = errors.New("resource has open handles")
	ErrNotFound             = errors.New("not found")
)

// HTTPError is returned when the origin answers with a failure status.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (h *HTTPError) Error() string {
	return fmt.Sprintf("origin returned %d %s for %s", h.StatusCode, http.StatusText(h.StatusCode), h.URL)
}

// Kind maps an error onto its taxonomy label, used for metrics and delegate outcomes.
func Kind(err error) string {
	var httpErr *HTTPError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrShortRead):
		return "short_read"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInconsistentResource):
		return "inconsistent_resource"
	case errors.Is(err, ErrCorruptCache):
		return "corrupt_cache"
	case errors.As(err, &httpErr):
		return "http_error"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	default:
		return "error"
	}
}
