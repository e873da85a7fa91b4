package fetcher

import (
	"fmt"
	"net/http"
	"time"
)

// HTTPError is returned for any non-2xx response other than 304.
type HTTPError struct {
	URL    string
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, http.StatusText(e.Status))
}

// TimeoutError is returned when the request exceeds its deadline.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Request timeout after %dms", e.Timeout.Milliseconds())
}
