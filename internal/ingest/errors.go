package ingest

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrAlreadyRunning is matched by AlreadyRunningError via errors.Is.
var ErrAlreadyRunning = errors.New("scrape already running")

// ErrNotFound is returned by stores when no row matches.
var ErrNotFound = errors.New("not found")

// FetchError reports a network failure or a non-2xx response.
type FetchError struct {
	URL        string
	StatusCode int
	Cause      error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// Temporary reports whether another attempt may succeed.
func (e *FetchError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// ExtractionError reports markup that does not match the expected layout.
type ExtractionError struct {
	URL    string
	Reason string
}

func (e *ExtractionError) Error() string {
	if e.URL == "" {
		return "extract: " + e.Reason
	}
	return fmt.Sprintf("extract %s: %s", e.URL, e.Reason)
}

// EnrichmentError reports a failed model call or unusable model output.
type EnrichmentError struct {
	Reason    string
	Retryable bool
	Cause     error
}

func (e *EnrichmentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("enrich: %s: %v", e.Reason, e.Cause)
	}
	return "enrich: " + e.Reason
}

func (e *EnrichmentError) Unwrap() error { return e.Cause }

// AlreadyRunningError is returned when a cycle is requested while another is
// in progress.
type AlreadyRunningError struct {
	RunID     string
	StartedAt time.Time
}

func (e *AlreadyRunningError) Error() string {
	if e.RunID == "" {
		return ErrAlreadyRunning.Error()
	}
	return fmt.Sprintf("%s: run %s", ErrAlreadyRunning.Error(), e.RunID)
}

// Is matches ErrAlreadyRunning.
func (e *AlreadyRunningError) Is(target error) bool {
	return target == ErrAlreadyRunning
}

// StoreError wraps a persistence failure. Connection is true when the store
// itself is unreachable rather than a single statement failing.
type StoreError struct {
	Op         string
	Connection bool
	Cause      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Cause)
}

func (e *StoreError) Unwrap() error { return e.Cause }

// IsConnectionError reports whether err carries a connection-level StoreError.
func IsConnectionError(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr) && storeErr.Connection
}
