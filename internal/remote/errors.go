package remote

// ============================================================================
// Remote Error Definitions
// Purpose: Error taxonomy for failures against the vendor API
// ============================================================================

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidation marks malformed submission input. It is returned by the
// input layer before a job record exists and never reaches the executor.
var ErrValidation = errors.New("remote: invalid request")

// ErrMissingCredentials indicates that the client was configured without an
// endpoint or API key.
var ErrMissingCredentials = errors.New("remote: endpoint and api key are required")

// RequestError represents a failure creating or polling a remote job.
type RequestError struct {
	Op         string // "create", "status", "ping"
	StatusCode int    // HTTP status, 0 for transport failures
	Temporary  bool   // worth retrying on the next poll
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s failed (http %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote %s failed: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// DownloadError represents a failure retrieving a finished artifact.
type DownloadError struct {
	RemoteID string
	Err      error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("video download failed for %s: %v", e.RemoteID, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// TimeoutError is raised when polling exceeds its deadline or poll budget.
type TimeoutError struct {
	RemoteID string
	Polls    int
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote job %s did not finish after %d polls (%s)",
		e.RemoteID, e.Polls, e.Elapsed.Round(time.Millisecond))
}

// IsTemporary reports whether err is a RequestError flagged as retryable.
func IsTemporary(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.Temporary
}
