package connect

import (
	"errors"
	"fmt"
)

// ErrUnreachable wraps network failures, timeouts and persistent 5xx
// responses once retries are exhausted. A pass that hits it cannot converge
// and should be re-run against a healthy cluster.
var ErrUnreachable = errors.New("connect cluster unreachable")

// RejectedError is a 4xx response to a connector mutation: bad connector
// class, malformed config. Retrying the same input cannot succeed so these
// are reported immediately, never retried.
type RejectedError struct {
	Name       string
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("connector %q rejected (HTTP %d): %s", e.Name, e.StatusCode, e.Message)
}

// IsRejected reports whether err is a connector rejection as opposed to a
// cluster availability problem.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// errRetry marks a response worth another attempt.
var errRetry = errors.New("retryable")
