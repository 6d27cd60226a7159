package restclient

import (
	"errors"
	"fmt"
	"net/http"
)

// CodeTransactionInProgress is the erp error code for a transaction id whose
// first execution is still running.
const CodeTransactionInProgress = "transaction_in_progress"

// ErrUnauthorized is returned for 401 and 403 responses. Such mutations are
// neither retried nor queued.
var ErrUnauthorized = errors.New("unauthorized")

// NetworkError means the outcome of a request is unknown: it never got an
// answer, or the answer came from infrastructure rather than the erp service.
// Retrying with the same transaction id is safe.
type NetworkError struct {
	Method string
	URL    string
	// Status is 0 when no response was received.
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: upstream status %d: %v", e.Method, e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RejectionError is a definitive answer from the server that the mutation was
// not applied: validation failure, business-rule conflict, missing entity.
type RejectionError struct {
	Status  int
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("rejected (%d %s): %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("rejected (%d): %s", e.Status, msg)
}

// IsNetwork reports whether err leaves the request outcome unknown. A
// transaction still in progress on the server counts: its first execution
// may yet be released.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne) || inProgress(err)
}

// IsRejection reports whether err is a definitive server rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re) && !inProgress(err)
}

func inProgress(err error) bool {
	var re *RejectionError
	return errors.As(err, &re) && re.Code == CodeTransactionInProgress
}

// AsRejection extracts the rejection from err.
func AsRejection(err error) (*RejectionError, bool) {
	var re *RejectionError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsUnauthorized reports whether err is an authentication or authorization failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
