package forge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrBranchExists is returned by CreateBranch when the branch is already present.
	ErrBranchExists = errors.New("branch already exists")

	// ErrFileNotFound is returned by GetFile when the path does not exist at the ref.
	ErrFileNotFound = errors.New("file not found")

	// ErrWriteConflict is returned by UpdateFile when the file changed since it was read.
	// Retrying from a fresh read is safe.
	ErrWriteConflict = errors.New("file changed since it was read")

	// ErrUnauthorized is returned when the host rejects the credentials.
	ErrUnauthorized = errors.New("forge authentication failed")

	// ErrTimeout is returned when a request exceeds its deadline.
	ErrTimeout = errors.New("forge request timed out")
)

// APIError is a non-2xx response from the forge host.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
	// Kind is one of the sentinel errors above, or nil for an unclassified failure.
	Kind error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Kind
}

// NewAPIError classifies a response status. Authentication failures map to ErrUnauthorized.
func NewAPIError(op string, statusCode int, body []byte) *APIError {
	e := &APIError{Op: op, StatusCode: statusCode, Body: string(body)}
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		e.Kind = ErrUnauthorized
	}
	return e
}

// TransportError classifies an error returned by the HTTP client itself.
func TransportError(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: request failed: %w", op, err)
}
