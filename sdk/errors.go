package gitgrade

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is returned when the status API answers with a non-200 status.
type APIError struct {
	StatusCode int
	// Path is the request path that failed, e.g. /classes/prof/cs101.
	Path    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gitgrade: GET %s: %d %s", e.Path, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an APIError for a missing class or
// assignment.
func IsNotFound(err error) bool {
	var e *APIError
	return errors.As(err, &e) && e.StatusCode == http.StatusNotFound
}

// IsUnauthorized reports whether the server rejected the API token.
func IsUnauthorized(err error) bool {
	var e *APIError
	return errors.As(err, &e) && e.StatusCode == http.StatusUnauthorized
}
