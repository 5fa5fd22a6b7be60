package cloud

import (
	"errors"
	"fmt"
)

var (
	// ErrNoNetwork is returned before any request when the cloud cannot be reached.
	ErrNoNetwork = errors.New("no network connection")

	// ErrEmptyToken means the session has no usable access token. Callers must
	// propagate it so the user can sign in again.
	ErrEmptyToken = errors.New("access token missing or expired")
)

// ServerError is a non-2xx response or a body with status "failure".
type ServerError struct {
	StatusCode  int
	Description string
}

func (e *ServerError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("server error (HTTP %d)", e.StatusCode)
	}
	return e.Description
}

// ParsingError is a response body that did not decode into the expected shape.
type ParsingError struct {
	Description string
}

func (e *ParsingError) Error() string {
	return "failed to parse response: " + e.Description
}

// Describe returns the text shown to the user for err.
func Describe(err error) string {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Error()
	}
	var parseErr *ParsingError
	if errors.As(err, &parseErr) {
		return parseErr.Error()
	}
	switch {
	case errors.Is(err, ErrNoNetwork):
		return "No network connection"
	case errors.Is(err, ErrEmptyToken):
		return "Session expired, please sign in again"
	case err == nil:
		return ""
	default:
		return err.Error()
	}
}
