package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMissingID is returned when a create response carries no server id.
var ErrMissingID = errors.New("remote: response has no id")

// ErrCachedResponse is returned by List when the answer came from the offline
// response cache instead of the server.
var ErrCachedResponse = errors.New("remote: response served from offline cache")

// StatusError is a non-2xx answer from the remote API.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: %s %s: status %d", e.Method, e.URL, e.StatusCode)
}

// NetworkError means no response was received at all.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("remote: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status carried by err, or 0 when there is none.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsNotFound reports whether the server answered 404.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsValidation reports a rejection that a blind retry cannot fix: 400, 409 or 422.
func IsValidation(err error) bool {
	switch StatusCode(err) {
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// IsNetwork reports whether err is a transport failure without a response.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
