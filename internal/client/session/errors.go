package session

import (
	"errors"
	"fmt"
	"net/http"
)

var errNoReplay = errors.New("request body cannot be replayed")

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Status  int
	Message string

	// Expired is set when the request failed with 401 and the session
	// could not be refreshed.
	Expired bool
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, msg)
}

func (e *StatusError) Unwrap() error {
	if e.Expired {
		return ErrSessionExpired
	}
	return nil
}
