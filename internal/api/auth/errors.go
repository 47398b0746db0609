package auth

import (
	"errors"
	"fmt"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrDuplicateEmail         = errors.New("email already registered")
	ErrNotFound               = errors.New("user not found")
	ErrInvalidCode            = errors.New("invalid otp")
	ErrExpired                = errors.New("otp expired")
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrNotVerified            = errors.New("email not verified")
	ErrUnauthenticated        = errors.New("unauthenticated")
	ErrNotificationDelivery   = errors.New("otp delivery failed")
	ErrRegistrationInProgress = errors.New("registration in progress")
	ErrTooManyRequests        = errors.New("too many requests")
)

// Error pairs a sentinel kind with the message returned to API callers.
type Error struct {
	Kind    error
	Message string
}

func newError(kind error, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

// DeliveryError is returned when the verification mail could not be sent.
// AuthFailure marks errors that look like rejected SMTP credentials.
type DeliveryError struct {
	AuthFailure bool
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: %v", ErrNotificationDelivery, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrNotificationDelivery, e.Err}
}
