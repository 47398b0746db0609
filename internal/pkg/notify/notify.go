package notify

import (
	"context"
	"regexp"
)

// OTPSender delivers a one-time verification code. Any returned error means
// the code did not reach the recipient.
type OTPSender interface {
	SendOTP(ctx context.Context, email, code string) error
}

// WelcomeSender delivers the post-verification welcome mail.
type WelcomeSender interface {
	SendWelcome(ctx context.Context, email, name string) error
}

var authFailurePattern = regexp.MustCompile(`Invalid login|BadCredentials|Invalid user|EAUTH|535`)

// IsAuthFailure reports whether err looks like an SMTP credential rejection.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	return authFailurePattern.MatchString(err.Error())
}
