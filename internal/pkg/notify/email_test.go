package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"inkwell/internal/config"

	"gopkg.in/gomail.v2"
)

type fakeSendCloser struct {
	sendErr error
	sent    *[]string
}

func (f fakeSendCloser) Send(from string, to []string, msg io.WriterTo) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	var b strings.Builder
	if _, err := msg.WriteTo(&b); err != nil {
		return err
	}
	*f.sent = append(*f.sent, b.String())
	return nil
}

func (f fakeSendCloser) Close() error { return nil }

type fakeDialer struct {
	dialErr error
	sc      gomail.SendCloser
}

func (f fakeDialer) Dial() (gomail.SendCloser, error) {
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return f.sc, nil
}

func newTestNotifier(dialers map[int]fakeDialer, tried *[]int) *EmailNotifier {
	n := NewEmailNotifier(&config.EmailConfig{
		SMTPHost:     "smtp.example.com",
		SMTPPort:     465,
		FallbackPort: 587,
		SMTPUser:     "mailer@example.com",
		SMTPPass:     "secret",
		FromEmail:    "mailer@example.com",
		FromName:     "Auth System",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.newDialer = func(t Transport, _, _ string) mailDialer {
		*tried = append(*tried, t.Port)
		return dialers[t.Port]
	}
	return n
}

func TestSendOTP_FirstTransportSucceeds(t *testing.T) {
	var sent []string
	var tried []int
	n := newTestNotifier(map[int]fakeDialer{
		465: {sc: fakeSendCloser{sent: &sent}},
		587: {sc: fakeSendCloser{sent: &sent}},
	}, &tried)

	if err := n.SendOTP(context.Background(), "ann@example.com", "123456"); err != nil {
		t.Fatalf("SendOTP error: %v", err)
	}
	if len(tried) != 1 || tried[0] != 465 {
		t.Fatalf("expected only the ssl transport, tried %v", tried)
	}
	if len(sent) != 1 || !strings.Contains(sent[0], "123456") {
		t.Fatalf("code missing from message: %v", sent)
	}
}

func TestSendOTP_FallsBackToStartTLS(t *testing.T) {
	var sent []string
	var tried []int
	n := newTestNotifier(map[int]fakeDialer{
		465: {dialErr: errors.New("dial tcp: i/o timeout")},
		587: {sc: fakeSendCloser{sent: &sent}},
	}, &tried)

	if err := n.SendOTP(context.Background(), "ann@example.com", "654321"); err != nil {
		t.Fatalf("SendOTP error: %v", err)
	}
	if len(tried) != 2 || tried[1] != 587 {
		t.Fatalf("expected fallback to 587, tried %v", tried)
	}
	if len(sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sent))
	}
}

func TestSendOTP_AllTransportsFailReturnsLastError(t *testing.T) {
	var sent []string
	var tried []int
	n := newTestNotifier(map[int]fakeDialer{
		465: {dialErr: errors.New("dial tcp: connection refused")},
		587: {sc: fakeSendCloser{sendErr: errors.New("535 5.7.8 Username and Password not accepted"), sent: &sent}},
	}, &tried)

	err := n.SendOTP(context.Background(), "ann@example.com", "111111")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "535") {
		t.Fatalf("expected last error, got %v", err)
	}
	if !IsAuthFailure(err) {
		t.Fatalf("expected auth failure classification for %v", err)
	}
}

func TestSendOTP_NotConfigured(t *testing.T) {
	n := NewEmailNotifier(&config.EmailConfig{SMTPHost: "smtp.example.com"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := n.SendOTP(context.Background(), "ann@example.com", "123456"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("want ErrNotConfigured, got %v", err)
	}
}

func TestVerifyTransport_ReportsEachTransport(t *testing.T) {
	var sent []string
	var tried []int
	n := newTestNotifier(map[int]fakeDialer{
		465: {dialErr: errors.New("EAUTH Invalid login")},
		587: {sc: fakeSendCloser{sent: &sent}},
	}, &tried)

	got := n.VerifyTransport(context.Background())
	if len(got) != 2 {
		t.Fatalf("expected two statuses, got %d", len(got))
	}
	if got[0].OK || got[0].Error == "" {
		t.Fatalf("first transport should fail: %+v", got[0])
	}
	if !got[1].OK {
		t.Fatalf("second transport should pass: %+v", got[1])
	}
}

func TestIsAuthFailure(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Invalid login: 535-5.7.8"), true},
		{errors.New("BadCredentials"), true},
		{errors.New("EAUTH"), true},
		{errors.New("Invalid user"), true},
		{errors.New("dial tcp: i/o timeout"), false},
	}
	for _, tt := range tests {
		if got := IsAuthFailure(tt.err); got != tt.want {
			t.Fatalf("IsAuthFailure(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
