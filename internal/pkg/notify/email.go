package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"inkwell/internal/config"

	"gopkg.in/gomail.v2"
)

var ErrNotConfigured = errors.New("email config missing")

// Transport is one SMTP endpoint to try.
type Transport struct {
	Host string
	Port int
	SSL  bool // implicit TLS; otherwise STARTTLS when offered
}

func (t Transport) String() string {
	mode := "starttls"
	if t.SSL {
		mode = "ssl"
	}
	return fmt.Sprintf("%s:%d/%s", t.Host, t.Port, mode)
}

// TransportStatus is the outcome of probing one transport.
type TransportStatus struct {
	Transport string `json:"transport"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

type mailDialer interface {
	Dial() (gomail.SendCloser, error)
}

// EmailNotifier sends mail over SMTP, trying each configured transport in
// order until one accepts the message.
type EmailNotifier struct {
	cfg       *config.EmailConfig
	logger    *slog.Logger
	newDialer func(t Transport, user, pass string) mailDialer
}

func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
		newDialer: func(t Transport, user, pass string) mailDialer {
			d := gomail.NewDialer(t.Host, t.Port, user, pass)
			d.SSL = t.SSL
			return d
		},
	}
}

// Transports lists the endpoints in the order they are tried.
func (n *EmailNotifier) Transports() []Transport {
	out := []Transport{{Host: n.cfg.SMTPHost, Port: n.cfg.SMTPPort, SSL: n.cfg.SMTPPort == 465}}
	if n.cfg.FallbackPort != 0 && n.cfg.FallbackPort != n.cfg.SMTPPort {
		out = append(out, Transport{Host: n.cfg.SMTPHost, Port: n.cfg.FallbackPort, SSL: n.cfg.FallbackPort == 465})
	}
	return out
}

// SendOTP mails the verification code.
func (n *EmailNotifier) SendOTP(ctx context.Context, toEmail, code string) error {
	m, err := n.newMessage(toEmail, "Your OTP Verification Code")
	if err != nil {
		return err
	}
	m.SetBody("text/html", fmt.Sprintf(`<h2>Your OTP Code</h2>
<p>Your verification code is: <b>%s</b></p>
<p>OTP is valid for 10 minutes.</p>`, code))

	if err := n.send(ctx, m); err != nil {
		return err
	}
	n.logger.Info("verification email sent", slog.String("to", toEmail))
	return nil
}

// SendWelcome mails the greeting sent after an account is verified.
func (n *EmailNotifier) SendWelcome(ctx context.Context, toEmail, name string) error {
	m, err := n.newMessage(toEmail, "Welcome aboard")
	if err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		name = "there"
	}
	m.SetBody("text/html", fmt.Sprintf(`<h2>Hi %s,</h2>
<p>Your email is verified and your account is ready. You can log in now.</p>`, name))

	if err := n.send(ctx, m); err != nil {
		return err
	}
	n.logger.Info("welcome email sent", slog.String("to", toEmail))
	return nil
}

// VerifyTransport opens and closes a connection on every transport and
// reports which ones accept the configured credentials.
func (n *EmailNotifier) VerifyTransport(ctx context.Context) []TransportStatus {
	var out []TransportStatus
	for _, t := range n.Transports() {
		st := TransportStatus{Transport: t.String()}
		if err := ctx.Err(); err != nil {
			st.Error = err.Error()
			out = append(out, st)
			continue
		}
		if !n.configured() {
			st.Error = ErrNotConfigured.Error()
			out = append(out, st)
			continue
		}
		sc, err := n.newDialer(t, n.cfg.SMTPUser, n.cfg.SMTPPass).Dial()
		if err != nil {
			st.Error = err.Error()
		} else {
			_ = sc.Close()
			st.OK = true
		}
		out = append(out, st)
	}
	return out
}

func (n *EmailNotifier) configured() bool {
	return n.cfg.SMTPHost != "" && n.cfg.SMTPUser != "" && n.cfg.FromEmail != ""
}

func (n *EmailNotifier) newMessage(toEmail, subject string) (*gomail.Message, error) {
	if !n.configured() {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(toEmail) == "" {
		return nil, fmt.Errorf("empty recipient")
	}
	m := gomail.NewMessage()
	m.SetAddressHeader("From", n.cfg.FromEmail, n.cfg.FromName)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", subject)
	return m, nil
}

// send tries each transport in order and returns the last error when all fail.
func (n *EmailNotifier) send(ctx context.Context, m *gomail.Message) error {
	var lastErr error
	for _, t := range n.Transports() {
		if err := ctx.Err(); err != nil {
			return err
		}
		sc, err := n.newDialer(t, n.cfg.SMTPUser, n.cfg.SMTPPass).Dial()
		if err != nil {
			lastErr = err
			n.logger.Warn("mail transport dial failed", slog.String("transport", t.String()), slog.String("error", err.Error()))
			continue
		}
		err = gomail.Send(sc, m)
		_ = sc.Close()
		if err != nil {
			lastErr = err
			n.logger.Error("mail send failed", slog.String("transport", t.String()), slog.String("error", err.Error()))
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no mail transport configured")
	}
	n.logger.Error("all mail transports failed", slog.String("error", lastErr.Error()))
	return fmt.Errorf("send email: %w", lastErr)
}
