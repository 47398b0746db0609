// Package session holds the client's session token, persists it, and
// attaches it to outgoing requests. A request rejected with 401 triggers
// one token refresh and one replay of the request.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

const tokenKey = "token"

// SessionExpiredMessage is shown to the user when a refresh fails.
const SessionExpiredMessage = "Session expired. Please login again."

// ErrSessionExpired is wrapped by errors of requests whose session could
// not be refreshed.
var ErrSessionExpired = errors.New("session expired")

// Notifier shows a message to the user.
type Notifier interface {
	Notify(message string)
}

// NotifierFunc adapts a func to Notifier.
type NotifierFunc func(message string)

func (f NotifierFunc) Notify(message string) { f(message) }

// RefreshFunc exchanges the current token for a new one.
type RefreshFunc func(ctx context.Context, current string) (string, error)

// Manager is the single owner of the client's session token.
type Manager struct {
	mu       sync.RWMutex
	token    string
	storage  Storage
	notifier Notifier
	refresh  RefreshFunc
	base     http.RoundTripper
	logger   *slog.Logger

	singleFlight bool
	group        singleflight.Group
}

type Option func(*Manager)

// WithStorage sets where the token is persisted. Defaults to memory.
func WithStorage(s Storage) Option {
	return func(m *Manager) { m.storage = s }
}

func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithTransport sets the transport that performs the actual requests.
func WithTransport(rt http.RoundTripper) Option {
	return func(m *Manager) { m.base = rt }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithRefresher sets how a rejected token is renewed.
func WithRefresher(fn RefreshFunc) Option {
	return func(m *Manager) { m.refresh = fn }
}

// WithSingleFlight makes concurrent 401s share one refresh call instead of
// refreshing once per request.
func WithSingleFlight() Option {
	return func(m *Manager) { m.singleFlight = true }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		storage: NewMemoryStorage(),
		base:    http.DefaultTransport,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetRefresher replaces the refresh func. Used by clients that need the
// Manager before they can refresh.
func (m *Manager) SetRefresher(fn RefreshFunc) {
	m.mu.Lock()
	m.refresh = fn
	m.mu.Unlock()
}

// Token returns the current token, empty when logged out.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// SetToken stores tok and makes it the credential of later requests. An
// empty tok clears the session.
func (m *Manager) SetToken(tok string) error {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return m.Clear()
	}
	m.mu.Lock()
	m.token = tok
	m.mu.Unlock()
	if err := m.storage.Set(tokenKey, tok); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	return nil
}

// Clear forgets the token in memory and in storage.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
	if err := m.storage.Delete(tokenKey); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// Load restores the token saved by an earlier session.
func (m *Manager) Load() error {
	raw, ok, err := m.storage.Get(tokenKey)
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	tok := cleanToken(raw)
	m.mu.Lock()
	if ok {
		m.token = tok
	} else {
		m.token = ""
	}
	m.mu.Unlock()
	return nil
}

func cleanToken(raw string) string {
	tok := strings.TrimSpace(raw)
	tok = strings.Trim(tok, `"'`)
	if tok == "undefined" || tok == "null" {
		return ""
	}
	return tok
}

// Client returns an HTTP client that sends the current token with every
// request and refreshes it once on 401.
func (m *Manager) Client() *http.Client {
	return &http.Client{Transport: &transport{m: m}}
}

// renew runs the refresh func for the token that was rejected.
func (m *Manager) renew(ctx context.Context, rejected string) (string, error) {
	m.mu.RLock()
	fn := m.refresh
	m.mu.RUnlock()
	if fn == nil {
		return "", errors.New("no refresher configured")
	}

	call := func() (string, error) {
		tok, err := fn(ctx, rejected)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(tok) == "" {
			return "", errors.New("refresh returned no token")
		}
		if err := m.SetToken(tok); err != nil {
			return "", err
		}
		return tok, nil
	}
	if !m.singleFlight {
		return call()
	}
	v, err, _ := m.group.Do(rejected, func() (interface{}, error) {
		return call()
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// expire clears the session after a failed refresh. Only the first caller
// holding the rejected token clears and notifies.
func (m *Manager) expire(rejected string, cause error) {
	m.mu.Lock()
	if m.token != rejected {
		m.mu.Unlock()
		return
	}
	m.token = ""
	m.mu.Unlock()

	if err := m.storage.Delete(tokenKey); err != nil {
		m.logger.Warn("delete expired token failed", slog.String("error", err.Error()))
	}
	m.logger.Info("session expired", slog.String("error", cause.Error()))
	if m.notifier != nil {
		m.notifier.Notify(SessionExpiredMessage)
	}
}
