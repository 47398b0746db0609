package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"inkwell/internal/config"
	"inkwell/internal/model"
	"inkwell/internal/pkg/notify"
	"inkwell/internal/pkg/token"
	"inkwell/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type memUsers struct {
	mu    sync.Mutex
	users map[string]model.User
}

func newMemUsers() *memUsers {
	return &memUsers{users: map[string]model.User{}}
}

func (m *memUsers) Create(_ context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return store.ErrDuplicateEmail
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	m.users[u.ID] = *u
	return nil
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			c := u
			return &c, nil
		}
	}
	return nil, store.ErrUserNotFound
}

func (m *memUsers) FindByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return &u, nil
}

func (m *memUsers) Save(_ context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = *u
	return nil
}

func (m *memUsers) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	return nil
}

func (m *memUsers) DeleteStalePending(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, u := range m.users {
		if !u.IsVerified && u.OTPExpiresAt != nil && u.OTPExpiresAt.Before(cutoff) {
			delete(m.users, id)
			n++
		}
	}
	return n, nil
}

type fakeMailer struct {
	mu       sync.Mutex
	codes    map[string]string
	sendErr  error
	statuses []notify.TransportStatus
}

func (f *fakeMailer) SendOTP(_ context.Context, email, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.codes == nil {
		f.codes = map[string]string{}
	}
	f.codes[email] = code
	return nil
}

func (f *fakeMailer) VerifyTransport(context.Context) []notify.TransportStatus {
	return f.statuses
}

func (f *fakeMailer) code(email string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.codes[email]
}

const testSecret = "server-test-secret"

type testServer struct {
	srv     *Server
	handler http.Handler
	users   *memUsers
	mailer  *fakeMailer
	rdb     *redis.Client
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		App: config.AppConfig{
			Env:            "test",
			AllowedOrigins: []string{"http://localhost:5173"},
			AdminEmail:     "admin@example.com",
			AdminPassword:  "AdminPass1!",
			OTPTTL:         10 * time.Minute,
			ResendCooldown: time.Minute,
			TokenTTL:       token.DefaultTTL,
			ActivityWindow: time.Minute,
			RateLimit:      100,
			RateBurst:      100,
			MailStream:     "test:mail:queue",
		},
		Security: config.SecurityConfig{JWTSecret: testSecret, Issuer: "inkwell"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	users := newMemUsers()
	mailer := &fakeMailer{}
	srv, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), Deps{
		Users:  users,
		Redis:  rdb,
		Mailer: mailer,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testServer{srv: srv, handler: srv.Router(), users: users, mailer: mailer, rdb: rdb}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, authz string) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)

	out := map[string]interface{}{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w.Code, out
}

func (ts *testServer) registerAndLogin(t *testing.T, email, password string) string {
	t.Helper()
	code, body := ts.do(t, http.MethodPost, "/api/auth/register", map[string]string{
		"name": "Ann", "lastname": "Lee", "email": email, "password": password,
	}, "")
	if code != http.StatusCreated {
		t.Fatalf("register: %d %v", code, body)
	}
	userID, _ := body["userId"].(string)
	code, body = ts.do(t, http.MethodPost, "/api/auth/verify-otp", map[string]string{
		"userId": userID, "otp": ts.mailer.code(email),
	}, "")
	if code != http.StatusOK {
		t.Fatalf("verify: %d %v", code, body)
	}
	code, body = ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email": email, "password": password,
	}, "")
	if code != http.StatusOK {
		t.Fatalf("login: %d %v", code, body)
	}
	tok, _ := body["token"].(string)
	return tok
}

func TestServer_RootAndHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "Backend is running." {
		t.Fatalf("root: %d %q", w.Code, w.Body.String())
	}

	code, body := ts.do(t, http.MethodGet, "/healthz", nil, "")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", code, body)
	}
}

func TestServer_UnknownAPIRoute(t *testing.T) {
	ts := newTestServer(t, nil)
	code, body := ts.do(t, http.MethodGet, "/api/nope", nil, "")
	if code != http.StatusNotFound || body["message"] != "Cannot GET /api/nope" || body["success"] != false {
		t.Fatalf("no route: %d %v", code, body)
	}
}

func TestServer_RegisterVerifyLoginMeRefresh(t *testing.T) {
	ts := newTestServer(t, nil)
	tok := ts.registerAndLogin(t, "ann@example.com", "Secret123!")
	if tok == "" {
		t.Fatalf("no token")
	}

	code, body := ts.do(t, http.MethodGet, "/api/auth/me", nil, tok)
	if code != http.StatusOK {
		t.Fatalf("me: %d %v", code, body)
	}
	user, _ := body["user"].(map[string]interface{})
	if user["email"] != "ann@example.com" || user["isAdmin"] != false {
		t.Fatalf("unexpected user %v", user)
	}

	code, body = ts.do(t, http.MethodPost, "/api/auth/refresh", nil, "Bearer "+tok)
	if code != http.StatusOK || body["token"] == nil {
		t.Fatalf("refresh: %d %v", code, body)
	}

	if n, _ := ts.rdb.XLen(context.Background(), "test:mail:queue").Result(); n != 1 {
		t.Fatalf("expected one queued welcome mail, got %d", n)
	}
}

func TestServer_RegisterMailFailureLeavesNoRecord(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.mailer.sendErr = errors.New("dial tcp: connection refused")

	code, body := ts.do(t, http.MethodPost, "/api/auth/register", map[string]string{
		"name": "Ann", "lastname": "Lee", "email": "ann@example.com", "password": "Secret123!",
	}, "")
	if code != http.StatusInternalServerError || body["success"] != false {
		t.Fatalf("register: %d %v", code, body)
	}
	if _, err := ts.users.FindByEmail(context.Background(), "ann@example.com"); !errors.Is(err, store.ErrUserNotFound) {
		t.Fatalf("record left behind: %v", err)
	}
}

func TestServer_RefreshAfterExpiryIsRejected(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.registerAndLogin(t, "ann@example.com", "Secret123!")
	u, err := ts.users.FindByEmail(context.Background(), "ann@example.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	past := token.NewIssuer(testSecret, token.DefaultTTL, token.WithIssuer("inkwell"), token.WithClock(func() time.Time {
		return time.Now().Add(-8 * 24 * time.Hour)
	}))
	expired, _, err := past.Issue(u.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	code, body := ts.do(t, http.MethodPost, "/api/auth/refresh", nil, "Bearer "+expired)
	if code != http.StatusUnauthorized || body["message"] != "Token refresh failed" {
		t.Fatalf("refresh: %d %v", code, body)
	}
	code, _ = ts.do(t, http.MethodGet, "/api/auth/me", nil, expired)
	if code != http.StatusUnauthorized {
		t.Fatalf("me with expired token: %d", code)
	}
}

func TestServer_AdminRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.mailer.statuses = []notify.TransportStatus{
		{Transport: "smtp.example.com:465/ssl", OK: false, Error: "timeout"},
		{Transport: "smtp.example.com:587/starttls", OK: true},
	}
	if err := ts.srv.SeedAdmin(context.Background()); err != nil {
		t.Fatalf("SeedAdmin: %v", err)
	}
	if err := ts.srv.SeedAdmin(context.Background()); err != nil {
		t.Fatalf("SeedAdmin is not idempotent: %v", err)
	}

	code, body := ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email": "admin@example.com", "password": "AdminPass1!",
	}, "")
	if code != http.StatusOK {
		t.Fatalf("admin login: %d %v", code, body)
	}
	adminTok, _ := body["token"].(string)
	user, _ := body["user"].(map[string]interface{})
	if user["isAdmin"] != true {
		t.Fatalf("admin flag missing: %v", user)
	}

	code, body = ts.do(t, http.MethodGet, "/api/admin/test-mail", nil, "Bearer "+adminTok)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("test-mail: %d %v", code, body)
	}

	code, body = ts.do(t, http.MethodGet, "/api/admin/sessions", nil, "Bearer "+adminTok)
	if code != http.StatusOK || body["active"] != float64(1) {
		t.Fatalf("sessions: %d %v", code, body)
	}

	userTok := ts.registerAndLogin(t, "ann@example.com", "Secret123!")
	if code, _ := ts.do(t, http.MethodGet, "/api/admin/sessions", nil, userTok); code != http.StatusForbidden {
		t.Fatalf("non-admin sessions: %d", code)
	}
	if code, _ := ts.do(t, http.MethodGet, "/api/admin/sessions", nil, ""); code != http.StatusUnauthorized {
		t.Fatalf("anonymous sessions: %d", code)
	}

	ts.mailer.statuses = []notify.TransportStatus{{Transport: "smtp.example.com:465/ssl", Error: "535 auth"}}
	if code, _ := ts.do(t, http.MethodGet, "/api/admin/test-mail", nil, adminTok); code != http.StatusInternalServerError {
		t.Fatalf("failing test-mail: %d", code)
	}
}

func TestServer_RateLimitOnAuthRoutes(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.App.RateLimit = 0.001
		cfg.App.RateBurst = 1
	})

	creds := map[string]string{"email": "ghost@example.com", "password": "x"}
	if code, _ := ts.do(t, http.MethodPost, "/api/auth/login", creds, ""); code != http.StatusNotFound {
		t.Fatalf("first login: %d", code)
	}
	code, body := ts.do(t, http.MethodPost, "/api/auth/login", creds, "")
	if code != http.StatusTooManyRequests || body["success"] != false {
		t.Fatalf("second login: %d %v", code, body)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow origin = %q", got)
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Methods"), "POST") {
		t.Fatalf("allow methods = %q", w.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestServer_SweeperPurgesStalePending(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) { cfg.App.PendingGrace = time.Hour })
	old := time.Now().Add(-2 * time.Hour)
	ts.users.users["stale"] = model.User{ID: "stale", Email: "stale@example.com", OTP: "123456", OTPExpiresAt: &old}

	if ts.srv.sweeper == nil {
		t.Fatalf("sweeper not wired")
	}
	n, err := ts.srv.sweeper.RunOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
}

func TestNew_RequiresSecret(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	_, err := New(&config.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)), Deps{
		Users: newMemUsers(), Redis: rdb, Mailer: &fakeMailer{},
	})
	if err == nil {
		t.Fatalf("expected error without jwt secret")
	}
}
