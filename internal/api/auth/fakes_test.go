package auth

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"inkwell/internal/model"
	"inkwell/internal/pkg/token"
	"inkwell/internal/store"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// memStore is an in-memory store.UserStore. Records are copied in and out
// so callers only change stored state through Save.
type memStore struct {
	mu    sync.Mutex
	users map[string]*model.User

	createErr error
	saveErr   func(u *model.User) error
	deleteErr error
	findErr   error
}

func newMemStore() *memStore {
	return &memStore{users: map[string]*model.User{}}
}

func cloneUser(u *model.User) *model.User {
	c := *u
	if u.OTPExpiresAt != nil {
		t := *u.OTPExpiresAt
		c.OTPExpiresAt = &t
	}
	if u.OTPSentAt != nil {
		t := *u.OTPSentAt
		c.OTPSentAt = &t
	}
	return &c
}

func (m *memStore) Create(_ context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return store.ErrDuplicateEmail
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	m.users[u.ID] = cloneUser(u)
	return nil
}

func (m *memStore) FindByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, u := range m.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, store.ErrUserNotFound
}

func (m *memStore) FindByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (m *memStore) Save(_ context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		if err := m.saveErr(u); err != nil {
			return err
		}
	}
	m.users[u.ID] = cloneUser(u)
	return nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.users, id)
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

func (m *memStore) byEmail(t *testing.T, email string) *model.User {
	t.Helper()
	u, err := m.FindByEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("lookup %s: %v", email, err)
	}
	return u
}

// put stores u directly, hashing password when PasswordHash is empty.
func (m *memStore) put(t *testing.T, u *model.User, password string) *model.User {
	t.Helper()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.PasswordHash == "" && password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		u.PasswordHash = string(hash)
	}
	m.mu.Lock()
	m.users[u.ID] = cloneUser(u)
	m.mu.Unlock()
	return u
}

type sentOTP struct {
	email string
	code  string
}

type fakeSender struct {
	mu     sync.Mutex
	sendFn func(email, code string) error
	sent   []sentOTP
	tries  int
}

func (f *fakeSender) SendOTP(_ context.Context, email, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tries++
	if f.sendFn != nil {
		if err := f.sendFn(email, code); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, sentOTP{email: email, code: code})
	return nil
}

func (f *fakeSender) lastCode(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatalf("no otp sent")
	}
	return f.sent[len(f.sent)-1].code
}

type fakeLocker struct {
	acquireFn func(name string) (func(), error)
	names     []string
}

func (f *fakeLocker) Acquire(_ context.Context, name string) (func(), error) {
	f.names = append(f.names, name)
	if f.acquireFn != nil {
		return f.acquireFn(name)
	}
	return func() {}, nil
}

type welcomeCall struct {
	userID, email, name string
}

type fakeWelcome struct {
	err   error
	calls []welcomeCall
}

func (f *fakeWelcome) PublishWelcome(_ context.Context, userID, email, name string) error {
	f.calls = append(f.calls, welcomeCall{userID, email, name})
	return f.err
}

// testClock is a settable time source shared by the service and the token issuer.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	svc     *Service
	store   *memStore
	sender  *fakeSender
	locker  *fakeLocker
	welcome *fakeWelcome
	issuer  *token.Issuer
	clock   *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newTestClock()
	env := &testEnv{
		store:   newMemStore(),
		sender:  &fakeSender{},
		locker:  &fakeLocker{},
		welcome: &fakeWelcome{},
		issuer:  token.NewIssuer("test-secret", token.DefaultTTL, token.WithIssuer("inkwell"), token.WithClock(clock.Now)),
		clock:   clock,
	}
	codes := 0
	env.svc = NewService(env.store, env.sender, env.issuer, discardLogger(), Config{
		AdminEmail: "Admin@Example.com",
		BcryptCost: bcrypt.MinCost,
	},
		WithLocker(env.locker),
		WithWelcomePublisher(env.welcome),
		WithClock(clock.Now),
		WithCodeGenerator(func() (string, error) {
			codes++
			return []string{"111111", "222222", "333333", "444444", "555555"}[(codes-1)%5], nil
		}),
	)
	return env
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
