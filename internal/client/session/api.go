package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// User is the account summary returned by login and me.
type User struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Lastname string `json:"lastname"`
	Email    string `json:"email"`
	IsAdmin  bool   `json:"isAdmin"`
}

type RegisterRequest struct {
	Name     string `json:"name"`
	Lastname string `json:"lastname"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	UserID  string `json:"userId,omitempty"`
	Token   string `json:"token,omitempty"`
	User    *User  `json:"user,omitempty"`
}

// API is a typed client for the auth endpoints. Requests go through the
// Manager's client, so they carry the session token and refresh on 401.
type API struct {
	baseURL string
	m       *Manager
	client  *http.Client
	plain   *http.Client
}

// NewAPI binds a client for baseURL to m and installs the refresh call
// on m.
func NewAPI(baseURL string, m *Manager) *API {
	a := &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		m:       m,
		client:  m.Client(),
		plain:   &http.Client{Transport: m.base},
	}
	m.SetRefresher(a.refresh)
	return a
}

// Register starts a registration and returns the pending user id.
func (a *API) Register(ctx context.Context, req RegisterRequest) (string, error) {
	var out envelope
	if err := a.do(ctx, http.MethodPost, "/api/auth/register", req, &out); err != nil {
		return "", err
	}
	return out.UserID, nil
}

func (a *API) VerifyOTP(ctx context.Context, userID, otp string) error {
	return a.do(ctx, http.MethodPost, "/api/auth/verify-otp", map[string]string{"userId": userID, "otp": otp}, nil)
}

func (a *API) ResendOTP(ctx context.Context, userID string) error {
	return a.do(ctx, http.MethodPost, "/api/auth/resend-otp", map[string]string{"userId": userID}, nil)
}

// Login authenticates and stores the returned token in the session.
func (a *API) Login(ctx context.Context, email, password string) (*User, error) {
	var out envelope
	if err := a.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{"email": email, "password": password}, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, errors.New("login response has no token")
	}
	if err := a.m.SetToken(out.Token); err != nil {
		return nil, err
	}
	if out.User == nil {
		out.User = &User{Email: email}
	}
	return out.User, nil
}

// Refresh renews the current token explicitly and stores the new one.
func (a *API) Refresh(ctx context.Context) (string, error) {
	tok, err := a.refresh(ctx, a.m.Token())
	if err != nil {
		return "", err
	}
	if err := a.m.SetToken(tok); err != nil {
		return "", err
	}
	return tok, nil
}

// Me returns the account of the current session.
func (a *API) Me(ctx context.Context) (*User, error) {
	var out envelope
	if err := a.do(ctx, http.MethodGet, "/api/auth/me", nil, &out); err != nil {
		return nil, err
	}
	if out.User == nil {
		return nil, errors.New("me response has no user")
	}
	return out.User, nil
}

// Logout drops the local session. Tokens are stateless, so the server is
// not involved.
func (a *API) Logout() error {
	return a.m.Clear()
}

// refresh calls the refresh endpoint with current, bypassing the retrying
// transport.
func (a *API) refresh(ctx context.Context, current string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/auth/refresh", http.NoBody)
	if err != nil {
		return "", err
	}
	if current != "" {
		req.Header.Set("Authorization", current)
	}
	resp, err := a.plain.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	var out envelope
	if err := decode(resp, &out); err != nil {
		return "", err
	}
	if !out.Success || out.Token == "" {
		return "", errors.New("refresh rejected")
	}
	return out.Token, nil
}

func (a *API) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	expired := false
	ctx = context.WithValue(ctx, expiredKey{}, &expired)
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if out == nil {
		out = &envelope{}
	}
	err = decode(resp, out)
	var se *StatusError
	if errors.As(err, &se) && expired {
		se.Expired = true
	}
	return err
}

// decode reads a JSON body into out, or turns a non-2xx status into a
// *StatusError with the server's message.
func decode(resp *http.Response, out interface{}) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var env envelope
		_ = json.Unmarshal(data, &env)
		return &StatusError{Status: resp.StatusCode, Message: env.Message}
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
