package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"inkwell/internal/model"
	"inkwell/internal/pkg/lock"
	"inkwell/internal/pkg/metrics"
	"inkwell/internal/pkg/notify"
	"inkwell/internal/pkg/token"
	"inkwell/internal/store"

	"golang.org/x/crypto/bcrypt"
)

const (
	defaultOTPTTL         = 10 * time.Minute
	defaultResendCooldown = 60 * time.Second
	defaultBcryptCost     = 10
)

// TokenIssuer signs and verifies session tokens.
type TokenIssuer interface {
	Issue(userID string) (string, time.Time, error)
	Verify(tokenStr string) (string, error)
}

// Locker serializes registration attempts per email.
type Locker interface {
	Acquire(ctx context.Context, name string) (func(), error)
}

// WelcomePublisher queues the welcome mail for a verified account.
type WelcomePublisher interface {
	PublishWelcome(ctx context.Context, userID, email, name string) error
}

type Config struct {
	AdminEmail     string
	OTPTTL         time.Duration
	ResendCooldown time.Duration
	BcryptCost     int
}

// Service runs the registration state machine and issues sessions.
type Service struct {
	users   store.UserStore
	sender  notify.OTPSender
	tokens  TokenIssuer
	locker  Locker
	welcome WelcomePublisher
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
	newCode func() (string, error)
}

type Option func(*Service)

func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithWelcomePublisher(p WelcomePublisher) Option {
	return func(s *Service) { s.welcome = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *Service) { s.newCode = gen }
}

func NewService(users store.UserStore, sender notify.OTPSender, tokens TokenIssuer, logger *slog.Logger, cfg Config, opts ...Option) *Service {
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = defaultOTPTTL
	}
	if cfg.ResendCooldown <= 0 {
		cfg.ResendCooldown = defaultResendCooldown
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = defaultBcryptCost
	}
	cfg.AdminEmail = normalizeEmail(cfg.AdminEmail)

	s := &Service{
		users:   users,
		sender:  sender,
		tokens:  tokens,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		newCode: func() (string, error) { return generateCode(otpLength) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type RegisterInput struct {
	Name     string
	Lastname string
	Email    string
	Password string
}

type RegisterResult struct {
	UserID string
}

// UserSummary is the public view of an account.
type UserSummary struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Lastname string `json:"lastname"`
	Email    string `json:"email"`
	IsAdmin  bool   `json:"isAdmin"`
}

type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      UserSummary
}

type RefreshResult struct {
	Token     string
	ExpiresAt time.Time
}

// attempt records what Register changed so a failed dispatch can be undone.
type attempt struct {
	isNew    bool
	snapshot model.PendingSnapshot
}

// Register creates or refreshes a pending account and mails its code. If the
// mail cannot be sent the record is returned to its prior state.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	name := strings.TrimSpace(in.Name)
	lastname := strings.TrimSpace(in.Lastname)
	email := normalizeEmail(in.Email)

	var missing []string
	if name == "" {
		missing = append(missing, "name")
	}
	if lastname == "" {
		missing = append(missing, "lastname")
	}
	if email == "" {
		missing = append(missing, "email")
	}
	if strings.TrimSpace(in.Password) == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		metrics.RegistrationsTotal.WithLabelValues("invalid").Inc()
		return nil, newError(ErrValidation, "Missing or empty fields: "+strings.Join(missing, ", "))
	}
	if !validEmail(email) {
		metrics.RegistrationsTotal.WithLabelValues("invalid").Inc()
		return nil, newError(ErrValidation, "Invalid email address")
	}

	release, err := s.acquire(ctx, email)
	if err != nil {
		return nil, err
	}
	defer release()

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	code, err := s.newCode()
	if err != nil {
		return nil, fmt.Errorf("generate otp: %w", err)
	}
	now := s.now()
	expires := now.Add(s.cfg.OTPTTL)

	var (
		user *model.User
		att  attempt
	)
	existing, err := s.users.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrUserNotFound):
		user = &model.User{
			Name:         name,
			Lastname:     lastname,
			Email:        email,
			PasswordHash: string(hash),
			IsVerified:   false,
			OTP:          code,
			OTPExpiresAt: &expires,
			OTPSentAt:    &now,
		}
		if err := s.users.Create(ctx, user); err != nil {
			if errors.Is(err, store.ErrDuplicateEmail) {
				return nil, newError(ErrRegistrationInProgress, "A registration for this email is already in progress")
			}
			return nil, fmt.Errorf("create pending user: %w", err)
		}
		att.isNew = true
	case err != nil:
		return nil, fmt.Errorf("lookup user: %w", err)
	case existing.IsVerified:
		metrics.RegistrationsTotal.WithLabelValues("duplicate").Inc()
		s.logger.Info("registration rejected, email already verified", slog.String("email", email))
		return nil, newError(ErrDuplicateEmail, "Email already exists")
	default:
		user = existing
		att.snapshot = model.Capture(user)
		user.Name = name
		user.Lastname = lastname
		user.PasswordHash = string(hash)
		user.OTP = code
		user.OTPExpiresAt = &expires
		user.OTPSentAt = &now
		if err := s.users.Save(ctx, user); err != nil {
			return nil, fmt.Errorf("update pending user: %w", err)
		}
	}

	if err := s.sender.SendOTP(ctx, email, code); err != nil {
		return nil, s.compensate(ctx, user, att, err)
	}

	outcome := "pending_updated"
	if att.isNew {
		outcome = "pending_new"
	}
	metrics.RegistrationsTotal.WithLabelValues(outcome).Inc()
	s.logger.Info("registration pending verification",
		slog.String("user_id", user.ID),
		slog.String("email", email),
		slog.String("outcome", outcome))
	return &RegisterResult{UserID: user.ID}, nil
}

// compensate undoes a pending write after a failed dispatch and returns the
// delivery error for the caller.
func (s *Service) compensate(ctx context.Context, user *model.User, att attempt, sendErr error) error {
	ctx = context.WithoutCancel(ctx)
	dErr := &DeliveryError{AuthFailure: notify.IsAuthFailure(sendErr), Err: sendErr}

	cause := "other"
	if dErr.AuthFailure {
		cause = "auth"
		s.logger.Error("otp dispatch failed: mail service authentication failed, check MAIL_USER and MAIL_PASS",
			slog.String("email", user.Email),
			slog.String("error", sendErr.Error()))
	} else {
		s.logger.Error("otp dispatch failed",
			slog.String("email", user.Email),
			slog.String("error", sendErr.Error()))
	}
	metrics.OTPDeliveryFailuresTotal.WithLabelValues(cause).Inc()

	var rbErr error
	if att.isNew {
		rbErr = s.users.Delete(ctx, user.ID)
	} else {
		att.snapshot.Restore(user)
		rbErr = s.users.Save(ctx, user)
	}
	if rbErr != nil {
		metrics.RollbackFailuresTotal.Inc()
		s.logger.Error("registration rollback failed, record left inconsistent",
			slog.String("user_id", user.ID),
			slog.String("email", user.Email),
			slog.Bool("new_record", att.isNew),
			slog.String("send_error", sendErr.Error()),
			slog.String("rollback_error", rbErr.Error()))
	} else {
		metrics.RegistrationsTotal.WithLabelValues("rolled_back").Inc()
		s.logger.Info("registration rolled back",
			slog.String("user_id", user.ID),
			slog.Bool("new_record", att.isNew))
	}
	return dErr
}

// VerifyOTP confirms the pending code for userID. An expired code deletes
// the record so the email can register again.
func (s *Service) VerifyOTP(ctx context.Context, userID, otp string) error {
	userID = strings.TrimSpace(userID)
	otp = strings.TrimSpace(otp)
	if userID == "" || otp == "" {
		metrics.VerificationsTotal.WithLabelValues("invalid").Inc()
		return newError(ErrValidation, "User ID and OTP are required")
	}

	user, release, err := s.lockedUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			metrics.VerificationsTotal.WithLabelValues("not_found").Inc()
		}
		return err
	}
	defer release()

	if user.OTP == "" || user.OTP != otp {
		metrics.VerificationsTotal.WithLabelValues("invalid_code").Inc()
		return newError(ErrInvalidCode, "Invalid OTP")
	}

	if user.OTPExpired(s.now()) {
		if err := s.users.Delete(ctx, user.ID); err != nil {
			return fmt.Errorf("delete expired pending user: %w", err)
		}
		metrics.VerificationsTotal.WithLabelValues("expired").Inc()
		s.logger.Info("otp expired, pending account removed", slog.String("user_id", user.ID))
		return newError(ErrExpired, "OTP expired")
	}

	user.MarkVerified()
	if err := s.users.Save(ctx, user); err != nil {
		return fmt.Errorf("save verified user: %w", err)
	}
	metrics.VerificationsTotal.WithLabelValues("verified").Inc()
	s.logger.Info("account verified", slog.String("user_id", user.ID))

	if s.welcome != nil {
		if err := s.welcome.PublishWelcome(ctx, user.ID, user.Email, user.Name); err != nil {
			s.logger.Warn("queue welcome mail failed",
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// ResendOTP issues a fresh code for an unverified account. Codes are not
// re-sent within the cooldown, and a failed dispatch restores the old code.
func (s *Service) ResendOTP(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return newError(ErrValidation, "User ID is required")
	}

	user, release, err := s.lockedUser(ctx, userID)
	if err != nil {
		return err
	}
	defer release()
	if user.IsVerified {
		return newError(ErrValidation, "Account already verified")
	}

	now := s.now()
	if user.OTPSentAt != nil {
		if elapsed := now.Sub(*user.OTPSentAt); elapsed < s.cfg.ResendCooldown {
			wait := int((s.cfg.ResendCooldown - elapsed + time.Second - 1) / time.Second)
			return newError(ErrTooManyRequests, fmt.Sprintf("Please wait %d seconds before requesting a new code", wait))
		}
	}

	code, err := s.newCode()
	if err != nil {
		return fmt.Errorf("generate otp: %w", err)
	}
	expires := now.Add(s.cfg.OTPTTL)

	att := attempt{snapshot: model.Capture(user)}
	user.OTP = code
	user.OTPExpiresAt = &expires
	user.OTPSentAt = &now
	if err := s.users.Save(ctx, user); err != nil {
		return fmt.Errorf("save new otp: %w", err)
	}

	if err := s.sender.SendOTP(ctx, user.Email, code); err != nil {
		return s.compensate(ctx, user, att, err)
	}
	s.logger.Info("verification code resent", slog.String("user_id", user.ID))
	return nil
}

// Login checks credentials of a verified account and issues a session token.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		metrics.LoginsTotal.WithLabelValues("invalid").Inc()
		return nil, newError(ErrValidation, "Email and password are required")
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			metrics.LoginsTotal.WithLabelValues("not_found").Inc()
			return nil, newError(ErrNotFound, "User not found")
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if !user.IsVerified {
		metrics.LoginsTotal.WithLabelValues("not_verified").Inc()
		return nil, newError(ErrNotVerified, "Please verify your email first")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		metrics.LoginsTotal.WithLabelValues("bad_password").Inc()
		return nil, newError(ErrInvalidCredentials, "Incorrect password")
	}

	tok, exp, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	metrics.LoginsTotal.WithLabelValues("success").Inc()
	s.logger.Info("user logged in", slog.String("user_id", user.ID))

	return &LoginResult{Token: tok, ExpiresAt: exp, User: s.summary(user)}, nil
}

// Refresh re-issues a token for the holder of a still-valid token. An
// expired token cannot be renewed; the caller has to log in again.
func (s *Service) Refresh(ctx context.Context, authorization string) (*RefreshResult, error) {
	raw := token.FromHeader(authorization)
	if raw == "" {
		metrics.TokenRefreshTotal.WithLabelValues("missing").Inc()
		return nil, newError(ErrUnauthenticated, "No token provided")
	}

	userID, err := s.tokens.Verify(raw)
	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues("invalid").Inc()
		return nil, newError(ErrUnauthenticated, "Token refresh failed")
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrUserNotFound) {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil || !user.IsVerified {
		metrics.TokenRefreshTotal.WithLabelValues("unknown_user").Inc()
		return nil, newError(ErrUnauthenticated, "User not found or not verified")
	}

	tok, exp, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	metrics.TokenRefreshTotal.WithLabelValues("success").Inc()
	return &RefreshResult{Token: tok, ExpiresAt: exp}, nil
}

// Me returns the summary of the authenticated account.
func (s *Service) Me(ctx context.Context, userID string) (*UserSummary, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, newError(ErrNotFound, "User not found")
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	sum := s.summary(user)
	return &sum, nil
}

// IsAdmin reports whether email is the configured admin address.
func (s *Service) IsAdmin(email string) bool {
	return s.cfg.AdminEmail != "" && normalizeEmail(email) == s.cfg.AdminEmail
}

// IsAdminUser reports whether userID is a verified account holding the
// admin email. Unknown ids are not admins.
func (s *Service) IsAdminUser(ctx context.Context, userID string) (bool, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("lookup user: %w", err)
	}
	return user.IsVerified && s.IsAdmin(user.Email), nil
}

func (s *Service) summary(u *model.User) UserSummary {
	return UserSummary{
		ID:       u.ID,
		Name:     u.Name,
		Lastname: u.Lastname,
		Email:    u.Email,
		IsAdmin:  s.IsAdmin(u.Email),
	}
}

// acquire takes the per-email registration lock. Lock backend errors are
// logged and the attempt proceeds unlocked.
func (s *Service) acquire(ctx context.Context, email string) (func(), error) {
	noop := func() {}
	if s.locker == nil {
		return noop, nil
	}
	release, err := s.locker.Acquire(ctx, "register:"+email)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return nil, newError(ErrRegistrationInProgress, "A registration for this email is already in progress")
		}
		s.logger.Warn("registration lock unavailable", slog.String("error", err.Error()))
		return noop, nil
	}
	return release, nil
}

// lockedUser takes the email lock of userID's record and returns the record
// as read under that lock. A copy read before the lock may predate a
// concurrent registration and must not be saved.
func (s *Service) lockedUser(ctx context.Context, userID string) (*model.User, func(), error) {
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	release, err := s.acquire(ctx, user.Email)
	if err != nil {
		return nil, nil, err
	}
	user, err = s.findUser(ctx, userID)
	if err != nil {
		release()
		return nil, nil, err
	}
	return user, release, nil
}

func (s *Service) findUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, newError(ErrNotFound, "User not found")
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}
