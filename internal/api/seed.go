package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"inkwell/internal/model"
	"inkwell/internal/store"

	"golang.org/x/crypto/bcrypt"
)

// SeedAdmin makes sure the configured admin account exists and is verified.
// It does nothing unless both the admin email and password are set. An
// existing account keeps its password.
func (s *Server) SeedAdmin(ctx context.Context) error {
	email := strings.ToLower(strings.TrimSpace(s.cfg.App.AdminEmail))
	password := s.cfg.App.AdminPassword
	if email == "" || password == "" {
		return nil
	}

	user, err := s.deps.Users.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrUserNotFound):
		hash, hashErr := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if hashErr != nil {
			return fmt.Errorf("hash admin password: %w", hashErr)
		}
		user = &model.User{
			Name:         "Admin",
			Lastname:     "User",
			Email:        email,
			PasswordHash: string(hash),
			IsVerified:   true,
		}
		if err := s.deps.Users.Create(ctx, user); err != nil {
			return fmt.Errorf("create admin: %w", err)
		}
		s.logger.Info("admin account created", slog.String("email", email))
		return nil
	case err != nil:
		return fmt.Errorf("lookup admin: %w", err)
	}

	if user.IsVerified {
		return nil
	}
	user.MarkVerified()
	if err := s.deps.Users.Save(ctx, user); err != nil {
		return fmt.Errorf("verify admin: %w", err)
	}
	s.logger.Info("admin account verified", slog.String("email", email))
	return nil
}
