// Package store persists account records through GORM.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"inkwell/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrDuplicateEmail = errors.New("email already stored")
)

// UserStore is the credential store used by the registration and session flows.
type UserStore interface {
	Create(ctx context.Context, user *model.User) error
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindByID(ctx context.Context, id string) (*model.User, error)
	Save(ctx context.Context, user *model.User) error
	Delete(ctx context.Context, id string) error
}

// Open connects to MySQL, or to PostgreSQL when the DSN looks like one,
// and migrates the users table.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(dialectorFor(dsn), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&model.User{}); err != nil {
		return nil, fmt.Errorf("migrate users: %w", err)
	}
	return db, nil
}

func dialectorFor(dsn string) gorm.Dialector {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") || strings.Contains(lower, "host=") {
		return postgres.Open(dsn)
	}
	return mysql.Open(dsn)
}

// GormUserStore implements UserStore. Every call is a single-row statement;
// no cross-record transaction is needed by the callers.
type GormUserStore struct {
	db *gorm.DB
}

func NewUserStore(db *gorm.DB) *GormUserStore {
	return &GormUserStore{db: db}
}

func (s *GormUserStore) Create(ctx context.Context, user *model.User) error {
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *GormUserStore) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return &user, nil
}

func (s *GormUserStore) FindByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return &user, nil
}

func (s *GormUserStore) Save(ctx context.Context, user *model.User) error {
	if err := s.db.WithContext(ctx).Save(user).Error; err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *GormUserStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&model.User{}).Error; err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// DeleteStalePending removes unverified records whose code expired before cutoff.
func (s *GormUserStore) DeleteStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("is_verified = ? AND otp_expires_at < ?", false, cutoff).
		Delete(&model.User{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete stale pending users: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Ping checks the underlying connection.
func (s *GormUserStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *GormUserStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
