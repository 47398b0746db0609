package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"inkwell/internal/model"

	"github.com/DATA-DOG/go-sqlmock"
	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

func newStoreWithMock(t *testing.T) (*GormUserStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		Logger:                 gormLogger.Default.LogMode(gormLogger.Silent),
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		t.Fatalf("gorm open: %v", err)
	}
	return NewUserStore(db), mock
}

func userColumns() []string {
	return []string{"id", "name", "lastname", "email", "password_hash", "is_verified", "otp", "otp_expires_at", "otp_sent_at", "created_at", "updated_at"}
}

func TestFindByEmail_Found(t *testing.T) {
	s, mock := newStoreWithMock(t)
	now := time.Now()

	rows := sqlmock.NewRows(userColumns()).
		AddRow("u-1", "Ann", "Lee", "ann@example.com", "hash", false, "123456", now.Add(10*time.Minute), now, now, now)
	mock.ExpectQuery("SELECT \\* FROM `users` WHERE email = \\?").WillReturnRows(rows)

	got, err := s.FindByEmail(context.Background(), "ann@example.com")
	if err != nil {
		t.Fatalf("FindByEmail error: %v", err)
	}
	if got.ID != "u-1" || got.OTP != "123456" || got.IsVerified {
		t.Fatalf("unexpected user: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFindByEmail_NotFound(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery("SELECT \\* FROM `users` WHERE email = \\?").WillReturnRows(sqlmock.NewRows(userColumns()))

	_, err := s.FindByEmail(context.Background(), "ghost@example.com")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("want ErrUserNotFound, got %v", err)
	}
}

func TestFindByID_DBError(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectQuery("SELECT \\* FROM `users` WHERE id = \\?").WillReturnError(errors.New("db down"))

	_, err := s.FindByID(context.Background(), "u-1")
	if err == nil || errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestCreate_AssignsID(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectExec("INSERT INTO `users`").WillReturnResult(sqlmock.NewResult(0, 1))

	u := &model.User{Name: "Ann", Lastname: "Lee", Email: "ann@example.com", PasswordHash: "hash"}
	if err := s.Create(context.Background(), u); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if u.ID == "" {
		t.Fatalf("expected generated id")
	}
}

func TestCreate_DuplicateEmail(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectExec("INSERT INTO `users`").WillReturnError(&mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"})

	err := s.Create(context.Background(), &model.User{Email: "ann@example.com"})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("want ErrDuplicateEmail, got %v", err)
	}
}

func TestDelete_ByID(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectExec("DELETE FROM `users` WHERE id = \\?").
		WithArgs("u-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Delete(context.Background(), "u-1"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteStalePending_ReturnsCount(t *testing.T) {
	s, mock := newStoreWithMock(t)
	cutoff := time.Now().Add(-time.Hour)

	mock.ExpectExec("DELETE FROM `users` WHERE is_verified = \\? AND otp_expires_at < \\?").
		WithArgs(false, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.DeleteStalePending(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteStalePending error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows, got %d", n)
	}
}

func TestDialectorFor(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"root:pw@tcp(localhost:3306)/inkwell?parseTime=true", "mysql"},
		{"postgres://u:p@localhost:5432/inkwell", "postgres"},
		{"host=localhost user=u dbname=inkwell", "postgres"},
	}
	for _, tt := range tests {
		if got := dialectorFor(tt.dsn).Name(); got != tt.want {
			t.Fatalf("dialectorFor(%q) = %s, want %s", tt.dsn, got, tt.want)
		}
	}
}
