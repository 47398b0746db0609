package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is an account record. A record stays unverified until the emailed
// one-time code is confirmed; only verified records can log in.
type User struct {
	ID           string     `gorm:"type:varchar(36);primaryKey"`   // UUID, immutable
	Name         string     `gorm:"type:varchar(128);not null"`    // first name
	Lastname     string     `gorm:"type:varchar(128);not null"`    // last name
	Email        string     `gorm:"type:varchar(191);uniqueIndex"` // lower-cased, trimmed
	PasswordHash string     `gorm:"not null" json:"-"`             // bcrypt hash
	IsVerified   bool       `gorm:"default:false;index"`           // gates login
	OTP          string     `gorm:"type:varchar(16)" json:"-"`     // empty when no code is pending
	OTPExpiresAt *time.Time `json:"-"`                             // nil when no code is pending
	OTPSentAt    *time.Time `json:"-"`                             // last dispatch time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BeforeCreate assigns the UUID on first insert.
func (u *User) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// HasPendingOTP reports whether a verification code is outstanding.
func (u *User) HasPendingOTP() bool {
	return u.OTP != "" && u.OTPExpiresAt != nil
}

// OTPExpired reports whether the pending code is past its expiry at now.
func (u *User) OTPExpired(now time.Time) bool {
	return u.OTPExpiresAt == nil || now.After(*u.OTPExpiresAt)
}

// MarkVerified flags the record verified and drops the pending code.
func (u *User) MarkVerified() {
	u.IsVerified = true
	u.OTP = ""
	u.OTPExpiresAt = nil
	u.OTPSentAt = nil
}

// PendingSnapshot is a value copy of the mutable fields of an unverified
// record, taken before it is overwritten by a repeated registration.
type PendingSnapshot struct {
	Name         string
	Lastname     string
	PasswordHash string
	OTP          string
	OTPExpiresAt *time.Time
	OTPSentAt    *time.Time
}

// Capture copies the mutable fields of u.
func Capture(u *User) PendingSnapshot {
	return PendingSnapshot{
		Name:         u.Name,
		Lastname:     u.Lastname,
		PasswordHash: u.PasswordHash,
		OTP:          u.OTP,
		OTPExpiresAt: copyTime(u.OTPExpiresAt),
		OTPSentAt:    copyTime(u.OTPSentAt),
	}
}

// Restore writes the captured fields back onto u.
func (s PendingSnapshot) Restore(u *User) {
	u.Name = s.Name
	u.Lastname = s.Lastname
	u.PasswordHash = s.PasswordHash
	u.OTP = s.OTP
	u.OTPExpiresAt = copyTime(s.OTPExpiresAt)
	u.OTPSentAt = copyTime(s.OTPSentAt)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
