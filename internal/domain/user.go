package domain

import (
	"time"

	"github.com/google/uuid"
)

// Roles a user can hold
const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

// User is an account able to authenticate against the API
type User struct {
	ID                  uuid.UUID  `json:"id" db:"id"`
	Name                string     `json:"name" db:"name"`
	Email               string     `json:"email" db:"email"`
	PasswordHash        string     `json:"-" db:"password_hash"`
	Role                string     `json:"role" db:"role"`
	ResetPasswordToken  string     `json:"-" db:"reset_password_token"`
	ResetPasswordExpire *time.Time `json:"-" db:"reset_password_expire"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

// IsAdmin reports whether the user holds the admin role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// ResetTokenValid reports whether a stored reset token is still usable at now
func (u *User) ResetTokenValid(now time.Time) bool {
	return u.ResetPasswordToken != "" && u.ResetPasswordExpire != nil && u.ResetPasswordExpire.After(now)
}

// RefreshToken is a long-lived session used to mint new access tokens.
// Only the SHA-256 of the client's token is kept.
type RefreshToken struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	TokenHash string    `json:"-" db:"token_hash"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	Revoked   bool      `json:"revoked" db:"revoked"`
}
