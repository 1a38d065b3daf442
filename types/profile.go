package types

import "time"

// UserRole is the coarse privilege level of a profile.
type UserRole string

const (
	RoleRegular   UserRole = "regular"
	RoleAdmin     UserRole = "admin"
	RoleSuperuser UserRole = "superuser"
)

// MaxLoginAttempts is the number of consecutive failures after which a profile is locked.
const MaxLoginAttempts = 3

// UserProfile models login bookkeeping for an account.
//
// It is not persisted and no endpoint uses it yet; login and lockout
// are outside what the service currently offers.
type UserProfile struct {
	ID            int        `json:"id"`
	Username      string     `json:"username"`
	IsActive      bool       `json:"is_active"`
	Role          UserRole   `json:"role"`
	LastLogin     *time.Time `json:"last_login,omitempty"`
	LoginAttempts int        `json:"login_attempts"`
}

// IsLocked reports whether too many consecutive login attempts failed.
func (p *UserProfile) IsLocked() bool {
	return p.LoginAttempts >= MaxLoginAttempts
}

// RecordLoginAttempt resets the counter on success and increments it on failure.
func (p *UserProfile) RecordLoginAttempt(success bool, at time.Time) {
	if success {
		p.LoginAttempts = 0
		p.LastLogin = &at
		return
	}
	p.LoginAttempts++
}

func (p *UserProfile) CanAccessAdminPanel() bool {
	return p.IsActive && (p.Role == RoleAdmin || p.Role == RoleSuperuser)
}
