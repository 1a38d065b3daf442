package types

import "time"

// User represents an account in the system.
// It contains identity, credential, status and audit metadata.
type User struct {
	// ID is the unique identifier of the user, assigned by the store.
	ID int `json:"id" db:"id"`

	// Username is the login name chosen by the user.
	Username string `json:"username" db:"username"`

	// PasswordHash stores the salted digest of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"hashed_password"`

	// IsActive marks whether the account is enabled.
	IsActive bool `json:"is_active" db:"is_active"`

	// IsSuperuser marks accounts with unrestricted privileges.
	IsSuperuser bool `json:"is_superuser" db:"is_superuser"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// UserCreate carries the input for creating a user.
// Nil flags fall back to active, non-superuser defaults.
type UserCreate struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	IsActive    *bool  `json:"is_active,omitempty"`
	IsSuperuser *bool  `json:"is_superuser,omitempty"`
}

// UserUpdate carries a partial update. A nil field is left untouched;
// a non-nil field is applied even when it holds the zero value.
type UserUpdate struct {
	Username    *string `json:"username,omitempty"`
	Password    *string `json:"password,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
	IsSuperuser *bool   `json:"is_superuser,omitempty"`
}

