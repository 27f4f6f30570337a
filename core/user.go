package core

import (
	"context"
	"time"
)

type (
	User struct {
		ID                string    `json:"id"`
		Name              string    `json:"name"`
		Email             string    `json:"email"`
		PasswordHash      string    `json:"-"`
		RefreshToken      string    `json:"-"`
		ResetToken        string    `json:"-"`
		ResetTokenExpires time.Time `json:"-"`
		CreatedAt         time.Time `json:"createdAt"`
		UpdatedAt         time.Time `json:"updatedAt"`
	}

	// UserStore defines the persistence layer for the user directory.
	UserStore interface {
		// CreateUser persists a new user, assigning its ID and timestamps.
		// Fails with ErrConflict if the email is already registered.
		CreateUser(ctx context.Context, user *User) error

		// FindUser returns a user by id.
		FindUser(ctx context.Context, id string) (*User, error)

		// FindUserByEmail returns a user by email address.
		FindUserByEmail(ctx context.Context, email string) (*User, error)

		// FindUserByRefreshToken returns the user holding the given
		// refresh token.
		FindUserByRefreshToken(ctx context.Context, token string) (*User, error)

		// FindUserByResetToken returns the user holding the given
		// password-reset token.
		FindUserByResetToken(ctx context.Context, token string) (*User, error)

		// UpdateUser persists changes to an existing user.
		UpdateUser(ctx context.Context, user *User) error

		// ListUsers returns all users except excludeID.
		ListUsers(ctx context.Context, excludeID string) ([]*User, error)
	}
)
