package auth

import (
	"fmt"
	"time"

	"github.com/vendorhub/licensing/internal/platform/httpx"
	"github.com/vendorhub/licensing/internal/rbac"
)

// User represents an authenticated user account.
type User struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash string
	Role         rbac.Role
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Principal returns the identity the access layer works with.
func (u User) Principal() rbac.Principal {
	return rbac.Principal{ID: u.ID, Role: u.Role}
}

var (
	// ErrInvalidCredentials indicates an unknown email, inactive account or wrong password.
	ErrInvalidCredentials = fmt.Errorf("auth: invalid credentials: %w", httpx.ErrUnauthorized)
	// ErrInvalidToken indicates a bearer token that failed verification.
	ErrInvalidToken = fmt.Errorf("auth: invalid token: %w", httpx.ErrUnauthorized)
	// ErrNotFound indicates record missing.
	ErrNotFound = fmt.Errorf("auth: %w", httpx.ErrNotFound)
)
