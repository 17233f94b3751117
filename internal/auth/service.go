package auth

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Repository defines persistence operations for auth module.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
}

// Service wraps authentication business rules.
type Service struct {
	repo   Repository
	tokens *TokenService
}

// NewService constructs a new Service.
func NewService(repo Repository, tokens *TokenService) *Service {
	return &Service{repo: repo, tokens: tokens}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// Login authenticates the credentials and issues an access token.
func (s *Service) Login(ctx context.Context, email, password string) (Token, *User, error) {
	user, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return Token{}, nil, err
	}
	token, err := s.tokens.Issue(user.Principal())
	if err != nil {
		return Token{}, nil, err
	}
	return token, user, nil
}
