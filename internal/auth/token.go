package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vendorhub/licensing/internal/rbac"
)

const defaultTokenTTL = time.Hour

// Claims are the access token claims. The subject carries the user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies HS256 access tokens.
type TokenService struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	now        func() time.Time
}

// NewTokenService constructs a TokenService.
func NewTokenService(signingKey, issuer string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenService{signingKey: []byte(signingKey), issuer: issuer, ttl: ttl, now: time.Now}
}

// Token is an issued access token.
type Token struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Issue signs a token for principal.
func (s *TokenService) Issue(principal rbac.Principal) (Token, error) {
	if !principal.Role.Valid() {
		return Token{}, fmt.Errorf("auth: issue token: %w", rbac.ErrUnknownRole)
	}
	now := s.now()
	expiresAt := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: string(principal.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(principal.ID, 10),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return Token{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return Token{AccessToken: signed, TokenType: "Bearer", ExpiresAt: expiresAt}, nil
}

// Verify parses raw and returns the principal it was issued for.
func (s *TokenService) Verify(raw string) (rbac.Principal, error) {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return rbac.Principal{}, fmt.Errorf("%w: token has expired", ErrInvalidToken)
		}
		return rbac.Principal{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return rbac.Principal{}, ErrInvalidToken
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return rbac.Principal{}, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	role, err := rbac.ParseRole(claims.Role)
	if err != nil {
		return rbac.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return rbac.Principal{ID: id, Role: role}, nil
}
