package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Scope is the tenant context baked into a token pair.
type Scope struct {
	OrganizationID string
	StoreID        string
}

// Claims is the signed token payload.
type Claims struct {
	OrganizationID string  `json:"organization_id"`
	StoreID        *string `json:"store_id"`
	TokenType      string  `json:"typ"`
	jwt.RegisteredClaims
}

// Scope returns the tenant context carried by the claims.
func (c *Claims) Scope() Scope {
	s := Scope{OrganizationID: c.OrganizationID}
	if c.StoreID != nil {
		s.StoreID = *c.StoreID
	}
	return s
}

// TokenPair is a freshly issued access/refresh pair.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// TokenConfig configures a TokenIssuer.
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// TokenIssuer signs and verifies HS256 tokens. Access and refresh tokens use
// different secrets so one can never be replayed as the other.
type TokenIssuer struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// NewTokenIssuer validates cfg and returns an issuer.
func NewTokenIssuer(cfg TokenConfig, now func() time.Time) (*TokenIssuer, error) {
	access := strings.TrimSpace(cfg.AccessSecret)
	refresh := strings.TrimSpace(cfg.RefreshSecret)
	if access == "" || refresh == "" {
		return nil, errors.New("auth: access and refresh secrets are required")
	}
	if access == refresh {
		return nil, errors.New("auth: access and refresh secrets must differ")
	}
	if now == nil {
		now = time.Now
	}
	t := &TokenIssuer{
		accessSecret:  []byte(access),
		refreshSecret: []byte(refresh),
		issuer:        strings.TrimSpace(cfg.Issuer),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		now:           now,
	}
	if t.accessTTL <= 0 {
		t.accessTTL = defaultAccessTTL
	}
	if t.refreshTTL <= 0 {
		t.refreshTTL = defaultRefreshTTL
	}
	return t, nil
}

// RefreshTTL is the lifetime given to new refresh tokens and sessions.
func (t *TokenIssuer) RefreshTTL() time.Duration { return t.refreshTTL }

// IssueTokens signs a new pair for the account in the given scope.
func (t *TokenIssuer) IssueTokens(accountID string, scope Scope) (TokenPair, error) {
	now := t.now().UTC()
	access, err := t.sign(accountID, scope, tokenTypeAccess, now, now.Add(t.accessTTL), t.accessSecret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth: sign access token: %w", err)
	}
	refreshExp := now.Add(t.refreshTTL)
	refresh, err := t.sign(accountID, scope, tokenTypeRefresh, now, refreshExp, t.refreshSecret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth: sign refresh token: %w", err)
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresIn:        int64(t.accessTTL / time.Second),
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (t *TokenIssuer) sign(sub string, scope Scope, typ string, iat, exp time.Time, secret []byte) (string, error) {
	claims := Claims{
		OrganizationID: scope.OrganizationID,
		TokenType:      typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	if scope.StoreID != "" {
		store := scope.StoreID
		claims.StoreID = &store
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseAccess verifies an access token.
func (t *TokenIssuer) ParseAccess(raw string) (*Claims, error) {
	return t.parse(raw, tokenTypeAccess, t.accessSecret)
}

// ParseRefresh verifies a refresh token's signature and expiry only; the
// session lookup happens separately.
func (t *TokenIssuer) ParseRefresh(raw string) (*Claims, error) {
	return t.parse(raw, tokenTypeRefresh, t.refreshSecret)
}

func (t *TokenIssuer) parse(raw, typ string, secret []byte) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return secret, nil }, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.TokenType != typ || claims.Subject == "" || claims.OrganizationID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
