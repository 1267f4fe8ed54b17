package video

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// GrantClaims is the payload of an access grant.
type GrantClaims struct {
	Room        string `json:"room"`
	Role        Role   `json:"role"`
	CanPublish  bool   `json:"canPublish"`
	CanModerate bool   `json:"canModerate"`
	jwt.RegisteredClaims
}

// TokenProvider mints room handles locally and signs HS256 grants with the
// secret shared with the video platform. It suits platforms that create a
// room on first authorised join.
type TokenProvider struct {
	apiKey   string
	secret   []byte
	endpoint string
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenProvider(apiKey, secret, endpoint string, ttl time.Duration) *TokenProvider {
	return &TokenProvider{
		apiKey:   apiKey,
		secret:   []byte(secret),
		endpoint: endpoint,
		ttl:      ttl,
		now:      time.Now,
	}
}

// WithClock replaces the clock used for grant timestamps.
func (p *TokenProvider) WithClock(now func() time.Time) *TokenProvider {
	p.now = now
	return p
}

func (p *TokenProvider) CreateRoom(ctx context.Context, validFrom, validUntil time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !validUntil.After(validFrom) {
		return "", fmt.Errorf("room window must end after it starts")
	}
	return "rm_" + uuid.NewString(), nil
}

func (p *TokenProvider) IssueIdentity(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "id_" + uuid.NewString(), nil
}

func (p *TokenProvider) GrantAccess(ctx context.Context, roomHandle, identity string, role Role) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return Grant{}, err
	}
	if roomHandle == "" || identity == "" {
		return Grant{}, errors.New("room handle and identity are required")
	}

	now := p.now()
	expiresAt := now.Add(p.ttl)
	claims := GrantClaims{
		Room:        roomHandle,
		Role:        role,
		CanPublish:  true,
		CanModerate: role == RolePresenter,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.apiKey,
			Subject:   identity,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return Grant{}, fmt.Errorf("sign grant: %w", err)
	}
	return Grant{Token: signed, ExpiresAt: expiresAt}, nil
}

func (p *TokenProvider) Endpoint() string {
	return p.endpoint
}

// Verify parses a grant signed by this provider.
func (p *TokenProvider) Verify(token string) (*GrantClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &GrantClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithTimeFunc(p.now), jwt.WithIssuer(p.apiKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}

	claims, ok := parsed.Claims.(*GrantClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidGrant
	}
	return claims, nil
}

// serviceToken authorises server-to-provider API calls.
func (p *TokenProvider) serviceToken() (string, error) {
	now := p.now()
	claims := jwt.RegisteredClaims{
		Issuer:    p.apiKey,
		Subject:   "room-admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}
