package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token for each request attempt.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken always returns the same token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// RenewFunc exchanges a token that is about to expire for a new one.
type RenewFunc func(ctx context.Context, current string) (string, error)

// DefaultRenewSkew is how long before expiry a token is renewed.
const DefaultRenewSkew = time.Minute

// RenewingToken hands out a JWT and renews it shortly before its exp claim.
// Tokens that are not JWTs, or carry no exp, are used as is forever.
type RenewingToken struct {
	mu     sync.Mutex
	token  string
	expiry time.Time
	renew  RenewFunc
	skew   time.Duration
	now    func() time.Time
}

func NewRenewingToken(initial string, renew RenewFunc) *RenewingToken {
	return &RenewingToken{
		token:  initial,
		expiry: tokenExpiry(initial),
		renew:  renew,
		skew:   DefaultRenewSkew,
		now:    time.Now,
	}
}

func (t *RenewingToken) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token == "" || t.expiry.IsZero() || t.renew == nil {
		return t.token, nil
	}
	now := t.now()
	if now.Add(t.skew).Before(t.expiry) {
		return t.token, nil
	}

	fresh, err := t.renew(ctx, t.token)
	if err != nil {
		// Still usable; try again on the next attempt.
		if now.Before(t.expiry) {
			return t.token, nil
		}
		return "", fmt.Errorf("renew token: %w", err)
	}
	t.token = fresh
	t.expiry = tokenExpiry(fresh)
	return t.token, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// relay verifies, we only need to know when to renew.
func tokenExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
