package cloud

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the access token sent with every cloud request.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// TokenStore holds the user's cloud access token. The token is issued by the
// cloud, so its signature is not checked here: only its expiry is read.
type TokenStore struct {
	mu     sync.RWMutex
	token  string
	leeway time.Duration
	now    func() time.Time
}

func NewTokenStore(token string) *TokenStore {
	return &TokenStore{
		token:  strings.TrimSpace(token),
		leeway: 30 * time.Second,
		now:    time.Now,
	}
}

// NewTokenStoreFromEnv reads the token from the named environment variable.
func NewTokenStoreFromEnv(envVar string) *TokenStore {
	return NewTokenStore(os.Getenv(envVar))
}

func (t *TokenStore) Set(token string) error {
	token = strings.TrimSpace(token)
	if _, err := t.expiry(token); err != nil {
		return err
	}

	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
	return nil
}

func (t *TokenStore) AccessToken(ctx context.Context) (string, error) {
	t.mu.RLock()
	token := t.token
	t.mu.RUnlock()

	if token == "" {
		return "", ErrEmptyToken
	}

	exp, err := t.expiry(token)
	if err != nil {
		return "", err
	}
	if !exp.IsZero() && t.now().Add(t.leeway).After(exp) {
		return "", ErrEmptyToken
	}
	return token, nil
}

// Expiry returns the exp claim of the current token, zero if it has none.
func (t *TokenStore) Expiry() (time.Time, error) {
	t.mu.RLock()
	token := t.token
	t.mu.RUnlock()
	if token == "" {
		return time.Time{}, ErrEmptyToken
	}
	return t.expiry(token)
}

func (t *TokenStore) expiry(token string) (time.Time, error) {
	if token == "" {
		return time.Time{}, ErrEmptyToken
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrEmptyToken, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}
