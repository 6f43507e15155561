package transport

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/perimetra/fieldsync/internal/settings"
)

const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
)

var errMissingSettings = errors.New("settings store is required")

// Credentials holds the device's token pair, persisted in the settings store
// so a restart does not force a re-login.
type Credentials struct {
	store *settings.Store
	clock func() time.Time
}

// NewCredentials constructs a Credentials backed by the given settings store.
func NewCredentials(store *settings.Store, clock func() time.Time) (*Credentials, error) {
	if store == nil {
		return nil, errMissingSettings
	}
	if clock == nil {
		clock = time.Now
	}
	return &Credentials{store: store, clock: clock}, nil
}

// AccessToken returns the current identity token, or "" when logged out.
func (c *Credentials) AccessToken() string {
	return c.store.String(keyAccessToken)
}

// RefreshToken returns the current refresh token, or "" when logged out.
func (c *Credentials) RefreshToken() string {
	return c.store.String(keyRefreshToken)
}

// SetPair persists a fresh token pair.
func (c *Credentials) SetPair(access, refresh string) error {
	if err := c.store.SetString(keyAccessToken, access); err != nil {
		return err
	}
	return c.store.SetString(keyRefreshToken, refresh)
}

// Clear removes both tokens, transitioning the device to the logged-out state.
func (c *Credentials) Clear() error {
	if err := c.store.SetString(keyAccessToken, ""); err != nil {
		return err
	}
	return c.store.SetString(keyRefreshToken, "")
}

// ExpiresSoon reports whether the access token's exp claim falls within the
// window. Opaque or malformed tokens report false; a stale token then simply
// trips the 401-triggered refresh instead.
func (c *Credentials) ExpiresSoon(window time.Duration) bool {
	raw := c.AccessToken()
	if raw == "" {
		return false
	}
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Time.Before(c.clock().UTC().Add(window))
}
