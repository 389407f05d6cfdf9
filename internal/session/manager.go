// Package session is the consumer side of the token lifecycle: it keeps one
// token set per authenticated user, refreshes access tokens transparently
// before they expire and drives logout-time revocation.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mytestdev/gallery-auth/internal/models"
)

var log = logrus.New()

func init() {
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)
}

// DefaultSkew is how long before expiry a refresh is attempted, so an access
// token never goes stale mid-call.
const DefaultSkew = 30 * time.Second

// Tokens is the token set held for one signed-in user.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
}

// Refresher exchanges a refresh token for a fresh token set at the provider.
// Implementations must surface ErrInvalidGrant for unusable refresh tokens.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)
}

// Revoker revokes a single token at the provider. Idempotent.
type Revoker interface {
	Revoke(ctx context.Context, tok string) error
}

// Manager maintains one session per authenticated user. Safe for concurrent
// use; the per-user token set is guarded so two concurrent callers inside the
// skew window trigger one refresh each at most.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Tokens

	refresher Refresher
	revoker   Revoker
	skew      time.Duration

	// Now is substituted in tests; defaults to time.Now.
	Now func() time.Time
}

// NewManager builds a session manager over the provider-facing refresher and
// revoker.
func NewManager(refresher Refresher, revoker Revoker) *Manager {
	return &Manager{
		sessions:  make(map[string]*Tokens),
		refresher: refresher,
		revoker:   revoker,
		skew:      DefaultSkew,
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// SignIn stores the token set delivered by the authorization-code flow.
func (m *Manager) SignIn(userID string, tokens *Tokens) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[userID] = tokens

	log.WithField("user", userID).Info("Session established")
}

// AccessToken returns a usable access token for the user's outbound API call,
// transparently refreshing when the current one is within the skew window of
// expiry. Fails with ErrSessionExpired when no refresh is possible.
func (m *Manager) AccessToken(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokens, ok := m.sessions[userID]
	if !ok {
		return "", models.ErrSessionExpired
	}

	if m.now().Add(m.skew).Before(tokens.Expiry) {
		return tokens.AccessToken, nil
	}

	if tokens.RefreshToken == "" {
		delete(m.sessions, userID)
		return "", fmt.Errorf("%w: access token expired and no refresh token held", models.ErrSessionExpired)
	}

	refreshed, err := m.refresher.Refresh(ctx, tokens.RefreshToken)
	if err != nil {
		if errors.Is(err, models.ErrUnavailable) {
			// transient; the current token may still be valid
			if m.now().Before(tokens.Expiry) {
				return tokens.AccessToken, nil
			}
			return "", err
		}
		delete(m.sessions, userID)
		return "", fmt.Errorf("%w: refresh rejected: %v", models.ErrSessionExpired, err)
	}

	if refreshed.IDToken == "" {
		refreshed.IDToken = tokens.IDToken
	}
	m.sessions[userID] = refreshed

	log.WithField("user", userID).Debug("Access token refreshed")

	return refreshed.AccessToken, nil
}

// Logout is two-phase: revocation at the provider is attempted for both the
// access and the refresh token even when one of them fails, and local session
// state is cleared regardless, terminating the provider-side chain and the
// local sign-in together.
func (m *Manager) Logout(ctx context.Context, userID string) error {
	m.mu.Lock()
	tokens, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	var errs []error
	if tokens.AccessToken != "" {
		if err := m.revoker.Revoke(ctx, tokens.AccessToken); err != nil {
			errs = append(errs, fmt.Errorf("revoking access token: %w", err))
		}
	}
	if tokens.RefreshToken != "" {
		if err := m.revoker.Revoke(ctx, tokens.RefreshToken); err != nil {
			errs = append(errs, fmt.Errorf("revoking refresh token: %w", err))
		}
	}

	log.WithFields(logrus.Fields{
		"user":   userID,
		"errors": len(errs),
	}).Info("Session terminated")

	return errors.Join(errs...)
}

// Active reports whether the user currently has a session.
func (m *Manager) Active(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[userID]
	return ok
}
