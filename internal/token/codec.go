// Package token encodes, decodes and verifies the compact token
// representations issued by the provider: self-contained signed JWTs and
// opaque reference tokens resolved through the token registry.
package token

import (
	"context"
	"strings"
	"time"
)

// Kind selects the token flavor a codec issues.
type Kind int

const (
	// KindAccess is an access token; self-contained variants carry the
	// "at+jwt" type tag per RFC 9068.
	KindAccess Kind = iota
	// KindID is an OIDC identity token.
	KindID
)

// Claims is a flat claim set keyed by canonical claim name.
type Claims map[string]interface{}

// GetString returns the named claim when it is a non-empty string.
func (c Claims) GetString(name string) string {
	if v, ok := c[name].(string); ok {
		return v
	}
	return ""
}

// Subject returns the "sub" claim.
func (c Claims) Subject() string {
	return c.GetString("sub")
}

// Scopes splits the space-separated "scope" claim.
func (c Claims) Scopes() []string {
	raw := c.GetString("scope")
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

// HasScope reports whether the "scope" claim contains the given scope.
func (c Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes() {
		if s == scope {
			return true
		}
	}
	return false
}

// Codec issues and validates token strings. Validate failures surface the
// specific sentinel error (ExpiredToken, BadSignature, AudienceMismatch,
// MalformedToken, RevokedOrUnknownToken); callers must not see a generic
// failure.
type Codec interface {
	Issue(ctx context.Context, claims Claims, kind Kind) (string, error)
	Validate(ctx context.Context, raw string) (Claims, error)
}

// Clock abstracts time for expiry evaluation; tests substitute a fixed clock.
type Clock func() time.Time
