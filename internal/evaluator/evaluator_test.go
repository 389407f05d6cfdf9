package evaluator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mytestdev/gallery-auth/internal/models"
	"github.com/mytestdev/gallery-auth/internal/token"
)

var testKey = []byte("test-jwt-secret-key-32-characters")

type fakeResourceStore struct {
	owners map[string]string
	err    error
}

func (f *fakeResourceStore) GetOwner(_ context.Context, resourceID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	owner, ok := f.owners[resourceID]
	if !ok {
		return "", nil
	}
	return owner, nil
}

func issuerCodec() *token.JWTCodec {
	return token.NewJWTCodec("http://localhost:5001", "galleryapi", testKey, time.Hour)
}

func validatorCodec() *token.JWTCodec {
	c := token.NewJWTCodec("http://localhost:5001", "galleryapi", testKey, time.Hour)
	c.RequiredType = token.TypeAccessToken
	return c
}

func issueToken(t *testing.T, claims token.Claims) string {
	t.Helper()
	raw, err := issuerCodec().Issue(context.Background(), claims, token.KindAccess)
	require.NoError(t, err)
	return raw
}

func newTestEvaluator(resources ResourceStore) *Evaluator {
	e := New(validatorCodec(), token.DefaultMapper(), resources)
	e.Register(Policy{Name: "UserCanAddImage", Rules: []Rule{
		ClaimEquals("country", "be"),
		RoleMember("PayingUser"),
	}})
	e.Register(Policy{Name: "ClientCanWrite", Rules: []Rule{
		ScopePresent("gallery.write"),
	}})
	e.Register(Policy{Name: "MustOwnImage", Rules: []Rule{
		OwnerMatch(),
	}})
	return e
}

func TestAuthorizeHappyPath(t *testing.T) {
	e := newTestEvaluator(nil)

	raw := issueToken(t, token.Claims{
		"sub":     "user-emma",
		"scope":   "gallery.read gallery.write",
		"role":    "PayingUser",
		"country": "be",
	})

	claims, err := e.Authorize(context.Background(), Request{
		Token:         raw,
		RequiredScope: "gallery.write",
		Policies:      []string{"UserCanAddImage", "ClientCanWrite"},
		Operation:     "image.create",
	})
	require.NoError(t, err)
	assert.Equal(t, "user-emma", claims.Subject())
}

func TestAuthorizeMissingScope(t *testing.T) {
	e := newTestEvaluator(nil)

	raw := issueToken(t, token.Claims{"sub": "user-emma", "scope": "gallery.read"})

	_, err := e.Authorize(context.Background(), Request{
		Token:         raw,
		RequiredScope: "gallery.write",
		Operation:     "image.create",
	})
	assert.True(t, errors.Is(err, models.ErrForbidden), "got %v", err)
}

func TestAuthorizeClaimRule(t *testing.T) {
	e := newTestEvaluator(nil)

	// right role, wrong country
	raw := issueToken(t, token.Claims{
		"sub":     "user-sam",
		"scope":   "gallery.write",
		"role":    "PayingUser",
		"country": "nl",
	})

	_, err := e.Authorize(context.Background(), Request{
		Token:     raw,
		Policies:  []string{"UserCanAddImage"},
		Operation: "image.create",
	})
	assert.True(t, errors.Is(err, models.ErrForbidden))
}

func TestAuthorizeRoleRule(t *testing.T) {
	e := newTestEvaluator(nil)

	raw := issueToken(t, token.Claims{
		"sub":     "user-sam",
		"scope":   "gallery.write",
		"role":    "FreeUser",
		"country": "be",
	})

	_, err := e.Authorize(context.Background(), Request{
		Token:     raw,
		Policies:  []string{"UserCanAddImage"},
		Operation: "image.create",
	})
	assert.True(t, errors.Is(err, models.ErrForbidden))

	// the array form of the role claim is accepted
	raw = issueToken(t, token.Claims{
		"sub":     "user-emma",
		"scope":   "gallery.write",
		"role":    []string{"FreeUser", "PayingUser"},
		"country": "be",
	})
	_, err = e.Authorize(context.Background(), Request{
		Token:     raw,
		Policies:  []string{"UserCanAddImage"},
		Operation: "image.create",
	})
	assert.NoError(t, err)
}

func TestAuthorizeOwnershipDenied(t *testing.T) {
	resources := &fakeResourceStore{owners: map[string]string{"42": "user-victor"}}
	e := newTestEvaluator(resources)

	// valid, correctly scoped token for a different subject
	raw := issueToken(t, token.Claims{"sub": "user-emma", "scope": "gallery.write"})

	_, err := e.Authorize(context.Background(), Request{
		Token:         raw,
		RequiredScope: "gallery.write",
		Policies:      []string{"MustOwnImage"},
		ResourceID:    "42",
		Operation:     "image.delete",
	})
	assert.True(t, errors.Is(err, models.ErrForbidden), "got %v", err)
}

func TestAuthorizeOwnershipAllowed(t *testing.T) {
	resources := &fakeResourceStore{owners: map[string]string{"42": "user-emma"}}
	e := newTestEvaluator(resources)

	raw := issueToken(t, token.Claims{"sub": "user-emma", "scope": "gallery.write"})

	_, err := e.Authorize(context.Background(), Request{
		Token:         raw,
		RequiredScope: "gallery.write",
		Policies:      []string{"MustOwnImage"},
		ResourceID:    "42",
		Operation:     "image.delete",
	})
	assert.NoError(t, err)
}

func TestAuthorizeOwnershipStoreUnavailable(t *testing.T) {
	resources := &fakeResourceStore{err: fmt.Errorf("connection refused")}
	e := newTestEvaluator(resources)

	raw := issueToken(t, token.Claims{"sub": "user-emma", "scope": "gallery.write"})

	_, err := e.Authorize(context.Background(), Request{
		Token:      raw,
		Policies:   []string{"MustOwnImage"},
		ResourceID: "42",
		Operation:  "image.delete",
	})
	assert.True(t, errors.Is(err, models.ErrUnavailable))
}

func TestAuthorizeExpiredToken(t *testing.T) {
	issued := issuerCodec()
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issued.Now = func() time.Time { return issuedAt }

	raw, err := issued.Issue(context.Background(), token.Claims{"sub": "user-emma", "scope": "gallery.read"}, token.KindAccess)
	require.NoError(t, err)

	validator := validatorCodec()
	validator.Now = func() time.Time { return issuedAt.Add(2 * time.Hour) }
	e := New(validator, nil, nil)

	_, err = e.Authorize(context.Background(), Request{Token: raw, RequiredScope: "gallery.read"})
	assert.True(t, errors.Is(err, models.ErrExpiredToken))
}

func TestAuthorizeRejectsNonAccessToken(t *testing.T) {
	// an id token must not pass where an access token is expected
	raw, err := issuerCodec().Issue(context.Background(), token.Claims{"sub": "user-emma", "aud": "galleryapi"}, token.KindID)
	require.NoError(t, err)

	e := newTestEvaluator(nil)
	_, err = e.Authorize(context.Background(), Request{Token: raw})
	assert.True(t, errors.Is(err, models.ErrMalformedToken))
}

func TestAuthorizeUnknownPolicy(t *testing.T) {
	e := newTestEvaluator(nil)
	raw := issueToken(t, token.Claims{"sub": "user-emma", "scope": "gallery.read"})

	_, err := e.Authorize(context.Background(), Request{
		Token:    raw,
		Policies: []string{"NoSuchPolicy"},
	})
	assert.True(t, errors.Is(err, models.ErrForbidden))
}

func TestNormalizedClaimsReturned(t *testing.T) {
	e := newTestEvaluator(nil)

	// provider sends the generic "name" claim; the configured mapping rule
	// moves it to given_name, everything else keeps its raw key
	raw := issueToken(t, token.Claims{
		"sub":    "user-emma",
		"scope":  "gallery.read",
		"name":   "Emma",
		"custom": "kept",
	})

	claims, err := e.Authorize(context.Background(), Request{Token: raw, RequiredScope: "gallery.read"})
	require.NoError(t, err)
	assert.Equal(t, "Emma", claims.GetString("given_name"))
	assert.Equal(t, "kept", claims.GetString("custom"))
}
