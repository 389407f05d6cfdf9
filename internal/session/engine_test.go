package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mytestdev/gallery-auth/internal/grant"
	"github.com/mytestdev/gallery-auth/internal/models"
	"github.com/mytestdev/gallery-auth/internal/policy"
	"github.com/mytestdev/gallery-auth/internal/registry"
	"github.com/mytestdev/gallery-auth/internal/token"
)

const (
	engineClientID     = "gallery-web"
	engineClientSecret = "ClientSecret123"
	engineRedirectURI  = "https://localhost:7184/signin-oidc"
)

// newGrantEngine builds a real engine over in-memory storage so the session
// manager is exercised against actual rotation and revocation semantics.
func newGrantEngine(t *testing.T) *grant.Engine {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.OAuthCode{}, &models.OAuthToken{}))

	hash, err := policy.HashSecret(engineClientSecret)
	require.NoError(t, err)

	store, err := policy.NewStore(&policy.Config{
		IdentityResources: []policy.IdentityResource{
			{Name: "openid", Claims: []string{"sub"}},
		},
		APIResources: []policy.APIResource{
			{Name: "galleryapi", Scopes: []string{"gallery.read"}},
		},
		APIScopes: []policy.APIScope{{Name: "gallery.read"}},
		Clients: []policy.Client{
			{
				ID:            engineClientID,
				SecretHash:    hash,
				GrantTypes:    []string{"authorization_code", "refresh_token"},
				AllowedScopes: []string{"openid", "gallery.read", "offline_access"},
				RedirectURIs:  []string{engineRedirectURI},
			},
		},
	})
	require.NoError(t, err)

	key := []byte("test-jwt-secret-key-32-characters")
	issuer := "http://localhost:5001"
	return grant.NewEngine(
		store,
		registry.New(db),
		token.NewJWTCodec(issuer, "galleryapi", key, time.Hour),
		token.NewJWTCodec(issuer, "", key, 5*time.Minute),
		nil,
		grant.Options{
			Issuer:          issuer,
			AccessTokenTTL:  time.Hour,
			RefreshTokenTTL: 24 * time.Hour,
			CodeTTL:         time.Minute,
		},
	)
}

func signInThroughCodeFlow(t *testing.T, engine *grant.Engine) *grant.TokenResponse {
	t.Helper()
	ctx := context.Background()

	res, err := engine.Authorize(ctx, grant.AuthorizeRequest{
		ClientID:    engineClientID,
		RedirectURI: engineRedirectURI,
		Scopes:      []string{"openid", "gallery.read", "offline_access"},
		Subject:     "user-emma",
	})
	require.NoError(t, err)

	resp, err := engine.Redeem(ctx, grant.RedeemRequest{
		ClientID:     engineClientID,
		ClientSecret: engineClientSecret,
		Code:         res.Code,
		RedirectURI:  engineRedirectURI,
	})
	require.NoError(t, err)
	return resp
}

func TestEngineClientRefreshRotatesSessionTokens(t *testing.T) {
	engine := newGrantEngine(t)
	client := &EngineClient{Engine: engine, ClientID: engineClientID, ClientSecret: engineClientSecret}
	manager := NewManager(client, client)

	first := signInThroughCodeFlow(t, engine)
	manager.SignIn("emma", &Tokens{
		AccessToken:  first.AccessToken,
		RefreshToken: first.RefreshToken,
		IDToken:      first.IDToken,
		// already inside the skew window, forcing a refresh on first use
		Expiry: time.Now().Add(10 * time.Second),
	})

	access, err := manager.AccessToken(context.Background(), "emma")
	require.NoError(t, err)
	assert.NotEmpty(t, access)

	// the rotation burned the original refresh token at the provider
	_, err = engine.Refresh(context.Background(), grant.RefreshRequest{
		ClientID:     engineClientID,
		ClientSecret: engineClientSecret,
		RefreshToken: first.RefreshToken,
	})
	assert.ErrorIs(t, err, models.ErrInvalidGrant)
}

func TestEngineClientLogoutTerminatesChain(t *testing.T) {
	engine := newGrantEngine(t)
	client := &EngineClient{Engine: engine, ClientID: engineClientID, ClientSecret: engineClientSecret}
	manager := NewManager(client, client)

	resp := signInThroughCodeFlow(t, engine)
	manager.SignIn("emma", &Tokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		Expiry:       time.Now().Add(time.Hour),
	})

	require.NoError(t, manager.Logout(context.Background(), "emma"))
	assert.False(t, manager.Active("emma"))

	// provider-side: the refresh token is gone too
	intro, err := engine.Introspect(context.Background(), engineClientID, engineClientSecret, resp.RefreshToken)
	require.NoError(t, err)
	assert.False(t, intro.Active)
}
