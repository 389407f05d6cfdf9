package controllers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
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
	testIssuer       = "http://localhost:5001"
	testClientID     = "gallery-web"
	testClientSecret = "ClientSecret123"
	testRedirectURI  = "https://localhost:7184/signin-oidc"
	testSubject      = "d860efca-22d9-47fd-8249-791ba61b07c7"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&models.OAuthCode{}, &models.OAuthToken{})
	require.NoError(t, err)

	return db
}

func testPolicyStore(t *testing.T, requireConsent bool) *policy.Store {
	t.Helper()
	hash, err := policy.HashSecret(testClientSecret)
	require.NoError(t, err)

	s, err := policy.NewStore(&policy.Config{
		IdentityResources: []policy.IdentityResource{
			{Name: "openid", Claims: []string{"sub"}},
			{Name: "profile", Claims: []string{"given_name", "family_name"}},
		},
		APIResources: []policy.APIResource{
			{Name: "galleryapi", Claims: []string{"role", "country"}, Scopes: []string{"gallery.read", "gallery.write"}},
		},
		APIScopes: []policy.APIScope{
			{Name: "gallery.read"}, {Name: "gallery.write"},
		},
		Clients: []policy.Client{
			{
				ID:             testClientID,
				SecretHash:     hash,
				GrantTypes:     []string{"authorization_code", "refresh_token"},
				AllowedScopes:  []string{"openid", "profile", "gallery.read", "gallery.write", "offline_access"},
				RedirectURIs:   []string{testRedirectURI},
				RequireConsent: requireConsent,
			},
		},
	})
	require.NoError(t, err)
	return s
}

// setupRouter wires the provider endpoints the way cmd/idp does, with the
// login page replaced by a query-string subject.
func setupRouter(t *testing.T, requireConsent bool) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key := []byte("test-jwt-secret-key-32-characters")
	engine := grant.NewEngine(
		testPolicyStore(t, requireConsent),
		registry.New(setupTestDB(t)),
		token.NewJWTCodec(testIssuer, "galleryapi", key, time.Hour),
		token.NewJWTCodec(testIssuer, "", key, 5*time.Minute),
		nil,
		grant.Options{
			Issuer:          testIssuer,
			AccessTokenTTL:  time.Hour,
			RefreshTokenTTL: 24 * time.Hour,
			CodeTTL:         time.Minute,
		},
	)
	controller := NewOAuthController(engine, testIssuer)

	subjectFromRequest := func(c *gin.Context) {
		subject := c.Query("subject")
		if subject == "" {
			subject = c.PostForm("subject")
		}
		if subject != "" {
			c.Set("subject", subject)
		}
		c.Next()
	}

	router := gin.New()
	router.GET("/authorize", subjectFromRequest, controller.HandleAuthorize)
	router.POST("/authorize/consent", subjectFromRequest, controller.HandleConsent)
	router.POST("/token", controller.HandleToken)
	router.POST("/revocation", controller.HandleRevocation)
	router.POST("/introspect", controller.HandleIntrospection)
	router.GET("/.well-known/openid-configuration", controller.HandleDiscovery)

	return router
}

func postForm(t *testing.T, router *gin.Engine, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// obtainCode runs the authorize step and extracts the code from the redirect.
func obtainCode(t *testing.T, router *gin.Engine, scope string) string {
	t.Helper()

	query := url.Values{
		"client_id":    {testClientID},
		"redirect_uri": {testRedirectURI},
		"scope":        {scope},
		"subject":      {testSubject},
		"state":        {"xyz"},
	}
	req := httptest.NewRequest("GET", "/authorize?"+query.Encode(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(location.String(), testRedirectURI))
	require.Equal(t, "xyz", location.Query().Get("state"))

	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func redeemForm(code string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {testClientID},
		"client_secret": {testClientSecret},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
	}
}

func TestAuthorizationCodeFlow(t *testing.T) {
	router := setupRouter(t, false)

	code := obtainCode(t, router, "openid gallery.read offline_access")

	w := postForm(t, router, "/token", redeemForm(code))
	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)

	assert.Contains(t, response, "access_token")
	assert.Equal(t, "Bearer", response["token_type"])
	assert.Equal(t, "openid gallery.read offline_access", response["scope"])
	assert.Contains(t, response, "refresh_token")
	assert.Contains(t, response, "id_token")

	// Verify the access token is a JWT
	accessToken := response["access_token"].(string)
	assert.Contains(t, accessToken, ".")
}

func TestAuthorizeRedirectsToLoginWithoutSubject(t *testing.T) {
	router := setupRouter(t, false)

	req := httptest.NewRequest("GET", "/authorize?client_id="+testClientID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Location"), "/login?redirect="))
}

func TestAuthorizeConsentRequired(t *testing.T) {
	router := setupRouter(t, true)

	query := url.Values{
		"client_id":    {testClientID},
		"redirect_uri": {testRedirectURI},
		"scope":        {"openid"},
		"subject":      {testSubject},
	}
	req := httptest.NewRequest("GET", "/authorize?"+query.Encode(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "consent_required")

	// resubmitting with consent granted issues the code
	query.Set("consent", "granted")
	req = httptest.NewRequest("GET", "/authorize?"+query.Encode(), nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusFound, w.Code)
}

func TestConsentEndpointResumesAuthorize(t *testing.T) {
	router := setupRouter(t, true)

	// the consent page posts the original request parameters back
	w := postForm(t, router, "/authorize/consent", url.Values{
		"client_id":    {testClientID},
		"redirect_uri": {testRedirectURI},
		"scope":        {"openid gallery.read"},
		"subject":      {testSubject},
		"state":        {"abc"},
	})
	require.Equal(t, http.StatusFound, w.Code)

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "abc", location.Query().Get("state"))

	// the code it issued is redeemable
	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	w = postForm(t, router, "/token", redeemForm(code))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConsentEndpointRequiresSubject(t *testing.T) {
	router := setupRouter(t, true)

	w := postForm(t, router, "/authorize/consent", url.Values{
		"client_id":    {testClientID},
		"redirect_uri": {testRedirectURI},
		"scope":        {"openid"},
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTokenEndpointCodeSingleUse(t *testing.T) {
	router := setupRouter(t, false)

	code := obtainCode(t, router, "gallery.read")

	w := postForm(t, router, "/token", redeemForm(code))
	require.Equal(t, http.StatusOK, w.Code)

	w = postForm(t, router, "/token", redeemForm(code))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_grant")
}

func TestTokenEndpointInvalidSecret(t *testing.T) {
	router := setupRouter(t, false)

	code := obtainCode(t, router, "gallery.read")

	form := redeemForm(code)
	form.Set("client_secret", "wrong_secret")
	w := postForm(t, router, "/token", form)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_client")
}

func TestTokenEndpointBasicAuth(t *testing.T) {
	router := setupRouter(t, false)

	code := obtainCode(t, router, "gallery.read")

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {testRedirectURI},
	}
	req := httptest.NewRequest("POST", "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(testClientID, testClientSecret)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTokenEndpointUnsupportedGrantType(t *testing.T) {
	router := setupRouter(t, false)

	w := postForm(t, router, "/token", url.Values{
		"grant_type":    {"password"},
		"client_id":     {testClientID},
		"client_secret": {testClientSecret},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unsupported_grant_type")
}

func TestRefreshTokenGrantOverHTTP(t *testing.T) {
	router := setupRouter(t, false)

	code := obtainCode(t, router, "openid gallery.read offline_access")
	w := postForm(t, router, "/token", redeemForm(code))
	require.Equal(t, http.StatusOK, w.Code)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	refreshToken := first["refresh_token"].(string)

	refreshForm := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {testClientID},
		"client_secret": {testClientSecret},
		"refresh_token": {refreshToken},
	}
	w = postForm(t, router, "/token", refreshForm)
	assert.Equal(t, http.StatusOK, w.Code)

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.NotEqual(t, refreshToken, second["refresh_token"])

	// the old refresh token is burned by the rotation
	w = postForm(t, router, "/token", refreshForm)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_grant")
}

func TestRevocationEndpoint(t *testing.T) {
	router := setupRouter(t, false)

	code := obtainCode(t, router, "openid gallery.read offline_access")
	w := postForm(t, router, "/token", redeemForm(code))
	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	refreshToken := response["refresh_token"].(string)

	revokeForm := url.Values{
		"client_id":     {testClientID},
		"client_secret": {testClientSecret},
		"token":         {refreshToken},
	}
	w = postForm(t, router, "/revocation", revokeForm)
	assert.Equal(t, http.StatusOK, w.Code)

	// revocation is idempotent, unknown tokens succeed too
	w = postForm(t, router, "/revocation", revokeForm)
	assert.Equal(t, http.StatusOK, w.Code)
	revokeForm.Set("token", "never-issued")
	w = postForm(t, router, "/revocation", revokeForm)
	assert.Equal(t, http.StatusOK, w.Code)

	// but client authentication still matters
	revokeForm.Set("client_secret", "wrong_secret")
	w = postForm(t, router, "/revocation", revokeForm)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// the revoked refresh token can no longer be used
	w = postForm(t, router, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {testClientID},
		"client_secret": {testClientSecret},
		"refresh_token": {refreshToken},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIntrospectionEndpoint(t *testing.T) {
	router := setupRouter(t, false)

	code := obtainCode(t, router, "openid gallery.read offline_access")
	w := postForm(t, router, "/token", redeemForm(code))
	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	refreshToken := response["refresh_token"].(string)

	w = postForm(t, router, "/introspect", url.Values{
		"client_id":     {testClientID},
		"client_secret": {testClientSecret},
		"token":         {refreshToken},
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var intro map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &intro))
	assert.Equal(t, true, intro["active"])
	assert.Equal(t, testClientID, intro["client_id"])
	assert.Equal(t, testSubject, intro["sub"])

	w = postForm(t, router, "/introspect", url.Values{
		"client_id":     {testClientID},
		"client_secret": {testClientSecret},
		"token":         {"unknown"},
	})
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &intro))
	assert.Equal(t, false, intro["active"])
}

func TestDiscoveryDocument(t *testing.T) {
	router := setupRouter(t, false)

	req := httptest.NewRequest("GET", "/.well-known/openid-configuration", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, testIssuer, doc["issuer"])
	assert.Equal(t, testIssuer+"/token", doc["token_endpoint"])
	assert.Equal(t, testIssuer+"/revocation", doc["revocation_endpoint"])
	assert.Equal(t, testIssuer+"/authorize", doc["authorization_endpoint"])
}
