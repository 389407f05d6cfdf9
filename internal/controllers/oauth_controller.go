package controllers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/mytestdev/gallery-auth/internal/grant"
	"github.com/mytestdev/gallery-auth/internal/models"
	"github.com/mytestdev/gallery-auth/internal/policy"
)

// OAuthController exposes the provider endpoints: authorize, token,
// revocation, introspection and discovery. It implements only the semantics;
// request/response shapes follow RFC 6749/7009/7662.
type OAuthController struct {
	engine *grant.Engine
	issuer string
}

// NewOAuthController creates the controller over a wired grant engine.
func NewOAuthController(engine *grant.Engine, issuer string) *OAuthController {
	return &OAuthController{engine: engine, issuer: issuer}
}

// HandleAuthorize drives the authorize step of the code flow. The subject is
// the authenticated user; a login page in front of the provider sets it on
// the context, and unauthenticated requests are sent there first.
func (o *OAuthController) HandleAuthorize(c *gin.Context) {
	subject := c.GetString("subject")
	if subject == "" {
		loginURL := "/login?redirect=" + url.QueryEscape(c.Request.URL.String())
		c.Redirect(http.StatusFound, loginURL)
		return
	}

	req := grant.AuthorizeRequest{
		ClientID:       c.Query("client_id"),
		RedirectURI:    c.Query("redirect_uri"),
		Scopes:         policy.SplitScopes(c.Query("scope")),
		Subject:        subject,
		ConsentGranted: c.Query("consent") == "granted",
	}

	o.completeAuthorize(c, req, c.Query("state"))
}

// HandleConsent finishes an authorize request that was suspended for consent.
// The consent page posts the original request parameters back with the user's
// approval.
func (o *OAuthController) HandleConsent(c *gin.Context) {
	subject := c.GetString("subject")
	if subject == "" {
		c.JSON(http.StatusUnauthorized, models.NewOAuth2Error(models.ErrCodeUnauthorized,
			"consent requires an authenticated user"))
		return
	}

	req := grant.AuthorizeRequest{
		ClientID:       c.PostForm("client_id"),
		RedirectURI:    c.PostForm("redirect_uri"),
		Scopes:         policy.SplitScopes(c.PostForm("scope")),
		Subject:        subject,
		ConsentGranted: true,
	}
	o.completeAuthorize(c, req, c.PostForm("state"))
}

func (o *OAuthController) completeAuthorize(c *gin.Context, req grant.AuthorizeRequest, state string) {
	res, err := o.engine.Authorize(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, models.ErrConsentRequired) {
			// the consent page re-submits the same request with consent granted
			c.JSON(http.StatusForbidden, models.NewOAuth2Error("consent_required",
				"user consent is required for this client"))
			return
		}
		o.respondError(c, err)
		return
	}

	redirectURL := res.RedirectURI + "?code=" + url.QueryEscape(res.Code)
	if state != "" {
		redirectURL += "&state=" + url.QueryEscape(state)
	}
	c.Redirect(http.StatusFound, redirectURL)
}

// HandleToken handles the token endpoint for the authorization_code and
// refresh_token grants. Client credentials arrive as form fields or HTTP
// Basic auth.
func (o *OAuthController) HandleToken(c *gin.Context) {
	clientID, clientSecret := clientCredentials(c)

	switch c.PostForm("grant_type") {
	case "authorization_code":
		resp, err := o.engine.Redeem(c.Request.Context(), grant.RedeemRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Code:         c.PostForm("code"),
			RedirectURI:  c.PostForm("redirect_uri"),
		})
		if err != nil {
			o.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)

	case "refresh_token":
		resp, err := o.engine.Refresh(c.Request.Context(), grant.RefreshRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RefreshToken: c.PostForm("refresh_token"),
		})
		if err != nil {
			o.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)

	default:
		c.JSON(http.StatusBadRequest, models.NewOAuth2Error(models.ErrCodeUnsupportedGrantType,
			"supported grant types: authorization_code, refresh_token"))
	}
}

// HandleRevocation implements RFC 7009. Revoking an unknown or already
// revoked token is a success; only a failed client authentication is an
// error.
func (o *OAuthController) HandleRevocation(c *gin.Context) {
	clientID, clientSecret := clientCredentials(c)

	err := o.engine.Revoke(c.Request.Context(), clientID, clientSecret, c.PostForm("token"))
	if err != nil {
		o.respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// HandleIntrospection implements RFC 7662 for reference and refresh tokens.
func (o *OAuthController) HandleIntrospection(c *gin.Context) {
	clientID, clientSecret := clientCredentials(c)

	intro, err := o.engine.Introspect(c.Request.Context(), clientID, clientSecret, c.PostForm("token"))
	if err != nil {
		o.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, intro)
}

// HandleDiscovery serves the OpenID Connect discovery document so clients
// can locate the endpoints, mirroring what the logout flow consumes.
func (o *OAuthController) HandleDiscovery(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"issuer":                                o.issuer,
		"authorization_endpoint":                o.issuer + "/authorize",
		"token_endpoint":                        o.issuer + "/token",
		"revocation_endpoint":                   o.issuer + "/revocation",
		"introspection_endpoint":                o.issuer + "/introspect",
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"response_types_supported":              []string{"code"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
	})
}

// clientCredentials reads the client id and secret from Basic auth or the
// request form, in that order.
func clientCredentials(c *gin.Context) (string, string) {
	if id, secret, ok := c.Request.BasicAuth(); ok {
		return id, secret
	}
	return c.PostForm("client_id"), c.PostForm("client_secret")
}

// respondError maps the grant engine's error taxonomy to RFC 6749 responses,
// preserving the specific kind for the client.
func (o *OAuthController) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidClient):
		c.JSON(http.StatusUnauthorized, models.NewOAuth2Error(models.ErrCodeInvalidClient, "client authentication failed"))
	case errors.Is(err, models.ErrInvalidGrant):
		c.JSON(http.StatusBadRequest, models.NewOAuth2Error(models.ErrCodeInvalidGrant, "grant is invalid, expired or already used"))
	case errors.Is(err, models.ErrInvalidScope):
		c.JSON(http.StatusBadRequest, models.NewOAuth2Error(models.ErrCodeInvalidScope, err.Error()))
	case errors.Is(err, models.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, models.NewOAuth2Error("temporarily_unavailable", "storage unavailable, retry later"))
	default:
		c.JSON(http.StatusBadRequest, models.NewOAuth2Error(models.ErrCodeInvalidRequest, err.Error()))
	}
}
