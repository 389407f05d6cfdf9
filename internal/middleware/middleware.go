package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mytestdev/gallery-auth/internal/evaluator"
	"github.com/mytestdev/gallery-auth/internal/models"
	"github.com/mytestdev/gallery-auth/internal/token"
)

// Context keys populated after a successful authorization decision.
const (
	ContextClaims  = "claims"
	ContextSubject = "subject"
)

// Authorize runs the evaluator pipeline for every request on the route:
// bearer extraction, token validation, the required scope and the named
// policies. RFC 6750 error responses; nothing downstream runs on a denial.
func Authorize(eval *evaluator.Evaluator, requiredScope string, policies ...string) gin.HandlerFunc {
	return handler(eval, requiredScope, policies, "")
}

// AuthorizeOwner is Authorize plus the ownership check against the resource
// identified by the named path parameter.
func AuthorizeOwner(eval *evaluator.Evaluator, requiredScope string, idParam string, policies ...string) gin.HandlerFunc {
	return handler(eval, requiredScope, policies, idParam)
}

func handler(eval *evaluator.Evaluator, requiredScope string, policies []string, idParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := bearerToken(c)
		if err != nil {
			respondWithOAuth2Error(c, http.StatusUnauthorized, models.ErrCodeInvalidRequest, err.Error())
			return
		}

		req := evaluator.Request{
			Token:         raw,
			RequiredScope: requiredScope,
			Policies:      policies,
			Operation:     c.Request.Method + " " + c.FullPath(),
		}
		if idParam != "" {
			req.ResourceID = c.Param(idParam)
		}

		claims, err := eval.Authorize(c.Request.Context(), req)
		if err != nil {
			status, code := statusFor(err)
			respondWithOAuth2Error(c, status, code, err.Error())
			return
		}

		c.Set(ContextClaims, claims)
		c.Set(ContextSubject, claims.Subject())
		c.Next()
	}
}

// ClaimsFromContext returns the normalized claims set by Authorize.
func ClaimsFromContext(c *gin.Context) (token.Claims, bool) {
	v, ok := c.Get(ContextClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(token.Claims)
	return claims, ok
}

// bearerToken extracts the RFC 6750 bearer token from the Authorization header.
func bearerToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", errors.New("missing Authorization header; a valid Bearer token is required")
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errors.New("Authorization header must use Bearer scheme")
	}
	raw := strings.TrimPrefix(authHeader, "Bearer ")
	if raw == "" {
		return "", errors.New("Bearer token is empty")
	}
	return raw, nil
}

// statusFor maps evaluator failures to the RFC 6750 status and error code.
// Authentication failures are 401 invalid_token; policy and ownership
// failures are 403 so the client knows re-authenticating will not help.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden, models.ErrCodeInsufficientScope
	case errors.Is(err, models.ErrUnavailable):
		return http.StatusServiceUnavailable, models.ErrCodeInternalServer
	default:
		return http.StatusUnauthorized, models.ErrCodeInvalidToken
	}
}

// respondWithOAuth2Error responds with RFC 6750 compliant error format
func respondWithOAuth2Error(c *gin.Context, status int, errorCode, description string) {
	c.JSON(status, models.NewOAuth2Error(errorCode, description))
	c.Abort()
}
