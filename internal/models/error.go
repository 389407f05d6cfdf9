package models

import "errors"

// APIError represents a standardized error response for the API
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error code constants
const (
	// General errors
	ErrCodeBadRequest     = "BAD_REQUEST"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeInternalServer = "INTERNAL_SERVER_ERROR"

	// Image-specific errors
	ErrCodeImageNotFound    = "IMAGE_NOT_FOUND"
	ErrCodeImageInvalidData = "IMAGE_INVALID_DATA"

	// OAuth/Auth errors (maintain RFC 6749 compatibility)
	ErrCodeInvalidRequest       = "invalid_request"
	ErrCodeInvalidClient        = "invalid_client"
	ErrCodeInvalidGrant         = "invalid_grant"
	ErrCodeUnauthorizedClient   = "unauthorized_client"
	ErrCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrCodeInvalidScope         = "invalid_scope"
	ErrCodeInvalidToken         = "invalid_token"
	ErrCodeInsufficientScope    = "insufficient_scope"
)

// Sentinel errors for the authorization core. Every validation failure in the
// grant engine, the token codec and the authorization evaluator surfaces one of
// these so callers can branch on the exact failure kind instead of a generic
// error. They are never collapsed at the HTTP edge: client behavior (silent
// refresh vs. forced re-login) depends on the distinction.
var (
	// ErrInvalidClient signals an unknown client, a failed secret check or a
	// redirect URI that does not match the registration.
	ErrInvalidClient = errors.New("invalid client")

	// ErrInvalidGrant covers bad, expired or already-used authorization codes
	// and refresh tokens.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrInvalidScope signals a requested scope that does not exist at all.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrConsentRequired suspends an authorize request until the user grants
	// consent for a client registered with the consent requirement flag.
	ErrConsentRequired = errors.New("consent required")

	// Token codec failures.
	ErrExpiredToken          = errors.New("token expired")
	ErrBadSignature          = errors.New("bad token signature")
	ErrAudienceMismatch      = errors.New("token audience mismatch")
	ErrMalformedToken        = errors.New("malformed token")
	ErrRevokedOrUnknownToken = errors.New("token revoked or unknown")

	// ErrForbidden means the caller is authenticated but failed a policy or
	// ownership check.
	ErrForbidden = errors.New("forbidden")

	// ErrSessionExpired means the client session has no usable access token
	// and no refresh is possible.
	ErrSessionExpired = errors.New("session expired")

	// ErrUnavailable wraps unexpected storage errors; safe to retry.
	ErrUnavailable = errors.New("storage unavailable")
)

// NewAPIError creates a new API error with the given code and message
func NewAPIError(code, message string, details ...map[string]interface{}) APIError {
	err := APIError{
		Code:    code,
		Message: message,
	}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

// OAuth2Error represents an OAuth2 error response (RFC 6749)
type OAuth2Error struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

// NewOAuth2Error creates a new OAuth2 error response
func NewOAuth2Error(error, description string) OAuth2Error {
	return OAuth2Error{
		Error:            error,
		ErrorDescription: description,
	}
}
