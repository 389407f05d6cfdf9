package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mytestdev/gallery-auth/internal/models"
)

// Access tokens carry an explicit type tag so a resource server can reject
// identity or refresh tokens presented as access tokens (RFC 9068).
const (
	TypeAccessToken = "at+jwt"
	TypeJWT         = "JWT"
)

// JWTCodec issues and validates self-contained signed tokens using an HMAC
// key shared between the provider and the resource server.
type JWTCodec struct {
	Issuer   string
	Audience string // expected audience on Validate; set on Issue when claims carry none
	Key      []byte
	Method   jwt.SigningMethod
	TTL      time.Duration

	// RequiredType rejects tokens whose "typ" header differs; resource
	// servers set this to TypeAccessToken.
	RequiredType string

	// Now is substituted in tests; defaults to time.Now.
	Now Clock
}

// NewJWTCodec builds a codec with HS512 signing, matching the provider side.
func NewJWTCodec(issuer, audience string, key []byte, ttl time.Duration) *JWTCodec {
	return &JWTCodec{
		Issuer:   issuer,
		Audience: audience,
		Key:      key,
		Method:   jwt.SigningMethodHS512,
		TTL:      ttl,
	}
}

func (c *JWTCodec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Issue serializes the claim set with issuer, audience, issued-at and expiry,
// signs it and returns the compact encoding. The input claim set is not
// mutated.
func (c *JWTCodec) Issue(_ context.Context, claims Claims, kind Kind) (string, error) {
	now := c.now()

	mapClaims := jwt.MapClaims{}
	for k, v := range claims {
		mapClaims[k] = v
	}
	mapClaims["iss"] = c.Issuer
	mapClaims["iat"] = now.Unix()
	mapClaims["exp"] = now.Add(c.TTL).Unix()
	if _, ok := mapClaims["aud"]; !ok && c.Audience != "" {
		mapClaims["aud"] = c.Audience
	}

	tok := jwt.NewWithClaims(c.Method, mapClaims)
	switch kind {
	case KindAccess:
		tok.Header["typ"] = TypeAccessToken
	default:
		tok.Header["typ"] = TypeJWT
	}

	signed, err := tok.SignedString(c.Key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a compact token. Failures map to the exact
// sentinel: malformed encoding, bad signature, expiry, audience mismatch and
// unexpected type tag are all distinguishable by the caller.
func (c *JWTCodec) Validate(_ context.Context, raw string) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithTimeFunc(c.now),
		jwt.WithIssuedAt(),
	)

	tok, err := parser.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		// Restricting to HMAC prevents algorithm confusion attacks.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.Key, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: %v", models.ErrMalformedToken, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("%w: %v", models.ErrBadSignature, err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, models.ErrExpiredToken
		default:
			return nil, fmt.Errorf("%w: %v", models.ErrMalformedToken, err)
		}
	}

	mapClaims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, models.ErrMalformedToken
	}

	if c.RequiredType != "" {
		if typ, _ := tok.Header["typ"].(string); typ != c.RequiredType {
			return nil, fmt.Errorf("%w: unexpected token type %q", models.ErrMalformedToken, tok.Header["typ"])
		}
	}

	if c.Audience != "" && !audienceMatches(mapClaims["aud"], c.Audience) {
		return nil, models.ErrAudienceMismatch
	}

	claims := make(Claims, len(mapClaims))
	for k, v := range mapClaims {
		claims[k] = v
	}
	return claims, nil
}

// audienceMatches accepts both the string and array forms of the aud claim.
func audienceMatches(aud interface{}, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == expected {
				return true
			}
		}
	}
	return false
}
