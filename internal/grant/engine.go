// Package grant implements the authorization-code grant state machine:
// authorize request, code issuance, code redemption, token issuance, refresh
// rotation and revocation.
package grant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mytestdev/gallery-auth/internal/models"
	"github.com/mytestdev/gallery-auth/internal/policy"
	"github.com/mytestdev/gallery-auth/internal/registry"
	"github.com/mytestdev/gallery-auth/internal/token"
)

var log = logrus.New()

func init() {
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)
}

// ClaimsSource resolves claim values for a subject, given the claim names the
// granted scopes expose. Backed by the user store.
type ClaimsSource interface {
	ClaimsForSubject(ctx context.Context, subject string, names []string) (map[string]interface{}, error)
}

// Options carries the issuance parameters the engine needs.
type Options struct {
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	CodeTTL         time.Duration
}

// Engine drives the authorization-code flow against the policy store, the
// token registry and a token codec.
type Engine struct {
	policies    *policy.Store
	registry    *registry.Registry
	accessCodec token.Codec
	idCodec     token.Codec
	users       ClaimsSource
	opts        Options

	// Now is substituted in tests; defaults to time.Now.
	Now func() time.Time
}

// NewEngine wires the engine. accessCodec decides the deployment's token
// format (self-contained JWT or registry-backed reference); identity tokens
// are always self-contained.
func NewEngine(policies *policy.Store, reg *registry.Registry, accessCodec, idCodec token.Codec, users ClaimsSource, opts Options) *Engine {
	return &Engine{
		policies:    policies,
		registry:    reg,
		accessCodec: accessCodec,
		idCodec:     idCodec,
		users:       users,
		opts:        opts,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// AuthorizeRequest is a validated-user authorize call: the subject has
// already authenticated against the provider.
type AuthorizeRequest struct {
	ClientID    string
	RedirectURI string
	Scopes      []string
	Subject     string
	// ConsentGranted is set once the user has approved the request; until
	// then clients registered with the consent flag are suspended with
	// ErrConsentRequired.
	ConsentGranted bool
}

// AuthorizeResult carries the issued code back to the redirect step.
type AuthorizeResult struct {
	Code          string
	GrantedScopes []string
	RedirectURI   string
}

// Authorize validates the client, redirect URI and scopes, then issues a
// short-lived single-use authorization code. An abandoned call leaves no side
// effect beyond the code itself, which simply expires.
func (e *Engine) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	client, err := e.policies.ClientByID(req.ClientID)
	if err != nil {
		return nil, err
	}
	if !client.RedirectURIAllowed(req.RedirectURI) {
		return nil, fmt.Errorf("%w: redirect URI not registered", models.ErrInvalidClient)
	}

	granted, err := e.policies.ResolveScopes(req.Scopes, client)
	if err != nil {
		return nil, err
	}

	if client.RequireConsent && !req.ConsentGranted {
		return nil, models.ErrConsentRequired
	}

	code := &models.OAuthCode{
		Code:        uuid.New().String(),
		ClientID:    client.ID,
		SubjectID:   req.Subject,
		Scopes:      policy.JoinScopes(granted),
		RedirectURI: req.RedirectURI,
		ExpiresAt:   e.now().Add(e.opts.CodeTTL),
	}
	if err := e.registry.SaveCode(ctx, code); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"client": client.ID,
		"scopes": code.Scopes,
	}).Info("Authorization code issued")

	return &AuthorizeResult{
		Code:          code.Code,
		GrantedScopes: granted,
		RedirectURI:   req.RedirectURI,
	}, nil
}

// RedeemRequest is the token-endpoint exchange of a code for tokens.
type RedeemRequest struct {
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
}

// TokenResponse is the RFC 6749 token endpoint success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Redeem exchanges an authorization code for tokens. The code is consumed
// atomically, so it is redeemable exactly once; a mismatched client or
// redirect URI burns it.
func (e *Engine) Redeem(ctx context.Context, req RedeemRequest) (*TokenResponse, error) {
	client, err := e.policies.AuthenticateClient(req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	code, err := e.registry.ConsumeCode(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	if code.ClientID != client.ID {
		return nil, fmt.Errorf("%w: code issued to another client", models.ErrInvalidGrant)
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, fmt.Errorf("%w: redirect URI mismatch", models.ErrInvalidGrant)
	}

	scopes := policy.SplitScopes(code.Scopes)
	resp, err := e.issueTokens(ctx, client, code.SubjectID, scopes, uuid.New().String())
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"client":  client.ID,
		"subject": code.SubjectID,
		"scopes":  code.Scopes,
	}).Info("Tokens issued for authorization code")

	return resp, nil
}

// RefreshRequest is the token-endpoint refresh_token grant.
type RefreshRequest struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Refresh issues a new access token and rotates the refresh token: the old
// value is invalidated atomically with the new issuance, so a replayed
// refresh token fails with ErrInvalidGrant.
func (e *Engine) Refresh(ctx context.Context, req RefreshRequest) (*TokenResponse, error) {
	client, err := e.policies.AuthenticateClient(req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	current, err := e.registry.Resolve(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, models.ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidGrant, err)
	}
	if current.ClientID != client.ID {
		return nil, fmt.Errorf("%w: refresh token issued to another client", models.ErrInvalidGrant)
	}

	now := e.now()
	successor := &models.OAuthToken{
		Handle:    uuid.New().String(),
		IssuedAt:  now,
		ExpiresAt: now.Add(e.opts.RefreshTokenTTL),
	}
	old, err := e.registry.RotateRefresh(ctx, req.RefreshToken, successor)
	if err != nil {
		return nil, err
	}

	subject := ""
	if old.SubjectID != nil {
		subject = *old.SubjectID
	}
	scopes := policy.SplitScopes(old.Scopes)

	access, idToken, err := e.mintAccessAndID(ctx, client, subject, scopes, old.ChainID)
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"client":   client.ID,
		"chain_id": old.ChainID,
	}).Info("Access token refreshed, refresh token rotated")

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(e.opts.AccessTokenTTL.Seconds()),
		RefreshToken: successor.Handle,
		IDToken:      idToken,
		Scope:        old.Scopes,
	}, nil
}

// Revoke invalidates a token for the authenticated client. Idempotent:
// unknown, already-revoked and foreign tokens all succeed silently per
// RFC 7009.
func (e *Engine) Revoke(ctx context.Context, clientID, clientSecret, tok string) error {
	client, err := e.policies.AuthenticateClient(clientID, clientSecret)
	if err != nil {
		return err
	}

	row, _, err := e.registry.Introspect(ctx, tok)
	if err != nil {
		return err
	}
	if row == nil || row.ClientID != client.ID {
		// nothing to do, but revocation never fails for that
		return nil
	}
	return e.registry.Revoke(ctx, tok)
}

// Introspection is the RFC 7662 view of a token's current state.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Sub       string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Iss       string `json:"iss,omitempty"`
}

// Introspect reports whether a reference or refresh token is currently
// active. Callers authenticate as a registered client; unknown tokens are
// inactive, not errors.
func (e *Engine) Introspect(ctx context.Context, clientID, clientSecret, tok string) (*Introspection, error) {
	if _, err := e.policies.AuthenticateClient(clientID, clientSecret); err != nil {
		return nil, err
	}

	row, active, err := e.registry.Introspect(ctx, tok)
	if err != nil {
		return nil, err
	}
	if row == nil || !active {
		return &Introspection{Active: false}, nil
	}

	sub := ""
	if row.SubjectID != nil {
		sub = *row.SubjectID
	}
	return &Introspection{
		Active:    true,
		Scope:     row.Scopes,
		ClientID:  row.ClientID,
		Sub:       sub,
		TokenType: row.Kind,
		Exp:       row.ExpiresAt.Unix(),
		Iat:       row.IssuedAt.Unix(),
		Iss:       e.opts.Issuer,
	}, nil
}

// issueTokens mints the access token, the id token when openid was granted
// and a refresh token when offline_access was granted.
func (e *Engine) issueTokens(ctx context.Context, client *policy.Client, subject string, scopes []string, chainID string) (*TokenResponse, error) {
	access, idToken, err := e.mintAccessAndID(ctx, client, subject, scopes, chainID)
	if err != nil {
		return nil, err
	}

	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(e.opts.AccessTokenTTL.Seconds()),
		IDToken:     idToken,
		Scope:       policy.JoinScopes(scopes),
	}

	if containsScope(scopes, "offline_access") {
		now := e.now()
		refresh := &models.OAuthToken{
			Handle:    uuid.New().String(),
			Kind:      models.TokenKindRefresh,
			ClientID:  client.ID,
			SubjectID: &subject,
			Scopes:    policy.JoinScopes(scopes),
			ChainID:   chainID,
			IssuedAt:  now,
			ExpiresAt: now.Add(e.opts.RefreshTokenTTL),
		}
		if err := e.registry.SaveToken(ctx, refresh); err != nil {
			return nil, err
		}
		resp.RefreshToken = refresh.Handle
	}

	return resp, nil
}

func (e *Engine) mintAccessAndID(ctx context.Context, client *policy.Client, subject string, scopes []string, chainID string) (access string, idToken string, err error) {
	claimNames := e.policies.ClaimsForScopes(scopes)

	userClaims := map[string]interface{}{}
	if e.users != nil && subject != "" {
		userClaims, err = e.users.ClaimsForSubject(ctx, subject, claimNames)
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", models.ErrUnavailable, err)
		}
	}

	accessClaims := token.Claims{
		"sub":       subject,
		"client_id": client.ID,
		"scope":     policy.JoinScopes(scopes),
		"chain_id":  chainID,
	}
	if auds := e.policies.AudiencesForScopes(scopes); len(auds) == 1 {
		accessClaims["aud"] = auds[0]
	} else if len(auds) > 1 {
		accessClaims["aud"] = auds
	}
	for k, v := range userClaims {
		accessClaims[k] = v
	}

	access, err = e.accessCodec.Issue(ctx, accessClaims, token.KindAccess)
	if err != nil {
		return "", "", err
	}

	if containsScope(scopes, "openid") {
		idClaims := token.Claims{
			"sub": subject,
			"aud": client.ID,
		}
		for k, v := range userClaims {
			idClaims[k] = v
		}
		idToken, err = e.idCodec.Issue(ctx, idClaims, token.KindID)
		if err != nil {
			return "", "", err
		}
	}

	return access, idToken, nil
}

func containsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
