package session

import (
	"context"
	"time"

	"github.com/mytestdev/gallery-auth/internal/grant"
)

// EngineClient adapts the grant engine to the Refresher and Revoker
// interfaces for deployments where the client application runs in the same
// process as the provider. An HTTP client against the token and revocation
// endpoints satisfies the same interfaces for out-of-process setups.
type EngineClient struct {
	Engine       *grant.Engine
	ClientID     string
	ClientSecret string
}

// Refresh exchanges the refresh token at the engine's token endpoint
// semantics and repackages the response as a session token set.
func (c *EngineClient) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	resp, err := c.Engine.Refresh(ctx, grant.RefreshRequest{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RefreshToken: refreshToken,
	})
	if err != nil {
		return nil, err
	}
	return &Tokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		Expiry:       time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}

// Revoke forwards to the engine's revocation semantics; idempotent.
func (c *EngineClient) Revoke(ctx context.Context, tok string) error {
	return c.Engine.Revoke(ctx, c.ClientID, c.ClientSecret, tok)
}
