package token

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mytestdev/gallery-auth/internal/models"
)

// ReferenceStore is the registry surface the reference codec needs: persist a
// claim-bearing row under an opaque handle and resolve a live one later.
// Resolve must fail with ErrRevokedOrUnknownToken for absent or revoked
// handles and ErrExpiredToken for expired ones.
type ReferenceStore interface {
	SaveToken(ctx context.Context, t *models.OAuthToken) error
	Resolve(ctx context.Context, handle string) (*models.OAuthToken, error)
}

// ReferenceCodec issues opaque token handles whose claims live server-side in
// the token registry. Validation is an introspection lookup, so revocation is
// observable within one registry round trip.
type ReferenceCodec struct {
	Issuer string
	Store  ReferenceStore
	TTL    time.Duration
	Now    Clock
}

// NewReferenceCodec builds a registry-backed codec.
func NewReferenceCodec(issuer string, store ReferenceStore, ttl time.Duration) *ReferenceCodec {
	return &ReferenceCodec{Issuer: issuer, Store: store, TTL: ttl}
}

func (c *ReferenceCodec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Issue stores the claim set in the registry and returns the random handle.
func (c *ReferenceCodec) Issue(ctx context.Context, claims Claims, _ Kind) (string, error) {
	now := c.now()

	full := make(Claims, len(claims)+3)
	for k, v := range claims {
		full[k] = v
	}
	full["iss"] = c.Issuer
	full["iat"] = now.Unix()
	full["exp"] = now.Add(c.TTL).Unix()

	serialized, err := json.Marshal(full)
	if err != nil {
		return "", fmt.Errorf("serializing reference token claims: %w", err)
	}

	handle := uuid.New().String()
	chainID := full.GetString("chain_id")
	if chainID == "" {
		chainID = uuid.New().String()
	}

	var subject *string
	if sub := full.Subject(); sub != "" {
		subject = &sub
	}

	row := &models.OAuthToken{
		Handle:    handle,
		Kind:      models.TokenKindAccess,
		ClientID:  full.GetString("client_id"),
		SubjectID: subject,
		Scopes:    full.GetString("scope"),
		ChainID:   chainID,
		Claims:    string(serialized),
		IssuedAt:  now,
		ExpiresAt: now.Add(c.TTL),
	}
	if err := c.Store.SaveToken(ctx, row); err != nil {
		return "", err
	}
	return handle, nil
}

// Validate resolves the handle through the registry and returns the stored
// claim set. Absent or revoked handles fail with ErrRevokedOrUnknownToken.
func (c *ReferenceCodec) Validate(ctx context.Context, raw string) (Claims, error) {
	row, err := c.Store.Resolve(ctx, raw)
	if err != nil {
		return nil, err
	}

	var claims Claims
	if err := json.Unmarshal([]byte(row.Claims), &claims); err != nil {
		return nil, fmt.Errorf("%w: stored claims unreadable", models.ErrMalformedToken)
	}
	return claims, nil
}
