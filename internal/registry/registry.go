// Package registry tracks issued authorization codes, refresh tokens and
// reference access tokens, giving the grant engine single-use code
// consumption, atomic refresh rotation and idempotent revocation.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/mytestdev/gallery-auth/internal/models"
)

var log = logrus.New()

func init() {
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)
}

// Registry is the durable token store. All mutating operations rely on
// conditional UPDATE guards (rows-affected checks), so two concurrent callers
// racing on the same handle cannot both succeed.
type Registry struct {
	db *gorm.DB

	// Now is substituted in tests; defaults to time.Now.
	Now func() time.Time
}

// New creates a registry over an initialized database.
func New(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %v", models.ErrUnavailable, err)
}

// SaveCode persists a freshly issued authorization code.
func (r *Registry) SaveCode(ctx context.Context, code *models.OAuthCode) error {
	if err := r.db.WithContext(ctx).Create(code).Error; err != nil {
		return storageErr(err)
	}
	return nil
}

// ConsumeCode atomically marks the code used and returns it. A code that is
// unknown, expired or already used fails with ErrInvalidGrant; the guard on
// the UPDATE makes a second concurrent redemption lose the race.
func (r *Registry) ConsumeCode(ctx context.Context, code string) (*models.OAuthCode, error) {
	var consumed models.OAuthCode

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.OAuthCode{}).
			Where("code = ? AND used = ? AND expires_at > ?", code, false, r.now()).
			Update("used", true)
		if res.Error != nil {
			return storageErr(res.Error)
		}
		if res.RowsAffected == 0 {
			return models.ErrInvalidGrant
		}
		if err := tx.Where("code = ?", code).First(&consumed).Error; err != nil {
			return storageErr(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &consumed, nil
}

// SaveToken persists a refresh or reference token row.
func (r *Registry) SaveToken(ctx context.Context, t *models.OAuthToken) error {
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return storageErr(err)
	}
	return nil
}

// Resolve returns the live row for a handle. Unknown and revoked handles fail
// with ErrRevokedOrUnknownToken, expired ones with ErrExpiredToken; expiry is
// a timestamp comparison at lookup time, not background eviction.
func (r *Registry) Resolve(ctx context.Context, handle string) (*models.OAuthToken, error) {
	var row models.OAuthToken
	if err := r.db.WithContext(ctx).Where("handle = ?", handle).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrRevokedOrUnknownToken
		}
		return nil, storageErr(err)
	}
	if row.Revoked {
		return nil, models.ErrRevokedOrUnknownToken
	}
	if !row.ExpiresAt.After(r.now()) {
		return nil, models.ErrExpiredToken
	}
	return &row, nil
}

// Introspect reports a handle's current state for RFC 7662 responses. An
// unknown handle is not an error: it is simply inactive.
func (r *Registry) Introspect(ctx context.Context, handle string) (*models.OAuthToken, bool, error) {
	var row models.OAuthToken
	if err := r.db.WithContext(ctx).Where("handle = ?", handle).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, storageErr(err)
	}
	active := !row.Revoked && row.ExpiresAt.After(r.now())
	return &row, active, nil
}

// RotateRefresh atomically invalidates the old refresh token and persists its
// successor in one transaction: the conditional UPDATE is the compare, the
// successor insert the swap. Two concurrent refresh calls with the same stale
// token cannot both succeed. The successor inherits the chain id. Returns the
// invalidated row so the caller can mint matching access tokens.
func (r *Registry) RotateRefresh(ctx context.Context, oldHandle string, successor *models.OAuthToken) (*models.OAuthToken, error) {
	var old models.OAuthToken

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.OAuthToken{}).
			Where("handle = ? AND kind = ? AND revoked = ? AND expires_at > ?",
				oldHandle, models.TokenKindRefresh, false, r.now()).
			Updates(map[string]interface{}{"revoked": true, "replaced_by": successor.Handle})
		if res.Error != nil {
			return storageErr(res.Error)
		}
		if res.RowsAffected == 0 {
			return models.ErrInvalidGrant
		}
		if err := tx.Where("handle = ?", oldHandle).First(&old).Error; err != nil {
			return storageErr(err)
		}

		successor.Kind = models.TokenKindRefresh
		successor.ChainID = old.ChainID
		successor.ClientID = old.ClientID
		successor.SubjectID = old.SubjectID
		successor.Scopes = old.Scopes
		if err := tx.Create(successor).Error; err != nil {
			return storageErr(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"chain_id": old.ChainID,
		"client":   old.ClientID,
	}).Debug("Refresh token rotated")

	return &old, nil
}

// Revoke invalidates the token behind a handle. Revoking a refresh token
// takes its whole rotation chain with it. Unknown and already-revoked handles
// succeed silently: revocation is idempotent.
func (r *Registry) Revoke(ctx context.Context, handle string) error {
	var row models.OAuthToken
	if err := r.db.WithContext(ctx).Where("handle = ?", handle).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return storageErr(err)
	}

	q := r.db.WithContext(ctx).Model(&models.OAuthToken{})
	if row.Kind == models.TokenKindRefresh {
		q = q.Where("chain_id = ? AND revoked = ?", row.ChainID, false)
	} else {
		q = q.Where("handle = ? AND revoked = ?", handle, false)
	}
	if err := q.Update("revoked", true).Error; err != nil {
		return storageErr(err)
	}

	log.WithFields(logrus.Fields{
		"kind":     row.Kind,
		"chain_id": row.ChainID,
		"client":   row.ClientID,
	}).Info("Token revoked")

	return nil
}

// Sweep reclaims storage for expired codes and tokens. Best-effort only;
// correctness never depends on it because expiry is checked at lookup time.
func (r *Registry) Sweep(ctx context.Context) (int64, error) {
	now := r.now()

	codes := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&models.OAuthCode{})
	if codes.Error != nil {
		return 0, storageErr(codes.Error)
	}
	tokens := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&models.OAuthToken{})
	if tokens.Error != nil {
		return codes.RowsAffected, storageErr(tokens.Error)
	}

	reclaimed := codes.RowsAffected + tokens.RowsAffected
	if reclaimed > 0 {
		log.WithField("reclaimed", reclaimed).Debug("Swept expired registry entries")
	}
	return reclaimed, nil
}
