package models

import (
	"time"
)

// Token kinds tracked by the registry. Self-contained JWT access tokens have
// no registry row; reference access tokens and refresh tokens do.
const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
)

// OAuthToken is a registry row for an issued reference or refresh token. The
// Handle column is the opaque value handed to the client. Tokens issued from
// the same grant (and every rotation descendant) share a ChainID so revoking
// a refresh token can invalidate the whole chain in one statement.
type OAuthToken struct {
	ID         uint   `gorm:"primaryKey"`
	Handle     string `gorm:"uniqueIndex;not null"`
	Kind       string `gorm:"not null"`
	ClientID   string `gorm:"not null"`
	SubjectID  *string // Nullable for client credentials
	Scopes     string  // Space-separated list
	ChainID    string  `gorm:"index;not null"`
	Claims     string  // JSON claim set, populated for reference access tokens
	Revoked    bool    `gorm:"not null;default:false"`
	ReplacedBy *string // Handle of the rotation successor, refresh tokens only
	IssuedAt   time.Time
	ExpiresAt  time.Time `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (OAuthToken) TableName() string {
	return "oauth_tokens"
}
