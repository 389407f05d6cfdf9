package models

import (
	"time"
)

// OAuthCode is a short-lived, single-use authorization code. Redemption flips
// the Used flag atomically; expiry is checked by timestamp at lookup time.
type OAuthCode struct {
	Code        string `gorm:"primaryKey"`
	ClientID    string `gorm:"not null"`
	SubjectID   string `gorm:"not null"`
	Scopes      string // Space-separated list of granted scopes
	RedirectURI string
	Used        bool      `gorm:"not null;default:false"`
	ExpiresAt   time.Time `gorm:"not null"`
	CreatedAt   time.Time
}

func (OAuthCode) TableName() string {
	return "oauth_codes"
}
