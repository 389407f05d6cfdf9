package models

import (
	"time"
)

// User holds the profile attributes exposed as claims through identity
// resources (given_name, family_name, role, country).
type User struct {
	ID         uint   `gorm:"primaryKey"`
	SubjectID  string `gorm:"uniqueIndex;not null"`
	Email      string `gorm:"uniqueIndex;not null"`
	GivenName  string
	FamilyName string
	Role       string `gorm:"default:'FreeUser'"`
	Country    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
