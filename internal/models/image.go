package models

import (
	"time"
)

// Image is a gallery image owned by a single subject. The owner id is the
// subject id from the token that created it and feeds the ownership check.
type Image struct {
	ID        uint   `gorm:"primaryKey"`
	Title     string `gorm:"not null"`
	FileName  string
	OwnerID   string `gorm:"index;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Image) TableName() string {
	return "images"
}
