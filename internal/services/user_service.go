package services

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/mytestdev/gallery-auth/internal/models"
)

// UserService resolves user profiles and the claim values exposed through
// identity resources; it backs the grant engine's claims source.
type UserService interface {
	// GetBySubject retrieves a user by subject id
	GetBySubject(subjectID string) (models.User, error)
	// CreateUser creates a new user in the database
	CreateUser(user models.User) (models.User, error)
	// ClaimsForSubject returns the requested claim values for a subject
	ClaimsForSubject(ctx context.Context, subject string, names []string) (map[string]interface{}, error)
}

// userService is the implementation of the UserService interface
type userService struct {
	db *gorm.DB
}

// NewUserService creates a new instance of UserService
func NewUserService(db *gorm.DB) UserService {
	return &userService{db: db}
}

func (s *userService) GetBySubject(subjectID string) (models.User, error) {
	var user models.User
	if err := s.db.Where("subject_id = ?", subjectID).First(&user).Error; err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (s *userService) CreateUser(user models.User) (models.User, error) {
	if err := s.db.Create(&user).Error; err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (s *userService) ClaimsForSubject(ctx context.Context, subject string, names []string) (map[string]interface{}, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("subject_id = ?", subject).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("user %s not found", subject)
		}
		return nil, err
	}

	available := map[string]interface{}{
		"sub":         user.SubjectID,
		"given_name":  user.GivenName,
		"family_name": user.FamilyName,
		"role":        user.Role,
		"country":     user.Country,
	}

	claims := make(map[string]interface{}, len(names))
	for _, name := range names {
		if v, ok := available[name]; ok {
			claims[name] = v
		}
	}
	return claims, nil
}
