package services

import (
	"context"
	"strconv"

	"gorm.io/gorm"

	"github.com/mytestdev/gallery-auth/internal/models"
)

// ImageService provides methods to interact with the gallery database
type ImageService interface {
	// GetAllImages retrieves the images owned by a subject
	GetAllImages(ownerID string) ([]models.Image, error)
	// GetImageByID retrieves an image by its ID
	GetImageByID(id uint) (models.Image, error)
	// CreateImage creates a new image in the database
	CreateImage(image models.Image) (models.Image, error)
	// UpdateImage updates an existing image in the database
	UpdateImage(image models.Image) (models.Image, error)
	// DeleteImage deletes an image from the database by its ID
	DeleteImage(id uint) error
	// GetOwner resolves the owning subject of an image; implements the
	// evaluator's resource store for the ownership check
	GetOwner(ctx context.Context, resourceID string) (string, error)
}

// imageService is the implementation of the ImageService interface
type imageService struct {
	db *gorm.DB
}

// NewImageService creates a new instance of ImageService
func NewImageService(db *gorm.DB) ImageService {
	return &imageService{db: db}
}

func (s *imageService) GetAllImages(ownerID string) ([]models.Image, error) {
	var images []models.Image
	if err := s.db.Where("owner_id = ?", ownerID).Find(&images).Error; err != nil {
		return nil, err
	}
	return images, nil
}

func (s *imageService) GetImageByID(id uint) (models.Image, error) {
	var image models.Image
	if err := s.db.First(&image, id).Error; err != nil {
		return models.Image{}, err
	}
	return image, nil
}

func (s *imageService) CreateImage(image models.Image) (models.Image, error) {
	if err := s.db.Create(&image).Error; err != nil {
		return models.Image{}, err
	}
	return image, nil
}

func (s *imageService) UpdateImage(image models.Image) (models.Image, error) {
	if err := s.db.Save(&image).Error; err != nil {
		return models.Image{}, err
	}
	return image, nil
}

func (s *imageService) DeleteImage(id uint) error {
	if err := s.db.Delete(&models.Image{}, id).Error; err != nil {
		return err
	}
	return nil
}

func (s *imageService) GetOwner(ctx context.Context, resourceID string) (string, error) {
	id, err := strconv.ParseUint(resourceID, 10, 32)
	if err != nil {
		return "", nil // non-numeric id cannot name an image
	}
	var image models.Image
	if err := s.db.WithContext(ctx).First(&image, uint(id)).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", nil
		}
		return "", err
	}
	return image.OwnerID, nil
}
