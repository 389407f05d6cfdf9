package controllers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mytestdev/gallery-auth/internal/models"
	"github.com/mytestdev/gallery-auth/internal/services"
)

// ImageController handles HTTP requests related to gallery images
type ImageController interface {
	// GetAllImages retrieves the caller's images
	GetAllImages(c *gin.Context)
	// GetImageByID retrieves an image by its ID
	GetImageByID(c *gin.Context)
	// CreateImage creates a new image owned by the caller
	CreateImage(c *gin.Context)
	// UpdateImage updates an existing image
	UpdateImage(c *gin.Context)
	// DeleteImage deletes an image by its ID
	DeleteImage(c *gin.Context)
}

// imageController is the implementation of the ImageController interface
type imageController struct {
	service services.ImageService
}

// NewImageController creates a new instance of ImageController
func NewImageController(service services.ImageService) ImageController {
	return &imageController{service: service}
}

func (ctl *imageController) GetAllImages(c *gin.Context) {
	subject := c.GetString("subject")

	images, err := ctl.service.GetAllImages(subject)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.NewAPIError(models.ErrCodeInternalServer, "failed to list images"))
		return
	}
	c.JSON(http.StatusOK, images)
}

func (ctl *imageController) GetImageByID(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewAPIError(models.ErrCodeBadRequest, "image id must be numeric"))
		return
	}

	image, err := ctl.service.GetImageByID(uint(id))
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, models.NewAPIError(models.ErrCodeImageNotFound, "image not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, models.NewAPIError(models.ErrCodeInternalServer, "failed to load image"))
		return
	}
	c.JSON(http.StatusOK, image)
}

func (ctl *imageController) CreateImage(c *gin.Context) {
	var image models.Image
	if err := c.ShouldBindJSON(&image); err != nil {
		c.JSON(http.StatusBadRequest, models.NewAPIError(models.ErrCodeImageInvalidData, err.Error()))
		return
	}

	// ownership is taken from the token, never from the request body
	image.OwnerID = c.GetString("subject")

	created, err := ctl.service.CreateImage(image)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.NewAPIError(models.ErrCodeInternalServer, "failed to create image"))
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (ctl *imageController) UpdateImage(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewAPIError(models.ErrCodeBadRequest, "image id must be numeric"))
		return
	}

	existing, err := ctl.service.GetImageByID(uint(id))
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, models.NewAPIError(models.ErrCodeImageNotFound, "image not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, models.NewAPIError(models.ErrCodeInternalServer, "failed to load image"))
		return
	}

	var update models.Image
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, models.NewAPIError(models.ErrCodeImageInvalidData, err.Error()))
		return
	}
	existing.Title = update.Title
	existing.FileName = update.FileName

	saved, err := ctl.service.UpdateImage(existing)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.NewAPIError(models.ErrCodeInternalServer, "failed to update image"))
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (ctl *imageController) DeleteImage(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewAPIError(models.ErrCodeBadRequest, "image id must be numeric"))
		return
	}

	if err := ctl.service.DeleteImage(uint(id)); err != nil {
		c.JSON(http.StatusInternalServerError, models.NewAPIError(models.ErrCodeInternalServer, "failed to delete image"))
		return
	}
	c.Status(http.StatusNoContent)
}
