package repository

import (
	"tethercam/internal/models"
)

// CaptureRepository defines the interface for capture log operations.
type CaptureRepository interface {
	// Create operations
	Insert(c *models.Capture) (int64, error)

	// Read operations
	GetByID(id int64) (*models.Capture, error)
	Recent(limit int) ([]models.Capture, error)
	GetBySeries(series int64) ([]models.Capture, error)
	MaxSeries() (int64, error)
	Stats() (*models.CaptureStats, error)

	// Delete operations
	Delete(id int64) error
}
