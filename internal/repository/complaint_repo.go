package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/duetchat/duet/internal/db"
)

type ComplaintRepository struct {
	db *gorm.DB
}

func NewComplaintRepository(database *gorm.DB) *ComplaintRepository {
	return &ComplaintRepository{db: database}
}

func (r *ComplaintRepository) Create(ctx context.Context, c *db.Complaint) error {
	return r.db.WithContext(ctx).Create(c).Error
}
