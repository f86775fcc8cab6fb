package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/duetchat/duet/internal/db"
)

// UserRepository provides data access for users and their reputation
// snapshots.
type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(database *gorm.DB) *UserRepository {
	return &UserRepository{db: database}
}

func (r *UserRepository) ByTelegramID(ctx context.Context, tgID int64) (*db.User, error) {
	var u db.User
	if err := r.db.WithContext(ctx).Where("telegram_id = ?", tgID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) ByID(ctx context.Context, id uint64) (*db.User, error) {
	var u db.User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// Candidate is the narrow projection the match loop validates against:
// everything it needs without hydrating the full row.
type Candidate struct {
	ID               uint64
	TelegramID       int64
	IsBanned         bool
	SeasonRatingChat float64
	City             *string
}

// CandidateByTelegramID returns nil without error when no such user
// exists (a stale queue entry).
func (r *UserRepository) CandidateByTelegramID(ctx context.Context, tgID int64) (*Candidate, error) {
	var c Candidate
	err := r.db.WithContext(ctx).
		Model(&db.User{}).
		Select("id", "telegram_id", "is_banned", "season_rating_chat", "city").
		Where("telegram_id = ?", tgID).
		Take(&c).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *UserRepository) Create(ctx context.Context, u *db.User) error {
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *UserRepository) SaveSubscriptionUntil(ctx context.Context, userID uint64, until *time.Time) error {
	return r.db.WithContext(ctx).
		Model(&db.User{}).
		Where("id = ?", userID).
		Update("subscription_until", until).Error
}
