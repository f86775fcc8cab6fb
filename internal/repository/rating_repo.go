package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/duetchat/duet/internal/db"
	svcErr "github.com/duetchat/duet/internal/errors"
)

// RatingRepository owns the rating log and the aggregate queries the
// reputation recompute runs over it.
type RatingRepository struct {
	db *gorm.DB
}

func NewRatingRepository(database *gorm.DB) *RatingRepository {
	return &RatingRepository{db: database}
}

// Insert persists one rating. The ux_ratings_unique index rejects a
// second submission for the same (dialog, rater, ratee, kind); that
// comes back as ErrAlreadyRated.
func (r *RatingRepository) Insert(ctx context.Context, rating *db.Rating) error {
	if err := r.db.WithContext(ctx).Create(rating).Error; err != nil {
		if svcErr.IsDuplicate(err) {
			return svcErr.ErrAlreadyRated
		}
		return err
	}
	return nil
}

// CountPairChatSince counts chat ratings the unordered pair exchanged
// after the given instant.
func (r *RatingRepository) CountPairChatSince(ctx context.Context, userA, userB uint64, since time.Time) (int64, error) {
	var count int64
	err := r.pairChatSince(ctx, userA, userB, since).Count(&count).Error
	return count, err
}

// CountPairChatHighSince is CountPairChatSince restricted to values >= 9.
func (r *RatingRepository) CountPairChatHighSince(ctx context.Context, userA, userB uint64, since time.Time) (int64, error) {
	var count int64
	err := r.pairChatSince(ctx, userA, userB, since).Where("value >= ?", 9).Count(&count).Error
	return count, err
}

func (r *RatingRepository) pairChatSince(ctx context.Context, userA, userB uint64, since time.Time) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&db.Rating{}).
		Where("created_at >= ?", since).
		Where("kind = ?", db.RatingChat).
		Where("from_user_id IN (?, ?) AND to_user_id IN (?, ?)", userA, userB, userA, userB)
}

// SeasonAverage is the mean over every rating of the kind the user has
// received, or 0 when there are none.
func (r *RatingRepository) SeasonAverage(ctx context.Context, userID uint64, kind db.RatingKind) (float64, error) {
	var avg *float64
	err := r.db.WithContext(ctx).
		Model(&db.Rating{}).
		Select("AVG(value)").
		Where("to_user_id = ? AND kind = ?", userID, kind).
		Scan(&avg).Error
	if err != nil || avg == nil {
		return 0, err
	}
	return *avg, nil
}

// SeasonAverageValid is SeasonAverage restricted to seasonal-valid
// rows. Unused by the recompute (the validity flag is audit-only) but
// kept as the one-line switch if that policy changes.
func (r *RatingRepository) SeasonAverageValid(ctx context.Context, userID uint64, kind db.RatingKind) (float64, error) {
	var avg *float64
	err := r.db.WithContext(ctx).
		Model(&db.Rating{}).
		Select("AVG(value)").
		Where("to_user_id = ? AND kind = ? AND seasonal_valid = ?", userID, kind, true).
		Scan(&avg).Error
	if err != nil || avg == nil {
		return 0, err
	}
	return *avg, nil
}

// RollingAverage is the mean of the n most recent ratings of the kind,
// newest by insertion order.
func (r *RatingRepository) RollingAverage(ctx context.Context, userID uint64, kind db.RatingKind, n int) (float64, error) {
	recent := r.db.
		Model(&db.Rating{}).
		Select("value").
		Where("to_user_id = ? AND kind = ?", userID, kind).
		Order("created_at DESC, id DESC").
		Limit(n)

	var avg *float64
	err := r.db.WithContext(ctx).
		Table("(?) AS recent", recent).
		Select("AVG(value)").
		Scan(&avg).Error
	if err != nil || avg == nil {
		return 0, err
	}
	return *avg, nil
}

// RatedDialogCount counts distinct dialogs in which the user received
// at least one chat rating (the calibration counter).
func (r *RatingRepository) RatedDialogCount(ctx context.Context, userID uint64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Rating{}).
		Distinct("dialog_id").
		Where("to_user_id = ? AND kind = ?", userID, db.RatingChat).
		Count(&count).Error
	return count, err
}

// Reputation is the derived snapshot written back onto the user row.
type Reputation struct {
	SeasonChat       float64
	SeasonAppearance float64
	Rolling20Chat    float64
	Rolling20App     float64
	RatedDialogs     int64
	UnderReview      bool
}

// SaveReputation writes the recomputed snapshot. The appearance season
// average stays NULL until the first appearance rating arrives.
func (r *RatingRepository) SaveReputation(ctx context.Context, userID uint64, rep Reputation, hasAppearance bool) error {
	updates := map[string]interface{}{
		"season_rating_chat":    rep.SeasonChat,
		"last20_avg_chat":       rep.Rolling20Chat,
		"last20_avg_appearance": rep.Rolling20App,
		"calibration_counter":   rep.RatedDialogs,
	}
	if hasAppearance {
		updates["season_rating_appearance"] = rep.SeasonAppearance
	}
	if rep.UnderReview {
		updates["is_under_review"] = true
	}
	return r.db.WithContext(ctx).
		Model(&db.User{}).
		Where("id = ?", userID).
		Updates(updates).Error
}

// HasAppearanceRatings reports whether the user has received any
// appearance rating at all.
func (r *RatingRepository) HasAppearanceRatings(ctx context.Context, userID uint64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Rating{}).
		Where("to_user_id = ? AND kind = ?", userID, db.RatingAppearance).
		Count(&count).Error
	return count > 0, err
}
