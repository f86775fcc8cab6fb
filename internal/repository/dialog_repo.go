package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/duetchat/duet/internal/db"
	svcErr "github.com/duetchat/duet/internal/errors"
)

// DialogRepository owns dialogs, the active-dialog pointer table and
// relayed-content rows.
type DialogRepository struct {
	db *gorm.DB
}

func NewDialogRepository(database *gorm.DB) *DialogRepository {
	return &DialogRepository{db: database}
}

// CreateWithActive creates the dialog plus both active-dialog pointer
// rows in one transaction. The primary key on active_dialogs.user_id is
// the final guard against a double match: a uniqueness violation rolls
// the whole pairing back and surfaces as ErrTryAgain.
func (r *DialogRepository) CreateWithActive(ctx context.Context, user1ID, user2ID uint64) (*db.Dialog, error) {
	dialog := &db.Dialog{User1ID: user1ID, User2ID: user2ID, Status: db.DialogActive}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(dialog).Error; err != nil {
			return err
		}
		rows := []db.ActiveDialog{
			{UserID: user1ID, DialogID: dialog.ID},
			{UserID: user2ID, DialogID: dialog.ID},
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		if svcErr.IsDuplicate(err) {
			return nil, svcErr.ErrTryAgain
		}
		return nil, err
	}
	return dialog, nil
}

func (r *DialogRepository) ByID(ctx context.Context, dialogID uint64) (*db.Dialog, error) {
	var d db.Dialog
	if err := r.db.WithContext(ctx).First(&d, dialogID).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// HasActive reports whether the user holds a durable active-dialog row.
func (r *DialogRepository) HasActive(ctx context.Context, userID uint64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.ActiveDialog{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	return count > 0, err
}

// Finish transitions the dialog to finished and deletes both pointer
// rows in one transaction. Finished dialogs pass through untouched, so
// concurrent terminate calls are idempotent; changed reports whether
// this call performed the transition.
func (r *DialogRepository) Finish(ctx context.Context, dialogID uint64) (dialog *db.Dialog, changed bool, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d db.Dialog
		if err := tx.First(&d, dialogID).Error; err != nil {
			return err
		}
		dialog = &d

		if d.Status != db.DialogActive {
			return nil
		}

		now := time.Now().UTC()
		if err := tx.Model(&db.Dialog{}).
			Where("id = ? AND status = ?", dialogID, db.DialogActive).
			Updates(map[string]interface{}{"status": db.DialogFinished, "finished_at": now}).Error; err != nil {
			return err
		}
		d.Status = db.DialogFinished
		d.FinishedAt = &now
		changed = true

		return tx.Where("dialog_id = ?", dialogID).Delete(&db.ActiveDialog{}).Error
	})
	if err != nil {
		return nil, false, err
	}
	return dialog, changed, nil
}

// CountBetweenSince counts dialogs formed by the unordered pair after
// the given instant. Feeds the "met too often" anti-abuse rule.
func (r *DialogRepository) CountBetweenSince(ctx context.Context, userA, userB uint64, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Dialog{}).
		Where("created_at >= ?", since).
		Where("user1_id IN (?, ?) AND user2_id IN (?, ?)", userA, userB, userA, userB).
		Count(&count).Error
	return count, err
}

// AddText appends one relayed text message.
func (r *DialogRepository) AddText(ctx context.Context, dialogID, fromUserID uint64, text string) error {
	return r.db.WithContext(ctx).Create(&db.Message{
		DialogID:   dialogID,
		FromUserID: fromUserID,
		Text:       &text,
	}).Error
}

// AddPhoto appends a photo reference plus its message row and flips the
// dialog's has_photos flag, all in one transaction.
func (r *DialogRepository) AddPhoto(ctx context.Context, dialogID, ownerUserID uint64, fileRef string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		photo := db.Photo{DialogID: dialogID, OwnerUserID: ownerUserID, FilePath: fileRef}
		if err := tx.Create(&photo).Error; err != nil {
			return err
		}
		if err := tx.Create(&db.Message{
			DialogID:   dialogID,
			FromUserID: ownerUserID,
			PhotoID:    &photo.ID,
		}).Error; err != nil {
			return err
		}
		return tx.Model(&db.Dialog{}).
			Where("id = ? AND has_photos = ?", dialogID, false).
			Update("has_photos", true).Error
	})
}

// RecentMessages returns up to limit newest messages, oldest first.
func (r *DialogRepository) RecentMessages(ctx context.Context, dialogID uint64, limit int) ([]db.Message, error) {
	var msgs []db.Message
	err := r.db.WithContext(ctx).
		Where("dialog_id = ?", dialogID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (r *DialogRepository) Photos(ctx context.Context, dialogID uint64) ([]db.Photo, error) {
	var photos []db.Photo
	err := r.db.WithContext(ctx).
		Where("dialog_id = ?", dialogID).
		Order("created_at ASC, id ASC").
		Find(&photos).Error
	return photos, err
}
