package db

import (
	"time"
)

type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

type DialogStatus string

const (
	DialogActive   DialogStatus = "active"
	DialogFinished DialogStatus = "finished"
)

type RatingKind string

const (
	RatingChat       RatingKind = "chat"
	RatingAppearance RatingKind = "appearance"
)

// User holds identity plus a reputation snapshot. The reputation fields
// are derived views over the ratings table, recomputed on every insert
// by the rating service; nothing else writes them.
type User struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	TelegramID int64  `gorm:"uniqueIndex;not null"`

	Gender    Gender    `gorm:"size:16;not null"`
	BirthDate time.Time `gorm:"not null"`
	City      *string   `gorm:"size:128;index"`
	Username  *string   `gorm:"size:128"`
	FullName  *string   `gorm:"size:256"`

	SeasonRatingChat       float64  `gorm:"not null;default:5.0;index:idx_users_premium_match,priority:1"`
	SeasonRatingAppearance *float64 ``
	Last20AvgChat          float64  `gorm:"not null;default:0"`
	Last20AvgAppearance    float64  `gorm:"not null;default:0"`

	// Count of distinct dialogs with at least one received chat rating.
	CalibrationCounter int `gorm:"not null;default:0"`

	SubscriptionUntil *time.Time `gorm:"index"`
	IsUnderReview     bool       `gorm:"not null;default:false"`
	IsBanned          bool       `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"autoCreateTime;index"`
}

// Dialog is a pairing between two distinct users. Rows are never
// deleted; status moves active -> finished exactly once.
type Dialog struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"`
	User1ID uint64 `gorm:"not null;index:idx_dialogs_user_pair,priority:1"`
	User2ID uint64 `gorm:"not null;index:idx_dialogs_user_pair,priority:2"`

	User1 User `gorm:"foreignKey:User1ID;constraint:OnDelete:CASCADE"`
	User2 User `gorm:"foreignKey:User2ID;constraint:OnDelete:CASCADE"`

	Status    DialogStatus `gorm:"size:16;not null;default:active;index"`
	HasPhotos bool         `gorm:"not null;default:false"`

	CreatedAt  time.Time `gorm:"autoCreateTime;index"`
	FinishedAt *time.Time
}

// ActiveDialog is the authoritative "user is currently paired" record.
// Primary key on UserID enforces at most one live dialog per user; the
// Redis active_dialog keys are caches of these rows.
type ActiveDialog struct {
	UserID   uint64 `gorm:"primaryKey;autoIncrement:false"`
	DialogID uint64 `gorm:"not null;index"`

	User   User   `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	Dialog Dialog `gorm:"foreignKey:DialogID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// Message records relayed dialog content (text or a photo reference).
type Message struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DialogID   uint64 `gorm:"not null;index"`
	FromUserID uint64 `gorm:"not null;index"`

	Dialog   Dialog `gorm:"foreignKey:DialogID;constraint:OnDelete:CASCADE"`
	FromUser User   `gorm:"foreignKey:FromUserID;constraint:OnDelete:CASCADE"`

	Text    *string `gorm:"type:text"`
	PhotoID *uint64 `gorm:"index"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// Photo stores an external file reference, not bytes. References to
// transport-held files use the "tg://<file_id>" form.
type Photo struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	DialogID    uint64 `gorm:"not null;index"`
	OwnerUserID uint64 `gorm:"not null;index"`

	Dialog Dialog `gorm:"foreignKey:DialogID;constraint:OnDelete:CASCADE"`
	Owner  User   `gorm:"foreignKey:OwnerUserID;constraint:OnDelete:CASCADE"`

	FilePath  string    `gorm:"size:512;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime;index"`
}

// Rating is one directed feedback event. The unique index makes a
// repeat submission for the same (dialog, rater, ratee, kind) a
// constraint violation, which the service surfaces as "already rated".
type Rating struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	DialogID uint64 `gorm:"not null;uniqueIndex:ux_ratings_unique,priority:1;index"`

	FromUserID uint64 `gorm:"not null;uniqueIndex:ux_ratings_unique,priority:2"`
	ToUserID   uint64 `gorm:"not null;uniqueIndex:ux_ratings_unique,priority:3;index"`

	Dialog   Dialog `gorm:"foreignKey:DialogID;constraint:OnDelete:CASCADE"`
	FromUser User   `gorm:"foreignKey:FromUserID;constraint:OnDelete:CASCADE"`
	ToUser   User   `gorm:"foreignKey:ToUserID;constraint:OnDelete:CASCADE"`

	Kind  RatingKind `gorm:"size:16;not null;uniqueIndex:ux_ratings_unique,priority:4"`
	Value int        `gorm:"not null"`

	// Anti-abuse verdict at insert time. Audit-only: aggregates are
	// computed over all ratings regardless of this flag.
	SeasonalValid bool `gorm:"not null;default:true;index:idx_ratings_seasonal,priority:3"`

	CreatedAt time.Time `gorm:"autoCreateTime;index"`
}

type Complaint struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DialogID   uint64 `gorm:"not null;index"`
	FromUserID uint64 `gorm:"not null"`

	Dialog   Dialog `gorm:"foreignKey:DialogID;constraint:OnDelete:CASCADE"`
	FromUser User   `gorm:"foreignKey:FromUserID;constraint:OnDelete:CASCADE"`

	Reason    string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime;index"`
}
