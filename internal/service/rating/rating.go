// Package rating validates and records peer feedback and keeps the
// ratee's reputation snapshot in sync with the rating log. Aggregates
// are recomputed from the log on every insert rather than adjusted
// incrementally, so the snapshot can never drift from the data.
package rating

import (
	"context"
	"fmt"
	"time"

	"github.com/duetchat/duet/internal/alert"
	"github.com/duetchat/duet/internal/app"
	"github.com/duetchat/duet/internal/db"
	svcErr "github.com/duetchat/duet/internal/errors"
	"github.com/duetchat/duet/internal/repository"
)

const (
	// Anti-abuse trailing window.
	abuseWindow = 7 * 24 * time.Hour
	// More pair dialogs than this inside the window marks ratings invalid.
	maxPairDialogs = 3
	// Mutual-rating collusion: at least this many exchanged chat ratings...
	collusionMinRatings = 10
	// ...with at least this share of them >= collusionHighValue.
	collusionHighShare = 0.8
	collusionHighValue = 9

	rollingWindow = 20

	// A season-average drop of this size flags the ratee for review.
	reviewDropThreshold = 3.0
)

type Service struct {
	appCtx  *app.AppContext
	users   *repository.UserRepository
	dialogs *repository.DialogRepository
	ratings *repository.RatingRepository
	alerter alert.Alerter
}

func NewService(appCtx *app.AppContext, alerter alert.Alerter) *Service {
	if alerter == nil {
		alerter = alert.Nop{}
	}
	return &Service{
		appCtx:  appCtx,
		users:   repository.NewUserRepository(appCtx.DB),
		dialogs: repository.NewDialogRepository(appCtx.DB),
		ratings: repository.NewRatingRepository(appCtx.DB),
		alerter: alerter,
	}
}

// Decision is the anti-abuse verdict stored on the rating row.
type Decision struct {
	Valid  bool
	Reason string
}

// Submit persists one rating and synchronously recomputes the ratee's
// reputation. Duplicate submissions surface as ErrAlreadyRated via the
// uniqueness constraint; out-of-range values as ErrInvalidRating.
func (s *Service) Submit(ctx context.Context, dialogID, fromUserID, toUserID uint64, kind db.RatingKind, value int) error {
	if value < 0 || value > 10 {
		return svcErr.ErrInvalidRating
	}

	decision, err := s.decideSeasonalValidity(ctx, fromUserID, toUserID)
	if err != nil {
		return err
	}

	r := &db.Rating{
		DialogID:      dialogID,
		FromUserID:    fromUserID,
		ToUserID:      toUserID,
		Kind:          kind,
		Value:         value,
		SeasonalValid: decision.Valid,
	}
	if err := s.ratings.Insert(ctx, r); err != nil {
		return err
	}

	if !decision.Valid {
		s.appCtx.Logger.Info("rating marked seasonal-invalid",
			"dialog_id", dialogID, "from", fromUserID, "to", toUserID, "reason", decision.Reason)
	}

	return s.recompute(ctx, toUserID, r)
}

// decideSeasonalValidity evaluates the 7-day trailing window for the
// unordered pair. The verdict is stored for audit and moderation; it
// does not filter the aggregates below.
func (s *Service) decideSeasonalValidity(ctx context.Context, fromUserID, toUserID uint64) (Decision, error) {
	since := time.Now().UTC().Add(-abuseWindow)

	meets, err := s.dialogs.CountBetweenSince(ctx, fromUserID, toUserID, since)
	if err != nil {
		return Decision{}, err
	}
	if meets > maxPairDialogs {
		return Decision{Valid: false, Reason: "pair_met_too_often"}, nil
	}

	total, err := s.ratings.CountPairChatSince(ctx, fromUserID, toUserID, since)
	if err != nil {
		return Decision{}, err
	}
	if total >= collusionMinRatings {
		high, err := s.ratings.CountPairChatHighSince(ctx, fromUserID, toUserID, since)
		if err != nil {
			return Decision{}, err
		}
		if float64(high)/float64(total) >= collusionHighShare {
			return Decision{Valid: false, Reason: "mutual_high_ratio"}, nil
		}
	}

	return Decision{Valid: true}, nil
}

// recompute rebuilds the ratee's derived reputation fields from the
// rating log. Aggregation runs over all ratings regardless of the
// seasonal-validity flag (audit-only; see SeasonAverageValid for the
// filtered variant).
func (s *Service) recompute(ctx context.Context, toUserID uint64, trigger *db.Rating) error {
	user, err := s.users.ByID(ctx, toUserID)
	if err != nil {
		return err
	}
	prevChat := user.SeasonRatingChat

	rep := repository.Reputation{}
	if rep.SeasonChat, err = s.ratings.SeasonAverage(ctx, toUserID, db.RatingChat); err != nil {
		return err
	}
	if rep.SeasonAppearance, err = s.ratings.SeasonAverage(ctx, toUserID, db.RatingAppearance); err != nil {
		return err
	}
	if rep.Rolling20Chat, err = s.ratings.RollingAverage(ctx, toUserID, db.RatingChat, rollingWindow); err != nil {
		return err
	}
	if rep.Rolling20App, err = s.ratings.RollingAverage(ctx, toUserID, db.RatingAppearance, rollingWindow); err != nil {
		return err
	}
	if rep.RatedDialogs, err = s.ratings.RatedDialogCount(ctx, toUserID); err != nil {
		return err
	}

	hasAppearance, err := s.ratings.HasAppearanceRatings(ctx, toUserID)
	if err != nil {
		return err
	}

	dropped := prevChat != 0 && prevChat-rep.SeasonChat >= reviewDropThreshold
	rep.UnderReview = dropped

	if err := s.ratings.SaveReputation(ctx, toUserID, rep, hasAppearance); err != nil {
		return err
	}

	s.appCtx.Logger.Info("reputation recomputed",
		"user_id", toUserID,
		"season_chat", rep.SeasonChat,
		"season_appearance", rep.SeasonAppearance,
		"rated_dialogs", rep.RatedDialogs,
	)

	if dropped {
		s.alertDrop(ctx, user, prevChat, rep.SeasonChat, trigger)
	}
	return nil
}

func (s *Service) alertDrop(ctx context.Context, ratee *db.User, prev, now float64, trigger *db.Rating) {
	s.appCtx.Logger.Warn("season average dropped, user flagged for review",
		"user_id", ratee.ID, "prev", prev, "now", now)

	s.alerter.Notify(ctx, fmt.Sprintf(
		"Season chat rating dropped sharply\n"+
			"User: %d (tg %d)\n"+
			"Average: %.2f -> %.2f\n"+
			"Triggering rating: dialog %d, value %d, from user %d",
		ratee.ID, ratee.TelegramID, prev, now,
		trigger.DialogID, trigger.Value, trigger.FromUserID,
	))
}
