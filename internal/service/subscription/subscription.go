// Package subscription answers "is this user premium" for the match
// loop and extends entitlements after the payment collaborator confirms
// a purchase. Payment initiation and verification stay external.
package subscription

import (
	"context"
	"time"

	"github.com/duetchat/duet/internal/app"
	"github.com/duetchat/duet/internal/cache"
	"github.com/duetchat/duet/internal/repository"
)

type Service struct {
	appCtx *app.AppContext
	users  *repository.UserRepository
}

func NewService(appCtx *app.AppContext) *Service {
	return &Service{
		appCtx: appCtx,
		users:  repository.NewUserRepository(appCtx.DB),
	}
}

// IsPremium checks the subscription expiry against now, with a short
// Redis cache in front. Cache failures are swallowed: a missed cache
// costs one query, never a wrong answer.
func (s *Service) IsPremium(ctx context.Context, userID uint64) bool {
	key := cache.UserPremium(userID)
	if v, err := s.appCtx.Cache.Get(ctx, key); err == nil && v != "" {
		return v == "1"
	}

	u, err := s.users.ByID(ctx, userID)
	if err != nil {
		s.appCtx.Logger.Error("premium check failed", "user_id", userID, "err", err)
		return false
	}

	premium := u.SubscriptionUntil != nil && u.SubscriptionUntil.After(time.Now().UTC())

	val := "0"
	if premium {
		val = "1"
	}
	if err := s.appCtx.Cache.Set(ctx, key, val, s.appCtx.Cfg.Match.PremiumCacheTTL); err != nil {
		s.appCtx.Logger.Warn("premium cache write failed", "user_id", userID, "err", err)
	}
	return premium
}

// Extend pushes the expiry forward by days, from the current expiry
// when it is still in the future, else from now. The cached premium
// flag is invalidated so the next check sees the new expiry.
func (s *Service) Extend(ctx context.Context, tgID int64, days int) (*time.Time, error) {
	u, err := s.users.ByTelegramID(ctx, tgID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	base := now
	if u.SubscriptionUntil != nil && u.SubscriptionUntil.After(now) {
		base = *u.SubscriptionUntil
	}
	until := base.AddDate(0, 0, days)

	if err := s.users.SaveSubscriptionUntil(ctx, u.ID, &until); err != nil {
		return nil, err
	}
	if err := s.appCtx.Cache.Del(ctx, cache.UserPremium(u.ID)); err != nil {
		s.appCtx.Logger.Warn("premium cache invalidation failed", "user_id", u.ID, "err", err)
	}

	s.appCtx.Logger.Info("subscription extended", "tg_id", tgID, "until", until)
	return &until, nil
}
