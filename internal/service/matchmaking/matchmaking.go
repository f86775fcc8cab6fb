// Package matchmaking reserves a partner out of the shared Redis queues
// and commits the pairing to the durable store. The reservation step is
// a single Lua script; the active_dialogs primary key is the last line
// of defense against a race that slips past it. Everything else here is
// validation and housekeeping around those two facts.
package matchmaking

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/duetchat/duet/internal/app"
	"github.com/duetchat/duet/internal/cache"
	"github.com/duetchat/duet/internal/db"
	svcErr "github.com/duetchat/duet/internal/errors"
	"github.com/duetchat/duet/internal/repository"
)

// Match is a freshly created pairing.
type Match struct {
	DialogID  uint64
	PartnerID uint64
	PartnerTG int64
}

type Service struct {
	appCtx  *app.AppContext
	users   *repository.UserRepository
	dialogs *repository.DialogRepository

	lockTTL     time.Duration
	maxAttempts int
	mirrorTTL   time.Duration
}

func NewService(appCtx *app.AppContext) *Service {
	return &Service{
		appCtx:      appCtx,
		users:       repository.NewUserRepository(appCtx.DB),
		dialogs:     repository.NewDialogRepository(appCtx.DB),
		lockTTL:     appCtx.Cfg.Match.LockTTL,
		maxAttempts: appCtx.Cfg.Match.MaxAttempts,
		mirrorTTL:   appCtx.Cfg.Match.ActiveDialogTTL,
	}
}

// Enqueue places the searcher into their waiting queue(s).
func (s *Service) Enqueue(ctx context.Context, user *db.User, premium bool) error {
	return s.appCtx.Cache.Enqueue(ctx, user.TelegramID, cityOf(user), premium)
}

// DequeueAll removes the searcher from every queue (cancel search).
func (s *Service) DequeueAll(ctx context.Context, user *db.User) error {
	return s.appCtx.Cache.DequeueAll(ctx, user.TelegramID, cityOf(user))
}

// TryMatch either returns a newly created pairing or leaves the
// searcher enqueued and returns ErrNoMatch. It never hands out a
// partner another concurrent search has already claimed.
func (s *Service) TryMatch(ctx context.Context, user *db.User, premium bool) (*Match, error) {
	log := s.appCtx.Logger.With("tg_id", user.TelegramID, "attempt", uuid.NewString())

	lastPartner := s.lastPartnerTG(ctx, user.TelegramID)

	// One search per user at a time. A held lock means another search
	// for the same user is in flight; that one will finish the job.
	myLock := cache.LockMatch(user.TelegramID)
	got, err := s.appCtx.Cache.AcquireLock(ctx, myLock, s.lockTTL)
	if err != nil {
		return nil, err
	}
	if !got {
		return nil, svcErr.ErrNoMatch
	}

	var partnerLock string
	defer func() {
		keys := []string{myLock}
		if partnerLock != "" {
			keys = append(keys, partnerLock)
		}
		if err := s.appCtx.Cache.Del(ctx, keys...); err != nil {
			log.Error("failed to release match locks", "err", err)
		}
	}()

	active, err := s.dialogs.HasActive(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, svcErr.ErrNoMatch
	}

	if err := s.DequeueAll(ctx, user); err != nil {
		return nil, err
	}

	cityQueues, globalQueues := cache.QueuesFor(cityOf(user), premium)

	var reserved *reservedCandidate
	for _, group := range [][]string{cityQueues, globalQueues} {
		if len(group) == 0 {
			continue
		}
		reserved, err = s.scanGroup(ctx, user, group, premium, lastPartner)
		if err != nil {
			return nil, err
		}
		if reserved != nil {
			break
		}
	}

	if reserved == nil {
		if err := s.Enqueue(ctx, user, premium); err != nil {
			return nil, err
		}
		log.Info("search enqueued", "premium", premium, "city", cityOf(user))
		return nil, svcErr.ErrNoMatch
	}
	partnerLock = cache.LockMatch(reserved.cand.TelegramID)

	dialog, err := s.dialogs.CreateWithActive(ctx, user.ID, reserved.cand.ID)
	if err != nil {
		// A uniqueness violation means a concurrent path paired one of
		// us already. Nothing was applied; report no match.
		if errors.Is(err, svcErr.ErrTryAgain) {
			log.Warn("pairing lost to concurrent match", "partner_tg", reserved.cand.TelegramID)
			return nil, svcErr.ErrNoMatch
		}
		return nil, err
	}

	// The partner was popped from one queue; clear their entries in the
	// other scopes so later searches stop sampling them.
	candCity := ""
	if reserved.cand.City != nil {
		candCity = *reserved.cand.City
	}
	if err := s.appCtx.Cache.DequeueAll(ctx, reserved.cand.TelegramID, candCity); err != nil {
		log.Warn("failed to dequeue matched partner", "partner_tg", reserved.cand.TelegramID, "err", err)
	}

	s.mirrorMatch(ctx, log, dialog.ID, user.TelegramID, reserved.cand.TelegramID)

	log.Info("match created",
		"dialog_id", dialog.ID,
		"partner_tg", reserved.cand.TelegramID,
		"premium", premium,
	)

	return &Match{
		DialogID:  dialog.ID,
		PartnerID: reserved.cand.ID,
		PartnerTG: reserved.cand.TelegramID,
	}, nil
}

type reservedCandidate struct {
	cand *repository.Candidate
	resv *cache.Reservation
}

// scanGroup runs bounded reservation rounds over one queue group.
// Non-premium searchers take the first candidate that survives
// validation; premium searchers keep scanning and hold on to the
// highest-season-chat-rating candidate seen, returning displaced ones
// to their queue. Best of the sample, not globally optimal: the attempt
// cap bounds latency.
func (s *Service) scanGroup(ctx context.Context, user *db.User, queues []string, premium bool, lastPartner int64) (*reservedCandidate, error) {
	var best *reservedCandidate

	for i := 0; i < s.maxAttempts; i++ {
		// A concurrent search may have paired us mid-scan.
		if v, _ := s.appCtx.Cache.Get(ctx, cache.ActiveDialog(user.TelegramID)); v != "" {
			s.abandon(ctx, best)
			return nil, nil
		}

		status, resv, err := s.appCtx.Cache.Reserve(ctx, user.TelegramID, s.lockTTL, queues)
		if err != nil {
			s.abandon(ctx, best)
			return nil, err
		}
		if status != cache.ReserveOK {
			break
		}

		// Cooldown: no immediate rematch with the previous partner.
		if lastPartner != 0 && resv.CandidateTG == lastPartner {
			s.requeue(ctx, resv)
			continue
		}

		cand, err := s.users.CandidateByTelegramID(ctx, resv.CandidateTG)
		if err != nil {
			s.requeue(ctx, resv)
			s.abandon(ctx, best)
			return nil, err
		}
		// Unknown or banned users are dropped from the queue entirely,
		// only their lock is released.
		if cand == nil || cand.IsBanned {
			if err := s.appCtx.Cache.Del(ctx, cache.LockMatch(resv.CandidateTG)); err != nil {
				s.appCtx.Logger.Warn("failed to drop candidate lock", "tg_id", resv.CandidateTG, "err", err)
			}
			continue
		}

		// Durable truth beats the queue: the script only sees cache
		// mirrors, so re-check the active_dialogs table.
		if active, err := s.dialogs.HasActive(ctx, cand.ID); err != nil {
			s.requeue(ctx, resv)
			s.abandon(ctx, best)
			return nil, err
		} else if active {
			s.requeue(ctx, resv)
			continue
		}

		if !premium {
			return &reservedCandidate{cand: cand, resv: resv}, nil
		}

		if best == nil || cand.SeasonRatingChat > best.cand.SeasonRatingChat {
			s.abandon(ctx, best)
			best = &reservedCandidate{cand: cand, resv: resv}
		} else {
			s.requeue(ctx, resv)
		}
	}

	return best, nil
}

// requeue pushes a rejected candidate back and frees their lock;
// failures are logged, the scan goes on.
func (s *Service) requeue(ctx context.Context, resv *cache.Reservation) {
	if err := s.appCtx.Cache.Requeue(ctx, resv); err != nil {
		s.appCtx.Logger.Error("failed to requeue candidate", "tg_id", resv.CandidateTG, "err", err)
	}
}

func (s *Service) abandon(ctx context.Context, rc *reservedCandidate) {
	if rc != nil {
		s.requeue(ctx, rc.resv)
	}
}

// mirrorMatch writes the fast-store view of a committed pairing:
// active-dialog pointers and partner lookups for both sides, minus any
// leftover rating state from a previous pairing. Pure cache work;
// failures never unwind the durable commit.
func (s *Service) mirrorMatch(ctx context.Context, log *slog.Logger, dialogID uint64, meTG, partnerTG int64) {
	pipe := s.appCtx.Cache.Client.Pipeline()

	pipe.Set(ctx, cache.ActiveDialog(meTG), strconv.FormatUint(dialogID, 10), s.mirrorTTL)
	pipe.Set(ctx, cache.ActiveDialog(partnerTG), strconv.FormatUint(dialogID, 10), s.mirrorTTL)

	pipe.Set(ctx, cache.DialogPartner(dialogID, meTG), strconv.FormatInt(partnerTG, 10), s.mirrorTTL)
	pipe.Set(ctx, cache.DialogPartner(dialogID, partnerTG), strconv.FormatInt(meTG, 10), s.mirrorTTL)

	for _, tg := range []int64{meTG, partnerTG} {
		pipe.Del(ctx, cache.PendingRating(tg))
		pipe.Del(ctx, cache.AppearanceRequired(tg, dialogID))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		log.Error("failed to mirror active dialog", "dialog_id", dialogID, "err", err)
	}
}

func (s *Service) lastPartnerTG(ctx context.Context, tgID int64) int64 {
	v, err := s.appCtx.Cache.Get(ctx, cache.LastPartner(tgID))
	if err != nil || v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func cityOf(user *db.User) string {
	if user.City == nil {
		return ""
	}
	return *user.City
}
