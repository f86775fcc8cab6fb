// Package dialog tracks the active -> finished lifecycle, records
// relayed content, and hands finished dialogs off to the pending-rating
// flow. The durable store is the authority on liveness throughout;
// Redis mirrors are repaired, never trusted.
package dialog

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/duetchat/duet/internal/app"
	"github.com/duetchat/duet/internal/cache"
	"github.com/duetchat/duet/internal/db"
	svcErr "github.com/duetchat/duet/internal/errors"
	"github.com/duetchat/duet/internal/repository"
	"github.com/duetchat/duet/internal/service/pending"
)

// Action is the termination signal a participant sent.
type Action string

const (
	ActionSkip Action = "skip"
	ActionEnd  Action = "end"
)

// Participant describes one side of a finished dialog and what happens
// to them next.
type Participant struct {
	UserID         uint64
	TG             int64
	Resume         pending.ResumeAction
	NeedAppearance bool
}

// FinishResult is the lifecycle handoff: who was in the dialog and the
// rating flow each of them enters.
type FinishResult struct {
	DialogID     uint64
	Participants []Participant
}

type Service struct {
	appCtx  *app.AppContext
	users   *repository.UserRepository
	dialogs *repository.DialogRepository
	pending *pending.Service
}

func NewService(appCtx *app.AppContext, pendingSvc *pending.Service) *Service {
	return &Service{
		appCtx:  appCtx,
		users:   repository.NewUserRepository(appCtx.DB),
		dialogs: repository.NewDialogRepository(appCtx.DB),
		pending: pendingSvc,
	}
}

// Finish moves the dialog to finished, removes both active-dialog rows,
// and opens a pending-rating bundle for both participants. Repeat calls
// for an already-finished dialog are a no-op returning nil. A short
// per-actor lock dedupes double taps and duplicated transport updates.
func (s *Service) Finish(ctx context.Context, dialogID uint64, action Action, actorTG int64) (*FinishResult, error) {
	got, err := s.appCtx.Cache.AcquireLock(ctx, cache.LockFinishDialog(actorTG), 4*time.Second)
	if err == nil && !got {
		return nil, nil
	}

	d, changed, err := s.dialogs.Finish(ctx, dialogID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Stale mirror pointing at a dialog that never committed.
			s.dropMirror(ctx, actorTG)
			return nil, svcErr.ErrNotInDialog
		}
		return nil, err
	}
	if !changed {
		return nil, nil
	}

	// Participants come from the durable row, not from cache: the
	// mirror may be gone or stale by the time the second party acts.
	participants := make([]Participant, 0, 2)
	for _, uid := range []uint64{d.User1ID, d.User2ID} {
		u, err := s.users.ByID(ctx, uid)
		if err != nil {
			s.appCtx.Logger.Error("failed to resolve participant", "dialog_id", dialogID, "user_id", uid, "err", err)
			continue
		}
		p := Participant{UserID: uid, TG: u.TelegramID, Resume: pending.ResumeSearch}
		if action == ActionEnd && u.TelegramID == actorTG {
			p.Resume = pending.ResumeProfile
		}
		p.NeedAppearance = s.appearanceRequired(ctx, u.TelegramID, dialogID)
		participants = append(participants, p)
	}

	s.clearMirrors(ctx, dialogID, participants)
	s.openPending(ctx, dialogID, participants)

	s.appCtx.Logger.Info("dialog finished", "dialog_id", dialogID, "action", string(action), "actor_tg", actorTG)
	return &FinishResult{DialogID: dialogID, Participants: participants}, nil
}

// Info describes the caller's current active dialog.
type Info struct {
	DialogID  uint64
	MyUserID  uint64
	PartnerID uint64
	PartnerTG int64
	HasPhotos bool
}

// ActiveInfo resolves the dialog against the durable store and returns
// nil when the dialog is missing, finished, or does not contain me.
func (s *Service) ActiveInfo(ctx context.Context, dialogID uint64, meTG int64) (*Info, error) {
	me, err := s.users.ByTelegramID(ctx, meTG)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	d, err := s.dialogs.ByID(ctx, dialogID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if d.Status != db.DialogActive || d.User1ID == d.User2ID {
		return nil, nil
	}

	var partnerID uint64
	switch me.ID {
	case d.User1ID:
		partnerID = d.User2ID
	case d.User2ID:
		partnerID = d.User1ID
	default:
		return nil, nil
	}

	partner, err := s.users.ByID(ctx, partnerID)
	if err != nil {
		return nil, err
	}

	return &Info{
		DialogID:  d.ID,
		MyUserID:  me.ID,
		PartnerID: partnerID,
		PartnerTG: partner.TelegramID,
		HasPhotos: d.HasPhotos,
	}, nil
}

// PartnerTG answers "who is on the other side" from the cache when
// possible, falling back to the durable store and repairing the cache.
// ErrNotInDialog when the dialog is no longer active.
func (s *Service) PartnerTG(ctx context.Context, dialogID uint64, meTG int64) (int64, error) {
	if v, err := s.appCtx.Cache.Get(ctx, cache.DialogPartner(dialogID, meTG)); err == nil && v != "" {
		if tg, err := strconv.ParseInt(v, 10, 64); err == nil {
			return tg, nil
		}
	}

	info, err := s.ActiveInfo(ctx, dialogID, meTG)
	if err != nil {
		return 0, err
	}
	if info == nil {
		s.dropMirror(ctx, meTG)
		return 0, svcErr.ErrNotInDialog
	}

	if err := s.appCtx.Cache.Set(ctx, cache.DialogPartner(dialogID, meTG),
		strconv.FormatInt(info.PartnerTG, 10), s.appCtx.Cfg.Match.ActiveDialogTTL); err != nil {
		s.appCtx.Logger.Warn("partner cache repair failed", "dialog_id", dialogID, "err", err)
	}
	return info.PartnerTG, nil
}

const recordAttempts = 2

// RecordText appends relayed text. Appends stay usable while the other
// party concurrently finishes the dialog; transient failures get one
// short retry before surfacing.
func (s *Service) RecordText(ctx context.Context, dialogID, fromUserID uint64, text string) error {
	return s.withRetry(ctx, func() error {
		return s.dialogs.AddText(ctx, dialogID, fromUserID, text)
	})
}

// RecordPhoto appends a photo reference and marks the dialog as having
// exchanged photos.
func (s *Service) RecordPhoto(ctx context.Context, dialogID, ownerUserID uint64, fileRef string) error {
	return s.withRetry(ctx, func() error {
		return s.dialogs.AddPhoto(ctx, dialogID, ownerUserID, fileRef)
	})
}

func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	var last error
	for i := 0; i < recordAttempts; i++ {
		if last = fn(); last == nil {
			return nil
		}
		if i+1 < recordAttempts {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return last
}

// DialogIDFor reads the caller's active-dialog mirror. Zero means no
// active dialog is known to the fast store.
func (s *Service) DialogIDFor(ctx context.Context, tgID int64) uint64 {
	v, err := s.appCtx.Cache.Get(ctx, cache.ActiveDialog(tgID))
	if err != nil || v == "" {
		return 0
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (s *Service) appearanceRequired(ctx context.Context, tgID int64, dialogID uint64) bool {
	v, err := s.appCtx.Cache.Get(ctx, cache.AppearanceRequired(tgID, dialogID))
	return err == nil && v == "1"
}

// clearMirrors drops both active-dialog pointers and writes the
// last-partner cooldown entries. Cache-only housekeeping: logged and
// swallowed, the finish already committed.
func (s *Service) clearMirrors(ctx context.Context, dialogID uint64, participants []Participant) {
	pipe := s.appCtx.Cache.Client.Pipeline()
	for _, p := range participants {
		pipe.Del(ctx, cache.ActiveDialog(p.TG))
		pipe.Del(ctx, cache.DialogPartner(dialogID, p.TG))
	}
	if len(participants) == 2 {
		cooldown := s.appCtx.Cfg.Match.CooldownTTL
		pipe.Set(ctx, cache.LastPartner(participants[0].TG), strconv.FormatInt(participants[1].TG, 10), cooldown)
		pipe.Set(ctx, cache.LastPartner(participants[1].TG), strconv.FormatInt(participants[0].TG, 10), cooldown)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.appCtx.Logger.Error("finish housekeeping failed", "dialog_id", dialogID, "err", err)
	}
}

func (s *Service) openPending(ctx context.Context, dialogID uint64, participants []Participant) {
	for _, p := range participants {
		var partnerTG int64
		for _, other := range participants {
			if other.TG != p.TG {
				partnerTG = other.TG
			}
		}
		if err := s.pending.Open(ctx, p.TG, dialogID, partnerTG, p.Resume, p.NeedAppearance); err != nil {
			s.appCtx.Logger.Error("failed to open rating bundle", "dialog_id", dialogID, "tg_id", p.TG, "err", err)
		}
	}
}

func (s *Service) dropMirror(ctx context.Context, tgID int64) {
	if err := s.appCtx.Cache.Del(ctx, cache.ActiveDialog(tgID)); err != nil {
		s.appCtx.Logger.Warn("failed to drop stale mirror", "tg_id", tgID, "err", err)
	}
}
