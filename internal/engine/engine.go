// Package engine is the library surface consumed by transports. It
// composes matchmaking, dialog lifecycle, rating flow and complaints
// behind a handful of per-user operations and reports back through the
// Notifier interface, so the transport renders events without knowing
// any engine internals.
package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/duetchat/duet/internal/app"
	"github.com/duetchat/duet/internal/cache"
	"github.com/duetchat/duet/internal/db"
	svcErr "github.com/duetchat/duet/internal/errors"
	"github.com/duetchat/duet/internal/repository"
	"github.com/duetchat/duet/internal/service/complaint"
	"github.com/duetchat/duet/internal/service/dialog"
	"github.com/duetchat/duet/internal/service/matchmaking"
	"github.com/duetchat/duet/internal/service/pending"
	"github.com/duetchat/duet/internal/service/rating"
	"github.com/duetchat/duet/internal/service/subscription"
	"github.com/duetchat/duet/internal/vision"
)

// Card is the profile view shown on match and on profile resume.
type Card struct {
	TG               int64
	Name             string
	Age              int
	City             string
	SeasonChat       float64
	SeasonAppearance *float64
	RatedDialogs     int
}

// Notifier renders engine events for one user. Implementations must be
// safe for concurrent use; delivery failures are theirs to handle.
type Notifier interface {
	MatchFound(ctx context.Context, tgID int64, partner Card)
	Searching(ctx context.Context, tgID int64)
	DialogFinished(ctx context.Context, tgID int64)
	RatePrompt(ctx context.Context, tgID int64, step pending.Step)
	ShowProfile(ctx context.Context, tgID int64, me Card)
	RelayedText(ctx context.Context, tgID int64, text string)
	RelayedPhoto(ctx context.Context, tgID int64, fileRef string)
}

// Repeated terminate taps inside this window are dropped.
const terminateRateLimit = 2 * time.Second

type Engine struct {
	appCtx *app.AppContext
	users  *repository.UserRepository

	match      *matchmaking.Service
	dialogs    *dialog.Service
	ratings    *rating.Service
	pending    *pending.Service
	subs       *subscription.Service
	complaints *complaint.Service

	detector vision.Detector
	notifier Notifier
}

func New(
	appCtx *app.AppContext,
	match *matchmaking.Service,
	dialogs *dialog.Service,
	ratings *rating.Service,
	pendingSvc *pending.Service,
	subs *subscription.Service,
	complaints *complaint.Service,
	detector vision.Detector,
	notifier Notifier,
) *Engine {
	if detector == nil {
		detector = vision.Static(false)
	}
	return &Engine{
		appCtx:     appCtx,
		users:      repository.NewUserRepository(appCtx.DB),
		match:      match,
		dialogs:    dialogs,
		ratings:    ratings,
		pending:    pendingSvc,
		subs:       subs,
		complaints: complaints,
		detector:   detector,
		notifier:   notifier,
	}
}

// StartSearch runs one match attempt for the user. No partner means the
// user stays enqueued and hears "searching"; a match notifies both
// sides with each other's card.
func (e *Engine) StartSearch(ctx context.Context, tgID int64) error {
	me, err := e.resolveUser(ctx, tgID)
	if err != nil {
		return err
	}

	premium := e.subs.IsPremium(ctx, me.ID)

	m, err := e.match.TryMatch(ctx, me, premium)
	if err != nil {
		if errors.Is(err, svcErr.ErrNoMatch) {
			e.notifier.Searching(ctx, tgID)
			return nil
		}
		return err
	}

	e.notifier.MatchFound(ctx, tgID, e.cardFor(ctx, m.PartnerID))
	e.notifier.MatchFound(ctx, m.PartnerTG, e.cardFor(ctx, me.ID))
	return nil
}

// CancelSearch removes the user from every waiting queue.
func (e *Engine) CancelSearch(ctx context.Context, tgID int64) error {
	me, err := e.resolveUser(ctx, tgID)
	if err != nil {
		return err
	}
	return e.match.DequeueAll(ctx, me)
}

// Terminate finishes the caller's active dialog with skip or end and
// pushes both participants into the rating flow.
func (e *Engine) Terminate(ctx context.Context, tgID int64, action dialog.Action) error {
	if !e.appCtx.Cache.RateLimit(ctx, cache.RateLimitTerminate(tgID), terminateRateLimit) {
		return nil
	}

	dialogID := e.dialogs.DialogIDFor(ctx, tgID)
	if dialogID == 0 {
		return svcErr.ErrNotInDialog
	}

	res, err := e.dialogs.Finish(ctx, dialogID, action, tgID)
	if err != nil {
		return err
	}
	if res == nil {
		// Already finished by the other party or a duplicate tap.
		return nil
	}

	for _, p := range res.Participants {
		e.notifier.DialogFinished(ctx, p.TG)
		e.notifier.RatePrompt(ctx, p.TG, pending.StepChat)
	}
	return nil
}

// SubmitRating feeds one line of user input into the pending-rating
// flow. Input outside an open bundle, non-integer input, and values
// outside 0..10 are discarded without a state change.
func (e *Engine) SubmitRating(ctx context.Context, tgID int64, text string) error {
	b, err := e.pending.Get(ctx, tgID)
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}

	value, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || value < 0 || value > 10 {
		return nil
	}

	me, err := e.resolveUser(ctx, tgID)
	if err != nil {
		return err
	}
	partner, err := e.users.ByTelegramID(ctx, b.PartnerTG)
	if err != nil {
		return svcErr.Map(err)
	}

	kind := db.RatingChat
	if b.Step == pending.StepAppearance {
		kind = db.RatingAppearance
	}

	err = e.ratings.Submit(ctx, b.DialogID, me.ID, partner.ID, kind, value)
	if err != nil && !errors.Is(err, svcErr.ErrAlreadyRated) {
		return err
	}

	if b.Step == pending.StepChat && b.NeedAppearance {
		if err := e.pending.Advance(ctx, tgID, b); err != nil {
			return err
		}
		e.notifier.RatePrompt(ctx, tgID, pending.StepAppearance)
		return nil
	}

	if err := e.pending.Clear(ctx, tgID); err != nil {
		e.appCtx.Logger.Warn("failed to clear rating bundle", "tg_id", tgID, "err", err)
	}
	return e.resume(ctx, tgID, me, b.Action)
}

// InRatingFlow reports whether the user has an open rating bundle, so
// transports can route free text between rating input and relay.
func (e *Engine) InRatingFlow(ctx context.Context, tgID int64) (bool, error) {
	b, err := e.pending.Get(ctx, tgID)
	if err != nil {
		return false, err
	}
	return b != nil, nil
}

// RelayText forwards a text message to the dialog partner and records
// it in the transcript.
func (e *Engine) RelayText(ctx context.Context, tgID int64, text string) error {
	info, err := e.activeDialog(ctx, tgID)
	if err != nil {
		return err
	}

	if err := e.dialogs.RecordText(ctx, info.DialogID, info.MyUserID, text); err != nil {
		e.appCtx.Logger.Error("failed to record text", "dialog_id", info.DialogID, "err", err)
	}

	e.notifier.RelayedText(ctx, info.PartnerTG, text)
	return nil
}

// RelayPhoto forwards a photo, records its reference, and runs the
// human detector. A detected human obliges the receiving partner to
// rate the sender's appearance once the dialog finishes.
func (e *Engine) RelayPhoto(ctx context.Context, tgID int64, photo []byte, fileRef string) error {
	info, err := e.activeDialog(ctx, tgID)
	if err != nil {
		return err
	}

	if err := e.dialogs.RecordPhoto(ctx, info.DialogID, info.MyUserID, fileRef); err != nil {
		e.appCtx.Logger.Error("failed to record photo", "dialog_id", info.DialogID, "err", err)
	}

	e.notifier.RelayedPhoto(ctx, info.PartnerTG, fileRef)
	e.classifyPhoto(ctx, info, tgID, photo)
	return nil
}

// FileComplaint reports the caller's current dialog to the operators.
func (e *Engine) FileComplaint(ctx context.Context, tgID int64, reason string) error {
	info, err := e.activeDialog(ctx, tgID)
	if err != nil {
		return err
	}
	return e.complaints.File(ctx, info.DialogID, tgID, reason)
}

// classifyPhoto sets the partner's appearance-required flag when the
// detector sees a human, once per (dialog, sender). Detector errors
// count as "no human"; the flag is only written while the sender still
// points at this dialog so a photo racing a finish cannot resurrect it.
func (e *Engine) classifyPhoto(ctx context.Context, info *dialog.Info, senderTG int64, photo []byte) {
	seenKey := cache.HumanDetected(info.DialogID, senderTG)
	if v, _ := e.appCtx.Cache.Get(ctx, seenKey); v == "1" {
		return
	}

	human, err := e.detector.DetectsHuman(ctx, photo)
	if err != nil {
		e.appCtx.Logger.Warn("human detection failed", "dialog_id", info.DialogID, "err", err)
		return
	}
	if !human {
		return
	}

	if e.dialogs.DialogIDFor(ctx, senderTG) != info.DialogID {
		return
	}

	ttl := e.appCtx.Cfg.Match.ActiveDialogTTL
	if err := e.appCtx.Cache.Set(ctx, seenKey, "1", ttl); err != nil {
		e.appCtx.Logger.Warn("failed to cache detection verdict", "dialog_id", info.DialogID, "err", err)
	}
	if err := e.appCtx.Cache.Set(ctx, cache.AppearanceRequired(info.PartnerTG, info.DialogID), "1", ttl); err != nil {
		e.appCtx.Logger.Warn("failed to set appearance flag", "dialog_id", info.DialogID, "err", err)
	}
}

// resume performs the post-rating handoff recorded in the bundle.
func (e *Engine) resume(ctx context.Context, tgID int64, me *db.User, action pending.ResumeAction) error {
	if action == pending.ResumeProfile {
		e.notifier.ShowProfile(ctx, tgID, e.cardFor(ctx, me.ID))
		return nil
	}
	return e.StartSearch(ctx, tgID)
}

// activeDialog resolves the caller's live dialog through the mirror
// with a durable re-check. ErrNotInDialog when there is none.
func (e *Engine) activeDialog(ctx context.Context, tgID int64) (*dialog.Info, error) {
	dialogID := e.dialogs.DialogIDFor(ctx, tgID)
	if dialogID == 0 {
		return nil, svcErr.ErrNotInDialog
	}
	info, err := e.dialogs.ActiveInfo(ctx, dialogID, tgID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, svcErr.ErrNotInDialog
	}
	return info, nil
}

func (e *Engine) resolveUser(ctx context.Context, tgID int64) (*db.User, error) {
	u, err := e.users.ByTelegramID(ctx, tgID)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	if u.IsBanned {
		return nil, svcErr.ErrBanned
	}
	return u, nil
}

func (e *Engine) cardFor(ctx context.Context, userID uint64) Card {
	u, err := e.users.ByID(ctx, userID)
	if err != nil {
		e.appCtx.Logger.Error("failed to build card", "user_id", userID, "err", err)
		return Card{}
	}

	c := Card{
		TG:               u.TelegramID,
		SeasonChat:       u.SeasonRatingChat,
		SeasonAppearance: u.SeasonRatingAppearance,
		RatedDialogs:     u.CalibrationCounter,
	}
	if u.FullName != nil {
		c.Name = *u.FullName
	} else if u.Username != nil {
		c.Name = *u.Username
	}
	if u.City != nil {
		c.City = *u.City
	}
	c.Age = ageOf(u.BirthDate, time.Now().UTC())
	return c
}

func ageOf(birth time.Time, now time.Time) int {
	if birth.IsZero() {
		return 0
	}
	age := now.Year() - birth.Year()
	if now.YearDay() < birth.YearDay() {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}
