// Package pending drives the post-dialog rating flow per user. The
// whole flow state lives in a single TTL-bounded Redis value, so a user
// either has a well-formed bundle or is idle; there is no intermediate
// scatter of flags to drift apart.
package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/duetchat/duet/internal/app"
	"github.com/duetchat/duet/internal/cache"
)

// Step is the rating the user is currently being asked for.
type Step string

const (
	StepChat       Step = "chat"
	StepAppearance Step = "appearance"
)

// ResumeAction is what the user does once their rating flow completes.
type ResumeAction string

const (
	// ResumeSearch puts the user straight back into matchmaking (the
	// dialog ended with skip, or the other party pressed end).
	ResumeSearch ResumeAction = "search"
	// ResumeProfile shows the user their own profile (they pressed end).
	ResumeProfile ResumeAction = "profile"
)

// Bundle is the full pending-rating state for one user. A missing
// bundle means idle.
type Bundle struct {
	DialogID       uint64       `json:"dialog_id"`
	PartnerTG      int64        `json:"partner_tg"`
	Action         ResumeAction `json:"action"`
	NeedAppearance bool         `json:"need_appearance"`
	Step           Step         `json:"step"`
}

type Service struct {
	appCtx *app.AppContext
	ttl    time.Duration
}

func NewService(appCtx *app.AppContext) *Service {
	return &Service{appCtx: appCtx, ttl: appCtx.Cfg.Match.PendingTTL}
}

// Open installs a fresh bundle at the chat step, replacing any stale
// one from a previous pairing.
func (s *Service) Open(ctx context.Context, tgID int64, dialogID uint64, partnerTG int64, action ResumeAction, needAppearance bool) error {
	b := Bundle{
		DialogID:       dialogID,
		PartnerTG:      partnerTG,
		Action:         action,
		NeedAppearance: needAppearance,
		Step:           StepChat,
	}
	return s.write(ctx, tgID, &b)
}

// Get returns the user's bundle, or nil when the user is idle.
func (s *Service) Get(ctx context.Context, tgID int64) (*Bundle, error) {
	raw, err := s.appCtx.Cache.Get(ctx, cache.PendingRating(tgID))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}

	var b Bundle
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		// A corrupt bundle is unrecoverable state: drop it and report idle.
		_ = s.Clear(ctx, tgID)
		return nil, nil
	}
	if b.Step == "" {
		b.Step = StepChat
	}
	return &b, nil
}

// Advance moves the bundle from the chat step to the appearance step.
// The TTL restarts; the appearance prompt gets its own full window.
func (s *Service) Advance(ctx context.Context, tgID int64, b *Bundle) error {
	if b.Step != StepChat {
		return fmt.Errorf("advance from step %q", b.Step)
	}
	b.Step = StepAppearance
	return s.write(ctx, tgID, b)
}

// Clear returns the user to idle.
func (s *Service) Clear(ctx context.Context, tgID int64) error {
	return s.appCtx.Cache.Del(ctx, cache.PendingRating(tgID))
}

func (s *Service) write(ctx context.Context, tgID int64, b *Bundle) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return s.appCtx.Cache.Set(ctx, cache.PendingRating(tgID), string(raw), s.ttl)
}
