// Package complaint records user reports and forwards a bounded dialog
// transcript to the operators.
package complaint

import (
	"context"
	"fmt"
	"strings"

	"github.com/duetchat/duet/internal/alert"
	"github.com/duetchat/duet/internal/app"
	"github.com/duetchat/duet/internal/db"
	"github.com/duetchat/duet/internal/repository"
)

// Transcripts attached to reports are capped to stay inside transport
// message limits.
const reportMessageLimit = 15

type Service struct {
	appCtx     *app.AppContext
	users      *repository.UserRepository
	dialogs    *repository.DialogRepository
	complaints *repository.ComplaintRepository
	alerter    alert.Alerter
}

func NewService(appCtx *app.AppContext, alerter alert.Alerter) *Service {
	if alerter == nil {
		alerter = alert.Nop{}
	}
	return &Service{
		appCtx:     appCtx,
		users:      repository.NewUserRepository(appCtx.DB),
		dialogs:    repository.NewDialogRepository(appCtx.DB),
		complaints: repository.NewComplaintRepository(appCtx.DB),
		alerter:    alerter,
	}
}

// File persists the complaint and notifies the operators with the
// accused party and the tail of the transcript.
func (s *Service) File(ctx context.Context, dialogID uint64, fromTG int64, reason string) error {
	from, err := s.users.ByTelegramID(ctx, fromTG)
	if err != nil {
		return err
	}

	if err := s.complaints.Create(ctx, &db.Complaint{
		DialogID:   dialogID,
		FromUserID: from.ID,
		Reason:     reason,
	}); err != nil {
		return err
	}

	report, err := s.buildReport(ctx, dialogID, from, reason)
	if err != nil {
		s.appCtx.Logger.Error("complaint report build failed", "dialog_id", dialogID, "err", err)
	} else {
		s.alerter.Notify(ctx, report)
	}

	s.appCtx.Logger.Info("complaint filed", "dialog_id", dialogID, "from_tg", fromTG)
	return nil
}

func (s *Service) buildReport(ctx context.Context, dialogID uint64, from *db.User, reason string) (string, error) {
	d, err := s.dialogs.ByID(ctx, dialogID)
	if err != nil {
		return "", err
	}

	accusedID := d.User1ID
	if accusedID == from.ID {
		accusedID = d.User2ID
	}
	accusedLine := "unknown"
	if accused, err := s.users.ByID(ctx, accusedID); err == nil {
		accusedLine = fmt.Sprintf("user %d (tg %d)", accused.ID, accused.TelegramID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Complaint on dialog %d\n", dialogID)
	fmt.Fprintf(&b, "Reporter: user %d (tg %d)\n", from.ID, from.TelegramID)
	fmt.Fprintf(&b, "Accused: %s\n", accusedLine)
	fmt.Fprintf(&b, "Reason: %s\n\n", reason)

	msgs, err := s.dialogs.RecentMessages(ctx, dialogID, reportMessageLimit)
	if err != nil {
		return "", err
	}
	b.WriteString("Transcript:\n")
	for _, m := range msgs {
		who := "partner"
		if m.FromUserID == from.ID {
			who = "reporter"
		}
		content := "[photo]"
		if m.Text != nil {
			content = *m.Text
		} else if m.PhotoID != nil {
			content = fmt.Sprintf("[photo %d]", *m.PhotoID)
		}
		fmt.Fprintf(&b, "%s [%s]: %s\n", m.CreatedAt.Format("15:04:05"), who, content)
	}

	photos, err := s.dialogs.Photos(ctx, dialogID)
	if err == nil && len(photos) > 0 {
		b.WriteString("\nPhoto references:\n")
		for _, p := range photos {
			fmt.Fprintf(&b, "- %s (owner %d)\n", p.FilePath, p.OwnerUserID)
		}
	}

	return b.String(), nil
}
