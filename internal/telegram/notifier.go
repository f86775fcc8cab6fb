package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/duetchat/duet/internal/engine"
	"github.com/duetchat/duet/internal/logger"
	"github.com/duetchat/duet/internal/service/pending"
)

// Notifier renders engine events as Telegram messages. Send failures
// are logged and dropped; the engine's state already moved on.
type Notifier struct {
	api *tgbotapi.BotAPI
}

func NewNotifier(api *tgbotapi.BotAPI) *Notifier {
	return &Notifier{api: api}
}

func (n *Notifier) MatchFound(_ context.Context, tgID int64, partner engine.Card) {
	n.send(tgID, "Partner found!\n\n"+cardText(partner)+
		"\n\nSay hi. /skip for the next partner, /end to stop.")
}

func (n *Notifier) Searching(_ context.Context, tgID int64) {
	n.send(tgID, "Searching for a partner... /cancel to stop.")
}

func (n *Notifier) DialogFinished(_ context.Context, tgID int64) {
	n.send(tgID, "Dialog finished.")
}

func (n *Notifier) RatePrompt(_ context.Context, tgID int64, step pending.Step) {
	if step == pending.StepAppearance {
		n.send(tgID, "Rate your partner's appearance from 0 to 10.")
		return
	}
	n.send(tgID, "Rate the conversation from 0 to 10.")
}

func (n *Notifier) ShowProfile(_ context.Context, tgID int64, me engine.Card) {
	n.send(tgID, "Your profile\n\n"+cardText(me)+"\n\nSend /search when you are ready.")
}

func (n *Notifier) RelayedText(_ context.Context, tgID int64, text string) {
	n.send(tgID, text)
}

// RelayedPhoto forwards by Telegram file id; the bytes never leave
// Telegram's storage.
func (n *Notifier) RelayedPhoto(_ context.Context, tgID int64, fileRef string) {
	fileID := strings.TrimPrefix(fileRef, "tg://")
	msg := tgbotapi.NewPhoto(tgID, tgbotapi.FileID(fileID))
	if _, err := n.api.Send(msg); err != nil {
		logger.Warn("photo relay failed", "tg_id", tgID, "err", err)
	}
}

func (n *Notifier) send(tgID int64, text string) {
	if _, err := n.api.Send(tgbotapi.NewMessage(tgID, text)); err != nil {
		logger.Warn("notify failed", "tg_id", tgID, "err", err)
	}
}

func cardText(c engine.Card) string {
	var b strings.Builder

	name := c.Name
	if name == "" {
		name = "Anonymous"
	}
	fmt.Fprintf(&b, "%s", name)
	if c.Age > 0 {
		fmt.Fprintf(&b, ", %d", c.Age)
	}
	if c.City != "" {
		fmt.Fprintf(&b, " (%s)", c.City)
	}

	fmt.Fprintf(&b, "\nChat rating: %.1f", c.SeasonChat)
	if c.SeasonAppearance != nil {
		fmt.Fprintf(&b, "\nAppearance rating: %.1f", *c.SeasonAppearance)
	}
	if c.RatedDialogs > 0 {
		fmt.Fprintf(&b, "\nRated dialogs: %d", c.RatedDialogs)
	}
	return b.String()
}
