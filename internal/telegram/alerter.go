package telegram

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/duetchat/duet/internal/logger"
)

// Alerter fans operator alerts out to the configured chat ids.
type Alerter struct {
	api     *tgbotapi.BotAPI
	chatIDs []int64
}

func NewAlerter(api *tgbotapi.BotAPI, chatIDs []int64) *Alerter {
	return &Alerter{api: api, chatIDs: chatIDs}
}

func (a *Alerter) Notify(_ context.Context, text string) {
	for _, chatID := range a.chatIDs {
		if _, err := a.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
			logger.Warn("alert delivery failed", "chat_id", chatID, "err", err)
		}
	}
}
