// Package telegram adapts the Telegram Bot API to the engine: inbound
// updates become engine calls, engine events become outbound messages.
// The adapter holds no conversation state of its own; routing is decided
// per update from the engine's view of the user.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/duetchat/duet/internal/app"
	"github.com/duetchat/duet/internal/engine"
	svcErr "github.com/duetchat/duet/internal/errors"
	"github.com/duetchat/duet/internal/metrics"
	"github.com/duetchat/duet/internal/service/dialog"
)

const (
	cmdStart  = "start"
	cmdSearch = "search"
	cmdCancel = "cancel"
	cmdSkip   = "skip"
	cmdEnd    = "end"
	cmdReport = "report"
)

// Photos relayed between partners are capped at this download size.
const maxPhotoBytes = 10 << 20

type Bot struct {
	appCtx *app.AppContext
	api    *tgbotapi.BotAPI
	eng    *engine.Engine
	reg    *metrics.Registry
	client *http.Client
}

// NewBot connects to the Bot API. The engine is attached afterwards
// with SetEngine: the notifier and alerter need the API handle before
// the engine can be constructed.
func NewBot(appCtx *app.AppContext, reg *metrics.Registry) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(appCtx.Cfg.Telegram.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	api.Debug = appCtx.Cfg.Telegram.Debug

	return &Bot{
		appCtx: appCtx,
		api:    api,
		reg:    reg,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// API exposes the underlying client for the notifier and alerter.
func (b *Bot) API() *tgbotapi.BotAPI { return b.api }

// SetEngine must be called before Run.
func (b *Bot) SetEngine(eng *engine.Engine) { b.eng = eng }

// Run long-polls until ctx is cancelled. Each update is handled in its
// own goroutine; ordering across users does not matter and ordering per
// user is settled by the engine's locks.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	b.appCtx.Logger.Info("telegram polling started", "bot", b.api.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			go b.handle(ctx, update)
		}
	}
}

func (b *Bot) handle(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}

	start := time.Now()
	err := b.dispatch(ctx, update.Message)
	b.reg.Record(err == nil, time.Since(start))

	if err != nil {
		b.appCtx.Logger.Error("update failed",
			"tg_id", update.Message.From.ID, "err", err)
	}
}

func (b *Bot) dispatch(ctx context.Context, msg *tgbotapi.Message) error {
	tgID := msg.From.ID

	if msg.IsCommand() {
		return b.dispatchCommand(ctx, tgID, msg)
	}
	if len(msg.Photo) > 0 {
		return b.relayPhoto(ctx, tgID, msg)
	}
	if msg.Text != "" {
		return b.dispatchText(ctx, tgID, msg.Text)
	}
	return nil
}

func (b *Bot) dispatchCommand(ctx context.Context, tgID int64, msg *tgbotapi.Message) error {
	switch msg.Command() {
	case cmdStart, cmdSearch:
		return b.friendly(ctx, tgID, b.eng.StartSearch(ctx, tgID))
	case cmdCancel:
		if err := b.eng.CancelSearch(ctx, tgID); err != nil {
			return b.friendly(ctx, tgID, err)
		}
		b.reply(tgID, "Search cancelled.")
		return nil
	case cmdSkip:
		return b.friendly(ctx, tgID, b.eng.Terminate(ctx, tgID, dialog.ActionSkip))
	case cmdEnd:
		return b.friendly(ctx, tgID, b.eng.Terminate(ctx, tgID, dialog.ActionEnd))
	case cmdReport:
		reason := msg.CommandArguments()
		if reason == "" {
			reason = "unspecified"
		}
		if err := b.eng.FileComplaint(ctx, tgID, reason); err != nil {
			return b.friendly(ctx, tgID, err)
		}
		b.reply(tgID, "Report sent. Thank you.")
		return nil
	default:
		return nil
	}
}

// dispatchText routes free text: an open rating bundle consumes it,
// otherwise it is relayed into the active dialog.
func (b *Bot) dispatchText(ctx context.Context, tgID int64, text string) error {
	rated, err := b.eng.InRatingFlow(ctx, tgID)
	if err != nil {
		return err
	}
	if rated {
		return b.eng.SubmitRating(ctx, tgID, text)
	}
	return b.friendly(ctx, tgID, b.eng.RelayText(ctx, tgID, text))
}

func (b *Bot) relayPhoto(ctx context.Context, tgID int64, msg *tgbotapi.Message) error {
	// Last entry is the largest rendition.
	size := msg.Photo[len(msg.Photo)-1]

	photo, err := b.download(ctx, size.FileID)
	if err != nil {
		b.appCtx.Logger.Warn("photo download failed", "tg_id", tgID, "err", err)
		photo = nil
	}

	fileRef := "tg://" + size.FileID
	return b.friendly(ctx, tgID, b.eng.RelayPhoto(ctx, tgID, photo, fileRef))
}

func (b *Bot) download(ctx context.Context, fileID string) ([]byte, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file download: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes))
}

// friendly translates domain sentinels into user-facing replies and
// swallows them; anything else propagates for logging.
func (b *Bot) friendly(_ context.Context, tgID int64, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, svcErr.ErrNotInDialog):
		b.reply(tgID, "You are not in a dialog. Send /search to find a partner.")
		return nil
	case errors.Is(err, svcErr.ErrBanned):
		b.reply(tgID, "Your account is suspended.")
		return nil
	case errors.Is(err, svcErr.ErrUserNotFound):
		b.reply(tgID, "Please register first.")
		return nil
	default:
		return err
	}
}

func (b *Bot) reply(tgID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(tgID, text)); err != nil {
		b.appCtx.Logger.Warn("send failed", "tg_id", tgID, "err", err)
	}
}
