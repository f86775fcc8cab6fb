package main

import (
	"context"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/duetchat/duet/internal/alert"
	"github.com/duetchat/duet/internal/app"
	"github.com/duetchat/duet/internal/cache"
	"github.com/duetchat/duet/internal/config"
	"github.com/duetchat/duet/internal/db"
	"github.com/duetchat/duet/internal/engine"
	"github.com/duetchat/duet/internal/health"
	"github.com/duetchat/duet/internal/logger"
	"github.com/duetchat/duet/internal/metrics"
	"github.com/duetchat/duet/internal/service/complaint"
	"github.com/duetchat/duet/internal/service/dialog"
	"github.com/duetchat/duet/internal/service/matchmaking"
	"github.com/duetchat/duet/internal/service/pending"
	"github.com/duetchat/duet/internal/service/rating"
	"github.com/duetchat/duet/internal/service/subscription"
	"github.com/duetchat/duet/internal/telegram"
	"github.com/duetchat/duet/internal/vision"
)

const metricsInterval = time.Minute

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.New()

	// Init logger (global singleton)
	logger.InitFromConfig(cfg)
	log := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Init DB
	database, err := db.NewDB(cfg)
	if err != nil {
		log.Error("failed to init db", "err", err)
		return
	}

	// Init Redis
	redisCache := cache.NewRedisCache(cfg)
	if err := redisCache.Ping(ctx); err != nil {
		log.Error("failed to connect to redis", "err", err)
		return
	}

	appCtx := app.New(cfg, database, redisCache, log)

	var detector vision.Detector = vision.Static(false)
	if cfg.Vision.GeminiAPIKey != "" {
		detector = vision.NewGemini(cfg.Vision.GeminiAPIKey, cfg.Vision.Timeout)
	}

	pendingSvc := pending.NewService(appCtx)
	matchSvc := matchmaking.NewService(appCtx)
	dialogSvc := dialog.NewService(appCtx, pendingSvc)
	subsSvc := subscription.NewService(appCtx)

	reg := metrics.NewRegistry()

	// The bot comes up first: the notifier and alerter hang off its API
	// handle, and the engine needs both.
	bot, err := telegram.NewBot(appCtx, reg)
	if err != nil {
		log.Error("failed to init telegram bot", "err", err)
		return
	}

	var alerter alert.Alerter = alert.Nop{}
	if len(cfg.Alerts.ChatIDs) > 0 {
		alerter = telegram.NewAlerter(bot.API(), cfg.Alerts.ChatIDs)
	}
	ratingSvc := rating.NewService(appCtx, alerter)
	complaintSvc := complaint.NewService(appCtx, alerter)

	notifier := telegram.NewNotifier(bot.API())
	eng := engine.New(appCtx, matchSvc, dialogSvc, ratingSvc, pendingSvc, subsSvc, complaintSvc, detector, notifier)
	bot.SetEngine(eng)

	healthSrv := health.New(net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port), redisCache, reg)
	go func() {
		if err := healthSrv.Start(); err != nil {
			log.Error("health server failed", "err", err)
		}
	}()

	go reg.Report(ctx, metricsInterval)

	healthSrv.SetReady(true)
	log.Info("engine started", "env", cfg.Env)

	bot.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("health server shutdown failed", "err", err)
	}
	log.Info("engine stopped")
}
