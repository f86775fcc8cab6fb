package main

import (
	"github.com/joho/godotenv"

	"github.com/duetchat/duet/internal/config"
	"github.com/duetchat/duet/internal/db"
	"github.com/duetchat/duet/internal/logger"
)

func main() {
	_ = godotenv.Load()

	cfg := config.New()
	logger.InitFromConfig(cfg)
	log := logger.L()

	if cfg.Env == "production" {
		log.Error("refusing to seed a production database")
		return
	}

	database, err := db.NewDB(cfg)
	if err != nil {
		log.Error("failed to init db", "err", err)
		return
	}

	if err := db.SeedTestData(database); err != nil {
		log.Error("failed to seed", "err", err)
		return
	}
	log.Info("seed complete")
}
