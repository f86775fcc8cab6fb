package app

import (
	"log/slog"

	"gorm.io/gorm"

	"github.com/duetchat/duet/internal/cache"
	"github.com/duetchat/duet/internal/config"
)

// AppContext holds the shared dependencies every service receives.
type AppContext struct {
	Cfg    *config.Config
	DB     *gorm.DB
	Cache  *cache.RedisCache
	Logger *slog.Logger
}

func New(cfg *config.Config, db *gorm.DB, rdb *cache.RedisCache, logger *slog.Logger) *AppContext {
	return &AppContext{
		Cfg:    cfg,
		DB:     db,
		Cache:  rdb,
		Logger: logger,
	}
}
