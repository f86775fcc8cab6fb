package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Log struct {
		Level     string
		Format    string
		Component string
		Source    bool
	}

	DB struct {
		DSN      string
		Host     string
		Port     string
		User     string
		Password string
		Name     string
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	Telegram struct {
		Token string
		Debug bool
	}

	HTTP struct {
		Host string
		Port string
	}

	Vision struct {
		GeminiAPIKey string
		Timeout      time.Duration
	}

	// Matchmaking tuning. Defaults mirror production values; tests override.
	Match struct {
		LockTTL         time.Duration
		MaxAttempts     int
		ActiveDialogTTL time.Duration
		PendingTTL      time.Duration
		CooldownTTL     time.Duration
		PremiumCacheTTL time.Duration
	}

	Alerts struct {
		ChatIDs []int64
	}

	Subscription struct {
		Days int
	}

	Env string
}

func New() *Config {
	cfg := &Config{}

	// Logger
	cfg.Log.Level = getEnvDefault("LOG_LEVEL", "info")
	cfg.Log.Format = getEnvDefault("LOG_FORMAT", "text")
	cfg.Log.Component = getEnvDefault("LOG_COMPONENT", "duet")
	cfg.Log.Source = isTruthy(os.Getenv("LOG_SOURCE"))

	// Database
	cfg.DB.DSN = os.Getenv("DATABASE_DSN")
	if cfg.DB.DSN == "" {
		cfg.DB.Host = getEnvDefault("DB_HOST", "localhost")
		cfg.DB.Port = getEnvDefault("DB_PORT", "5432")
		cfg.DB.User = getEnvDefault("DB_USER", "duet")
		cfg.DB.Password = getEnvDefault("DB_PASSWORD", "duet")
		cfg.DB.Name = getEnvDefault("DB_NAME", "duet")

		cfg.DB.DSN = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
			cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name,
		)
	}

	// Redis
	cfg.Redis.Addr = getEnvDefault("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnvDefault("REDIS_PASSWORD", "")
	if dbStr := getEnvDefault("REDIS_DB", "0"); dbStr != "" {
		if dbInt, err := strconv.Atoi(dbStr); err == nil {
			cfg.Redis.DB = dbInt
		}
	}

	// Telegram transport
	cfg.Telegram.Token = os.Getenv("BOT_TOKEN")
	cfg.Telegram.Debug = isTruthy(os.Getenv("BOT_DEBUG"))

	// Health/status HTTP
	cfg.HTTP.Host = getEnvDefault("HTTP_HOST", "0.0.0.0")
	cfg.HTTP.Port = getEnvDefault("HTTP_PORT", "8080")

	// Vision
	cfg.Vision.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.Vision.Timeout = getEnvDuration("VISION_TIMEOUT", 4*time.Second)

	// Matchmaking
	cfg.Match.LockTTL = getEnvDuration("MATCH_LOCK_TTL", 4*time.Second)
	cfg.Match.MaxAttempts = getEnvInt("MATCH_MAX_ATTEMPTS", 50)
	cfg.Match.ActiveDialogTTL = getEnvDuration("MATCH_ACTIVE_DIALOG_TTL", 12*time.Hour)
	cfg.Match.PendingTTL = getEnvDuration("MATCH_PENDING_TTL", time.Hour)
	cfg.Match.CooldownTTL = getEnvDuration("MATCH_COOLDOWN_TTL", 10*time.Minute)
	cfg.Match.PremiumCacheTTL = getEnvDuration("MATCH_PREMIUM_CACHE_TTL", 5*time.Minute)

	// Operator alerts
	for _, part := range strings.Split(os.Getenv("ALERT_CHAT_IDS"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			cfg.Alerts.ChatIDs = append(cfg.Alerts.ChatIDs, id)
		}
	}

	cfg.Subscription.Days = getEnvInt("SUBSCRIPTION_DAYS", 30)

	cfg.Env = getEnvDefault("APP_ENV", "production")

	return cfg
}

func getEnvDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) int {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(k string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
