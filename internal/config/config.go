package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Vault
	// 未設定でも起動は可能。初回の暗号化・復号時にエラーとなる。
	CredentialsEncryptionKey string

	// Gmail OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GmailRedirectURL   string

	// Scraper
	ScraperURL         string
	ScraperMaxArticles int
	ScraperRatePerSec  float64

	// Text generation
	TextGenURL    string
	TextGenAPIKey string
	TextGenModel  string

	// Outbound timeouts
	HealthTimeout  time.Duration
	ConnectTimeout time.Duration
	ContentTimeout time.Duration

	// LinkedIn
	LinkedInSessionTTL time.Duration

	// Sync worker
	SyncInterval      time.Duration
	SyncMaxConcurrent int
	SyncStaleAfter    time.Duration

	// Rate Limit（req/min/user）
	RateLimitGeneral int
	RateLimitSync    int

	// Server
	ServerPort string

	// Logging
	LogLevel slog.Level
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに .env があれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.CredentialsEncryptionKey = os.Getenv("CREDENTIALS_ENCRYPTION_KEY")
	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.GmailRedirectURL = os.Getenv("GMAIL_REDIRECT_URL")
	cfg.ScraperURL = strings.TrimRight(getEnvString("SCRAPER_URL", "http://localhost:8000"), "/")
	cfg.ScraperMaxArticles = getEnvInt("SCRAPER_MAX_ARTICLES", 50)
	cfg.ScraperRatePerSec = getEnvFloat("SCRAPER_RATE_PER_SEC", 5)
	cfg.TextGenURL = os.Getenv("TEXTGEN_URL")
	cfg.TextGenAPIKey = os.Getenv("TEXTGEN_API_KEY")
	cfg.TextGenModel = getEnvString("TEXTGEN_MODEL", "gpt-4o-mini")
	cfg.HealthTimeout = getEnvDuration("HEALTH_TIMEOUT", 5*time.Second)
	cfg.ConnectTimeout = getEnvDuration("CONNECT_TIMEOUT", 10*time.Second)
	cfg.ContentTimeout = getEnvDuration("CONTENT_TIMEOUT", 30*time.Second)
	cfg.LinkedInSessionTTL = getEnvDuration("LINKEDIN_SESSION_TTL", 10*time.Minute)
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", 15*time.Minute)
	cfg.SyncMaxConcurrent = getEnvInt("SYNC_MAX_CONCURRENT", 5)
	cfg.SyncStaleAfter = getEnvDuration("SYNC_STALE_AFTER", 30*time.Minute)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSync = getEnvInt("RATE_LIMIT_SYNC", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvLevel("LOG_LEVEL", slog.LevelInfo)

	return cfg, nil
}

// GmailConfigured はGmail OAuthの設定が揃っているかを返す。
func (c *Config) GmailConfigured() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GmailRedirectURL != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
