package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// デフォルトのOAuthスコープ。openidとプロフィールに加えて、
// プレイリスト読み取りとGmail送信の権限を要求する。
var defaultOAuthScopes = []string{
	"openid",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/youtube.readonly",
	"https://www.googleapis.com/auth/gmail.send",
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Redis
	RedisURL    string
	RedisPrefix string

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	OAuthScopes        []string

	// TTL
	SessionTTL     time.Duration // セッショントークン
	CredentialsTTL time.Duration // OAuth資格情報と通知設定
	ProfileTTL     time.Duration // プロフィールキャッシュ

	// Scheduler
	TaskInterval time.Duration
	// LiveMode がtrueの場合、スケジューラはカーソル更新とメール送信を行う。
	// falseの場合はドライラン（プレビュー計算のみ）。
	LiveMode bool
	// EmailDryRun がtrueの場合、メールは送信せず全文をログに書く。
	EmailDryRun bool

	// Rate Limit
	RateLimitGeneral int
	RateLimitSetup   int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	if cfg.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}

	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleRedirectURL == "" {
		missing = append(missing, "GOOGLE_REDIRECT_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.RedisPrefix = getEnvString("REDIS_PREFIX", "")
	cfg.OAuthScopes = getEnvStringList("GOOGLE_OAUTH_SCOPES", defaultOAuthScopes)
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", 7*24*time.Hour)
	cfg.CredentialsTTL = getEnvDuration("CREDENTIALS_TTL", 30*24*time.Hour)
	cfg.ProfileTTL = getEnvDuration("PROFILE_TTL", 15*time.Minute)
	cfg.TaskInterval = getEnvDuration("TASK_INTERVAL", 5*time.Minute)
	cfg.LiveMode = getEnvBool("LIVE_MODE", false)
	cfg.EmailDryRun = getEnvBool("EMAIL_DRY_RUN", false)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSetup = getEnvInt("RATE_LIMIT_SETUP", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvStringList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var list []string
	for _, s := range strings.Fields(v) {
		if s != "" {
			list = append(list, s)
		}
	}
	if len(list) == 0 {
		return defaultVal
	}
	return list
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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
