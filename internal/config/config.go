package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// defaultCORSAllowedOrigins はCORS_ALLOWED_ORIGINS未設定時に許可するオリジン。
// 本番フロントエンドとローカル開発サーバー（Vite, CRA）。
var defaultCORSAllowedOrigins = []string{
	"https://doctor-plus-two.vercel.app",
	"http://localhost:5173",
	"http://localhost:3000",
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Gemini
	GeminiAPIKey          string
	GeminiModel           string
	GeminiBaseURL         string
	GeminiMaxOutputTokens int

	// Overpass
	OverpassURL          string
	HospitalSearchRadius int

	// Upstream
	UpstreamTimeout time.Duration

	// Identity
	FirebaseProjectID string
	FirebaseCertsURL  string

	// Rate Limit (req/min)
	RateLimitGeneral int
	RateLimitAI      int
	RedisURL         string

	// Server
	ServerPort   string
	MetricsPort  string
	MaxBodyBytes int64

	// CORS
	CORSAllowedOrigins []string

	// TrustedProxies はX-Forwarded-Forを信用するリバースプロキシ（CIDRまたはIP）。
	// 空の場合は接続元アドレスのみでクライアントを識別する。
	TrustedProxies []string

	// Logging
	LogLevel string
}

// AuthRequired はIDトークンの検証を必須とするかどうかを返す。
// FIREBASE_PROJECT_IDが未設定の場合はリクエストボディのuserIdを信頼するレガシーモードとなる。
func (c *Config) AuthRequired() bool {
	return c.FirebaseProjectID != ""
}

// LoadDotEnv はカレントディレクトリの.envファイルを環境変数に読み込む。
// ファイルが存在しない場合は何もしない。既存の環境変数は上書きしない。
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if cfg.GeminiAPIKey == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.GeminiModel = getEnvString("GEMINI_MODEL", "gemini-2.5-flash")
	cfg.GeminiBaseURL = getEnvString("GEMINI_BASE_URL", "")
	cfg.GeminiMaxOutputTokens = getEnvInt("GEMINI_MAX_OUTPUT_TOKENS", 8192)
	cfg.OverpassURL = getEnvString("OVERPASS_URL", "https://overpass-api.de/api/interpreter")
	cfg.HospitalSearchRadius = getEnvInt("HOSPITAL_SEARCH_RADIUS", 5000)
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 60*time.Second)
	cfg.FirebaseProjectID = getEnvString("FIREBASE_PROJECT_ID", "")
	cfg.FirebaseCertsURL = getEnvString("FIREBASE_CERTS_URL",
		"https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAI = getEnvInt("RATE_LIMIT_AI", 20)
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	// ホスティング環境（Render等）はPORTを注入するため、SERVER_PORT未設定時はPORTを使う
	cfg.ServerPort = getEnvString("SERVER_PORT", getEnvString("PORT", "5000"))
	cfg.MetricsPort = getEnvString("METRICS_PORT", "")
	cfg.MaxBodyBytes = getEnvInt64("MAX_BODY_BYTES", 10<<20)
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", defaultCORSAllowedOrigins)
	cfg.TrustedProxies = getEnvList("TRUSTED_PROXIES", nil)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
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

// getEnvList はカンマ区切りの環境変数をスライスとして返す。
// 空要素は除外し、結果が空の場合はデフォルト値を返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
