package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MinBackgroundInterval はバックグラウンド監視間隔の下限。
// バッテリー制約のあるプラットフォームの定期ジョブ最小間隔に合わせる。
const MinBackgroundInterval = 15 * time.Minute

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Sites
	Sites []SiteConfig

	// Fetch
	FetchTimeout       time.Duration
	FetchMaxSize       int64
	FetchRetries       int
	SiteRequestsPerSec float64

	// Watch
	WatchEnabled          bool
	WatchBackground       bool
	WatchMaxConcurrent    int
	ForegroundInterval    time.Duration
	ForegroundQuietPeriod time.Duration
	BackgroundInterval    time.Duration

	// Loader
	LoaderMaxConcurrent int
	CacheDir            string
	CacheMaxFileSize    int64

	// Pages
	PagesInterval time.Duration

	// Notify
	NotifyWebhookURL string

	// Rate Limit
	RateLimitGeneral int

	// Cleanup
	RetentionDays int

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// SiteConfig は監視対象サイトの設定を表す。
// SITES 環境変数に "name=kind:baseURL[;mediaURL]" をカンマ区切りで指定する。
type SiteConfig struct {
	Name     string
	Kind     string // vichan | feed
	BaseURL  string
	MediaURL string // 添付ファイルの配信元（省略時はBaseURL配下）
}

// サイト形式
const (
	SiteKindVichan = "vichan" // 4chan互換JSON API
	SiteKindFeed   = "feed"   // RSS/Atomフィード
)

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに .env があれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load(getEnvString("ENV_FILE", ".env"))

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

	sites, err := parseSites(getEnvString("SITES", "4chan=vichan:https://a.4cdn.org;https://i.4cdn.org"))
	if err != nil {
		return nil, err
	}
	cfg.Sites = sites

	// Optional fields with defaults
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 10485760)
	cfg.FetchRetries = getEnvInt("FETCH_RETRIES", 3)
	cfg.SiteRequestsPerSec = getEnvFloat("SITE_REQUESTS_PER_SEC", 1)
	cfg.WatchEnabled = getEnvBool("WATCH_ENABLED", true)
	cfg.WatchBackground = getEnvBool("WATCH_BACKGROUND", true)
	cfg.WatchMaxConcurrent = getEnvInt("WATCH_MAX_CONCURRENT", 4)
	cfg.ForegroundInterval = getEnvDuration("FOREGROUND_INTERVAL", 30*time.Second)
	cfg.ForegroundQuietPeriod = getEnvDuration("FOREGROUND_QUIET_PERIOD", 10*time.Second)
	cfg.BackgroundInterval = getEnvDuration("BACKGROUND_INTERVAL", MinBackgroundInterval)
	if cfg.BackgroundInterval < MinBackgroundInterval {
		cfg.BackgroundInterval = MinBackgroundInterval
	}
	cfg.LoaderMaxConcurrent = getEnvInt("LOADER_MAX_CONCURRENT", 4)
	cfg.CacheDir = getEnvString("CACHE_DIR", "/var/cache/chanwatch")
	cfg.CacheMaxFileSize = getEnvInt64("CACHE_MAX_FILE_SIZE", 20971520)
	cfg.PagesInterval = getEnvDuration("PAGES_INTERVAL", 10*time.Minute)
	cfg.NotifyWebhookURL = getEnvString("NOTIFY_WEBHOOK_URL", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.RetentionDays = getEnvInt("RETENTION_DAYS", 14)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// Site は名前からサイト設定を返す。
func (c *Config) Site(name string) (SiteConfig, bool) {
	for _, s := range c.Sites {
		if s.Name == name {
			return s, true
		}
	}
	return SiteConfig{}, false
}

func parseSites(v string) ([]SiteConfig, error) {
	var sites []SiteConfig
	seen := make(map[string]bool)
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("SITES の形式が不正です: %q", entry)
		}
		kind, baseURL, ok := strings.Cut(rest, ":")
		if !ok || baseURL == "" {
			return nil, fmt.Errorf("SITES の形式が不正です: %q", entry)
		}
		switch kind {
		case SiteKindVichan, SiteKindFeed:
		default:
			return nil, fmt.Errorf("SITES に未対応の種別が指定されています: %q", kind)
		}
		baseURL, mediaURL, _ := strings.Cut(baseURL, ";")
		name = strings.TrimSpace(name)
		if seen[name] {
			return nil, fmt.Errorf("SITES にサイト名が重複しています: %q", name)
		}
		seen[name] = true
		sites = append(sites, SiteConfig{
			Name:     name,
			Kind:     kind,
			BaseURL:  strings.TrimRight(baseURL, "/"),
			MediaURL: strings.TrimRight(mediaURL, "/"),
		})
	}
	if len(sites) == 0 {
		return nil, fmt.Errorf("SITES が空です")
	}
	return sites, nil
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
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
