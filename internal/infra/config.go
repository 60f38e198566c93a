package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string

	StorageBackend string
	StoragePath    string
	StorageBaseURL string
	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string

	DashScopeAPIKey  string
	DashScopeBaseURL string
	VeoAPIKey        string
	VeoBaseURL       string
	FlashImgAPIKey   string
	FlashImgBaseURL  string

	NotifyWebhookURL string

	ReconcileInterval  time.Duration
	ReconcileBatchSize int

	HTTPReadTimeout       time.Duration
	HTTPReadHeaderTimeout time.Duration
	HTTPWriteTimeout      time.Duration
	HTTPIdleTimeout       time.Duration
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		StorageBackend: getEnv("STORAGE_BACKEND", "filesystem"),
		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),
		SupabaseURL:    os.Getenv("SUPABASE_URL"),
		SupabaseKey:    os.Getenv("SUPABASE_SERVICE_KEY"),
		SupabaseBucket: getEnv("SUPABASE_BUCKET", "generated"),

		DashScopeAPIKey:  os.Getenv("DASHSCOPE_API_KEY"),
		DashScopeBaseURL: getEnv("DASHSCOPE_BASE_URL", "https://dashscope-intl.aliyuncs.com/api/v1"),
		VeoAPIKey:        os.Getenv("VEO_API_KEY"),
		VeoBaseURL:       getEnv("VEO_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		FlashImgAPIKey:   os.Getenv("FLASHIMG_API_KEY"),
		FlashImgBaseURL:  getEnv("FLASHIMG_BASE_URL", "https://api.flashimg.dev/v1"),

		NotifyWebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),

		ReconcileInterval:  time.Second * time.Duration(getEnvInt("RECONCILE_INTERVAL_SECONDS", 120)),
		ReconcileBatchSize: getEnvInt("RECONCILE_BATCH_SIZE", 50),

		HTTPReadTimeout:       time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPReadHeaderTimeout: time.Second * time.Duration(getEnvInt("HTTP_READ_HEADER_TIMEOUT_SECONDS", 5)),
		HTTPWriteTimeout:      time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:       time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.StorageBackend == "supabase" && (cfg.SupabaseURL == "" || cfg.SupabaseKey == "") {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required for supabase storage")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
