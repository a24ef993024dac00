package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	CORSOrigin    string
	LogLevel      string
	// FunctionSecret guards the trigger endpoints when non-empty.
	FunctionSecret string

	// Provider (OpenStates GraphQL)
	OpenStatesAPIKey    string
	OpenStatesURL       string
	ProviderTimeout     time.Duration
	ProviderMaxAttempts int
	ProviderBaseDelay   time.Duration
	BillCacheTTL        time.Duration
	BillCacheSize       int

	// Jobs
	BackfillPageSize int
	RateLimitDelay   time.Duration
	LeaseTTL         time.Duration
	DailyFallback    time.Duration
	DailyPageSize    int
	DailyLockTTL     time.Duration

	// Redis backs the shared bill cache and the daily run lock; optional.
	RedisURL string

	// MinIO archive for raw provider payloads; optional.
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

func Load() Config {
	return Config{
		Addr:           getenv("API_ADDR", ":8788"),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		MigrationsDir:  getenv("VOTESYNC_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:     getenv("VOTESYNC_CORS_ORIGIN", "*"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		FunctionSecret: getenv("VOTESYNC_FUNCTION_SECRET", ""),

		OpenStatesAPIKey:    getenv("OPENSTATES_API_KEY", ""),
		OpenStatesURL:       getenv("OPENSTATES_GRAPHQL_URL", "https://openstates.org/graphql"),
		ProviderTimeout:     time.Duration(getenvInt("VOTESYNC_PROVIDER_TIMEOUT_SECONDS", 30)) * time.Second,
		ProviderMaxAttempts: getenvInt("VOTESYNC_PROVIDER_MAX_ATTEMPTS", 5),
		ProviderBaseDelay:   time.Duration(getenvInt("VOTESYNC_PROVIDER_BASE_DELAY_MS", 600)) * time.Millisecond,
		BillCacheTTL:        time.Duration(getenvInt("VOTESYNC_BILL_CACHE_TTL_SECONDS", 300)) * time.Second,
		BillCacheSize:       getenvInt("VOTESYNC_BILL_CACHE_SIZE", 32),

		BackfillPageSize: getenvInt("VOTESYNC_BACKFILL_PAGE_SIZE", 25),
		RateLimitDelay:   time.Duration(getenvInt("VOTESYNC_RATE_LIMIT_DELAY_MS", 1200)) * time.Millisecond,
		LeaseTTL:         time.Duration(getenvInt("VOTESYNC_LEASE_TTL_SECONDS", 600)) * time.Second,
		DailyFallback:    time.Duration(getenvInt("VOTESYNC_DAILY_FALLBACK_HOURS", 48)) * time.Hour,
		DailyPageSize:    getenvInt("VOTESYNC_DAILY_PAGE_SIZE", 200),
		DailyLockTTL:     time.Duration(getenvInt("VOTESYNC_DAILY_LOCK_TTL_SECONDS", 1800)) * time.Second,

		RedisURL: getenv("REDIS_URL", ""),

		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "votesync-payloads"),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", true),
	}
}

// Missing lists the required environment variables that are unset.
func (c Config) Missing() []string {
	missing := make([]string, 0, 2)
	if strings.TrimSpace(c.DatabaseURL) == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if strings.TrimSpace(c.OpenStatesAPIKey) == "" {
		missing = append(missing, "OPENSTATES_API_KEY")
	}
	return missing
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
