package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kbchat/pkg/quota"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	Environment string `yaml:"environment"`

	DatabaseURL    string `yaml:"databaseURL"`
	DatabaseDriver string `yaml:"databaseDriver"`
	RedisAddr      string `yaml:"redisAddr"`
	RedisPassword  string `yaml:"redisPassword"`

	GeminiAPIKey            string  `yaml:"geminiAPIKey"`
	GeminiBaseURL           string  `yaml:"geminiBaseURL"`
	GeminiModel             string  `yaml:"geminiModel"`
	GeminiPollInterval      string  `yaml:"geminiPollInterval"`
	GeminiRequestsPerSecond float64 `yaml:"geminiRequestsPerSecond"`

	AuthJWKSURL      string `yaml:"authJWKSURL"`
	AuthJWTSecret    string `yaml:"authJWTSecret"`
	JWTIssuer        string `yaml:"jwtIssuer"`
	JWTAudience      string `yaml:"jwtAudience"`
	JWTLeeway        string `yaml:"jwtLeeway"`
	AuthTokenURL     string `yaml:"authTokenURL"`
	AuthClientID     string `yaml:"authClientID"`
	AuthClientSecret string `yaml:"authClientSecret"`
	AuthRedirectURL  string `yaml:"authRedirectURL"`
	SessionCookie    string `yaml:"sessionCookie"`
	SecureCookies    bool   `yaml:"secureCookies"`

	CORSOrigins    []string `yaml:"corsOrigins"`
	TrustedProxies []string `yaml:"trustedProxies"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	PresignExpiry  string `yaml:"presignExpiry"`

	WriteRateLimitPerMinute int          `yaml:"writeRateLimitPerMinute"`
	ChatRateLimitPerMinute  int          `yaml:"chatRateLimitPerMinute"`
	MaxUploadBytes          int64        `yaml:"maxUploadBytes"`
	Limits                  quota.Limits `yaml:"limits"`

	AdvisoryTTL          string `yaml:"advisoryTTL"`
	LedgerWriteTimeout   string `yaml:"ledgerWriteTimeout"`
	StaleUploadAfter     string `yaml:"staleUploadAfter"`
	ReconcileInterval    string `yaml:"reconcileInterval"`
	LimiterSweepInterval string `yaml:"limiterSweepInterval"`
	CleanupWorkers       int    `yaml:"cleanupWorkers"`
	ShutdownTimeout      string `yaml:"shutdownTimeout"`
}

// Durations holds the parsed duration fields. Zero means "use the default".
type Durations struct {
	GeminiPollInterval   time.Duration
	JWTLeeway            time.Duration
	PresignExpiry        time.Duration
	AdvisoryTTL          time.Duration
	LedgerWriteTimeout   time.Duration
	StaleUploadAfter     time.Duration
	ReconcileInterval    time.Duration
	LimiterSweepInterval time.Duration
	ShutdownTimeout      time.Duration
}

// Load reads config from path (defaults to KB_CONFIG, then config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = os.Getenv("KB_CONFIG")
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := map[string]*string{
		"KB_PORT":            &cfg.Port,
		"KB_LOG_LEVEL":       &cfg.LogLevel,
		"KB_ENVIRONMENT":     &cfg.Environment,
		"DATABASE_URL":       &cfg.DatabaseURL,
		"DATABASE_DRIVER":    &cfg.DatabaseDriver,
		"REDIS_ADDR":         &cfg.RedisAddr,
		"REDIS_PASSWORD":     &cfg.RedisPassword,
		"GEMINI_API_KEY":     &cfg.GeminiAPIKey,
		"GEMINI_MODEL":       &cfg.GeminiModel,
		"AUTH_JWKS_URL":      &cfg.AuthJWKSURL,
		"AUTH_JWT_SECRET":    &cfg.AuthJWTSecret,
		"AUTH_TOKEN_URL":     &cfg.AuthTokenURL,
		"AUTH_CLIENT_ID":     &cfg.AuthClientID,
		"AUTH_CLIENT_SECRET": &cfg.AuthClientSecret,
		"MINIO_ENDPOINT":     &cfg.MinioEndpoint,
		"MINIO_ACCESS_KEY":   &cfg.MinioAccessKey,
		"MINIO_SECRET_KEY":   &cfg.MinioSecretKey,
		"MINIO_BUCKET":       &cfg.MinioBucket,
	}
	for name, dst := range strs {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("KB_SECURE_COOKIES"); v == "true" {
		cfg.SecureCookies = true
	}
	if v := os.Getenv("KB_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("KB_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
	if v := os.Getenv("KB_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("KB_DAILY_QUERY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.DailyQueries = n
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or KB_PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	switch strings.ToLower(cfg.DatabaseDriver) {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("config: databaseDriver %q is not supported (postgres or sqlite)", cfg.DatabaseDriver)
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.GeminiAPIKey == "" {
		return errors.New("config: geminiAPIKey is required (set in config.yaml or GEMINI_API_KEY)")
	}
	if cfg.AuthJWKSURL == "" && cfg.AuthJWTSecret == "" {
		return errors.New("config: authJWKSURL or authJWTSecret is required")
	}
	if cfg.MinioEndpoint != "" && cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required when minioEndpoint is set")
	}
	l := cfg.Limits
	if l.KnowledgeBasesPerUser < 0 || l.FilesPerKnowledgeBase < 0 || l.MaxFileSizeBytes < 0 ||
		l.MaxStorageBytes < 0 || l.DailyQueries < 0 || l.MaxPDFPages < 0 {
		return errors.New("config: limits must not be negative")
	}
	if _, err := cfg.ParseDurations(); err != nil {
		return err
	}
	return nil
}

// ParseDurations parses every duration string in the config.
func (cfg FileConfig) ParseDurations() (Durations, error) {
	var d Durations
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"geminiPollInterval", cfg.GeminiPollInterval, &d.GeminiPollInterval},
		{"jwtLeeway", cfg.JWTLeeway, &d.JWTLeeway},
		{"presignExpiry", cfg.PresignExpiry, &d.PresignExpiry},
		{"advisoryTTL", cfg.AdvisoryTTL, &d.AdvisoryTTL},
		{"ledgerWriteTimeout", cfg.LedgerWriteTimeout, &d.LedgerWriteTimeout},
		{"staleUploadAfter", cfg.StaleUploadAfter, &d.StaleUploadAfter},
		{"reconcileInterval", cfg.ReconcileInterval, &d.ReconcileInterval},
		{"limiterSweepInterval", cfg.LimiterSweepInterval, &d.LimiterSweepInterval},
		{"shutdownTimeout", cfg.ShutdownTimeout, &d.ShutdownTimeout},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(f.raw)
		if raw == "" {
			continue
		}
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return d, fmt.Errorf("config: invalid %s duration: %w", f.name, err)
		}
		if dur < 0 {
			return d, fmt.Errorf("config: %s must not be negative", f.name)
		}
		*f.dst = dur
	}
	return d, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
