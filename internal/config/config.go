package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

type Config struct {
	Environment string `yaml:"environment"`
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`

	JWTSecret   string        `yaml:"jwt_secret"`
	JWTIssuer   string        `yaml:"jwt_issuer"`
	JWTAudience string        `yaml:"jwt_audience"`
	JWTExpiry   time.Duration `yaml:"jwt_expiry"`

	// AdminEmail, when set, creates this admin at startup if no active admin exists.
	AdminEmail    string `yaml:"admin_email"`
	AdminName     string `yaml:"admin_name"`
	AdminPassword string `yaml:"admin_password"`

	// StoreDriver selects "postgres" or "memory".
	StoreDriver   string `yaml:"store_driver"`
	DBURL         string `yaml:"database_url"`
	MigrationsDir string `yaml:"migrations_dir"`

	// Empty RedisURL disables the checklist cache.
	RedisURL string        `yaml:"redis_url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// Empty MinioEndpoint keeps evidence in memory.
	MinioEndpoint  string `yaml:"minio_endpoint"`
	MinioAccessKey string `yaml:"minio_access_key"`
	MinioSecretKey string `yaml:"minio_secret_key"`
	MinioBucket    string `yaml:"minio_bucket"`
	MinioUseSSL    bool   `yaml:"minio_use_ssl"`

	// Empty SMTPHost logs notifications instead of sending them.
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUsername string `yaml:"smtp_username"`
	SMTPPassword string `yaml:"smtp_password"`
	SMTPFrom     string `yaml:"smtp_from"`
	SMTPFromName string `yaml:"smtp_from_name"`

	NotifyQueueSize   int           `yaml:"notify_queue_size"`
	NotifyMaxAttempts int           `yaml:"notify_max_attempts"`
	NotifyBackoff     time.Duration `yaml:"notify_backoff"`

	ImportMapping string `yaml:"import_mapping"`
	EnableMetrics bool   `yaml:"enable_metrics"`
	EnableSwagger bool   `yaml:"enable_swagger"`

	fileErr error
}

func defaults() *Config {
	return &Config{
		Environment:       "development",
		Port:              "8080",
		LogLevel:          "info",
		LogFormat:         "json",
		JWTSecret:         defaultJWTSecret,
		JWTIssuer:         "equipment-loan-api",
		JWTAudience:       "equipment-loan-api",
		JWTExpiry:         24 * time.Hour,
		AdminName:         "Administrator",
		StoreDriver:       "memory",
		MigrationsDir:     "db/migrations",
		CacheTTL:          30 * time.Second,
		MinioBucket:       "inspection-evidence",
		SMTPPort:          587,
		SMTPFromName:      "Equipment Loans",
		NotifyQueueSize:   256,
		NotifyMaxAttempts: 3,
		NotifyBackoff:     time.Second,
		EnableMetrics:     true,
		EnableSwagger:     true,
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE, and environment variables, in increasing precedence.
func Load() *Config {
	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		cfg.fileErr = cfg.overlayFile(path)
	}
	cfg.overlayEnv()
	return cfg
}

// LoadAndValidate loads the configuration and rejects unusable settings
func LoadAndValidate() (*Config, error) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() {
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.Port = getEnv("PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.JWTIssuer = getEnv("JWT_ISS", c.JWTIssuer)
	c.JWTAudience = getEnv("JWT_AUD", c.JWTAudience)
	c.JWTExpiry = getDuration("JWT_EXPIRY", c.JWTExpiry)

	c.AdminEmail = getEnv("ADMIN_EMAIL", c.AdminEmail)
	c.AdminName = getEnv("ADMIN_NAME", c.AdminName)
	c.AdminPassword = getEnv("ADMIN_PASSWORD", c.AdminPassword)

	c.DBURL = getEnv("DATABASE_URL", c.DBURL)
	if c.DBURL != "" && os.Getenv("STORE_DRIVER") == "" && c.StoreDriver == "memory" {
		c.StoreDriver = "postgres"
	}
	c.StoreDriver = getEnv("STORE_DRIVER", c.StoreDriver)
	c.MigrationsDir = getEnv("MIGRATIONS_DIR", c.MigrationsDir)

	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.CacheTTL = getDuration("CACHE_TTL", c.CacheTTL)

	c.MinioEndpoint = getEnv("MINIO_ENDPOINT", c.MinioEndpoint)
	c.MinioAccessKey = getEnv("MINIO_ACCESS_KEY", c.MinioAccessKey)
	c.MinioSecretKey = getEnv("MINIO_SECRET_KEY", c.MinioSecretKey)
	c.MinioBucket = getEnv("MINIO_BUCKET", c.MinioBucket)
	c.MinioUseSSL = getBool("MINIO_USE_SSL", c.MinioUseSSL)

	c.SMTPHost = getEnv("SMTP_HOST", c.SMTPHost)
	c.SMTPPort = getInt("SMTP_PORT", c.SMTPPort)
	c.SMTPUsername = getEnv("SMTP_USERNAME", c.SMTPUsername)
	c.SMTPPassword = getEnv("SMTP_PASSWORD", c.SMTPPassword)
	c.SMTPFrom = getEnv("SMTP_FROM", c.SMTPFrom)
	c.SMTPFromName = getEnv("SMTP_FROM_NAME", c.SMTPFromName)

	c.NotifyQueueSize = getInt("NOTIFY_QUEUE_SIZE", c.NotifyQueueSize)
	c.NotifyMaxAttempts = getInt("NOTIFY_MAX_ATTEMPTS", c.NotifyMaxAttempts)
	c.NotifyBackoff = getDuration("NOTIFY_BACKOFF", c.NotifyBackoff)

	c.ImportMapping = getEnv("IMPORT_MAPPING", c.ImportMapping)
	c.EnableMetrics = getBool("ENABLE_METRICS", c.EnableMetrics)
	c.EnableSwagger = getBool("ENABLE_SWAGGER", c.EnableSwagger)
}

// IsProduction reports whether ENVIRONMENT is production
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Validate checks that the configuration can start the service
func (c *Config) Validate() error {
	if c.fileErr != nil {
		return c.fileErr
	}
	if err := c.validateJWT(); err != nil {
		return err
	}

	switch c.StoreDriver {
	case "memory":
	case "postgres":
		if c.DBURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (want postgres or memory)", c.StoreDriver)
	}

	if c.AdminEmail != "" && len(c.AdminPassword) < 8 {
		return errors.New("ADMIN_PASSWORD of at least 8 characters is required with ADMIN_EMAIL")
	}

	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("unknown LOG_FORMAT %q (want json or console)", c.LogFormat)
	}
	if c.CacheTTL < 0 {
		return errors.New("CACHE_TTL must not be negative")
	}
	if c.MinioEndpoint != "" && (c.MinioAccessKey == "" || c.MinioSecretKey == "" || c.MinioBucket == "") {
		return errors.New("MINIO_ACCESS_KEY, MINIO_SECRET_KEY and MINIO_BUCKET are required with MINIO_ENDPOINT")
	}
	if c.SMTPHost != "" {
		if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
			return fmt.Errorf("SMTP_PORT %d out of range", c.SMTPPort)
		}
		if c.SMTPFrom == "" && c.SMTPUsername == "" {
			return errors.New("SMTP_FROM or SMTP_USERNAME is required with SMTP_HOST")
		}
	}
	if c.NotifyQueueSize < 1 {
		return errors.New("NOTIFY_QUEUE_SIZE must be at least 1")
	}
	if c.NotifyMaxAttempts < 1 {
		return errors.New("NOTIFY_MAX_ATTEMPTS must be at least 1")
	}
	if c.NotifyBackoff <= 0 {
		return errors.New("NOTIFY_BACKOFF must be positive")
	}
	return nil
}

func (c *Config) validateJWT() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return errors.New("JWT_SECRET must be at least 32 characters")
	}
	if c.IsProduction() && c.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be changed in production")
	}
	if c.JWTIssuer == "" {
		return errors.New("JWT_ISS is required")
	}
	if c.JWTAudience == "" {
		return errors.New("JWT_AUD is required")
	}
	if c.JWTExpiry < time.Minute {
		return errors.New("JWT_EXPIRY must be at least 1 minute")
	}
	if c.JWTExpiry > 30*24*time.Hour {
		return errors.New("JWT_EXPIRY must not exceed 30 days")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
