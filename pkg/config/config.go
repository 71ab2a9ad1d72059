package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/platinummonkey/chatquota/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Asaas         AsaasConfig
	Verification  VerificationConfig
	Security      SecurityConfig
	Archive       ArchiveConfig
	Settings      SettingsConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// RedisConfig holds Redis settings. Redis is optional; an empty URL disables
// distributed webhook deduplication and checkout rate limiting.
type RedisConfig struct {
	URL          string
	Password     string
	DB           int
	PoolSize     int
	DedupTTL     time.Duration
	CheckoutRate int
}

// AsaasConfig holds billing provider settings
type AsaasConfig struct {
	APIKey       string
	BaseURL      string
	WebhookToken string
	SiteURL      string
	Timeout      time.Duration
}

// VerificationConfig holds email verification settings
type VerificationConfig struct {
	TokenLifetime time.Duration
	BaseURL       string
	CleanupSpec   string
}

// SecurityConfig holds credentials for internal callers
type SecurityConfig struct {
	ChatAPIKey string
}

// ArchiveConfig holds the optional S3 archive for raw webhook payloads
type ArchiveConfig struct {
	Bucket       string
	Region       string
	Endpoint     string
	UsePathStyle bool
	AccessKey    string
	SecretKey    string
}

// SettingsConfig locates the optional YAML seed file for runtime settings
type SettingsConfig struct {
	SeedFile    string
	Watch       bool
	RefreshSpec string // cron schedule reloading all sources; empty disables it
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables and validates
// everything the server needs. Values from a .env file in the working
// directory are applied first without overriding variables already present
// in the environment.
func LoadConfig() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Load reads the configuration without validating it. Maintenance commands
// use it together with ValidateDatabase.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	return &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Asaas:         loadAsaasConfig(),
		Verification:  loadVerificationConfig(),
		Security:      SecurityConfig{ChatAPIKey: getEnv("CHATQUOTA_CHAT_API_KEY", "")},
		Archive:       loadArchiveConfig(),
		Settings:      loadSettingsConfig(),
		Observability: loadObservabilityConfig(),
	}, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("CHATQUOTA_HOST", "0.0.0.0"),
		Port:            getEnv("CHATQUOTA_PORT", "8080"),
		ReadTimeout:     getEnvDuration("CHATQUOTA_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("CHATQUOTA_WRITE_TIMEOUT", 45*time.Second),
		IdleTimeout:     getEnvDuration("CHATQUOTA_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("CHATQUOTA_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("CHATQUOTA_POSTGRES_URL", ""),
		MaxOpenConns:    getEnvInt("CHATQUOTA_POSTGRES_MAX_CONNS", 20),
		MaxIdleConns:    getEnvInt("CHATQUOTA_POSTGRES_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("CHATQUOTA_POSTGRES_CONN_MAX_LIFETIME", 30*time.Minute),
		ConnectTimeout:  getEnvDuration("CHATQUOTA_POSTGRES_TIMEOUT", 10*time.Second),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:          getEnv("CHATQUOTA_REDIS_URL", ""),
		Password:     getEnv("CHATQUOTA_REDIS_PASSWORD", ""),
		DB:           getEnvInt("CHATQUOTA_REDIS_DB", 0),
		PoolSize:     getEnvInt("CHATQUOTA_REDIS_POOL_SIZE", 10),
		DedupTTL:     getEnvDuration("CHATQUOTA_WEBHOOK_DEDUP_TTL", 72*time.Hour),
		CheckoutRate: getEnvInt("CHATQUOTA_CHECKOUT_RATE_PER_MINUTE", 10),
	}
}

func loadAsaasConfig() AsaasConfig {
	return AsaasConfig{
		APIKey:       getEnv("CHATQUOTA_ASAAS_API_KEY", ""),
		BaseURL:      getEnv("CHATQUOTA_ASAAS_BASE_URL", "https://www.asaas.com/api/v3"),
		WebhookToken: getEnv("CHATQUOTA_ASAAS_WEBHOOK_TOKEN", ""),
		SiteURL:      strings.TrimRight(getEnv("CHATQUOTA_SITE_URL", "https://multibpo.com.br"), "/"),
		Timeout:      getEnvDuration("CHATQUOTA_ASAAS_TIMEOUT", 30*time.Second),
	}
}

func loadVerificationConfig() VerificationConfig {
	return VerificationConfig{
		TokenLifetime: getEnvDuration("CHATQUOTA_VERIFICATION_TOKEN_LIFETIME", time.Hour),
		BaseURL:       strings.TrimRight(getEnv("CHATQUOTA_VERIFICATION_URL", "https://multibpo.com.br/verificar-email"), "/"),
		CleanupSpec:   getEnv("CHATQUOTA_VERIFICATION_CLEANUP_SCHEDULE", "@hourly"),
	}
}

func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Bucket:       getEnv("CHATQUOTA_ARCHIVE_S3_BUCKET", ""),
		Region:       getEnv("CHATQUOTA_ARCHIVE_S3_REGION", "us-east-1"),
		Endpoint:     getEnv("CHATQUOTA_ARCHIVE_S3_ENDPOINT", ""),
		UsePathStyle: getEnvBool("CHATQUOTA_ARCHIVE_S3_USE_PATH_STYLE", false),
		AccessKey:    getEnv("CHATQUOTA_ARCHIVE_S3_ACCESS_KEY", ""),
		SecretKey:    getEnv("CHATQUOTA_ARCHIVE_S3_SECRET_KEY", ""),
	}
}

func loadSettingsConfig() SettingsConfig {
	return SettingsConfig{
		SeedFile:    getEnv("CHATQUOTA_SETTINGS_FILE", ""),
		Watch:       getEnvBool("CHATQUOTA_SETTINGS_WATCH", true),
		RefreshSpec: getEnv("CHATQUOTA_SETTINGS_REFRESH", "@every 1m"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("CHATQUOTA_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("CHATQUOTA_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("CHATQUOTA_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("CHATQUOTA_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("CHATQUOTA_OTEL_SERVICE_NAME", "chatquota"),
		OTelServiceVersion: getEnv("CHATQUOTA_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("CHATQUOTA_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if err := c.ValidateDatabase(); err != nil {
		return err
	}
	if c.Asaas.APIKey == "" {
		return fmt.Errorf("asaas API key is required")
	}
	if c.Asaas.WebhookToken == "" {
		return fmt.Errorf("asaas webhook token is required")
	}
	if _, err := url.ParseRequestURI(c.Asaas.BaseURL); err != nil {
		return fmt.Errorf("invalid asaas base URL: %w", err)
	}
	if c.Asaas.Timeout <= 0 {
		return fmt.Errorf("asaas timeout must be positive")
	}
	if c.Security.ChatAPIKey == "" {
		return fmt.Errorf("chat API key is required")
	}
	if c.Verification.TokenLifetime <= 0 {
		return fmt.Errorf("verification token lifetime must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// ValidateDatabase checks the settings needed to reach PostgreSQL
func (c *Config) ValidateDatabase() error {
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	return nil
}

// OTel converts the observability section into the tracer setup config
func (c *Config) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.Observability.OTelEnabled,
		Endpoint:       c.Observability.OTelEndpoint,
		ServiceName:    c.Observability.OTelServiceName,
		ServiceVersion: c.Observability.OTelServiceVersion,
		Insecure:       c.Observability.OTelInsecure,
	}
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
