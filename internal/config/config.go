package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Security  SecurityConfig
	RateLimit RateLimitConfig
	Events    EventsConfig
	Archive   ArchiveConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string   `validate:"required"`
	Port           string   `validate:"required,numeric"`
	AllowedOrigins []string `validate:"dive,url"`
	Version        string
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string `validate:"required"`
	Port     string `validate:"required,numeric"`
	User     string `validate:"required"`
	Password string
	DBName   string `validate:"required"`
	SSLMode  string `validate:"oneof=disable allow prefer require verify-ca verify-full"`
}

// RedisConfig selects the shared state backend. An empty Addr keeps all
// state in process memory.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int    `validate:"gte=0"`
	KeyPrefix string `validate:"required"`
}

// JWTConfig holds bearer token configuration
type JWTConfig struct {
	Secret        string        `validate:"required,min=32"`
	Issuer        string        `validate:"required"`
	TokenTTL      time.Duration `validate:"gte=1s"`
	RememberMeTTL time.Duration `validate:"gtefield=TokenTTL"`
}

// SecurityConfig holds session and throttle settings
type SecurityConfig struct {
	SessionIdleTimeout   time.Duration `validate:"gte=1m"`
	LoginMaxAttempts     int           `validate:"gte=1"`
	LoginBlockDuration   time.Duration `validate:"gte=1s"`
	LoginRecordRetention time.Duration `validate:"gte=0"`
	BcryptCost           int           `validate:"gte=4,lte=31"`
	// GuardViolationWindow and GuardViolationThreshold escalate repeated
	// CSRF/injection violations from one client to critical
	GuardViolationWindow    time.Duration `validate:"gte=1s"`
	GuardViolationThreshold int           `validate:"gte=1"`
}

// Policy is the rate-limit budget of one route
type Policy struct {
	Window      time.Duration `yaml:"window" validate:"gt=0"`
	MaxRequests int           `yaml:"maxRequests" validate:"gt=0"`
}

// RateLimitConfig holds per-route rate-limit policies. Routes are keyed by
// "METHOD pattern" as registered on the router, e.g. "POST /api/v1/auth/login".
type RateLimitConfig struct {
	Default    Policy            `yaml:"default"`
	Routes     map[string]Policy `yaml:"routes" validate:"dive"`
	KeyCeiling int               `yaml:"keyCeiling" validate:"gte=0"`
	PolicyFile string            `yaml:"-"`
}

// PolicyFor returns the policy for a route key, falling back to the default
func (c *RateLimitConfig) PolicyFor(routeKey string) Policy {
	if p, ok := c.Routes[routeKey]; ok {
		return p
	}
	return c.Default
}

// EventsConfig holds security event log and sink settings
type EventsConfig struct {
	MaxEvents       int    `validate:"gte=1"`
	QueueSize       int    `validate:"gte=1"`
	Sink            string `validate:"oneof=log redis"`
	RedisChannel    string
	AlertWebhookURL string `validate:"omitempty,url"`
	AlertsPerMinute int    `validate:"gte=1"`
	SweepSchedule   string `validate:"required"`
	ArchiveSchedule string `validate:"required"`
}

// ArchiveConfig holds S3/MinIO settings for event archiving
type ArchiveConfig struct {
	Enabled         bool
	Endpoint        string `validate:"required_if=Enabled true"`
	Region          string
	Bucket          string `validate:"required_if=Enabled true"`
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Prefix          string
}

// Load reads configuration from environment variables and, when
// RATE_LIMIT_POLICY_FILE is set, the route policy file. The result is
// validated.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("SERVER_PORT", "8080"),
			AllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			Version:        getEnv("APP_VERSION", "dev"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "tangibly"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getIntEnv("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "tangibly"),
		},
		JWT: JWTConfig{
			Secret:        getEnv("JWT_SECRET", ""),
			Issuer:        getEnv("JWT_ISSUER", "tangibly"),
			TokenTTL:      getDurationEnv("JWT_TOKEN_TTL", 7*24*time.Hour),
			RememberMeTTL: getDurationEnv("JWT_REMEMBER_ME_TTL", 30*24*time.Hour),
		},
		Security: SecurityConfig{
			SessionIdleTimeout:      getDurationEnv("SESSION_IDLE_TIMEOUT", 24*time.Hour),
			LoginMaxAttempts:        getIntEnv("LOGIN_MAX_ATTEMPTS", 5),
			LoginBlockDuration:      getDurationEnv("LOGIN_BLOCK_DURATION", 30*time.Minute),
			LoginRecordRetention:    getDurationEnv("LOGIN_RECORD_RETENTION", 0),
			BcryptCost:              getIntEnv("BCRYPT_COST", 12),
			GuardViolationWindow:    getDurationEnv("GUARD_VIOLATION_WINDOW", 10*time.Minute),
			GuardViolationThreshold: getIntEnv("GUARD_VIOLATION_THRESHOLD", 3),
		},
		RateLimit: RateLimitConfig{
			Default: Policy{
				Window:      getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
				MaxRequests: getIntEnv("RATE_LIMIT_MAX_REQUESTS", 60),
			},
			KeyCeiling: getIntEnv("RATE_LIMIT_KEY_CEILING", 10000),
			PolicyFile: getEnv("RATE_LIMIT_POLICY_FILE", ""),
		},
		Events: EventsConfig{
			MaxEvents:       getIntEnv("SECURITY_EVENTS_MAX", 10000),
			QueueSize:       getIntEnv("SECURITY_EVENTS_QUEUE", 1024),
			Sink:            getEnv("SECURITY_EVENTS_SINK", "log"),
			RedisChannel:    getEnv("SECURITY_EVENTS_CHANNEL", "tangibly:security-events"),
			AlertWebhookURL: getEnv("ALERT_WEBHOOK_URL", ""),
			AlertsPerMinute: getIntEnv("ALERTS_PER_MINUTE", 30),
			SweepSchedule:   getEnv("SWEEP_SCHEDULE", "@every 5m"),
			ArchiveSchedule: getEnv("ARCHIVE_SCHEDULE", "@hourly"),
		},
		Archive: ArchiveConfig{
			Enabled:         getBoolEnv("ARCHIVE_ENABLED", false),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Bucket:          getEnv("S3_BUCKET", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			UseSSL:          getBoolEnv("S3_USE_SSL", false),
			Prefix:          getEnv("ARCHIVE_PREFIX", "security-events"),
		},
	}

	if cfg.RateLimit.PolicyFile != "" {
		if err := cfg.RateLimit.loadPolicyFile(cfg.RateLimit.PolicyFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadPolicyFile merges route policies from a YAML file:
//
//	default: {window: 1m, maxRequests: 60}
//	routes:
//	  "POST /api/v1/auth/login": {window: 15m, maxRequests: 10}
func (c *RateLimitConfig) loadPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rate limit policy file: %w", err)
	}

	var file RateLimitConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse rate limit policy file: %w", err)
	}

	if file.Default.Window > 0 || file.Default.MaxRequests > 0 {
		c.Default = file.Default
	}
	if file.KeyCeiling > 0 {
		c.KeyCeiling = file.KeyCeiling
	}
	if c.Routes == nil {
		c.Routes = make(map[string]Policy, len(file.Routes))
	}
	for route, p := range file.Routes {
		c.Routes[route] = p
	}
	return nil
}

// Validate checks the configuration with struct tags
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// URL returns the PostgreSQL connection URL used by migrations
func (d *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv parses a Go duration ("90s", "24h"); a bare number is minutes
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
