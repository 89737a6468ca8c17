package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Auth      AuthConfig
	Redis     RedisConfig
	Email     EmailConfig
	Captcha   CaptchaConfig
	Transport TransportConfig
	Bootstrap BootstrapConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	TrustedProxies []string
	CookieDomain   string
	CookieSecure   bool

	CORSAllowedOrigins []string
	EdgeRateLimit      int // requests per minute per client IP on /auth
}

type AuthConfig struct {
	JWTSecret            string
	AccessTokenExpiry    time.Duration
	ChallengeTokenExpiry time.Duration
	SessionClockSkew     time.Duration
	StoreTimeout         time.Duration
	CleanupInterval      time.Duration
	AuditRetention       time.Duration
	AuditBufferSize      int

	LockoutThreshold int
	LockoutDuration  time.Duration

	MaxAttemptsPerIP    int
	MaxAttemptsPerEmail int
	RateLimitWindow     time.Duration
	RateLimitFailClosed bool

	TwoFactorMaxAttempts int
	TwoFactorWindow      time.Duration
	TwoFactorFailClosed  bool
	TOTPEncryptionKey    []byte
	TOTPIssuer           string

	TrustedDeviceTTL  time.Duration
	MaxTrustedDevices int
	DeviceTokenKey    []byte

	TimingDelayBaseMs    int
	TimingDelayRandomMs  int
	TimingDelayOnSuccess bool

	Argon2MemoryKB    int
	Argon2Time        int
	Argon2Parallelism int
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type EmailConfig struct {
	Enabled        bool
	AWSRegion      string
	FromAddress    string
	SendsPerSecond float64
}

type CaptchaConfig struct {
	Required  bool
	Secret    string
	VerifyURL string
	Timeout   time.Duration
}

type TransportConfig struct {
	PrivateKeyPEM string
}

// BootstrapConfig seeds the first admin account on startup when set.
type BootstrapConfig struct {
	AdminEmail    string
	AdminPassword string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")
	production := env == "production"

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "sentinel"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES"),
			CookieDomain:   getEnv("COOKIE_DOMAIN", ""),
			CookieSecure:   getEnvAsBool("COOKIE_SECURE", production),

			CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
			EdgeRateLimit:      getEnvAsInt("EDGE_RATE_LIMIT_PER_MINUTE", 60),
		},
		Auth: AuthConfig{
			JWTSecret:            jwtSecret,
			AccessTokenExpiry:    getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			ChallengeTokenExpiry: getEnvAsDuration("CHALLENGE_TOKEN_EXPIRY", 5*time.Minute),
			SessionClockSkew:     getEnvAsDuration("SESSION_CLOCK_SKEW", 250*time.Millisecond),
			StoreTimeout:         getEnvAsDuration("STORE_TIMEOUT", 3*time.Second),
			CleanupInterval:      getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
			AuditRetention:       getEnvAsDuration("AUDIT_RETENTION", 90*24*time.Hour),
			AuditBufferSize:      getEnvAsInt("AUDIT_BUFFER_SIZE", 1024),

			LockoutThreshold: getEnvAsInt("LOCKOUT_THRESHOLD", 5),
			LockoutDuration:  getEnvAsDuration("LOCKOUT_DURATION", 30*time.Minute),

			MaxAttemptsPerIP:    getEnvAsInt("RATE_LIMIT_MAX_PER_IP", 20),
			MaxAttemptsPerEmail: getEnvAsInt("RATE_LIMIT_MAX_PER_EMAIL", 10),
			RateLimitWindow:     getEnvAsDuration("RATE_LIMIT_WINDOW", 15*time.Minute),
			RateLimitFailClosed: getEnvAsBool("RATE_LIMIT_FAIL_CLOSED", false),

			TwoFactorMaxAttempts: getEnvAsInt("TWO_FACTOR_MAX_ATTEMPTS", 5),
			TwoFactorWindow:      getEnvAsDuration("TWO_FACTOR_WINDOW", 5*time.Minute),
			TwoFactorFailClosed:  getEnvAsBool("TWO_FACTOR_FAIL_CLOSED", true),
			TOTPIssuer:           getEnv("TOTP_ISSUER", "Sentinel Admin"),

			TrustedDeviceTTL:  getEnvAsDuration("TRUSTED_DEVICE_TTL", 72*time.Hour),
			MaxTrustedDevices: getEnvAsInt("MAX_TRUSTED_DEVICES", 5),

			TimingDelayBaseMs:    getEnvAsInt("TIMING_DELAY_BASE_MS", 250),
			TimingDelayRandomMs:  getEnvAsInt("TIMING_DELAY_RANDOM_MS", 100),
			TimingDelayOnSuccess: getEnvAsBool("TIMING_DELAY_ON_SUCCESS", false),

			Argon2MemoryKB:    getEnvAsInt("ARGON2_MEMORY_KB", 64*1024),
			Argon2Time:        getEnvAsInt("ARGON2_TIME", 3),
			Argon2Parallelism: getEnvAsInt("ARGON2_PARALLELISM", 2),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "sentinel"),
		},
		Email: EmailConfig{
			Enabled:        getEnvAsBool("EMAIL_ENABLED", production),
			AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
			FromAddress:    getEnv("EMAIL_FROM_ADDRESS", "security@localhost"),
			SendsPerSecond: getEnvAsFloat("EMAIL_SENDS_PER_SECOND", 1),
		},
		Captcha: CaptchaConfig{
			Required:  getEnvAsBool("CAPTCHA_REQUIRED", production),
			Secret:    getEnv("CAPTCHA_SECRET", ""),
			VerifyURL: getEnv("CAPTCHA_VERIFY_URL", "https://challenges.cloudflare.com/turnstile/v0/siteverify"),
			Timeout:   getEnvAsDuration("CAPTCHA_TIMEOUT", 5*time.Second),
		},
		Transport: TransportConfig{
			PrivateKeyPEM: getEnv("TRANSPORT_PRIVATE_KEY", ""),
		},
		Bootstrap: BootstrapConfig{
			AdminEmail:    getEnv("ADMIN_EMAIL", ""),
			AdminPassword: getEnv("ADMIN_PASSWORD", ""),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	var err error
	if cfg.Auth.TOTPEncryptionKey, err = loadKey("TOTP_ENCRYPTION_KEY", production); err != nil {
		return nil, err
	}
	if cfg.Auth.DeviceTokenKey, err = loadKey("DEVICE_TOKEN_KEY", production); err != nil {
		return nil, err
	}

	if err := validateProduction(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

// validateProduction refuses to start a production server whose security
// collaborators are not configured.
func validateProduction(cfg *Config) error {
	if cfg.Server.Env != "production" {
		return nil
	}
	if cfg.Captcha.Required && cfg.Captcha.Secret == "" {
		return fmt.Errorf("CAPTCHA_SECRET is required in production")
	}
	if cfg.Transport.PrivateKeyPEM == "" {
		return fmt.Errorf("TRANSPORT_PRIVATE_KEY is required in production")
	}
	return nil
}

// loadKey decodes a base64 32-byte key. Outside production a missing key is
// replaced by a random one, which does not survive a restart.
func loadKey(name string, required bool) ([]byte, error) {
	raw := getEnv(name, "")
	if raw == "" {
		if required {
			return nil, fmt.Errorf("%s is required in production", name)
		}
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate %s: %w", name, err)
		}
		return key, nil
	}

	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be base64 encoded: %w", name, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must decode to 32 bytes (got %d)", name, len(key))
	}
	return key, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
