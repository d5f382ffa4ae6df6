package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/portal-sync/internal/pkg/validate"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	AppPort   string
	AppEnv    string
	LogLevel  string
	LogPretty bool

	APIBaseURL         string        `validate:"required,url"`
	APIToken           string        `validate:"required"`
	APITimeout         time.Duration `validate:"gt=0"`
	APIRetryMaxElapsed time.Duration
	APIRateLimit       float64 `validate:"gt=0"`
	APIRateBurst       int     `validate:"gt=0"`
	BreakerMaxFailures uint32  `validate:"gt=0"`
	BreakerTimeout     time.Duration

	Transport      string `validate:"oneof=websocket redis"`
	WSURL          string `validate:"required_if=Transport websocket"`
	WSPingInterval time.Duration
	WSPongWait     time.Duration
	WSWriteWait    time.Duration
	WSReconnectMax time.Duration
	RedisAddr      string `validate:"required_if=Transport redis"`
	RedisPassword  string
	RedisDB        int
	RedisPrefix    string

	Topics Topics

	UserID           string // overrides the subject of APIToken when set
	JWTPublicKeyPath string // empty: token claims are read without verification

	AWSRegion      string
	AWSEndpointURL string // empty in prod, set to LocalStack URL in dev
	AWSAccessKeyID string
	AWSSecretKey   string
	S3BucketName   string
	SNSTopicARN    string // empty disables relaying new notifications

	AllowedOrigins []string // CORS allowed origins of the local API
	LocalRateLimit float64  `validate:"gt=0"`
	LocalRateBurst int      `validate:"gt=0"`

	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustProxy bool
}

// Topics holds the push topic name templates. "%s" is replaced with the
// user or room id; the resulting names are passed to the transport verbatim.
type Topics struct {
	Notifications string `validate:"required,contains=%s"`
	Room          string `validate:"required,contains=%s"`
}

// Load reads all configuration from environment variables.
func Load() *Config {
	return &Config{
		AppPort:   getEnv("APP_PORT", "4100"),
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvBool("LOG_PRETTY", false),

		APIBaseURL:         getEnv("API_BASE_URL", "http://localhost:8000/api"),
		APIToken:           getEnv("API_TOKEN", ""),
		APITimeout:         getEnvDuration("API_TIMEOUT", 15*time.Second),
		APIRetryMaxElapsed: getEnvDuration("API_RETRY_MAX_ELAPSED", 10*time.Second),
		APIRateLimit:       getEnvFloat("API_RATE_LIMIT", 10),
		APIRateBurst:       getEnvInt("API_RATE_BURST", 20),
		BreakerMaxFailures: uint32(getEnvInt("API_BREAKER_MAX_FAILURES", 5)),
		BreakerTimeout:     getEnvDuration("API_BREAKER_TIMEOUT", 30*time.Second),

		Transport:      getEnv("PUSH_TRANSPORT", "websocket"),
		WSURL:          getEnv("WS_URL", ""),
		WSPingInterval: getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
		WSPongWait:     getEnvDuration("WS_PONG_WAIT", 60*time.Second),
		WSWriteWait:    getEnvDuration("WS_WRITE_WAIT", 10*time.Second),
		WSReconnectMax: getEnvDuration("WS_RECONNECT_MAX", 30*time.Second),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		RedisPrefix:    getEnv("REDIS_PREFIX", ""),

		Topics: Topics{
			Notifications: getEnv("TOPIC_NOTIFICATIONS", "private-notifications.%s"),
			Room:          getEnv("TOPIC_CHAT_ROOM", "presence-chat.room.%s"),
		},

		UserID:           getEnv("USER_ID", ""),
		JWTPublicKeyPath: getEnv("JWT_PUBLIC_KEY_PATH", ""),

		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointURL: getEnv("AWS_ENDPOINT_URL", ""),
		AWSAccessKeyID: getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		S3BucketName:   getEnv("S3_BUCKET_NAME", ""),
		SNSTopicARN:    getEnv("SNS_TOPIC_ARN", ""),

		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:3000"), ","),
		LocalRateLimit: getEnvFloat("LOCAL_RATE_LIMIT", 20),
		LocalRateBurst: getEnvInt("LOCAL_RATE_BURST", 40),
		TrustProxy:     getEnvBool("TRUST_PROXY", false),
	}
}

// Validate checks required settings and their cross-field constraints.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
