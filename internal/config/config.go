// Package config loads runtime configuration from the environment. A .env
// file in the working directory is read first when present; real
// environment variables always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverMongo  = "mongo"
	DriverMySQL  = "mysql"
	DriverMemory = "memory"
)

// Config holds all runtime settings for the chat server.
type Config struct {
	HTTPPort string
	GRPCPort string

	StoreDriver string
	MongoURI    string
	MongoDB     string
	MySQLDSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyCacheTTL   time.Duration

	RabbitMQURL string
	NotifyQueue string

	JWTSecret    string
	JWTKeys      map[string]string
	JWTActiveKid string
	TokenTTL     time.Duration

	RateLimitRPM      int
	WSMessagesPerSec  int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	MaxCiphertext     int
	DrainBatchSize    int
	StoreRetries      int
	StoreRetryBackoff time.Duration
	AllowedOrigins    []string

	TLSCert    string
	TLSKey     string
	RequireTLS bool

	LogLevel  string
	LogFormat string
}

// Load reads .env (if any) and the environment. It returns an error instead
// of exiting so callers decide how to fail.
func Load() (Config, error) {
	_ = godotenv.Load()

	interval := envDur("HEARTBEAT_INTERVAL", 30*time.Second)
	cfg := Config{
		HTTPPort: getenv("HTTP_PORT", "8080"),
		GRPCPort: getenv("GRPC_PORT", "50051"),

		StoreDriver: strings.ToLower(getenv("STORE_DRIVER", DriverMongo)),
		MongoURI:    os.Getenv("MONGODB_URI"),
		MongoDB:     getenv("MONGODB_DB", "chat_db"),
		MySQLDSN:    os.Getenv("MYSQL_DSN"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		KeyCacheTTL:   envDur("KEY_CACHE_TTL", 10*time.Minute),

		RabbitMQURL: os.Getenv("RABBITMQ_URL"),
		NotifyQueue: getenv("NOTIFY_QUEUE", "message.queued"),

		JWTSecret:    os.Getenv("JWT_SECRET"),
		JWTActiveKid: os.Getenv("JWT_ACTIVE_KID"),
		TokenTTL:     envDur("TOKEN_TTL", 24*time.Hour),

		RateLimitRPM:      envInt("RATE_LIMIT_RPM", 10),
		WSMessagesPerSec:  envInt("WS_MESSAGES_PER_SEC", 20),
		HeartbeatInterval: interval,
		HeartbeatTimeout:  envDur("HEARTBEAT_TIMEOUT", 2*interval),
		WriteTimeout:      envDur("WRITE_TIMEOUT", 10*time.Second),
		MaxCiphertext:     envInt("MAX_CIPHERTEXT_BYTES", 64*1024),
		DrainBatchSize:    envInt("DRAIN_BATCH_SIZE", 100),
		StoreRetries:      envInt("STORE_RETRY_ATTEMPTS", 3),
		StoreRetryBackoff: envDur("STORE_RETRY_BACKOFF", 100*time.Millisecond),
		AllowedOrigins:    splitList(os.Getenv("WS_ALLOWED_ORIGINS")),

		TLSCert:    os.Getenv("TLS_CERT"),
		TLSKey:     os.Getenv("TLS_KEY"),
		RequireTLS: envBool("REQUIRE_TLS", false),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "text"),
	}

	keys, err := parseKeys(os.Getenv("JWT_KEYS"))
	if err != nil {
		return Config{}, err
	}
	cfg.JWTKeys = keys

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	if len(c.JWTKeys) == 0 && c.JWTSecret == "" {
		return fmt.Errorf("either JWT_SECRET or JWT_KEYS must be set")
	}
	if len(c.JWTKeys) > 0 && c.JWTActiveKid != "" {
		if _, ok := c.JWTKeys[c.JWTActiveKid]; !ok {
			return fmt.Errorf("JWT_ACTIVE_KID %q not present in JWT_KEYS", c.JWTActiveKid)
		}
	}
	switch c.StoreDriver {
	case DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGODB_URI must be set when STORE_DRIVER=mongo")
		}
	case DriverMySQL:
		if c.MySQLDSN == "" {
			return fmt.Errorf("MYSQL_DSN must be set when STORE_DRIVER=mysql")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.RequireTLS && (c.TLSCert == "" || c.TLSKey == "") {
		return fmt.Errorf("REQUIRE_TLS is true but TLS_CERT/TLS_KEY are not configured")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout < c.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT must be at least HEARTBEAT_INTERVAL")
	}
	if c.MaxCiphertext <= 0 || c.DrainBatchSize <= 0 {
		return fmt.Errorf("MAX_CIPHERTEXT_BYTES and DRAIN_BATCH_SIZE must be positive")
	}
	if c.StoreRetries < 1 {
		return fmt.Errorf("STORE_RETRY_ATTEMPTS must be at least 1")
	}
	return nil
}

// parseKeys parses JWT_KEYS in the form kid:secret,kid2:secret2.
func parseKeys(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	keys := map[string]string{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid JWT_KEYS entry: %s", p)
		}
		keys[parts[0]] = parts[1]
	}
	return keys, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}
