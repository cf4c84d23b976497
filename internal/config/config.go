package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full application configuration.
type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Session   SessionConfig
	CORS      CORSConfig
	Auth      AuthConfig
	Redis     RedisConfig
}

// ServerConfig HTTP server settings
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// WebSocketConfig WebSocket transport settings
type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	WriteTimeout    time.Duration
}

// SessionConfig canvas session tuning knobs
type SessionConfig struct {
	// HeartbeatInterval is the interval clients are expected to heartbeat at.
	// A participant silent for 3x this interval is expired.
	HeartbeatInterval time.Duration
	// IdleTimeout is how long a Draining session waits with zero participants
	// before the coordinator closes and releases its state.
	IdleTimeout time.Duration
	// FreshnessWindow bounds what "recently active" means when listing sessions.
	FreshnessWindow time.Duration
	// LogRetention is the max stroke events kept in the per-session ring buffer.
	LogRetention int
	// OutboundQueueSize is the per-connection send queue; presence frames are
	// dropped once the queue passes PresenceDropMark, stroke frames never are.
	OutboundQueueSize int
	PresenceDropMark  int
	// StrokeRatePerSec / StrokeBurst bound per-user stroke submission.
	StrokeRatePerSec int
	StrokeBurst      int
	// DirectoryTimeout bounds every call against the backing store.
	DirectoryTimeout time.Duration
}

// CORSConfig CORS settings
type CORSConfig struct {
	AllowOrigins string
	AllowHeaders string
}

// AuthConfig identity boundary settings. When JWTSecret is empty the server
// trusts the opaque userId/name query parameters handed over by the upstream
// identity subsystem.
type AuthConfig struct {
	JWTSecret    string
	SecureCookie bool
}

// RedisConfig Redis settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load reads configuration from environment variables.
func Load() *Config {
	// .env file is optional
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8080"),
			ReadTimeout:  getDuration("READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDuration("IDLE_TIMEOUT", 120*time.Second),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getInt("WS_READ_BUFFER_SIZE", 4096),
			WriteBufferSize: getInt("WS_WRITE_BUFFER_SIZE", 4096),
			WriteTimeout:    getDuration("WS_WRITE_TIMEOUT", 5*time.Second),
		},
		Session: SessionConfig{
			HeartbeatInterval: getDuration("SESSION_HEARTBEAT_INTERVAL", 10*time.Second),
			IdleTimeout:       getDuration("SESSION_IDLE_TIMEOUT", 5*time.Minute),
			FreshnessWindow:   getDuration("SESSION_FRESHNESS_WINDOW", 30*time.Minute),
			LogRetention:      getInt("STROKE_LOG_RETENTION", 1000),
			OutboundQueueSize: getInt("WS_OUTBOUND_QUEUE_SIZE", 256),
			PresenceDropMark:  getInt("WS_PRESENCE_DROP_MARK", 192),
			StrokeRatePerSec:  getInt("STROKE_RATE_PER_SEC", 60),
			StrokeBurst:       getInt("STROKE_BURST", 120),
			DirectoryTimeout:  getDuration("DIRECTORY_TIMEOUT", 3*time.Second),
		},
		CORS: CORSConfig{
			AllowOrigins: getEnv("CORS_ALLOW_ORIGINS", "*"),
			AllowHeaders: getEnv("CORS_ALLOW_HEADERS", "Origin, Content-Type, Accept, Authorization"),
		},
		Auth: AuthConfig{
			JWTSecret:    getEnv("JWT_SECRET", ""),
			SecureCookie: getBool("SECURE_COOKIE", false),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
	}
}

// getEnv reads a string env var with a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt reads an integer env var
func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getBool reads a boolean env var
func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

// getDuration reads a duration env var; bare numbers are taken as seconds
func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if !strings.ContainsAny(value, "smh") {
			if secs, err := strconv.Atoi(value); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
