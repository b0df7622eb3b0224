// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings such as
// server timeouts, logging, persistence, the broadcast backbone, WebSocket
// session tuning, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported persistence drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Supported broadcast backbones.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendRedis  = "redis"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-market-chat")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// BroadcastConfig selects and configures the fan-out backbone shared by
// every connection session.
type BroadcastConfig struct {
	Backend       string // memory|nats|redis
	NATSURL       string // NATS_URL
	RedisURL      string // REDIS_URL
	SubjectPrefix string // BROADCAST_SUBJECT_PREFIX, e.g. "chat.room"
}

// WSConfig tunes live WebSocket sessions.
type WSConfig struct {
	SendBuffer      int           // outbound events queued per session
	PingInterval    time.Duration // keepalive ping period
	PongWait        time.Duration // read deadline extended on each pong
	WriteTimeout    time.Duration // per-frame write deadline
	MaxMessageBytes int64         // inbound frame cap
	MsgRPS          float64       // inbound chat messages per second per session
	MsgBurst        int           // inbound burst per session
	AllowedOrigins  []string      // empty allows any origin
}

// ChatConfig holds message-level rules.
type ChatConfig struct {
	MessageMaxRunes   int  // MESSAGE_MAX_RUNES
	SanitizeHTML      bool // SANITIZE_HTML
	RoomMessagesLimit int  // ROOM_MESSAGES_LIMIT (messages embedded in a room representation)
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Persistence
	DBDriver    string // sqlite|postgres
	DBPath      string // SQLite path
	DatabaseDSN string // Postgres DSN

	// Rate limiting (HTTP)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Identity
	JWTSecret string // optional HS256 secret; empty trusts X-User-ID

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Realtime
	Broadcast BroadcastConfig
	WS        WSConfig
	Chat      ChatConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Persistence
		DBDriver:    strings.ToLower(getenv("DB_DRIVER", DriverSQLite)),
		DBPath:      getenv("DB_PATH", "app.db"),
		DatabaseDSN: getenv("DATABASE_DSN", ""),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Identity
		JWTSecret: getenv("AUTH_JWT_SECRET", ""),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Realtime
		Broadcast: BroadcastConfig{
			Backend:       strings.ToLower(getenv("BROADCAST_BACKEND", BackendMemory)),
			NATSURL:       getenv("NATS_URL", ""),
			RedisURL:      getenv("REDIS_URL", ""),
			SubjectPrefix: getenv("BROADCAST_SUBJECT_PREFIX", "chat.room"),
		},
		WS: WSConfig{
			SendBuffer:      getint("WS_SEND_BUFFER", 64),
			PingInterval:    getdur("WS_PING_INTERVAL", 30*time.Second),
			PongWait:        getdur("WS_PONG_WAIT", 60*time.Second),
			WriteTimeout:    getdur("WS_WRITE_TIMEOUT", 10*time.Second),
			MaxMessageBytes: int64(getint("WS_MAX_MESSAGE_BYTES", 64<<10)),
			MsgRPS:          getfloat("WS_MSG_RPS", 5.0),
			MsgBurst:        getint("WS_MSG_BURST", 10),
			AllowedOrigins:  splitCSV(getenv("WS_ALLOWED_ORIGINS", "")),
		},
		Chat: ChatConfig{
			MessageMaxRunes:   getint("MESSAGE_MAX_RUNES", 2000),
			SanitizeHTML:      getbool("SANITIZE_HTML", true),
			RoomMessagesLimit: getint("ROOM_MESSAGES_LIMIT", 50),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-market-chat"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DBDriver == "postgresql" || cfg.DBDriver == "pg" {
		cfg.DBDriver = DriverPostgres
	}
	cfg.Broadcast.SubjectPrefix = strings.Trim(strings.TrimSpace(cfg.Broadcast.SubjectPrefix), ".:")

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DBDriver {
	case DriverSQLite:
		if strings.TrimSpace(cfg.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case DriverPostgres:
		if strings.TrimSpace(cfg.DatabaseDSN) == "" {
			return cfg, errors.New("DATABASE_DSN is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	switch cfg.Broadcast.Backend {
	case BackendMemory:
	case BackendNATS:
		if cfg.Broadcast.NATSURL == "" {
			return cfg, errors.New("NATS_URL is required when BROADCAST_BACKEND=nats")
		}
	case BackendRedis:
		if cfg.Broadcast.RedisURL == "" {
			return cfg, errors.New("REDIS_URL is required when BROADCAST_BACKEND=redis")
		}
	default:
		return cfg, errors.New("BROADCAST_BACKEND must be one of: memory, nats, redis")
	}
	if cfg.Broadcast.SubjectPrefix == "" {
		return cfg, errors.New("BROADCAST_SUBJECT_PREFIX must not be empty")
	}
	if cfg.WS.SendBuffer < 1 {
		return cfg, errors.New("WS_SEND_BUFFER must be >= 1")
	}
	if cfg.WS.PingInterval <= 0 || cfg.WS.PongWait <= 0 || cfg.WS.WriteTimeout <= 0 {
		return cfg, errors.New("WS_* timings must be positive durations")
	}
	if cfg.WS.PingInterval >= cfg.WS.PongWait {
		return cfg, errors.New("WS_PING_INTERVAL must be shorter than WS_PONG_WAIT")
	}
	if cfg.WS.MaxMessageBytes <= 0 {
		return cfg, errors.New("WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WS.MsgRPS < 0 || cfg.WS.MsgBurst < 1 {
		return cfg, errors.New("WS_MSG_RPS must be >= 0 and WS_MSG_BURST >= 1")
	}
	if cfg.Chat.MessageMaxRunes < 1 {
		return cfg, errors.New("MESSAGE_MAX_RUNES must be >= 1")
	}
	if cfg.Chat.RoomMessagesLimit < 0 {
		return cfg, errors.New("ROOM_MESSAGES_LIMIT must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
