package config

import (
	"os"
	"reflect"
	"strings"
	"testing"
	"time"
)

// --- MustLoad ---

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose") // invalid -> Load() error
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

// --- Load success + normalization + parsing ---

func TestLoad_Success_DefaultsAndOverrides(t *testing.T) {
	// Server timeouts / sizes (valid)
	t.Setenv("PORT", "8088")
	t.Setenv("READ_TIMEOUT", "2s")
	t.Setenv("READ_HEADER_TIMEOUT", "1s")
	t.Setenv("WRITE_TIMEOUT", "3s")
	t.Setenv("IDLE_TIMEOUT", "4s")
	t.Setenv("MAX_HEADER_BYTES", "8192")
	t.Setenv("GIN_MODE", "weird") // will normalize to "release"

	// Logging / Docs
	t.Setenv("LOG_LEVEL", "warning") // will normalize to "warn"
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("SWAGGER_ENABLED", "on")
	t.Setenv("API_BASE_PATH", "api/v1/") // no leading slash + trailing slash -> "/api/v1"

	// Persistence
	t.Setenv("DB_DRIVER", "PostgreSQL")
	t.Setenv("DATABASE_DSN", "host=db user=chat dbname=chat")

	// Rate limiting (use invalids for parse to fall back to defaults)
	t.Setenv("RATE_RPS", "x")      // -> default 5.0
	t.Setenv("RATE_BURST", "nope") // -> default 10

	// Identity
	t.Setenv("AUTH_JWT_SECRET", "s3cret")

	// Web protection
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")
	t.Setenv("ENABLE_HSTS", "TRUE")
	t.Setenv("HSTS_MAX_AGE", "24h")

	// Realtime
	t.Setenv("BROADCAST_BACKEND", "NATS")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("BROADCAST_SUBJECT_PREFIX", ".market.chat.")
	t.Setenv("WS_SEND_BUFFER", "16")
	t.Setenv("WS_PING_INTERVAL", "5s")
	t.Setenv("WS_PONG_WAIT", "12s")
	t.Setenv("WS_MSG_BURST", "3")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://shop.example")
	t.Setenv("MESSAGE_MAX_RUNES", "280")
	t.Setenv("SANITIZE_HTML", "off")
	t.Setenv("ROOM_MESSAGES_LIMIT", "10")

	// OTEL
	t.Setenv("OTEL_ENABLED", "1")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "0")
	t.Setenv("OTEL_SERVICE_NAME", "svc")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// Server
	if cfg.Port != "8088" ||
		cfg.ReadTimeout != 2*time.Second ||
		cfg.ReadHeaderTimeout != 1*time.Second ||
		cfg.WriteTimeout != 3*time.Second ||
		cfg.IdleTimeout != 4*time.Second ||
		cfg.MaxHeaderBytes != 8192 ||
		cfg.GinMode != "release" {
		t.Fatalf("server fields unexpected: %+v", cfg)
	}

	// Logging / Docs
	if cfg.LogLevel != "warn" || !cfg.LogPretty || !cfg.SwaggerEnabled || cfg.APIBasePath != "/api/v1" {
		t.Fatalf("logging/docs unexpected: %+v", cfg)
	}

	// Persistence (driver alias normalized)
	if cfg.DBDriver != DriverPostgres || cfg.DatabaseDSN == "" {
		t.Fatalf("persistence unexpected: driver=%q dsn=%q", cfg.DBDriver, cfg.DatabaseDSN)
	}

	// Rate limiting (parse fallback to defaults)
	if cfg.RateRPS != 5.0 || cfg.RateBurst != 10 {
		t.Fatalf("rate limiting unexpected: %+v", cfg)
	}

	if cfg.JWTSecret != "s3cret" {
		t.Fatalf("jwt secret unexpected: %q", cfg.JWTSecret)
	}

	// Web protection
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}) {
		t.Fatalf("cors origins unexpected: %#v", cfg.CORS.AllowedOrigins)
	}
	if !cfg.Security.EnableHSTS || cfg.Security.HSTSMaxAge != 24*time.Hour {
		t.Fatalf("security unexpected: %+v", cfg.Security)
	}

	// Realtime
	if cfg.Broadcast.Backend != BackendNATS || cfg.Broadcast.NATSURL != "nats://nats:4222" {
		t.Fatalf("broadcast unexpected: %+v", cfg.Broadcast)
	}
	if cfg.Broadcast.SubjectPrefix != "market.chat" {
		t.Fatalf("subject prefix should be trimmed, got %q", cfg.Broadcast.SubjectPrefix)
	}
	if cfg.WS.SendBuffer != 16 || cfg.WS.PingInterval != 5*time.Second || cfg.WS.PongWait != 12*time.Second || cfg.WS.MsgBurst != 3 {
		t.Fatalf("ws unexpected: %+v", cfg.WS)
	}
	if !reflect.DeepEqual(cfg.WS.AllowedOrigins, []string{"https://shop.example"}) {
		t.Fatalf("ws origins unexpected: %#v", cfg.WS.AllowedOrigins)
	}
	if cfg.Chat.MessageMaxRunes != 280 || cfg.Chat.SanitizeHTML || cfg.Chat.RoomMessagesLimit != 10 {
		t.Fatalf("chat unexpected: %+v", cfg.Chat)
	}

	// OTEL
	if !cfg.OTEL.Enabled || cfg.OTEL.Endpoint != "otel:4317" || cfg.OTEL.Insecure || cfg.OTEL.ServiceName != "svc" || cfg.OTEL.SampleRatio != 0.75 {
		t.Fatalf("otel unexpected: %+v", cfg.OTEL)
	}
}

// --- Load validations (each case triggers exactly one validation error) ---

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"invalid LOG_LEVEL", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"empty PORT via spaces", map[string]string{"PORT": "   "}, "PORT must not be empty"},
		{"non-positive timeouts", map[string]string{"READ_TIMEOUT": "0s"}, "timeouts must be positive"},
		{"max header bytes <= 0", map[string]string{"MAX_HEADER_BYTES": "0"}, "MAX_HEADER_BYTES"},
		{"empty DB_PATH", map[string]string{"DB_PATH": "   "}, "DB_PATH must not be empty"},
		{"unknown DB_DRIVER", map[string]string{"DB_DRIVER": "mysql"}, "DB_DRIVER"},
		{"postgres without DSN", map[string]string{"DB_DRIVER": "postgres"}, "DATABASE_DSN"},
		{"rate rps negative", map[string]string{"RATE_RPS": "-1"}, "RATE_RPS"},
		{"rate burst < 1", map[string]string{"RATE_BURST": "0"}, "RATE_BURST"},
		{"hsts max age negative", map[string]string{"HSTS_MAX_AGE": "-1s"}, "HSTS_MAX_AGE"},
		{"unknown backend", map[string]string{"BROADCAST_BACKEND": "kafka"}, "BROADCAST_BACKEND"},
		{"nats without url", map[string]string{"BROADCAST_BACKEND": "nats"}, "NATS_URL"},
		{"redis without url", map[string]string{"BROADCAST_BACKEND": "redis"}, "REDIS_URL"},
		{"empty subject prefix", map[string]string{"BROADCAST_SUBJECT_PREFIX": ".."}, "BROADCAST_SUBJECT_PREFIX"},
		{"send buffer < 1", map[string]string{"WS_SEND_BUFFER": "0"}, "WS_SEND_BUFFER"},
		{"ping not shorter than pong", map[string]string{"WS_PING_INTERVAL": "90s"}, "WS_PING_INTERVAL"},
		{"non-positive ws write timeout", map[string]string{"WS_WRITE_TIMEOUT": "0s"}, "WS_* timings"},
		{"max message bytes", map[string]string{"WS_MAX_MESSAGE_BYTES": "0"}, "WS_MAX_MESSAGE_BYTES"},
		{"msg burst", map[string]string{"WS_MSG_BURST": "0"}, "WS_MSG_BURST"},
		{"message max runes", map[string]string{"MESSAGE_MAX_RUNES": "0"}, "MESSAGE_MAX_RUNES"},
		{"room messages limit", map[string]string{"ROOM_MESSAGES_LIMIT": "-1"}, "ROOM_MESSAGES_LIMIT"},
		{"otel sample ratio out of range", map[string]string{"OTEL_TRACES_SAMPLER_ARG": "1.5"}, "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil || !containsErr(err, tc.want) {
				t.Fatalf("expected error containing %q, got: %v", tc.want, err)
			}
		})
	}
}

// --- helpers ---

func TestHelpers_getenv(t *testing.T) {
	t.Setenv("X_EMPTY", "")
	if getenv("X_EMPTY", "d") != "d" {
		t.Fatalf("getenv should fall back to default on empty var")
	}
	t.Setenv("X_SET", "val")
	if getenv("X_SET", "d") != "val" {
		t.Fatalf("getenv should read set value")
	}
}

func TestHelpers_getfloat_getint_getdur(t *testing.T) {
	t.Setenv("F_VALID", "3.14")
	if getfloat("F_VALID", 0) != 3.14 {
		t.Fatalf("getfloat parse failed")
	}
	t.Setenv("F_BAD", "nope")
	if getfloat("F_BAD", 1.23) != 1.23 {
		t.Fatalf("getfloat default on bad parse failed")
	}

	t.Setenv("I_VALID", "42")
	if getint("I_VALID", 0) != 42 {
		t.Fatalf("getint parse failed")
	}
	t.Setenv("I_BAD", "x")
	if getint("I_BAD", 7) != 7 {
		t.Fatalf("getint default on bad parse failed")
	}

	t.Setenv("D_VALID", "150ms")
	if getdur("D_VALID", time.Second) != 150*time.Millisecond {
		t.Fatalf("getdur parse failed")
	}
	t.Setenv("D_BAD", "zzz")
	if getdur("D_BAD", 2*time.Second) != 2*time.Second {
		t.Fatalf("getdur default on bad parse failed")
	}
}

func TestHelpers_getbool(t *testing.T) {
	trueVals := []string{"1", "true", "TRUE", " yes ", "Y", "on", "On"}
	for i, v := range trueVals {
		k := "B_T_" + keySuffix(i)
		t.Setenv(k, v)
		if !getbool(k, false) {
			t.Fatalf("getbool(%q) = false; want true", v)
		}
	}
	falseVals := []string{"0", "false", "FALSE", " no ", "N", "off", "Off"}
	for i, v := range falseVals {
		k := "B_F_" + keySuffix(i)
		t.Setenv(k, v)
		if getbool(k, true) {
			t.Fatalf("getbool(%q) = true; want false", v)
		}
	}
	// default on unset/empty
	t.Setenv("B_EMPTY", "")
	if !getbool("B_EMPTY", true) || getbool("B_EMPTY", false) {
		t.Fatalf("getbool default behavior unexpected")
	}
}

func TestHelpers_splitCSV_and_normalizeBasePath(t *testing.T) {
	if out := splitCSV(""); out != nil {
		t.Fatalf("splitCSV empty should return nil")
	}
	in := " a, ,b ,  c  ,"
	want := []string{"a", "b", "c"}
	if got := splitCSV(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("splitCSV mismatch: got %#v want %#v", got, want)
	}

	if normalizeBasePath("") != "/" {
		t.Fatalf("normalizeBasePath empty -> '/' failed")
	}
	if normalizeBasePath("v1") != "/v1" {
		t.Fatalf("normalizeBasePath missing leading slash failed")
	}
	if normalizeBasePath("/v1/") != "/v1" {
		t.Fatalf("normalizeBasePath trailing slash trim failed")
	}
	if normalizeBasePath(" / ") != "/" {
		t.Fatalf("normalizeBasePath whitespace failed")
	}
}

func keySuffix(i int) string { return string('a' + rune(i)) }

func TestMain(m *testing.M) {
	os.Unsetenv("PORT")
	os.Unsetenv("BROADCAST_BACKEND")
	os.Unsetenv("DB_DRIVER")
	os.Exit(m.Run())
}

// containsErr reports whether err's message contains the given substring.
func containsErr(err error, want string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), want)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.APIBasePath != "/api/v1" {
		t.Fatalf("API_BASE_PATH default expected '/api/v1', got %q", cfg.APIBasePath)
	}
	if cfg.DBDriver != DriverSQLite || cfg.Broadcast.Backend != BackendMemory {
		t.Fatalf("unexpected default driver/backend: %q/%q", cfg.DBDriver, cfg.Broadcast.Backend)
	}
	if cfg.Broadcast.SubjectPrefix != "chat.room" {
		t.Fatalf("unexpected default subject prefix %q", cfg.Broadcast.SubjectPrefix)
	}
	if !cfg.Chat.SanitizeHTML || cfg.Chat.MessageMaxRunes != 2000 || cfg.Chat.RoomMessagesLimit != 50 {
		t.Fatalf("unexpected chat defaults: %+v", cfg.Chat)
	}
	if cfg.WS.PingInterval >= cfg.WS.PongWait {
		t.Fatalf("default ping interval must be below pong wait: %+v", cfg.WS)
	}
}

func TestMustLoad_Success_NoPanic(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("MustLoad should not panic on valid defaults, got: %v", r)
		}
	}()
	cfg := MustLoad()
	if cfg.APIBasePath == "" {
		t.Fatalf("unexpected empty config from MustLoad")
	}
}
