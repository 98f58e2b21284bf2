package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server  ServerConfig
	Redis   RedisConfig
	Storage StorageConfig
	API     APIConfig
	Guest   GuestConfig
	Events  EventsConfig
	Lessons LessonsConfig
}

// ServerConfig holds the local control API settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	// ControlToken, when set, must be sent as a bearer token on every control API call.
	ControlToken string
	LogLevel     string
}

// RedisConfig holds Redis connection settings. Redis is optional.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// StorageConfig selects the durable key-value store.
type StorageConfig struct {
	Driver    string // "memory" or "redis"
	Namespace string // key prefix inside Redis
}

// APIConfig holds the academy REST API client settings.
type APIConfig struct {
	BaseURL         string
	RequestTimeout  time.Duration
	ValidateTimeout time.Duration
}

// GuestConfig holds guest preview session settings.
type GuestConfig struct {
	DefaultDuration   time.Duration
	WarningThresholds []int // seconds remaining
	GracePeriod       time.Duration
	SignupPath        string
}

// EventsConfig holds event bus buffering and polling settings.
type EventsConfig struct {
	BufferSize   int
	BufferMaxAge time.Duration
	ReplayDelay  time.Duration
	PollInterval time.Duration
}

// LessonsConfig holds lesson store tunables.
type LessonsConfig struct {
	RefreshMinInterval  time.Duration
	AutosaveDelay       time.Duration
	AutosaveMaxAttempts int
	AutosaveBackoff     time.Duration
	CourseCacheSize     int
	VideoThrottle       time.Duration
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8787"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"),
			ControlToken:       getEnv("CONTROL_TOKEN", ""),
			LogLevel:           getEnv("LOG_LEVEL", "info"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			Driver:    getEnv("STORAGE_DRIVER", "memory"),
			Namespace: getEnv("STORAGE_NAMESPACE", "academy:"),
		},
		API: APIConfig{
			BaseURL:         getEnv("API_BASE_URL", "http://localhost:8000/api"),
			RequestTimeout:  getEnvDuration("API_TIMEOUT", 10*time.Second),
			ValidateTimeout: getEnvDuration("API_VALIDATE_TIMEOUT", 5*time.Second),
		},
		Guest: GuestConfig{
			DefaultDuration:   getEnvDuration("GUEST_DEFAULT_DURATION", 600*time.Second),
			WarningThresholds: splitInts(getEnv("GUEST_WARNING_THRESHOLDS", "300,120,60,30")),
			GracePeriod:       getEnvDuration("GUEST_GRACE_PERIOD", 2*time.Second),
			SignupPath:        getEnv("GUEST_SIGNUP_PATH", "/signup"),
		},
		Events: EventsConfig{
			BufferSize:   getEnvInt("EVENTS_BUFFER_SIZE", 10),
			BufferMaxAge: getEnvDuration("EVENTS_BUFFER_MAX_AGE", 30*time.Second),
			ReplayDelay:  getEnvDuration("EVENTS_REPLAY_DELAY", 10*time.Millisecond),
			PollInterval: getEnvDuration("EVENTS_POLL_INTERVAL", 10*time.Second),
		},
		Lessons: LessonsConfig{
			RefreshMinInterval:  getEnvDuration("LESSONS_REFRESH_MIN_INTERVAL", time.Second),
			AutosaveDelay:       getEnvDuration("LESSONS_AUTOSAVE_DELAY", 2*time.Second),
			AutosaveMaxAttempts: getEnvInt("LESSONS_AUTOSAVE_MAX_ATTEMPTS", 3),
			AutosaveBackoff:     getEnvDuration("LESSONS_AUTOSAVE_BACKOFF", time.Second),
			CourseCacheSize:     getEnvInt("LESSONS_COURSE_CACHE_SIZE", 32),
			VideoThrottle:       getEnvDuration("LESSONS_VIDEO_THROTTLE", 5*time.Second),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
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

// getEnvDuration accepts Go durations ("1500ms") or bare seconds ("600").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func splitInts(s string) []int {
	var out []int
	for _, v := range splitTrim(s, ",") {
		if n, err := strconv.Atoi(v); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
