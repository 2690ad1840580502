// Package config provides centralized configuration for the cookiepool server.
// All configurable values are loaded from environment variables with sensible defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server configuration values.
type Config struct {
	// Port is the HTTP server listen port.
	Port string

	// DBPath is the path to the SQLite database file.
	DBPath string

	// LogLevel is the zerolog level name.
	LogLevel string

	// LogFormat is "console" or "json".
	LogFormat string

	// CORSOrigin is the allowed CORS origin. Defaults to "*".
	CORSOrigin string

	// Proxies is a comma separated list of proxy URLs.
	Proxies []string

	// ProxyFile is a file with one proxy URL per line, merged with Proxies.
	ProxyFile string

	// ProxyFailureTTL is how long a failed proxy stays out of rotation.
	ProxyFailureTTL time.Duration

	// TargetsFile is the YAML target catalogue.
	TargetsFile string

	// Browser selects the capability: "colly", "rod" or "stub".
	Browser string

	// RequestTimeout bounds one HTTP request made by the colly capability.
	RequestTimeout time.Duration

	// RodBin is an optional Chrome binary for the rod capability.
	RodBin string

	// RodSettle is how long a page may keep setting cookies after load.
	RodSettle time.Duration

	// Headful shows the browser window when using rod.
	Headful bool

	// MinSize and MaxSize bound the active pool.
	MinSize int
	MaxSize int

	// MaxConcurrent caps simultaneous sessions.
	MaxConcurrent int

	// TickInterval is the mean spawn tick; TickJitter spreads it.
	TickInterval time.Duration
	TickJitter   time.Duration

	// CleanupInterval is how often eviction and stuck-attempt resets run.
	CleanupInterval time.Duration

	// ExpiryPolicy is "earliest" or "refresh_floor".
	ExpiryPolicy string

	// DefaultTTL applies to cookie sets that carry no expiry.
	DefaultTTL time.Duration

	// MinRefresh is the floor of the refresh_floor expiry policy.
	MinRefresh time.Duration

	// ReuseWindow keeps a served artifact out of anti-reuse selections.
	ReuseWindow time.Duration

	// SessionTimeout bounds one open-visit-validate cycle.
	SessionTimeout time.Duration

	// SessionRetries is the attempt budget per session.
	SessionRetries int

	// RefreshInterval is the steady-state refresh cadence after a success.
	RefreshInterval time.Duration

	// BackoffBase and BackoffMax shape per-target failure backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// StuckAfter is when an in-progress attempt is considered abandoned.
	StuckAfter time.Duration

	// AttemptRetention is how long finished attempts are kept.
	AttemptRetention time.Duration

	// AutoStart starts the scheduler together with the server.
	AutoStart bool
}

// Load reads configuration from environment variables, applying defaults.
func Load() Config {
	return Config{
		Port:             envOr("PORT", "8080"),
		DBPath:           envOr("DB_PATH", "cookiepool.db"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "console"),
		CORSOrigin:       envOr("CORS_ORIGIN", "*"),
		Proxies:          envList("PROXIES"),
		ProxyFile:        os.Getenv("PROXY_FILE"),
		ProxyFailureTTL:  envDuration("PROXY_FAILURE_TTL", 10*time.Minute),
		TargetsFile:      envOr("TARGETS_FILE", "targets.yaml"),
		Browser:          envOr("BROWSER", "colly"),
		RequestTimeout:   envDuration("REQUEST_TIMEOUT", 30*time.Second),
		RodBin:           os.Getenv("ROD_BIN"),
		RodSettle:        envDuration("ROD_SETTLE", 5*time.Second),
		Headful:          envBool("HEADFUL", false),
		MinSize:          envInt("POOL_MIN_SIZE", 5),
		MaxSize:          envInt("POOL_MAX_SIZE", 50),
		MaxConcurrent:    envInt("POOL_MAX_CONCURRENT", 3),
		TickInterval:     envDuration("TICK_INTERVAL", 2*time.Second),
		TickJitter:       envDuration("TICK_JITTER", 1500*time.Millisecond),
		CleanupInterval:  envDuration("CLEANUP_INTERVAL", 5*time.Minute),
		ExpiryPolicy:     envOr("EXPIRY_POLICY", "earliest"),
		DefaultTTL:       envDuration("DEFAULT_TTL", 24*time.Hour),
		MinRefresh:       envDuration("MIN_REFRESH", 30*time.Minute),
		ReuseWindow:      envDuration("REUSE_WINDOW", 5*time.Minute),
		SessionTimeout:   envDuration("SESSION_TIMEOUT", 2*time.Minute),
		SessionRetries:   envInt("SESSION_RETRIES", 3),
		RefreshInterval:  envDuration("REFRESH_INTERVAL", 30*time.Minute),
		BackoffBase:      envDuration("BACKOFF_BASE", 5*time.Minute),
		BackoffMax:       envDuration("BACKOFF_MAX", time.Hour),
		StuckAfter:       envDuration("STUCK_AFTER", 30*time.Minute),
		AttemptRetention: envDuration("ATTEMPT_RETENTION", 7*24*time.Hour),
		AutoStart:        envBool("AUTO_START", true),
	}
}

// LoadEnvFiles loads .env.local then .env from the working directory.
// Variables already set in the environment win.
func LoadEnvFiles() {
	loadEnvFile(".env.local")
	loadEnvFile(".env")
}

func loadEnvFile(path string) {
	// Missing files are fine.
	_ = godotenv.Load(path)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
