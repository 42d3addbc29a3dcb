package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration values for the application
type Config struct {
	Port string
	// MetricsAddr is the listen address of the Prometheus endpoint, kept off
	// the public port
	MetricsAddr    string
	AllowedOrigins []string
	LogLevel       string
	Environment    string
	DatabaseURL    string
	RedisURL       string

	SupabaseURL       string
	SupabaseAnonKey   string
	SupabaseJWTSecret string
	// SiteURL is where password recovery links land
	SiteURL string
	// ProviderTimeout bounds every identity provider call
	ProviderTimeout time.Duration

	SessionCookieName   string
	SessionCookieSecure bool

	AuthRateLimitPerMinute int

	// PortalURL and StateDir are used by portalctl
	PortalURL string
	StateDir  string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	supabaseURL := strings.TrimRight(getEnv("SUPABASE_URL", ""), "/")
	environment := getEnv("ENVIRONMENT", "production")

	return &Config{
		Port:                   getEnv("PORT", "8080"),
		MetricsAddr:            getEnv("METRICS_ADDR", "127.0.0.1:9090"),
		AllowedOrigins:         parseOrigins(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		Environment:            environment,
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		RedisURL:               getEnv("REDIS_URL", ""),
		SupabaseURL:            supabaseURL,
		SupabaseAnonKey:        getEnv("SUPABASE_ANON_KEY", ""),
		SupabaseJWTSecret:      getEnv("SUPABASE_JWT_SECRET", ""),
		SiteURL:                strings.TrimRight(getEnv("SITE_URL", "http://localhost:8080"), "/"),
		ProviderTimeout:        getDurationEnv("PROVIDER_TIMEOUT", 5*time.Second),
		SessionCookieName:      getEnv("SESSION_COOKIE_NAME", DefaultCookieName(supabaseURL)),
		SessionCookieSecure:    getBoolEnv("SESSION_COOKIE_SECURE", environment == "production"),
		AuthRateLimitPerMinute: getIntEnv("AUTH_RATE_LIMIT_PER_MINUTE", 10),
		PortalURL:              strings.TrimRight(getEnv("PORTAL_URL", "http://localhost:8080"), "/"),
		StateDir:               getEnv("PORTALCTL_STATE_DIR", defaultStateDir()),
	}, nil
}

// DefaultCookieName follows the Supabase SSR convention sb-<project-ref>-auth-token
func DefaultCookieName(supabaseURL string) string {
	ref := "local"
	if u, err := url.Parse(supabaseURL); err == nil && u.Hostname() != "" {
		ref = strings.SplitN(u.Hostname(), ".", 2)[0]
	}
	return "sb-" + ref + "-auth-token"
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + string(os.PathSeparator) + "portalctl"
	}
	return ".portalctl"
}

// getEnv gets an environment variable with a fallback value
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// parseOrigins parses comma-separated origins into a slice
func parseOrigins(origins string) []string {
	if origins == "" {
		return []string{}
	}

	parts := strings.Split(origins, ",")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// getBoolEnv gets a boolean environment variable with a fallback value
func getBoolEnv(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
