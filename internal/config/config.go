package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ListenAddr string
	BaseURL    string
	Timezone   string

	DB struct {
		DSN string
	}

	Session struct {
		Secret string
	}

	Google struct {
		ClientID     string
		ClientSecret string
		RedirectPath string
	}

	FinTrack struct {
		URL       string
		Token     string
		AccountID string
	}

	// DefaultHourlyRate is applied to lessons pulled from the calendar for
	// students that have no rate configured.
	DefaultHourlyRate float64

	// MaxLessonHours rejects implausibly long events during sync.
	MaxLessonHours float64

	RegistrationOpen  bool
	PrometheusEnabled bool
	TrustedProxies    []string
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = getenvDefault("APP_BASE_URL", "http://localhost:8080")
	cfg.Timezone = getenvDefault("APP_TIMEZONE", "UTC")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.Session.Secret = os.Getenv("APP_SESSION_SECRET")

	cfg.Google.ClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.Google.RedirectPath = getenvDefault("GOOGLE_REDIRECT_PATH", "/calendar/callback")

	cfg.FinTrack.URL = strings.TrimRight(os.Getenv("FINTRACK_URL"), "/")
	cfg.FinTrack.Token = os.Getenv("FINTRACK_TOKEN")
	cfg.FinTrack.AccountID = os.Getenv("FINTRACK_ACCOUNT_ID")

	cfg.DefaultHourlyRate = getenvFloat("APP_DEFAULT_HOURLY_RATE", 0)
	cfg.MaxLessonHours = getenvFloat("APP_MAX_LESSON_HOURS", 8)
	cfg.RegistrationOpen = getenvBool("APP_REGISTRATION_OPEN", false)
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.Session.Secret == "" {
		return nil, errors.New("APP_SESSION_SECRET is required")
	}
	if len(cfg.Session.Secret) < 32 {
		return nil, fmt.Errorf("APP_SESSION_SECRET must be at least 32 characters long (got %d)", len(cfg.Session.Secret))
	}
	if cfg.MaxLessonHours <= 0 {
		return nil, fmt.Errorf("APP_MAX_LESSON_HOURS must be positive (got %v)", cfg.MaxLessonHours)
	}

	if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
		fmt.Println("WARNING: GOOGLE_CLIENT_ID/GOOGLE_CLIENT_SECRET not set. Calendar sync is disabled.")
	}
	if len(cfg.TrustedProxies) == 0 {
		fmt.Println("WARNING: No APP_TRUSTED_PROXIES configured. TutorTrack will trust all proxies - Not recommended for public environments.")
	}

	return cfg, nil
}

// CalendarEnabled reports whether the Google Calendar integration is configured.
func (c *Config) CalendarEnabled() bool {
	return c.Google.ClientID != "" && c.Google.ClientSecret != ""
}

// FinTrackEnabled reports whether the expense-tracker export is configured.
func (c *Config) FinTrackEnabled() bool {
	return c.FinTrack.URL != "" && c.FinTrack.Token != "" && c.FinTrack.AccountID != ""
}

// GoogleRedirectURL is the absolute OAuth callback URL.
func (c *Config) GoogleRedirectURL() string {
	return strings.TrimRight(c.BaseURL, "/") + c.Google.RedirectPath
}

// WebhookURL is the absolute URL Google pushes calendar notifications to.
func (c *Config) WebhookURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/google/webhook"
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
