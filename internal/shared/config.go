package shared

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	AppEnv      string
	LogLevel    string
	HTTPAddr    string
	MetricsAddr string
	MySQLDSN    string
	RedisAddr   string
	RedisDB     int
	RedisPass   string
	CacheTTL    time.Duration

	// bearer token for /internal routes; empty disables the check
	InternalToken string

	// upstream review platform
	GBPBaseURL         string
	GBPRPS             float64
	GoogleClientID     string
	GoogleClientSecret string
	CredentialSecret   string

	// push webhook verification
	WebhookAudience    string
	WebhookIssuers     []string
	WebhookEmailDomain string
	WebhookJWKSURL     string
	WebhookSkipAuth    bool

	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string
	DashboardURL string

	ImportCap     int
	ImportBatch   int
	ImportWorkers int
	Workers       int // concurrent locations in the backfill CLI
	RetrySchedule string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first; real environment variables win.
func Load() Config {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded .env")
	}

	atoi := func(k string, def int) int {
		if v := os.Getenv(k); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
			log.Warn().Str("key", k).Str("value", v).Msg("invalid integer, using default")
		}
		return def
	}
	c := Config{
		AppEnv:      env("APP_ENV", "prod"),
		LogLevel:    env("LOG_LEVEL", "info"),
		HTTPAddr:    env("HTTP_ADDR", ":8080"),
		MetricsAddr: env("METRICS_ADDR", ":9100"),
		MySQLDSN:    env("MYSQL_DSN", "root:root@tcp(localhost:3306)/replypilot?parseTime=true&charset=utf8mb4,utf8&loc=UTC"),
		RedisAddr:   env("REDIS_ADDR", "localhost:6379"),
		RedisPass:   env("REDIS_PASSWORD", ""),
		RedisDB:     atoi("REDIS_DB", 0),
		CacheTTL:    time.Duration(atoi("CACHE_TTL_SECONDS", 300)) * time.Second,

		InternalToken: env("INTERNAL_API_TOKEN", ""),

		GBPBaseURL:         env("GBP_BASE_URL", "https://mybusiness.googleapis.com/v4"),
		GBPRPS:             atof("GBP_RPS", 5),
		GoogleClientID:     env("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: env("GOOGLE_CLIENT_SECRET", ""),
		CredentialSecret:   env("CREDENTIAL_SECRET", ""),

		WebhookAudience:    env("WEBHOOK_AUDIENCE", ""),
		WebhookIssuers:     list("WEBHOOK_ISSUERS", "https://accounts.google.com,accounts.google.com"),
		WebhookEmailDomain: env("WEBHOOK_EMAIL_DOMAIN", "gserviceaccount.com"),
		WebhookJWKSURL:     env("WEBHOOK_JWKS_URL", "https://www.googleapis.com/oauth2/v3/certs"),
		WebhookSkipAuth:    boolean("WEBHOOK_SKIP_AUTH", false),

		OpenAIKey:     env("OPENAI_API_KEY", ""),
		OpenAIModel:   env("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL: env("OPENAI_BASE_URL", "https://api.openai.com/v1"),

		SMTPHost:     env("SMTP_HOST", ""),
		SMTPPort:     atoi("SMTP_PORT", 587),
		SMTPUsername: env("SMTP_USERNAME", ""),
		SMTPPassword: env("SMTP_PASSWORD", ""),
		MailFrom:     env("MAIL_FROM", ""),
		DashboardURL: env("DASHBOARD_URL", ""),

		ImportCap:     atoi("IMPORT_CAP", 500),
		ImportBatch:   atoi("IMPORT_BATCH", 50),
		ImportWorkers: atoi("IMPORT_WORKERS", 5),
		Workers:       atoi("INGEST_WORKERS", 4),
		RetrySchedule: env("RETRY_SCHEDULE", "@every 30m"),
	}
	if c.CredentialSecret == "" {
		log.Warn().Msg("CREDENTIAL_SECRET is empty")
	}
	if c.OpenAIKey == "" {
		log.Warn().Msg("OPENAI_API_KEY is empty")
	}
	if c.WebhookSkipAuth && c.AppEnv != "dev" && c.AppEnv != "development" {
		log.Warn().Str("env", c.AppEnv).Msg("WEBHOOK_SKIP_AUTH is on outside dev")
	}
	return c
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func atof(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func boolean(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func list(k, def string) []string {
	var out []string
	for _, p := range strings.Split(env(k, def), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
