package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	GitHub   GitHubConfig
	Secrets  SecretsConfig
	Sync     SyncConfig
	Webhook  WebhookConfig
	Admin    AdminConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	RunWorker          bool   // run the job worker inside the server process
	WorkerMetricsPort  string // standalone worker serves /metrics and /health here
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/tiersync?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32 // 0 keeps the pgx default
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// GitHubConfig holds the platform API and OAuth app settings.
// The owner token, org and team mapping are admin settings stored in the database.
type GitHubConfig struct {
	APIBaseURL   string
	UserAgent    string
	TimeoutSec   int
	RetryDelayMS int
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	LinkedURL    string // where the browser lands after the OAuth callback
	ErrorURL     string // where the browser lands when linking fails
}

// SecretsConfig holds the key material for sealing stored tokens.
type SecretsConfig struct {
	Key string
}

// SyncConfig holds reconciliation timings and limits.
type SyncConfig struct {
	ChunkSize        int
	FollowupDelaySec int
	OrgTeamsTTLSec   int
	UserTeamsTTLSec  int
	MaxAcceptRetries int
	WorkerPollSec    int
}

// WebhookConfig holds the shared secret for tier-change webhooks. Empty disables the check.
type WebhookConfig struct {
	Secret string
}

// AdminConfig seeds the bootstrap operator account. Blank skips seeding.
type AdminConfig struct {
	Email    string
	Password string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Timeout returns the per-request timeout for platform API calls.
func (c GitHubConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// RetryDelay returns the pause before the single 5xx retry.
func (c GitHubConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// FollowupDelay returns the delay before a follow-up reconciliation pass.
func (c SyncConfig) FollowupDelay() time.Duration {
	return time.Duration(c.FollowupDelaySec) * time.Second
}

// OrgTeamsTTL returns how long the org team list stays cached.
func (c SyncConfig) OrgTeamsTTL() time.Duration {
	return time.Duration(c.OrgTeamsTTLSec) * time.Second
}

// UserTeamsTTL returns how long per-subscriber team snapshots stay cached.
func (c SyncConfig) UserTeamsTTL() time.Duration {
	return time.Duration(c.UserTeamsTTLSec) * time.Second
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
			RunWorker:          getEnv("RUN_WORKER", "true") == "true",
			WorkerMetricsPort:  getEnv("WORKER_METRICS_PORT", "9091"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "tiersync"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 0)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		GitHub: GitHubConfig{
			APIBaseURL:   getEnv("GITHUB_API_BASE_URL", "https://api.github.com"),
			UserAgent:    getEnv("GITHUB_USER_AGENT", "TierSync-GitHub/1.0"),
			TimeoutSec:   getEnvInt("GITHUB_TIMEOUT_SEC", 15),
			RetryDelayMS: getEnvInt("GITHUB_RETRY_DELAY_MS", 1000),
			ClientID:     getEnv("GITHUB_CLIENT_ID", ""),
			ClientSecret: getEnv("GITHUB_CLIENT_SECRET", ""),
			RedirectURL:  getEnv("GITHUB_REDIRECT_URL", "http://localhost:8080/oauth/github/callback"),
			Scopes:       splitTrim(getEnv("GITHUB_SCOPES", "read:org,write:org,user:email"), ","),
			LinkedURL:    getEnv("GITHUB_LINKED_URL", "http://localhost:3000/account"),
			ErrorURL:     getEnv("GITHUB_ERROR_URL", "http://localhost:3000/github-linked-error"),
		},
		Secrets: SecretsConfig{
			Key: getEnv("SECRETS_KEY", "change-me-in-production"),
		},
		Sync: SyncConfig{
			ChunkSize:        getEnvInt("SYNC_CHUNK_SIZE", 50),
			FollowupDelaySec: getEnvInt("SYNC_FOLLOWUP_DELAY_SEC", 60),
			OrgTeamsTTLSec:   getEnvInt("SYNC_ORG_TEAMS_TTL_SEC", 600),
			UserTeamsTTLSec:  getEnvInt("SYNC_USER_TEAMS_TTL_SEC", 300),
			MaxAcceptRetries: getEnvInt("SYNC_MAX_ACCEPT_RETRIES", 3),
			WorkerPollSec:    getEnvInt("WORKER_POLL_SEC", 1),
		},
		Webhook: WebhookConfig{
			Secret: getEnv("WEBHOOK_SECRET", ""),
		},
		Admin: AdminConfig{
			Email:    getEnv("ADMIN_EMAIL", ""),
			Password: getEnv("ADMIN_PASSWORD", ""),
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

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
