package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends
const (
	StorageMemory   = "memory"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

// Config holds application configuration
type Config struct {
	Port                 int
	Environment          string
	LinkSecret           string
	MainBaseURL          string
	AuthBaseURL          string
	Storage              string
	Telegram             TelegramConfig
	Redis                RedisConfig
	Database             DatabaseConfig
	LinkCodeTTL          time.Duration
	RelayTimeout         time.Duration
	RefreshTimeout       time.Duration
	DefaultAccessTTL     time.Duration
	ReaperSchedule       string
	ConfirmRatePerMinute int
	CORSOrigins          []string
}

// TelegramConfig holds Bot API settings
type TelegramConfig struct {
	BotToken    string
	APIURL      string
	PollTimeout time.Duration
}

// RedisConfig holds the Redis store settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 4000)
	v.SetDefault("environment", "development")
	v.SetDefault("link_secret", "change-me")
	v.SetDefault("main_base_url", "http://localhost:8080")
	v.SetDefault("auth_base_url", "http://localhost:8081")
	v.SetDefault("storage", StorageMemory)

	v.SetDefault("telegram_bot_token", "")
	v.SetDefault("telegram_api_url", "https://api.telegram.org")
	v.SetDefault("telegram_poll_timeout", 30*time.Second)

	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_prefix", "linkrelay")

	v.SetDefault("database_dsn", "")
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", "5432")
	v.SetDefault("postgres_user", "linkrelay")
	v.SetDefault("postgres_password", "secret")
	v.SetDefault("postgres_db", "linkrelay")
	v.SetDefault("postgres_sslmode", "disable")
	v.SetDefault("db_max_open_conns", 25)
	v.SetDefault("db_max_idle_conns", 5)

	v.SetDefault("link_code_ttl", 5*time.Minute)
	v.SetDefault("relay_timeout", 5*time.Second)
	v.SetDefault("refresh_timeout", 10*time.Second)
	v.SetDefault("default_access_ttl", time.Hour)
	v.SetDefault("reaper_schedule", "@every 10m")
	v.SetDefault("confirm_rate_per_minute", 10)
	v.SetDefault("app_url", "")
}

// Load reads configuration from the environment and, when configFile is set,
// from that file. Environment variables win over the file.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	env := strings.ToLower(v.GetString("environment"))

	cfg := &Config{
		Port:        v.GetInt("port"),
		Environment: env,
		LinkSecret:  v.GetString("link_secret"),
		MainBaseURL: strings.TrimRight(v.GetString("main_base_url"), "/"),
		AuthBaseURL: strings.TrimRight(v.GetString("auth_base_url"), "/"),
		Storage:     strings.ToLower(v.GetString("storage")),
		Telegram: TelegramConfig{
			BotToken:    v.GetString("telegram_bot_token"),
			APIURL:      strings.TrimRight(v.GetString("telegram_api_url"), "/"),
			PollTimeout: v.GetDuration("telegram_poll_timeout"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis_addr"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
			Prefix:   v.GetString("redis_prefix"),
		},
		Database: DatabaseConfig{
			DSN:          v.GetString("database_dsn"),
			MaxOpenConns: v.GetInt("db_max_open_conns"),
			MaxIdleConns: v.GetInt("db_max_idle_conns"),
		},
		LinkCodeTTL:          v.GetDuration("link_code_ttl"),
		RelayTimeout:         v.GetDuration("relay_timeout"),
		RefreshTimeout:       v.GetDuration("refresh_timeout"),
		DefaultAccessTTL:     v.GetDuration("default_access_ttl"),
		ReaperSchedule:       v.GetString("reaper_schedule"),
		ConfirmRatePerMinute: v.GetInt("confirm_rate_per_minute"),
		CORSOrigins:          loadCORSOrigins(v.GetString("app_url")),
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = buildPostgresDSN(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func buildPostgresDSN(v *viper.Viper) string {
	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(v.GetString("postgres_user"), v.GetString("postgres_password")),
		Host:   fmt.Sprintf("%s:%s", v.GetString("postgres_host"), v.GetString("postgres_port")),
		Path:   v.GetString("postgres_db"),
	}

	query := u.Query()
	query.Set("sslmode", v.GetString("postgres_sslmode"))
	u.RawQuery = query.Encode()

	return u.String()
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.LinkSecret == "" {
		return fmt.Errorf("LINK_SECRET must not be empty")
	}

	if c.IsProduction() && !isBcryptHash(c.LinkSecret) {
		insecureSecrets := []string{
			"change-me",
			"changeme",
			"secret",
			"password",
		}
		for _, insecure := range insecureSecrets {
			if c.LinkSecret == insecure {
				return fmt.Errorf("LINK_SECRET is set to an insecure default value. Please set a strong random secret")
			}
		}
		if len(c.LinkSecret) < 16 {
			return fmt.Errorf("LINK_SECRET must be at least 16 characters in production")
		}
	}

	switch c.Storage {
	case StorageMemory, StorageRedis, StoragePostgres:
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.Storage)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	for name, raw := range map[string]string{
		"MAIN_BASE_URL":    c.MainBaseURL,
		"AUTH_BASE_URL":    c.AuthBaseURL,
		"TELEGRAM_API_URL": c.Telegram.APIURL,
	} {
		if err := validateBaseURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.LinkCodeTTL <= 0 {
		return fmt.Errorf("LINK_CODE_TTL must be positive")
	}
	if c.RelayTimeout <= 0 || c.RefreshTimeout <= 0 {
		return fmt.Errorf("RELAY_TIMEOUT and REFRESH_TIMEOUT must be positive")
	}
	if c.Telegram.PollTimeout <= 0 {
		return fmt.Errorf("TELEGRAM_POLL_TIMEOUT must be positive")
	}
	if c.ConfirmRatePerMinute <= 0 {
		return fmt.Errorf("CONFIRM_RATE_PER_MINUTE must be positive")
	}
	if len(c.CORSOrigins) == 0 {
		return fmt.Errorf("at least one CORS origin must be configured")
	}

	return nil
}

// validateBaseURL accepts absolute http(s) URLs with a host and no query
func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("only http and https schemes are allowed")
	}
	if u.Hostname() == "" {
		return fmt.Errorf("URL must have a hostname")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("URL must not carry a query or fragment")
	}
	return nil
}

func loadCORSOrigins(appURL string) []string {
	if appURL = strings.TrimRight(appURL, "/"); appURL != "" {
		return []string{appURL}
	}
	return []string{"http://localhost:3000", "http://localhost:8080"}
}

func isBcryptHash(v string) bool {
	return strings.HasPrefix(v, "$2a$") || strings.HasPrefix(v, "$2b$") || strings.HasPrefix(v, "$2y$")
}
