package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "POLLCAST"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = DriverSQLite
	defaultDatabasePath       = "pollcast.db"
	defaultLogLevel           = "info"
	defaultLogEncoding        = "json"
	defaultCookieName         = "app_session"
	defaultIssuer             = "pollcast-auth"
	defaultTokenTTL           = 30 * time.Minute
	defaultAIBaseURL          = "https://api.openai.com/v1"
	defaultAIModel            = "gpt-4o-mini"
	defaultAITimeout          = 10 * time.Second
	defaultAIMaxRetries       = 1
	maxAIRetries              = 1
	defaultAIRequestsPerSec   = 5.0
	defaultTranslationTTL     = 24 * time.Hour
	defaultTranslationEntries = 1024
	defaultPrefetchWindow     = 3

	// DriverSQLite selects the embedded SQLite database.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a PostgreSQL server reached through database.dsn.
	DriverPostgres = "postgres"
)

var defaultCategories = []string{
	"Arts and Culture",
	"Business",
	"Entertainment",
	"Food and Drink",
	"Health",
	"Politics",
	"Science and Technology",
	"Sports",
	"Travel",
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string
	LogEncoding string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	AuthTokenTTL      time.Duration

	AIBaseURL           string
	AIAPIKey            string
	AIModel             string
	AITimeout           time.Duration
	AIMaxRetries        int
	AIRequestsPerSecond float64

	RedisAddress       string
	TranslationTTL     time.Duration
	TranslationEntries int
	FeedPrefetchWindow int
	CategorySeed       []string
	CORSAllowedOrigins []string
}

// AIEnabled reports whether an AI provider key is configured.
func (c AppConfig) AIEnabled() bool {
	return strings.TrimSpace(c.AIAPIKey) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.cors_origins", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("ai.base_url", defaultAIBaseURL)
	configViper.SetDefault("ai.model", defaultAIModel)
	configViper.SetDefault("ai.timeout", defaultAITimeout)
	configViper.SetDefault("ai.max_retries", defaultAIMaxRetries)
	configViper.SetDefault("ai.requests_per_second", defaultAIRequestsPerSec)
	configViper.SetDefault("cache.translation_ttl", defaultTranslationTTL)
	configViper.SetDefault("cache.translation_entries", defaultTranslationEntries)
	configViper.SetDefault("feed.prefetch_window", defaultPrefetchWindow)
	configViper.SetDefault("categories.seed", defaultCategories)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		LogLevel:            configViper.GetString("log.level"),
		LogEncoding:         configViper.GetString("log.encoding"),
		DatabaseDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:        configViper.GetString("database.path"),
		DatabaseDSN:         configViper.GetString("database.dsn"),
		AuthSigningSecret:   configViper.GetString("auth.signing_secret"),
		AuthIssuer:          configViper.GetString("auth.issuer"),
		AuthCookieName:      configViper.GetString("auth.cookie_name"),
		AuthTokenTTL:        configViper.GetDuration("auth.token_ttl"),
		AIBaseURL:           configViper.GetString("ai.base_url"),
		AIAPIKey:            configViper.GetString("ai.api_key"),
		AIModel:             configViper.GetString("ai.model"),
		AITimeout:           configViper.GetDuration("ai.timeout"),
		AIMaxRetries:        configViper.GetInt("ai.max_retries"),
		AIRequestsPerSecond: configViper.GetFloat64("ai.requests_per_second"),
		RedisAddress:        configViper.GetString("cache.redis_addr"),
		TranslationTTL:      configViper.GetDuration("cache.translation_ttl"),
		TranslationEntries:  configViper.GetInt("cache.translation_entries"),
		FeedPrefetchWindow:  configViper.GetInt("feed.prefetch_window"),
		CategorySeed:        configViper.GetStringSlice("categories.seed"),
		CORSAllowedOrigins:  configViper.GetStringSlice("http.cors_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %s or %s", DriverSQLite, DriverPostgres)
	}
	if c.AITimeout <= 0 {
		return fmt.Errorf("ai.timeout must be positive")
	}
	if c.AIMaxRetries < 0 || c.AIMaxRetries > maxAIRetries {
		return fmt.Errorf("ai.max_retries must be between 0 and %d", maxAIRetries)
	}
	if c.FeedPrefetchWindow <= 0 {
		return fmt.Errorf("feed.prefetch_window must be positive")
	}
	return nil
}
