package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Store backends understood by the CLI
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Config holds application configuration
type Config struct {
	BaseURL   string        `validate:"required,url"`
	WebHosts  []string      `validate:"min=1,dive,hostname"`
	Username  string        `validate:"omitempty"`
	Password  string        `validate:"omitempty"`
	Timeout   time.Duration `validate:"gt=0"`
	ProxyURL  string        `validate:"omitempty,url"`
	RateLimit string
	UserAgent string `validate:"required"`

	// Credential and cache lifetimes
	AccessTTL  time.Duration `validate:"gt=0"`
	RefreshTTL time.Duration `validate:"gtefield=AccessTTL"`
	CacheTTL   time.Duration `validate:"gte=0"`

	// PartialCacheTTL applies to aggregates cut short by a failed page;
	// zero disables caching them
	PartialCacheTTL time.Duration `validate:"gte=0"`

	// Aggregation policy
	AggregatePageSize int `validate:"gte=1,lte=100"`
	AggregateMaxItems int `validate:"gte=1"`

	// Query defaults layered under caller-supplied values
	AuthorFeedFilter string `validate:"omitempty,oneof=posts_with_replies posts_no_replies posts_with_media posts_and_author_threads"`
	AuthorFeedLimit  int    `validate:"gte=0,lte=100"`
	SearchLimit      int    `validate:"gte=0,lte=100"`
	SearchSort       string `validate:"omitempty,oneof=top latest"`
	SearchLang       string
	ListsLimit       int `validate:"gte=0,lte=100"`

	// Secret store
	StoreBackend    string `validate:"oneof=memory file redis"`
	StorePath       string `validate:"required_if=StoreBackend file"`
	RedisAddr       string `validate:"required_if=StoreBackend redis"`
	RedisPassword   string
	RedisDB         int `validate:"gte=0"`
	StorePassphrase string

	// Logging configuration
	LogLevel    string `validate:"omitempty,oneof=debug info warn warning error"`
	EnableDebug bool
	QuietMode   bool
	LogFile     string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		BaseURL:   "https://bsky.social/xrpc",
		WebHosts:  []string{"bsky.app", "www.bsky.app"},
		Timeout:   30 * time.Second,
		UserAgent: "bskyfetch/1.0",

		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		CacheTTL:   time.Hour,

		PartialCacheTTL: 5 * time.Minute,

		AggregatePageSize: 100,
		AggregateMaxItems: 300,

		AuthorFeedFilter: "posts_no_replies",
		AuthorFeedLimit:  10,
		SearchLimit:      25,
		SearchSort:       "latest",
		ListsLimit:       50,

		StoreBackend: StoreFile,
		StorePath:    defaultStorePath(),

		LogLevel: "info",
	}
}

func defaultStorePath() string {
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		return ".bskyfetch-store.json"
	}
	return dir + string(os.PathSeparator) + "bskyfetch" + string(os.PathSeparator) + "store.json"
}

// LoadFromEnv loads configuration from environment variables.
// A .env file in the working directory is read first when present.
func (c *Config) LoadFromEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("BSKYFETCH_BASE_URL"); v != "" {
		c.BaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("BSKYFETCH_WEB_HOSTS"); v != "" {
		c.WebHosts = splitList(v)
	}
	c.Username = GetEnvWithDefault("BSKYFETCH_USERNAME", c.Username)
	c.Password = GetEnvWithDefault("BSKYFETCH_PASSWORD", c.Password)
	c.ProxyURL = GetEnvWithDefault("BSKYFETCH_PROXY", c.ProxyURL)
	c.RateLimit = GetEnvWithDefault("BSKYFETCH_RATE_LIMIT", c.RateLimit)
	c.UserAgent = GetEnvWithDefault("BSKYFETCH_USER_AGENT", c.UserAgent)

	if timeout := os.Getenv("BSKYFETCH_TIMEOUT"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil && t > 0 {
			c.Timeout = time.Duration(t) * time.Second
		}
	}
	if ttl, ok := envDuration("BSKYFETCH_CACHE_TTL"); ok {
		c.CacheTTL = ttl
	}
	if ttl, ok := envDuration("BSKYFETCH_PARTIAL_CACHE_TTL"); ok {
		c.PartialCacheTTL = ttl
	}
	if ttl, ok := envDuration("BSKYFETCH_ACCESS_TTL"); ok {
		c.AccessTTL = ttl
	}
	if ttl, ok := envDuration("BSKYFETCH_REFRESH_TTL"); ok {
		c.RefreshTTL = ttl
	}
	if n, ok := envInt("BSKYFETCH_MAX_ITEMS"); ok {
		c.AggregateMaxItems = n
	}

	c.AuthorFeedFilter = GetEnvWithDefault("BSKYFETCH_FEED_FILTER", c.AuthorFeedFilter)
	if n, ok := envInt("BSKYFETCH_FEED_LIMIT"); ok {
		c.AuthorFeedLimit = n
	}
	c.SearchSort = GetEnvWithDefault("BSKYFETCH_SEARCH_SORT", c.SearchSort)
	c.SearchLang = GetEnvWithDefault("BSKYFETCH_SEARCH_LANG", c.SearchLang)

	c.StoreBackend = GetEnvWithDefault("BSKYFETCH_STORE", c.StoreBackend)
	c.StorePath = GetEnvWithDefault("BSKYFETCH_STORE_PATH", c.StorePath)
	c.RedisAddr = GetEnvWithDefault("BSKYFETCH_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = GetEnvWithDefault("BSKYFETCH_REDIS_PASSWORD", c.RedisPassword)
	if n, ok := envInt("BSKYFETCH_REDIS_DB"); ok {
		c.RedisDB = n
	}
	c.StorePassphrase = GetEnvWithDefault("BSKYFETCH_STORE_PASSPHRASE", c.StorePassphrase)

	if logLevel := os.Getenv("BSKYFETCH_LOG_LEVEL"); logLevel != "" {
		c.LogLevel = logLevel
	}
	if debug := os.Getenv("BSKYFETCH_DEBUG"); debug != "" {
		c.EnableDebug = debug == "true" || debug == "1"
	}
	if quiet := os.Getenv("BSKYFETCH_QUIET"); quiet != "" {
		c.QuietMode = quiet == "true" || quiet == "1"
	}
	c.LogFile = GetEnvWithDefault("BSKYFETCH_LOG_FILE", c.LogFile)
}

// GetEnvWithDefault returns environment variable value or default
func GetEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var configValidator = validator.New()

// ValidateConfig validates the configuration values
func (c *Config) ValidateConfig() error {
	if err := configValidator.Struct(c); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
			first := validationErrs[0]
			return NewConfigurationError(first.Field(), describeValidation(first)).
				WithContext("violations", len(validationErrs))
		}
		return NewConfigurationError("config", err.Error())
	}
	return nil
}

// HasCredentials reports whether both username and password are set
func (c *Config) HasCredentials() bool {
	return strings.TrimSpace(c.Username) != "" && c.Password != ""
}

func describeValidation(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname":
		return fmt.Sprintf("%s must contain valid host names", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "gt", "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "gtefield":
		return fmt.Sprintf("%s must not be shorter than %s", field, strings.ToLower(fe.Param()))
	default:
		return fmt.Sprintf("%s failed validation for %s", field, fe.Tag())
	}
}
