// Package config assembles daemon settings from defaults, an optional YAML
// file, a .env file and RELAYPOST_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// DevJWTSecret is the bearer token secret used in dev mode when none is set.
const DevJWTSecret = "dev-secret"

const (
	EnvironmentMemory     = "memory"
	EnvironmentPlaywright = "playwright"
)

type Config struct {
	Addr string `yaml:"addr"`

	ForumBaseURL       string        `yaml:"forumBaseUrl"`
	ProfileURL         string        `yaml:"profileUrl"`
	CookieDomain       string        `yaml:"cookieDomain"`
	CSRFCookieName     string        `yaml:"csrfCookieName"`
	LastDateCookieName string        `yaml:"lastDateCookieName"`
	UserAgent          string        `yaml:"userAgent"`
	HTTPTimeout        time.Duration `yaml:"httpTimeout"`

	BlobDSN            string `yaml:"blobDsn"`
	Environment        string `yaml:"environment"`
	PlaywrightHeadless bool   `yaml:"playwrightHeadless"`
	PlaywrightInstall  bool   `yaml:"playwrightInstall"`

	// Dev allows an empty JWTSecret, replaced by DevJWTSecret.
	Dev             bool          `yaml:"dev"`
	JWTSecret       string        `yaml:"jwtSecret"`
	RateLimitMax    int           `yaml:"rateLimitMax"`
	RateLimitWindow time.Duration `yaml:"rateLimitWindow"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes"`

	PollInterval         time.Duration `yaml:"pollInterval"`
	RetryDelay           time.Duration `yaml:"retryDelay"`
	MaxRetries           int           `yaml:"maxRetries"`
	MaxAntiFloodAttempts int           `yaml:"maxAntiFloodAttempts"`
	SweepAge             time.Duration `yaml:"sweepAge"`
	SweepInterval        time.Duration `yaml:"sweepInterval"`

	MaxTokenFailureRatio  float64 `yaml:"maxTokenFailureRatio"`
	RefreshActiveOnSwitch bool    `yaml:"refreshActiveOnSwitch"`

	EventNode int64 `yaml:"eventNode"`
}

func Defaults() Config {
	return Config{
		Addr:                 ":8080",
		CSRFCookieName:       "xf_csrf",
		LastDateCookieName:   "xf_last_date",
		UserAgent:            "relaypost/1.0",
		HTTPTimeout:          20 * time.Second,
		BlobDSN:              "file://data",
		Environment:          EnvironmentMemory,
		PlaywrightHeadless:   true,
		RateLimitWindow:      time.Minute,
		MaxBodyBytes:         1 << 20,
		PollInterval:         time.Second,
		RetryDelay:           30 * time.Second,
		MaxRetries:           3,
		SweepAge:             7 * 24 * time.Hour,
		SweepInterval:        time.Hour,
		MaxTokenFailureRatio: 0.5,
		EventNode:            1,
	}
}

// Loader reads configuration. The zero value reads .env from the working
// directory and the process environment.
type Loader struct {
	EnvFiles []string
	Lookup   func(string) (string, bool)
	Logger   *zap.Logger
}

func Load(logger *zap.Logger) (Config, error) {
	return Loader{Logger: logger}.Load()
}

func (l Loader) Load() (Config, error) {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	env, err := l.environment()
	if err != nil {
		return Config{}, err
	}
	cfg := Defaults()
	if path, ok := env.lookup("RELAYPOST_CONFIG"); ok && strings.TrimSpace(path) != "" {
		if err := loadYAML(strings.TrimSpace(path), &cfg); err != nil {
			return Config{}, err
		}
	}
	env.logger = logger
	env.apply(&cfg)
	cfg.fillDerived()
	if cfg.JWTSecret == "" && cfg.Dev {
		logger.Warn("RELAYPOST_JWT_SECRET unset, using the dev secret")
		cfg.JWTSecret = DevJWTSecret
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (l Loader) environment() (*envSource, error) {
	files := l.EnvFiles
	if files == nil {
		files = []string{".env"}
	}
	dotenv := map[string]string{}
	for _, file := range files {
		values, err := godotenv.Read(file)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		for k, v := range values {
			if _, seen := dotenv[k]; !seen {
				dotenv[k] = v
			}
		}
	}
	lookup := l.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &envSource{process: lookup, dotenv: dotenv}, nil
}

func loadYAML(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

func (c *Config) fillDerived() {
	c.ForumBaseURL = strings.TrimRight(strings.TrimSpace(c.ForumBaseURL), "/")
	if c.ProfileURL == "" && c.ForumBaseURL != "" {
		c.ProfileURL = c.ForumBaseURL + "/"
	}
	if c.CookieDomain == "" {
		if parsed, err := url.Parse(c.ForumBaseURL); err == nil {
			c.CookieDomain = parsed.Hostname()
		}
	}
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
}

func (c Config) Validate() error {
	base, err := url.Parse(c.ForumBaseURL)
	if c.ForumBaseURL == "" || err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("%w: RELAYPOST_FORUM_BASE_URL must be an absolute url", ErrInvalidConfig)
	}
	switch c.Environment {
	case EnvironmentMemory, EnvironmentPlaywright:
	default:
		return fmt.Errorf("%w: unknown environment %q", ErrInvalidConfig, c.Environment)
	}
	if c.MaxTokenFailureRatio <= 0 || c.MaxTokenFailureRatio > 1 {
		return fmt.Errorf("%w: max token failure ratio %v outside (0,1]", ErrInvalidConfig, c.MaxTokenFailureRatio)
	}
	if c.JWTSecret == "" && !c.Dev {
		return fmt.Errorf("%w: RELAYPOST_JWT_SECRET is required outside dev mode", ErrInvalidConfig)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// envSource layers the process environment over .env values.
type envSource struct {
	process func(string) (string, bool)
	dotenv  map[string]string
	logger  *zap.Logger
}

func (e *envSource) lookup(name string) (string, bool) {
	if v, ok := e.process(name); ok {
		return v, true
	}
	v, ok := e.dotenv[name]
	return v, ok
}

func (e *envSource) apply(cfg *Config) {
	cfg.Addr = e.stringEnv("RELAYPOST_ADDR", cfg.Addr)
	cfg.ForumBaseURL = e.stringEnv("RELAYPOST_FORUM_BASE_URL", cfg.ForumBaseURL)
	cfg.ProfileURL = e.stringEnv("RELAYPOST_PROFILE_URL", cfg.ProfileURL)
	cfg.CookieDomain = e.stringEnv("RELAYPOST_COOKIE_DOMAIN", cfg.CookieDomain)
	cfg.CSRFCookieName = e.stringEnv("RELAYPOST_CSRF_COOKIE", cfg.CSRFCookieName)
	cfg.LastDateCookieName = e.stringEnv("RELAYPOST_LAST_DATE_COOKIE", cfg.LastDateCookieName)
	cfg.UserAgent = e.stringEnv("RELAYPOST_USER_AGENT", cfg.UserAgent)
	cfg.HTTPTimeout = e.durationEnv("RELAYPOST_HTTP_TIMEOUT", cfg.HTTPTimeout)
	cfg.BlobDSN = e.stringEnv("RELAYPOST_BLOB_DSN", cfg.BlobDSN)
	cfg.Environment = e.stringEnv("RELAYPOST_ENVIRONMENT", cfg.Environment)
	cfg.PlaywrightHeadless = e.boolEnv("RELAYPOST_PLAYWRIGHT_HEADLESS", cfg.PlaywrightHeadless)
	cfg.PlaywrightInstall = e.boolEnv("RELAYPOST_PLAYWRIGHT_INSTALL", cfg.PlaywrightInstall)
	cfg.Dev = e.boolEnv("RELAYPOST_DEV", cfg.Dev)
	cfg.JWTSecret = e.stringEnv("RELAYPOST_JWT_SECRET", cfg.JWTSecret)
	cfg.RateLimitMax = e.intEnv("RELAYPOST_RATE_LIMIT_MAX", cfg.RateLimitMax)
	cfg.RateLimitWindow = e.durationEnv("RELAYPOST_RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	cfg.MaxBodyBytes = e.int64Env("RELAYPOST_MAX_BODY_BYTES", cfg.MaxBodyBytes)
	cfg.PollInterval = e.durationEnv("RELAYPOST_POLL_INTERVAL", cfg.PollInterval)
	cfg.RetryDelay = e.durationEnv("RELAYPOST_RETRY_DELAY", cfg.RetryDelay)
	cfg.MaxRetries = e.intEnv("RELAYPOST_MAX_RETRIES", cfg.MaxRetries)
	cfg.MaxAntiFloodAttempts = e.intEnv("RELAYPOST_MAX_ANTI_FLOOD_ATTEMPTS", cfg.MaxAntiFloodAttempts)
	cfg.SweepAge = e.durationEnv("RELAYPOST_SWEEP_AGE", cfg.SweepAge)
	cfg.SweepInterval = e.durationEnv("RELAYPOST_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.MaxTokenFailureRatio = e.floatEnv("RELAYPOST_MAX_TOKEN_FAILURE_RATIO", cfg.MaxTokenFailureRatio)
	cfg.RefreshActiveOnSwitch = e.boolEnv("RELAYPOST_REFRESH_ACTIVE_ON_SWITCH", cfg.RefreshActiveOnSwitch)
	cfg.EventNode = e.int64Env("RELAYPOST_EVENT_NODE", cfg.EventNode)
}

func (e *envSource) raw(name string) (string, bool) {
	v, ok := e.lookup(name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envSource) invalid(name, raw string, fallback any) {
	e.logger.Warn("invalid environment value, using fallback",
		zap.String("name", name), zap.String("value", raw), zap.Any("fallback", fallback))
}

func (e *envSource) stringEnv(name, fallback string) string {
	if v, ok := e.raw(name); ok {
		return v
	}
	return fallback
}

func (e *envSource) intEnv(name string, fallback int) int {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e *envSource) int64Env(name string, fallback int64) int64 {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e *envSource) floatEnv(name string, fallback float64) float64 {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e *envSource) boolEnv(name string, fallback bool) bool {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e *envSource) durationEnv(name string, fallback time.Duration) time.Duration {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.invalid(name, raw, fallback.String())
		return fallback
	}
	return value
}
