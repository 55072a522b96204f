package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the call-intake process.
// Values come from the environment; an optional .env file is loaded first.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Assembly AssemblyConfig
	Ingest   IngestConfig
	Filter   FilterConfig
	Reports  ReportsConfig
	Admin    AdminConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

// AssemblyConfig points at the transcription/analysis service.
type AssemblyConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type IngestConfig struct {
	PollInterval  time.Duration
	RetryInterval time.Duration
	AttemptTTL    time.Duration
	BulkBatchSize int
	Workers       int
	QueueSize     int
}

type FilterConfig struct {
	DefaultRegion   string
	DefaultTimezone string
}

type ReportsConfig struct {
	OutputDir string
}

// AdminConfig guards the operator balance endpoints. Empty Token disables them.
type AdminConfig struct {
	Token string
}

// Load reads .env (if present) and the process environment.
func Load() (Config, error) {
	// Missing .env is normal outside local development.
	_ = godotenv.Load()

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port, parseErrs = collect(parseErrs, mustInt("APP_PORT"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = collect(parseErrs, mustInt("DB_PORT"))
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = collect(parseErrs, mustInt("REDIS_PORT"))

	c.Assembly.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("ASSEMBLY_BASE_URL")), "/")
	c.Assembly.APIKey = os.Getenv("ASSEMBLY_API_KEY")
	c.Assembly.Timeout, parseErrs = collect(parseErrs, optDuration("ASSEMBLY_TIMEOUT"))

	c.Ingest.PollInterval, parseErrs = collect(parseErrs, optDuration("POLL_INTERVAL"))
	c.Ingest.RetryInterval, parseErrs = collect(parseErrs, optDuration("RETRY_INTERVAL"))
	c.Ingest.AttemptTTL, parseErrs = collect(parseErrs, optDuration("ATTEMPT_TTL"))
	c.Ingest.BulkBatchSize, parseErrs = collect(parseErrs, optInt("BULK_BATCH_SIZE"))
	c.Ingest.Workers, parseErrs = collect(parseErrs, optInt("INGEST_WORKERS"))
	c.Ingest.QueueSize, parseErrs = collect(parseErrs, optInt("INGEST_QUEUE_SIZE"))

	c.Filter.DefaultRegion = strings.ToUpper(strings.TrimSpace(os.Getenv("PHONE_DEFAULT_REGION")))
	c.Filter.DefaultTimezone = strings.TrimSpace(os.Getenv("DEFAULT_TIMEZONE"))

	c.Reports.OutputDir = strings.TrimSpace(os.Getenv("REPORTS_DIR"))

	c.Admin.Token = strings.TrimSpace(os.Getenv("ADMIN_TOKEN"))

	if len(parseErrs) > 0 {
		return Config{}, joinErrors(parseErrs)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults for optional ones.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Assembly.BaseURL == "" {
		errs = append(errs, errors.New("ASSEMBLY_BASE_URL is required"))
	}
	if c.IsProduction() && c.Assembly.APIKey == "" {
		errs = append(errs, errors.New("ASSEMBLY_API_KEY is required in production"))
	}
	if c.Assembly.Timeout <= 0 {
		c.Assembly.Timeout = 10 * time.Minute
	}

	if c.Ingest.PollInterval <= 0 {
		c.Ingest.PollInterval = 10 * time.Minute
	}
	if c.Ingest.RetryInterval <= 0 {
		c.Ingest.RetryInterval = 15 * time.Minute
	}
	if c.Ingest.AttemptTTL <= 0 {
		c.Ingest.AttemptTTL = 24 * time.Hour
	}
	if c.Ingest.BulkBatchSize <= 0 {
		c.Ingest.BulkBatchSize = 5000
	}
	if c.Ingest.Workers <= 0 {
		c.Ingest.Workers = 8
	}
	if c.Ingest.QueueSize <= 0 {
		c.Ingest.QueueSize = 256
	}

	if c.Filter.DefaultRegion == "" {
		c.Filter.DefaultRegion = "RU"
	}
	if c.Filter.DefaultTimezone == "" {
		c.Filter.DefaultTimezone = "Europe/Moscow"
	}
	if _, err := time.LoadLocation(c.Filter.DefaultTimezone); err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_TIMEZONE is not a known zone: %q", c.Filter.DefaultTimezone))
	}

	if c.Reports.OutputDir == "" {
		c.Reports.OutputDir = "reports"
	}
	if c.Admin.Token != "" && len(c.Admin.Token) < 32 {
		errs = append(errs, errors.New("ADMIN_TOKEN must be at least 32 characters"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Location returns the default tenant timezone. Validate guarantees it loads.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Filter.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type parsed[T any] struct {
	v   T
	err error
}

func collect[T any](errs []error, p parsed[T]) (T, []error) {
	if p.err != nil {
		errs = append(errs, p.err)
	}
	return p.v, errs
}

func mustInt(key string) parsed[int] {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return parsed[int]{err: fmt.Errorf("%s is required", key)}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return parsed[int]{err: fmt.Errorf("%s must be an integer, got %q", key, v)}
	}
	return parsed[int]{v: n}
}

func optInt(key string) parsed[int] {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return parsed[int]{}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return parsed[int]{err: fmt.Errorf("%s must be an integer, got %q", key, v)}
	}
	return parsed[int]{v: n}
}

func optDuration(key string) parsed[time.Duration] {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return parsed[time.Duration]{}
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return parsed[time.Duration]{err: fmt.Errorf("%s must be a duration, got %q", key, v)}
	}
	return parsed[time.Duration]{v: d}
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
