// Package config parses and validates the service configuration. Invalid
// configuration is reported as an apperror configuration error and is only
// ever fatal at startup.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
)

type Config struct {
	App      AppConfig
	DB       DBConfig
	Cache    CacheConfig
	Dispatch DispatchConfig
	Results  ResultsConfig
	Payment  PaymentConfig
	Telegram TelegramConfig
	Scorer   ScorerConfig
	Archive  ArchiveConfig
	OpsAlert OpsAlertConfig

	ExternalCallTimeout time.Duration `env:"EXTERNAL_CALL_TIMEOUT" envDefault:"15s" validate:"gt=0"`
	AdminAPIKeyHash     string        `env:"ADMIN_API_KEY_HASH" validate:"required"`
}

type AppConfig struct {
	Host            string        `env:"APP_HOST" envDefault:"0.0.0.0"`
	Port            string        `env:"APP_PORT" envDefault:"4000" validate:"required,numeric"`
	Env             string        `env:"APP_ENV" envDefault:"prod" validate:"oneof=dev prod test"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn error"`
	RateLimitMax    int           `env:"RATE_LIMIT_MAX" envDefault:"60" validate:"gt=0"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m" validate:"gt=0"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s" validate:"gt=0"`
}

type DBConfig struct {
	Driver   string `env:"DB_DRIVER" envDefault:"mysql" validate:"oneof=mysql postgres"`
	Host     string `env:"DB_HOST" envDefault:"127.0.0.1" validate:"required"`
	Port     string `env:"DB_PORT" envDefault:"3306" validate:"required,numeric"`
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Name     string `env:"DB_NAME" envDefault:"zeustips" validate:"required"`
}

type CacheConfig struct {
	Host     string `env:"CACHE_HOST" envDefault:"localhost" validate:"required"`
	Port     int    `env:"CACHE_PORT" envDefault:"6379" validate:"gt=0,lte=65535"`
	Password string `env:"CACHE_PASSWORD"`
	DB       int    `env:"CACHE_DB" envDefault:"0" validate:"gte=0"`
}

type DispatchConfig struct {
	MinConfidence        float64       `env:"MIN_CONFIDENCE" envDefault:"70" validate:"gte=0,lte=100"`
	PerCycleCap          int           `env:"PER_CYCLE_CAP" envDefault:"3" validate:"gt=0"`
	PerDayCap            int           `env:"PER_DAY_CAP" envDefault:"10" validate:"gt=0"`
	DedupWindow          time.Duration `env:"DEDUP_WINDOW" envDefault:"24h" validate:"gt=0"`
	CandidateMaxAge      time.Duration `env:"CANDIDATE_MAX_AGE" envDefault:"24h" validate:"gt=0"`
	CandidateLookahead   time.Duration `env:"CANDIDATE_LOOKAHEAD" envDefault:"24h" validate:"gt=0"`
	Times                []string      `env:"DISPATCH_TIMES" envDefault:"15:00,sat-sun@12:00" envSeparator:"," validate:"min=1,dive,required"`
	Timezone             string        `env:"TIMEZONE" envDefault:"UTC" validate:"required,timezone"`
	ExpirySweepInterval  time.Duration `env:"EXPIRY_SWEEP_INTERVAL" envDefault:"6h" validate:"gt=0"`
	DailyMultipleEnabled bool          `env:"DAILY_MULTIPLE_ENABLED" envDefault:"true"`
	// BusyCycleCap replaces PerCycleCap when a cycle ranks at least
	// BusyCycleThreshold candidates. Zero disables it.
	BusyCycleCap       int `env:"BUSY_CYCLE_CAP" envDefault:"0" validate:"gte=0"`
	BusyCycleThreshold int `env:"BUSY_CYCLE_THRESHOLD" envDefault:"6" validate:"gt=0"`
}

type ResultsConfig struct {
	Enabled       bool          `env:"RESULT_CHECK_ENABLED" envDefault:"true"`
	CheckInterval time.Duration `env:"RESULT_CHECK_INTERVAL" envDefault:"3h" validate:"gt=0"`
	SettleDelay   time.Duration `env:"RESULT_SETTLE_DELAY" envDefault:"2h" validate:"gte=0"`
	MaxAge        time.Duration `env:"RESULT_MAX_AGE" envDefault:"72h" validate:"gt=0"`
	SummaryTime   string        `env:"DAILY_SUMMARY_TIME" envDefault:"23:00" validate:"required"`
}

type PaymentConfig struct {
	PollInterval      time.Duration `env:"PAYMENT_POLL_INTERVAL" envDefault:"1m" validate:"gt=0"`
	IntentMaxAge      time.Duration `env:"PAYMENT_INTENT_MAX_AGE" envDefault:"48h" validate:"gt=0"`
	MaxChecks         int           `env:"PAYMENT_MAX_CHECKS" envDefault:"500" validate:"gt=0"`
	MonthlyDays       int           `env:"PLAN_MONTHLY_DAYS" envDefault:"30" validate:"gt=0"`
	QuarterlyDays     int           `env:"PLAN_QUARTERLY_DAYS" envDefault:"90" validate:"gt=0"`
	MercadoPagoToken  string        `env:"MERCADOPAGO_ACCESS_TOKEN" validate:"required"`
	MercadoPagoAPIURL string        `env:"MERCADOPAGO_API_URL" envDefault:"https://api.mercadopago.com" validate:"url"`
}

type TelegramConfig struct {
	BotToken     string `env:"TELEGRAM_BOT_TOKEN" validate:"required"`
	APIURL       string `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org" validate:"url"`
	VIPChannelID string `env:"VIP_CHANNEL_ID"`
}

type ScorerConfig struct {
	URL    string `env:"SCORER_URL" validate:"required,url"`
	APIKey string `env:"SCORER_API_KEY"`
}

type ArchiveConfig struct {
	Enabled         bool   `env:"S3_ARCHIVE_ENABLED" envDefault:"false"`
	Bucket          string `env:"S3_BUCKET" validate:"required_if=Enabled true"`
	Region          string `env:"S3_REGION" envDefault:"us-east-1"`
	Endpoint        string `env:"S3_ENDPOINT" validate:"omitempty,url"`
	AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
	Prefix          string `env:"S3_PREFIX" envDefault:"dispatch"`
	Time            string `env:"ARCHIVE_TIME" envDefault:"02:00" validate:"required"`
}

type OpsAlertConfig struct {
	MailjetAPIKey    string        `env:"MAILJET_API_KEY"`
	MailjetSecretKey string        `env:"MAILJET_SECRET_KEY"`
	From             string        `env:"OPS_ALERT_FROM" validate:"omitempty,email"`
	To               []string      `env:"OPS_ALERT_TO" envSeparator:"," validate:"dive,email"`
	Period           time.Duration `env:"OPS_ALERT_PERIOD" envDefault:"1h" validate:"gt=0"`
}

// Load parses environ into a Config and validates it.
func Load(environ map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, apperror.Configuration("config.Load", fmt.Errorf("parse env: %w", err))
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, apperror.Configuration("config.Load", fmt.Errorf("validate: %w", err))
	}
	return &cfg, nil
}

// LoadDB parses and validates only the database settings, for tools such as
// the migrator that need nothing else.
func LoadDB(environ map[string]string) (*DBConfig, error) {
	var cfg DBConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, apperror.Configuration("config.LoadDB", fmt.Errorf("parse env: %w", err))
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, apperror.Configuration("config.LoadDB", fmt.Errorf("validate: %w", err))
	}
	return &cfg, nil
}

// Location returns the time zone that day boundaries and dispatch times use.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Dispatch.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// OpsAlertsEnabled reports whether enough Mailjet settings are present to
// send operator mail.
func (c *Config) OpsAlertsEnabled() bool {
	return c.OpsAlert.MailjetAPIKey != "" && c.OpsAlert.MailjetSecretKey != "" &&
		c.OpsAlert.From != "" && len(c.OpsAlert.To) > 0
}
