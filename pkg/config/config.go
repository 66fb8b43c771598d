package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Stripe       StripeConfig
	Invoices     InvoiceConfig
	Cron         CronConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Invoices.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"STUDIO_APP_ENV" required:"true"`
	Port         string `envconfig:"STUDIO_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"STUDIO_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"STUDIO_LOG_WARN_STACK" default:"false"`
	Domain       string `envconfig:"STUDIO_APP_DOMAIN" default:"http://localhost:8080"`

	CORSOrigins []string `envconfig:"STUDIO_CORS_ORIGINS" default:"http://localhost:3000"`
	// Per-client limits on payment endpoints; zero disables.
	RateLimitWindow   time.Duration `envconfig:"STUDIO_RATE_LIMIT_WINDOW" default:"1m"`
	RateLimitRequests int           `envconfig:"STUDIO_RATE_LIMIT_REQUESTS" default:"30"`
	MetricsPort       string        `envconfig:"STUDIO_METRICS_PORT" default:"9090"`
}

func (a AppConfig) IsDev() bool {
	env := strings.ToLower(strings.TrimSpace(a.Env))
	return env == AppEnvDev || env == "development"
}

func (a AppConfig) IsProd() bool {
	env := strings.ToLower(strings.TrimSpace(a.Env))
	return env == AppEnvProd || env == "production"
}

type ServiceConfig struct {
	Kind string `envconfig:"STUDIO_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"STUDIO_DB_DSN"`
	Driver string `envconfig:"STUDIO_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"STUDIO_DB_HOST"`
	LegacyPort     int    `envconfig:"STUDIO_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"STUDIO_DB_USER"`
	LegacyPassword string `envconfig:"STUDIO_DB_PASSWORD"`
	LegacyName     string `envconfig:"STUDIO_DB_NAME"`
	LegacySSLMode  string `envconfig:"STUDIO_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"STUDIO_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STUDIO_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STUDIO_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STUDIO_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"STUDIO_REDIS_URL" required:"true"`
	Address      string        `envconfig:"STUDIO_REDIS_ADDR"`
	Password     string        `envconfig:"STUDIO_REDIS_PASSWORD"`
	DB           int           `envconfig:"STUDIO_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STUDIO_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STUDIO_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STUDIO_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STUDIO_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STUDIO_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig holds the settings used to verify access tokens minted by the
// accounts service.
type JWTConfig struct {
	Secret string `envconfig:"STUDIO_JWT_SECRET" required:"true"`
	Issuer string `envconfig:"STUDIO_JWT_ISSUER" required:"true"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"STUDIO_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	WebhookIdempotencyTTL time.Duration `envconfig:"STUDIO_WEBHOOK_IDEMPOTENCY_TTL" default:"720h"`
	OutboxIdempotencyTTL  time.Duration `envconfig:"STUDIO_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"STUDIO_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"STUDIO_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"STUDIO_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	PaymentsTopic    string `envconfig:"STUDIO_PUBSUB_PAYMENTS_TOPIC" default:"studio-payment-events"`
	MembershipsTopic string `envconfig:"STUDIO_PUBSUB_MEMBERSHIPS_TOPIC" default:"studio-membership-events"`
	OperatorTopic    string `envconfig:"STUDIO_PUBSUB_OPERATOR_TOPIC" default:"studio-operator-alerts"`
	// ActivityTopic receives the activity log. Empty sends it to OperatorTopic.
	ActivityTopic string `envconfig:"STUDIO_PUBSUB_ACTIVITY_TOPIC" default:"studio-activity-log"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"STUDIO_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"STUDIO_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"STUDIO_OUTBOX_MAX_ATTEMPTS" default:"10"`
	Retention      time.Duration `envconfig:"STUDIO_OUTBOX_RETENTION" default:"720h"`
}

type StripeConfig struct {
	SecretKey      string `envconfig:"STUDIO_STRIPE_SECRET_KEY"`
	PublishableKey string `envconfig:"STUDIO_STRIPE_PUBLISHABLE_KEY"`
	WebhookSecret  string `envconfig:"STUDIO_STRIPE_WEBHOOK_SECRET"`
	Env            string `envconfig:"STUDIO_STRIPE_ENV" default:"test"`
	// ConnectedAccount is used when no seller record carries a connected
	// account id.
	ConnectedAccount string `envconfig:"STUDIO_STRIPE_CONNECTED_ACCOUNT"`
	Currency         string `envconfig:"STUDIO_STRIPE_CURRENCY" default:"gbp"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type InvoiceConfig struct {
	SigningKey    string        `envconfig:"STUDIO_INVOICE_SIGNING_KEY"`
	UnusedMaxAge  time.Duration `envconfig:"STUDIO_INVOICE_UNUSED_MAX_AGE" default:"168h"`
	TestChargeInP int64         `envconfig:"STUDIO_INVOICE_TEST_CHARGE_P" default:"30"`
}

func (c InvoiceConfig) validate() error {
	if strings.TrimSpace(c.SigningKey) == "" {
		return fmt.Errorf("%s is required", EnvInvoiceSigningKey)
	}
	return nil
}

type CronConfig struct {
	Interval time.Duration `envconfig:"STUDIO_CRON_INTERVAL" default:"1h"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
