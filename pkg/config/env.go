package config

const EnvPrefix = "STUDIO"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv            = "STUDIO_APP_ENV"
	EnvPort              = "STUDIO_APP_PORT"
	EnvDBDSN             = "STUDIO_DB_DSN"
	EnvDBHost            = "STUDIO_DB_HOST"
	EnvDBUser            = "STUDIO_DB_USER"
	EnvDBName            = "STUDIO_DB_NAME"
	EnvRedisURL          = "STUDIO_REDIS_URL"
	EnvJWTSecret         = "STUDIO_JWT_SECRET"
	EnvJWTIssuer         = "STUDIO_JWT_ISSUER"
	EnvStripeSecretKey   = "STUDIO_STRIPE_SECRET_KEY"
	EnvStripeWebhook     = "STUDIO_STRIPE_WEBHOOK_SECRET"
	EnvInvoiceSigningKey = "STUDIO_INVOICE_SIGNING_KEY"
	EnvCronInterval      = "STUDIO_CRON_INTERVAL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
