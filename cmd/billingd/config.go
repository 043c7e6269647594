package main

import (
	"time"

	"github.com/dmitrymomot/splitkit/pkg/config"
	"github.com/dmitrymomot/splitkit/pkg/httpserver"
	"github.com/dmitrymomot/splitkit/pkg/logger"
	"github.com/dmitrymomot/splitkit/pkg/pg"
	"github.com/dmitrymomot/splitkit/pkg/ratelimiter"
	"github.com/dmitrymomot/splitkit/pkg/redis"
	"github.com/dmitrymomot/splitkit/svc/billing"
	"github.com/dmitrymomot/splitkit/svc/billing/s3archive"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// AppConfig holds the daemon's own settings.
type AppConfig struct {
	Name                string        `env:"APP_NAME" envDefault:"billingd"`
	StorageDriver       string        `env:"STORAGE_DRIVER" envDefault:"sqlite"`
	SQLitePath          string        `env:"SQLITE_PATH" envDefault:"billing.db"`
	AutoMigrate         bool          `env:"AUTO_MIGRATE" envDefault:"true"`
	PlansFile           string        `env:"PLANS_FILE"`
	JWTSecret           string        `env:"AUTH_JWT_SECRET"`
	JWTIssuer           string        `env:"AUTH_JWT_ISSUER"`
	PendingCheckoutTTL  time.Duration `env:"PENDING_CHECKOUT_TTL" envDefault:"24h"`
	WebhookMaxBodyBytes int64         `env:"WEBHOOK_MAX_BODY_BYTES" envDefault:"65536"`
	RedisEnabled        bool          `env:"REDIS_ENABLED"`
}

// Config is everything the daemon reads from the environment except the
// PostgreSQL settings, which are only required with the postgres driver.
type Config struct {
	App       AppConfig
	Log       logger.Config
	HTTP      httpserver.Config
	Provider  billing.ProviderConfig
	URLs      billing.URLs
	Archive   s3archive.Config
	Redis     redis.Config
	RateLimit ratelimiter.Config `envPrefix:"CHECKOUT_"`
}

func loadConfig(opts ...config.Option) (Config, error) {
	return config.Load[Config](opts...)
}

func loadPostgresConfig(opts ...config.Option) (pg.Config, error) {
	return config.Load[pg.Config](opts...)
}
