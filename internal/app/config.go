package app

import (
	"os"
	"slices"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Guard and rate limit backends.
const (
	BackendLocal = "local"
	BackendRedis = "redis"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (CART_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Storage      string `default:"postgres" usage:"Storage backend: postgres or memory"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (CART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	SeedFile     string `default:"" usage:"JSON seed loaded at startup in memory mode" flag:"seed-file"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (CART_API_KEY_PEPPER)" flag:"api-key-pepper"`
	Redis        RedisConfig
	Guard        GuardConfig
	Kafka        KafkaConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// RedisConfig locates the Redis server shared by the distributed guard and
// rate limiter.
type RedisConfig struct {
	URL string `usage:"Redis URL, e.g. redis://:password@host:6379/0 (CART_REDIS_URL or REDIS_URL)" flag:"redis-url"`
}

// GuardConfig controls the per-product stock lock.
type GuardConfig struct {
	Backend      string        `default:"local" usage:"Stock lock backend: local or redis"`
	Timeout      time.Duration `default:"5s"    usage:"Maximum wait for a stock lock"`
	LeaseTTL     time.Duration `default:"30s"   usage:"Redis lock lease, released early on completion"`
	PollInterval time.Duration `default:"25ms"  usage:"Redis lock retry interval"`
}

// KafkaConfig controls order event publishing. No brokers disables it.
type KafkaConfig struct {
	Brokers      []string      `usage:"Kafka bootstrap brokers"`
	Topic        string        `default:"cart.orders" usage:"Topic for order.placed events"`
	BatchTimeout time.Duration `default:"10ms"        usage:"Producer batch flush interval"`
}

// RateLimitConfig controls the per-client rate limiter.
type RateLimitConfig struct {
	Backend string        `default:"local" usage:"Rate limiter backend: local or redis"`
	Max     int           `default:"100"   usage:"Max requests per window"`
	Window  time.Duration `default:"1m"    usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files and platform defaults, then validates it.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CART",
		Files:     []string{"config.yaml", "/etc/cart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables
// (DATABASE_URL, REDIS_URL, PORT) onto unset settings.
func (c *Config) applyPlatformDefaults(getenv func(string) string) {
	if c.DatabaseURL == "" {
		c.DatabaseURL = getenv("DATABASE_URL")
	}
	if c.Redis.URL == "" {
		c.Redis.URL = getenv("REDIS_URL")
	}
	if port := getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}

// Validate checks backend choices and the settings they require.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set CART_DATABASE_URL or DATABASE_URL")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage %q", c.Storage)
	}
	for _, b := range []struct{ name, value string }{
		{"guard", c.Guard.Backend},
		{"rate limit", c.RateLimit.Backend},
	} {
		if !slices.Contains([]string{BackendLocal, BackendRedis}, b.value) {
			return errors.Errorf("unknown %s backend %q", b.name, b.value)
		}
	}
	if c.needsRedis() && c.Redis.URL == "" {
		return errors.New("redis URL is required for redis backends: set CART_REDIS_URL or REDIS_URL")
	}
	if c.Guard.Timeout <= 0 {
		return errors.New("guard timeout must be positive")
	}
	if c.RateLimit.Max < 1 || c.RateLimit.Window <= 0 {
		return errors.New("rate limit max and window must be positive")
	}
	return nil
}

func (c *Config) needsRedis() bool {
	return c.Guard.Backend == BackendRedis || c.RateLimit.Backend == BackendRedis
}
