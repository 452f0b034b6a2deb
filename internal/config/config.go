package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is populated from the environment with the GATEWAY_ prefix.
// A .env file in the working directory is loaded first when present.
type Config struct {
	ServerPort  string `envconfig:"SERVER_PORT" default:"8080"`
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	RedisURL    string `envconfig:"REDIS_URL" default:"redis://localhost:6379"`

	AdminSecret  string `envconfig:"ADMIN_SECRET" required:"true"`
	SecretEncKey string `envconfig:"SECRET_ENC_KEY" required:"true"`

	TokenTTL       time.Duration `envconfig:"TOKEN_TTL" default:"15m"`
	ClockSkew      time.Duration `envconfig:"CLOCK_SKEW" default:"5m"`
	KeyGracePeriod time.Duration `envconfig:"KEY_GRACE_PERIOD" default:"30m"`
	ReplayMargin   time.Duration `envconfig:"REPLAY_MARGIN" default:"1m"`

	RateCapacity float64 `envconfig:"RATE_CAPACITY" default:"60"`
	RateRefill   float64 `envconfig:"RATE_REFILL" default:"1"`

	CacheTTL          time.Duration `envconfig:"CACHE_TTL" default:"5m"`
	CacheFallbackSize int           `envconfig:"CACHE_FALLBACK_SIZE" default:"1024"`

	StoreTimeout  time.Duration `envconfig:"STORE_TIMEOUT" default:"250ms"`
	StoreCooldown time.Duration `envconfig:"STORE_COOLDOWN" default:"15s"`

	ClientCacheTTL time.Duration `envconfig:"CLIENT_CACHE_TTL" default:"30s"`

	ThrottlePerSec float64 `envconfig:"THROTTLE_PER_SEC" default:"5"`
	ThrottleBurst  int     `envconfig:"THROTTLE_BURST" default:"10"`

	MaxBodyBytes int64 `envconfig:"MAX_BODY_BYTES" default:"10485760"`

	UpstreamTimeout time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"60s"`
	MockUpstreamURL string        `envconfig:"MOCK_UPSTREAM_URL" default:"http://localhost:9000"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

func Load() (*Config, error) {
	godotenv.Load()

	var cfg Config
	if err := envconfig.Process("GATEWAY", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token TTL must be positive, got %s", c.TokenTTL)
	}
	if c.ClockSkew <= 0 {
		return fmt.Errorf("clock skew must be positive, got %s", c.ClockSkew)
	}
	// Rotation must never invalidate a token issued within the last
	// token lifetime, so retired keys have to outlive TTL plus skew.
	if c.KeyGracePeriod < c.TokenTTL+c.ClockSkew {
		return fmt.Errorf("key grace period %s is shorter than token TTL %s + clock skew %s",
			c.KeyGracePeriod, c.TokenTTL, c.ClockSkew)
	}
	if c.RateCapacity <= 0 || c.RateRefill <= 0 {
		return fmt.Errorf("rate capacity and refill must be positive")
	}
	if c.CacheFallbackSize <= 0 {
		return fmt.Errorf("cache fallback size must be positive")
	}
	return nil
}

// ReplayTTL is how long an admitted nonce is remembered. A captured
// request stays verifiable until its timestamp plus the skew window, so
// the nonce must outlive two skew widths plus a margin.
func (c *Config) ReplayTTL() time.Duration {
	return 2*c.ClockSkew + c.ReplayMargin
}
