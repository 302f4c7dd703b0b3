package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	Env      string `env:"ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"`

	// Empty RedisURL runs the service on the in-memory store.
	RedisURL  string `env:"REDIS_URL"`
	RedisPass string `env:"REDIS_PASS"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	ChainID          int64  `env:"CHAIN_ID" envDefault:"8453"`
	ChannelManager   string `env:"CHANNEL_MANAGER" envDefault:"0x0000000000000000000000000000000000000000"`
	CasinoPrivateKey string `env:"CASINO_PRIVATE_KEY"`

	OracleMode      string        `env:"ORACLE_MODE" envDefault:"local"`
	OracleDelay     time.Duration `env:"ORACLE_DELAY" envDefault:"2s"`
	OracleJWTSecret string        `env:"ORACLE_JWT_SECRET"`

	SchedulerInterval    time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"60s"`
	CommitTTL            time.Duration `env:"COMMIT_TTL" envDefault:"5m"`
	EntropyTTL           time.Duration `env:"ENTROPY_TTL" envDefault:"5m"`
	DrawInterval         time.Duration `env:"DRAW_INTERVAL" envDefault:"6h"`
	AllowConcurrentGames bool          `env:"ALLOW_CONCURRENT_GAMES" envDefault:"true"`
	RateLimitPerMinute   int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`

	GamesFile string `env:"GAMES_FILE"`
	Games     GameSettings
}

const (
	OracleModeLocal    = "local"
	OracleModeCallback = "callback"
)

// Load reads the process environment. Callers load .env beforehand.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse env")
	}

	switch cfg.OracleMode {
	case OracleModeLocal, OracleModeCallback:
	default:
		return nil, errors.Errorf("invalid ORACLE_MODE %q", cfg.OracleMode)
	}
	if cfg.OracleMode == OracleModeCallback && cfg.OracleJWTSecret == "" {
		return nil, errors.New("ORACLE_JWT_SECRET is required in callback oracle mode")
	}
	if cfg.CommitTTL <= 0 || cfg.EntropyTTL <= 0 {
		return nil, errors.New("commit and entropy TTLs must be positive")
	}

	games, err := LoadGameSettings(cfg.GamesFile)
	if err != nil {
		return nil, err
	}
	cfg.Games = games

	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
