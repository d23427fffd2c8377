package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v3"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	StorageMemory   = "memory"
	StorageFile     = "file"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"

	ProviderCoinGecko = "coingecko"
	ProviderBinance   = "binance"
	ProviderBybit     = "bybit"
)

type Config struct {
	Env     string
	Server  Server
	Auth    Auth
	Market  Market
	Ledger  Ledger
	Storage Storage
	Journal Journal
	Kafka   Kafka
	Log     Log
}

type Server struct {
	Port            int `validate:"min=1,max=65535"`
	BasePath        string
	CORSOrigins     []string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	// TLSDomains switches the server to HTTPS with ACME certificates for these hosts.
	TLSDomains   []string
	CertCacheDir string
}

type Auth struct {
	JWTSecret string `validate:"nonzero"`
}

type Market struct {
	// Providers are tried in order until one answers.
	Providers       []string `validate:"nonzero"`
	Coins           []string `validate:"nonzero"`
	TTL             time.Duration
	FetchTimeout    time.Duration
	CoinGeckoURL    string
	CoinGeckoAPIKey string
}

type Ledger struct {
	StartingBalance decimal.Decimal
	// MaxPriceDeviation is a fraction: 0.05 rejects prices more than 5% away from the quote, 0 disables the check.
	MaxPriceDeviation decimal.Decimal
	ConflictRetries   int `validate:"min=0"`
	SeedUsers         []string
}

type Storage struct {
	Driver string `validate:"nonzero"`
	Dir    string
	DSN    string
	Redis  Redis
}

type Redis struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

type Journal struct {
	Enabled bool
	Dir     string
}

type Kafka struct {
	Brokers []string
	Topic   string
}

type Log struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// IsProduction reports whether internal error details must be hidden.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// configTmp mirrors the YAML file; decimals are read as strings.
type configTmp struct {
	Env    string `yaml:"env"`
	Server struct {
		Port            int           `yaml:"port"`
		BasePath        string        `yaml:"base_path"`
		CORSOrigins     []string      `yaml:"cors_origins"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		TLSDomains      []string      `yaml:"tls_domains"`
		CertCacheDir    string        `yaml:"cert_cache_dir"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Market struct {
		Providers       []string      `yaml:"providers"`
		Coins           []string      `yaml:"coins"`
		TTL             time.Duration `yaml:"ttl"`
		FetchTimeout    time.Duration `yaml:"fetch_timeout"`
		CoinGeckoURL    string        `yaml:"coingecko_url"`
		CoinGeckoAPIKey string        `yaml:"coingecko_api_key"`
	} `yaml:"market"`
	Ledger struct {
		StartingBalance   string   `yaml:"starting_balance"`
		MaxPriceDeviation string   `yaml:"max_price_deviation"`
		ConflictRetries   *int     `yaml:"conflict_retries"`
		SeedUsers         []string `yaml:"seed_users"`
	} `yaml:"ledger"`
	Storage struct {
		Driver string `yaml:"driver"`
		Dir    string `yaml:"dir"`
		DSN    string `yaml:"dsn"`
		Redis  struct {
			Addr     string `yaml:"addr"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"storage"`
	Journal struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir"`
	} `yaml:"journal"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Env: EnvDevelopment,
		Server: Server{
			Port:            5000,
			CORSOrigins:     []string{"*"},
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CertCacheDir:    "cert-cache",
		},
		Market: Market{
			Providers:    []string{ProviderCoinGecko},
			Coins:        []string{"bitcoin", "ethereum", "binancecoin", "solana", "cardano"},
			TTL:          60 * time.Second,
			FetchTimeout: 5 * time.Second,
		},
		Ledger: Ledger{
			StartingBalance:   decimal.NewFromInt(10000),
			MaxPriceDeviation: decimal.NewFromFloat(0.05),
			ConflictRetries:   3,
		},
		Storage: Storage{
			Driver: StorageMemory,
			Dir:    "./data/accounts",
		},
		Journal: Journal{
			Dir: "./wal/trades",
		},
		Kafka: Kafka{
			Topic: "papertrade.trades",
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path
// and the environment, in that order, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := applyYaml(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyYaml(cfg *Config, path string) error {
	f, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}

	var c configTmp
	if err := yaml.Unmarshal(f, &c); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}

	setString(&cfg.Env, c.Env)

	setInt(&cfg.Server.Port, c.Server.Port)
	setString(&cfg.Server.BasePath, c.Server.BasePath)
	setStrings(&cfg.Server.CORSOrigins, c.Server.CORSOrigins)
	setDuration(&cfg.Server.ReadTimeout, c.Server.ReadTimeout)
	setDuration(&cfg.Server.ShutdownTimeout, c.Server.ShutdownTimeout)
	setStrings(&cfg.Server.TLSDomains, c.Server.TLSDomains)
	setString(&cfg.Server.CertCacheDir, c.Server.CertCacheDir)

	setString(&cfg.Auth.JWTSecret, c.Auth.JWTSecret)

	setStrings(&cfg.Market.Providers, c.Market.Providers)
	setStrings(&cfg.Market.Coins, c.Market.Coins)
	setDuration(&cfg.Market.TTL, c.Market.TTL)
	setDuration(&cfg.Market.FetchTimeout, c.Market.FetchTimeout)
	setString(&cfg.Market.CoinGeckoURL, c.Market.CoinGeckoURL)
	setString(&cfg.Market.CoinGeckoAPIKey, c.Market.CoinGeckoAPIKey)

	if c.Ledger.StartingBalance != "" {
		balance, err := decimal.NewFromString(c.Ledger.StartingBalance)
		if err != nil {
			return fmt.Errorf("incorrect 'starting_balance' param in yaml config (correct format is 10000.50), error: %w", err)
		}
		cfg.Ledger.StartingBalance = balance
	}
	if c.Ledger.MaxPriceDeviation != "" {
		deviation, err := decimal.NewFromString(c.Ledger.MaxPriceDeviation)
		if err != nil {
			return fmt.Errorf("incorrect 'max_price_deviation' param in yaml config (correct format is 0.05), error: %w", err)
		}
		cfg.Ledger.MaxPriceDeviation = deviation
	}
	if c.Ledger.ConflictRetries != nil {
		cfg.Ledger.ConflictRetries = *c.Ledger.ConflictRetries
	}
	setStrings(&cfg.Ledger.SeedUsers, c.Ledger.SeedUsers)

	setString(&cfg.Storage.Driver, c.Storage.Driver)
	setString(&cfg.Storage.Dir, c.Storage.Dir)
	setString(&cfg.Storage.DSN, c.Storage.DSN)
	setString(&cfg.Storage.Redis.Addr, c.Storage.Redis.Addr)
	setString(&cfg.Storage.Redis.Username, c.Storage.Redis.Username)
	setString(&cfg.Storage.Redis.Password, c.Storage.Redis.Password)
	setInt(&cfg.Storage.Redis.DB, c.Storage.Redis.DB)
	setString(&cfg.Storage.Redis.Prefix, c.Storage.Redis.Prefix)

	cfg.Journal.Enabled = c.Journal.Enabled
	setString(&cfg.Journal.Dir, c.Journal.Dir)

	setStrings(&cfg.Kafka.Brokers, c.Kafka.Brokers)
	setString(&cfg.Kafka.Topic, c.Kafka.Topic)

	setString(&cfg.Log.Level, c.Log.Level)
	setString(&cfg.Log.File, c.Log.File)
	setInt(&cfg.Log.MaxSizeMB, c.Log.MaxSizeMB)
	setInt(&cfg.Log.MaxBackups, c.Log.MaxBackups)
	setInt(&cfg.Log.MaxAgeDays, c.Log.MaxAgeDays)

	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid PORT %q", v)
		}
		cfg.Server.Port = port
	}
	setString(&cfg.Auth.JWTSecret, os.Getenv("JWT_SECRET"))
	setString(&cfg.Env, os.Getenv("APP_ENV"))
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Storage.DSN = v
		cfg.Storage.Driver = StoragePostgres
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
		cfg.Storage.Driver = StorageRedis
	}
	setString(&cfg.Market.CoinGeckoAPIKey, os.Getenv("COINGECKO_API_KEY"))
	setStrings(&cfg.Kafka.Brokers, splitList(os.Getenv("KAFKA_BROKERS")))
	return nil
}

func (c *Config) validate() error {
	if err := validator.Validate(c); err != nil {
		return errors.Wrap(err, "validate config")
	}

	for _, p := range c.Market.Providers {
		switch p {
		case ProviderCoinGecko, ProviderBinance, ProviderBybit:
		default:
			return errors.Errorf("unknown market provider %q", p)
		}
	}

	switch c.Storage.Driver {
	case StorageMemory, StorageFile:
	case StorageRedis:
		if c.Storage.Redis.Addr == "" {
			return errors.New("storage.redis.addr is required for the redis driver")
		}
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Ledger.StartingBalance.IsNegative() {
		return errors.New("ledger.starting_balance must not be negative")
	}
	if c.Ledger.MaxPriceDeviation.IsNegative() {
		return errors.New("ledger.max_price_deviation must not be negative")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka.topic is required when brokers are set")
	}
	if c.Server.BasePath != "" && (!strings.HasPrefix(c.Server.BasePath, "/") || strings.HasSuffix(c.Server.BasePath, "/")) {
		return errors.Errorf("server.base_path %q must start with / and not end with /", c.Server.BasePath)
	}

	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

func setStrings(dst *[]string, v []string) {
	if len(v) > 0 {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
