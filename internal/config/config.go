package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"hrauth/internal/lib/duration"
)

const (
	StorageMongo  = "mongodb"
	StorageSQLite = "sqlite"
)

type Config struct {
	Env     string        `yaml:"env" env:"ENV" env-default:"local"`
	Storage StorageConfig `yaml:"storage"`
	Tokens  TokensConfig  `yaml:"tokens"`
	HTTP    HTTPConfig    `yaml:"http"`
	GRPC    GRPCConfig    `yaml:"grpc"`
	Redis   RedisConfig   `yaml:"redis"`
	Events  EventsConfig  `yaml:"events"`
	Sweeper SweeperConfig `yaml:"sweeper"`
}

type StorageConfig struct {
	Type        string      `yaml:"type" env:"STORAGE_TYPE" env-default:"sqlite"`
	Mongo       MongoConfig `yaml:"mongo"`
	SQLitePath  string      `yaml:"sqlite_path" env:"SQLITE_PATH" env-default:"./storage/hrauth.db"`
	AutoMigrate bool        `yaml:"auto_migrate" env:"STORAGE_AUTO_MIGRATE" env-default:"true"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" env:"MONGO_URI" env-default:"mongodb://localhost:27017"`
	Database string `yaml:"database" env:"MONGO_DATABASE" env-default:"hrauth"`
}

// TokensConfig holds signing secrets and lifetimes. Lifetimes are strings
// such as "15m" or "7d"; anything unparseable falls back to one hour.
type TokensConfig struct {
	AccessSecret    string `yaml:"-" env:"JWT_ACCESS_SECRET" env-required:"true"`
	RefreshSecret   string `yaml:"-" env:"JWT_REFRESH_SECRET" env-required:"true"`
	AccessLifetime  string `yaml:"access_lifetime" env:"JWT_ACCESS_LIFETIME" env-default:"15m"`
	RefreshLifetime string `yaml:"refresh_lifetime" env:"JWT_REFRESH_LIFETIME" env-default:"7d"`
}

func (t TokensConfig) AccessTTL() time.Duration  { return duration.Parse(t.AccessLifetime) }
func (t TokensConfig) RefreshTTL() time.Duration { return duration.Parse(t.RefreshLifetime) }

type HTTPConfig struct {
	Address         string        `yaml:"address" env:"HTTP_ADDRESS" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env-default:"5s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env-default:"10s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env-default:"10s"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env-default:"65536"`
	LoginRate       int           `yaml:"login_rate_per_minute" env:"HTTP_LOGIN_RATE" env-default:"30"`
	LoginBurst      int           `yaml:"login_burst" env-default:"10"`
	// TrustedProxies lists the IPs or CIDR ranges whose X-Forwarded-For is
	// honoured. Empty means the socket peer is always the client.
	TrustedProxies []string `yaml:"trusted_proxies" env:"HTTP_TRUSTED_PROXIES" env-separator:","`
}

type GRPCConfig struct {
	Port int `yaml:"port" env:"GRPC_PORT" env-default:"44044"`
}

// RedisConfig enables publishing events to a Redis channel when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
	Channel  string `yaml:"channel" env:"REDIS_CHANNEL" env-default:"hrauth.events"`
}

// EventsConfig sizes the async event queue. With DropIfFull off, Publish
// waits up to EnqueueTimeout for room before dropping the event.
type EventsConfig struct {
	BufferSize     int           `yaml:"buffer_size" env-default:"256"`
	DropIfFull     bool          `yaml:"drop_if_full" env-default:"true"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout" env-default:"50ms"`
}

type SweeperConfig struct {
	Interval time.Duration `yaml:"interval" env:"SWEEPER_INTERVAL" env-default:"1h"`
}

// MustLoad loads the config from the -config flag or CONFIG_PATH and panics on failure.
func MustLoad() *Config {
	path := fetchConfigPath()
	if path == "" {
		panic("config path is empty")
	}

	return MustLoadPath(path)
}

func MustLoadPath(path string) *Config {
	cfg, err := LoadPath(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

func LoadPath(path string) (*Config, error) {
	const op = "config.LoadPath"

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: config file not found: %s", op, path)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("%s: failed to read config: %w", op, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Type {
	case StorageMongo, StorageSQLite:
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if c.Tokens.AccessSecret == c.Tokens.RefreshSecret {
		return errors.New("access and refresh secrets must differ")
	}
	return nil
}

// fetchConfigPath reads the path from the -config flag, then CONFIG_PATH.
func fetchConfigPath() string {
	var res string

	if f := flag.Lookup("config"); f != nil {
		res = f.Value.String()
	} else {
		flag.StringVar(&res, "config", "", "path to config file")
		flag.Parse()
	}

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
