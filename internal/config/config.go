package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "TOKEN_SERVICE"

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	BookingPostgres = "postgres"
	BookingSupabase = "supabase"
)

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type BookingConfig struct {
	Provider    string `mapstructure:"provider"`
	SupabaseURL string `mapstructure:"supabase_url"`
	SupabaseKey string `mapstructure:"supabase_key"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	Subject        string        `mapstructure:"subject"`
	ConnectionName string        `mapstructure:"connection_name"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	FlushTimeout   time.Duration `mapstructure:"flush_timeout"`
	Workers        int           `mapstructure:"workers"`
}

type RateLimitConfig struct {
	IPPerMinute   int `mapstructure:"ip_per_minute"`
	IPBurst       int `mapstructure:"ip_burst"`
	UserPerMinute int `mapstructure:"user_per_minute"`
	UserBurst     int `mapstructure:"user_burst"`
}

// QueueConfig tunes assignment and wait estimates.
type QueueConfig struct {
	AutoActivate       bool          `mapstructure:"auto_activate"`
	SampleWindow       int           `mapstructure:"sample_window"`
	MinSamples         int           `mapstructure:"min_samples"`
	DefaultServingTime time.Duration `mapstructure:"default_serving_time"`
	PreviewLength      int           `mapstructure:"preview_length"`
	// Counters seeds the memory store.
	Counters []string `mapstructure:"counters"`
}

type LiveConfig struct {
	UpdateInterval    time.Duration `mapstructure:"update_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PollTimeout       time.Duration `mapstructure:"poll_timeout"`
}

type NoShowConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Grace     time.Duration `mapstructure:"grace"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

type StartupConfig struct {
	// RetryMaxElapsed bounds how long startup keeps retrying the database
	// and NATS connections.
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`
}

type Config struct {
	Debug       bool            `mapstructure:"debug"`
	Environment string          `mapstructure:"environment"`
	SentryDSN   string          `mapstructure:"sentry_dsn"`
	Store       string          `mapstructure:"store"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Booking     BookingConfig   `mapstructure:"booking"`
	Auth        AuthConfig      `mapstructure:"auth"`
	NATS        NATSConfig      `mapstructure:"nats"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Queue       QueueConfig     `mapstructure:"queue"`
	Live        LiveConfig      `mapstructure:"live"`
	NoShow      NoShowConfig    `mapstructure:"no_show"`
	Startup     StartupConfig   `mapstructure:"startup"`
}

// Load reads configFile (or config.yaml from the usual locations) after
// loading .env files from envPath. Environment variables prefixed with
// TOKEN_SERVICE_ override both.
func Load(configFile string, envPath string) (*Config, error) {
	v := configureViper(configFile, envPath)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	switch c.Booking.Provider {
	case BookingPostgres:
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres booking provider")
		}
	case BookingSupabase:
		if c.Booking.SupabaseURL == "" || c.Booking.SupabaseKey == "" {
			return errors.New("booking.supabase_url and booking.supabase_key are required for the supabase booking provider")
		}
	default:
		return fmt.Errorf("unknown booking provider %q", c.Booking.Provider)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("environment", "development")
	v.SetDefault("store", StorePostgres)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	// Streams hold the response open, so writes are not bounded.
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("booking.provider", BookingPostgres)
	v.SetDefault("nats.subject", "campusdine.tokens.reassigned")
	v.SetDefault("nats.connection_name", "token-service")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.flush_timeout", 2*time.Second)
	v.SetDefault("nats.workers", 4)
	v.SetDefault("rate_limit.ip_per_minute", 120)
	v.SetDefault("rate_limit.ip_burst", 30)
	v.SetDefault("rate_limit.user_per_minute", 240)
	v.SetDefault("rate_limit.user_burst", 60)
	v.SetDefault("queue.auto_activate", false)
	v.SetDefault("queue.sample_window", 10)
	v.SetDefault("queue.min_samples", 3)
	v.SetDefault("queue.default_serving_time", 3*time.Minute)
	v.SetDefault("queue.preview_length", 5)
	v.SetDefault("queue.counters", []string{"Counter 1", "Counter 2"})
	v.SetDefault("live.update_interval", 3*time.Second)
	v.SetDefault("live.heartbeat_interval", 30*time.Second)
	v.SetDefault("live.poll_timeout", 2*time.Second)
	v.SetDefault("no_show.enabled", false)
	v.SetDefault("no_show.grace", 10*time.Minute)
	v.SetDefault("no_show.interval", 30*time.Second)
	v.SetDefault("no_show.batch_size", 100)
	v.SetDefault("startup.retry_max_elapsed", time.Minute)
}

func configureViper(configFile string, envPath string) *viper.Viper {
	v := viper.New()

	loadEnv(envPath)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("cmd/token-service/")
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindAllEnvVars(v)
	return v
}

// bindAllEnvVars is needed for Unmarshal to see env-only keys that have no
// default and no config file entry.
func bindAllEnvVars(v *viper.Viper) {
	keys := []string{
		"debug",
		"environment",
		"sentry_dsn",
		"store",
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.idle_timeout",
		"server.shutdown_timeout",
		"server.cors_origins",
		"database.url",
		"database.max_conns",
		"booking.provider",
		"booking.supabase_url",
		"booking.supabase_key",
		"auth.jwt_secret",
		"nats.url",
		"nats.subject",
		"nats.connection_name",
		"nats.max_reconnects",
		"nats.reconnect_wait",
		"nats.flush_timeout",
		"nats.workers",
		"rate_limit.ip_per_minute",
		"rate_limit.ip_burst",
		"rate_limit.user_per_minute",
		"rate_limit.user_burst",
		"queue.auto_activate",
		"queue.sample_window",
		"queue.min_samples",
		"queue.default_serving_time",
		"queue.preview_length",
		"queue.counters",
		"live.update_interval",
		"live.heartbeat_interval",
		"live.poll_timeout",
		"no_show.enabled",
		"no_show.grace",
		"no_show.interval",
		"no_show.batch_size",
		"startup.retry_max_elapsed",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

func loadEnv(envPath string) {
	if envPath == "" {
		envPath = "config/"
	}
	for _, envFile := range []string{".env", ".env.local"} {
		_ = godotenv.Overload(filepath.Join(envPath, envFile))
	}
}
