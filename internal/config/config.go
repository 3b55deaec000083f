package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log          LogConfig      `mapstructure:"log"`
	Poller       PollerConfig   `mapstructure:"poller"`
	Modbus       ModbusConfig   `mapstructure:"modbus"`
	Registry     RegistryConfig `mapstructure:"registry"`
	Cache        CacheConfig    `mapstructure:"cache"`
	Hub          HubConfig      `mapstructure:"hub"`
	Server       ServerConfig   `mapstructure:"server"`
	Database     DatabaseConfig `mapstructure:"database"`
	AMQP         AMQPConfig     `mapstructure:"amqp"`
	PulsesPerRow int            `mapstructure:"pulses_per_row"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type PollerConfig struct {
	Period          time.Duration `mapstructure:"period"`
	Concurrency     int           `mapstructure:"concurrency"`
	Jitter          time.Duration `mapstructure:"jitter"`
	Group           string        `mapstructure:"group"`
	RegistryRefresh time.Duration `mapstructure:"registry_refresh"`
}

type ModbusConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	Retries        int           `mapstructure:"retries"`
	PulseSettle    time.Duration `mapstructure:"pulse_settle"`
	MinWindow      int           `mapstructure:"min_window"`
}

type RegistryConfig struct {
	Source  string        `mapstructure:"source"` // http | file | postgres
	BaseURL string        `mapstructure:"base_url"`
	File    string        `mapstructure:"file"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CacheConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type HubConfig struct {
	URL          string        `mapstructure:"url"`
	Token        string        `mapstructure:"token"`
	JWTSecretEnv string        `mapstructure:"jwt_secret_env"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
	ListenPort   int           `mapstructure:"listen_port"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type AMQPConfig struct {
	URL          string        `mapstructure:"url"`
	Exchange     string        `mapstructure:"exchange"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
}

// Load reads the optional YAML file at path and overlays LOOM_* environment
// variables (LOOM_POLLER_PERIOD, LOOM_HUB_URL, ...). An empty path or a
// missing file falls back to defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("poller.period", "1s")
	v.SetDefault("poller.concurrency", 8)
	v.SetDefault("poller.jitter", "50ms")
	v.SetDefault("poller.group", "")
	v.SetDefault("poller.registry_refresh", "0s")

	v.SetDefault("modbus.connect_timeout", "5s")
	v.SetDefault("modbus.read_timeout", "5s")
	v.SetDefault("modbus.retries", 1)
	v.SetDefault("modbus.pulse_settle", "500ms")
	v.SetDefault("modbus.min_window", 16)

	v.SetDefault("registry.source", "http")
	v.SetDefault("registry.base_url", "http://127.0.0.1:3000/api")
	v.SetDefault("registry.file", "configs/devices.yaml")
	v.SetDefault("registry.timeout", "5s")

	v.SetDefault("cache.base_url", "http://127.0.0.1:3000/api")
	v.SetDefault("cache.timeout", "3s")

	v.SetDefault("hub.url", "ws://127.0.0.1:8090")
	v.SetDefault("hub.token", "")
	v.SetDefault("hub.jwt_secret_env", "LOOM_HUB_SECRET")
	v.SetDefault("hub.token_ttl", "12h")
	v.SetDefault("hub.reconnect_max", "8s")
	v.SetDefault("hub.listen_port", 8090)

	v.SetDefault("server.http_port", 8081)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "looms")
	v.SetDefault("database.user", "looms")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 4)

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "loom.state")
	v.SetDefault("amqp.reconnect_max", "30s")

	v.SetDefault("pulses_per_row", 10)
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	if c.Poller.Period <= 0 {
		return fmt.Errorf("poller.period must be positive, got %s", c.Poller.Period)
	}
	if c.Poller.Concurrency < 1 {
		return fmt.Errorf("poller.concurrency must be at least 1, got %d", c.Poller.Concurrency)
	}
	if c.Poller.Jitter < 0 {
		return fmt.Errorf("poller.jitter must not be negative")
	}
	if c.Modbus.Retries < 0 {
		return fmt.Errorf("modbus.retries must not be negative")
	}
	switch c.Registry.Source {
	case "http", "file", "postgres":
	default:
		return fmt.Errorf("unknown registry.source %q", c.Registry.Source)
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// HubSecret returns the shared secret used to sign and verify hub access
// tokens, or "" when none is configured.
func (h *HubConfig) HubSecret() string {
	envVar := h.JWTSecretEnv
	if envVar == "" {
		envVar = "LOOM_HUB_SECRET"
	}
	return os.Getenv(envVar)
}
