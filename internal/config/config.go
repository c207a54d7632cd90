package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	InfluxDB InfluxDBConfig `mapstructure:"influxdb"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Devices  DevicesConfig  `mapstructure:"devices"`
	Defaults DefaultsConfig `mapstructure:"defaults"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Events   EventsConfig   `mapstructure:"events"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// InfluxDB receives device readings as time series
type InfluxDBConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Token         string        `mapstructure:"token"`
	Org           string        `mapstructure:"org"`
	Bucket        string        `mapstructure:"bucket"`
	BatchSize     uint          `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type DevicesConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
	AutoConnect bool     `mapstructure:"auto_connect"`
}

// DefaultsConfig fills connection settings a device definition leaves at zero.
type DefaultsConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
}

type MQTTConfig struct {
	ClientIDPrefix string        `mapstructure:"client_id_prefix"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
}

type HTTPConfig struct {
	RetryCount int           `mapstructure:"retry_count"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Defaults setzen
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("influxdb.batch_size", 500)
	v.SetDefault("influxdb.flush_interval", "1s")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("devices.search_paths", []string{"./devices"})
	v.SetDefault("devices.auto_connect", true)
	v.SetDefault("defaults.timeout", types.DefaultTimeout.String())
	v.SetDefault("defaults.poll_interval", types.DefaultPollInterval.String())
	v.SetDefault("defaults.reconnect_interval", types.DefaultReconnectInterval.String())
	v.SetDefault("mqtt.client_id_prefix", "openlab")
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("http.retry_count", 3)
	v.SetDefault("http.retry_delay", "1s")
	v.SetDefault("events.buffer_size", 256)

	// Environment Variables mit Prefix OLC_, z.B. OLC_SERVER_HTTP_PORT
	v.SetEnvPrefix("OLC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port out of range: %d", c.Server.GRPCPort)
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		return fmt.Errorf("influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// Apply fills zero timing fields of cfg and the MQTT keep-alive and HTTP
// retry settings.
func (c *Config) Apply(cfg *types.DeviceConnectionConfig) {
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = int(c.Defaults.Timeout.Milliseconds())
	}
	if cfg.PollIntervalMs == 0 {
		cfg.PollIntervalMs = int(c.Defaults.PollInterval.Milliseconds())
	}
	if cfg.ReconnectIntervalMs == 0 {
		cfg.ReconnectIntervalMs = int(c.Defaults.ReconnectInterval.Milliseconds())
	}

	if p := cfg.MQTT; p != nil {
		if p.KeepAliveSec == 0 {
			p.KeepAliveSec = int(c.MQTT.KeepAlive.Seconds())
		}
	}
	if p := cfg.HTTP; p != nil {
		if p.RetryCount == 0 {
			p.RetryCount = c.HTTP.RetryCount
		}
		if p.RetryDelayMs == 0 {
			p.RetryDelayMs = int(c.HTTP.RetryDelay.Milliseconds())
		}
	}
}
