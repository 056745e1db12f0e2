// Package config loads menshnet settings from file, environment and flags and
// builds the SDK components from them.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lightforgemedia/go-menshnet/pkg/client"
	"github.com/lightforgemedia/go-menshnet/pkg/command"
	"github.com/lightforgemedia/go-menshnet/pkg/registry"
	"github.com/lightforgemedia/go-menshnet/pkg/session"
	"github.com/lightforgemedia/go-menshnet/pkg/transport"
	"github.com/lightforgemedia/go-menshnet/pkg/transport/mqtt"
	natstransport "github.com/lightforgemedia/go-menshnet/pkg/transport/nats"
	"github.com/lightforgemedia/go-menshnet/pkg/transport/ws"
)

// EnvPrefix prefixes environment overrides, e.g. MENSHNET_API_KEY or
// MENSHNET_TRANSPORT_KIND.
const EnvPrefix = "MENSHNET"

// Transport kinds
const (
	KindMQTT = "mqtt"
	KindNATS = "nats"
	KindWS   = "ws"
)

// Config holds the complete client configuration.
type Config struct {
	APIKey            string          `mapstructure:"api_key"`
	BaseURL           string          `mapstructure:"base_url"`
	HeartbeatInterval time.Duration   `mapstructure:"heartbeat_interval"`
	ReadyTimeout      time.Duration   `mapstructure:"ready_timeout"` // 0 waits indefinitely
	Log               LogConfig       `mapstructure:"log"`
	Transport         TransportConfig `mapstructure:"transport"`
	Registry          RegistryConfig  `mapstructure:"registry"`
}

// LogConfig selects the log level and handler format.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

// TransportConfig selects and configures the event transport.
type TransportConfig struct {
	Kind string     `mapstructure:"kind"` // mqtt, nats, ws
	MQTT MQTTConfig `mapstructure:"mqtt"`
	NATS NATSConfig `mapstructure:"nats"`
	WS   WSConfig   `mapstructure:"ws"`
}

// MQTTConfig holds MQTT broker settings.
type MQTTConfig struct {
	Broker        string `mapstructure:"broker"`
	ClientID      string `mapstructure:"client_id"` // random when empty
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	AutoReconnect bool   `mapstructure:"auto_reconnect"`
}

// NATSConfig holds NATS server settings.
type NATSConfig struct {
	URL  string `mapstructure:"url"`
	Name string `mapstructure:"name"`
}

// WSConfig holds WebSocket relay settings.
type WSConfig struct {
	URL               string        `mapstructure:"url"`
	Reconnect         bool          `mapstructure:"reconnect"`
	ReconnectDelayMin time.Duration `mapstructure:"reconnect_delay_min"`
	ReconnectDelayMax time.Duration `mapstructure:"reconnect_delay_max"`
}

// RegistryConfig locates the local resource registry.
type RegistryConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

// SetDefaults sets viper defaults for the whole configuration.
func (c *Config) SetDefaults(v *viper.Viper) {
	v.SetDefault("api_key", "")
	v.SetDefault("base_url", command.DefaultBaseURL)
	v.SetDefault("heartbeat_interval", session.DefaultHeartbeatInterval)
	v.SetDefault("ready_timeout", time.Duration(0))
	c.Log.SetDefaults(v, "log")
	c.Transport.SetDefaults(v, "transport")
	c.Registry.SetDefaults(v, "registry")
}

func prefixed(prefix string) string {
	if prefix == "" {
		return ""
	}
	return prefix + "."
}

// SetDefaults sets viper defaults for logging.
func (c *LogConfig) SetDefaults(v *viper.Viper, prefix string) {
	p := prefixed(prefix)
	v.SetDefault(p+"level", "info")
	v.SetDefault(p+"format", "text")
}

// SetDefaults sets viper defaults for the transport.
func (c *TransportConfig) SetDefaults(v *viper.Viper, prefix string) {
	p := prefixed(prefix)
	v.SetDefault(p+"kind", KindMQTT)
	v.SetDefault(p+"mqtt.broker", mqtt.DefaultBroker)
	v.SetDefault(p+"mqtt.client_id", "")
	v.SetDefault(p+"mqtt.username", "")
	v.SetDefault(p+"mqtt.password", "")
	v.SetDefault(p+"mqtt.auto_reconnect", true)
	v.SetDefault(p+"nats.url", "nats://127.0.0.1:4222")
	v.SetDefault(p+"nats.name", "menshnet")
	v.SetDefault(p+"ws.url", "")
	v.SetDefault(p+"ws.reconnect", true)
	v.SetDefault(p+"ws.reconnect_delay_min", time.Second)
	v.SetDefault(p+"ws.reconnect_delay_max", 30*time.Second)
}

// SetDefaults sets viper defaults for the registry.
func (c *RegistryConfig) SetDefaults(v *viper.Viper, prefix string) {
	p := prefixed(prefix)
	v.SetDefault(p+"path", "~/.menshnet/registry")
	v.SetDefault(p+"in_memory", false)
}

// BindFlags registers the common command line flags on fs and binds them to v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("api-key", "", "menshnet API key")
	fs.String("base-url", command.DefaultBaseURL, "command API root")
	fs.String("transport", KindMQTT, "event transport: mqtt, nats or ws")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", "text", "log format: text or json")
	fs.String("registry", "~/.menshnet/registry", "resource registry directory")

	binds := map[string]string{
		"api_key":        "api-key",
		"base_url":       "base-url",
		"transport.kind": "transport",
		"log.level":      "log-level",
		"log.format":     "log-format",
		"registry.path":  "registry",
	}
	for key, flag := range binds {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// New returns a viper instance with defaults and environment overrides set up.
func New() *viper.Viper {
	v := viper.New()
	cfg := &Config{}
	cfg.SetDefaults(v)

	v.SetConfigType("yaml")
	v.SetConfigName("config")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration into a Config.
// Configuration is loaded from YAML files in order of precedence:
// 1. Explicit configPath argument (if provided)
// 2. ./config.yaml
// 3. ~/.menshnet/config.yaml
// Environment variables with prefix MENSHNET_ and bound flags override file values.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.menshnet")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// ParseLevel converts a string to slog.Level
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger writing to w.
func (c *LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Build creates the configured transport.
func (c *TransportConfig) Build(logger *slog.Logger) (transport.Transport, error) {
	switch strings.ToLower(c.Kind) {
	case "", KindMQTT:
		return mqtt.New(mqtt.Options{
			Broker:        c.MQTT.Broker,
			ClientID:      c.MQTT.ClientID,
			Username:      c.MQTT.Username,
			Password:      c.MQTT.Password,
			AutoReconnect: c.MQTT.AutoReconnect,
			Logger:        logger,
		}), nil
	case KindNATS:
		return natstransport.New(natstransport.Options{
			URL:    c.NATS.URL,
			Name:   c.NATS.Name,
			Logger: logger,
		}), nil
	case KindWS:
		if c.WS.URL == "" {
			return nil, fmt.Errorf("transport.ws.url is required for the %s transport", KindWS)
		}
		opts := []ws.Option{ws.WithLogger(logger)}
		if c.WS.Reconnect {
			opts = append(opts, ws.WithAutoReconnect(0, c.WS.ReconnectDelayMin, c.WS.ReconnectDelayMax))
		}
		return ws.New(c.WS.URL, opts...), nil
	default:
		return nil, fmt.Errorf("unknown transport kind: %s", c.Kind)
	}
}

// ClientOptions builds client options, including the configured transport.
func (c *Config) ClientOptions(logger *slog.Logger) (client.Options, error) {
	tr, err := c.Transport.Build(logger)
	if err != nil {
		return client.Options{}, err
	}
	opts := client.DefaultOptions()
	opts.Logger = logger
	opts.Transport = tr
	if c.BaseURL != "" {
		opts.BaseURL = c.BaseURL
	}
	if c.HeartbeatInterval > 0 {
		opts.HeartbeatInterval = c.HeartbeatInterval
	}
	opts.ReadyTimeout = c.ReadyTimeout
	return opts, nil
}

// NewClient builds a client from the configuration.
func (c *Config) NewClient(logger *slog.Logger) (*client.Client, error) {
	if c.APIKey == "" {
		return nil, fmt.Errorf("api key is required (flag --api-key or %s_API_KEY)", EnvPrefix)
	}
	opts, err := c.ClientOptions(logger)
	if err != nil {
		return nil, err
	}
	return client.NewWithOptions(c.APIKey, opts)
}

// OpenRegistry opens the configured registry.
func (c *RegistryConfig) OpenRegistry(logger *slog.Logger) (*registry.Registry, error) {
	return registry.Open(registry.Options{
		Path:     c.Path,
		InMemory: c.InMemory,
		Logger:   logger,
	})
}
