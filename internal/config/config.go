package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/latoulicious/sinkstream/internal/notify"
	"github.com/latoulicious/sinkstream/pkg/database"
	"github.com/latoulicious/sinkstream/pkg/events"
	"github.com/latoulicious/sinkstream/pkg/pipeline"
)

// EnvPrefix prefixes every environment override, e.g. SINKSTREAM_SERVER_PORT
const EnvPrefix = "SINKSTREAM"

// Config is the complete service configuration
type Config struct {
	Server  ServerConfig           `yaml:"server" mapstructure:"server"`
	Capture CaptureConfig          `yaml:"capture" mapstructure:"capture"`
	Encoder pipeline.EncoderConfig `yaml:"encoder" mapstructure:"encoder"`
	Logging pipeline.LoggingConfig `yaml:"logging" mapstructure:"logging"`
	History database.Config        `yaml:"history" mapstructure:"history"`
	Events  events.Config          `yaml:"events" mapstructure:"events"`
	Alerts  notify.Config          `yaml:"alerts" mapstructure:"alerts"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Address           string        `yaml:"address" mapstructure:"address"`
	Port              int           `yaml:"port" mapstructure:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxSessions       int           `yaml:"max_sessions" mapstructure:"max_sessions"`
}

// CaptureConfig names the audio source handed to the encoder
type CaptureConfig struct {
	Source string `yaml:"source" mapstructure:"source"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           "0.0.0.0",
			Port:              5000,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			MaxSessions:       0,
		},
		Capture: CaptureConfig{
			Source: "virtual_sink.monitor",
		},
		Encoder: pipeline.DefaultEncoderConfig(),
		Logging: pipeline.DefaultLoggingConfig(),
		History: database.DefaultConfig(),
		Events:  events.DefaultConfig(),
		Alerts:  notify.DefaultConfig(),
	}
}

// Options tell Load where to look besides the defaults
type Options struct {
	// ConfigFile is an explicit YAML file; when empty sinkstream.yaml is
	// searched for in the working directory and /etc/sinkstream.
	ConfigFile string
	// EnvFile is loaded into the process environment if it exists.
	EnvFile string
	// Flags are bound to their keys; only flags that were set override.
	Flags *pflag.FlagSet
}

// flagKeys maps command line flags onto configuration keys
var flagKeys = map[string]string{
	"addr":      "server.address",
	"port":      "server.port",
	"source":    "capture.source",
	"log-level": "logging.level",
}

// Load builds the configuration from defaults, .env, the YAML file, the
// environment and command line flags, in increasing order of precedence.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v, Default())

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("sinkstream")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sinkstream")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if flag := opts.Flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("error binding flag --%s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.max_sessions", d.Server.MaxSessions)

	v.SetDefault("capture.source", d.Capture.Source)

	v.SetDefault("encoder.binary_path", d.Encoder.BinaryPath)
	v.SetDefault("encoder.input_format", d.Encoder.InputFormat)
	v.SetDefault("encoder.sample_rate", d.Encoder.SampleRate)
	v.SetDefault("encoder.channels", d.Encoder.Channels)
	v.SetDefault("encoder.log_level", d.Encoder.LogLevel)
	v.SetDefault("encoder.chunk_size", d.Encoder.ChunkSize)
	v.SetDefault("encoder.kill_grace", d.Encoder.KillGrace)
	v.SetDefault("encoder.diagnostics_limit", d.Encoder.DiagnosticsLimit)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)

	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.database_path", d.History.DatabasePath)
	v.SetDefault("history.max_connections", d.History.MaxConnections)
	v.SetDefault("history.connection_timeout", d.History.ConnectionTimeout)
	v.SetDefault("history.wal_mode", d.History.WALMode)
	v.SetDefault("history.synchronous_mode", d.History.SynchronousMode)
	v.SetDefault("history.retention", d.History.Retention)
	v.SetDefault("history.cleanup_schedule", d.History.CleanupSchedule)

	v.SetDefault("events.enabled", d.Events.Enabled)
	v.SetDefault("events.broker", d.Events.Broker)
	v.SetDefault("events.client_id", d.Events.ClientID)
	v.SetDefault("events.topic_prefix", d.Events.TopicPrefix)
	v.SetDefault("events.qos", d.Events.QoS)
	v.SetDefault("events.connect_timeout", d.Events.ConnectTimeout)
	v.SetDefault("events.publish_timeout", d.Events.PublishTimeout)

	v.SetDefault("alerts.discord_webhook_url", d.Alerts.DiscordWebhookURL)
	v.SetDefault("alerts.username", d.Alerts.Username)
	v.SetDefault("alerts.timeout", d.Alerts.Timeout)
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		errs = append(errs, errors.New("server read_header_timeout must be positive"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server shutdown_timeout must be positive"))
	}
	if c.Server.MaxSessions < 0 {
		errs = append(errs, errors.New("server max_sessions must be >= 0"))
	}
	if strings.TrimSpace(c.Capture.Source) == "" {
		errs = append(errs, errors.New("capture source cannot be empty"))
	}

	errs = append(errs, c.Encoder.Validate(), c.Logging.Validate(), c.Events.Validate(), c.Alerts.Validate())
	if c.History.Enabled {
		errs = append(errs, c.History.Validate())
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ListenAddr is the host:port the HTTP server binds to
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}

// Dump renders the effective configuration as YAML with secrets masked
func (c *Config) Dump() ([]byte, error) {
	redacted := *c
	if redacted.Alerts.DiscordWebhookURL != "" {
		if id, _, err := notify.ParseWebhookURL(redacted.Alerts.DiscordWebhookURL); err == nil {
			redacted.Alerts.DiscordWebhookURL = "https://discord.com/api/webhooks/" + id + "/********"
		} else {
			redacted.Alerts.DiscordWebhookURL = "********"
		}
	}
	return yaml.Marshal(&redacted)
}
