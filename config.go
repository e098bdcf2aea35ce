package idlez

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/tetratelabs/multierror"
	"gopkg.in/yaml.v3"
)

// Config is the file-level configuration of a tracer and the transactions it starts.
type Config struct {
	Transaction TransactionConfig `yaml:"transaction"`
	Zipkin      ZipkinConfig      `yaml:"zipkin"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// TransactionConfig holds the defaults for every idle transaction.
type TransactionConfig struct {
	// IdleTimeout is a pointer so an explicit 0 is told apart from unset.
	IdleTimeout       *time.Duration    `yaml:"idle_timeout"`
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`
	StallBeats        int               `yaml:"stall_beats"`
	MaxSpans          int               `yaml:"max_spans"`
	TrimEnd           bool              `yaml:"trim_end"`
	Tags              map[string]string `yaml:"tags"`
}

// ZipkinConfig configures the zipkin exporter. An empty Endpoint disables it.
type ZipkinConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	HostPort    string `yaml:"host_port"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with every default set.
func DefaultConfig() *Config {
	var config Config
	setDefaults(&config)
	return &config
}

// LoadConfig reads, defaults and validates a YAML configuration file.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return ParseConfig(data)
}

// ParseConfig parses, defaults and validates YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "failed to parse config YAML")
	}

	setDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &config, nil
}

func setDefaults(config *Config) {
	if config.Transaction.IdleTimeout == nil {
		d := DefaultIdleTimeout
		config.Transaction.IdleTimeout = &d
	}
	if config.Transaction.HeartbeatInterval == 0 {
		config.Transaction.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.Transaction.StallBeats == 0 {
		config.Transaction.StallBeats = DefaultStallBeats
	}
	if config.Transaction.MaxSpans == 0 {
		config.Transaction.MaxSpans = DefaultMaxSpans
	}
	if config.Zipkin.ServiceName == "" {
		config.Zipkin.ServiceName = "idlez"
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var mErr error

	if err := c.TransactionOptions().Validate(); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		mErr = multierror.Append(mErr,
			fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		mErr = multierror.Append(mErr,
			fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}
	if c.Zipkin.Endpoint != "" && c.Zipkin.ServiceName == "" {
		mErr = multierror.Append(mErr,
			errors.New("zipkin.service_name is required when zipkin.endpoint is set"))
	}

	return mErr
}

// TransactionOptions converts the transaction section to per-transaction options.
// The returned value shares nothing with the config.
func (c *Config) TransactionOptions() TransactionOptions {
	opts := TransactionOptions{
		HeartbeatInterval: c.Transaction.HeartbeatInterval,
		StallBeats:        c.Transaction.StallBeats,
		MaxSpans:          c.Transaction.MaxSpans,
		TrimEnd:           c.Transaction.TrimEnd,
	}
	if c.Transaction.IdleTimeout != nil {
		opts.IdleTimeout = *c.Transaction.IdleTimeout
	}
	if len(c.Transaction.Tags) > 0 {
		opts.Tags = make(map[Tag]string, len(c.Transaction.Tags))
		for k, v := range c.Transaction.Tags {
			opts.Tags[k] = v
		}
	}
	return opts
}

// NewLogger builds a slog logger writing to w at the configured level and format.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
