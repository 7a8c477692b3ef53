package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/evtrack/internal/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel     = "info"
	DefaultDatabase     = "/var/lib/evtrack/evtrack.db"
	DefaultListen       = "127.0.0.1:8088"
	defaultEnvPrefix    = "EVTRACK"
	defaultConfigName   = "evtrack"
	defaultConfigDir    = "/etc/evtrack"
	configPathEnvSuffix = "_CONFIG"
)

type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Database string         `mapstructure:"database"`
	Listen   string         `mapstructure:"listen"`
	PIDFile  string         `mapstructure:"pid_file"`
	Metrics  bool           `mapstructure:"metrics"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Push     PushConfig     `mapstructure:"push"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Poll     PollConfig     `mapstructure:"poll"`
	Summary  SummaryConfig  `mapstructure:"summary"`
	Goal     GoalConfig     `mapstructure:"goal"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("database", DefaultDatabase)
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("pid_file", "")
	v.SetDefault("metrics", true)
	v.SetDefault("upstream.base_url", "")
	v.SetDefault("upstream.timeout", 15*time.Second)
	v.SetDefault("push.url", "")
	v.SetDefault("push.timeout", 10*time.Second)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", 30*time.Second)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff", time.Second)
	v.SetDefault("queue.size", 256)
	v.SetDefault("poll.tick", time.Second)
	v.SetDefault("summary.interval", 30*time.Second)
	v.SetDefault("summary.batch_size", 10)
	v.SetDefault("goal.threshold_interval", 5*time.Second)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("evtrack", pflag.ContinueOnError)
	fs.String("config", "", "Path to configuration file")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.String("database", DefaultDatabase, "Path to the SQLite database")
	fs.String("listen", DefaultListen, "Address of the control API")
	fs.String("pid-file", "", "Path to the PID file (default: temp dir)")
	fs.Bool("metrics", true, "Expose Prometheus metrics")
	fs.String("upstream-url", "", "Base URL of the vehicle provider API")
	fs.String("push-url", "", "URL of the push notification provider")
	fs.String("redis-addr", "", "Redis address for live progress updates")
	return fs
}

var flagKeys = map[string]string{
	"log-level":    "log_level",
	"database":     "database",
	"listen":       "listen",
	"pid-file":     "pid_file",
	"metrics":      "metrics",
	"upstream-url": "upstream.base_url",
	"push-url":     "push.url",
	"redis-addr":   "redis.addr",
}

// Load reads configuration from defaults, an optional TOML file, the
// environment (after an optional dotenv file) and command line flags, in
// increasing order of precedence.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: defaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}
	if o.args == nil {
		o.args = os.Args[1:]
	}

	fs := newFlagSet()
	if err := fs.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := o.configPath
	if f := fs.Lookup("config"); f != nil && f.Changed {
		configPath = f.Value.String()
	}
	if configPath == "" {
		configPath = os.Getenv(o.envPrefix + configPathEnvSuffix)
	}

	v.SetConfigType("toml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(defaultConfigName)
		v.AddConfigPath(defaultConfigDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	for flagName, key := range flagKeys {
		if f := fs.Lookup(flagName); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errFactory.Wrap(errors.ErrBindFlags, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges that viper cannot express.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Database == "" {
		return errFactory.WithData(errors.ErrMissingConfig, "database")
	}

	intervals := map[string]time.Duration{
		"breaker.cooldown":        c.Breaker.Cooldown,
		"queue.backoff":           c.Queue.Backoff,
		"poll.tick":               c.Poll.Tick,
		"summary.interval":        c.Summary.Interval,
		"goal.threshold_interval": c.Goal.ThresholdInterval,
	}
	for key, d := range intervals {
		if d <= 0 {
			return errFactory.WithData(errors.ErrInvalidInterval, key)
		}
	}

	if c.Breaker.FailureThreshold < 1 || c.Queue.MaxAttempts < 1 || c.Queue.Size < 1 || c.Summary.BatchSize < 1 {
		return errFactory.WithMessage(errors.ErrInvalidConfig,
			"breaker.failure_threshold, queue.max_attempts, queue.size and summary.batch_size must be positive")
	}

	return nil
}
