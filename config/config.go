package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	CaptureSockDiag = "sockdiag"
	CaptureBPF      = "bpf"
)

type Config struct {
	Interface string        `mapstructure:"interface"`
	Tick      time.Duration `mapstructure:"tick"`
	Capture   string        `mapstructure:"capture"`
	Raw       bool          `mapstructure:"raw"`

	Log      LogConfig      `mapstructure:"log"`
	BPF      BPFConfig      `mapstructure:"bpf"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Appwrite AppwriteConfig `mapstructure:"appwrite"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// File receives the logs. The dashboard owns the terminal, so without a file it runs
	// with logging disabled.
	File string `mapstructure:"file"`
}

type BPFConfig struct {
	// Object is a compiled BPF object to load and attach to Interface. When empty the
	// counter map at PinPath is expected to be maintained by another loader.
	Object  string `mapstructure:"object"`
	PinPath string `mapstructure:"pin_path"`
}

type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint; empty disables it.
	Addr string `mapstructure:"addr"`
}

type SQLiteConfig struct {
	// Path of the history database; empty disables recording.
	Path          string        `mapstructure:"path"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type AppwriteConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Project  string        `mapstructure:"project"`
	APIKey   string        `mapstructure:"api_key"`
	Database string        `mapstructure:"database"`
	Table    string        `mapstructure:"table"`
	Interval time.Duration `mapstructure:"interval"`
}

// Enabled reports whether enough credentials are present to talk to Appwrite.
func (c AppwriteConfig) Enabled() bool {
	return c.Endpoint != "" && c.Project != "" && c.APIKey != ""
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("interface", "")
	v.SetDefault("tick", time.Second)
	v.SetDefault("capture", CaptureSockDiag)
	v.SetDefault("raw", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("bpf.object", "")
	v.SetDefault("bpf.pin_path", "/sys/fs/bpf/conn_bytes")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("sqlite.path", "")
	v.SetDefault("sqlite.flush_interval", 5*time.Minute)
	v.SetDefault("appwrite.endpoint", "")
	v.SetDefault("appwrite.project", "")
	v.SetDefault("appwrite.api_key", "")
	v.SetDefault("appwrite.database", "")
	v.SetDefault("appwrite.table", "")
	v.SetDefault("appwrite.interval", time.Hour)
}

// New returns a viper instance with defaults and NETWATCH_ environment overrides, so
// sqlite.path is read from NETWATCH_SQLITE_PATH.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("NETWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file and decodes everything into a Config.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Tick <= 0 {
		return fmt.Errorf("tick must be positive, got %s", c.Tick)
	}
	switch c.Capture {
	case CaptureSockDiag:
	case CaptureBPF:
		if c.BPF.PinPath == "" {
			return errors.New("bpf capture needs bpf.pin_path")
		}
		if c.BPF.Object != "" && c.Interface == "" {
			return errors.New("loading bpf.object needs an interface to attach to")
		}
	default:
		return fmt.Errorf("unknown capture backend %q", c.Capture)
	}
	if c.SQLite.Path != "" && c.SQLite.FlushInterval <= 0 {
		return fmt.Errorf("sqlite.flush_interval must be positive, got %s", c.SQLite.FlushInterval)
	}
	if c.Appwrite.Enabled() {
		if c.Appwrite.Database == "" || c.Appwrite.Table == "" {
			return errors.New("missing appwrite.database or appwrite.table")
		}
		if c.SQLite.Path == "" {
			return errors.New("appwrite push reads daily totals from sqlite, set sqlite.path")
		}
		if c.Appwrite.Interval <= 0 {
			return fmt.Errorf("appwrite.interval must be positive, got %s", c.Appwrite.Interval)
		}
	}
	return nil
}
