package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the rtsctl configuration file (~/.config/rtsctl/config.yaml).
type Config struct {
	Generation   string `yaml:"generation"`
	QueueDepth   *int64 `yaml:"queue_depth"`
	Journal      string `yaml:"journal"`
	FaultTables  string `yaml:"fault_tables"`
	PollInterval string `yaml:"poll_interval"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "rtsctl", "config.yaml")
}

func applyLogConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyDeviceConfig fills device flags the user did not set.
func applyDeviceConfig(c *cli.Command, cfg Config) {
	if cfg.Generation != "" && !c.IsSet("generation") {
		generation = cfg.Generation
	}
	if cfg.QueueDepth != nil && !c.IsSet("queue-depth") {
		queueDepth = *cfg.QueueDepth
	}
	if cfg.Journal != "" && !c.IsSet("journal") {
		journalPath = cfg.Journal
	}
	if cfg.FaultTables != "" && !c.IsSet("fault-tables") {
		faultTables = cfg.FaultTables
	}
	if cfg.PollInterval != "" && !c.IsSet("poll-interval") {
		if d, err := time.ParseDuration(cfg.PollInterval); err == nil {
			pollInterval = d
		}
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. A missing or unreadable file yields a
// zero Config.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
