// Package config loads relay settings: defaults, then an optional YAML file, then PORT.
// Command-line flags are applied on top by cmd.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/pelusa-v/pelusa-relay/internal/events"
)

const DefaultPort = "3001"

type Config struct {
	Server ServerConfig `yaml:"server"`
	Sweeps SweepConfig  `yaml:"sweeps"`
	Typing TypingConfig `yaml:"typing"`
	Log    LogConfig    `yaml:"log"`
	NATS   NATSConfig   `yaml:"nats"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	WSPath    string `yaml:"ws_path"`
	SendQueue int    `yaml:"send_queue"`
	ReadLimit int    `yaml:"read_limit"` // bytes per inbound frame
}

type SweepConfig struct {
	Liveness  time.Duration `yaml:"liveness"`
	Reconcile time.Duration `yaml:"reconcile"`
}

type TypingConfig struct {
	QuietWindow time.Duration `yaml:"quiet_window"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Events converts the nats section for events.Connect.
func (n NATSConfig) Events() events.Config {
	return events.Config{
		URL:           n.URL,
		Name:          n.Name,
		SubjectPrefix: n.SubjectPrefix,
		ReconnectWait: n.ReconnectWait,
		Timeout:       n.Timeout,
	}
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:      ":" + DefaultPort,
			WSPath:    "/ws",
			SendQueue: 64,
			ReadLimit: 64 << 10,
		},
		Sweeps: SweepConfig{
			Liveness:  30 * time.Second,
			Reconcile: 60 * time.Second,
		},
		Typing: TypingConfig{QuietWindow: time.Second},
		Log:    LogConfig{Level: "info", Format: "console"},
		NATS: NATSConfig{
			Name:          "pelusa-relay",
			SubjectPrefix: "relay",
			ReconnectWait: 500 * time.Millisecond,
			Timeout:       3 * time.Second,
		},
	}
}

// Load returns the defaults overlaid with path (if non-empty) and the PORT variable.
// ${VAR} references in the file are expanded before parsing.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return cfg, errors.Wrap(err, "parse config")
		}
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.Server.Addr = ":" + port
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Server.Addr) == "":
		return errors.New("server.addr is required")
	case !strings.HasPrefix(c.Server.WSPath, "/"):
		return errors.Errorf("server.ws_path must start with /: %q", c.Server.WSPath)
	case c.Server.SendQueue <= 0:
		return errors.New("server.send_queue must be positive")
	case c.Server.ReadLimit <= 0:
		return errors.New("server.read_limit must be positive")
	case c.Sweeps.Liveness <= 0 || c.Sweeps.Reconcile <= 0:
		return errors.New("sweep intervals must be positive")
	case c.Typing.QuietWindow <= 0:
		return errors.New("typing.quiet_window must be positive")
	}
	return nil
}
