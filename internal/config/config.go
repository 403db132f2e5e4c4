// Package config loads the optional YAML configuration shared by the agent and the CLI.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/guseggert/childrun/child"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr       = "0.0.0.0:8080"
	DefaultHeartbeatTimeout = 1 * time.Minute
)

// Config holds the parsed configuration. All fields are optional; zero values mean defaults.
type Config struct {
	ListenAddr          string `yaml:"listen_addr"`
	RawHeartbeatTimeout string `yaml:"heartbeat_timeout"` // e.g. "1m", "30s"
	OnHeartbeatFailure  string `yaml:"on_heartbeat_failure"`
	RawLogLevel         string `yaml:"log_level"`
	// RawCommandTimeout bounds each command run; empty means no limit.
	RawCommandTimeout string `yaml:"command_timeout"`

	Stdout child.Policy `yaml:"stdout"`
	Stderr child.Policy `yaml:"stderr"`

	// CertsDir holds ca.pem, server.pem and server-key.pem for the agent's mTLS.
	CertsDir string `yaml:"certs_dir"`
}

// Load reads the file at path. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for name, raw := range map[string]string{"heartbeat_timeout": c.RawHeartbeatTimeout, "command_timeout": c.RawCommandTimeout} {
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			return fmt.Errorf("invalid %s %q", name, raw)
		}
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.OnHeartbeatFailure {
	case "", "shutdown", "exit", "none":
	default:
		return fmt.Errorf("unsupported on_heartbeat_failure %q", c.OnHeartbeatFailure)
	}
	return nil
}

func (c *Config) Addr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return DefaultListenAddr
}

func (c *Config) HeartbeatTimeout() time.Duration {
	if d, err := time.ParseDuration(c.RawHeartbeatTimeout); err == nil && d > 0 {
		return d
	}
	return DefaultHeartbeatTimeout
}

// CommandTimeout returns 0 when commands may run forever.
func (c *Config) CommandTimeout() time.Duration {
	if d, err := time.ParseDuration(c.RawCommandTimeout); err == nil && d > 0 {
		return d
	}
	return 0
}

func (c *Config) HeartbeatFailureAction() string {
	if c.OnHeartbeatFailure == "" {
		return "none"
	}
	return c.OnHeartbeatFailure
}

func (c *Config) LogLevel() (zapcore.Level, error) {
	var l zapcore.Level
	if c.RawLogLevel == "" {
		return zapcore.InfoLevel, nil
	}
	if err := l.UnmarshalText([]byte(c.RawLogLevel)); err != nil {
		return l, fmt.Errorf("invalid log_level %q: %w", c.RawLogLevel, err)
	}
	return l, nil
}
