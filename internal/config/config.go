// Package config loads the relay configuration: compiled defaults,
// then the YAML file, then RELAY_* environment overrides, in that
// order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen    string `yaml:"listen"`
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	Backend BackendConfig `yaml:"backend"`
	Turn    TurnConfig    `yaml:"turn"`
}

type BackendConfig struct {
	Binary             string   `yaml:"binary"`
	Args               []string `yaml:"args"`
	WorkDir            string   `yaml:"work_dir"`
	PortBase           int      `yaml:"port_base"`
	PortLimit          int      `yaml:"port_limit"`
	HealthIntervalMS   int      `yaml:"health_interval_ms"`
	IdleTimeoutMS      int      `yaml:"idle_timeout_ms"`
	MaxRestartAttempts int      `yaml:"max_restart_attempts"`
}

type TurnConfig struct {
	RenderIntervalMS  int  `yaml:"render_interval_ms"`
	AutoApprove       bool `yaml:"auto_approve"`
	FinalPushAttempts int  `yaml:"final_push_attempts"`
}

func Defaults() Config {
	return Config{
		Listen:   "127.0.0.1:8420",
		DataDir:  ".relay",
		LogLevel: "info",
		Backend: BackendConfig{
			PortBase:           9400,
			PortLimit:          9600,
			HealthIntervalMS:   15_000,
			IdleTimeoutMS:      1_800_000,
			MaxRestartAttempts: 3,
		},
		Turn: TurnConfig{
			RenderIntervalMS:  1_000,
			FinalPushAttempts: 4,
		},
	}
}

// Load reads the config file when it exists and applies environment
// overrides. A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(payload, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Backend.PortLimit <= c.Backend.PortBase {
		return fmt.Errorf("backend port range %d-%d is empty", c.Backend.PortBase, c.Backend.PortLimit)
	}
	if c.Backend.HealthIntervalMS <= 0 {
		return fmt.Errorf("backend health interval must be positive")
	}
	if c.Turn.RenderIntervalMS <= 0 {
		return fmt.Errorf("turn render interval must be positive")
	}
	return nil
}

func (c BackendConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalMS) * time.Millisecond
}

func (c BackendConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

func (c TurnConfig) RenderInterval() time.Duration {
	return time.Duration(c.RenderIntervalMS) * time.Millisecond
}

func applyEnv(cfg *Config) {
	setString(&cfg.Listen, "RELAY_LISTEN")
	setString(&cfg.DataDir, "RELAY_DATA_DIR")
	setString(&cfg.LogLevel, "RELAY_LOG_LEVEL")
	setString(&cfg.AuthToken, "RELAY_AUTH_TOKEN")
	setString(&cfg.Backend.Binary, "RELAY_BACKEND_BINARY")
	setString(&cfg.Backend.WorkDir, "RELAY_BACKEND_WORKDIR")
	setInt(&cfg.Backend.PortBase, "RELAY_BACKEND_PORT_BASE")
	setInt(&cfg.Backend.PortLimit, "RELAY_BACKEND_PORT_LIMIT")
	setInt(&cfg.Backend.HealthIntervalMS, "RELAY_BACKEND_HEALTH_INTERVAL_MS")
	setInt(&cfg.Backend.IdleTimeoutMS, "RELAY_BACKEND_IDLE_TIMEOUT_MS")
	setInt(&cfg.Backend.MaxRestartAttempts, "RELAY_BACKEND_MAX_RESTART_ATTEMPTS")
	setInt(&cfg.Turn.RenderIntervalMS, "RELAY_TURN_RENDER_INTERVAL_MS")
	setBool(&cfg.Turn.AutoApprove, "RELAY_TURN_AUTO_APPROVE")
	setInt(&cfg.Turn.FinalPushAttempts, "RELAY_TURN_FINAL_PUSH_ATTEMPTS")
}

func setString(target *string, name string) {
	if value, ok := os.LookupEnv(name); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func setInt(target *int, name string) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return
	}
	*target = parsed
}

func setBool(target *bool, name string) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return
	}
	*target = parsed
}
