package lspmux

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig defines how to start a language server.
type ServerConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments.
	Args []string

	// Env are additional environment variables.
	Env map[string]string

	// WorkDir is the working directory (defaults to the current directory).
	WorkDir string

	// RequestTimeout is the default deadline applied to a Request whose
	// context carries none. Zero means the mux default.
	RequestTimeout time.Duration
}

func (c ServerConfig) validate() error {
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	return nil
}

// Config is an on-disk registry of named server configurations.
type Config struct {
	Servers map[string]ServerConfig
}

// yamlServerConfig is the file schema for one server entry. Durations are
// written as strings ("30s", "2m").
type yamlServerConfig struct {
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	WorkDir        string            `yaml:"workdir"`
	RequestTimeout string            `yaml:"request_timeout"`
}

type yamlConfig struct {
	Servers map[string]yamlServerConfig `yaml:"servers"`
}

// LoadConfig reads a YAML server registry from path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses a YAML server registry.
func ParseConfig(data []byte) (*Config, error) {
	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	cfg := &Config{Servers: make(map[string]ServerConfig, len(raw.Servers))}
	for name, rs := range raw.Servers {
		sc := ServerConfig{
			Command: rs.Command,
			Args:    rs.Args,
			Env:     rs.Env,
			WorkDir: rs.WorkDir,
		}
		if rs.RequestTimeout != "" {
			d, err := time.ParseDuration(rs.RequestTimeout)
			if err != nil {
				return nil, fmt.Errorf("server %s: invalid request_timeout: %w", name, err)
			}
			sc.RequestTimeout = d
		}
		if err := sc.validate(); err != nil {
			return nil, fmt.Errorf("server %s: %w", name, err)
		}
		cfg.Servers[name] = sc
	}
	return cfg, nil
}
