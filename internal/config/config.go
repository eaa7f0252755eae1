package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func getConfigLocations() []string {
	return []string{
		// Relative paths
		".env",
		".flagpost.yaml",
		"config/flagpost.yaml",

		// Container-friendly absolute paths
		"/config/flagpost.yaml",
		"/config/flagpost/.env",
	}
}

type Config struct {
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	// Worker loop
	WorkerDelayMS int `yaml:"worker_delay_ms" env:"WORKER_DELAY_MS"`

	// Shared segment
	SegmentPath string `yaml:"segment_path" env:"SEGMENT_PATH"`
	NumFlags    int    `yaml:"num_flags" env:"NUM_FLAGS"`

	// Storage touched by the unit of work
	StorageDir string `yaml:"storage_dir" env:"STORAGE_DIR"`

	// Supervisor integration. A non-negative pipe fd inherited from the
	// supervisor enables prompt exit on supervisor death; -1 falls back to
	// parent-pid polling, and PollParent=false disables the watch entirely.
	SupervisorPipeFD int  `yaml:"supervisor_pipe_fd" env:"SUPERVISOR_PIPE_FD"`
	PollParent       bool `yaml:"poll_parent" env:"POLL_PARENT"`
}

type Flags struct {
	Config string
}

func (c *Config) initDefaults() {
	c.LogLevel = "info"
	c.WorkerDelayMS = 1000
	c.SegmentPath = "/dev/shm/flagpost.seg"
	c.NumFlags = 64
	c.StorageDir = "."
	c.SupervisorPipeFD = -1
	c.PollParent = true
}

func (c *Config) parseConfigFile(flagPath string, osInterface OSInterface) error {
	// Config file path from flag or env
	configPath := flagPath
	if envPath := osInterface.Getenv("CONFIG"); envPath != "" {
		if configPath != "" && configPath != envPath {
			return fmt.Errorf("conflicting config paths: flag=%s env=%s", configPath, envPath)
		}
		configPath = envPath
	}

	// If no explicit config path, try default locations
	if configPath == "" {
		for _, loc := range getConfigLocations() {
			if _, err := osInterface.Stat(loc); err == nil {
				configPath = loc
				break
			}
		}
	}

	if configPath == "" {
		return nil
	}

	data, err := osInterface.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	// Parse based on file extension
	if strings.HasSuffix(strings.ToLower(configPath), ".env") {
		envMap, err := godotenv.Read(configPath)
		if err != nil {
			return fmt.Errorf("error loading .env file: %w", err)
		}
		if err := env.ParseWithOptions(c, env.Options{
			Environment: envMap,
		}); err != nil {
			return fmt.Errorf("error parsing .env file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("error parsing yaml config: %w", err)
		}
	}
	return nil
}

func (c *Config) parseEnvVariables() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("error parsing environment variables: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.WorkerDelayMS <= 0 {
		return fmt.Errorf("worker_delay_ms must be positive, got %d", c.WorkerDelayMS)
	}
	if c.NumFlags <= 0 {
		return fmt.Errorf("num_flags must be positive, got %d", c.NumFlags)
	}
	if c.SegmentPath == "" {
		return fmt.Errorf("segment_path must not be empty")
	}
	return nil
}

// Parse builds the effective configuration: defaults, then the config file
// (flag, CONFIG env, or a default location), then environment variables,
// which take the highest priority. Called at startup and again on every
// reconfigure request.
func Parse(flags Flags) (*Config, error) {
	return ParseWithOS(flags, defaultOS)
}

func ParseWithOS(flags Flags, osInterface OSInterface) (*Config, error) {
	var config Config

	config.initDefaults()

	if err := config.parseConfigFile(flags.Config, osInterface); err != nil {
		return nil, err
	}

	if err := config.parseEnvVariables(); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}
