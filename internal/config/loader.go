package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file
func (l *Loader) Load() (*Config, error) {
	configPath := l.configPath
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".concierge", "concierge.json")
	}

	// Missing config file means defaults plus environment.
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("CONCIERGE")
	v.AutomaticEnv()

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		v.SetConfigType("json")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	// API keys may come straight from the environment.
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && !cfg.hasProvider("openai") {
		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
			ID:       "openai-env",
			Provider: "openai",
			APIKey:   key,
			Priority: len(cfg.AI.Profiles),
		})
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && !cfg.hasProvider("anthropic") {
		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
			ID:       "anthropic-env",
			Provider: "anthropic",
			APIKey:   key,
			Priority: len(cfg.AI.Profiles),
		})
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".concierge")
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "concierge.log")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.jsonl")
	}

	// Each auth service needs somewhere to look for completion markers.
	for i := range cfg.Auth.Services {
		if cfg.Auth.Services[i].MarkerDir == "" {
			cfg.Auth.Services[i].MarkerDir = filepath.Join(cfg.DataDir, "tokens", cfg.Auth.Services[i].Service)
		}
	}

	return cfg, nil
}

func (c *Config) hasProvider(provider string) bool {
	for _, p := range c.AI.Profiles {
		if p.Provider == provider {
			return true
		}
	}
	return false
}

// Save writes the configuration to a file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.configPath
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".concierge", "concierge.json")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return os.WriteFile(configPath, []byte(cfg.String()), 0600)
}
