package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main Concierge configuration
type Config struct {
	// Server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// AI provider profiles
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Tool servers the agent connects to
	ToolServers []ToolServerConfig `json:"tool_servers" mapstructure:"tool_servers"`

	// Authorization flows
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	// Pool sizing
	Pool PoolConfig `json:"pool" mapstructure:"pool"`

	// Dispatcher
	Dispatch DispatchConfig `json:"dispatch" mapstructure:"dispatch"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host          string `json:"host" mapstructure:"host"`
	Port          int    `json:"port" mapstructure:"port"`
	CookieMaxAge  int    `json:"cookie_max_age" mapstructure:"cookie_max_age"` // seconds
	SecureCookies bool   `json:"secure_cookies" mapstructure:"secure_cookies"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`

	Model         string  `json:"model" mapstructure:"model"`
	Temperature   float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxIterations int     `json:"max_iterations" mapstructure:"max_iterations"`
	SystemPrompt  string  `json:"system_prompt" mapstructure:"system_prompt"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// ToolServerConfig describes one tool-server process an agent handle owns.
type ToolServerConfig struct {
	Name    string            `json:"name" mapstructure:"name"`
	Command string            `json:"command" mapstructure:"command"`
	Args    []string          `json:"args" mapstructure:"args"`
	Env     map[string]string `json:"env" mapstructure:"env"`
}

// AuthConfig holds external authorization flow configuration
type AuthConfig struct {
	Services []AuthServiceConfig `json:"services" mapstructure:"services"`

	URLWindow    time.Duration `json:"url_window" mapstructure:"url_window"`       // max wait for an auth URL on stdout
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval"` // marker poll interval
	TotalTimeout time.Duration `json:"total_timeout" mapstructure:"total_timeout"` // max wait from launch to tokens
	KillGrace    time.Duration `json:"kill_grace" mapstructure:"kill_grace"`       // terminate -> kill escalation window
}

// AuthServiceConfig describes the authorization subprocess for one service.
type AuthServiceConfig struct {
	Service   string            `json:"service" mapstructure:"service"`
	Command   string            `json:"command" mapstructure:"command"`
	Args      []string          `json:"args" mapstructure:"args"` // session key is appended as the final argument
	WorkDir   string            `json:"work_dir" mapstructure:"work_dir"`
	Env       map[string]string `json:"env" mapstructure:"env"`
	MarkerDir string            `json:"marker_dir" mapstructure:"marker_dir"`
}

// PoolConfig holds session resource pool sizing
type PoolConfig struct {
	MaxTrackedSessions int           `json:"max_tracked_sessions" mapstructure:"max_tracked_sessions"`
	MaxLiveHandles     int           `json:"max_live_handles" mapstructure:"max_live_handles"`
	IdleWindow         time.Duration `json:"idle_window" mapstructure:"idle_window"`
	CheckoutWait       time.Duration `json:"checkout_wait" mapstructure:"checkout_wait"`
	SweepInterval      time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
}

// DispatchConfig holds request dispatcher configuration
type DispatchConfig struct {
	Workers        int           `json:"workers" mapstructure:"workers"`
	QueueSize      int           `json:"queue_size" mapstructure:"queue_size"` // 0 = workers*4, -1 = unbounded
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
	InitTimeout    time.Duration `json:"init_timeout" mapstructure:"init_timeout"`
	ProgressEvery  time.Duration `json:"progress_every" mapstructure:"progress_every"` // progress-log wake-up while waiting
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         5001,
			CookieMaxAge: 30 * 24 * 60 * 60,
		},
		AI: AIConfig{
			Model:         "gpt-4o-mini",
			Temperature:   0.7,
			MaxTokens:     4096,
			MaxIterations: 30,
		},
		Auth: AuthConfig{
			URLWindow:    30 * time.Second,
			PollInterval: 2 * time.Second,
			TotalTimeout: 300 * time.Second,
			KillGrace:    10 * time.Second,
		},
		Pool: PoolConfig{
			MaxTrackedSessions: 200,
			MaxLiveHandles:     4,
			IdleWindow:         5 * time.Minute,
			CheckoutWait:       30 * time.Second,
			SweepInterval:      time.Minute,
		},
		Dispatch: DispatchConfig{
			Workers:        8,
			QueueSize:      0,
			RequestTimeout: 120 * time.Second,
			InitTimeout:    15 * time.Second,
			ProgressEvery:  30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
	}

	if len(c.ToolServers) == 0 {
		return fmt.Errorf("at least one tool server must be configured")
	}
	seen := make(map[string]bool)
	for i, ts := range c.ToolServers {
		if ts.Name == "" {
			return fmt.Errorf("tool server %d: name is required", i)
		}
		if ts.Command == "" {
			return fmt.Errorf("tool server %s: command is required", ts.Name)
		}
		if seen[ts.Name] {
			return fmt.Errorf("tool server %s: duplicate name", ts.Name)
		}
		seen[ts.Name] = true
	}

	for i, svc := range c.Auth.Services {
		if svc.Service == "" {
			return fmt.Errorf("auth service %d: service name is required", i)
		}
		if svc.Command == "" {
			return fmt.Errorf("auth service %s: command is required", svc.Service)
		}
	}

	if c.Pool.MaxLiveHandles <= 0 {
		return fmt.Errorf("pool max_live_handles must be positive")
	}
	if c.Pool.MaxTrackedSessions < c.Pool.MaxLiveHandles {
		return fmt.Errorf("pool max_tracked_sessions (%d) must be >= max_live_handles (%d)",
			c.Pool.MaxTrackedSessions, c.Pool.MaxLiveHandles)
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch workers must be positive")
	}
	if c.Dispatch.RequestTimeout <= 0 {
		return fmt.Errorf("dispatch request_timeout must be positive")
	}

	return nil
}

// AuthService returns the auth configuration for a service, if present.
func (c *Config) AuthService(service string) (AuthServiceConfig, bool) {
	for _, svc := range c.Auth.Services {
		if svc.Service == service {
			return svc, true
		}
	}
	return AuthServiceConfig{}, false
}
