// Package config loads relay's YAML configuration.
//
// Configuration is read once at startup. A .env file next to the process is
// loaded first, then every string scalar in the YAML document has ${VAR}
// placeholders replaced from the environment before decoding. Provider blocks
// (claude, chatgpt) sit at the top level next to the fixed sections.
//
// Example:
//
//	server:
//	  host: 0.0.0.0
//	  port: 8000
//	cache:
//	  db_path: data/cache.db
//	  cleanup_interval: 3600
//	  max_age: 86400
//	claude:
//	  auth_method: google
//	  email: ${CLAUDE_EMAIL}
//	  password: ${CLAUDE_PASSWORD}
//	  session_name: default
package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/entrhq/relay/pkg/types"
)

// Config is the root of the configuration document.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Dev      DevConfig      `yaml:"dev"`
	Cache    CacheConfig    `yaml:"cache"`
	Browser  BrowserConfig  `yaml:"browser"`
	Auth     AuthConfig     `yaml:"auth"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Session  SessionConfig  `yaml:"session"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Providers holds one block per provider keyed by provider name.
	Providers map[string]ProviderConfig `yaml:",inline"`

	// Path is the file the configuration was read from, if any.
	Path string `yaml:"-"`
}

// ServerConfig is the listen address of the HTTP gateway.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DevConfig controls browser visibility and pacing while developing flows.
type DevConfig struct {
	Debug  bool `yaml:"debug"`
	SlowMo int  `yaml:"slow_mo"` // milliseconds between automation steps when Debug is set
}

// CacheConfig configures the conversation cache. Intervals are in seconds.
type CacheConfig struct {
	DBPath          string `yaml:"db_path"`
	CleanupInterval int    `yaml:"cleanup_interval"`
	MaxAge          int    `yaml:"max_age"`
}

// CleanupEvery returns the cleanup interval as a duration.
func (c CacheConfig) CleanupEvery() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}

// TTL returns the default entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.MaxAge) * time.Second
}

// BrowserConfig configures the automation engine.
type BrowserConfig struct {
	StateDir       string   `yaml:"state_dir"`
	ScreenshotDir  string   `yaml:"screenshot_dir"`
	ViewportWidth  int      `yaml:"viewport_width"`
	ViewportHeight int      `yaml:"viewport_height"`
	Args           []string `yaml:"args"`
	SkipInstall    bool     `yaml:"skip_install"`
}

// AuthConfig bounds each login stage. StepTimeout is in seconds.
type AuthConfig struct {
	StepTimeout int `yaml:"step_timeout"`
}

// Step returns the per-stage timeout.
func (a AuthConfig) Step() time.Duration {
	return time.Duration(a.StepTimeout) * time.Second
}

// DispatchConfig is the retry and deadline policy of the request dispatcher.
// Timeouts and backoffs are in seconds unless suffixed otherwise.
type DispatchConfig struct {
	RequestTimeout int `yaml:"request_timeout"`
	AttemptTimeout int `yaml:"attempt_timeout"`
	MaxAttempts    int `yaml:"max_attempts"`
	BackoffInitial int `yaml:"backoff_initial"`
	BackoffMax     int `yaml:"backoff_max"`
	AbandonLimit   int `yaml:"abandon_limit"`
	PollIntervalMS int `yaml:"poll_interval_ms"`
	SettlePolls    int `yaml:"settle_polls"`
}

// SessionConfig configures the session pool. IdleTimeout is in seconds; 0 keeps
// sessions for the lifetime of the process.
type SessionConfig struct {
	IdleTimeout int `yaml:"idle_timeout"`
}

// LoggingConfig configures the log sink.
type LoggingConfig struct {
	Dir    string `yaml:"dir"`
	Stderr *bool  `yaml:"stderr"`
}

// StderrEnabled defaults to true when unset.
func (l LoggingConfig) StderrEnabled() bool {
	return l.Stderr == nil || *l.Stderr
}

// ProviderConfig is one provider block.
type ProviderConfig struct {
	AuthMethod  types.AuthMethod `yaml:"auth_method"`
	Email       string           `yaml:"email"`
	Password    string           `yaml:"password"`
	SessionName string           `yaml:"session_name"`
}

// DefaultSessionName is used when a provider block omits session_name.
const DefaultSessionName = "default"

// DefaultConfig returns the configuration used for any field the file omits.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8000},
		Dev:    DevConfig{Debug: false, SlowMo: 50},
		Cache: CacheConfig{
			DBPath:          "data/cache.db",
			CleanupInterval: 3600,
			MaxAge:          86400,
		},
		Browser: BrowserConfig{
			StateDir:       "data/state",
			ScreenshotDir:  "error_screenshots",
			ViewportWidth:  1920,
			ViewportHeight: 1080,
			Args: []string{
				"--disable-gpu",
				"--disable-dev-shm-usage",
				"--disable-setuid-sandbox",
				"--no-first-run",
				"--no-sandbox",
				"--no-zygote",
				"--disable-extensions",
				"--disable-infobars",
				"--disable-notifications",
				"--disable-popup-blocking",
				"--disable-blink-features=AutomationControlled",
			},
		},
		Auth: AuthConfig{StepTimeout: 60},
		Dispatch: DispatchConfig{
			RequestTimeout: 300,
			AttemptTimeout: 120,
			MaxAttempts:    3,
			BackoffInitial: 1,
			BackoffMax:     10,
			AbandonLimit:   3,
			PollIntervalMS: 100,
			SettlePolls:    50,
		},
		Providers: map[string]ProviderConfig{},
	}
}

// Validate checks the configuration and fills per-provider defaults.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Cache.DBPath == "" {
		return fmt.Errorf("cache.db_path is required")
	}
	if c.Cache.CleanupInterval <= 0 {
		return fmt.Errorf("cache.cleanup_interval must be positive")
	}
	if c.Cache.MaxAge <= 0 {
		return fmt.Errorf("cache.max_age must be positive")
	}
	if c.Auth.StepTimeout <= 0 {
		return fmt.Errorf("auth.step_timeout must be positive")
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	if c.Dispatch.RequestTimeout <= 0 || c.Dispatch.AttemptTimeout <= 0 {
		return fmt.Errorf("dispatch timeouts must be positive")
	}
	if c.Dispatch.BackoffInitial < 0 || c.Dispatch.BackoffMax < c.Dispatch.BackoffInitial {
		return fmt.Errorf("dispatch.backoff_max must be >= backoff_initial >= 0")
	}
	if c.Dispatch.PollIntervalMS <= 0 || c.Dispatch.SettlePolls <= 0 {
		return fmt.Errorf("dispatch.poll_interval_ms and dispatch.settle_polls must be positive")
	}
	if c.Session.IdleTimeout < 0 {
		return fmt.Errorf("session.idle_timeout cannot be negative")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider block (%s) is required", providerNames())
	}

	for name, pc := range c.Providers {
		if _, err := types.ParseProvider(name); err != nil {
			return fmt.Errorf("%w (supported: %s)", err, providerNames())
		}
		if !pc.AuthMethod.Valid() {
			return fmt.Errorf("%s.auth_method must be 'google' or 'direct', got %q", name, pc.AuthMethod)
		}
		if pc.Email == "" {
			return fmt.Errorf("%s.email is required", name)
		}
		if pc.SessionName == "" {
			pc.SessionName = DefaultSessionName
			c.Providers[name] = pc
		}
	}
	return nil
}

// Provider returns the block for p.
func (c *Config) Provider(p types.Provider) (ProviderConfig, bool) {
	pc, ok := c.Providers[string(p)]
	return pc, ok
}

// ConfiguredProviders lists the providers that have a block, sorted.
func (c *Config) ConfiguredProviders() []types.Provider {
	out := make([]types.Provider, 0, len(c.Providers))
	for name := range c.Providers {
		if p, err := types.ParseProvider(name); err == nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func providerNames() string {
	names := ""
	for i, p := range types.Providers() {
		if i > 0 {
			names += ", "
		}
		names += string(p)
	}
	return names
}
