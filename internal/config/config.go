// Package config loads and validates flock.yml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/flock/internal/filter"
	"github.com/dyluth/flock/internal/instance"
	"github.com/dyluth/flock/internal/logging"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Validate.
const (
	DefaultInstance       = "default"
	DefaultRedisURL       = "redis://localhost:6379"
	DefaultSQLitePath     = "flock.db"
	DefaultMaxConcurrency = 8
	DefaultTickInterval   = 100 * time.Millisecond
	DefaultContextTimeout = 10 * time.Second
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config represents the top-level flock.yml configuration
type Config struct {
	Version      string              `yaml:"version"`
	Instance     string              `yaml:"instance,omitempty"`
	Store        StoreConfig         `yaml:"store,omitempty"`
	Orchestrator OrchestratorConfig  `yaml:"orchestrator,omitempty"`
	Logging      LoggingConfig       `yaml:"logging,omitempty"`
	Types        map[string][]string `yaml:"types"` // type name -> required payload paths
	Agents       map[string]Agent    `yaml:"agents"`
}

// StoreConfig selects the blackboard backend.
type StoreConfig struct {
	Backend    string `yaml:"backend,omitempty"`
	RedisURL   string `yaml:"redis_url,omitempty"`
	SQLitePath string `yaml:"sqlite_path,omitempty"`
}

// OrchestratorConfig specifies engine behavior
type OrchestratorConfig struct {
	MaxConcurrency   int           `yaml:"max_concurrency,omitempty"`
	MaxPasses        int           `yaml:"max_passes,omitempty"` // 0 = unlimited
	TickInterval     time.Duration `yaml:"tick_interval,omitempty"`
	ContextTimeout   time.Duration `yaml:"context_timeout,omitempty"`
	ContextLimit     int           `yaml:"context_limit,omitempty"`
	HealthAddr       string        `yaml:"health_addr,omitempty"`
	FailureArtifacts *bool         `yaml:"failure_artifacts,omitempty"` // default true
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Agent represents a single agent configuration
type Agent struct {
	Command        []string             `yaml:"command"`
	Workdir        string               `yaml:"workdir,omitempty"`
	Environment    []string             `yaml:"environment,omitempty"`
	Timeout        time.Duration        `yaml:"timeout,omitempty"`
	MaxConcurrency int                  `yaml:"max_concurrency,omitempty"`
	Identity       IdentityConfig       `yaml:"identity,omitempty"`
	Subscriptions  []SubscriptionConfig `yaml:"subscriptions"`
}

// IdentityConfig is the agent's reader identity for visibility checks.
type IdentityConfig struct {
	Tenant string   `yaml:"tenant,omitempty"`
	Labels []string `yaml:"labels,omitempty"`
}

// SubscriptionConfig declares one reaction rule of an agent.
type SubscriptionConfig struct {
	Consumes           []string          `yaml:"consumes,omitempty"`
	Where              filter.Conditions `yaml:"where,omitempty"`
	Tags               []string          `yaml:"tags,omitempty"`
	From               []string          `yaml:"from,omitempty"`
	Mode               string            `yaml:"mode,omitempty"` // "events" (default) or "direct"
	Join               *JoinConfig       `yaml:"join,omitempty"`
	Batch              *BatchConfig      `yaml:"batch,omitempty"`
	Schedule           *ScheduleConfig   `yaml:"schedule,omitempty"`
	Publishes          []string          `yaml:"publishes,omitempty"`
	FanOut             *FanOutConfig     `yaml:"fan_out,omitempty"`
	Visibility         *VisibilityConfig `yaml:"visibility,omitempty"`
	PreventSelfTrigger *bool             `yaml:"prevent_self_trigger,omitempty"` // default true
}

// JoinConfig correlates artifacts by a payload field, or by correlation key
// when Field is empty.
type JoinConfig struct {
	Field  string        `yaml:"field,omitempty"`
	Within time.Duration `yaml:"within"`
}

// BatchConfig flushes on size, on age, or on whichever comes first.
type BatchConfig struct {
	MaxSize int           `yaml:"max_size,omitempty"`
	MaxWait time.Duration `yaml:"max_wait,omitempty"`
}

// ScheduleConfig makes a subscription timer-driven.
type ScheduleConfig struct {
	Every      time.Duration `yaml:"every,omitempty"`
	After      time.Duration `yaml:"after,omitempty"`
	Daily      string        `yaml:"daily,omitempty"` // HH:MM[:SS] UTC
	At         string        `yaml:"at,omitempty"`    // RFC3339 with zone
	Cron       string        `yaml:"cron,omitempty"`
	MaxRepeats int           `yaml:"max_repeats,omitempty"`
}

// FanOutConfig bounds how many instances of each published type one
// invocation emits.
type FanOutConfig struct {
	Count    int               `yaml:"count,omitempty"`
	Min      int               `yaml:"min,omitempty"`
	Max      int               `yaml:"max,omitempty"`
	Where    filter.Conditions `yaml:"where,omitempty"`
	Validate filter.Conditions `yaml:"validate,omitempty"`
}

// VisibilityConfig is the YAML form of blackboard.Visibility.
type VisibilityConfig struct {
	Kind   string            `yaml:"kind"`
	Agents []string          `yaml:"agents,omitempty"`
	Tenant string            `yaml:"tenant,omitempty"`
	Labels []string          `yaml:"labels,omitempty"`
	Delay  time.Duration     `yaml:"delay,omitempty"`
	Then   *VisibilityConfig `yaml:"then,omitempty"`
}

// Validate performs strict validation on the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	c.applyDefaults()

	if err := instance.ValidateName(c.Instance); err != nil {
		return err
	}

	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
	default:
		return fmt.Errorf("invalid store.backend: %s (must be 'memory', 'redis', or 'sqlite')", c.Store.Backend)
	}

	o := c.Orchestrator
	if o.MaxConcurrency < 0 {
		return fmt.Errorf("orchestrator.max_concurrency must be >= 1, got %d", o.MaxConcurrency)
	}
	if o.MaxPasses < 0 {
		return fmt.Errorf("orchestrator.max_passes must be >= 0 (0 = unlimited), got %d", o.MaxPasses)
	}
	if o.TickInterval < 0 || o.ContextTimeout < 0 {
		return fmt.Errorf("orchestrator durations must not be negative")
	}
	if o.ContextLimit < 0 {
		return fmt.Errorf("orchestrator.context_limit must be >= 0, got %d", o.ContextLimit)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging.format: %s (must be 'json' or 'text')", c.Logging.Format)
	}

	for name, paths := range c.Types {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("type names cannot be empty")
		}
		for _, p := range paths {
			if strings.TrimSpace(p) == "" {
				return fmt.Errorf("type '%s': required paths cannot be empty", name)
			}
		}
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("no agents defined")
	}

	for _, name := range c.AgentNames() {
		agent := c.Agents[name]
		if err := agent.Validate(name, c.Types); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Instance == "" {
		c.Instance = DefaultInstance
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Store.RedisURL == "" {
		c.Store.RedisURL = DefaultRedisURL
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = DefaultSQLitePath
	}
	if c.Orchestrator.MaxConcurrency == 0 {
		c.Orchestrator.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.Orchestrator.TickInterval == 0 {
		c.Orchestrator.TickInterval = DefaultTickInterval
	}
	if c.Orchestrator.ContextTimeout == 0 {
		c.Orchestrator.ContextTimeout = DefaultContextTimeout
	}
	if c.Orchestrator.FailureArtifacts == nil {
		enabled := true
		c.Orchestrator.FailureArtifacts = &enabled
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate performs validation on a single agent configuration
func (a *Agent) Validate(name string, types map[string][]string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("agent names cannot be empty")
	}

	if len(a.Command) == 0 || a.Command[0] == "" {
		return fmt.Errorf("agent '%s': command is required", name)
	}

	if a.Timeout < 0 {
		return fmt.Errorf("agent '%s': timeout must not be negative", name)
	}

	if a.MaxConcurrency < 0 {
		return fmt.Errorf("agent '%s': max_concurrency must be >= 0 (0 = engine limit only), got %d", name, a.MaxConcurrency)
	}

	for _, env := range a.Environment {
		if !strings.Contains(env, "=") {
			return fmt.Errorf("agent '%s': environment entry '%s' must be KEY=VALUE", name, env)
		}
	}

	if len(a.Subscriptions) == 0 {
		return fmt.Errorf("agent '%s': at least one subscription is required", name)
	}

	for i, sc := range a.Subscriptions {
		for _, t := range sc.Consumes {
			if _, ok := types[t]; !ok {
				return fmt.Errorf("agent '%s' subscription %d: consumes undeclared type '%s'", name, i, t)
			}
		}
		for _, t := range sc.Publishes {
			if _, ok := types[t]; !ok {
				return fmt.Errorf("agent '%s' subscription %d: publishes undeclared type '%s'", name, i, t)
			}
		}
		if _, err := sc.Build(name); err != nil {
			return fmt.Errorf("agent '%s' subscription %d: %w", name, i, err)
		}
	}

	return nil
}

// AgentNames returns the configured agent names in sorted order.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyEnv overrides settings from the environment (FLOCK_INSTANCE_NAME, REDIS_URL).
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("FLOCK_INSTANCE_NAME"); v != "" {
		c.Instance = v
	}
	if v := getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
}

// Parse decodes and validates a flock.yml document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var config Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse YAML: document is empty")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Load reads and validates flock.yml from the specified path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}
