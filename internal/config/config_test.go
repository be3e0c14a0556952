package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dyluth/flock/internal/filter"
	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/dyluth/flock/pkg/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `version: "1.0"
instance: clinic
store:
  backend: sqlite
  sqlite_path: /tmp/clinic.db
orchestrator:
  max_concurrency: 4
  max_passes: 50
  tick_interval: 250ms
  context_timeout: 2s
  failure_artifacts: false
  health_addr: ":8080"
logging:
  level: debug
  format: text
types:
  XRay: [patient]
  LabResult: [patient]
  Diagnosis: [patient]
  Order: [id, amount]
  Idea: []
  Report: []
agents:
  radiologist:
    command: ["./diagnose.sh", "--fast"]
    workdir: /srv/agents
    environment: ["MODEL=small"]
    timeout: 30s
    max_concurrency: 2
    identity:
      tenant: clinic-a
      labels: [phi]
    subscriptions:
      - consumes: [XRay, LabResult]
        join:
          field: patient
          within: 5m
        publishes: [Diagnosis]
        visibility:
          kind: private
          agents: [auditor]
  bulk:
    command: ["./bulk.sh"]
    subscriptions:
      - consumes: [Order]
        where:
          - field: amount
            op: gt
            value: 100
        tags: [priority]
        from: [checkout]
        batch:
          max_size: 10
          max_wait: 30s
        publishes: [Idea]
        fan_out:
          min: 1
          max: 3
          where:
            - field: title
              op: exists
        prevent_self_trigger: false
  reporter:
    command: ["./report.sh"]
    subscriptions:
      - mode: direct
        consumes: [Diagnosis]
        schedule:
          daily: "09:30"
          max_repeats: 5
        publishes: [Report]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flock.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	config, err := Load(writeConfig(t, fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "1.0", config.Version)
	assert.Equal(t, "clinic", config.Instance)
	assert.Equal(t, BackendSQLite, config.Store.Backend)
	assert.Equal(t, "/tmp/clinic.db", config.Store.SQLitePath)
	assert.Equal(t, 4, config.Orchestrator.MaxConcurrency)
	assert.Equal(t, 50, config.Orchestrator.MaxPasses)
	assert.Equal(t, 250*time.Millisecond, config.Orchestrator.TickInterval)
	assert.Equal(t, 2*time.Second, config.Orchestrator.ContextTimeout)
	assert.False(t, *config.Orchestrator.FailureArtifacts)
	assert.Equal(t, ":8080", config.Orchestrator.HealthAddr)
	assert.Equal(t, "debug", config.Logging.Level)
	assert.Equal(t, []string{"bulk", "radiologist", "reporter"}, config.AgentNames())

	radiologist := config.Agents["radiologist"]
	assert.Equal(t, []string{"./diagnose.sh", "--fast"}, radiologist.Command)
	assert.Equal(t, 30*time.Second, radiologist.Timeout)
	assert.Equal(t, 2, radiologist.MaxConcurrency)
	assert.Equal(t, blackboard.Identity{Name: "radiologist", Tenant: "clinic-a", Labels: []string{"phi"}}, radiologist.IdentityFor("radiologist"))
}

func TestLoad_Defaults(t *testing.T) {
	config, err := Load(writeConfig(t, `version: "1.0"
types:
  Order: []
agents:
  writer:
    command: ["./write.sh"]
    subscriptions:
      - consumes: [Order]
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultInstance, config.Instance)
	assert.Equal(t, BackendMemory, config.Store.Backend)
	assert.Equal(t, DefaultRedisURL, config.Store.RedisURL)
	assert.Equal(t, DefaultMaxConcurrency, config.Orchestrator.MaxConcurrency)
	assert.Zero(t, config.Orchestrator.MaxPasses)
	assert.Equal(t, DefaultTickInterval, config.Orchestrator.TickInterval)
	assert.Equal(t, DefaultContextTimeout, config.Orchestrator.ContextTimeout)
	require.NotNil(t, config.Orchestrator.FailureArtifacts)
	assert.True(t, *config.Orchestrator.FailureArtifacts)
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/flock.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "syntax", content: "version: \"1.0\"\nagents:\n  - this is invalid\n    yaml syntax\n"},
		{name: "unknown key", content: "version: \"1.0\"\nbidding_strategy: claim\n"},
		{name: "empty", content: ""},
		{name: "bad duration", content: "version: \"1.0\"\norchestrator:\n  tick_interval: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
			assert.Nil(t, config)
			assert.Contains(t, err.Error(), "failed to parse YAML")
		})
	}
}

func validConfig() *Config {
	return &Config{
		Version: "1.0",
		Types:   map[string][]string{"Order": {"id"}, "Receipt": nil},
		Agents: map[string]Agent{
			"writer": {
				Command:       []string{"./write.sh"},
				Subscriptions: []SubscriptionConfig{{Consumes: []string{"Order"}, Publishes: []string{"Receipt"}}},
			},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unsupported version", mutate: func(c *Config) { c.Version = "2.0" }, wantErr: "unsupported version: 2.0"},
		{name: "bad backend", mutate: func(c *Config) { c.Store.Backend = "etcd" }, wantErr: "invalid store.backend"},
		{name: "bad instance name", mutate: func(c *Config) { c.Instance = "Prod_1" }, wantErr: "invalid instance name"},
		{name: "negative passes", mutate: func(c *Config) { c.Orchestrator.MaxPasses = -1 }, wantErr: "max_passes"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "unknown log level"},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid logging.format"},
		{name: "empty required path", mutate: func(c *Config) { c.Types["Order"] = []string{""} }, wantErr: "required paths cannot be empty"},
		{name: "no agents", mutate: func(c *Config) { c.Agents = nil }, wantErr: "no agents defined"},
		{
			name:    "missing command",
			mutate:  func(c *Config) { a := c.Agents["writer"]; a.Command = nil; c.Agents["writer"] = a },
			wantErr: "agent 'writer': command is required",
		},
		{
			name:    "bad environment",
			mutate:  func(c *Config) { a := c.Agents["writer"]; a.Environment = []string{"NOVALUE"}; c.Agents["writer"] = a },
			wantErr: "must be KEY=VALUE",
		},
		{
			name:    "no subscriptions",
			mutate:  func(c *Config) { a := c.Agents["writer"]; a.Subscriptions = nil; c.Agents["writer"] = a },
			wantErr: "at least one subscription",
		},
		{
			name: "undeclared consumed type",
			mutate: func(c *Config) {
				c.Agents["writer"].Subscriptions[0].Consumes = []string{"Refund"}
			},
			wantErr: "consumes undeclared type 'Refund'",
		},
		{
			name: "undeclared published type",
			mutate: func(c *Config) {
				c.Agents["writer"].Subscriptions[0].Publishes = []string{"Invoice"}
			},
			wantErr: "publishes undeclared type 'Invoice'",
		},
		{
			name: "join with one type",
			mutate: func(c *Config) {
				c.Agents["writer"].Subscriptions[0].Join = &JoinConfig{Field: "id", Within: time.Minute}
			},
			wantErr: "at least two distinct types",
		},
		{
			name: "bad where",
			mutate: func(c *Config) {
				c.Agents["writer"].Subscriptions[0].Where = filter.Conditions{{Field: "id", Op: "like"}}
			},
			wantErr: "unknown op",
		},
		{
			name: "unknown mode",
			mutate: func(c *Config) {
				c.Agents["writer"].Subscriptions[0].Mode = "poll"
			},
			wantErr: "unknown mode",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_Schedules(t *testing.T) {
	tests := []struct {
		name     string
		schedule ScheduleConfig
		wantErr  string
	}{
		{name: "interval", schedule: ScheduleConfig{Every: time.Minute, After: 5 * time.Second}},
		{name: "daily", schedule: ScheduleConfig{Daily: "06:00"}},
		{name: "at", schedule: ScheduleConfig{At: "2030-01-01T00:00:00Z"}},
		{name: "cron", schedule: ScheduleConfig{Cron: "*/5 * * * *"}},
		{name: "naive datetime", schedule: ScheduleConfig{At: "2030-01-01T00:00:00"}, wantErr: "no timezone"},
		{name: "bad daily", schedule: ScheduleConfig{Daily: "25:00"}, wantErr: "out of range"},
		{name: "bad cron", schedule: ScheduleConfig{Cron: "every day"}, wantErr: "malformed cron"},
		{name: "two modes", schedule: ScheduleConfig{Every: time.Minute, Cron: "* * * * *"}, wantErr: "exactly one"},
		{name: "none", schedule: ScheduleConfig{}, wantErr: "exactly one"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			c.Agents["writer"].Subscriptions[0] = SubscriptionConfig{Mode: "direct", Schedule: &tt.schedule}
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			var schedErr *subscription.ScheduleError
			assert.ErrorAs(t, err, &schedErr)
		})
	}
}

func TestBuildSubscriptions(t *testing.T) {
	config, err := Load(writeConfig(t, fullConfig))
	require.NoError(t, err)

	t.Run("join with visibility", func(t *testing.T) {
		agent := config.Agents["radiologist"]
		subs, err := agent.BuildSubscriptions("radiologist")
		require.NoError(t, err)
		require.Len(t, subs, 1)

		sub := subs[0]
		assert.Equal(t, "radiologist", sub.AgentID)
		assert.Equal(t, []string{"XRay", "LabResult"}, sub.ConsumedTypes)
		require.NotNil(t, sub.Join)
		assert.Equal(t, "patient", sub.Join.Field)
		assert.Equal(t, 5*time.Minute, sub.Join.Within)
		require.NotNil(t, sub.PublishVisibility)
		assert.Equal(t, blackboard.Private("auditor"), *sub.PublishVisibility)
		assert.True(t, sub.PreventsSelfTrigger())
	})

	t.Run("filters batch and fan-out", func(t *testing.T) {
		agent := config.Agents["bulk"]
		subs, err := agent.BuildSubscriptions("bulk")
		require.NoError(t, err)
		sub := subs[0]

		require.NotNil(t, sub.Where)
		assert.True(t, sub.Where(&blackboard.Artifact{Payload: []byte(`{"id":1,"amount":150}`)}))
		assert.False(t, sub.Where(&blackboard.Artifact{Payload: []byte(`{"id":1,"amount":50}`)}))
		assert.Equal(t, []string{"priority"}, sub.Tags)
		assert.Equal(t, []string{"checkout"}, sub.FromAgents)
		assert.Equal(t, &subscription.BatchSpec{MaxSize: 10, MaxWait: 30 * time.Second}, sub.Batch)
		assert.False(t, sub.PreventsSelfTrigger())

		require.NotNil(t, sub.FanOut)
		lo, hi := sub.FanOut.Bounds()
		assert.Equal(t, 1, lo)
		assert.Equal(t, 3, hi)
		require.NotNil(t, sub.FanOut.Where)
		assert.True(t, sub.FanOut.Where(blackboard.Draft{Payload: []byte(`{"title":"x"}`)}))
		assert.False(t, sub.FanOut.Where(blackboard.Draft{Payload: []byte(`{}`)}))
		assert.Nil(t, sub.FanOut.Validate)
	})

	t.Run("direct schedule", func(t *testing.T) {
		agent := config.Agents["reporter"]
		subs, err := agent.BuildSubscriptions("reporter")
		require.NoError(t, err)
		sub := subs[0]

		assert.True(t, sub.IsDirect())
		require.NotNil(t, sub.Schedule)
		assert.Equal(t, &subscription.TimeOfDay{Hour: 9, Minute: 30}, sub.Schedule.Daily)
		assert.Equal(t, 5, sub.Schedule.MaxRepeats)
	})
}

func TestFanOutConfig_Build(t *testing.T) {
	tests := []struct {
		name    string
		fanOut  FanOutConfig
		wantErr string
	}{
		{name: "count", fanOut: FanOutConfig{Count: 4}},
		{name: "range", fanOut: FanOutConfig{Min: 2, Max: 5}},
		{name: "min only", fanOut: FanOutConfig{Min: 2}, wantErr: "count or max"},
		{name: "negative", fanOut: FanOutConfig{Count: -1}, wantErr: "negative"},
		{name: "count with range", fanOut: FanOutConfig{Count: 2, Max: 3}, wantErr: "cannot be combined"},
		{name: "inverted", fanOut: FanOutConfig{Min: 5, Max: 2}, wantErr: "must not exceed"},
		{name: "bad validate", fanOut: FanOutConfig{Count: 1, Validate: filter.Conditions{{Field: "x", Op: "gt", Value: "y"}}}, wantErr: "validate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.fanOut.Build()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestVisibilityConfig_Build(t *testing.T) {
	vis, err := (&VisibilityConfig{Kind: "after", Delay: time.Hour, Then: &VisibilityConfig{Kind: "tenant", Tenant: "acme"}}).Build()
	require.NoError(t, err)
	then := blackboard.Tenant("acme")
	assert.Equal(t, blackboard.After(time.Hour, &then), vis)

	_, err = (&VisibilityConfig{Kind: "private"}).Build()
	assert.ErrorContains(t, err, "at least one agent")

	_, err = (&VisibilityConfig{Kind: "secret"}).Build()
	assert.ErrorContains(t, err, "unknown visibility kind")
}

func TestSchemas(t *testing.T) {
	config, err := Load(writeConfig(t, fullConfig))
	require.NoError(t, err)

	schemas, err := config.Schemas()
	require.NoError(t, err)
	assert.True(t, schemas.Has("XRay"))
	assert.True(t, schemas.Has("Idea"))
	assert.NoError(t, schemas.Validate("Order", []byte(`{"id":1,"amount":2}`)))
	assert.Error(t, schemas.Validate("Order", []byte(`{"id":1}`)))
}

func TestApplyEnv(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())

	env := map[string]string{"FLOCK_INSTANCE_NAME": "staging", "REDIS_URL": "redis://cache:6379/2"}
	c.ApplyEnv(func(k string) string { return env[k] })
	assert.Equal(t, "staging", c.Instance)
	assert.Equal(t, "redis://cache:6379/2", c.Store.RedisURL)

	c.ApplyEnv(func(string) string { return "" })
	assert.Equal(t, "staging", c.Instance)
}
