//go:build integration

// Package testutil provides integration test environments backed by a real
// Redis container.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/dyluth/flock/internal/config"
	"github.com/dyluth/flock/internal/watch"
	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const redisPort nat.Port = "6379/tcp"

// E2EEnvironment represents an isolated E2E test environment
type E2EEnvironment struct {
	T            *testing.T
	TmpDir       string
	ConfigPath   string
	InstanceName string
	RedisURL     string
	Board        *blackboard.Blackboard
	Ctx          context.Context
}

// StartRedis starts a redis:7-alpine container and returns its URL. The
// container is terminated when the test finishes.
func StartRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{string(redisPort)},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start Redis container")

	t.Cleanup(func() {
		if err := redisC.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err, "Failed to get container host")

	port, err := redisC.MappedPort(ctx, redisPort)
	require.NoError(t, err, "Failed to get container port")

	return fmt.Sprintf("redis://%s:%s", host, port.Port())
}

// SetupE2EEnvironment starts Redis and writes flock.yml into a temp directory.
// The template may reference $REDIS_URL, $INSTANCE and $AGENTS_DIR.
func SetupE2EEnvironment(t *testing.T, flockYML string) *E2EEnvironment {
	tmpDir := t.TempDir()
	agentsDir := filepath.Join(tmpDir, "agents")
	require.NoError(t, os.MkdirAll(agentsDir, 0o755))

	// Unique per test so parallel runs never share keys
	instanceName := fmt.Sprintf("test-e2e-%s", uuid.NewString()[:8])

	env := &E2EEnvironment{
		T:            t,
		TmpDir:       tmpDir,
		ConfigPath:   filepath.Join(tmpDir, "flock.yml"),
		InstanceName: instanceName,
		RedisURL:     StartRedis(t),
		Ctx:          context.Background(),
	}

	rendered := strings.NewReplacer(
		"$REDIS_URL", env.RedisURL,
		"$INSTANCE", instanceName,
		"$AGENTS_DIR", agentsDir,
	).Replace(flockYML)
	require.NoError(t, os.WriteFile(env.ConfigPath, []byte(rendered), 0o644), "Failed to write flock.yml")

	t.Cleanup(func() {
		if env.Board != nil {
			env.Board.Close()
		}
	})
	return env
}

// InitializeBlackboard connects to the environment's Redis with the schemas
// declared in flock.yml.
func (env *E2EEnvironment) InitializeBlackboard() *blackboard.Blackboard {
	cfg, err := config.Load(env.ConfigPath)
	require.NoError(env.T, err, "Failed to load flock.yml")
	schemas, err := cfg.Schemas()
	require.NoError(env.T, err)

	redisOpts, err := redis.ParseURL(env.RedisURL)
	require.NoError(env.T, err)
	backend, err := blackboard.NewRedisBackend(redisOpts, env.InstanceName)
	require.NoError(env.T, err, "Failed to create blackboard backend")

	env.Board = blackboard.New(backend, schemas)
	require.NoError(env.T, env.Board.Ping(env.Ctx))
	return env.Board
}

// WaitForArtifactByType waits up to 30 seconds for an artifact of the given type.
func (env *E2EEnvironment) WaitForArtifactByType(artifactType string) *blackboard.Artifact {
	require.NotNil(env.T, env.Board, "Blackboard not initialized - call InitializeBlackboard first")

	env.T.Logf("Waiting for artifact of type '%s'...", artifactType)
	a, err := watch.WaitForArtifact(env.Ctx, env.Board, blackboard.Query{Types: []string{artifactType}}, 30*time.Second)
	require.NoError(env.T, err, "Artifact of type '%s' not found", artifactType)

	env.T.Logf("✓ Found artifact: type=%s, id=%s, payload=%s", a.Type, a.ID, a.Payload)
	return a
}

// CreateTestAgent writes an executable agent script and returns its path.
func (env *E2EEnvironment) CreateTestAgent(agentName, runScript string) string {
	path := filepath.Join(env.TmpDir, "agents", agentName+".sh")
	require.NoError(env.T, os.WriteFile(path, []byte(runScript), 0o755))
	env.T.Logf("✓ Created test agent: %s", agentName)
	return path
}

// EchoAgentFlockYML returns a flock.yml where "echo" answers every Ping with a
// Pong, run from $AGENTS_DIR/echo.sh.
func EchoAgentFlockYML() string {
	return `version: "1.0"
instance: $INSTANCE
store:
  backend: redis
  redis_url: $REDIS_URL
orchestrator:
  tick_interval: 50ms
logging:
  level: warn
types:
  Ping: [id]
  Pong: [id]
agents:
  echo:
    command: ["sh", "$AGENTS_DIR/echo.sh"]
    subscriptions:
      - consumes: [Ping]
        publishes: [Pong]
`
}

// EchoAgentScript copies the trigger's id into a Pong.
const EchoAgentScript = `#!/bin/sh
id=$(cat | sed -n 's/.*"payload":{"id":"\([^"]*\)".*/\1/p' | head -n 1)
printf '{"outputs":[{"type":"Pong","payload":{"id":"%s"}}]}\n' "$id"
`

// GetProjectRoot walks up from the working directory to the directory holding go.mod.
func GetProjectRoot() string {
	root, err := os.Getwd()
	if err != nil {
		return "."
	}

	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			return root
		}
		parent := filepath.Dir(root)
		if parent == root {
			return "."
		}
		root = parent
	}
}
