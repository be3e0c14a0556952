//go:build integration

package commands

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/dyluth/flock/internal/testutil"
	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestE2E_ServeReactsToExternalPublish verifies that a serving orchestrator
// picks up artifacts published by another process over Redis Pub/Sub.
func TestE2E_ServeReactsToExternalPublish(t *testing.T) {
	env := testutil.SetupE2EEnvironment(t, testutil.EchoAgentFlockYML())
	env.CreateTestAgent("echo", testutil.EchoAgentScript)
	board := env.InitializeBlackboard()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		root := NewRootCmd()
		root.SetOut(new(bytes.Buffer))
		root.SetErr(new(bytes.Buffer))
		root.SetArgs([]string{"-f", env.ConfigPath, "serve"})
		done <- root.ExecuteContext(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("serve did not stop")
		}
	})

	// Give serve time to subscribe before publishing
	time.Sleep(500 * time.Millisecond)

	_, err := board.Publish(env.Ctx, blackboard.MustDraft("Ping", map[string]string{"id": "p-1"}), blackboard.ExternalProducer)
	require.NoError(t, err)

	pong := env.WaitForArtifactByType("Pong")
	assert.Equal(t, "echo", pong.Producer)
	assert.Equal(t, "p-1", pong.Field("id").String())
}

// TestE2E_RunThenHoard runs a cascade against Redis and inspects the result
// from a separate invocation.
func TestE2E_RunThenHoard(t *testing.T) {
	env := testutil.SetupE2EEnvironment(t, testutil.EchoAgentFlockYML())
	env.CreateTestAgent("echo", testutil.EchoAgentScript)

	out, _, err := execute(t, "-f", env.ConfigPath, "run", "--publish", `Ping={"id":"p-2"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "1 invocations (1 succeeded, 0 failed)")

	out, _, err = execute(t, "-f", env.ConfigPath, "hoard", "-o", "jsonl", "--type", "Pong")
	require.NoError(t, err)
	lines := jsonLines(t, out)
	require.Len(t, lines, 1)
	assert.Equal(t, map[string]any{"id": "p-2"}, lines[0]["payload"])

	env.InitializeBlackboard()
	pong := env.WaitForArtifactByType("Pong")
	assert.Equal(t, "echo", pong.Producer)
}
