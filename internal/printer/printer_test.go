package printer

import (
	"bytes"
	"os"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	color.NoColor = true
	var out, errOut bytes.Buffer
	prevOut, prevErr := stdout, stderr
	SetOutput(&out, &errOut)
	t.Cleanup(func() { stdout, stderr = prevOut, prevErr })
	return &out, &errOut
}

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "This is a test error", []string{})
		require.Error(t, err)
		assert.Equal(t, "Test Error", err.Error())
		assert.Equal(t, "Test Error\n\nThis is a test error\n", errOut.String())
	})

	t.Run("single suggestion", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "Explanation", []string{"Try this fix"})
		assert.Equal(t, "Test Error", err.Error())
		assert.Contains(t, errOut.String(), "\nTry this fix\n")
		assert.NotContains(t, errOut.String(), "Either:")
	})

	t.Run("multiple suggestions", func(t *testing.T) {
		_, errOut := capture(t)
		Error("Test Error", "Explanation", []string{"First option", "Second option"})
		assert.Contains(t, errOut.String(), "Either:\n  1. First option\n  2. Second option\n")
	})
}

func TestErrorWithContext(t *testing.T) {
	_, errOut := capture(t)
	err := ErrorWithContext("Redis connection failed", "", map[string]string{
		"Instance": "prod",
		"Backend":  "redis",
	}, []string{"Fix it"})

	assert.Equal(t, "Redis connection failed", err.Error())
	assert.Equal(t, "Redis connection failed\n\n\n  Backend: redis\n  Instance: prod\n\nFix it\n", errOut.String())
}

func TestMessages(t *testing.T) {
	out, errOut := capture(t)
	Success("started %d agents\n", 3)
	Success("✓ done\n")
	Step("loading %s\n", "flock.yml")
	Info("plain\n")
	Warning("careful\n")

	assert.Equal(t, "✓ started 3 agents\n✓ done\n→ loading flock.yml\nplain\n", out.String())
	assert.Equal(t, "⚠️  careful\n", errOut.String())
}

func TestColorEnabled(t *testing.T) {
	env := func(vars map[string]string) func(string) string {
		return func(k string) string { return vars[k] }
	}

	assert.False(t, ColorEnabled(env(map[string]string{"NO_COLOR": "1", "FLOCK_FORCE_COLOR": "1"}), os.Stdout))
	assert.True(t, ColorEnabled(env(map[string]string{"FLOCK_FORCE_COLOR": "1"}), nil))

	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, ColorEnabled(env(nil), f), "regular files are not terminals")
}
