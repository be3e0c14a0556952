package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/dyluth/flock/internal/logging"
	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/dyluth/flock/pkg/orchestrator"
)

const (
	// DefaultTimeout is how long a command may run before it is killed.
	DefaultTimeout = 5 * time.Minute

	// DefaultMaxOutput caps the bytes read from stdout and stderr (10MB).
	DefaultMaxOutput = 10 * 1024 * 1024

	// diagnosticLimit caps stdout/stderr carried in a ToolError.
	diagnosticLimit = 5000

	// waitDelay bounds how long Wait blocks on pipes held open by grandchildren
	// after the command is killed.
	waitDelay = 500 * time.Millisecond
)

// ToolError describes a command that failed to run, exited non-zero, timed
// out or produced unusable output. ExitCode is -1 when the process did not
// exit on its own.
type ToolError struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	if e.ExitCode > 0 {
		return fmt.Sprintf("tool exited with code %d: %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("tool failed: %v", e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Command runs an agent as a subprocess speaking the ToolInput/ToolOutput contract.
type Command struct {
	argv      []string
	dir       string
	env       []string
	timeout   time.Duration
	maxOutput int
	logger    logging.Logger
}

// Option configures a Command.
type Option func(*Command)

// WithDir sets the working directory.
func WithDir(dir string) Option { return func(c *Command) { c.dir = dir } }

// WithEnv appends KEY=VALUE pairs to the inherited environment.
func WithEnv(env ...string) Option { return func(c *Command) { c.env = append(c.env, env...) } }

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option { return func(c *Command) { c.timeout = d } }

// WithMaxOutput overrides DefaultMaxOutput.
func WithMaxOutput(n int) Option { return func(c *Command) { c.maxOutput = n } }

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option { return func(c *Command) { c.logger = l } }

// NewCommand creates an executor for argv.
func NewCommand(argv []string, opts ...Option) (*Command, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("command array is empty")
	}
	c := &Command{
		argv:      append([]string(nil), argv...),
		timeout:   DefaultTimeout,
		maxOutput: DefaultMaxOutput,
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ orchestrator.Executor = (*Command)(nil)

// Execute runs the command once for req and returns its declared outputs.
func (c *Command) Execute(ctx context.Context, req *orchestrator.Request) ([]blackboard.Draft, error) {
	input, err := json.Marshal(NewToolInput(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool input: %w", err)
	}

	c.logger.Debug("tool_started", "agent", req.AgentID, "command", c.argv[0], "input_bytes", len(input))
	start := time.Now()

	exitCode, stdout, stderr, err := c.run(ctx, input)
	duration := time.Since(start)
	if err != nil {
		c.logger.Warn("tool_failed", "agent", req.AgentID, "exit_code", exitCode, "duration", duration, "error", err)
		return nil, &ToolError{
			ExitCode: exitCode,
			Stdout:   truncate(string(stdout), diagnosticLimit),
			Stderr:   truncate(string(stderr), diagnosticLimit),
			Err:      err,
		}
	}

	output, err := parseToolOutput(stdout)
	if err != nil {
		c.logger.Warn("tool_output_invalid", "agent", req.AgentID, "error", err, "stdout", truncate(string(stdout), 200))
		return nil, &ToolError{
			ExitCode: exitCode,
			Stdout:   truncate(string(stdout), diagnosticLimit),
			Stderr:   truncate(string(stderr), diagnosticLimit),
			Err:      fmt.Errorf("failed to parse tool output: %w", err),
		}
	}

	c.logger.Debug("tool_completed", "agent", req.AgentID, "duration", duration, "outputs", len(output.Outputs))
	return output.Outputs, nil
}

// run executes the subprocess with a timeout and bounded output capture.
func (c *Command) run(ctx context.Context, input []byte) (int, []byte, []byte, error) {
	execCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, c.argv[0], c.argv[1:]...)
	cmd.Dir = c.dir
	cmd.WaitDelay = waitDelay
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return -1, nil, nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	stdoutLimit := &limitedWriter{w: stdoutBuf, limit: c.maxOutput}
	stderrLimit := &limitedWriter{w: stderrBuf, limit: c.maxOutput}
	cmd.Stdout = stdoutLimit
	cmd.Stderr = stderrLimit

	if err := cmd.Start(); err != nil {
		return -1, nil, nil, fmt.Errorf("failed to start process: %w", err)
	}

	go func() {
		defer stdinPipe.Close()
		if _, err := stdinPipe.Write(input); err != nil {
			c.logger.Debug("tool_stdin_write_failed", "error", err)
		}
	}()

	err = cmd.Wait()
	stdout, stderr := stdoutBuf.Bytes(), stderrBuf.Bytes()

	if stdoutLimit.exceeded || stderrLimit.exceeded {
		return -1, stdout, stderr, fmt.Errorf("tool output exceeded %d byte limit", c.maxOutput)
	}

	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return -1, stdout, stderr, fmt.Errorf("tool execution timeout (%s)", c.timeout)
		}
		if ctx.Err() != nil {
			return -1, stdout, stderr, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), stdout, stderr, fmt.Errorf("process exited with code %d", exitErr.ExitCode())
		}
		return -1, stdout, stderr, err
	}
	return 0, stdout, stderr, nil
}

// limitedWriter discards everything past limit while reporting full writes.
// exceeded is set once any byte has been discarded.
type limitedWriter struct {
	w        io.Writer
	limit    int
	written  int
	exceeded bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		if len(p) > 0 {
			lw.exceeded = true
		}
		return len(p), nil
	}
	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
		lw.exceeded = true
	}
	n, err := lw.w.Write(toWrite)
	lw.written += n
	return len(p), err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
