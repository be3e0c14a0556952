package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dyluth/flock/internal/config"
	"github.com/dyluth/flock/internal/executor"
	"github.com/dyluth/flock/internal/instance"
	"github.com/dyluth/flock/internal/logging"
	"github.com/dyluth/flock/internal/printer"
	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/dyluth/flock/pkg/orchestrator"
	"github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

// loadConfig reads flock.yml and applies environment and flag overrides.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, printer.Error(
				"flock.yml not found",
				fmt.Sprintf("No configuration file at %s.", opts.configPath),
				[]string{"Pass the path explicitly:\n  flock --config path/to/flock.yml <command>"},
			)
		}
		return nil, printer.Error("invalid configuration", err.Error(), nil)
	}

	cfg.ApplyEnv(os.Getenv)
	if opts.instanceName != "" {
		cfg.Instance = opts.instanceName
	}
	if err := instance.ValidateName(cfg.Instance); err != nil {
		return nil, printer.Error("invalid instance name", err.Error(), []string{
			"Use lowercase letters, digits and hyphens, e.g.:\n  flock --name prod-1 <command>",
		})
	}
	return cfg, nil
}

// newLogger builds the structured logger described by the logging section.
func newLogger(cfg *config.Config, out io.Writer) (*logging.SlogAdapter, error) {
	logger, err := logging.New(cfg.LoggerConfig(out))
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger.With("instance", cfg.Instance), nil
}

// openBoard connects to the configured store and verifies it is reachable.
func openBoard(ctx context.Context, cfg *config.Config) (*blackboard.Blackboard, error) {
	schemas, err := cfg.Schemas()
	if err != nil {
		return nil, printer.Error("invalid configuration", err.Error(), nil)
	}

	var backend blackboard.Backend
	switch cfg.Store.Backend {
	case config.BackendRedis:
		redisOpts, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		rb, err := blackboard.NewRedisBackend(redisOpts, cfg.Instance)
		if err != nil {
			return nil, fmt.Errorf("failed to create blackboard client: %w", err)
		}
		backend = rb
	case config.BackendSQLite:
		sb, err := blackboard.NewSQLiteBackend(cfg.Store.SQLitePath)
		if err != nil {
			return nil, printer.ErrorWithContext(
				"SQLite store unavailable",
				err.Error(),
				map[string]string{"Path": cfg.Store.SQLitePath},
				nil,
			)
		}
		backend = sb
	default:
		backend = blackboard.NewMemoryBackend()
	}

	board := blackboard.New(backend, schemas)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := board.Ping(pingCtx); err != nil {
		_ = board.Close()
		return nil, printer.ErrorWithContext(
			"store connection failed",
			fmt.Sprintf("Could not reach the %s store.", cfg.Store.Backend),
			map[string]string{"Instance": cfg.Instance, "Redis URL": cfg.Store.RedisURL},
			[]string{"Check that Redis is running and REDIS_URL is correct."},
		)
	}
	return board, nil
}

// buildEngine wires every configured agent to a command executor.
func buildEngine(cfg *config.Config, board *blackboard.Blackboard, logger logging.Logger) (*orchestrator.Engine, error) {
	o := cfg.Orchestrator
	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithInstance(cfg.Instance),
		orchestrator.WithMaxConcurrency(o.MaxConcurrency),
		orchestrator.WithMaxPasses(o.MaxPasses),
		orchestrator.WithTickInterval(o.TickInterval),
		orchestrator.WithContextTimeout(o.ContextTimeout),
		orchestrator.WithHealthAddr(o.HealthAddr),
	}
	if o.FailureArtifacts != nil {
		opts = append(opts, orchestrator.WithFailureArtifacts(*o.FailureArtifacts))
	}
	if o.ContextLimit > 0 {
		opts = append(opts, orchestrator.WithContextProvider(orchestrator.HistoryContext(o.ContextLimit)))
	}
	engine := orchestrator.New(board, opts...)

	for _, name := range cfg.AgentNames() {
		agentCfg := cfg.Agents[name]

		execOpts := []executor.Option{
			executor.WithDir(agentCfg.Workdir),
			executor.WithEnv(agentCfg.Environment...),
			executor.WithLogger(logger),
		}
		if agentCfg.Timeout > 0 {
			execOpts = append(execOpts, executor.WithTimeout(agentCfg.Timeout))
		}
		cmd, err := executor.NewCommand(agentCfg.Command, execOpts...)
		if err != nil {
			return nil, fmt.Errorf("agent '%s': %w", name, err)
		}

		subs, err := agentCfg.BuildSubscriptions(name)
		if err != nil {
			return nil, err
		}

		agent := orchestrator.Agent{
			Name:           name,
			Identity:       agentCfg.IdentityFor(name),
			Executor:       cmd,
			MaxConcurrency: agentCfg.MaxConcurrency,
		}
		if _, err := engine.AddAgent(agent, subs...); err != nil {
			return nil, fmt.Errorf("failed to add agent '%s': %w", name, err)
		}
	}
	return engine, nil
}
