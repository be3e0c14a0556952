// Package orchestrator drives the publish, match, execute cycle over a
// blackboard until no subscription has eligible work.
//
// An Engine owns the subscription registry, the matcher and the timer source.
// Callers add agents, publish artifacts, then either call RunUntilIdle to
// reach the idle fixed point or Serve to keep running with timers.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/flock/internal/logging"
	"github.com/dyluth/flock/internal/matcher"
	"github.com/dyluth/flock/internal/timer"
	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/dyluth/flock/pkg/subscription"
	"golang.org/x/sync/semaphore"
)

// Defaults applied by New.
const (
	DefaultMaxConcurrency = 8
	DefaultTickInterval   = 100 * time.Millisecond
	DefaultContextTimeout = 10 * time.Second
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides the time source used for matching and timers. It
// defaults to the blackboard's clock. Join and batch windows compare it with
// created_at, so an override should match blackboard.WithClock.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithMaxConcurrency bounds the invocations executing at once.
func WithMaxConcurrency(n int) Option { return func(e *Engine) { e.maxConcurrency = n } }

// WithMaxPasses aborts a run with ErrMaxPasses after n dispatch passes. Zero disables the guard.
func WithMaxPasses(n int) Option { return func(e *Engine) { e.maxPasses = n } }

// WithContextProvider replaces the default HistoryContext provider.
func WithContextProvider(p ContextProvider) Option { return func(e *Engine) { e.contextProvider = p } }

// WithContextTimeout bounds each ContextProvider call.
func WithContextTimeout(d time.Duration) Option { return func(e *Engine) { e.contextTimeout = d } }

// WithTickInterval sets how often Serve polls between deadlines.
func WithTickInterval(d time.Duration) Option { return func(e *Engine) { e.tickInterval = d } }

// WithFailureArtifacts toggles publishing flock.InvocationFailure artifacts.
func WithFailureArtifacts(enabled bool) Option { return func(e *Engine) { e.failureArtifacts = enabled } }

// WithInstance names the engine in logs and health output.
func WithInstance(name string) Option { return func(e *Engine) { e.instance = name } }

// WithHealthAddr makes Serve expose GET /healthz on addr (e.g. ":8080").
func WithHealthAddr(addr string) Option { return func(e *Engine) { e.healthAddr = addr } }

type agentEntry struct {
	agent Agent
	sem   *semaphore.Weighted
}

// Engine is the orchestrator. It is safe for concurrent use; RunUntilIdle
// and Serve must not run at the same time.
type Engine struct {
	board    *blackboard.Blackboard
	registry *subscription.Registry
	matcher  *matcher.Matcher
	timers   *timer.Source
	logger   logging.Logger
	now      func() time.Time

	instance         string
	maxConcurrency   int
	maxPasses        int
	tickInterval     time.Duration
	contextTimeout   time.Duration
	contextProvider  ContextProvider
	failureArtifacts bool
	healthAddr       string

	mu       sync.Mutex
	agents   map[string]*agentEntry
	queue    []*blackboard.Artifact
	deferred []*subscription.Invocation
	seen     map[string]struct{}
	failures []Failure
	serving  bool
	wake     chan struct{}

	// runMu serializes runs so a subscription's deliveries stay ordered.
	runMu sync.Mutex
}

// New creates an engine over board.
func New(board *blackboard.Blackboard, opts ...Option) *Engine {
	e := &Engine{
		board:            board,
		registry:         subscription.NewRegistry(),
		timers:           timer.New(),
		logger:           logging.Nop(),
		now:              board.Now,
		instance:         "default",
		maxConcurrency:   DefaultMaxConcurrency,
		tickInterval:     DefaultTickInterval,
		contextTimeout:   DefaultContextTimeout,
		contextProvider:  HistoryContext(DefaultContextLimit),
		failureArtifacts: true,
		agents:           make(map[string]*agentEntry),
		seen:             make(map[string]struct{}),
		wake:             make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxConcurrency <= 0 {
		e.maxConcurrency = DefaultMaxConcurrency
	}
	if e.tickInterval <= 0 {
		e.tickInterval = DefaultTickInterval
	}
	e.matcher = matcher.New(e.registry,
		matcher.WithLogger(e.logger),
		matcher.WithIdentity(e.identity),
	)
	return e
}

// Board returns the blackboard the engine publishes to.
func (e *Engine) Board() *blackboard.Blackboard { return e.board }

// Registry returns the subscription registry.
func (e *Engine) Registry() *subscription.Registry { return e.registry }

// AddAgent registers an agent with its subscriptions. Subscriptions without an
// AgentID are assigned to the agent. Consumed and produced types must already
// be registered with the blackboard's schema registry.
func (e *Engine) AddAgent(agent Agent, subs ...*subscription.Subscription) ([]*subscription.Subscription, error) {
	if agent.Name == "" {
		return nil, fmt.Errorf("%w: agent name cannot be empty", subscription.ErrInvalidSubscription)
	}
	if agent.Executor == nil {
		return nil, fmt.Errorf("%w: agent %s has no executor", subscription.ErrInvalidSubscription, agent.Name)
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("%w: agent %s needs at least one subscription", subscription.ErrInvalidSubscription, agent.Name)
	}
	if agent.Identity.Name == "" {
		agent.Identity.Name = agent.Name
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.serving {
		return nil, ErrServing
	}
	if _, exists := e.agents[agent.Name]; exists {
		return nil, fmt.Errorf("%w: agent %s is already registered", subscription.ErrInvalidSubscription, agent.Name)
	}

	schemas := e.board.Schemas()
	for _, s := range subs {
		if s == nil {
			return nil, fmt.Errorf("%w: nil subscription for agent %s", subscription.ErrInvalidSubscription, agent.Name)
		}
		if s.AgentID != "" && s.AgentID != agent.Name {
			return nil, fmt.Errorf("%w: subscription owned by %s given to agent %s", subscription.ErrInvalidSubscription, s.AgentID, agent.Name)
		}
		for _, t := range append(append([]string(nil), s.ConsumedTypes...), s.Produces...) {
			if !schemas.Has(t) {
				return nil, &blackboard.SchemaError{Type: t, Reason: fmt.Sprintf("agent %s references an unregistered type", agent.Name)}
			}
		}
		// Validate everything up front so a bad subscription registers none.
		probe := *s
		probe.AgentID = agent.Name
		if err := probe.Validate(); err != nil {
			return nil, err
		}
	}

	registered := make([]*subscription.Subscription, 0, len(subs))
	for _, s := range subs {
		copied := *s
		copied.AgentID = agent.Name
		stored, err := e.registry.Register(&copied)
		if err != nil {
			return nil, err
		}
		registered = append(registered, stored)
	}

	entry := &agentEntry{agent: agent}
	if agent.MaxConcurrency > 0 {
		entry.sem = semaphore.NewWeighted(int64(agent.MaxConcurrency))
	}
	e.agents[agent.Name] = entry

	e.logEvent("agent_added", "agent", agent.Name, "subscriptions", len(registered))
	return registered, nil
}

// Publish appends an external artifact and queues it for matching. It does not
// run the cycle.
func (e *Engine) Publish(ctx context.Context, d blackboard.Draft) (*blackboard.Artifact, error) {
	published, err := e.PublishMany(ctx, []blackboard.Draft{d})
	if err != nil {
		return nil, err
	}
	return published[0], nil
}

// PublishMany appends every draft and queues them without running the cycle,
// so callers can batch before paying the matching cost. It stops at the first
// failure; artifacts published before it stay published and queued.
func (e *Engine) PublishMany(ctx context.Context, drafts []blackboard.Draft) ([]*blackboard.Artifact, error) {
	out := make([]*blackboard.Artifact, 0, len(drafts))
	for i, d := range drafts {
		a, err := e.board.Publish(ctx, d, blackboard.ExternalProducer)
		if err != nil {
			return out, fmt.Errorf("failed to publish draft %d (%s): %w", i, d.Type, err)
		}
		e.logEvent("artifact_published", "artifact_id", a.ID, "type", a.Type, "producer", a.Producer)
		e.enqueue(a)
		out = append(out, a)
	}
	e.signal()
	return out, nil
}

// Failures returns every invocation failure recorded by this engine.
func (e *Engine) Failures() []Failure {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Failure(nil), e.failures...)
}

// Pending returns the number of artifacts queued for matching.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Deferred returns the number of matched invocations held back by the pass
// guard. They run first on the next RunUntilIdle or Serve round.
func (e *Engine) Deferred() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.deferred)
}

// enqueue adds a to the matching queue once per artifact id.
func (e *Engine) enqueue(a *blackboard.Artifact) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.seen[a.ID]; dup {
		return false
	}
	e.seen[a.ID] = struct{}{}
	e.queue = append(e.queue, a)
	return true
}

// hold keeps matched but undispatched invocations for the next run. Their
// triggers are not yet marked consumed.
func (e *Engine) hold(invs []*subscription.Invocation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deferred = append(e.deferred, invs...)
}

func (e *Engine) takeDeferred() []*subscription.Invocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.deferred
	e.deferred = nil
	return d
}

func (e *Engine) drain() []*blackboard.Artifact {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.queue
	e.queue = nil
	return q
}

// signal nudges a running Serve loop without blocking.
func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) agent(name string) (*agentEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.agents[name]
	return entry, ok
}

func (e *Engine) identity(agentID string) blackboard.Identity {
	if entry, ok := e.agent(agentID); ok {
		return entry.agent.Identity
	}
	return blackboard.Identity{Name: agentID}
}

func (e *Engine) clock() time.Time { return e.now().UTC() }

// logEvent emits a structured lifecycle event.
func (e *Engine) logEvent(event string, args ...any) {
	e.logger.Info(event, append([]any{"component", "orchestrator", "instance", e.instance}, args...)...)
}

func (e *Engine) logDebug(event string, args ...any) {
	e.logger.Debug(event, append([]any{"component", "orchestrator", "instance", e.instance}, args...)...)
}

func (e *Engine) logError(event string, args ...any) {
	e.logger.Error(event, append([]any{"component", "orchestrator", "instance", e.instance}, args...)...)
}
