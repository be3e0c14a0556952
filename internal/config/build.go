package config

import (
	"fmt"
	"io"
	"sort"

	"github.com/dyluth/flock/internal/logging"
	"github.com/dyluth/flock/internal/timespec"
	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/dyluth/flock/pkg/subscription"
)

// Schemas builds the schema registry from the types section.
func (c *Config) Schemas() (*blackboard.SchemaRegistry, error) {
	names := make([]string, 0, len(c.Types))
	for name := range c.Types {
		names = append(names, name)
	}
	sort.Strings(names)

	schemas := blackboard.NewSchemaRegistry()
	for _, name := range names {
		if err := schemas.Register(name, c.Types[name]...); err != nil {
			return nil, fmt.Errorf("failed to register type %s: %w", name, err)
		}
	}
	return schemas, nil
}

// LoggerConfig maps the logging section onto the logger's settings.
func (c *Config) LoggerConfig(out io.Writer) logging.Config {
	return logging.Config{Level: c.Logging.Level, Format: c.Logging.Format, Output: out}
}

// IdentityFor returns the agent's reader identity.
func (a *Agent) IdentityFor(name string) blackboard.Identity {
	return blackboard.Identity{
		Name:   name,
		Tenant: a.Identity.Tenant,
		Labels: append([]string(nil), a.Identity.Labels...),
	}
}

// BuildSubscriptions converts every subscription of the agent.
func (a *Agent) BuildSubscriptions(name string) ([]*subscription.Subscription, error) {
	subs := make([]*subscription.Subscription, 0, len(a.Subscriptions))
	for i, sc := range a.Subscriptions {
		sub, err := sc.Build(name)
		if err != nil {
			return nil, fmt.Errorf("agent '%s' subscription %d: %w", name, i, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Build converts the YAML form into a validated subscription for agent.
func (sc *SubscriptionConfig) Build(agent string) (*subscription.Subscription, error) {
	sub := &subscription.Subscription{
		AgentID:          agent,
		ConsumedTypes:    append([]string(nil), sc.Consumes...),
		Tags:             append([]string(nil), sc.Tags...),
		FromAgents:       append([]string(nil), sc.From...),
		Mode:             subscription.Mode(sc.Mode),
		Produces:         append([]string(nil), sc.Publishes...),
		AllowSelfTrigger: sc.PreventSelfTrigger != nil && !*sc.PreventSelfTrigger,
	}
	if sub.Mode == "" {
		sub.Mode = subscription.ModeEvents
	}

	where, err := sc.Where.Predicate()
	if err != nil {
		return nil, err
	}
	sub.Where = where

	if sc.Join != nil {
		sub.Join = &subscription.JoinSpec{Field: sc.Join.Field, Within: sc.Join.Within}
	}
	if sc.Batch != nil {
		sub.Batch = &subscription.BatchSpec{MaxSize: sc.Batch.MaxSize, MaxWait: sc.Batch.MaxWait}
	}

	if sc.Schedule != nil {
		schedule, err := sc.Schedule.Build()
		if err != nil {
			return nil, &subscription.ScheduleError{AgentID: agent, Err: err}
		}
		sub.Schedule = schedule
	}

	if sc.FanOut != nil {
		fanOut, err := sc.FanOut.Build()
		if err != nil {
			return nil, fmt.Errorf("fan_out: %w", err)
		}
		sub.FanOut = fanOut
	}

	if sc.Visibility != nil {
		vis, err := sc.Visibility.Build()
		if err != nil {
			return nil, fmt.Errorf("visibility: %w", err)
		}
		sub.PublishVisibility = &vis
	}

	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return sub, nil
}

// Build parses the schedule's time expressions.
func (s *ScheduleConfig) Build() (*subscription.Schedule, error) {
	schedule := &subscription.Schedule{
		Every:      s.Every,
		After:      s.After,
		Cron:       s.Cron,
		MaxRepeats: s.MaxRepeats,
	}
	if s.Daily != "" {
		tod, err := timespec.ParseTimeOfDay(s.Daily)
		if err != nil {
			return nil, err
		}
		schedule.Daily = &tod
	}
	if s.At != "" {
		at, err := timespec.ParseAbsolute(s.At)
		if err != nil {
			return nil, err
		}
		schedule.At = at
	}
	return schedule, nil
}

// Build compiles the fan-out bounds and conditions.
func (f *FanOutConfig) Build() (*subscription.FanOut, error) {
	if f.Count < 0 || f.Min < 0 || f.Max < 0 {
		return nil, fmt.Errorf("counts must not be negative")
	}
	if f.Count > 0 && (f.Min > 0 || f.Max > 0) {
		return nil, fmt.Errorf("count cannot be combined with min or max")
	}
	if f.Count == 0 && f.Max == 0 {
		return nil, fmt.Errorf("either count or max is required")
	}
	if f.Count == 0 && f.Min > f.Max {
		return nil, fmt.Errorf("min (%d) must not exceed max (%d)", f.Min, f.Max)
	}

	fanOut := &subscription.FanOut{Count: f.Count, Min: f.Min, Max: f.Max}

	where, err := f.Where.DraftPredicate()
	if err != nil {
		return nil, fmt.Errorf("where: %w", err)
	}
	fanOut.Where = where

	validate, err := f.Validate.DraftPredicate()
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	fanOut.Validate = validate

	return fanOut, nil
}

// Build converts and validates the descriptor.
func (v *VisibilityConfig) Build() (blackboard.Visibility, error) {
	vis := blackboard.Visibility{
		Kind:   blackboard.VisibilityKind(v.Kind),
		Agents: append([]string(nil), v.Agents...),
		Tenant: v.Tenant,
		Labels: append([]string(nil), v.Labels...),
		Delay:  v.Delay,
	}
	if v.Then != nil {
		then, err := v.Then.Build()
		if err != nil {
			return blackboard.Visibility{}, err
		}
		vis.Then = &then
	}
	if err := vis.Validate(); err != nil {
		return blackboard.Visibility{}, err
	}
	return vis, nil
}
