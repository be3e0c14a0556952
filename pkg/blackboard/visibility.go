package blackboard

import (
	"fmt"
	"slices"
	"time"
)

// VisibilityKind selects how a Visibility descriptor is evaluated.
type VisibilityKind string

const (
	// VisibilityPublic lets every reader see the artifact. The zero Kind means public.
	VisibilityPublic VisibilityKind = "public"

	// VisibilityPrivate restricts the artifact to the named agents.
	VisibilityPrivate VisibilityKind = "private"

	// VisibilityTenant restricts the artifact to readers of one tenant.
	VisibilityTenant VisibilityKind = "tenant"

	// VisibilityLabelled requires the reader to hold every listed label.
	VisibilityLabelled VisibilityKind = "labelled"

	// VisibilityAfter hides the artifact until Delay has passed since creation,
	// then defers to Then (public when nil).
	VisibilityAfter VisibilityKind = "after"
)

// Visibility is a per-artifact access-control descriptor.
type Visibility struct {
	Kind   VisibilityKind `json:"kind,omitempty"`
	Agents []string       `json:"agents,omitempty"`
	Tenant string         `json:"tenant,omitempty"`
	Labels []string       `json:"labels,omitempty"`
	Delay  time.Duration  `json:"delay,omitempty"`
	Then   *Visibility    `json:"then,omitempty"`
}

// Public returns a descriptor readable by everyone.
func Public() Visibility { return Visibility{Kind: VisibilityPublic} }

// Private returns a descriptor readable only by the given agents.
func Private(agents ...string) Visibility {
	return Visibility{Kind: VisibilityPrivate, Agents: agents}
}

// Tenant returns a descriptor readable by identities of the tenant.
func Tenant(tenant string) Visibility {
	return Visibility{Kind: VisibilityTenant, Tenant: tenant}
}

// Labelled returns a descriptor readable by identities holding all labels.
func Labelled(labels ...string) Visibility {
	return Visibility{Kind: VisibilityLabelled, Labels: labels}
}

// After returns a descriptor that stays hidden for delay, then applies then.
func After(delay time.Duration, then *Visibility) Visibility {
	return Visibility{Kind: VisibilityAfter, Delay: delay, Then: then}
}

// Allows reports whether reader may see an artifact created at createdAt,
// evaluated at now.
func (v Visibility) Allows(reader Identity, createdAt, now time.Time) bool {
	switch v.Kind {
	case "", VisibilityPublic:
		return true
	case VisibilityPrivate:
		return slices.Contains(v.Agents, reader.Name)
	case VisibilityTenant:
		return reader.Tenant != "" && reader.Tenant == v.Tenant
	case VisibilityLabelled:
		for _, label := range v.Labels {
			if !slices.Contains(reader.Labels, label) {
				return false
			}
		}
		return true
	case VisibilityAfter:
		if now.Before(createdAt.Add(v.Delay)) {
			return false
		}
		if v.Then == nil {
			return true
		}
		return v.Then.Allows(reader, createdAt, now)
	default:
		return false
	}
}

// Validate checks that the descriptor is well formed.
func (v Visibility) Validate() error {
	switch v.Kind {
	case "", VisibilityPublic:
		return nil
	case VisibilityPrivate:
		if len(v.Agents) == 0 {
			return fmt.Errorf("private visibility requires at least one agent")
		}
	case VisibilityTenant:
		if v.Tenant == "" {
			return fmt.Errorf("tenant visibility requires a tenant")
		}
	case VisibilityLabelled:
		if len(v.Labels) == 0 {
			return fmt.Errorf("labelled visibility requires at least one label")
		}
	case VisibilityAfter:
		if v.Delay < 0 {
			return fmt.Errorf("after visibility delay must not be negative")
		}
		if v.Then != nil {
			if v.Then.Kind == VisibilityAfter {
				return fmt.Errorf("after visibility cannot nest another after")
			}
			return v.Then.Validate()
		}
	default:
		return fmt.Errorf("unknown visibility kind %q", v.Kind)
	}
	return nil
}

// String renders the descriptor for logs and CLI output.
func (v Visibility) String() string {
	switch v.Kind {
	case "", VisibilityPublic:
		return "public"
	case VisibilityPrivate:
		return fmt.Sprintf("private%v", v.Agents)
	case VisibilityTenant:
		return "tenant:" + v.Tenant
	case VisibilityLabelled:
		return fmt.Sprintf("labelled%v", v.Labels)
	case VisibilityAfter:
		then := "public"
		if v.Then != nil {
			then = v.Then.String()
		}
		return fmt.Sprintf("after(%s)->%s", v.Delay, then)
	default:
		return string(v.Kind)
	}
}

func (v Visibility) clone() Visibility {
	c := v
	c.Agents = slices.Clone(v.Agents)
	c.Labels = slices.Clone(v.Labels)
	if v.Then != nil {
		then := v.Then.clone()
		c.Then = &then
	}
	return c
}
