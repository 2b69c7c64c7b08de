// Package scr implements the Declarative Services runtime: the component
// metadata model, reference binding, the component configuration state
// machine (DISABLED -> UNSATISFIED_REFERENCE -> SATISFIED -> ACTIVE, with
// DISPOSED as a terminal sink from any state), and the manager that drives
// components through that machine as the services they depend on come and
// go.
//
// The state names and the binding-policy vocabulary (static/dynamic,
// reluctant/greedy, the four cardinalities) follow the Declarative Services
// specification CppMicroServices' compendium/DeclarativeServices
// implements; ComponentConfiguration's transition table is deliberately
// written as a pure function so the legality of a transition can be tested
// without constructing a running component.
package scr

import (
	"context"

	"github.com/c360/dynsvc/props"
)

// Cardinality bounds how many bound services a reference may hold.
type Cardinality string

const (
	Cardinality0_1 Cardinality = "0..1"
	Cardinality1_1 Cardinality = "1..1"
	Cardinality0_N Cardinality = "0..n"
	Cardinality1_N Cardinality = "1..n"
)

// Optional reports whether zero bound services still satisfies the reference.
func (c Cardinality) Optional() bool {
	return c == Cardinality0_1 || c == Cardinality0_N
}

// Multiple reports whether the reference may bind more than one service.
func (c Cardinality) Multiple() bool {
	return c == Cardinality0_N || c == Cardinality1_N
}

func (c Cardinality) satisfiedBy(count int) bool {
	if count > 0 {
		return true
	}
	return c.Optional()
}

// BindingPolicy controls whether a bound reference tracks registry changes
// while the component is active (Dynamic) or requires deactivation and
// reactivation to pick up a new binding (Static).
type BindingPolicy string

const (
	PolicyStatic  BindingPolicy = "static"
	PolicyDynamic BindingPolicy = "dynamic"
)

// BindingPolicyOption further qualifies how a dynamic reference reacts to a
// better-ranked service appearing while already bound.
type BindingPolicyOption string

const (
	// PolicyOptionReluctant keeps the current binding until it disappears.
	PolicyOptionReluctant BindingPolicyOption = "reluctant"
	// PolicyOptionGreedy rebinds immediately to a newly available
	// higher-ranked service.
	PolicyOptionGreedy BindingPolicyOption = "greedy"
)

// ConfigPolicy controls how a missing PID configuration affects a
// component's ability to activate.
type ConfigPolicy string

const (
	// ConfigOptional activates with an empty configuration if none is found.
	ConfigOptional ConfigPolicy = "optional"
	// ConfigRequire keeps the component unsatisfied until a configuration
	// for its PID is published.
	ConfigRequire ConfigPolicy = "require"
	// ConfigIgnore never consults Configuration Admin for this component.
	ConfigIgnore ConfigPolicy = "ignore"
)

// ReferenceMetadata describes one service dependency a component declares.
type ReferenceMetadata struct {
	Name         string
	Interface    string // object class to bind against
	Target       string // optional additional LDAP filter, "" matches any
	Cardinality  Cardinality
	Policy       BindingPolicy
	PolicyOption BindingPolicyOption
}

// policy defaults an unset Policy to PolicyStatic, the conservative default:
// a component with a static reference is deactivated and reactivated rather
// than rebound live whenever its binding would otherwise change.
func (r ReferenceMetadata) policy() BindingPolicy {
	if r.Policy == "" {
		return PolicyStatic
	}
	return r.Policy
}

// policyOption defaults an unset PolicyOption to PolicyOptionReluctant: a
// dynamic reference keeps its current binding alive as long as it remains a
// live candidate, rather than chasing every newly arrived higher-ranked
// service.
func (r ReferenceMetadata) policyOption() BindingPolicyOption {
	if r.PolicyOption == "" {
		return PolicyOptionReluctant
	}
	return r.PolicyOption
}

// Dependencies is handed to a component's Factory at activation time. Refs
// holds the currently bound service instances for each reference, keyed by
// ReferenceMetadata.Name: a single value for 0..1/1..1, a []any for 0..n/1..n.
type Dependencies struct {
	Bundle        string
	Properties    props.Map
	Configuration props.Map
	Refs          map[string]any
}

// Factory constructs a component's implementation instance from its
// resolved Dependencies. Implementations that need to run background work
// should start it from here and stop it when ctx is cancelled (Dispose
// cancels the per-configuration context before releasing references).
type Factory func(ctx context.Context, deps Dependencies) (any, error)

// Modifier is an optional interface a Factory's returned instance may
// implement. When a component is ACTIVE and its configuration is updated,
// an instance implementing Modifier is updated in place through Modified
// instead of being deactivated and reactivated; a returned error falls back
// to the deactivate/reactivate path, just as if Modifier were not
// implemented at all.
type Modifier interface {
	Modified(deps Dependencies) error
}

// Binder is an optional interface a Factory's returned instance may
// implement to be notified as dynamic references rebind while the
// component stays ACTIVE. Static references never call Binder: a change to
// a static binding always goes through a full deactivate/reactivate cycle.
type Binder interface {
	BindRef(name string, service any)
	UnbindRef(name string, service any)
}

// ComponentMetadata is the immutable description of a component type, the
// scr analogue of an OSGi component.xml declaration.
type ComponentMetadata struct {
	Name                string
	Factory             Factory
	Provides            []string // object classes to register the instance under; empty = no service
	Properties          props.Map
	ConfigurationPID    string
	ConfigurationPolicy ConfigPolicy
	References          []ReferenceMetadata
	Immediate           bool // activate as soon as satisfied, rather than lazily on first lookup
}

func (m ComponentMetadata) configPolicy() ConfigPolicy {
	if m.ConfigurationPID == "" {
		return ConfigIgnore
	}
	if m.ConfigurationPolicy == "" {
		return ConfigOptional
	}
	return m.ConfigurationPolicy
}
