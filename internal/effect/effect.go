// Package effect defines the tagged-variant effect model policies emit and
// the validator that screens each effect before it reaches the executor.
// A policy's compiled body returns a []effect.Effect; nothing downstream
// trusts that slice until Validate has run over every element.
package effect

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind identifies an effect's variant. Built-in kinds are fixed; "pack:*"
// kinds are opened up for handler-registry dispatch (in spirit —
// internal/executor holds the registry).
type Kind string

const (
	KindRouteObservation  Kind = "route_observation"
	KindCreateEntityEvent Kind = "create_entity_event"
	KindProposeAction     Kind = "propose_action"
	KindTagObservation    Kind = "tag_observation"
	KindSuppress          Kind = "suppress"
	KindLog               Kind = "log"
)

// IsPack reports whether kind names a pack effect ("pack:ns:name").
func IsPack(kind Kind) bool {
	return strings.HasPrefix(string(kind), "pack:")
}

var packNameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ParsePack splits a "pack:ns:name" kind into its namespace and name,
// validating both against the `[a-z][a-z0-9_-]*` shape required of each.
func ParsePack(kind Kind) (ns, name string, err error) {
	parts := strings.SplitN(string(kind), ":", 3)
	if len(parts) != 3 || parts[0] != "pack" {
		return "", "", fmt.Errorf("malformed pack effect kind %q", kind)
	}
	ns, name = parts[1], parts[2]
	if !packNameRe.MatchString(ns) {
		return "", "", fmt.Errorf("pack effect namespace %q must match [a-z][a-z0-9_-]*", ns)
	}
	if !packNameRe.MatchString(name) {
		return "", "", fmt.Errorf("pack effect name %q must match [a-z][a-z0-9_-]*", name)
	}
	return ns, name, nil
}

// Effect is implemented by each effect variant. Kind identifies which one
// for the executor's type switch; Validate enforces the required-fields
// table from the effect schema.
type Effect interface {
	Kind() Kind
	Validate() error
}

// RouteObservation copies an observation onto another node.
type RouteObservation struct {
	ToNodeID string `json:"toNodeId"`
}

func (RouteObservation) Kind() Kind { return KindRouteObservation }

func (e RouteObservation) Validate() error {
	if e.ToNodeID == "" {
		return fmt.Errorf("route_observation: toNodeId is required")
	}
	return nil
}

// EntityEventSpec is the event payload for CreateEntityEvent.
type EntityEventSpec struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// CreateEntityEvent appends to an entity's event log.
type CreateEntityEvent struct {
	EntityID string          `json:"entityId"`
	Event    EntityEventSpec `json:"event"`
}

func (CreateEntityEvent) Kind() Kind { return KindCreateEntityEvent }

func (e CreateEntityEvent) Validate() error {
	if e.EntityID == "" {
		return fmt.Errorf("create_entity_event: entityId is required")
	}
	if e.Event.Type == "" {
		return fmt.Errorf("create_entity_event: event.type is required")
	}
	return nil
}

// ActionSpec names an action and its parameters.
type ActionSpec struct {
	ActionType string         `json:"actionType"`
	Params     map[string]any `json:"params"`
}

// ProposeAction creates an ActionRun.
type ProposeAction struct {
	Action    ActionSpec `json:"action"`
	RiskLevel string     `json:"riskLevel,omitempty"`
}

func (ProposeAction) Kind() Kind { return KindProposeAction }

func (e ProposeAction) Validate() error {
	if e.Action.ActionType == "" {
		return fmt.Errorf("propose_action: action.actionType is required")
	}
	if e.Action.Params == nil {
		return fmt.Errorf("propose_action: action.params is required")
	}
	return nil
}

// TagObservation set-unions tags into an observation's tag list.
type TagObservation struct {
	Tags []string `json:"tags"`
}

func (TagObservation) Kind() Kind { return KindTagObservation }

func (e TagObservation) Validate() error {
	if len(e.Tags) == 0 {
		return fmt.Errorf("tag_observation: tags must be a non-empty array")
	}
	return nil
}

// Suppress halts further policy evaluation for the triggering observation.
type Suppress struct {
	Reason string `json:"reason"`
}

func (Suppress) Kind() Kind { return KindSuppress }

func (e Suppress) Validate() error {
	if strings.TrimSpace(e.Reason) == "" {
		return fmt.Errorf("suppress: reason must be a non-empty string")
	}
	return nil
}

// LogLevel restricts Log.Level to the three supported severities.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
)

// Log emits a message to the configured logger; it always succeeds at
// execution time, but is still schema-validated like any other effect.
type Log struct {
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

func (Log) Kind() Kind { return KindLog }

func (e Log) Validate() error {
	switch e.Level {
	case LogDebug, LogInfo, LogWarn:
	default:
		return fmt.Errorf("log: level must be one of debug, info, warn, got %q", e.Level)
	}
	if e.Message == "" {
		return fmt.Errorf("log: message is required")
	}
	return nil
}

// Pack is a namespaced, free-form effect dispatched through the executor's
// handler registry rather than built-in dispatch.
type Pack struct {
	Namespace string `json:"-"`
	Name      string `json:"-"`
	Payload   any    `json:"payload"`
}

func (p Pack) Kind() Kind { return Kind(fmt.Sprintf("pack:%s:%s", p.Namespace, p.Name)) }

func (p Pack) Validate() error {
	_, _, err := ParsePack(p.Kind())
	return err
}

// Validate runs Effect.Validate and wraps any failure identifying the
// offending kind, matching the "rejections are fatal for that effect"
// contract the policy engine relies on.
func Validate(e Effect) error {
	if e == nil {
		return fmt.Errorf("nil effect")
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("effect %s: %w", e.Kind(), err)
	}
	return nil
}
