// Package canon defines the data model of the operating canon — the
// node-scoped, event-sourced log of observations, policies, entities, and
// action runs from which all derived state is recomputable — and the
// Store interface the evaluation pipeline uses to read and write it.
//
// Everything here is a plain data type; no behavior lives in this package
// beyond simple invariants (e.g. tag set-union). The pipeline packages
// (internal/trigger, internal/evaluator, internal/policyengine,
// internal/executor, internal/actionrun, internal/replay, internal/pipeline)
// consume these types and the Store interface.
package canon

import "time"

// NodeID identifies the principal (subject, agent, or object) that owns a
// piece of canon state. Represented as a plain string — never as a
// lifetime-bound pointer — since cross-entity references are weak
// look-ups, not owned relationships.
type NodeID = string

// NodeKind classifies the authority a Node carries.
type NodeKind string

const (
	NodeSubject NodeKind = "subject"
	NodeAgent   NodeKind = "agent"
	NodeObject  NodeKind = "object"
)

// Node is the identity of a principal.
type Node struct {
	ID   NodeID   `json:"id" db:"id"`
	Kind NodeKind `json:"kind" db:"kind"`
	Name string   `json:"name" db:"name"`
}

// Provenance records where an Observation came from.
type Provenance struct {
	SourceID string `json:"source_id"`
	Method   string `json:"method"`
}

// Observation is an atomic input record. It is immutable except for the
// tag_observation effect, which appends tags under set semantics.
type Observation struct {
	ID         string     `json:"id" db:"id"`
	NodeID     NodeID     `json:"node_id" db:"node_id"`
	Type       string     `json:"type" db:"type"`
	Timestamp  time.Time  `json:"timestamp" db:"timestamp"`
	Payload    any        `json:"payload" db:"payload"`
	Provenance Provenance `json:"provenance" db:"provenance"`
	Tags       []string   `json:"tags" db:"tags"`
}

// WithTags returns a copy of the observation with the given tags merged
// into its existing tag set (duplicates discarded, order preserved).
func (o Observation) WithTags(tags ...string) Observation {
	out := o
	out.Tags = unionTags(o.Tags, tags)
	return out
}

func unionTags(existing, add []string) []string {
	seen := make(map[string]struct{}, len(existing))
	merged := make([]string, 0, len(existing)+len(add))
	for _, t := range existing {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			merged = append(merged, t)
		}
	}
	for _, t := range add {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			merged = append(merged, t)
		}
	}
	return merged
}

// PolicyImplementation is the compilable body of a Policy.
type PolicyImplementation struct {
	Kind   string `json:"kind" db:"kind"`
	Source string `json:"source" db:"source"`
}

// Policy is a user-authored rule: an ordered set of triggers plus a
// compilable implementation.
type Policy struct {
	ID             string               `json:"id" db:"id"`
	NodeID         NodeID               `json:"node_id" db:"node_id"`
	Name           string               `json:"name" db:"name"`
	Priority       int                  `json:"priority" db:"priority"`
	Enabled        bool                 `json:"enabled" db:"enabled"`
	Triggers       []string             `json:"triggers" db:"triggers"`
	Implementation PolicyImplementation `json:"implementation" db:"implementation"`
	UpdatedAt      time.Time            `json:"updated_at" db:"updated_at"`
}

// EntityEvent is one append-only record in an Entity's event log.
type EntityEvent struct {
	ID        string         `json:"id" db:"id"`
	Type      string         `json:"type" db:"type"`
	Data      map[string]any `json:"data" db:"data"`
	Timestamp time.Time      `json:"timestamp" db:"timestamp"`
}

// Entity is an event-sourced aggregate scoped to a Node. Its State is the
// fold of Events over the default reducer (ReduceEntityEvent), ordered
// by timestamp with id as tiebreaker.
type Entity struct {
	ID     string         `json:"id" db:"id"`
	NodeID NodeID         `json:"node_id" db:"node_id"`
	TypeID string         `json:"type_id" db:"type_id"`
	State  map[string]any `json:"state" db:"state"`
	Events []EntityEvent  `json:"events" db:"events"`
}

// Episode is an external intention window (e.g. "improve sleep this
// week"). Mutated by collaborators outside the core; the canon accessor
// only reads it.
type Episode struct {
	ID     string `json:"id" db:"id"`
	NodeID NodeID `json:"node_id" db:"node_id"`
	Name   string `json:"name" db:"name"`
	Status string `json:"status" db:"status"` // active, closed
}

// Variable is a node-configured estimator spec, surfaced to policies via
// the canon accessor's getVariables().
type Variable struct {
	ID     string `json:"id" db:"id"`
	NodeID NodeID `json:"node_id" db:"node_id"`
	Name   string `json:"name" db:"name"`
	Spec   map[string]any `json:"spec" db:"spec"`
}

// ActionRunStatus is one of the states in the action-run lifecycle.
type ActionRunStatus string

const (
	StatusPending  ActionRunStatus = "pending"
	StatusApproved ActionRunStatus = "approved"
	StatusRejected ActionRunStatus = "rejected"
	StatusExecuted ActionRunStatus = "executed"
	StatusFailed   ActionRunStatus = "failed"
)

// RiskLevel classifies the severity of an action.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// riskRank gives RiskLevel a total order so authority checks can compare
// "risk <= maxRiskLevel" numerically.
var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// AtMost reports whether r is no riskier than max.
func (r RiskLevel) AtMost(max RiskLevel) bool {
	rr, ok1 := riskRank[r]
	mr, ok2 := riskRank[max]
	if !ok1 || !ok2 {
		return false
	}
	return rr <= mr
}

// ProposedBy identifies the policy and observation that produced an
// ActionRun's proposal.
type ProposedBy struct {
	PolicyID      string `json:"policy_id" db:"policy_id"`
	ObservationID string `json:"observation_id" db:"observation_id"`
}

// ActionSpec names the action and its parameters.
type ActionSpec struct {
	ActionType string         `json:"action_type" db:"action_type"`
	Params     map[string]any `json:"params" db:"params"`
}

// ApprovalRecord is set once an ActionRun transitions to approved.
type ApprovalRecord struct {
	ApprovedBy string    `json:"approved_by" db:"approved_by"`
	ApprovedAt time.Time `json:"approved_at" db:"approved_at"`
	Method     string    `json:"method" db:"method"` // "auto" or "manual"
}

// RejectionRecord is set once an ActionRun transitions to rejected.
type RejectionRecord struct {
	RejectedBy string    `json:"rejected_by" db:"rejected_by"`
	RejectedAt time.Time `json:"rejected_at" db:"rejected_at"`
	Reason     string    `json:"reason" db:"reason"`
}

// ExecutionRecord is set once an ActionRun reaches executed or failed.
type ExecutionRecord struct {
	StartedAt   time.Time `json:"started_at" db:"started_at"`
	CompletedAt time.Time `json:"completed_at" db:"completed_at"`
	Result      any       `json:"result,omitempty" db:"result"`
	Error       string    `json:"error,omitempty" db:"error"`
}

// ActionRun is an auditable, approval-gated attempt to perform a side
// effect. Status transitions are constrained to the edges enforced by
// internal/actionrun.Service.
type ActionRun struct {
	ID         string          `json:"id" db:"id"`
	NodeID     NodeID          `json:"node_id" db:"node_id"`
	ProposedBy ProposedBy      `json:"proposed_by" db:"proposed_by"`
	Action     ActionSpec      `json:"action" db:"action"`
	RiskLevel  RiskLevel       `json:"risk_level" db:"risk_level"`
	Status     ActionRunStatus `json:"status" db:"status"`
	Approval   *ApprovalRecord `json:"approval,omitempty" db:"approval"`
	Rejection  *RejectionRecord `json:"rejection,omitempty" db:"rejection"`
	Execution  *ExecutionRecord `json:"execution,omitempty" db:"execution"`
}

// DelegationConstraints bounds the authority an AgentDelegation grants.
type DelegationConstraints struct {
	MaxRiskLevel   RiskLevel  `json:"max_risk_level,omitempty" db:"max_risk_level"`
	AllowedEffects []string   `json:"allowed_effects,omitempty" db:"allowed_effects"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}

// AgentDelegation is a subject node granting an agent node constrained
// authority to approve action runs on its behalf.
type AgentDelegation struct {
	AgentNodeID   NodeID                `json:"agent_node_id" db:"agent_node_id"`
	SponsorNodeID NodeID                `json:"sponsor_node_id" db:"sponsor_node_id"`
	Scopes        []string              `json:"scopes" db:"scopes"`
	Constraints   DelegationConstraints `json:"constraints" db:"constraints"`
}

// Permits reports whether this delegation allows the agent to approve an
// action of the given type and risk at the given instant.
func (d AgentDelegation) Permits(actionType string, risk RiskLevel, now time.Time) bool {
	if d.Constraints.MaxRiskLevel != "" && !risk.AtMost(d.Constraints.MaxRiskLevel) {
		return false
	}
	if len(d.Constraints.AllowedEffects) > 0 {
		allowed := false
		for _, a := range d.Constraints.AllowedEffects {
			if a == actionType {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if d.Constraints.ExpiresAt != nil && now.After(*d.Constraints.ExpiresAt) {
		return false
	}
	return true
}
