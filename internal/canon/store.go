package canon

import "time"

// ObservationFilter defines the query parameters Observations().Query must
// support, per the external repository interface: nodeId (required), type
// patterns, time range, window (hours/count), tag membership, limit,
// offset, ordering.
type ObservationFilter struct {
	NodeID       NodeID
	TypePatterns []string
	Start, End   *time.Time
	WindowHours  float64
	WindowCount  int
	Tags         []string
	Limit        int
	Offset       int
	// OrderDesc orders by timestamp descending when true (the default the
	// canon accessor always requests), ascending when false (used by the
	// replay driver to consume the log in forward order).
	OrderDesc bool
}

// EntityFilter queries entities by node and type.
type EntityFilter struct {
	NodeID NodeID
	TypeID string
	Limit  int
	Offset int
}

// PolicyFilter queries policies by node, optionally restricted to enabled
// ones whose triggers match a given observation type (the matching itself
// is performed by internal/trigger against the full candidate set returned
// here; the filter only narrows by node and enabled state to keep the
// repository contract simple).
type PolicyFilter struct {
	NodeID  NodeID
	Enabled *bool
}

// ActionRunFilter queries action runs by node and status.
type ActionRunFilter struct {
	NodeID NodeID
	Status ActionRunStatus
	Limit  int
	Offset int
}

// Store is the set of key-addressed repositories the evaluation pipeline
// treats as opaque collaborators. Implementations must serialize writes
// per key; the pipeline tolerates optimistic-concurrency errors by
// returning them to the caller unchanged.
type Store interface {
	Initialize() error
	Close() error

	// Nodes
	GetNode(id NodeID) (*Node, error)
	CreateNode(n *Node) error

	// Observations
	InsertObservation(o *Observation) error
	GetObservation(id string) (*Observation, error)
	UpdateObservationTags(id string, tags []string) error
	QueryObservations(filter ObservationFilter) ([]*Observation, error)

	// Policies
	GetPolicy(id string) (*Policy, error)
	CreatePolicy(p *Policy) error
	UpdatePolicy(p *Policy) error
	QueryPolicies(filter PolicyFilter) ([]*Policy, error)

	// Entities
	GetEntity(id string) (*Entity, error)
	CreateEntity(e *Entity) error
	AppendEntityEvent(entityID string, ev EntityEvent, newState map[string]any) error
	QueryEntities(filter EntityFilter) ([]*Entity, error)

	// Action runs
	GetActionRun(id string) (*ActionRun, error)
	CreateActionRun(a *ActionRun) error
	UpdateActionRun(a *ActionRun) error
	QueryActionRuns(filter ActionRunFilter) ([]*ActionRun, error)

	// Delegations
	GetDelegation(agentNodeID NodeID) (*AgentDelegation, error)
	PutDelegation(d *AgentDelegation) error

	// Episodes and variables. Reads back the canon accessor's concern;
	// writes exist because the built-in action handlers (internal/actionrun)
	// create/close them as ordinary CRUD-ish actions.
	GetActiveEpisodes(nodeID NodeID) ([]*Episode, error)
	GetVariables(nodeID NodeID) ([]*Variable, error)
	PutVariable(v *Variable) error
	PutEpisode(e *Episode) error
	CloseEpisode(episodeID string) error
}
