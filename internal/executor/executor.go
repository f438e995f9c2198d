// Package executor dispatches an ordered effect stream against the canon
// store, recording a per-effect outcome. Built-in effect kinds are handled
// directly; "pack:*" effects are dispatched through a handler registry,
// a single name-keyed map of pack handlers guarded with an
// RWMutex since registration is write-rare and dispatch is read-heavy.
package executor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/canonical-node/canon/internal/canon"
	"github.com/canonical-node/canon/internal/canonerr"
	"github.com/canonical-node/canon/internal/effect"
	"github.com/canonical-node/canon/internal/metrics"
)

// PackHandler handles one pack:namespace:name effect. It receives the
// effect's opaque payload and the node the triggering observation belongs
// to, and returns a result or an error.
type PackHandler func(payload any, nodeID string) (any, error)

// EffectResult is the per-effect outcome the executor records.
type EffectResult struct {
	Kind    effect.Kind
	Success bool
	Result  any
	Error   error
}

// Summary is the executor's consolidated return value.
type Summary struct {
	Results         []EffectResult
	SuccessCount    int
	FailureCount    int
	Suppressed      bool
	SuppressReason  string
	TotalDurationMs int64
}

// Options controls one Execute call.
type Options struct {
	// ContinueOnError keeps executing subsequent effects after a failure.
	// The zero value is false: Execute then stops at the first failed
	// effect.
	ContinueOnError bool
	// SkipExecution performs no side effects at all — used by evaluate-only
	// replay and dry runs. Every effect is recorded as skipped-success.
	SkipExecution bool
}

// ActionRunProposer is the subset of internal/actionrun.Service the
// executor needs to turn propose_action effects into ActionRuns.
type ActionRunProposer interface {
	Propose(nodeID string, proposedBy canon.ProposedBy, spec canon.ActionSpec, explicitRisk canon.RiskLevel) (*canon.ActionRun, error)
}

// Executor carries out effects against a canon.Store.
type Executor struct {
	store    canon.Store
	proposer ActionRunProposer
	metrics  *metrics.Registry
	logger   *slog.Logger

	mu    sync.RWMutex
	packs map[string]PackHandler
}

// New builds an Executor. proposer may be nil if propose_action effects
// are not expected in this deployment (e.g. a pure replay driver that
// routes proposals elsewhere). mr may be nil to skip metrics recording.
func New(store canon.Store, proposer ActionRunProposer, mr *metrics.Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:    store,
		proposer: proposer,
		metrics:  mr,
		logger:   logger.With("component", "executor.Executor"),
		packs:    make(map[string]PackHandler),
	}
}

// RegisterPack registers a handler for pack:namespace:name effects.
// Refuses to overwrite an existing registration.
func (x *Executor) RegisterPack(namespace, name string, handler PackHandler) error {
	key := namespace + ":" + name
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, exists := x.packs[key]; exists {
		return fmt.Errorf("pack handler %q already registered", key)
	}
	x.packs[key] = handler
	return nil
}

// UnregisterPack removes a pack handler registration.
func (x *Executor) UnregisterPack(namespace, name string) {
	key := namespace + ":" + name
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.packs, key)
}

// Execute runs effects in order against the store, per Options.
func (x *Executor) Execute(nodeID, sourceObservationID string, effects []effect.Effect, opts Options) Summary {
	start := time.Now()
	summary := Summary{}

	for _, e := range effects {
		if _, ok := e.(effect.Suppress); ok {
			// The policy engine already recorded suppression; the
			// executor does not re-apply it.
			summary.Suppressed = true
			if s, ok := e.(effect.Suppress); ok {
				summary.SuppressReason = s.Reason
			}
			continue
		}

		var result EffectResult
		if opts.SkipExecution {
			result = EffectResult{Kind: e.Kind(), Success: true}
		} else {
			result = x.executeOne(nodeID, sourceObservationID, e)
		}

		summary.Results = append(summary.Results, result)
		resultLabel := "success"
		if !result.Success {
			resultLabel = "failure"
		}
		x.metrics.ObserveEffect(string(result.Kind), resultLabel)
		if result.Success {
			summary.SuccessCount++
		} else {
			summary.FailureCount++
			if !opts.ContinueOnError {
				break
			}
		}
	}

	summary.TotalDurationMs = time.Since(start).Milliseconds()
	return summary
}

func (x *Executor) executeOne(nodeID, sourceObservationID string, e effect.Effect) EffectResult {
	kind := e.Kind()

	switch v := e.(type) {
	case effect.Log:
		x.logEffect(v)
		return EffectResult{Kind: kind, Success: true}

	case effect.TagObservation:
		return x.tagObservation(sourceObservationID, v)

	case effect.RouteObservation:
		return x.routeObservation(nodeID, sourceObservationID, v)

	case effect.CreateEntityEvent:
		return x.createEntityEvent(v)

	case effect.ProposeAction:
		return x.proposeAction(nodeID, sourceObservationID, v)

	case effect.Pack:
		return x.dispatchPack(nodeID, v)

	default:
		return EffectResult{Kind: kind, Success: false,
			Error: canonerr.New(canonerr.KindEffectExecution, fmt.Sprintf("unhandled effect kind %s", kind))}
	}
}

func (x *Executor) logEffect(l effect.Log) {
	switch l.Level {
	case effect.LogDebug:
		x.logger.Debug(l.Message)
	case effect.LogWarn:
		x.logger.Warn(l.Message)
	default:
		x.logger.Info(l.Message)
	}
}

func (x *Executor) tagObservation(observationID string, t effect.TagObservation) EffectResult {
	obs, err := x.store.GetObservation(observationID)
	if err != nil || obs == nil {
		return EffectResult{Kind: t.Kind(), Success: false,
			Error: canonerr.New(canonerr.KindEffectExecution, "tag_observation: observation not found")}
	}
	merged := obs.WithTags(t.Tags...)
	if err := x.store.UpdateObservationTags(observationID, merged.Tags); err != nil {
		return EffectResult{Kind: t.Kind(), Success: false,
			Error: canonerr.Wrap(canonerr.KindEffectExecution, "tag_observation", err)}
	}
	return EffectResult{Kind: t.Kind(), Success: true}
}

func (x *Executor) routeObservation(sourceNodeID, sourceObservationID string, r effect.RouteObservation) EffectResult {
	target, err := x.store.GetNode(r.ToNodeID)
	if err != nil || target == nil {
		return EffectResult{Kind: r.Kind(), Success: false,
			Error: canonerr.New(canonerr.KindEffectExecution, "route_observation: target node not found")}
	}
	source, err := x.store.GetObservation(sourceObservationID)
	if err != nil || source == nil {
		return EffectResult{Kind: r.Kind(), Success: false,
			Error: canonerr.New(canonerr.KindEffectExecution, "route_observation: source observation not found")}
	}

	routed := canon.Observation{
		ID:         canon.NewID(),
		NodeID:     r.ToNodeID,
		Type:       source.Type,
		Timestamp:  source.Timestamp,
		Payload:    source.Payload,
		Provenance: source.Provenance,
		Tags:       append(append([]string{}, source.Tags...), "routed_from:"+sourceNodeID),
	}
	if err := x.store.InsertObservation(&routed); err != nil {
		return EffectResult{Kind: r.Kind(), Success: false,
			Error: canonerr.Wrap(canonerr.KindEffectExecution, "route_observation", err)}
	}
	return EffectResult{Kind: r.Kind(), Success: true, Result: routed.ID}
}

func (x *Executor) createEntityEvent(c effect.CreateEntityEvent) EffectResult {
	ent, err := x.store.GetEntity(c.EntityID)
	if err != nil || ent == nil {
		return EffectResult{Kind: c.Kind(), Success: false,
			Error: canonerr.New(canonerr.KindEffectExecution, "create_entity_event: entity not found")}
	}
	ev := canon.EntityEvent{
		ID:        canon.NewID(),
		Type:      c.Event.Type,
		Data:      toDataMap(c.Event.Data),
		Timestamp: time.Now(),
	}
	newState := canon.ReduceEntityEvent(ent.State, ev)
	if err := x.store.AppendEntityEvent(c.EntityID, ev, newState); err != nil {
		return EffectResult{Kind: c.Kind(), Success: false,
			Error: canonerr.Wrap(canonerr.KindEffectExecution, "create_entity_event", err)}
	}
	return EffectResult{Kind: c.Kind(), Success: true, Result: ev.ID}
}

func toDataMap(data any) map[string]any {
	if m, ok := data.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func (x *Executor) proposeAction(nodeID, sourceObservationID string, p effect.ProposeAction) EffectResult {
	if x.proposer == nil {
		return EffectResult{Kind: p.Kind(), Success: false,
			Error: canonerr.New(canonerr.KindEffectExecution, "propose_action: no action-run proposer configured")}
	}
	spec := canon.ActionSpec{ActionType: p.Action.ActionType, Params: p.Action.Params}
	run, err := x.proposer.Propose(nodeID, canon.ProposedBy{ObservationID: sourceObservationID}, spec, canon.RiskLevel(p.RiskLevel))
	if err != nil {
		return EffectResult{Kind: p.Kind(), Success: false,
			Error: canonerr.Wrap(canonerr.KindEffectExecution, "propose_action", err)}
	}
	return EffectResult{Kind: p.Kind(), Success: true, Result: run.ID}
}

func (x *Executor) dispatchPack(nodeID string, p effect.Pack) EffectResult {
	key := p.Namespace + ":" + p.Name
	x.mu.RLock()
	handler, ok := x.packs[key]
	x.mu.RUnlock()
	if !ok {
		return EffectResult{Kind: p.Kind(), Success: false,
			Error: canonerr.New(canonerr.KindEffectExecution, "Unknown pack effect: "+key)}
	}
	result, err := handler(p.Payload, nodeID)
	if err != nil {
		return EffectResult{Kind: p.Kind(), Success: false,
			Error: canonerr.Wrap(canonerr.KindEffectExecution, key, err)}
	}
	return EffectResult{Kind: p.Kind(), Success: true, Result: result}
}
