// Package pipeline wires the trigger matcher, policy engine, and effect
// executor into the single entry point the rest of the system calls to
// ingest an observation: processObservation. It is the only package that
// knows the full ingest sequence end to end; everything it calls is
// already independently isolating its own failures, so this package's
// job is just to sequence the calls and assemble one consolidated result.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/canonical-node/canon/internal/canon"
	"github.com/canonical-node/canon/internal/canonaccessor"
	"github.com/canonical-node/canon/internal/canonerr"
	"github.com/canonical-node/canon/internal/executor"
	"github.com/canonical-node/canon/internal/killswitch"
	"github.com/canonical-node/canon/internal/metrics"
	"github.com/canonical-node/canon/internal/policyengine"
)

// ObservationInput is the boundary-facing shape processObservation
// accepts, before it becomes a canon.Observation.
type ObservationInput struct {
	NodeID     canon.NodeID
	Type       string
	Timestamp  time.Time
	Payload    any
	Provenance canon.Provenance
	Tags       []string
}

// Options controls one processObservation call.
type Options struct {
	// SkipNodeValidation skips the check that nodeId resolves to an
	// existing Node before the observation is persisted. Node validation
	// runs by default; set this to bypass it (e.g. trusted internal
	// callers that already resolved the node).
	SkipNodeValidation bool
	// SkipExecution runs policy evaluation but never the effect executor.
	SkipExecution bool
	// PolicyTimeout overrides the per-policy evaluation timeout.
	PolicyTimeout time.Duration
	// ExecutorOptions is forwarded to the effect executor when execution
	// is not skipped.
	ExecutorOptions executor.Options
}

const defaultPolicyTimeout = 5 * time.Second

// Result is the consolidated outcome of one processObservation call.
type Result struct {
	Observation     *canon.Observation
	PolicyResult    policyengine.Result
	ExecutionSummary *executor.Summary
	TotalDurationMs int64
}

// Pipeline is the single ingest orchestrator: it owns no state of its
// own beyond references to its collaborators.
type Pipeline struct {
	store      canon.Store
	engine     *policyengine.Engine
	executor   *executor.Executor
	acc        *canonaccessor.Accessor
	killSwitch *killswitch.KillSwitch
	metrics    *metrics.Registry
	logger     *slog.Logger
}

// New builds a Pipeline over its already-constructed collaborators. ks and
// mr may be nil: a nil kill switch skips the pre-ingest check, a nil
// metrics registry skips recording.
func New(store canon.Store, engine *policyengine.Engine, exec *executor.Executor, acc *canonaccessor.Accessor, ks *killswitch.KillSwitch, mr *metrics.Registry, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{store: store, engine: engine, executor: exec, acc: acc, killSwitch: ks, metrics: mr, logger: logger.With("component", "pipeline.Pipeline")}
}

// ProcessObservation implements processObservation: check the kill
// switch, validate, optionally check the node exists, persist, load
// matching policies, evaluate, and (unless skipped) execute. The kill
// switch is checked before anything else touches the store or the policy
// engine, so a runaway node can always be stopped regardless of what its
// policies do.
func (p *Pipeline) ProcessObservation(ctx context.Context, in ObservationInput, opts Options) (result Result, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		p.metrics.ObserveObservation(outcome, time.Since(start).Seconds())
	}()

	if p.killSwitch != nil {
		if blocked, reason := p.killSwitch.IsBlocked(string(in.NodeID)); blocked {
			return Result{}, canonerr.New(canonerr.KindKillSwitchBlocked, reason)
		}
	}

	if err := validateInput(in); err != nil {
		return Result{}, err
	}

	if !opts.SkipNodeValidation {
		node, err := p.store.GetNode(in.NodeID)
		if err != nil {
			return Result{}, canonerr.Wrap(canonerr.KindValidation, "processObservation: node lookup", err)
		}
		if node == nil {
			return Result{}, canonerr.New(canonerr.KindNodeNotFound, fmt.Sprintf("node %s not found", in.NodeID))
		}
	}

	obs := &canon.Observation{
		ID:         canon.NewID(),
		NodeID:     in.NodeID,
		Type:       in.Type,
		Timestamp:  in.Timestamp,
		Payload:    in.Payload,
		Provenance: in.Provenance,
		Tags:       in.Tags,
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now()
	}
	if err := p.store.InsertObservation(obs); err != nil {
		return Result{}, canonerr.Wrap(canonerr.KindValidation, "processObservation: persist observation", err)
	}

	policies, err := p.store.QueryPolicies(canon.PolicyFilter{NodeID: in.NodeID})
	if err != nil {
		return Result{}, canonerr.Wrap(canonerr.KindValidation, "processObservation: load policies", err)
	}

	timeout := opts.PolicyTimeout
	if timeout <= 0 {
		timeout = defaultPolicyTimeout
	}
	bridge := canonaccessor.NewCELBridge(p.acc, obs.Timestamp)
	policyResult := p.engine.Evaluate(ctx, obs, policies, *bridge, timeout)

	result = Result{Observation: obs, PolicyResult: policyResult}

	if !opts.SkipExecution {
		summary := p.executor.Execute(in.NodeID, obs.ID, policyResult.Effects, opts.ExecutorOptions)
		result.ExecutionSummary = &summary
	}

	result.TotalDurationMs = time.Since(start).Milliseconds()
	return result, nil
}

// ItemResult pairs one batch item's outcome with its original index so
// callers can correlate failures back to the input list.
type ItemResult struct {
	Index  int
	Result Result
	Error  error
}

// ProcessObservations implements the batch entry point: every item is
// processed independently, so one failing ingest never aborts the rest.
func (p *Pipeline) ProcessObservations(ctx context.Context, items []ObservationInput, opts Options) []ItemResult {
	out := make([]ItemResult, len(items))
	for i, in := range items {
		res, err := p.ProcessObservation(ctx, in, opts)
		out[i] = ItemResult{Index: i, Result: res, Error: err}
	}
	return out
}

func validateInput(in ObservationInput) error {
	if in.NodeID == "" {
		return canonerr.New(canonerr.KindValidation, "processObservation: nodeId is required")
	}
	if in.Type == "" {
		return canonerr.New(canonerr.KindValidation, "processObservation: type is required")
	}
	return nil
}
