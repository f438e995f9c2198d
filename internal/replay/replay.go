// Package replay re-runs a node's observation log through the policy
// engine to check that policy evaluation is reproducible, and
// independently re-folds each entity's event log through the shared
// default reducer to check that stored entity state matches what the
// event log actually produces. Neither check repairs a divergence it
// finds; both report it.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/canonical-node/canon/internal/canon"
	"github.com/canonical-node/canon/internal/canonaccessor"
	"github.com/canonical-node/canon/internal/effect"
	"github.com/canonical-node/canon/internal/executor"
	"github.com/canonical-node/canon/internal/metrics"
	"github.com/canonical-node/canon/internal/policyengine"
)

// Mode controls how far a replay run goes.
type Mode string

const (
	// ModeEvaluateOnly re-runs policy evaluation only; no effect is
	// executed. This is the default.
	ModeEvaluateOnly Mode = "evaluate_only"
	// ModeExecuteInternal executes internal effects (tag_observation,
	// create_entity_event, route_observation, log) against a fresh
	// repository, but never invokes an action handler: propose_action
	// effects are reconciled against the historical ActionRun the original
	// run produced instead of being re-proposed.
	ModeExecuteInternal Mode = "execute_internal"
)

// ObservationOutcome is one observation's replayed result.
type ObservationOutcome struct {
	ObservationID string
	PolicyResult  policyengine.Result
	Skipped       string // non-empty when a propose_action effect had no historical ActionRun to reconcile against
	Error         error
}

// Summary is the consolidated output of replaying a node's log.
type Summary struct {
	Mode              Mode
	ObservationCount  int
	Outcomes          []ObservationOutcome
	EntityDivergences []EntityDivergence
	// UsedHistoricalActionRuns lists the ActionRun ids whose recorded
	// execution.result was reused in place of re-invoking an action
	// handler: their recorded result is treated as truth rather than
	// re-executed.
	UsedHistoricalActionRuns []string
	TotalDurationMs          int64
}

// EntityDivergence records a mismatch between an entity's stored state and
// the state independently recomputed by folding its event log.
type EntityDivergence struct {
	EntityID     string
	StoredState  map[string]any
	ReplayedState map[string]any
}

// Driver replays a node's canon log for determinism and consistency
// verification. It never mutates the node's observation or entity log,
// only (in ModeExecuteInternal) the separate repository passed to Run.
type Driver struct {
	store   canon.Store
	engine  *policyengine.Engine
	acc     *canonaccessor.Accessor
	metrics *metrics.Registry
	logger  *slog.Logger
}

// New builds a Driver over the live store, the policy engine used for
// production evaluation, and the canon accessor used to resolve
// aggregation/episode/variable lookups during replay. mr may be nil to
// skip metrics recording.
func New(store canon.Store, engine *policyengine.Engine, acc *canonaccessor.Accessor, mr *metrics.Registry, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{store: store, engine: engine, acc: acc, metrics: mr, logger: logger.With("component", "replay.Driver")}
}

// Run replays every observation for nodeID in timestamp-ascending order
// (id as tiebreaker), re-evaluating policies with evaluatedAt pinned to
// each observation's own timestamp. In ModeExecuteInternal, internal
// effects are executed against exec (normally a fresh, scratch Executor
// wired to a throwaway store) while propose_action effects are reconciled
// against historicalActionRuns (keyed by proposedBy.observationId, per the
// bundle's grouping by observation id) rather than re-proposed: when a match
// exists, Run records the ActionRun id in Summary.UsedHistoricalActionRuns
// and never creates a new ActionRun or invokes an action handler. When
// none exists, the effect is recorded as skipped with an advisory warning
// is found. historicalActionRuns may be nil for ModeEvaluateOnly,
// where no reconciliation is attempted.
func (d *Driver) Run(ctx context.Context, nodeID canon.NodeID, policies []*canon.Policy, mode Mode, exec *executor.Executor, historicalActionRuns map[string][]*canon.ActionRun) (Summary, error) {
	start := time.Now()
	if mode == "" {
		mode = ModeEvaluateOnly
	}

	obsList, err := d.store.QueryObservations(canon.ObservationFilter{NodeID: nodeID, OrderDesc: false})
	if err != nil {
		return Summary{}, fmt.Errorf("replay: loading observation log: %w", err)
	}
	sort.SliceStable(obsList, func(i, j int) bool {
		if obsList[i].Timestamp.Equal(obsList[j].Timestamp) {
			return obsList[i].ID < obsList[j].ID
		}
		return obsList[i].Timestamp.Before(obsList[j].Timestamp)
	})

	summary := Summary{Mode: mode, ObservationCount: len(obsList)}

	for _, obs := range obsList {
		bridge := canonaccessor.NewCELBridge(d.acc, obs.Timestamp)
		result := d.engine.Evaluate(ctx, obs, policies, *bridge, 5*time.Second)
		outcome := ObservationOutcome{ObservationID: obs.ID, PolicyResult: result}

		if mode == ModeExecuteInternal {
			internal, skipped := splitInternalEffects(result.Effects)
			if exec != nil {
				exec.Execute(nodeID, obs.ID, internal, executor.Options{ContinueOnError: true})
			}

			if runs, ok := historicalActionRuns[obs.ID]; ok && hasProposeAction(result.Effects) {
				for _, run := range runs {
					summary.UsedHistoricalActionRuns = append(summary.UsedHistoricalActionRuns, run.ID)
				}
			} else if skipped != "" {
				outcome.Skipped = skipped
				d.logger.Warn("replay: no historical action run to reconcile against, skipping propose_action effect",
					"observation_id", obs.ID)
			}
		}

		summary.Outcomes = append(summary.Outcomes, outcome)
	}

	divergences, err := d.verifyEntities(nodeID)
	if err != nil {
		return summary, fmt.Errorf("replay: entity verification: %w", err)
	}
	summary.EntityDivergences = divergences
	d.metrics.ObserveReplayDivergences(len(divergences))

	summary.TotalDurationMs = time.Since(start).Milliseconds()
	return summary, nil
}

// splitInternalEffects separates effects the replay driver may safely
// execute (everything except propose_action, which is never re-run
// through an action handler) from a human-readable skip reason when a
// propose_action effect is present. The caller decides whether that skip
// reason is actually surfaced, by checking historicalActionRuns first:
// a hit reconciles against history, a miss surfaces this skip reason as
// an advisory warning.
func splitInternalEffects(effects []effect.Effect) ([]effect.Effect, string) {
	internal := make([]effect.Effect, 0, len(effects))
	skipped := ""
	for _, e := range effects {
		if _, ok := e.(effect.ProposeAction); ok {
			skipped = "propose_action effect present; no historical ActionRun found to reconcile against"
			continue
		}
		internal = append(internal, e)
	}
	return internal, skipped
}

// hasProposeAction reports whether effects contains at least one
// propose_action effect, used to decide whether an observation needs
// ActionRun reconciliation at all.
func hasProposeAction(effects []effect.Effect) bool {
	for _, e := range effects {
		if _, ok := e.(effect.ProposeAction); ok {
			return true
		}
	}
	return false
}

// verifyEntities independently folds each entity's event log through the
// shared default reducer and compares the result to the entity's stored
// state, reporting (not repairing) any divergence.
func (d *Driver) verifyEntities(nodeID canon.NodeID) ([]EntityDivergence, error) {
	entities, err := d.store.QueryEntities(canon.EntityFilter{NodeID: nodeID})
	if err != nil {
		return nil, err
	}

	var divergences []EntityDivergence
	for _, ent := range entities {
		events := make([]canon.EntityEvent, len(ent.Events))
		copy(events, ent.Events)
		sort.SliceStable(events, func(i, j int) bool {
			if events[i].Timestamp.Equal(events[j].Timestamp) {
				return events[i].ID < events[j].ID
			}
			return events[i].Timestamp.Before(events[j].Timestamp)
		})

		replayed := map[string]any{}
		for _, ev := range events {
			replayed = canon.ReduceEntityEvent(replayed, ev)
		}

		if !statesEqual(ent.State, replayed) {
			divergences = append(divergences, EntityDivergence{
				EntityID:      ent.ID,
				StoredState:   ent.State,
				ReplayedState: replayed,
			})
		}
	}
	return divergences, nil
}

func statesEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		other, ok := b[k]
		if !ok {
			return false
		}
		if fmt.Sprint(v) != fmt.Sprint(other) {
			return false
		}
	}
	return true
}
