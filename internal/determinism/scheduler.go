package determinism

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/canonical-node/canon/internal/canon"
	"github.com/canonical-node/canon/internal/evaluator"
)

// Drift records a policy's determinism verdict flipping from deterministic
// to non-deterministic (or vice versa) between two sweeps, keyed by the
// same (policy.id, policy.updatedAt) identity the compile cache uses — an
// unchanged updatedAt with a changed verdict would indicate a bug in the
// checker itself, so a drift entry only ever fires across an updatedAt
// change in practice.
type Drift struct {
	PolicyID    string
	NodeID      canon.NodeID
	WasVerdict  bool
	NowVerdict  bool
	Findings    []Finding
	DiffSummary string
}

// Scheduler periodically re-runs the determinism Check against
// every enabled policy of a fixed set of nodes, so a policy edited to
// introduce non-determinism is flagged before its next real evaluation
// rather than silently producing divergent effects. Grounded on the
// teacher's ticker-goroutine idiom in cmd/agentwarden/main.go (the same
// shape used here for the kill-switch file poll and alert dedup prune)
// and on internal/evolution/rollback.go's "compare against the last known
// state, alert on a transition" monitor style.
type Scheduler struct {
	store  canon.Store
	eval   *evaluator.Evaluator
	nodes  []canon.NodeID
	cfg    SchedulerConfig
	onDrift func(Drift)
	logger *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]schedulerRecord // keyed by policy id
}

type schedulerRecord struct {
	updatedAt time.Time
	verdict   bool
}

// SchedulerConfig controls the sweep's cadence and the parameters passed
// through to Check.
type SchedulerConfig struct {
	Interval      time.Duration
	PolicyTimeout time.Duration
}

// NewScheduler builds a Scheduler over the given node set. onDrift may be
// nil to disable drift notification (the sweep still logs at Warn level).
func NewScheduler(store canon.Store, eval *evaluator.Evaluator, nodes []canon.NodeID, cfg SchedulerConfig, onDrift func(Drift), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PolicyTimeout <= 0 {
		cfg.PolicyTimeout = 5 * time.Second
	}
	return &Scheduler{
		store:    store,
		eval:     eval,
		nodes:    nodes,
		cfg:      cfg,
		onDrift:  onDrift,
		logger:   logger.With("component", "determinism.Scheduler"),
		lastSeen: make(map[string]schedulerRecord),
	}
}

// Run blocks, sweeping every cfg.Interval until ctx is cancelled. Callers
// normally invoke this from its own goroutine, the same way cmd/canon
// runs the kill-switch poll and alert dedup prune loops.
func (s *Scheduler) Run(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		s.cfg.Interval = 10 * time.Minute
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce re-checks every enabled policy across the scheduler's node set
// once, comparing each verdict against the last sweep's verdict for the
// same policy id and firing onDrift on a transition. A policy whose
// verdict hasn't flipped since the last sweep produces no notification and
// no log line; only a policy's first sweep is logged, at debug level.
func (s *Scheduler) SweepOnce(ctx context.Context) {
	for _, nodeID := range s.nodes {
		enabled := true
		policies, err := s.store.QueryPolicies(canon.PolicyFilter{NodeID: nodeID, Enabled: &enabled})
		if err != nil {
			s.logger.Warn("sweep: loading policies failed", "node_id", nodeID, "error", err)
			continue
		}
		for _, p := range policies {
			s.checkOne(ctx, nodeID, p)
		}
	}
}

func (s *Scheduler) checkOne(ctx context.Context, nodeID canon.NodeID, p *canon.Policy) {
	fixedObs := syntheticObservation(nodeID, p)
	evaluatedAt := fixedObs.Timestamp

	verdict, err := Check(ctx, s.eval, p, fixedObs, evaluatedAt, s.cfg.PolicyTimeout)
	if err != nil {
		s.logger.Warn("sweep: determinism check errored", "policy_id", p.ID, "error", err)
		return
	}

	s.mu.Lock()
	prev, known := s.lastSeen[p.ID]
	s.lastSeen[p.ID] = schedulerRecord{updatedAt: p.UpdatedAt, verdict: verdict.Deterministic}
	s.mu.Unlock()

	if !known {
		s.logger.Debug("sweep: first observation of policy", "policy_id", p.ID, "deterministic", verdict.Deterministic)
		return
	}
	if prev.verdict == verdict.Deterministic {
		return
	}

	drift := Drift{
		PolicyID:   p.ID,
		NodeID:     nodeID,
		WasVerdict: prev.verdict,
		NowVerdict: verdict.Deterministic,
		Findings:   verdict.Findings,
	}
	if drift.WasVerdict && !drift.NowVerdict {
		drift.DiffSummary = "policy became non-deterministic"
	} else {
		drift.DiffSummary = "policy became deterministic"
	}

	s.logger.Warn("sweep: determinism drift detected", "policy_id", p.ID, "node_id", nodeID, "summary", drift.DiffSummary)
	if s.onDrift != nil {
		s.onDrift(drift)
	}
}

// syntheticObservation builds the fixed observation the behavioral check
// evaluates the policy against. Its type is the policy's first trigger
// when that trigger is an exact (non-wildcard) pattern, since an exact
// type is the input most likely to actually exercise the policy's logic;
// a wildcard-only policy falls back to a placeholder type, which is fine
// since the behavioral check only needs *a* fixed input, not a realistic
// one — any divergence across repeated runs against the same input is
// already a determinism failure regardless of what that input is.
func syntheticObservation(nodeID canon.NodeID, p *canon.Policy) *canon.Observation {
	obsType := "determinism.sweep.synthetic"
	if len(p.Triggers) > 0 {
		t := p.Triggers[0]
		if len(t) > 0 && t[len(t)-1] != '*' {
			obsType = t
		}
	}
	return &canon.Observation{
		ID:        "sweep-" + p.ID,
		NodeID:    nodeID,
		Type:      obsType,
		Timestamp: p.UpdatedAt,
		Payload:   map[string]any{},
		Tags:      nil,
	}
}
