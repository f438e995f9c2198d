package determinism

import (
	"context"
	"testing"
	"time"

	"github.com/canonical-node/canon/internal/canon"
	"github.com/canonical-node/canon/internal/evaluator"
)

func newSchedulerTestStore(t *testing.T) *canon.SQLiteStore {
	t.Helper()
	store, err := canon.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := store.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestScheduler_FirstSweepRecordsButDoesNotFireDrift(t *testing.T) {
	store := newSchedulerTestStore(t)
	eval, err := evaluator.New(nil)
	if err != nil {
		t.Fatalf("evaluator.New: %v", err)
	}
	p := &canon.Policy{
		ID: "p1", NodeID: "n1", Name: "always-log", Priority: 10, Enabled: true,
		Triggers: []string{"x"},
		Implementation: canon.PolicyImplementation{
			Kind: evaluator.KindCEL, Source: `[{"effect": "log", "level": "info", "message": "hi"}]`,
		},
		UpdatedAt: time.Now(),
	}
	if err := store.CreatePolicy(p); err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}

	var drifts []Drift
	sched := NewScheduler(store, eval, []canon.NodeID{"n1"}, SchedulerConfig{}, func(d Drift) {
		drifts = append(drifts, d)
	}, nil)

	sched.SweepOnce(context.Background())
	if len(drifts) != 0 {
		t.Fatalf("expected no drift on first sweep, got %+v", drifts)
	}

	sched.SweepOnce(context.Background())
	if len(drifts) != 0 {
		t.Fatalf("expected no drift when policy unchanged, got %+v", drifts)
	}
}

func TestScheduler_NoDriftWhenEditKeepsPolicyDeterministic(t *testing.T) {
	store := newSchedulerTestStore(t)
	eval, err := evaluator.New(nil)
	if err != nil {
		t.Fatalf("evaluator.New: %v", err)
	}
	p := &canon.Policy{
		ID: "p1", NodeID: "n1", Name: "always-log", Priority: 10, Enabled: true,
		Triggers: []string{"x"},
		Implementation: canon.PolicyImplementation{
			Kind: evaluator.KindCEL, Source: `[{"effect": "log", "level": "info", "message": "hi"}]`,
		},
		UpdatedAt: time.Now(),
	}
	if err := store.CreatePolicy(p); err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}

	var drifts []Drift
	sched := NewScheduler(store, eval, []canon.NodeID{"n1"}, SchedulerConfig{}, func(d Drift) {
		drifts = append(drifts, d)
	}, nil)
	sched.SweepOnce(context.Background())

	// Re-save the policy with the same source and a bumped updatedAt; it is
	// still deterministic, so the verdict does not flip and no drift fires.
	p.Implementation.Source = `[{"effect": "log", "level": "info", "message": "hi"}]`
	p.UpdatedAt = p.UpdatedAt.Add(time.Minute)
	if err := store.UpdatePolicy(p); err != nil {
		t.Fatalf("UpdatePolicy: %v", err)
	}
	sched.SweepOnce(context.Background())
	if len(drifts) != 0 {
		t.Fatalf("expected no drift for a deterministic re-edit, got %+v", drifts)
	}
}

func TestScheduler_SkipsNodesWithStoreErrors(t *testing.T) {
	store := newSchedulerTestStore(t)
	eval, err := evaluator.New(nil)
	if err != nil {
		t.Fatalf("evaluator.New: %v", err)
	}
	sched := NewScheduler(store, eval, []canon.NodeID{"missing-node"}, SchedulerConfig{}, nil, nil)
	// No policies for this node; SweepOnce should return without panicking.
	sched.SweepOnce(context.Background())
}
