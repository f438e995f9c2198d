package canonaccessor

import (
	"testing"
	"time"

	"github.com/canonical-node/canon/internal/canon"
)

func newTestStore(t *testing.T) *canon.SQLiteStore {
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

func insertObs(t *testing.T, store canon.Store, nodeID, typ string, ts time.Time, payload any) {
	t.Helper()
	if err := store.InsertObservation(&canon.Observation{
		ID: "o-" + typ + "-" + ts.String(), NodeID: nodeID, Type: typ, Timestamp: ts, Payload: payload,
	}); err != nil {
		t.Fatalf("InsertObservation: %v", err)
	}
}

func TestQuery_DefaultWindowAndLimit(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	insertObs(t, store, "n1", "cpu.high", now.Add(-time.Hour), 1.0)
	insertObs(t, store, "n1", "cpu.high", now.Add(-48*time.Hour), 2.0) // outside default 24h window

	acc := New(store, nil)
	rows, err := acc.Query("n1", QuerySpec{}, now)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %v, want 1 (default window should exclude the 48h-old observation)", rows)
	}
}

func TestQuery_OrdersNewestFirstAndCapsByWindowCount(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	insertObs(t, store, "n1", "x", now.Add(-3*time.Minute), 1.0)
	insertObs(t, store, "n1", "x", now.Add(-2*time.Minute), 2.0)
	insertObs(t, store, "n1", "x", now.Add(-1*time.Minute), 3.0)

	acc := New(store, nil)
	rows, err := acc.Query("n1", QuerySpec{WindowCount: 2}, now)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %v, want 2", rows)
	}
	if rows[0].Payload != 3.0 || rows[1].Payload != 2.0 {
		t.Fatalf("rows = %+v, want newest-first order", rows)
	}
}

func TestQuery_OffsetBeyondResultsReturnsEmpty(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	insertObs(t, store, "n1", "x", now.Add(-time.Minute), 1.0)

	acc := New(store, nil)
	rows, err := acc.Query("n1", QuerySpec{Offset: 5}, now)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rows = %v, want empty", rows)
	}
}

func TestEvaluateAggregation_Avg(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	insertObs(t, store, "n1", "sleep.hours", now.Add(-3*time.Hour), map[string]any{"hours": 6.0})
	insertObs(t, store, "n1", "sleep.hours", now.Add(-2*time.Hour), map[string]any{"hours": 8.0})

	acc := New(store, nil)
	result, err := acc.EvaluateAggregation("n1", AggregationSpec{ObservationTypes: []string{"sleep.hours"}, Aggregation: "avg"}, now)
	if err != nil {
		t.Fatalf("EvaluateAggregation: %v", err)
	}
	if !result.HasValue || result.Value != 7.0 {
		t.Fatalf("result = %+v, want avg 7.0", result)
	}
	if result.MatchedCount != 2 || result.UsedCount != 2 {
		t.Fatalf("result = %+v", result)
	}
}

func TestEvaluateAggregation_WindowHoursExcludesOlderMatches(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	insertObs(t, store, "n1", "health.sleep", now.Add(-2*time.Hour), map[string]any{"hours": 7.0})
	insertObs(t, store, "n1", "health.sleep", now.Add(-26*time.Hour), map[string]any{"hours": 6.0})
	insertObs(t, store, "n1", "health.sleep", now.Add(-50*time.Hour), map[string]any{"hours": 8.0})

	acc := New(store, nil)
	result, err := acc.EvaluateAggregation("n1", AggregationSpec{
		ObservationTypes: []string{"health.sleep"}, Aggregation: "avg", WindowHours: 48,
	}, now)
	if err != nil {
		t.Fatalf("EvaluateAggregation: %v", err)
	}
	if !result.HasValue || result.Value != 6.5 {
		t.Fatalf("result = %+v, want avg 6.5", result)
	}
	if result.MatchedCount != 3 || result.UsedCount != 2 {
		t.Fatalf("result = %+v, want matchedCount=3 usedCount=2", result)
	}
	if result.MatchedCount <= result.UsedCount {
		t.Fatalf("result = %+v, want matchedCount > usedCount when window.hours excludes a match", result)
	}
}

func TestEvaluateAggregation_NoMatches(t *testing.T) {
	store := newTestStore(t)
	acc := New(store, nil)
	result, err := acc.EvaluateAggregation("n1", AggregationSpec{ObservationTypes: []string{"nothing"}, Aggregation: "sum"}, time.Now())
	if err != nil {
		t.Fatalf("EvaluateAggregation: %v", err)
	}
	if result.HasValue || result.MatchedCount != 0 {
		t.Fatalf("result = %+v, want no value", result)
	}
}

func TestEvaluateAggregation_UnknownAggregatorErrors(t *testing.T) {
	store := newTestStore(t)
	insertObs(t, store, "n1", "x", time.Now().Add(-time.Minute), 1.0)
	acc := New(store, nil)
	_, err := acc.EvaluateAggregation("n1", AggregationSpec{ObservationTypes: []string{"x"}, Aggregation: "median"}, time.Now())
	if err == nil {
		t.Fatal("expected an error for an unknown aggregator")
	}
}

func TestGetActiveEpisodes(t *testing.T) {
	store := newTestStore(t)
	if err := store.PutEpisode(&canon.Episode{ID: "e1", NodeID: "n1", Name: "travel", Status: "active"}); err != nil {
		t.Fatalf("PutEpisode: %v", err)
	}
	if err := store.PutEpisode(&canon.Episode{ID: "e2", NodeID: "n1", Name: "done", Status: "closed"}); err != nil {
		t.Fatalf("PutEpisode: %v", err)
	}

	acc := New(store, nil)
	episodes, err := acc.GetActiveEpisodes("n1")
	if err != nil {
		t.Fatalf("GetActiveEpisodes: %v", err)
	}
	if len(episodes) != 1 || episodes[0].ID != "e1" {
		t.Fatalf("episodes = %+v, want only the active one", episodes)
	}
}

func TestGetVariables(t *testing.T) {
	store := newTestStore(t)
	if err := store.PutVariable(&canon.Variable{ID: "v1", NodeID: "n1", Name: "baseline", Spec: map[string]any{"type": "ewma"}}); err != nil {
		t.Fatalf("PutVariable: %v", err)
	}

	acc := New(store, nil)
	vars, err := acc.GetVariables("n1")
	if err != nil {
		t.Fatalf("GetVariables: %v", err)
	}
	if len(vars) != 1 || vars[0].Name != "baseline" {
		t.Fatalf("vars = %+v", vars)
	}
}

func TestCELBridge_QueryObservations_TranslatesMapFilter(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	insertObs(t, store, "n1", "cpu.high", now.Add(-time.Minute), map[string]any{"value": 99.0})

	acc := New(store, nil)
	bridge := NewCELBridge(acc, now)
	out, err := bridge.QueryObservations("n1", map[string]any{
		"observationTypes": []any{"cpu.high"},
		"limit":            float64(10),
	})
	if err != nil {
		t.Fatalf("QueryObservations: %v", err)
	}
	if len(out) != 1 || out[0]["type"] != "cpu.high" {
		t.Fatalf("out = %+v", out)
	}
}

func TestCELBridge_EvaluateAggregation_TranslatesSpecAndResult(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	insertObs(t, store, "n1", "steps", now.Add(-time.Minute), map[string]any{"value": 500.0})
	insertObs(t, store, "n1", "steps", now.Add(-2*time.Minute), map[string]any{"value": 1500.0})

	acc := New(store, nil)
	bridge := NewCELBridge(acc, now)
	out, err := bridge.EvaluateAggregation("n1", map[string]any{
		"observationTypes": []any{"steps"},
		"aggregation":      "sum",
	})
	if err != nil {
		t.Fatalf("EvaluateAggregation: %v", err)
	}
	if out["hasValue"] != true || out["value"] != 2000.0 {
		t.Fatalf("out = %+v", out)
	}
}

func TestCELBridge_GetActiveEpisodesAndVariables(t *testing.T) {
	store := newTestStore(t)
	if err := store.PutEpisode(&canon.Episode{ID: "e1", NodeID: "n1", Name: "travel", Status: "active"}); err != nil {
		t.Fatalf("PutEpisode: %v", err)
	}
	if err := store.PutVariable(&canon.Variable{ID: "v1", NodeID: "n1", Name: "baseline", Spec: map[string]any{"type": "ewma"}}); err != nil {
		t.Fatalf("PutVariable: %v", err)
	}

	acc := New(store, nil)
	bridge := NewCELBridge(acc, time.Now())

	episodes, err := bridge.GetActiveEpisodes("n1")
	if err != nil {
		t.Fatalf("GetActiveEpisodes: %v", err)
	}
	if len(episodes) != 1 || episodes[0]["name"] != "travel" {
		t.Fatalf("episodes = %+v", episodes)
	}

	vars, err := bridge.GetVariables("n1")
	if err != nil {
		t.Fatalf("GetVariables: %v", err)
	}
	if len(vars) != 1 || vars[0]["name"] != "baseline" {
		t.Fatalf("vars = %+v", vars)
	}
}
