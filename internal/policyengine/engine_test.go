package policyengine

import (
	"context"
	"testing"
	"time"

	"github.com/canonical-node/canon/internal/canon"
	"github.com/canonical-node/canon/internal/canonaccessor"
	"github.com/canonical-node/canon/internal/evaluator"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	eval, err := evaluator.New(nil)
	if err != nil {
		t.Fatalf("evaluator.New: %v", err)
	}
	return New(eval, nil)
}

func celPolicy(id string, priority int, triggers []string, source string) *canon.Policy {
	return &canon.Policy{
		ID: id, Priority: priority, Enabled: true, Triggers: triggers,
		Implementation: canon.PolicyImplementation{Kind: evaluator.KindCEL, Source: source},
	}
}

func TestEvaluate_OrdersByPriority(t *testing.T) {
	e := newEngine(t)
	policies := []*canon.Policy{
		celPolicy("second", 20, []string{"cpu.high"}, `[{"effect": "log", "level": "info", "message": "second"}]`),
		celPolicy("first", 10, []string{"cpu.high"}, `[{"effect": "log", "level": "info", "message": "first"}]`),
	}

	obs := &canon.Observation{ID: "o1", NodeID: "n1", Type: "cpu.high", Timestamp: time.Now()}
	bridge := canonaccessor.CELBridge{}
	result := e.Evaluate(context.Background(), obs, policies, bridge, time.Second)

	if len(result.PolicyResults) != 2 {
		t.Fatalf("PolicyResults = %v", result.PolicyResults)
	}
	if result.PolicyResults[0].PolicyID != "first" || result.PolicyResults[1].PolicyID != "second" {
		t.Fatalf("expected priority ordering, got %s then %s", result.PolicyResults[0].PolicyID, result.PolicyResults[1].PolicyID)
	}
}

func TestEvaluate_SkipsDisabledAndNonMatching(t *testing.T) {
	e := newEngine(t)
	policies := []*canon.Policy{
		celPolicy("disabled", 1, []string{"cpu.high"}, `[{"effect": "log", "level": "info", "message": "x"}]`),
		celPolicy("wrong-trigger", 2, []string{"mem.high"}, `[{"effect": "log", "level": "info", "message": "x"}]`),
	}
	policies[0].Enabled = false

	obs := &canon.Observation{ID: "o1", NodeID: "n1", Type: "cpu.high", Timestamp: time.Now()}
	bridge := canonaccessor.CELBridge{}
	result := e.Evaluate(context.Background(), obs, policies, bridge, time.Second)

	if len(result.PolicyResults) != 0 {
		t.Fatalf("expected no candidates to run, got %v", result.PolicyResults)
	}
}

func TestEvaluate_StopsAtSuppress(t *testing.T) {
	e := newEngine(t)
	policies := []*canon.Policy{
		celPolicy("a", 1, []string{"x"}, `[{"effect": "suppress", "reason": "dup"}]`),
		celPolicy("b", 2, []string{"x"}, `[{"effect": "log", "level": "info", "message": "never"}]`),
	}

	obs := &canon.Observation{ID: "o1", NodeID: "n1", Type: "x", Timestamp: time.Now()}
	bridge := canonaccessor.CELBridge{}
	result := e.Evaluate(context.Background(), obs, policies, bridge, time.Second)

	if !result.Suppressed || result.SuppressReason != "dup" || result.SuppressedByPolicyID != "a" {
		t.Fatalf("result = %+v", result)
	}
	if len(result.PolicyResults) != 1 {
		t.Fatalf("expected evaluation to stop after suppress, got %d results", len(result.PolicyResults))
	}
}

func TestEvaluate_OnePolicyFailureDoesNotBlockOthers(t *testing.T) {
	e := newEngine(t)
	policies := []*canon.Policy{
		celPolicy("broken", 1, []string{"x"}, `this is not valid cel (`),
		celPolicy("ok", 2, []string{"x"}, `[{"effect": "log", "level": "info", "message": "fine"}]`),
	}

	obs := &canon.Observation{ID: "o1", NodeID: "n1", Type: "x", Timestamp: time.Now()}
	bridge := canonaccessor.CELBridge{}
	result := e.Evaluate(context.Background(), obs, policies, bridge, time.Second)

	if len(result.PolicyResults) != 2 {
		t.Fatalf("PolicyResults = %v", result.PolicyResults)
	}
	if result.PolicyResults[0].Error == nil {
		t.Fatal("expected first policy to record an error")
	}
	if len(result.Effects) != 1 {
		t.Fatalf("expected the second policy's effect to still be collected, got %v", result.Effects)
	}
}

func TestEvaluate_InvalidEffectIsolated(t *testing.T) {
	e := newEngine(t)
	policies := []*canon.Policy{
		celPolicy("bad-effect", 1, []string{"x"}, `[{"effect": "tag_observation", "tags": []}]`),
	}

	obs := &canon.Observation{ID: "o1", NodeID: "n1", Type: "x", Timestamp: time.Now()}
	bridge := canonaccessor.CELBridge{}
	result := e.Evaluate(context.Background(), obs, policies, bridge, time.Second)

	if len(result.PolicyResults) != 1 || result.PolicyResults[0].Error == nil {
		t.Fatalf("expected the empty-tags effect to fail schema validation, got %+v", result.PolicyResults)
	}
	if len(result.Effects) != 0 {
		t.Fatalf("expected zero contributed effects, got %v", result.Effects)
	}
}
