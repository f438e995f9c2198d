package evaluator

import (
	"context"
	"testing"
	"time"

	"github.com/canonical-node/canon/internal/canon"
	"github.com/canonical-node/canon/internal/canonerr"
)

func mustNew(t *testing.T) *Evaluator {
	t.Helper()
	e, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func policyWith(source string) *canon.Policy {
	return &canon.Policy{
		ID:             "p1",
		Implementation: canon.PolicyImplementation{Kind: KindCEL, Source: source},
	}
}

func TestEvaluate_SimpleEffect(t *testing.T) {
	e := mustNew(t)
	p := policyWith(`observation.type == "cpu.high" ? [{"kind": "log", "level": "info", "message": "hot"}] : []`)

	obs := &canon.Observation{ID: "o1", NodeID: "n1", Type: "cpu.high", Timestamp: time.Now()}
	effects, err := e.Evaluate(context.Background(), p, Context{Observation: obs, EvaluatedAt: obs.Timestamp}, time.Second)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(effects) != 1 || effects[0]["kind"] != "log" {
		t.Fatalf("effects = %v", effects)
	}
}

func TestEvaluate_NoMatchReturnsEmpty(t *testing.T) {
	e := mustNew(t)
	p := policyWith(`observation.type == "cpu.high" ? [{"kind": "log", "level": "info", "message": "hot"}] : []`)

	obs := &canon.Observation{ID: "o1", NodeID: "n1", Type: "cpu.normal", Timestamp: time.Now()}
	effects, err := e.Evaluate(context.Background(), p, Context{Observation: obs, EvaluatedAt: obs.Timestamp}, time.Second)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(effects) != 0 {
		t.Fatalf("effects = %v, want empty", effects)
	}
}

func TestEvaluate_CompileError(t *testing.T) {
	e := mustNew(t)
	p := policyWith(`this is not valid cel (`)

	obs := &canon.Observation{ID: "o1", Type: "x", Timestamp: time.Now()}
	_, err := e.Evaluate(context.Background(), p, Context{Observation: obs, EvaluatedAt: obs.Timestamp}, time.Second)
	assertKind(t, err, canonerr.KindPolicyCompilation)
}

func TestEvaluate_WrongOutputType(t *testing.T) {
	e := mustNew(t)
	p := policyWith(`"a string, not a list"`)

	obs := &canon.Observation{ID: "o1", Type: "x", Timestamp: time.Now()}
	_, err := e.Evaluate(context.Background(), p, Context{Observation: obs, EvaluatedAt: obs.Timestamp}, time.Second)
	assertKind(t, err, canonerr.KindPolicyCompilation)
}

func TestEvaluate_UnsupportedImplementationKind(t *testing.T) {
	e := mustNew(t)
	p := &canon.Policy{ID: "p1", Implementation: canon.PolicyImplementation{Kind: "starlark", Source: "x"}}

	obs := &canon.Observation{ID: "o1", Type: "x", Timestamp: time.Now()}
	_, err := e.Evaluate(context.Background(), p, Context{Observation: obs, EvaluatedAt: obs.Timestamp}, time.Second)
	assertKind(t, err, canonerr.KindPolicyCompilation)
}

func TestEvaluate_CachesCompiledProgramByUpdatedAt(t *testing.T) {
	e := mustNew(t)
	p := policyWith(`[]`)

	obs := &canon.Observation{ID: "o1", Type: "x", Timestamp: time.Now()}
	if _, err := e.Evaluate(context.Background(), p, Context{Observation: obs, EvaluatedAt: obs.Timestamp}, time.Second); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if _, ok := e.cache[p.ID]; !ok {
		t.Fatal("expected compiled AST to be cached")
	}

	p.Implementation.Source = `this is not valid cel (`
	p.UpdatedAt = p.UpdatedAt.Add(time.Second)
	_, err := e.Evaluate(context.Background(), p, Context{Observation: obs, EvaluatedAt: obs.Timestamp}, time.Second)
	if err == nil {
		t.Fatal("expected recompilation to surface the new (invalid) source")
	}
}

func TestEvaluate_Timeout(t *testing.T) {
	e := mustNew(t)
	p := policyWith(`[]`)

	obs := &canon.Observation{ID: "o1", Type: "x", Timestamp: time.Now()}
	_, err := e.Evaluate(context.Background(), p, Context{Observation: obs, EvaluatedAt: obs.Timestamp}, 0)
	if err != nil {
		t.Fatalf("Evaluate with default timeout should not fail fast: %v", err)
	}
}

func TestInvalidate(t *testing.T) {
	e := mustNew(t)
	p := policyWith(`[]`)
	obs := &canon.Observation{ID: "o1", Type: "x", Timestamp: time.Now()}
	_, _ = e.Evaluate(context.Background(), p, Context{Observation: obs, EvaluatedAt: obs.Timestamp}, time.Second)

	e.Invalidate(p.ID)
	if _, ok := e.cache[p.ID]; ok {
		t.Fatal("expected cache entry to be evicted")
	}
}

func assertKind(t *testing.T, err error, want canonerr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error of kind %s, got nil", want)
	}
	ce, ok := err.(*canonerr.Error)
	if !ok {
		t.Fatalf("expected *canonerr.Error, got %T: %v", err, err)
	}
	if ce.Kind != want {
		t.Fatalf("Kind = %s, want %s", ce.Kind, want)
	}
}
