package determinism

import (
	"context"
	"testing"
	"time"

	"github.com/canonical-node/canon/internal/canon"
	"github.com/canonical-node/canon/internal/evaluator"
)

func TestScanSource_FindsErrorSeverityPatterns(t *testing.T) {
	src := `observation.type == "x" ? [{"effect": "log", "message": now()}] : []`
	findings := ScanSource(src)
	if len(findings) != 1 || findings[0].Pattern != "wall_clock_now" || findings[0].Severity != SeverityError {
		t.Fatalf("findings = %+v", findings)
	}
}

func TestScanSource_WarningsDoNotFailOnTheirOwn(t *testing.T) {
	src := `console.log("debug")`
	findings := ScanSource(src)
	if len(findings) != 1 || findings[0].Severity != SeverityWarning {
		t.Fatalf("findings = %+v", findings)
	}
	if HasErrorSeverity(findings) {
		t.Fatal("expected a warning-only finding set to not count as error-severity")
	}
}

func TestScanSource_NoMatches(t *testing.T) {
	findings := ScanSource(`observation.type == "x" ? [] : []`)
	if len(findings) != 0 {
		t.Fatalf("findings = %+v", findings)
	}
}

func TestScanSource_LineNumbers(t *testing.T) {
	src := "a\nb\nrand(1)"
	findings := ScanSource(src)
	if len(findings) != 1 || findings[0].Line != 3 {
		t.Fatalf("findings = %+v, want line 3", findings)
	}
}

func TestCheckBehavioral_NoDivergenceForPureExpression(t *testing.T) {
	eval, err := evaluator.New(nil)
	if err != nil {
		t.Fatalf("evaluator.New: %v", err)
	}
	p := &canon.Policy{ID: "p1", Implementation: canon.PolicyImplementation{
		Kind: evaluator.KindCEL, Source: `[{"effect": "log", "level": "info", "message": "hi"}]`,
	}}
	obs := &canon.Observation{ID: "o1", Type: "x", Timestamp: time.Now()}

	result, err := CheckBehavioral(context.Background(), eval, p, obs, obs.Timestamp, time.Second, 3)
	if err != nil {
		t.Fatalf("CheckBehavioral: %v", err)
	}
	if result.Diverged || result.Runs != 3 || len(result.Signatures) != 3 {
		t.Fatalf("result = %+v", result)
	}
}

func TestCheckBehavioral_DefaultsRunsWhenUnset(t *testing.T) {
	eval, err := evaluator.New(nil)
	if err != nil {
		t.Fatalf("evaluator.New: %v", err)
	}
	p := &canon.Policy{ID: "p1", Implementation: canon.PolicyImplementation{Kind: evaluator.KindCEL, Source: `[]`}}
	obs := &canon.Observation{ID: "o1", Type: "x", Timestamp: time.Now()}

	result, err := CheckBehavioral(context.Background(), eval, p, obs, obs.Timestamp, time.Second, 0)
	if err != nil {
		t.Fatalf("CheckBehavioral: %v", err)
	}
	if result.Runs != defaultRuns {
		t.Errorf("Runs = %d, want default %d", result.Runs, defaultRuns)
	}
}

func TestCheck_CombinesBothPasses(t *testing.T) {
	eval, err := evaluator.New(nil)
	if err != nil {
		t.Fatalf("evaluator.New: %v", err)
	}
	p := &canon.Policy{ID: "p1", Implementation: canon.PolicyImplementation{
		Kind: evaluator.KindCEL, Source: `[{"effect": "log", "level": "info", "message": "hi"}]`,
	}}
	obs := &canon.Observation{ID: "o1", Type: "x", Timestamp: time.Now()}

	verdict, err := Check(context.Background(), eval, p, obs, obs.Timestamp, time.Second)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !verdict.Deterministic {
		t.Fatalf("verdict = %+v, want deterministic", verdict)
	}
}

func TestCanonicalSignature_KeyOrderIndependent(t *testing.T) {
	a := []map[string]any{{"b": 1, "a": 2}}
	b := []map[string]any{{"a": 2, "b": 1}}

	sigA, err := canonicalSignature(a)
	if err != nil {
		t.Fatalf("canonicalSignature: %v", err)
	}
	sigB, err := canonicalSignature(b)
	if err != nil {
		t.Fatalf("canonicalSignature: %v", err)
	}
	if sigA != sigB {
		t.Fatalf("sigA = %q, sigB = %q, want equal regardless of map key order", sigA, sigB)
	}
}
