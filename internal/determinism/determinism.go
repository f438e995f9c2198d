// Package determinism implements the two complementary checks a policy
// must pass before it is trusted: a behavioral check (run it N times,
// compare canonical JSON of the resulting effects) and a syntactic scan
// for known non-deterministic idioms in its source. The scanner's
// regexp-plus-severity-table shape is grounded directly on
// internal/sanitize.Scanner's injection-pattern table, substituting
// wall-clock/random/network/subprocess idioms for prompt-injection phrases
// and keeping the same highest-severity-wins aggregation.
package determinism

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/canonical-node/canon/internal/canon"
	"github.com/canonical-node/canon/internal/evaluator"
)

// Severity classifies a syntactic match.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one syntactic match against the non-determinism pattern table.
type Finding struct {
	Pattern  string
	Severity Severity
	Line     int
	Excerpt  string
}

type compiledPattern struct {
	name     string
	regex    *regexp.Regexp
	severity Severity
}

// patternTable is the fixed set of non-deterministic idioms the syntactic
// scan looks for. Error severities make the syntactic check fail
// outright; warnings are advisory.
var patternTable = []compiledPattern{
	{"wall_clock_now", regexp.MustCompile(`\bnow\s*\(\s*\)`), SeverityError},
	{"date_now", regexp.MustCompile(`\bDate\.now\s*\(\s*\)`), SeverityError},
	{"random_source", regexp.MustCompile(`\b(rand|random|Math\.random|crypto\.randomBytes)\s*\(`), SeverityError},
	{"uuid_generation", regexp.MustCompile(`\b(uuid|ulid)\s*\.\s*(new|make|v4)\s*\(`), SeverityError},
	{"timer_scheduling", regexp.MustCompile(`\b(setTimeout|setInterval|time\.Sleep|time\.After)\s*\(`), SeverityError},
	{"network_call", regexp.MustCompile(`\b(fetch|http\.Get|http\.Post|net\.Dial)\s*\(`), SeverityError},
	{"subprocess_call", regexp.MustCompile(`\b(exec\.Command|os/exec|subprocess|child_process)\b`), SeverityError},
	{"global_scope_write", regexp.MustCompile(`\bglobalThis\s*\.|packageScopeVar\s*='`), SeverityError},
	{"console_logging", regexp.MustCompile(`\bconsole\.(log|warn|error|info)\s*\(`), SeverityWarning},
	{"process_env_access", regexp.MustCompile(`\b(os\.Getenv|process\.env)\b`), SeverityWarning},
}

// ScanSource runs the syntactic check against a policy's source, returning
// every match with its line number computed from the match offset.
func ScanSource(source string) []Finding {
	var findings []Finding
	for _, p := range patternTable {
		for _, loc := range p.regex.FindAllStringIndex(source, -1) {
			line := 1 + strings.Count(source[:loc[0]], "\n")
			findings = append(findings, Finding{
				Pattern:  p.name,
				Severity: p.severity,
				Line:     line,
				Excerpt:  strings.TrimSpace(source[loc[0]:loc[1]]),
			})
		}
	}
	return findings
}

// HasErrorSeverity reports whether any finding is error-severity.
func HasErrorSeverity(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

// BehavioralResult is the outcome of re-running a policy N times.
type BehavioralResult struct {
	Runs       int
	Diverged   bool
	Signatures []string
}

const defaultRuns = 3

// CheckBehavioral evaluates the policy N times (default 3) against a
// fixed observation and evaluatedAt, serializing each run's effects with
// keys sorted, and reports whether any pairwise divergence occurred.
func CheckBehavioral(ctx context.Context, eval *evaluator.Evaluator, p *canon.Policy, obs *canon.Observation, evaluatedAt time.Time, timeout time.Duration, runs int) (BehavioralResult, error) {
	if runs <= 0 {
		runs = defaultRuns
	}
	result := BehavioralResult{Runs: runs}

	for i := 0; i < runs; i++ {
		raw, err := eval.Evaluate(ctx, p, evaluator.Context{
			Observation: obs,
			EvaluatedAt: evaluatedAt,
		}, timeout)
		if err != nil {
			return result, fmt.Errorf("behavioral check run %d: %w", i, err)
		}
		sig, err := canonicalSignature(raw)
		if err != nil {
			return result, fmt.Errorf("behavioral check run %d: %w", i, err)
		}
		result.Signatures = append(result.Signatures, sig)
	}

	for i := 1; i < len(result.Signatures); i++ {
		if result.Signatures[i] != result.Signatures[0] {
			result.Diverged = true
			break
		}
	}
	return result, nil
}

// canonicalSignature serializes an effects list to JSON with every map's
// keys sorted, so semantically identical results compare equal
// byte-for-byte regardless of map iteration order.
func canonicalSignature(effects []map[string]any) (string, error) {
	canon := make([]map[string]any, len(effects))
	for i, e := range effects {
		canon[i] = sortedCopy(e)
	}
	b, err := json.Marshal(canon)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func sortedCopy(m map[string]any) map[string]any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]any, len(m))
	for _, k := range keys {
		v := m[k]
		if nested, ok := v.(map[string]any); ok {
			out[k] = sortedCopy(nested)
		} else {
			out[k] = v
		}
	}
	return out
}

// Verdict is the combined result of both checks: deterministic iff the
// behavioral runs produced zero divergence AND no error-severity
// syntactic finding was found.
type Verdict struct {
	Deterministic bool
	Behavioral    BehavioralResult
	Findings      []Finding
}

// Check runs both the syntactic and behavioral passes and combines them
// into a single verdict.
func Check(ctx context.Context, eval *evaluator.Evaluator, p *canon.Policy, obs *canon.Observation, evaluatedAt time.Time, timeout time.Duration) (Verdict, error) {
	findings := ScanSource(p.Implementation.Source)
	behavioral, err := CheckBehavioral(ctx, eval, p, obs, evaluatedAt, timeout, defaultRuns)
	if err != nil {
		return Verdict{Findings: findings}, err
	}
	return Verdict{
		Deterministic: !behavioral.Diverged && !HasErrorSeverity(findings),
		Behavioral:    behavioral,
		Findings:      findings,
	}, nil
}
