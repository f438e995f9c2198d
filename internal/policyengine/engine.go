// Package policyengine implements the ordered policy evaluation loop:
// filter candidates by trigger match, stable-sort by priority, run each
// compiled policy under timeout, accumulate effects, and stop at the first
// suppression. One broken policy never blocks the rest of the pipeline —
// every failure is isolated to that policy's result, mirroring the
// teacher's Engine.Evaluate pipeline-with-short-circuit shape generalized
// from a single terminal verdict to an accumulating effect stream.
package policyengine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/canonical-node/canon/internal/canon"
	"github.com/canonical-node/canon/internal/canonaccessor"
	"github.com/canonical-node/canon/internal/canonerr"
	"github.com/canonical-node/canon/internal/effect"
	"github.com/canonical-node/canon/internal/evaluator"
	"github.com/canonical-node/canon/internal/trigger"
)

// PolicyResult captures one policy's contribution to the run, including
// any error (which does not abort the loop).
type PolicyResult struct {
	PolicyID   string
	Effects    []effect.Effect
	Error      error
	DurationMs int64
}

// Result is the consolidated output of evaluating all candidate policies
// against one observation.
type Result struct {
	Effects              []effect.Effect
	PolicyResults        []PolicyResult
	Suppressed           bool
	SuppressReason       string
	SuppressedByPolicyID string
	TotalDurationMs      int64
}

// Engine runs the ordered policy evaluation loop.
type Engine struct {
	eval   *evaluator.Evaluator
	logger *slog.Logger
}

// New builds an Engine over the given compiled-policy evaluator.
func New(eval *evaluator.Evaluator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{eval: eval, logger: logger.With("component", "policyengine.Engine")}
}

// Evaluate filters policies to those enabled and trigger-matching the
// observation's type, stable-sorts by priority, and runs each in turn,
// accumulating effects until a suppress effect is encountered or the
// candidate list is exhausted.
func (e *Engine) Evaluate(ctx context.Context, obs *canon.Observation, policies []*canon.Policy, acc canonaccessor.CELBridge, timeout time.Duration) Result {
	start := time.Now()

	candidates := make([]*canon.Policy, 0, len(policies))
	for _, p := range policies {
		if p.Enabled && trigger.Matches(obs.Type, p.Triggers) {
			candidates = append(candidates, p)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Priority < candidates[j].Priority })

	result := Result{}
	var priorEffects []map[string]any

	for _, p := range candidates {
		pStart := time.Now()

		evalCtx := evaluator.Context{
			Observation:  obs,
			EvaluatedAt:  obs.Timestamp,
			PriorEffects: copyMaps(priorEffects),
			Canon:        &acc,
		}

		raw, err := e.eval.Evaluate(ctx, p, evalCtx, timeout)
		pr := PolicyResult{PolicyID: p.ID, DurationMs: time.Since(pStart).Milliseconds()}

		if err != nil {
			pr.Error = err
			e.logger.Warn("policy evaluation failed, contributing zero effects",
				"policy_id", p.ID, "error", err)
			result.PolicyResults = append(result.PolicyResults, pr)
			continue
		}

		effects, verr := effect.FromMaps(raw)
		if verr != nil {
			pr.Error = canonerr.Wrap(canonerr.KindInvalidEffect, "policy "+p.ID+" produced an invalid effect", verr)
			e.logger.Warn("policy produced invalid effect, contributing zero effects",
				"policy_id", p.ID, "error", verr)
			result.PolicyResults = append(result.PolicyResults, pr)
			continue
		}

		pr.Effects = effects
		result.PolicyResults = append(result.PolicyResults, pr)
		result.Effects = append(result.Effects, effects...)
		priorEffects = append(priorEffects, raw...)

		if suppressed, reason := findSuppress(effects); suppressed {
			result.Suppressed = true
			result.SuppressReason = reason
			result.SuppressedByPolicyID = p.ID
			break
		}
	}

	result.TotalDurationMs = time.Since(start).Milliseconds()
	return result
}

func findSuppress(effects []effect.Effect) (bool, string) {
	for _, e := range effects {
		if s, ok := e.(effect.Suppress); ok {
			return true, s.Reason
		}
	}
	return false, ""
}

func copyMaps(in []map[string]any) []map[string]any {
	out := make([]map[string]any, len(in))
	copy(out, in)
	return out
}
