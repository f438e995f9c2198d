// Package evaluator compiles and runs policy bodies: short CEL expressions
// that take an evaluation context and return a list of effect maps. CEL was
// chosen as the policy language (over an embedded scripting VM or a WASM
// sandbox) because it has no built-in accessors for wall-clock time, random
// sources, or I/O — the required sandbox constraints fall out of CEL's
// design instead of needing to be enforced after the fact. The
// policy-author contract this package commits
// to (see the package's decision record in DESIGN.md) is: a policy's source
// is a single CEL expression that evaluates directly to a list of effect
// maps, e.g. `observation.type == "x" ? [{"effect": "log", ...}] : []`.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/interpreter/functions"

	"github.com/canonical-node/canon/internal/canon"
	"github.com/canonical-node/canon/internal/canonerr"
)

// KindCEL is the only implementation.kind this evaluator accepts.
const KindCEL = "cel"

// DefaultTimeout is the per-invocation cooperative timeout applied when a
// policy's own timeout is unset.
const DefaultTimeout = 5000 * time.Millisecond

// Context is passed to a compiled policy body. PriorEffects is a defensive
// copy — the evaluator must never let a policy observe or mutate the
// engine's running accumulator.
type Context struct {
	Observation  *canon.Observation
	EvaluatedAt  time.Time
	PriorEffects []map[string]any
	Canon        CanonAccessor
}

// CanonAccessor is the read-only handle behind the queryObservations,
// getActiveEpisodes, getVariables and evaluateAggregation CEL functions.
// Implemented by internal/canonaccessor.CELBridge; declared here to avoid a
// cyclic import between evaluator and canonaccessor.
type CanonAccessor interface {
	QueryObservations(nodeID string, filter map[string]any) ([]map[string]any, error)
	GetActiveEpisodes(nodeID string) ([]map[string]any, error)
	GetVariables(nodeID string) ([]map[string]any, error)
	EvaluateAggregation(nodeID string, spec map[string]any) (map[string]any, error)
}

// cacheEntry holds a type-checked AST keyed by (policy.id, policy.updatedAt).
// The runnable cel.Program is built fresh per Evaluate call because the
// canon-accessor functions (queryObservations, getActiveEpisodes, ...) must
// be bound to that call's CanonAccessor, deferring cel.Program
// construction until an expression needs a per-evaluation dynamic
// function binding.
type cacheEntry struct {
	updatedAt time.Time
	ast       *cel.Ast
}

// Evaluator compiles policy sources and evaluates them against a Context.
// Safe for concurrent use; the compile cache is shared and read-mostly.
type Evaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cacheEntry

	logger *slog.Logger
}

// New builds an Evaluator with the CEL environment declaring the variables
// a policy body may reference (observation, evaluatedAt, priorEffects) and
// the accessor functions (queryObservations, getActiveEpisodes,
// getVariables, evaluateAggregation), whose implementations are bound to
// the Context's CanonAccessor at evaluation time.
func New(logger *slog.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("observation", cel.DynType),
		cel.Variable("evaluatedAt", cel.StringType),
		cel.Variable("priorEffects", cel.ListType(cel.DynType)),

		cel.Function("queryObservations",
			cel.Overload("queryObservations_map",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType)},
				cel.ListType(cel.DynType),
			),
		),
		cel.Function("getActiveEpisodes",
			cel.Overload("getActiveEpisodes_void",
				[]*cel.Type{},
				cel.ListType(cel.DynType),
			),
		),
		cel.Function("getVariables",
			cel.Overload("getVariables_void",
				[]*cel.Type{},
				cel.ListType(cel.DynType),
			),
		),
		cel.Function("evaluateAggregation",
			cel.Overload("evaluateAggregation_map",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType)},
				cel.MapType(cel.StringType, cel.DynType),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{
		env:    env,
		cache:  make(map[string]cacheEntry),
		logger: logger.With("component", "evaluator.Evaluator"),
	}, nil
}

// compile resolves a policy's program from the cache or compiles it fresh.
// A change in updatedAt invalidates the cached entry, matching the
// (policy.id, policy.updatedAt) cache-key contract.
func (e *Evaluator) compile(p *canon.Policy) (*cel.Ast, error) {
	if p.Implementation.Kind != KindCEL {
		return nil, canonerr.New(canonerr.KindPolicyCompilation,
			fmt.Sprintf("unsupported implementation kind %q", p.Implementation.Kind))
	}
	if p.Implementation.Source == "" {
		return nil, canonerr.New(canonerr.KindPolicyCompilation, "empty policy source")
	}

	e.mu.RLock()
	entry, ok := e.cache[p.ID]
	e.mu.RUnlock()
	if ok && entry.updatedAt.Equal(p.UpdatedAt) {
		return entry.ast, nil
	}

	ast, issues := e.env.Compile(p.Implementation.Source)
	if issues != nil && issues.Err() != nil {
		return nil, canonerr.Wrap(canonerr.KindPolicyCompilation,
			fmt.Sprintf("policy %s failed to compile", p.ID), issues.Err())
	}
	if ast.OutputType() != cel.ListType(cel.DynType) && ast.OutputType() != cel.DynType {
		return nil, canonerr.New(canonerr.KindPolicyCompilation,
			fmt.Sprintf("policy %s must evaluate to a list of effects, got %s", p.ID, ast.OutputType()))
	}

	e.mu.Lock()
	e.cache[p.ID] = cacheEntry{updatedAt: p.UpdatedAt, ast: ast}
	e.mu.Unlock()

	e.logger.Debug("compiled policy", "policy_id", p.ID, "updated_at", p.UpdatedAt)
	return ast, nil
}

// Invalidate drops a policy's cached program, forcing recompilation on its
// next Evaluate call. Callers normally rely on the updatedAt check instead;
// this exists for explicit cache eviction (e.g. policy deletion).
func (e *Evaluator) Invalidate(policyID string) {
	e.mu.Lock()
	delete(e.cache, policyID)
	e.mu.Unlock()
}

// Evaluate compiles (or reuses the cached compilation of) p and runs it
// against evalCtx, enforcing the cooperative timeout. The raw CEL result is
// decoded into effect maps by the caller (internal/policyengine), which
// also runs schema validation — this package's job stops at "did the
// evaluator run and produce a list".
func (e *Evaluator) Evaluate(ctx context.Context, p *canon.Policy, evalCtx Context, timeout time.Duration) ([]map[string]any, error) {
	ast, err := e.compile(p)
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	prg, err := e.env.Program(ast, cel.Functions(accessorOverloads(evalCtx.Observation, evalCtx.Canon)...))
	if err != nil {
		return nil, canonerr.Wrap(canonerr.KindPolicyExecution,
			fmt.Sprintf("policy %s program construction failed", p.ID), err)
	}

	vars, err := buildVars(evalCtx)
	if err != nil {
		return nil, canonerr.Wrap(canonerr.KindPolicyExecution, fmt.Sprintf("policy %s: invalid context", p.ID), err)
	}

	type evalResult struct {
		val []map[string]any
		err error
	}
	done := make(chan evalResult, 1)

	go func() {
		out, _, evalErr := prg.Eval(vars)
		if evalErr != nil {
			done <- evalResult{err: canonerr.Wrap(canonerr.KindPolicyExecution,
				fmt.Sprintf("policy %s evaluation error", p.ID), evalErr)}
			return
		}
		decoded, convErr := decodeEffectList(out)
		if convErr != nil {
			done <- evalResult{err: canonerr.Wrap(canonerr.KindPolicyExecution,
				fmt.Sprintf("policy %s returned non-array result", p.ID), convErr)}
			return
		}
		done <- evalResult{val: decoded}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-time.After(timeout):
		return nil, canonerr.New(canonerr.KindPolicyTimeout,
			fmt.Sprintf("policy %s exceeded %s timeout", p.ID, timeout))
	case <-ctx.Done():
		return nil, canonerr.Wrap(canonerr.KindPolicyExecution, fmt.Sprintf("policy %s", p.ID), ctx.Err())
	}
}

// accessorOverloads binds the canon-accessor CEL functions declared on the
// environment to the CanonAccessor supplied for this one evaluation. A
// missing accessor (nil) binds functions that return empty results rather
// than panicking, since some callers (e.g. determinism dry-runs) evaluate
// without a live accessor.
func accessorOverloads(obs *canon.Observation, accessor CanonAccessor) []*functions.Overload {
	nodeID := ""
	if obs != nil {
		nodeID = obs.NodeID
	}

	return []*functions.Overload{
		{
			Operator: "queryObservations_map",
			Unary: func(arg ref.Val) ref.Val {
				if accessor == nil {
					return types.DefaultTypeAdapter.NativeToValue(toAnySlice(nil))
				}
				filter, err := nativeMap(arg)
				if err != nil {
					return types.NewErr("queryObservations: %v", err)
				}
				results, err := accessor.QueryObservations(nodeID, filter)
				if err != nil {
					return types.NewErr("queryObservations: %v", err)
				}
				return types.DefaultTypeAdapter.NativeToValue(toAnySlice(results))
			},
		},
		{
			Operator: "getActiveEpisodes_void",
			Function: func(args ...ref.Val) ref.Val {
				if accessor == nil {
					return types.DefaultTypeAdapter.NativeToValue(toAnySlice(nil))
				}
				results, err := accessor.GetActiveEpisodes(nodeID)
				if err != nil {
					return types.NewErr("getActiveEpisodes: %v", err)
				}
				return types.DefaultTypeAdapter.NativeToValue(toAnySlice(results))
			},
		},
		{
			Operator: "getVariables_void",
			Function: func(args ...ref.Val) ref.Val {
				if accessor == nil {
					return types.DefaultTypeAdapter.NativeToValue(toAnySlice(nil))
				}
				results, err := accessor.GetVariables(nodeID)
				if err != nil {
					return types.NewErr("getVariables: %v", err)
				}
				return types.DefaultTypeAdapter.NativeToValue(toAnySlice(results))
			},
		},
		{
			Operator: "evaluateAggregation_map",
			Unary: func(arg ref.Val) ref.Val {
				if accessor == nil {
					return types.DefaultTypeAdapter.NativeToValue(map[string]any{})
				}
				spec, err := nativeMap(arg)
				if err != nil {
					return types.NewErr("evaluateAggregation: %v", err)
				}
				result, err := accessor.EvaluateAggregation(nodeID, spec)
				if err != nil {
					return types.NewErr("evaluateAggregation: %v", err)
				}
				return types.DefaultTypeAdapter.NativeToValue(result)
			},
		},
	}
}

func nativeMap(arg ref.Val) (map[string]any, error) {
	native, err := arg.ConvertToNative(reflect.TypeOf(map[string]any{}))
	if err != nil {
		return nil, err
	}
	m, ok := native.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected map argument, got %T", native)
	}
	return m, nil
}

func toAnySlice(maps []map[string]any) []any {
	out := make([]any, len(maps))
	for i, m := range maps {
		out[i] = m
	}
	return out
}

func buildVars(evalCtx Context) (map[string]any, error) {
	obsMap, err := observationToMap(evalCtx.Observation)
	if err != nil {
		return nil, err
	}
	prior := make([]any, len(evalCtx.PriorEffects))
	for i, pe := range evalCtx.PriorEffects {
		prior[i] = pe
	}
	return map[string]any{
		"observation":  obsMap,
		"evaluatedAt":  evalCtx.EvaluatedAt.Format(time.RFC3339),
		"priorEffects": prior,
	}, nil
}

func observationToMap(o *canon.Observation) (map[string]any, error) {
	if o == nil {
		return map[string]any{}, nil
	}
	return map[string]any{
		"id":        o.ID,
		"nodeId":    o.NodeID,
		"type":      o.Type,
		"timestamp": o.Timestamp.Format(time.RFC3339),
		"payload":   o.Payload,
		"tags":      o.Tags,
	}, nil
}

// celRefVal is the minimal surface of cel-go's ref.Val this package needs,
// declared locally to avoid importing the ref package purely for a type
// assertion target.
type celRefVal interface {
	ConvertToNative(typeDesc reflect.Type) (any, error)
}

func decodeEffectList(val any) ([]map[string]any, error) {
	rv, ok := val.(celRefVal)
	if !ok {
		return nil, fmt.Errorf("unexpected evaluation result type %T", val)
	}
	native, err := rv.ConvertToNative(reflect.TypeOf([]any{}))
	if err != nil {
		return nil, fmt.Errorf("convert result to native list: %w", err)
	}
	list, ok := native.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", native)
	}
	out := make([]map[string]any, 0, len(list))
	for i, item := range list {
		m, err := toStringMap(item)
		if err != nil {
			return nil, fmt.Errorf("effect %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// toStringMap normalizes a decoded CEL map value (which may come back as
// map[ref.Val]ref.Val from ConvertToNative on nested structures, or
// map[string]any when already native) into plain map[string]any.
func toStringMap(item any) (map[string]any, error) {
	switch m := item.(type) {
	case map[string]any:
		return m, nil
	case celRefVal:
		native, err := m.ConvertToNative(reflect.TypeOf(map[string]any{}))
		if err != nil {
			return nil, fmt.Errorf("convert effect to map: %w", err)
		}
		sm, ok := native.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("effect is not an object, got %T", native)
		}
		return sm, nil
	default:
		return nil, fmt.Errorf("effect is not an object, got %T", item)
	}
}
