// Package canonaccessor implements the read-only query surface passed into
// policy evaluators: bounded observation queries, active episodes, node
// variables, and scalar aggregation over observation history. None of its
// methods mutate the canon; all enforce caps and default windows so
// individual policies cannot pull unbounded history with a single call.
//
// The sliding-window bookkeeping here (apply a cutoff relative to the
// replay clock, then sort/truncate) follows a time-bucketed rate-limiter
// and velocity-detector shape, generalized from wall-clock "now" to the
// evaluator's evaluatedAt so it stays replay-safe.
package canonaccessor

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/canonical-node/canon/internal/canon"
)

const (
	// MaxResults is the hard cap queryObservations will ever return,
	// regardless of the caller's requested limit.
	MaxResults = 1000
	// DefaultLimit is applied when the caller does not specify one.
	DefaultLimit = 100
	// DefaultWindow is applied when neither an explicit time range nor a
	// window is given: the 24 hours ending at evaluatedAt.
	DefaultWindow = 24 * time.Hour
	// PrefetchWindow bounds the single store round-trip this package makes
	// per call: local filters never need to look back further than this,
	// so the broader fetch can be capped here instead of per-query.
	PrefetchWindow = 7 * 24 * time.Hour
)

// QuerySpec mirrors the fields a policy can supply to queryObservations.
type QuerySpec struct {
	ObservationTypes []string
	Start, End       *time.Time
	WindowHours      float64
	WindowCount      int
	Tags             []string
	Limit            int
	Offset           int
}

// AggregationSpec mirrors evaluateAggregation's input.
type AggregationSpec struct {
	ObservationTypes []string
	Aggregation      string // latest, sum, avg, count, min, max
	WindowHours      float64
	WindowCount      int
	Confidence       float64
}

// AggregationResult is evaluateAggregation's output.
type AggregationResult struct {
	Value        float64 `json:"value"`
	HasValue     bool    `json:"hasValue"`
	MatchedCount int     `json:"matchedCount"`
	UsedCount    int     `json:"usedCount"`
	Confidence   float64 `json:"confidence"`
}

// Accessor implements the canon accessor contract against a canon.Store.
// One Accessor is created per pipeline; EvaluatedAt is supplied per call
// since each observation in a batch may carry its own replay clock.
type Accessor struct {
	store  canon.Store
	logger *slog.Logger
}

// New builds an Accessor over the given store.
func New(store canon.Store, logger *slog.Logger) *Accessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accessor{store: store, logger: logger.With("component", "canonaccessor.Accessor")}
}

// typeMatched returns every observation matching nodeID/types/tags within
// the package's outer prefetch window, sorted newest first. This is the
// "matched" population before any window.hours/window.count narrowing is
// applied by either Query or EvaluateAggregation.
func (a *Accessor) typeMatched(nodeID string, types, tags []string, evaluatedAt time.Time) ([]*canon.Observation, error) {
	prefetchStart := evaluatedAt.Add(-PrefetchWindow)

	// Single store round-trip with the broadest window this package ever
	// allows; everything narrower is applied locally by the caller.
	rows, err := a.store.QueryObservations(canon.ObservationFilter{
		NodeID:       nodeID,
		TypePatterns: types,
		Start:        &prefetchStart,
		End:          &evaluatedAt,
		Tags:         tags,
		Limit:        MaxResults,
		OrderDesc:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("canon accessor: query observations: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp.After(rows[j].Timestamp) })
	return rows, nil
}

// Query runs a bounded observation query. evaluatedAt anchors the default
// and prefetch windows — never wall-clock time, so replay stays
// deterministic.
func (a *Accessor) Query(nodeID string, spec QuerySpec, evaluatedAt time.Time) ([]*canon.Observation, error) {
	limit := spec.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxResults {
		limit = MaxResults
	}

	rows, err := a.typeMatched(nodeID, spec.ObservationTypes, spec.Tags, evaluatedAt)
	if err != nil {
		return nil, err
	}

	start, end := resolveRange(spec, evaluatedAt)
	filtered := make([]*canon.Observation, 0, len(rows))
	for _, o := range rows {
		if o.Timestamp.Before(start) || o.Timestamp.After(end) {
			continue
		}
		filtered = append(filtered, o)
	}

	if spec.WindowCount > 0 && spec.WindowCount < len(filtered) {
		filtered = filtered[:spec.WindowCount]
	}

	if spec.Offset > 0 {
		if spec.Offset >= len(filtered) {
			return []*canon.Observation{}, nil
		}
		filtered = filtered[spec.Offset:]
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// resolveRange applies the "explicit range/window overrides the default
// 24h window" rule.
func resolveRange(spec QuerySpec, evaluatedAt time.Time) (start, end time.Time) {
	end = evaluatedAt
	if spec.End != nil {
		end = *spec.End
	}
	switch {
	case spec.Start != nil:
		start = *spec.Start
	case spec.WindowHours > 0:
		start = evaluatedAt.Add(-time.Duration(spec.WindowHours * float64(time.Hour)))
	default:
		start = evaluatedAt.Add(-DefaultWindow)
	}
	return start, end
}

// GetActiveEpisodes returns episodes whose status is active.
func (a *Accessor) GetActiveEpisodes(nodeID string) ([]*canon.Episode, error) {
	return a.store.GetActiveEpisodes(nodeID)
}

// GetVariables returns the node's configured variables.
func (a *Accessor) GetVariables(nodeID string) ([]*canon.Variable, error) {
	return a.store.GetVariables(nodeID)
}

// numericFieldOrder is the probe order used when an observation's payload
// is not itself a number: the first of these fields holding a numeric
// value wins.
var numericFieldOrder = []string{"value", "amount", "score", "hours", "duration", "minutes", "count"}

// extractNumeric implements the "extract numeric value" rule: a bare
// number payload wins outright, otherwise probe numericFieldOrder in
// order against a map payload.
func extractNumeric(payload any) (float64, bool) {
	if n, ok := toFloat(payload); ok {
		return n, true
	}
	m, ok := payload.(map[string]any)
	if !ok {
		return 0, false
	}
	for _, field := range numericFieldOrder {
		if v, ok := m[field]; ok {
			if n, ok := toFloat(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

// EvaluateAggregation computes a scalar over the node's observation
// history per the aggregation contract: filter by type (matchedCount),
// narrow by window.hours and then window.count to get the used set
// (usedCount), sort newest-first, extract numeric values (unless the
// aggregator is count), apply the aggregator, and compute confidence.
// matchedCount counts every type-matched observation regardless of
// window.hours, so a window narrower than the full history correctly
// yields matchedCount > usedCount.
func (a *Accessor) EvaluateAggregation(nodeID string, spec AggregationSpec, evaluatedAt time.Time) (AggregationResult, error) {
	matched, err := a.typeMatched(nodeID, spec.ObservationTypes, nil, evaluatedAt)
	if err != nil {
		return AggregationResult{}, err
	}
	matchedCount := len(matched)

	used := matched
	if spec.WindowHours > 0 {
		cutoff := evaluatedAt.Add(-time.Duration(spec.WindowHours * float64(time.Hour)))
		narrowed := make([]*canon.Observation, 0, len(used))
		for _, o := range used {
			if !o.Timestamp.Before(cutoff) && !o.Timestamp.After(evaluatedAt) {
				narrowed = append(narrowed, o)
			}
		}
		used = narrowed
	}
	if spec.WindowCount > 0 && spec.WindowCount < len(used) {
		used = used[:spec.WindowCount]
	}
	usedCount := len(used)

	if matchedCount == 0 {
		return AggregationResult{MatchedCount: 0, UsedCount: 0, Confidence: 0, HasValue: false}, nil
	}

	result := AggregationResult{MatchedCount: matchedCount, UsedCount: usedCount}

	if spec.Aggregation == "count" {
		result.Value = float64(usedCount)
		result.HasValue = true
		result.Confidence = computeConfidence(spec.Confidence, usedCount, usedCount, matchedCount)
		return result, nil
	}

	if spec.Aggregation == "latest" {
		if usedCount == 0 {
			return result, nil
		}
		v, ok := extractNumeric(used[0].Payload)
		if !ok {
			return result, nil
		}
		result.Value = v
		result.HasValue = true
		result.Confidence = computeConfidence(spec.Confidence, 1, usedCount, matchedCount)
		return result, nil
	}

	values := make([]float64, 0, usedCount)
	for _, o := range used {
		if v, ok := extractNumeric(o.Payload); ok {
			values = append(values, v)
		}
	}
	extractable := len(values)
	if extractable == 0 {
		result.Confidence = computeConfidence(spec.Confidence, 0, usedCount, matchedCount)
		return result, nil
	}

	switch spec.Aggregation {
	case "sum":
		var sum float64
		for _, v := range values {
			sum += v
		}
		result.Value = sum
	case "avg":
		var sum float64
		for _, v := range values {
			sum += v
		}
		result.Value = sum / float64(extractable)
	case "min":
		result.Value = values[0]
		for _, v := range values[1:] {
			if v < result.Value {
				result.Value = v
			}
		}
	case "max":
		result.Value = values[0]
		for _, v := range values[1:] {
			if v > result.Value {
				result.Value = v
			}
		}
	default:
		return AggregationResult{}, fmt.Errorf("canon accessor: unknown aggregation %q", spec.Aggregation)
	}
	result.HasValue = true
	result.Confidence = computeConfidence(spec.Confidence, extractable, usedCount, matchedCount)
	return result, nil
}

// computeConfidence implements: confidence = spec.confidence x
// min(1, extractable/used) x min(1, used/requestedCount). requestedCount
// here is matchedCount, the count before any window.count truncation.
func computeConfidence(base float64, extractable, used, matchedCount int) float64 {
	if base == 0 {
		base = 1
	}
	extractRatio := 1.0
	if used > 0 {
		extractRatio = float64(extractable) / float64(used)
		if extractRatio > 1 {
			extractRatio = 1
		}
	}
	usedRatio := 1.0
	if matchedCount > 0 {
		usedRatio = float64(used) / float64(matchedCount)
		if usedRatio > 1 {
			usedRatio = 1
		}
	}
	return base * extractRatio * usedRatio
}
