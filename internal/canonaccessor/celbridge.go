package canonaccessor

import (
	"fmt"
	"time"
)

// CELBridge adapts Accessor to the map-in/map-out surface the evaluator
// package's CEL bindings expect (evaluator.CanonAccessor). It is
// constructed per evaluation since evaluatedAt is the evaluator's replay
// clock for that one observation, not a process-wide value.
type CELBridge struct {
	acc         *Accessor
	evaluatedAt time.Time
}

// NewCELBridge builds a bridge bound to a single evaluation's replay clock.
func NewCELBridge(acc *Accessor, evaluatedAt time.Time) *CELBridge {
	return &CELBridge{acc: acc, evaluatedAt: evaluatedAt}
}

func (b *CELBridge) QueryObservations(nodeID string, filter map[string]any) ([]map[string]any, error) {
	spec := QuerySpec{
		ObservationTypes: stringSlice(filter["observationTypes"]),
		Tags:             stringSlice(filter["tags"]),
		WindowHours:      floatField(filter, "windowHours"),
		WindowCount:      intField(filter, "windowCount"),
		Limit:            intField(filter, "limit"),
		Offset:           intField(filter, "offset"),
	}
	obs, err := b.acc.Query(nodeID, spec, b.evaluatedAt)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(obs))
	for i, o := range obs {
		out[i] = map[string]any{
			"id":        o.ID,
			"nodeId":    o.NodeID,
			"type":      o.Type,
			"timestamp": o.Timestamp.Format(time.RFC3339),
			"payload":   o.Payload,
			"tags":      o.Tags,
		}
	}
	return out, nil
}

func (b *CELBridge) GetActiveEpisodes(nodeID string) ([]map[string]any, error) {
	episodes, err := b.acc.GetActiveEpisodes(nodeID)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(episodes))
	for i, e := range episodes {
		out[i] = map[string]any{"id": e.ID, "nodeId": e.NodeID, "name": e.Name, "status": e.Status}
	}
	return out, nil
}

func (b *CELBridge) GetVariables(nodeID string) ([]map[string]any, error) {
	vars, err := b.acc.GetVariables(nodeID)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(vars))
	for i, v := range vars {
		out[i] = map[string]any{"id": v.ID, "nodeId": v.NodeID, "name": v.Name, "spec": v.Spec}
	}
	return out, nil
}

func (b *CELBridge) EvaluateAggregation(nodeID string, spec map[string]any) (map[string]any, error) {
	aspec := AggregationSpec{
		ObservationTypes: stringSlice(spec["observationTypes"]),
		Aggregation:      fmt.Sprint(spec["aggregation"]),
		WindowHours:      floatField(spec, "windowHours"),
		WindowCount:      intField(spec, "windowCount"),
		Confidence:       floatField(spec, "confidence"),
	}
	result, err := b.acc.EvaluateAggregation(nodeID, aspec, b.evaluatedAt)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"value":        result.Value,
		"hasValue":     result.HasValue,
		"matchedCount": result.MatchedCount,
		"usedCount":    result.UsedCount,
		"confidence":   result.Confidence,
	}, nil
}

func stringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		if s, ok := v.([]string); ok {
			return s
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func floatField(m map[string]any, key string) float64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	f, _ := toFloat(v)
	return f
}

func intField(m map[string]any, key string) int {
	return int(floatField(m, key))
}
