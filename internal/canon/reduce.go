package canon

// ReduceEntityEvent applies the default entity-state reducer: "created"
// seeds state from the event's data, "deleted" empties it, and every
// other event type shallow-merges its data into state when data is
// non-empty (state is left unchanged otherwise). internal/executor uses
// this to advance state as effects execute; internal/replay uses the same
// function to independently recompute state from an entity's event log
// and verify it against what is stored.
func ReduceEntityEvent(state map[string]any, ev EntityEvent) map[string]any {
	switch ev.Type {
	case "created":
		out := make(map[string]any, len(ev.Data))
		for k, v := range ev.Data {
			out[k] = v
		}
		return out
	case "deleted":
		return map[string]any{}
	default:
		if len(ev.Data) == 0 {
			return state
		}
		out := make(map[string]any, len(state)+len(ev.Data))
		for k, v := range state {
			out[k] = v
		}
		for k, v := range ev.Data {
			out[k] = v
		}
		return out
	}
}
