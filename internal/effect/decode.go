package effect

import (
	"encoding/json"
	"fmt"
)

// FromMap decodes one raw map produced by a policy evaluator (CEL output,
// or any future evaluator language) into a concrete Effect. The map must
// carry an "effect" string field naming the kind; all other fields are
// interpreted according to that kind's shape. Decoding failures are the
// "non-array result" / malformed-effect half of the policy-execution
// failure taxonomy — callers should surface them through canonerr's
// KindInvalidEffect.
func FromMap(raw map[string]any) (Effect, error) {
	kindRaw, ok := raw["effect"]
	if !ok {
		return nil, fmt.Errorf("effect map missing \"effect\" field")
	}
	kindStr, ok := kindRaw.(string)
	if !ok {
		return nil, fmt.Errorf("effect field must be a string, got %T", kindRaw)
	}
	kind := Kind(kindStr)

	if IsPack(kind) {
		ns, name, err := ParsePack(kind)
		if err != nil {
			return nil, err
		}
		return Pack{Namespace: ns, Name: name, Payload: raw["payload"]}, nil
	}

	// Round-trip the remaining fields through JSON into the concrete
	// struct — the evaluator's output is already a plain map[string]any,
	// so this reuses the existing json tags instead of hand-written
	// field-by-field decoding.
	body, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-marshal effect map: %w", err)
	}

	switch kind {
	case KindRouteObservation:
		var e RouteObservation
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("decode route_observation: %w", err)
		}
		return e, nil
	case KindCreateEntityEvent:
		var e CreateEntityEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("decode create_entity_event: %w", err)
		}
		return e, nil
	case KindProposeAction:
		var e ProposeAction
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("decode propose_action: %w", err)
		}
		return e, nil
	case KindTagObservation:
		var e TagObservation
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("decode tag_observation: %w", err)
		}
		return e, nil
	case KindSuppress:
		var e Suppress
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("decode suppress: %w", err)
		}
		return e, nil
	case KindLog:
		var e Log
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("decode log: %w", err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown effect kind %q", kind)
	}
}

// FromMaps decodes and validates a whole evaluator result in one pass.
func FromMaps(raws []map[string]any) ([]Effect, error) {
	out := make([]Effect, 0, len(raws))
	for i, raw := range raws {
		e, err := FromMap(raw)
		if err != nil {
			return nil, fmt.Errorf("effect %d: %w", i, err)
		}
		if err := Validate(e); err != nil {
			return nil, fmt.Errorf("effect %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}
