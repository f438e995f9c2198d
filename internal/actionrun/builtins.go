package actionrun

import (
	"fmt"
	"time"

	"github.com/canonical-node/canon/internal/canon"
)

// RegisterBuiltins registers the core's built-in CRUD-ish action handlers:
// entity and variable management, episode lifecycle, and delegation
// grant/revoke. Deployments layer their own pack handlers (via
// internal/executor.Executor.RegisterPack) on top of these; these are the
// handlers always present regardless of deployment.
func RegisterBuiltins(r *Registry) error {
	builtins := []struct {
		def     Definition
		handler Handler
	}{
		{Definition{ActionType: "create_entity", Name: "Create Entity", RiskLevel: canon.RiskLow}, createEntityHandler},
		{Definition{ActionType: "update_entity", Name: "Update Entity", RiskLevel: canon.RiskLow}, updateEntityHandler},
		{Definition{ActionType: "create_variable", Name: "Create Variable", RiskLevel: canon.RiskLow}, createVariableHandler},
		{Definition{ActionType: "create_episode", Name: "Create Episode", RiskLevel: canon.RiskLow}, createEpisodeHandler},
		{Definition{ActionType: "close_episode", Name: "Close Episode", RiskLevel: canon.RiskLow}, closeEpisodeHandler},
		{Definition{ActionType: "grant_delegation", Name: "Grant Delegation", RiskLevel: canon.RiskHigh}, grantDelegationHandler},
		{Definition{ActionType: "revoke_delegation", Name: "Revoke Delegation", RiskLevel: canon.RiskMedium}, revokeDelegationHandler},
	}
	for _, b := range builtins {
		if err := r.Register(b.def, b.handler); err != nil {
			return err
		}
	}
	return nil
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required param %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %q must be a string, got %T", key, v)
	}
	return s, nil
}

func mapParam(params map[string]any, key string) map[string]any {
	if m, ok := params[key].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func createEntityHandler(params map[string]any, ctx ExecutionContext) (any, error) {
	typeID, err := stringParam(params, "typeId")
	if err != nil {
		return nil, err
	}
	ent := &canon.Entity{
		ID:     canon.NewID(),
		NodeID: ctx.ActionRun.NodeID,
		TypeID: typeID,
		State:  mapParam(params, "initialState"),
	}
	if err := ctx.Store.CreateEntity(ent); err != nil {
		return nil, err
	}
	return map[string]any{"entityId": ent.ID}, nil
}

func updateEntityHandler(params map[string]any, ctx ExecutionContext) (any, error) {
	entityID, err := stringParam(params, "entityId")
	if err != nil {
		return nil, err
	}
	ent, err := ctx.Store.GetEntity(entityID)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}
	data := mapParam(params, "data")
	ev := canon.EntityEvent{ID: canon.NewID(), Type: "updated", Data: data, Timestamp: time.Now()}
	newState := canon.ReduceEntityEvent(ent.State, ev)
	if err := ctx.Store.AppendEntityEvent(entityID, ev, newState); err != nil {
		return nil, err
	}
	return map[string]any{"entityId": entityID}, nil
}

func createVariableHandler(params map[string]any, ctx ExecutionContext) (any, error) {
	name, err := stringParam(params, "name")
	if err != nil {
		return nil, err
	}
	v := &canon.Variable{ID: canon.NewID(), NodeID: ctx.ActionRun.NodeID, Name: name, Spec: mapParam(params, "spec")}
	if err := ctx.Store.PutVariable(v); err != nil {
		return nil, err
	}
	return map[string]any{"variableId": v.ID}, nil
}

func createEpisodeHandler(params map[string]any, ctx ExecutionContext) (any, error) {
	name, err := stringParam(params, "name")
	if err != nil {
		return nil, err
	}
	ep := &canon.Episode{ID: canon.NewID(), NodeID: ctx.ActionRun.NodeID, Name: name, Status: "active"}
	if err := ctx.Store.PutEpisode(ep); err != nil {
		return nil, err
	}
	return map[string]any{"episodeId": ep.ID}, nil
}

func closeEpisodeHandler(params map[string]any, ctx ExecutionContext) (any, error) {
	episodeID, err := stringParam(params, "episodeId")
	if err != nil {
		return nil, err
	}
	if err := ctx.Store.CloseEpisode(episodeID); err != nil {
		return nil, err
	}
	return map[string]any{"episodeId": episodeID, "status": "closed"}, nil
}

func grantDelegationHandler(params map[string]any, ctx ExecutionContext) (any, error) {
	agentNodeID, err := stringParam(params, "agentNodeId")
	if err != nil {
		return nil, err
	}
	maxRisk, _ := stringParam(params, "maxRiskLevel")
	var effects []string
	if raw, ok := params["allowedEffects"].([]any); ok {
		for _, e := range raw {
			if s, ok := e.(string); ok {
				effects = append(effects, s)
			}
		}
	}
	d := &canon.AgentDelegation{
		AgentNodeID:   agentNodeID,
		SponsorNodeID: ctx.ActionRun.NodeID,
		Constraints: canon.DelegationConstraints{
			MaxRiskLevel:   canon.RiskLevel(maxRisk),
			AllowedEffects: effects,
		},
	}
	if err := ctx.Store.PutDelegation(d); err != nil {
		return nil, err
	}
	return map[string]any{"agentNodeId": agentNodeID}, nil
}

func revokeDelegationHandler(params map[string]any, ctx ExecutionContext) (any, error) {
	agentNodeID, err := stringParam(params, "agentNodeId")
	if err != nil {
		return nil, err
	}
	expired := time.Now().Add(-time.Second)
	d := &canon.AgentDelegation{
		AgentNodeID:   agentNodeID,
		SponsorNodeID: ctx.ActionRun.NodeID,
		Constraints:   canon.DelegationConstraints{ExpiresAt: &expired},
	}
	if err := ctx.Store.PutDelegation(d); err != nil {
		return nil, err
	}
	return map[string]any{"agentNodeId": agentNodeID, "revoked": true}, nil
}
