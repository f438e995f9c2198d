package effect

import "testing"

func TestIsPack(t *testing.T) {
	if !IsPack(Kind("pack:net:ping")) {
		t.Error("expected pack:net:ping to be a pack kind")
	}
	if IsPack(KindLog) {
		t.Error("expected log not to be a pack kind")
	}
}

func TestParsePack(t *testing.T) {
	tests := []struct {
		kind    Kind
		wantNS  string
		wantNm  string
		wantErr bool
	}{
		{kind: "pack:net:ping", wantNS: "net", wantNm: "ping"},
		{kind: "pack:net", wantErr: true},
		{kind: "route_observation", wantErr: true},
		{kind: "pack:Net:ping", wantErr: true},
		{kind: "pack:net:Ping", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			ns, name, err := ParsePack(tt.kind)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.kind)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ns != tt.wantNS || name != tt.wantNm {
				t.Errorf("got (%q, %q), want (%q, %q)", ns, name, tt.wantNS, tt.wantNm)
			}
		})
	}
}

func TestValidate_PerVariant(t *testing.T) {
	tests := []struct {
		name    string
		e       Effect
		wantErr bool
	}{
		{"route_observation ok", RouteObservation{ToNodeID: "node-2"}, false},
		{"route_observation missing target", RouteObservation{}, true},
		{"create_entity_event ok", CreateEntityEvent{EntityID: "e1", Event: EntityEventSpec{Type: "tick"}}, false},
		{"create_entity_event missing entity", CreateEntityEvent{Event: EntityEventSpec{Type: "tick"}}, true},
		{"create_entity_event missing type", CreateEntityEvent{EntityID: "e1"}, true},
		{"propose_action ok", ProposeAction{Action: ActionSpec{ActionType: "restart", Params: map[string]any{}}}, false},
		{"propose_action missing type", ProposeAction{Action: ActionSpec{Params: map[string]any{}}}, true},
		{"propose_action missing params", ProposeAction{Action: ActionSpec{ActionType: "restart"}}, true},
		{"tag_observation ok", TagObservation{Tags: []string{"x"}}, false},
		{"tag_observation empty", TagObservation{}, true},
		{"suppress ok", Suppress{Reason: "duplicate"}, false},
		{"suppress blank reason", Suppress{Reason: "  "}, true},
		{"log ok", Log{Level: LogInfo, Message: "hi"}, false},
		{"log bad level", Log{Level: "critical", Message: "hi"}, true},
		{"log missing message", Log{Level: LogInfo}, true},
		{"pack ok", Pack{Namespace: "net", Name: "ping"}, false},
		{"pack bad namespace", Pack{Namespace: "NET", Name: "ping"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.e)
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidate_NilEffect(t *testing.T) {
	if err := Validate(nil); err == nil {
		t.Fatal("expected error for nil effect")
	}
}
