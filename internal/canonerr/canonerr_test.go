package canonerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "no cause",
			err:  New(KindValidation, "nodeId is required"),
			want: "ValidationError: nodeId is required",
		},
		{
			name: "with cause",
			err:  Wrap(KindEffectExecution, "tag_observation", errors.New("observation not found")),
			want: "EffectExecutionError: tag_observation: observation not found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindActionExecution, "executeActionRun", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}

func TestError_Is_MatchesByKind(t *testing.T) {
	err := fmt.Errorf("lookup failed: %w", New(KindNodeNotFound, "node x not found"))

	if !errors.Is(err, New(KindNodeNotFound, "")) {
		t.Fatal("expected errors.Is to match on Kind regardless of Message")
	}
	if errors.Is(err, New(KindValidation, "")) {
		t.Fatal("expected errors.Is to reject a different Kind")
	}
}

func TestError_As(t *testing.T) {
	var target *Error
	err := fmt.Errorf("wrapped: %w", New(KindPolicyTimeout, "policy eval exceeded 5s"))
	if !errors.As(err, &target) {
		t.Fatal("expected errors.As to unwrap to *Error")
	}
	if target.Kind != KindPolicyTimeout {
		t.Errorf("Kind = %q, want %q", target.Kind, KindPolicyTimeout)
	}
}
