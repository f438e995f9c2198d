package trigger

import "testing"

func TestMatchesOne(t *testing.T) {
	tests := []struct {
		obsType, pattern string
		want             bool
	}{
		{"sleep.logged", "*", true},
		{"sleep.logged", "sleep.*", true},
		{"sleep.interrupted", "sleep.*", true},
		{"workout.logged", "sleep.*", false},
		{"sleep.logged", "sleep.logged", true},
		{"sleep.logged", "sleep.logge", false},
		{"sleep", "sleep.*", false},
	}
	for _, tt := range tests {
		t.Run(tt.obsType+"/"+tt.pattern, func(t *testing.T) {
			if got := MatchesOne(tt.obsType, tt.pattern); got != tt.want {
				t.Errorf("MatchesOne(%q, %q) = %v, want %v", tt.obsType, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestMatches_EmptyPatternsNeverMatch(t *testing.T) {
	if Matches("anything", nil) {
		t.Fatal("expected empty trigger list to never match")
	}
	if Matches("anything", []string{}) {
		t.Fatal("expected empty trigger list to never match")
	}
}

func TestMatches_AnyPatternMatches(t *testing.T) {
	if !Matches("cpu.high", []string{"mem.*", "cpu.*"}) {
		t.Fatal("expected match against second pattern")
	}
}

func TestCandidates_PreservesOrderAndFilters(t *testing.T) {
	type policy struct {
		id       string
		triggers []string
	}
	policies := []policy{
		{"a", []string{"cpu.*"}},
		{"b", []string{"mem.*"}},
		{"c", []string{"cpu.high", "mem.*"}},
	}

	got := Candidates("cpu.high", policies, func(p policy) []string { return p.triggers })
	if len(got) != 2 || got[0].id != "a" || got[1].id != "c" {
		t.Fatalf("got %+v", got)
	}
}
