package sessions

import (
	"strings"
	"testing"
)

func TestEvaluateFallback_BecomesActive(t *testing.T) {
	res := EvaluateFallback(FallbackInput{
		SelectedProvider: "anthropic",
		SelectedModel:    "opus-4",
		ActiveProvider:   "anthropic",
		ActiveModel:      "sonnet-4",
		Attempts: []FallbackAttempt{
			{Provider: "anthropic", Model: "opus-4", Reason: "overloaded"},
		},
	})

	if !res.FallbackActive || !res.FallbackTransitioned {
		t.Errorf("res = %+v, want active+transitioned", res)
	}
	if res.FallbackCleared {
		t.Error("cleared must be false while active")
	}
	if res.NextState == nil || res.NextState.ActiveModel != "sonnet-4" {
		t.Errorf("nextState = %+v", res.NextState)
	}
	if !res.StateChanged {
		t.Error("transition must report stateChanged")
	}
	if res.AttemptSummaries[0] != "anthropic/opus-4 overloaded" {
		t.Errorf("attempt summary = %q", res.AttemptSummaries[0])
	}
}

func TestEvaluateFallback_SteadyStateNoTransition(t *testing.T) {
	prior := &FallbackRecord{
		SelectedProvider: "anthropic", SelectedModel: "opus-4",
		ActiveProvider: "anthropic", ActiveModel: "sonnet-4",
		SinceMs: 12345,
	}
	res := EvaluateFallback(FallbackInput{
		SelectedProvider: "anthropic", SelectedModel: "opus-4",
		ActiveProvider: "anthropic", ActiveModel: "sonnet-4",
		PriorState: prior,
	})

	if !res.FallbackActive || res.FallbackTransitioned || res.StateChanged {
		t.Errorf("res = %+v, want active but unchanged", res)
	}
	if res.NextState.SinceMs != 12345 {
		t.Errorf("sinceMs = %d, want carried over", res.NextState.SinceMs)
	}
}

func TestEvaluateFallback_Cleared(t *testing.T) {
	prior := &FallbackRecord{SelectedModel: "opus-4", ActiveModel: "sonnet-4"}
	res := EvaluateFallback(FallbackInput{
		SelectedProvider: "anthropic", SelectedModel: "opus-4",
		ActiveProvider: "anthropic", ActiveModel: "opus-4",
		PriorState: prior,
	})

	if res.FallbackActive || !res.FallbackCleared || !res.StateChanged {
		t.Errorf("res = %+v, want cleared", res)
	}
	if res.NextState != nil {
		t.Errorf("nextState = %+v, want nil (persisted fields dropped)", res.NextState)
	}
}

func TestEvaluateFallback_NoPriorNoFallbackIsQuiet(t *testing.T) {
	res := EvaluateFallback(FallbackInput{
		SelectedProvider: "anthropic", SelectedModel: "opus-4",
		ActiveProvider: "anthropic", ActiveModel: "opus-4",
	})
	if res.FallbackActive || res.FallbackCleared || res.StateChanged {
		t.Errorf("res = %+v, want all-quiet", res)
	}
}

func TestEvaluateFallback_AttemptSummaryFallbackOrder(t *testing.T) {
	tests := []struct {
		attempt FallbackAttempt
		want    string
	}{
		{FallbackAttempt{Provider: "p", Model: "m", Reason: "rate  limited\nhard"}, "p/m rate limited hard"},
		{FallbackAttempt{Provider: "p", Model: "m", Code: "overloaded_error"}, "p/m overloaded_error"},
		{FallbackAttempt{Provider: "p", Model: "m", HTTPStatus: 529}, "p/m HTTP 529"},
		{FallbackAttempt{Provider: "p", Model: "m"}, "p/m error"},
	}
	for _, tt := range tests {
		res := EvaluateFallback(FallbackInput{
			SelectedModel: "a", ActiveModel: "b",
			Attempts: []FallbackAttempt{tt.attempt},
		})
		if res.AttemptSummaries[0] != tt.want {
			t.Errorf("summary = %q, want %q", res.AttemptSummaries[0], tt.want)
		}
	}
}

func TestEvaluateFallback_ReasonTruncatedTo80(t *testing.T) {
	long := strings.Repeat("x", 200)
	res := EvaluateFallback(FallbackInput{
		SelectedModel: "a", ActiveModel: "b",
		Attempts: []FallbackAttempt{{Provider: "p", Model: "m", Reason: long}},
	})
	if len(res.ReasonSummary) > 80 {
		t.Errorf("reason length = %d, want ≤ 80", len(res.ReasonSummary))
	}
}
