package sessions

import (
	"fmt"
	"strings"
)

const fallbackReasonMaxChars = 80

// FallbackAttempt describes one failed model attempt before fallback.
type FallbackAttempt struct {
	Provider   string
	Model      string
	Reason     string
	Code       string
	HTTPStatus int
}

// FallbackInput feeds the fallback transition machine after a run resolves
// which provider/model actually served it.
type FallbackInput struct {
	SelectedProvider string
	SelectedModel    string
	ActiveProvider   string
	ActiveModel      string
	Attempts         []FallbackAttempt
	PriorState       *FallbackRecord
}

// FallbackResult is the transition machine output.
type FallbackResult struct {
	FallbackActive       bool
	FallbackTransitioned bool
	FallbackCleared      bool
	ReasonSummary        string
	AttemptSummaries     []string
	PreviousState        *FallbackRecord
	NextState            *FallbackRecord
	StateChanged         bool
}

// EvaluateFallback computes the fallback state transition for one run.
//
// active ⇔ selected differs from active. transitioned ⇔ active and the
// selected or active model changed versus the prior state. cleared ⇔ not
// active while the prior state still had fallback fields set. Persisted
// fields are dropped entirely on clear.
func EvaluateFallback(in FallbackInput) FallbackResult {
	res := FallbackResult{PreviousState: in.PriorState}

	res.FallbackActive = in.SelectedProvider != in.ActiveProvider ||
		in.SelectedModel != in.ActiveModel

	for _, a := range in.Attempts {
		res.AttemptSummaries = append(res.AttemptSummaries, summarizeAttempt(a))
	}
	res.ReasonSummary = normalizeReason(strings.Join(res.AttemptSummaries, "; "))

	prior := in.PriorState
	priorSet := prior != nil && (prior.SelectedModel != "" || prior.ActiveModel != "")

	if res.FallbackActive {
		res.FallbackTransitioned = prior == nil ||
			prior.SelectedModel != in.SelectedModel ||
			prior.ActiveModel != in.ActiveModel
		res.NextState = &FallbackRecord{
			SelectedProvider: in.SelectedProvider,
			SelectedModel:    in.SelectedModel,
			ActiveProvider:   in.ActiveProvider,
			ActiveModel:      in.ActiveModel,
			Reason:           res.ReasonSummary,
		}
		if prior != nil && !res.FallbackTransitioned {
			res.NextState.SinceMs = prior.SinceMs
		}
	} else {
		res.FallbackCleared = priorSet
		res.NextState = nil
	}

	res.StateChanged = res.FallbackTransitioned || res.FallbackCleared
	return res
}

// summarizeAttempt renders "<provider/model> <reason>", falling back
// reason → code → HTTP status → "error".
func summarizeAttempt(a FallbackAttempt) string {
	reason := normalizeReason(a.Reason)
	if reason == "" {
		reason = a.Code
	}
	if reason == "" && a.HTTPStatus != 0 {
		reason = fmt.Sprintf("HTTP %d", a.HTTPStatus)
	}
	if reason == "" {
		reason = "error"
	}
	return fmt.Sprintf("%s/%s %s", a.Provider, a.Model, reason)
}

// normalizeReason collapses whitespace and truncates to 80 chars.
func normalizeReason(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > fallbackReasonMaxChars {
		s = s[:fallbackReasonMaxChars]
	}
	return s
}
