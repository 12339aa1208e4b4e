package stage

import (
	"context"
	"encoding/json"

	"rivalscan/internal/domain"
)

// Outcomes of completing a stage. Together with the current stage they
// index the transition table.
const (
	OutcomeOK            = "ok"
	OutcomeInterrupt     = "interrupt"
	OutcomeRetrySearch   = "retry_search"
	OutcomeRetryAnalysis = "retry_analysis"
	OutcomeProceed       = "proceed"
	OutcomeAbort         = "abort"
)

// Key indexes one transition.
type Key struct {
	Stage   string
	Outcome string
}

// Transitions is the pipeline's state machine as explicit data. Leaving
// quality is mediated by the quality gate, which picks the outcome;
// leaving human_review is mediated by the interrupt controller.
var Transitions = map[Key]string{
	{domain.StageSearch, OutcomeOK}:                 domain.StageAnalysis,
	{domain.StageAnalysis, OutcomeOK}:               domain.StageQuality,
	{domain.StageQuality, OutcomeOK}:                domain.StageReport,
	{domain.StageQuality, OutcomeInterrupt}:         domain.StageHumanReview,
	{domain.StageQuality, OutcomeRetrySearch}:       domain.StageSearch,
	{domain.StageQuality, OutcomeRetryAnalysis}:     domain.StageAnalysis,
	{domain.StageHumanReview, OutcomeProceed}:       domain.StageReport,
	{domain.StageHumanReview, OutcomeRetrySearch}:   domain.StageSearch,
	{domain.StageHumanReview, OutcomeRetryAnalysis}: domain.StageAnalysis,
	{domain.StageHumanReview, OutcomeAbort}:         domain.StageFailed,
	{domain.StageReport, OutcomeOK}:                 domain.StageCompleted,
}

// Next resolves a transition from the table.
func Next(current, outcome string) (string, bool) {
	next, ok := Transitions[Key{Stage: current, Outcome: outcome}]
	return next, ok
}

// order of the executable pipeline stages. Used for retry-target
// tie-breaking: retrying an earlier stage invalidates everything after it.
var order = []string{domain.StageSearch, domain.StageAnalysis, domain.StageQuality, domain.StageReport}

// Index returns the pipeline position of a stage, or -1 for stages
// outside the executable order.
func Index(stage string) int {
	for i, s := range order {
		if s == stage {
			return i
		}
	}
	return -1
}

// Downstream returns the executable stages strictly after the given one.
func Downstream(stage string) []string {
	idx := Index(stage)
	if idx < 0 {
		return nil
	}
	return order[idx+1:]
}

var percent = map[string]int{
	domain.StageSearch:      15,
	domain.StageAnalysis:    40,
	domain.StageQuality:     60,
	domain.StageHumanReview: 70,
	domain.StageReport:      85,
	domain.StageCompleted:   100,
}

// Percent maps a stage to its overall progress percentage.
func Percent(stage string) int {
	return percent[stage]
}

// ProgressPercent reports overall progress for a run snapshot. A failed
// run keeps the percentage of the stage it failed in, reconstructed from
// its completed stages, rather than jumping to 100.
func ProgressPercent(run domain.Run) int {
	if run.Stage != domain.StageFailed {
		return Percent(run.Stage)
	}
	done := map[string]bool{}
	for _, s := range run.CompletedStages {
		done[s] = true
	}
	for _, s := range order {
		if !done[s] {
			return Percent(s)
		}
	}
	return Percent(domain.StageReport)
}

// Executor runs one pipeline stage. Implementations must not mutate
// shared run state: every effect returns through the artifact. The engine
// may invoke an executor more than once for the same run/stage pair, so
// implementations must be safely re-runnable.
type Executor interface {
	Stage() string
	Execute(ctx context.Context, run domain.Run) (json.RawMessage, error)
}
