package server

import (
	"encoding/json"

	"rivalscan/internal/domain"
)

// SubmitRunRequest is the analysis request body.
type SubmitRunRequest struct {
	ClientCompany        string   `json:"client_company" example:"Acme Robotics"`
	Industry             string   `json:"industry" example:"industrial automation"`
	TargetMarket         string   `json:"target_market,omitempty"`
	BusinessModel        string   `json:"business_model,omitempty"`
	SpecificRequirements string   `json:"specific_requirements,omitempty"`
	MaxCompetitors       int      `json:"max_competitors,omitempty"`
	SearchKeywords       []string `json:"search_keywords,omitempty"`
	ExcludedDomains      []string `json:"excluded_domains,omitempty"`
}

func (r SubmitRunRequest) context() domain.RunContext {
	return domain.RunContext{
		ClientCompany:        r.ClientCompany,
		Industry:             r.Industry,
		TargetMarket:         r.TargetMarket,
		BusinessModel:        r.BusinessModel,
		SpecificRequirements: r.SpecificRequirements,
		MaxCompetitors:       r.MaxCompetitors,
		SearchKeywords:       r.SearchKeywords,
		ExcludedDomains:      r.ExcludedDomains,
	}
}

// RunResponse is the full run view, including artifacts.
type RunResponse struct {
	ID              string                     `json:"id"`
	Context         domain.RunContext          `json:"context"`
	Stage           string                     `json:"stage"`
	Status          string                     `json:"status"`
	Attempts        map[string]int             `json:"attempts,omitempty"`
	Artifacts       map[string]json.RawMessage `json:"artifacts,omitempty"`
	PendingIssues   []domain.QualityIssue      `json:"pending_issues,omitempty"`
	DecisionLog     []domain.HumanDecision     `json:"decision_log,omitempty"`
	CompletedStages []string                   `json:"completed_stages,omitempty"`
	FailureReason   string                     `json:"failure_reason,omitempty"`
	Seq             int64                      `json:"seq"`
	CreatedAt       string                     `json:"created_at"`
	UpdatedAt       string                     `json:"updated_at"`
}

func runResponse(run domain.Run) RunResponse {
	return RunResponse{
		ID:              run.ID,
		Context:         run.Context,
		Stage:           run.Stage,
		Status:          run.Status,
		Attempts:        run.Attempts,
		Artifacts:       run.Artifacts,
		PendingIssues:   run.PendingIssues,
		DecisionLog:     run.DecisionLog,
		CompletedStages: run.CompletedStages,
		FailureReason:   run.FailureReason,
		Seq:             run.Seq,
		CreatedAt:       run.CreatedAt,
		UpdatedAt:       run.UpdatedAt,
	}
}

// RunSummaryResponse is the listing row.
type RunSummaryResponse struct {
	ID            string `json:"id"`
	ClientCompany string `json:"client_company"`
	Industry      string `json:"industry"`
	Stage         string `json:"stage"`
	Status        string `json:"status"`
	Progress      int    `json:"progress"`
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func summaryResponse(s domain.RunSummary) RunSummaryResponse {
	return RunSummaryResponse(s)
}

func mapSummaries(items []domain.RunSummary) []RunSummaryResponse {
	out := make([]RunSummaryResponse, 0, len(items))
	for _, s := range items {
		out = append(out, summaryResponse(s))
	}
	return out
}

// StatusResponse is the lightweight progress view.
type StatusResponse struct {
	RunID           string   `json:"run_id"`
	Status          string   `json:"status"`
	Stage           string   `json:"stage"`
	ProgressPercent int      `json:"progress_percent"`
	CompletedStages []string `json:"completed_stages"`
	FailureReason   string   `json:"failure_reason,omitempty"`
}

// QualityReviewResponse describes a pending interrupt. ReviewPending is
// false when the run is not suspended at human review; the remaining
// fields are then empty.
type QualityReviewResponse struct {
	ReviewPending    bool                  `json:"review_pending"`
	QualityIssues    []domain.QualityIssue `json:"quality_issues,omitempty"`
	Summary          *QualitySummary       `json:"summary,omitempty"`
	AvailableActions []string              `json:"available_actions,omitempty"`
}

// QualitySummary is the score context reviewers see next to the issues.
type QualitySummary struct {
	AverageScore float64            `json:"average_score"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

// DecisionRequest resolves a pending review. ID is optional; supplying
// one makes the request idempotent across retries.
type DecisionRequest struct {
	ID             string         `json:"id,omitempty"`
	Decision       string         `json:"decision" enum:"proceed,retry_search,retry_analysis,modify_params,abort"`
	Feedback       string         `json:"feedback,omitempty"`
	ModifiedParams map[string]any `json:"modified_params,omitempty"`
	SelectedIssues []string       `json:"selected_issues,omitempty"`
}

// DecisionResponse reports whether the decision was applied and whether
// the run went back to processing. Resumed is false for aborts and for
// replayed decision ids.
type DecisionResponse struct {
	Accepted bool   `json:"accepted"`
	Resumed  bool   `json:"resumed"`
	Stage    string `json:"stage"`
	Status   string `json:"status"`
}

// EventResponse is one audit log entry.
type EventResponse struct {
	ID       int64           `json:"id"`
	TS       string          `json:"ts"`
	Type     string          `json:"type"`
	RunID    string          `json:"run_id,omitempty"`
	Stage    string          `json:"stage,omitempty"`
	Status   string          `json:"status,omitempty"`
	Progress int             `json:"progress"`
	Payload  json.RawMessage `json:"payload"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:       e.ID,
		TS:       e.TS,
		Type:     e.Type,
		RunID:    e.RunID,
		Stage:    e.Stage,
		Status:   e.Status,
		Progress: e.Progress,
		Payload:  payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}
