package domain

import "encoding/json"

// Stage tags. A run moves through the pipeline stages in order; completed
// and failed are terminal.
const (
	StageSearch      = "search"
	StageAnalysis    = "analysis"
	StageQuality     = "quality"
	StageHumanReview = "human_review"
	StageReport      = "report"
	StageCompleted   = "completed"
	StageFailed      = "failed"
)

// Run statuses.
const (
	StatusPending     = "pending"
	StatusInProgress  = "in_progress"
	StatusInterrupted = "interrupted"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// Issue severities, weakest to strongest.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Decision values a reviewer may submit.
const (
	DecisionProceed       = "proceed"
	DecisionRetrySearch   = "retry_search"
	DecisionRetryAnalysis = "retry_analysis"
	DecisionModifyParams  = "modify_params"
	DecisionAbort         = "abort"
)

// RunContext carries the analysis request parameters. It is part of the
// durable run state and is only modified through a human decision's
// parameter overrides.
type RunContext struct {
	ClientCompany        string   `json:"client_company"`
	Industry             string   `json:"industry"`
	TargetMarket         string   `json:"target_market,omitempty"`
	BusinessModel        string   `json:"business_model,omitempty"`
	SpecificRequirements string   `json:"specific_requirements,omitempty"`
	MaxCompetitors       int      `json:"max_competitors"`
	SearchKeywords       []string `json:"search_keywords,omitempty"`
	ExcludedDomains      []string `json:"excluded_domains,omitempty"`
}

// ApplyOverrides merges reviewer-supplied parameter overrides into the
// context. Unknown keys are ignored.
func (rc *RunContext) ApplyOverrides(params map[string]any) {
	for key, value := range params {
		switch key {
		case "client_company":
			if s, ok := value.(string); ok {
				rc.ClientCompany = s
			}
		case "industry":
			if s, ok := value.(string); ok {
				rc.Industry = s
			}
		case "target_market":
			if s, ok := value.(string); ok {
				rc.TargetMarket = s
			}
		case "business_model":
			if s, ok := value.(string); ok {
				rc.BusinessModel = s
			}
		case "specific_requirements":
			if s, ok := value.(string); ok {
				rc.SpecificRequirements = s
			}
		case "max_competitors":
			switch v := value.(type) {
			case float64:
				rc.MaxCompetitors = int(v)
			case int:
				rc.MaxCompetitors = v
			}
		case "search_keywords":
			rc.SearchKeywords = toStringSlice(value)
		case "excluded_domains":
			rc.ExcludedDomains = toStringSlice(value)
		}
	}
}

func toStringSlice(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// QualityIssue is a structured finding that a stage's output failed a
// configured threshold. Immutable once generated.
type QualityIssue struct {
	ID              string   `json:"id"`
	IssueType       string   `json:"issue_type"`
	Severity        string   `json:"severity" enum:"low,medium,high,critical"`
	Description     string   `json:"description"`
	AffectedItems   []string `json:"affected_items,omitempty"`
	SuggestedAction string   `json:"suggested_action,omitempty"`
	RetryTarget     string   `json:"retry_target,omitempty"`
}

// HumanDecision resolves one interrupt. A decision id is consumed exactly
// once; replaying it is a no-op.
type HumanDecision struct {
	ID             string         `json:"id"`
	Decision       string         `json:"decision" enum:"proceed,retry_search,retry_analysis,modify_params,abort"`
	Feedback       string         `json:"feedback,omitempty"`
	ModifiedParams map[string]any `json:"modified_params,omitempty"`
	SelectedIssues []string       `json:"selected_issues,omitempty"`
	ActorID        string         `json:"actor_id,omitempty"`
	DecidedAt      string         `json:"decided_at" format:"date-time"`
}

// Run is the unit of work: one end-to-end execution of the analysis
// pipeline. The engine holds at most one working copy in memory; the
// durable copy lives in the checkpoint store keyed by Seq.
type Run struct {
	ID              string                     `json:"id"`
	Context         RunContext                 `json:"context"`
	Stage           string                     `json:"stage" enum:"search,analysis,quality,human_review,report,completed,failed"`
	Status          string                     `json:"status" enum:"pending,in_progress,interrupted,completed,failed"`
	Attempts        map[string]int             `json:"attempts,omitempty"`
	Artifacts       map[string]json.RawMessage `json:"artifacts,omitempty"`
	PendingIssues   []QualityIssue             `json:"pending_issues,omitempty"`
	DecisionLog     []HumanDecision            `json:"decision_log,omitempty"`
	CompletedStages []string                   `json:"completed_stages,omitempty"`
	FailureReason   string                     `json:"failure_reason,omitempty"`
	Seq             int64                      `json:"seq"`
	CreatedAt       string                     `json:"created_at" format:"date-time"`
	UpdatedAt       string                     `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the run can no longer change.
func (r Run) Terminal() bool {
	return r.Stage == StageCompleted || r.Stage == StageFailed
}

// MarkStageCompleted records a stage in completion order, once.
func (r *Run) MarkStageCompleted(stage string) {
	for _, s := range r.CompletedStages {
		if s == stage {
			return
		}
	}
	r.CompletedStages = append(r.CompletedStages, stage)
}

// RunSummary is the listing row maintained alongside checkpoints.
type RunSummary struct {
	ID            string `json:"id"`
	ClientCompany string `json:"client_company"`
	Industry      string `json:"industry"`
	Stage         string `json:"stage"`
	Status        string `json:"status"`
	Progress      int    `json:"progress"`
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

// Checkpoint is one durable snapshot of a run. Seq is strictly increasing
// per run with no gaps.
type Checkpoint struct {
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	State     json.RawMessage `json:"state"`
	WrittenAt string          `json:"written_at" format:"date-time"`
}

// Event is one append-only audit log entry, written in the same
// transaction as the checkpoint it describes.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	RunID    string `json:"run_id,omitempty"`
	Stage    string `json:"stage,omitempty"`
	Status   string `json:"status,omitempty"`
	Progress int    `json:"progress"`
	Payload  string `json:"payload_json"`
}
