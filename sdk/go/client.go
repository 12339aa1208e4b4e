package rivalscansdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal RivalScan HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// RunRequest is the analysis request.
type RunRequest struct {
	ClientCompany        string   `json:"client_company"`
	Industry             string   `json:"industry"`
	TargetMarket         string   `json:"target_market,omitempty"`
	BusinessModel        string   `json:"business_model,omitempty"`
	SpecificRequirements string   `json:"specific_requirements,omitempty"`
	MaxCompetitors       int      `json:"max_competitors,omitempty"`
	SearchKeywords       []string `json:"search_keywords,omitempty"`
	ExcludedDomains      []string `json:"excluded_domains,omitempty"`
}

// Run is the full run view (partial).
type Run struct {
	ID              string                     `json:"id"`
	Stage           string                     `json:"stage"`
	Status          string                     `json:"status"`
	Artifacts       map[string]json.RawMessage `json:"artifacts,omitempty"`
	CompletedStages []string                   `json:"completed_stages,omitempty"`
	FailureReason   string                     `json:"failure_reason,omitempty"`
	Seq             int64                      `json:"seq"`
	CreatedAt       string                     `json:"created_at"`
	UpdatedAt       string                     `json:"updated_at"`
}

// RunSummary is the listing row.
type RunSummary struct {
	ID            string `json:"id"`
	ClientCompany string `json:"client_company"`
	Industry      string `json:"industry"`
	Stage         string `json:"stage"`
	Status        string `json:"status"`
	Progress      int    `json:"progress"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Status is the lightweight progress view.
type Status struct {
	RunID           string   `json:"run_id"`
	Status          string   `json:"status"`
	Stage           string   `json:"stage"`
	ProgressPercent int      `json:"progress_percent"`
	CompletedStages []string `json:"completed_stages"`
	FailureReason   string   `json:"failure_reason,omitempty"`
}

// QualityIssue is one quality gate finding.
type QualityIssue struct {
	ID              string   `json:"id"`
	IssueType       string   `json:"issue_type"`
	Severity        string   `json:"severity"`
	Description     string   `json:"description"`
	AffectedItems   []string `json:"affected_items,omitempty"`
	SuggestedAction string   `json:"suggested_action,omitempty"`
	RetryTarget     string   `json:"retry_target,omitempty"`
}

// QualityReview describes a pending interrupt.
type QualityReview struct {
	ReviewPending    bool           `json:"review_pending"`
	QualityIssues    []QualityIssue `json:"quality_issues,omitempty"`
	AvailableActions []string       `json:"available_actions,omitempty"`
}

// Decision resolves a pending review. ID is optional; set one to make
// the request idempotent across retries.
type Decision struct {
	ID             string         `json:"id,omitempty"`
	Decision       string         `json:"decision"`
	Feedback       string         `json:"feedback,omitempty"`
	ModifiedParams map[string]any `json:"modified_params,omitempty"`
	SelectedIssues []string       `json:"selected_issues,omitempty"`
}

// DecisionResult reports the outcome of a decision.
type DecisionResult struct {
	Accepted bool   `json:"accepted"`
	Resumed  bool   `json:"resumed"`
	Stage    string `json:"stage"`
	Status   string `json:"status"`
}

// Event is one audit log entry.
type Event struct {
	ID       int64           `json:"id"`
	TS       string          `json:"ts"`
	Type     string          `json:"type"`
	RunID    string          `json:"run_id,omitempty"`
	Stage    string          `json:"stage,omitempty"`
	Status   string          `json:"status,omitempty"`
	Progress int             `json:"progress"`
	Payload  json.RawMessage `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitRun starts an analysis run.
func (c *Client) SubmitRun(ctx context.Context, req RunRequest) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/runs", req, &resp)
	return resp, err
}

// ListRuns lists runs, optionally filtered by status.
func (c *Client) ListRuns(ctx context.Context, status string, limit int) ([]RunSummary, error) {
	endpoint := "v0/runs"
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var resp []RunSummary
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetRun fetches full run state, including artifacts.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, c.runPath(runID, ""), nil, &resp)
	return resp, err
}

// RunStatus fetches the lightweight progress view.
func (c *Client) RunStatus(ctx context.Context, runID string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, c.runPath(runID, "status"), nil, &resp)
	return resp, err
}

// QualityReview fetches the pending review. ReviewPending is false when
// the run is not suspended.
func (c *Client) QualityReview(ctx context.Context, runID string) (QualityReview, error) {
	var resp QualityReview
	err := c.do(ctx, http.MethodGet, c.runPath(runID, "quality-review"), nil, &resp)
	return resp, err
}

// SubmitDecision resolves a pending review.
func (c *Client) SubmitDecision(ctx context.Context, runID string, d Decision) (DecisionResult, error) {
	var resp DecisionResult
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "decision"), d, &resp)
	return resp, err
}

// CancelRun stops a run.
func (c *Client) CancelRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "cancel"), nil, &resp)
	return resp, err
}

// Events returns a run's event log after the given cursor.
func (c *Client) Events(ctx context.Context, runID string, after int64, limit int) ([]Event, error) {
	endpoint := c.runPath(runID, "events")
	query := url.Values{}
	if after > 0 {
		query.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) runPath(runID, suffix string) string {
	p := fmt.Sprintf("v0/runs/%s", url.PathEscape(runID))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
