package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"rivalscan/internal/config"
	"rivalscan/internal/domain"
)

const defaultProviderTimeout = 60 * time.Second

// SearchClient talks to the web-search collaborator (Tavily-style JSON
// API): POST {base_url}/search.
type SearchClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewSearchClient builds a client from provider config.
func NewSearchClient(cfg config.ProviderConfig) *SearchClient {
	timeout := defaultProviderTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &SearchClient{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Client:  &http.Client{Timeout: timeout},
	}
}

type searchRequest struct {
	Query          string   `json:"query"`
	MaxResults     int      `json:"max_results"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
}

type searchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func (c *SearchClient) Search(ctx context.Context, spec QuerySpec) ([]domain.SearchResult, error) {
	var resp searchResponse
	err := postJSON(ctx, c.Client, c.BaseURL+"/search", c.APIKey, searchRequest{
		Query:          spec.Query,
		MaxResults:     spec.MaxResults,
		ExcludeDomains: spec.ExcludedDomains,
	}, &resp, "search")
	if err != nil {
		return nil, err
	}
	results := make([]domain.SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, domain.SearchResult{
			Title:          r.Title,
			URL:            r.URL,
			Content:        r.Content,
			RelevanceScore: r.Score,
		})
	}
	return results, nil
}

// LLMClient talks to the analysis/report collaborator service:
// POST {base_url}/analyze and POST {base_url}/report.
type LLMClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewLLMClient builds a client from provider config.
func NewLLMClient(cfg config.ProviderConfig) *LLMClient {
	timeout := defaultProviderTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &LLMClient{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Client:  &http.Client{Timeout: timeout},
	}
}

type analyzeRequest struct {
	Context domain.RunContext     `json:"context"`
	Search  domain.SearchArtifact `json:"search"`
}

func (c *LLMClient) Analyze(ctx context.Context, rc domain.RunContext, search domain.SearchArtifact) (domain.AnalysisArtifact, error) {
	var out domain.AnalysisArtifact
	err := postJSON(ctx, c.Client, c.BaseURL+"/analyze", c.APIKey, analyzeRequest{Context: rc, Search: search}, &out, "analyze")
	return out, err
}

type reportRequest struct {
	Context  domain.RunContext       `json:"context"`
	Analysis domain.AnalysisArtifact `json:"analysis"`
}

func (c *LLMClient) Report(ctx context.Context, rc domain.RunContext, analysis domain.AnalysisArtifact) (domain.ReportArtifact, error) {
	var out domain.ReportArtifact
	err := postJSON(ctx, c.Client, c.BaseURL+"/report", c.APIKey, reportRequest{Context: rc, Analysis: analysis}, &out, "report")
	return out, err
}

func postJSON(ctx context.Context, client *http.Client, url, apiKey string, body, out any, op string) error {
	if url == "" || url == "/search" || url == "/analyze" || url == "/report" {
		return &Error{Op: op, Status: http.StatusBadRequest, Err: errors.New("provider base_url not configured")}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Op: op, Status: http.StatusBadRequest, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &Error{Op: op, Status: http.StatusBadRequest, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	res, err := client.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	if res.StatusCode != http.StatusOK {
		return &Error{Op: op, Status: res.StatusCode, Err: fmt.Errorf("provider rejected request: %s", truncate(data, 200))}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Op: op, Status: res.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
