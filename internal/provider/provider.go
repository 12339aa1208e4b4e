package provider

import (
	"context"
	"fmt"

	"rivalscan/internal/domain"
)

// The engine reaches its external collaborators through these narrow
// interfaces. Implementations wrap one remote provider each and must be
// safe to call more than once for the same run (the engine delivers
// at-least-once semantics).

// QuerySpec describes one search request.
type QuerySpec struct {
	Query           string   `json:"query"`
	MaxResults      int      `json:"max_results"`
	ExcludedDomains []string `json:"excluded_domains,omitempty"`
}

type Searcher interface {
	Search(ctx context.Context, spec QuerySpec) ([]domain.SearchResult, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, rc domain.RunContext, search domain.SearchArtifact) (domain.AnalysisArtifact, error)
}

type Reporter interface {
	Report(ctx context.Context, rc domain.RunContext, analysis domain.AnalysisArtifact) (domain.ReportArtifact, error)
}

// Error is a provider call failure. Status 0 means the request never got
// a response (network error, timeout).
type Error struct {
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether the failure is worth retrying: no response,
// rate limiting, or a provider-side 5xx.
func (e *Error) Temporary() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}
