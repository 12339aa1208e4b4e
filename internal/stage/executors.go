package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"rivalscan/internal/domain"
	"rivalscan/internal/provider"
)

// classifyProvider maps a provider failure onto the engine's error
// taxonomy using the provider's own temporary/permanent signal.
func classifyProvider(err error) error {
	var pe *provider.Error
	if errors.As(err, &pe) && !pe.Temporary() {
		return Fatal(err)
	}
	return Transient(err)
}

// SearchExecutor runs competitor discovery through the search provider.
type SearchExecutor struct {
	Searcher provider.Searcher
}

func (e SearchExecutor) Stage() string { return domain.StageSearch }

func (e SearchExecutor) Execute(ctx context.Context, run domain.Run) (json.RawMessage, error) {
	rc := run.Context
	if rc.ClientCompany == "" || rc.Industry == "" {
		return nil, Fatal(errors.New("search requires client company and industry"))
	}
	query := buildQuery(rc)
	maxResults := rc.MaxCompetitors * 2
	if maxResults < 10 {
		maxResults = 10
	}
	results, err := e.Searcher.Search(ctx, provider.QuerySpec{
		Query:           query,
		MaxResults:      maxResults,
		ExcludedDomains: rc.ExcludedDomains,
	})
	if err != nil {
		return nil, classifyProvider(fmt.Errorf("search %q: %w", query, err))
	}
	artifact := domain.SearchArtifact{
		Query:       query,
		Competitors: competitorsFromResults(results, rc),
		Results:     results,
	}
	return json.Marshal(artifact)
}

func buildQuery(rc domain.RunContext) string {
	parts := []string{rc.ClientCompany, "competitors", rc.Industry}
	if rc.TargetMarket != "" {
		parts = append(parts, rc.TargetMarket)
	}
	parts = append(parts, rc.SearchKeywords...)
	return strings.Join(parts, " ")
}

func competitorsFromResults(results []domain.SearchResult, rc domain.RunContext) []domain.Competitor {
	seen := map[string]bool{}
	var competitors []domain.Competitor
	for _, r := range results {
		name := competitorName(r.Title)
		if name == "" || strings.EqualFold(name, rc.ClientCompany) || seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		competitors = append(competitors, domain.Competitor{
			Name:           name,
			Website:        r.URL,
			Description:    excerpt(r.Content, 280),
			RelevanceScore: r.RelevanceScore,
		})
		if rc.MaxCompetitors > 0 && len(competitors) >= rc.MaxCompetitors {
			break
		}
	}
	return competitors
}

// competitorName takes the leading segment of a result title before
// common separators.
func competitorName(title string) string {
	for _, sep := range []string{" - ", " | ", ": ", " – "} {
		if idx := strings.Index(title, sep); idx > 0 {
			title = title[:idx]
			break
		}
	}
	return strings.TrimSpace(title)
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// AnalysisExecutor produces the structured analysis payload from the
// search artifact.
type AnalysisExecutor struct {
	Analyzer provider.Analyzer
}

func (e AnalysisExecutor) Stage() string { return domain.StageAnalysis }

func (e AnalysisExecutor) Execute(ctx context.Context, run domain.Run) (json.RawMessage, error) {
	var search domain.SearchArtifact
	ok, err := run.DecodeArtifact(domain.StageSearch, &search)
	if err != nil {
		return nil, Fatal(fmt.Errorf("decode search artifact: %w", err))
	}
	if !ok {
		return nil, Fatal(errors.New("analysis requires a search artifact"))
	}
	if len(search.Competitors) == 0 {
		return nil, Fatal(errors.New("no competitors discovered to analyze"))
	}
	analysis, err := e.Analyzer.Analyze(ctx, run.Context, search)
	if err != nil {
		return nil, classifyProvider(fmt.Errorf("analyze: %w", err))
	}
	return json.Marshal(analysis)
}

// Quality metric names.
const (
	MetricCoverage     = "coverage"
	MetricRelevance    = "relevance"
	MetricCompleteness = "completeness"
)

// QualityExecutor scores the collected artifacts. It is pure over the
// run's prior artifacts, so re-running it is always safe.
type QualityExecutor struct{}

func (e QualityExecutor) Stage() string { return domain.StageQuality }

func (e QualityExecutor) Execute(ctx context.Context, run domain.Run) (json.RawMessage, error) {
	var search domain.SearchArtifact
	if ok, err := run.DecodeArtifact(domain.StageSearch, &search); err != nil || !ok {
		return nil, Fatal(errors.New("quality requires a search artifact"))
	}
	var analysis domain.AnalysisArtifact
	if ok, err := run.DecodeArtifact(domain.StageAnalysis, &analysis); err != nil || !ok {
		return nil, Fatal(errors.New("quality requires an analysis artifact"))
	}

	profiles := map[string]domain.CompetitorProfile{}
	for _, p := range analysis.Profiles {
		profiles[strings.ToLower(p.Name)] = p
	}

	artifact := domain.QualityArtifact{
		Scores:  map[string]map[string]float64{},
		Metrics: map[string]float64{},
	}
	var relevanceSum, completenessSum float64
	for _, c := range search.Competitors {
		completeness := completenessScore(c, profiles[strings.ToLower(c.Name)])
		artifact.Scores[c.Name] = map[string]float64{
			MetricRelevance:    c.RelevanceScore,
			MetricCompleteness: completeness,
		}
		relevanceSum += c.RelevanceScore
		completenessSum += completeness
	}
	n := float64(len(search.Competitors))
	if n > 0 {
		artifact.Metrics[MetricRelevance] = relevanceSum / n
		artifact.Metrics[MetricCompleteness] = completenessSum / n
	}
	target := run.Context.MaxCompetitors
	if target <= 0 {
		target = 1
	}
	coverage := n / float64(target)
	if coverage > 1 {
		coverage = 1
	}
	artifact.Metrics[MetricCoverage] = coverage

	var total float64
	for _, v := range artifact.Metrics {
		total += v
	}
	artifact.AverageScore = total / float64(len(artifact.Metrics))
	return json.Marshal(artifact)
}

// completenessScore is the fraction of expected fields present for one
// competitor across the search and analysis artifacts.
func completenessScore(c domain.Competitor, profile domain.CompetitorProfile) float64 {
	var filled, expected float64 = 0, 4
	if c.Website != "" {
		filled++
	}
	if c.Description != "" {
		filled++
	}
	if profile.Positioning != "" {
		filled++
	}
	if len(profile.Strengths) > 0 || len(profile.Weaknesses) > 0 {
		filled++
	}
	return filled / expected
}

// ReportExecutor produces the final report document.
type ReportExecutor struct {
	Reporter provider.Reporter
	Now      func() time.Time
}

func (e ReportExecutor) Stage() string { return domain.StageReport }

func (e ReportExecutor) Execute(ctx context.Context, run domain.Run) (json.RawMessage, error) {
	var analysis domain.AnalysisArtifact
	ok, err := run.DecodeArtifact(domain.StageAnalysis, &analysis)
	if err != nil || !ok {
		return nil, Fatal(errors.New("report requires an analysis artifact"))
	}
	report, err := e.Reporter.Report(ctx, run.Context, analysis)
	if err != nil {
		return nil, classifyProvider(fmt.Errorf("report: %w", err))
	}
	if report.GeneratedAt == "" {
		now := time.Now
		if e.Now != nil {
			now = e.Now
		}
		report.GeneratedAt = now().UTC().Format(time.RFC3339)
	}
	return json.Marshal(report)
}
