package domain

import "encoding/json"

// SearchResult is one entry returned by the search provider.
type SearchResult struct {
	Title          string  `json:"title"`
	URL            string  `json:"url"`
	Content        string  `json:"content,omitempty"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Competitor is one discovered competitor candidate.
type Competitor struct {
	Name           string  `json:"name"`
	Website        string  `json:"website,omitempty"`
	Description    string  `json:"description,omitempty"`
	RelevanceScore float64 `json:"relevance_score"`
}

// SearchArtifact is the output of the search stage.
type SearchArtifact struct {
	Query       string         `json:"query"`
	Competitors []Competitor   `json:"competitors"`
	Results     []SearchResult `json:"results,omitempty"`
}

// CompetitorProfile is the analysis view of one competitor.
type CompetitorProfile struct {
	Name          string   `json:"name"`
	Positioning   string   `json:"positioning,omitempty"`
	Strengths     []string `json:"strengths,omitempty"`
	Weaknesses    []string `json:"weaknesses,omitempty"`
	MarketSegment string   `json:"market_segment,omitempty"`
}

// AnalysisArtifact is the output of the analysis stage.
type AnalysisArtifact struct {
	Summary         string              `json:"summary"`
	Profiles        []CompetitorProfile `json:"profiles"`
	MarketInsights  map[string]string   `json:"market_insights,omitempty"`
	Recommendations []string            `json:"recommendations,omitempty"`
}

// QualityArtifact is the output of the quality stage: per-competitor and
// aggregate metric scores in [0,1].
type QualityArtifact struct {
	Scores       map[string]map[string]float64 `json:"scores"`
	Metrics      map[string]float64            `json:"metrics"`
	AverageScore float64                       `json:"average_score"`
}

// ReportArtifact is the final report document produced for the client.
type ReportArtifact struct {
	Title       string            `json:"title"`
	Summary     string            `json:"summary"`
	Sections    map[string]string `json:"sections,omitempty"`
	GeneratedAt string            `json:"generated_at" format:"date-time"`
}

// DecodeArtifact unmarshals the artifact stored for a stage into out.
// Returns false when the run has no artifact for that stage.
func (r Run) DecodeArtifact(stage string, out any) (bool, error) {
	raw, ok := r.Artifacts[stage]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}
