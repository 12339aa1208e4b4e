package quality

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"rivalscan/internal/config"
	"rivalscan/internal/domain"
	"rivalscan/internal/stage"
)

// Gate evaluates quality-stage output against the configured threshold
// table and decides how the run should leave the quality stage. Quality
// issues alone never fail a run: when auto-retry budgets are gone the
// gate escalates to human review instead.
type Gate struct {
	Policies           map[string]config.MetricPolicy
	InterruptThreshold int
	NewID              func() string
}

// New builds a gate from config.
func New(cfg *config.Config) Gate {
	return Gate{
		Policies:           cfg.Quality.Metrics,
		InterruptThreshold: cfg.Quality.InterruptThreshold,
		NewID:              func() string { return uuid.New().String() },
	}
}

// Routing is the gate's decision: an outcome for the transition table
// and, for retries, the stage to re-run.
type Routing struct {
	Outcome string
	Target  string
}

var severityRank = map[string]int{
	domain.SeverityLow:      0,
	domain.SeverityMedium:   1,
	domain.SeverityHigh:     2,
	domain.SeverityCritical: 3,
}

// Evaluate compares each configured metric's aggregate score to its
// threshold and produces one issue per unmet metric. Issue order is
// deterministic (metric name order).
func (g Gate) Evaluate(art domain.QualityArtifact) []domain.QualityIssue {
	metrics := make([]string, 0, len(g.Policies))
	for name := range g.Policies {
		metrics = append(metrics, name)
	}
	sort.Strings(metrics)

	var issues []domain.QualityIssue
	for _, name := range metrics {
		policy := g.Policies[name]
		value, measured := art.Metrics[name]
		if !measured || value >= policy.Threshold {
			continue
		}
		shortfall := policy.Threshold - value
		issues = append(issues, domain.QualityIssue{
			ID:              g.newID(),
			IssueType:       name + "_below_threshold",
			Severity:        severityFor(policy, shortfall),
			Description:     fmt.Sprintf("%s score %.2f below threshold %.2f", name, value, policy.Threshold),
			AffectedItems:   affectedItems(art, name, policy.Threshold),
			SuggestedAction: suggestedAction(policy),
			RetryTarget:     policy.RetryTarget,
		})
	}
	return issues
}

func (g Gate) newID() string {
	if g.NewID != nil {
		return g.NewID()
	}
	return uuid.New().String()
}

// severityFor derives severity from how far below threshold the score is
// and whether the metric is configured as critical.
func severityFor(policy config.MetricPolicy, shortfall float64) string {
	major := shortfall >= 0.3
	if policy.Critical {
		if major {
			return domain.SeverityCritical
		}
		return domain.SeverityHigh
	}
	if major {
		return domain.SeverityMedium
	}
	return domain.SeverityLow
}

func affectedItems(art domain.QualityArtifact, metric string, threshold float64) []string {
	var items []string
	for name, scores := range art.Scores {
		if score, ok := scores[metric]; ok && score < threshold {
			items = append(items, name)
		}
	}
	sort.Strings(items)
	return items
}

func suggestedAction(policy config.MetricPolicy) string {
	switch policy.RetryTarget {
	case domain.StageSearch:
		return "re-run discovery with broader search parameters"
	case domain.StageAnalysis:
		return "re-run analysis over the collected competitors"
	default:
		return "review the collected data manually"
	}
}

// Route decides how the run leaves the quality stage, in priority order:
// interrupt when enough critical/high issues exist, continue when clean,
// otherwise auto-retry the highest-severity issue's target bounded by
// that stage's attempt counter. Ties between retry targets prefer the
// earliest pipeline stage, since retrying it invalidates everything
// downstream. The decision depends only on issue contents, never on
// issue order.
func (g Gate) Route(issues []domain.QualityIssue, attempts map[string]int, maxRetries func(string) int) Routing {
	severe := 0
	for _, issue := range issues {
		if issue.Severity == domain.SeverityCritical || issue.Severity == domain.SeverityHigh {
			severe++
		}
	}
	if severe >= g.InterruptThreshold {
		return Routing{Outcome: stage.OutcomeInterrupt}
	}
	if len(issues) == 0 {
		return Routing{Outcome: stage.OutcomeOK}
	}

	best := -1
	for i, issue := range issues {
		if best < 0 {
			best = i
			continue
		}
		if better(issue, issues[best]) {
			best = i
		}
	}
	target := issues[best].RetryTarget
	if target == "" {
		return Routing{Outcome: stage.OutcomeInterrupt}
	}
	if attempts[target] >= maxRetries(target) {
		return Routing{Outcome: stage.OutcomeInterrupt}
	}
	switch target {
	case domain.StageSearch:
		return Routing{Outcome: stage.OutcomeRetrySearch, Target: target}
	case domain.StageAnalysis:
		return Routing{Outcome: stage.OutcomeRetryAnalysis, Target: target}
	default:
		return Routing{Outcome: stage.OutcomeInterrupt}
	}
}

// better reports whether a should be picked over b: higher severity
// first, then the earlier retry target in pipeline order, then issue
// type for a stable total order.
func better(a, b domain.QualityIssue) bool {
	ra, rb := severityRank[a.Severity], severityRank[b.Severity]
	if ra != rb {
		return ra > rb
	}
	ia, ib := targetIndex(a.RetryTarget), targetIndex(b.RetryTarget)
	if ia != ib {
		return ia < ib
	}
	return strings.Compare(a.IssueType, b.IssueType) < 0
}

func targetIndex(target string) int {
	if target == "" {
		return int(^uint(0) >> 1)
	}
	if idx := stage.Index(target); idx >= 0 {
		return idx
	}
	return int(^uint(0) >> 1)
}

// AvailableActions lists the decisions a reviewer may take for the given
// pending issues. Proceed and abort are always offered; retries only when
// some pending issue names that stage.
func AvailableActions(issues []domain.QualityIssue) []string {
	actions := []string{domain.DecisionProceed, domain.DecisionModifyParams, domain.DecisionAbort}
	targets := map[string]bool{}
	for _, issue := range issues {
		if issue.RetryTarget != "" {
			targets[issue.RetryTarget] = true
		}
	}
	if targets[domain.StageSearch] {
		actions = append(actions, domain.DecisionRetrySearch)
	}
	if targets[domain.StageAnalysis] {
		actions = append(actions, domain.DecisionRetryAnalysis)
	}
	sort.Strings(actions)
	return actions
}
