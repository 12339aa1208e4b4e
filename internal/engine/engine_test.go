package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"rivalscan/internal/config"
	"rivalscan/internal/db"
	"rivalscan/internal/domain"
	"rivalscan/internal/engine"
	"rivalscan/internal/migrate"
	"rivalscan/internal/provider"
)

type searchFunc func(context.Context, provider.QuerySpec) ([]domain.SearchResult, error)

func (f searchFunc) Search(ctx context.Context, spec provider.QuerySpec) ([]domain.SearchResult, error) {
	return f(ctx, spec)
}

type analyzeFunc func(context.Context, domain.RunContext, domain.SearchArtifact) (domain.AnalysisArtifact, error)

func (f analyzeFunc) Analyze(ctx context.Context, rc domain.RunContext, search domain.SearchArtifact) (domain.AnalysisArtifact, error) {
	return f(ctx, rc, search)
}

type reportFunc func(context.Context, domain.RunContext, domain.AnalysisArtifact) (domain.ReportArtifact, error)

func (f reportFunc) Report(ctx context.Context, rc domain.RunContext, analysis domain.AnalysisArtifact) (domain.ReportArtifact, error) {
	return f(ctx, rc, analysis)
}

func goodResults(n int) []domain.SearchResult {
	results := make([]domain.SearchResult, 0, n)
	for i := 0; i < n; i++ {
		results = append(results, domain.SearchResult{
			Title:          fmt.Sprintf("Comp%d - Product Site", i),
			URL:            fmt.Sprintf("https://comp%d.example.com", i),
			Content:        "builds widgets for the same market",
			RelevanceScore: 0.8,
		})
	}
	return results
}

func goodSearcher(n int) searchFunc {
	return func(ctx context.Context, spec provider.QuerySpec) ([]domain.SearchResult, error) {
		return goodResults(n), nil
	}
}

func goodAnalyzer() analyzeFunc {
	return func(ctx context.Context, rc domain.RunContext, search domain.SearchArtifact) (domain.AnalysisArtifact, error) {
		art := domain.AnalysisArtifact{Summary: "landscape summary"}
		for _, c := range search.Competitors {
			art.Profiles = append(art.Profiles, domain.CompetitorProfile{
				Name:        c.Name,
				Positioning: "mid-market",
				Strengths:   []string{"distribution"},
				Weaknesses:  []string{"pricing"},
			})
		}
		return art, nil
	}
}

func goodReporter() reportFunc {
	return func(ctx context.Context, rc domain.RunContext, analysis domain.AnalysisArtifact) (domain.ReportArtifact, error) {
		return domain.ReportArtifact{Title: "Competitive Landscape", Summary: analysis.Summary}, nil
	}
}

func newTestEngine(t *testing.T, p engine.Providers) (*engine.Engine, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), p)
	e.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e, context.Background()
}

func submitRun(t *testing.T, e *engine.Engine, ctx context.Context) domain.Run {
	t.Helper()
	run, err := e.Submit(ctx, domain.RunContext{
		ClientCompany: "Acme Robotics",
		Industry:      "industrial automation",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return run
}

func processed(t *testing.T, e *engine.Engine, ctx context.Context, runID string) domain.Run {
	t.Helper()
	if err := e.Process(ctx, runID); err != nil {
		t.Fatalf("process: %v", err)
	}
	run, err := e.Get(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	return run
}

func TestHappyPathCompletes(t *testing.T) {
	e, ctx := newTestEngine(t, engine.Providers{
		Searcher: goodSearcher(6),
		Analyzer: goodAnalyzer(),
		Reporter: goodReporter(),
	})
	run := submitRun(t, e, ctx)
	final := processed(t, e, ctx, run.ID)

	if final.Stage != domain.StageCompleted || final.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got stage=%s status=%s reason=%s", final.Stage, final.Status, final.FailureReason)
	}
	for _, s := range []string{domain.StageSearch, domain.StageAnalysis, domain.StageQuality, domain.StageReport} {
		if _, ok := final.Artifacts[s]; !ok {
			t.Fatalf("missing artifact for %s", s)
		}
	}
	want := []string{domain.StageSearch, domain.StageAnalysis, domain.StageQuality, domain.StageReport}
	if len(final.CompletedStages) != len(want) {
		t.Fatalf("completed stages %v", final.CompletedStages)
	}
	for i, s := range want {
		if final.CompletedStages[i] != s {
			t.Fatalf("completed stages %v", final.CompletedStages)
		}
	}
}

func TestCheckpointSequenceGapless(t *testing.T) {
	e, ctx := newTestEngine(t, engine.Providers{
		Searcher: goodSearcher(6),
		Analyzer: goodAnalyzer(),
		Reporter: goodReporter(),
	})
	run := submitRun(t, e, ctx)
	final := processed(t, e, ctx, run.ID)

	cps, err := e.Checkpoints.List(ctx, run.ID)
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	for i, cp := range cps {
		if cp.Seq != int64(i+1) {
			t.Fatalf("checkpoint %d has seq %d", i, cp.Seq)
		}
	}
	if final.Seq != int64(len(cps)) {
		t.Fatalf("final seq %d but %d checkpoints", final.Seq, len(cps))
	}
}

func TestTransientRetryThenSuccess(t *testing.T) {
	calls := 0
	searcher := searchFunc(func(ctx context.Context, spec provider.QuerySpec) ([]domain.SearchResult, error) {
		calls++
		if calls <= 2 {
			return nil, &provider.Error{Op: "search", Status: 503, Err: errors.New("upstream unavailable")}
		}
		return goodResults(6), nil
	})
	e, ctx := newTestEngine(t, engine.Providers{
		Searcher: searcher,
		Analyzer: goodAnalyzer(),
		Reporter: goodReporter(),
	})
	run := submitRun(t, e, ctx)
	final := processed(t, e, ctx, run.ID)

	if final.Stage != domain.StageCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Stage, final.FailureReason)
	}
	if final.Attempts[domain.StageSearch] != 2 {
		t.Fatalf("expected 2 search attempts recorded, got %d", final.Attempts[domain.StageSearch])
	}
	if calls != 3 {
		t.Fatalf("expected 3 search calls, got %d", calls)
	}
}

func TestTransientExhaustedFailsRun(t *testing.T) {
	searcher := searchFunc(func(ctx context.Context, spec provider.QuerySpec) ([]domain.SearchResult, error) {
		return nil, &provider.Error{Op: "search", Status: 500, Err: errors.New("boom")}
	})
	e, ctx := newTestEngine(t, engine.Providers{
		Searcher: searcher,
		Analyzer: goodAnalyzer(),
		Reporter: goodReporter(),
	})
	run := submitRun(t, e, ctx)
	final := processed(t, e, ctx, run.ID)

	if final.Stage != domain.StageFailed || final.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got stage=%s status=%s", final.Stage, final.Status)
	}
	if final.FailureReason == "" {
		t.Fatalf("expected failure reason")
	}
	summary, err := e.Repo.GetRunSummary(ctx, run.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	// Failure in search freezes progress there rather than reporting 100.
	if summary.Progress != 15 {
		t.Fatalf("failed run progress %d", summary.Progress)
	}
}

func TestFatalProviderFailsImmediately(t *testing.T) {
	calls := 0
	searcher := searchFunc(func(ctx context.Context, spec provider.QuerySpec) ([]domain.SearchResult, error) {
		calls++
		return nil, &provider.Error{Op: "search", Status: 400, Err: errors.New("bad query")}
	})
	e, ctx := newTestEngine(t, engine.Providers{
		Searcher: searcher,
		Analyzer: goodAnalyzer(),
		Reporter: goodReporter(),
	})
	run := submitRun(t, e, ctx)
	final := processed(t, e, ctx, run.ID)

	if final.Stage != domain.StageFailed {
		t.Fatalf("expected failed, got %s", final.Stage)
	}
	if calls != 1 {
		t.Fatalf("expected a single search call, got %d", calls)
	}
	if final.Attempts[domain.StageSearch] != 0 {
		t.Fatalf("fatal errors must not consume retry budget, attempts=%d", final.Attempts[domain.StageSearch])
	}
}

// sparseSearcher returns results with no content, so competitor
// descriptions stay empty and completeness depends on analysis output.
func sparseSearcher(n int) searchFunc {
	return func(ctx context.Context, spec provider.QuerySpec) ([]domain.SearchResult, error) {
		results := goodResults(n)
		for i := range results {
			results[i].Content = ""
		}
		return results, nil
	}
}

func TestLowCompletenessAutoRetriesAnalysis(t *testing.T) {
	analyzeCalls := 0
	analyzer := analyzeFunc(func(ctx context.Context, rc domain.RunContext, search domain.SearchArtifact) (domain.AnalysisArtifact, error) {
		analyzeCalls++
		if analyzeCalls == 1 {
			return domain.AnalysisArtifact{Summary: "thin"}, nil
		}
		return goodAnalyzer()(ctx, rc, search)
	})
	e, ctx := newTestEngine(t, engine.Providers{
		Searcher: sparseSearcher(6),
		Analyzer: analyzer,
		Reporter: goodReporter(),
	})
	run := submitRun(t, e, ctx)
	final := processed(t, e, ctx, run.ID)

	if final.Stage != domain.StageCompleted {
		t.Fatalf("expected completed after auto-retry, got %s (%s)", final.Stage, final.FailureReason)
	}
	if final.Attempts[domain.StageAnalysis] != 1 {
		t.Fatalf("expected 1 analysis retry, got %d", final.Attempts[domain.StageAnalysis])
	}
	if analyzeCalls != 2 {
		t.Fatalf("expected 2 analyze calls, got %d", analyzeCalls)
	}
	if len(final.PendingIssues) != 0 {
		t.Fatalf("pending issues should be cleared, got %v", final.PendingIssues)
	}
}

func TestCriticalCoverageInterrupts(t *testing.T) {
	e, ctx := newTestEngine(t, engine.Providers{
		Searcher: goodSearcher(2),
		Analyzer: goodAnalyzer(),
		Reporter: goodReporter(),
	})
	run := submitRun(t, e, ctx)
	final := processed(t, e, ctx, run.ID)

	if final.Stage != domain.StageHumanReview || final.Status != domain.StatusInterrupted {
		t.Fatalf("expected interrupted at human_review, got stage=%s status=%s", final.Stage, final.Status)
	}
	if len(final.PendingIssues) == 0 {
		t.Fatalf("expected pending issues")
	}
	foundCritical := false
	for _, issue := range final.PendingIssues {
		if issue.IssueType == "coverage_below_threshold" && issue.Severity == domain.SeverityCritical {
			foundCritical = true
		}
	}
	if !foundCritical {
		t.Fatalf("expected critical coverage issue, got %+v", final.PendingIssues)
	}

	review, err := e.PendingReview(ctx, run.ID)
	if err != nil {
		t.Fatalf("pending review: %v", err)
	}
	hasRetrySearch := false
	for _, action := range review.Actions {
		if action == domain.DecisionRetrySearch {
			hasRetrySearch = true
		}
	}
	if !hasRetrySearch {
		t.Fatalf("expected retry_search offered, got %v", review.Actions)
	}
}

func TestRetryBudgetExhaustedEscalatesToReview(t *testing.T) {
	analyzer := analyzeFunc(func(ctx context.Context, rc domain.RunContext, search domain.SearchArtifact) (domain.AnalysisArtifact, error) {
		return domain.AnalysisArtifact{Summary: "always thin"}, nil
	})
	e, ctx := newTestEngine(t, engine.Providers{
		Searcher: sparseSearcher(6),
		Analyzer: analyzer,
		Reporter: goodReporter(),
	})
	run := submitRun(t, e, ctx)
	final := processed(t, e, ctx, run.ID)

	if final.Stage != domain.StageHumanReview || final.Status != domain.StatusInterrupted {
		t.Fatalf("expected escalation to review, got stage=%s status=%s reason=%s", final.Stage, final.Status, final.FailureReason)
	}
	if got := final.Attempts[domain.StageAnalysis]; got != 2 {
		t.Fatalf("expected analysis retries exhausted at 2, got %d", got)
	}
}

func interruptedRun(t *testing.T, e *engine.Engine, ctx context.Context) domain.Run {
	t.Helper()
	run := submitRun(t, e, ctx)
	final := processed(t, e, ctx, run.ID)
	if final.Status != domain.StatusInterrupted {
		t.Fatalf("fixture run did not interrupt: stage=%s status=%s", final.Stage, final.Status)
	}
	return final
}

func TestDecisionProceedResumes(t *testing.T) {
	e, ctx := newTestEngine(t, engine.Providers{
		Searcher: goodSearcher(2),
		Analyzer: goodAnalyzer(),
		Reporter: goodReporter(),
	})
	run := interruptedRun(t, e, ctx)

	resumedRun, resumed, err := e.Resume(ctx, run.ID, domain.HumanDecision{
		Decision: domain.DecisionProceed,
		Feedback: "coverage acceptable for this engagement",
		ActorID:  "analyst-1",
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed {
		t.Fatalf("expected resumed=true")
	}
	if resumedRun.Stage != domain.StageReport || resumedRun.Status != domain.StatusPending {
		t.Fatalf("expected pending at report, got stage=%s status=%s", resumedRun.Stage, resumedRun.Status)
	}
	final := processed(t, e, ctx, run.ID)
	if final.Stage != domain.StageCompleted {
		t.Fatalf("expected completed after proceed, got %s", final.Stage)
	}
	if len(final.DecisionLog) != 1 || final.DecisionLog[0].Decision != domain.DecisionProceed {
		t.Fatalf("decision log %+v", final.DecisionLog)
	}
	if final.DecisionLog[0].DecidedAt == "" || final.DecisionLog[0].ID == "" {
		t.Fatalf("decision missing id or timestamp: %+v", final.DecisionLog[0])
	}
}

func TestDecisionRetrySearchAppliesOverrides(t *testing.T) {
	wide := false
	searcher := searchFunc(func(ctx context.Context, spec provider.QuerySpec) ([]domain.SearchResult, error) {
		if wide {
			return goodResults(8), nil
		}
		return goodResults(2), nil
	})
	e, ctx := newTestEngine(t, engine.Providers{
		Searcher: searcher,
		Analyzer: goodAnalyzer(),
		Reporter: goodReporter(),
	})
	run := interruptedRun(t, e, ctx)

	wide = true
	resumedRun, resumed, err := e.Resume(ctx, run.ID, domain.HumanDecision{
		Decision:       domain.DecisionRetrySearch,
		ModifiedParams: map[string]any{"max_competitors": 5},
		ActorID:        "analyst-1",
	})
	if err != nil || !resumed {
		t.Fatalf("resume: resumed=%v err=%v", resumed, err)
	}
	if resumedRun.Stage != domain.StageSearch {
		t.Fatalf("expected rewind to search, got %s", resumedRun.Stage)
	}
	if resumedRun.Context.MaxCompetitors != 5 {
		t.Fatalf("override not applied: %d", resumedRun.Context.MaxCompetitors)
	}
	if _, ok := resumedRun.Artifacts[domain.StageSearch]; ok {
		t.Fatalf("stale search artifact kept after rewind")
	}
	if resumedRun.Attempts[domain.StageSearch] != 1 {
		t.Fatalf("expected search attempt recorded, got %d", resumedRun.Attempts[domain.StageSearch])
	}

	final := processed(t, e, ctx, run.ID)
	if final.Stage != domain.StageCompleted {
		t.Fatalf("expected completed after retry, got %s (%s)", final.Stage, final.FailureReason)
	}
}

func TestDecisionAbortFailsRun(t *testing.T) {
	e, ctx := newTestEngine(t, engine.Providers{
		Searcher: goodSearcher(2),
		Analyzer: goodAnalyzer(),
		Reporter: goodReporter(),
	})
	run := interruptedRun(t, e, ctx)

	final, resumed, err := e.Resume(ctx, run.ID, domain.HumanDecision{
		Decision: domain.DecisionAbort,
		Feedback: "not worth continuing",
		ActorID:  "analyst-1",
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed {
		t.Fatalf("abort must not resume processing")
	}
	if final.Stage != domain.StageFailed || final.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got stage=%s status=%s", final.Stage, final.Status)
	}
	if final.FailureReason != "aborted by reviewer" {
		t.Fatalf("failure reason %q", final.FailureReason)
	}
	if len(final.DecisionLog) != 1 {
		t.Fatalf("decision log %+v", final.DecisionLog)
	}
}

func TestDecisionIdempotentReplay(t *testing.T) {
	e, ctx := newTestEngine(t, engine.Providers{
		Searcher: goodSearcher(2),
		Analyzer: goodAnalyzer(),
		Reporter: goodReporter(),
	})
	run := interruptedRun(t, e, ctx)

	_, resumed, err := e.Resume(ctx, run.ID, domain.HumanDecision{
		ID:       "dec-1",
		Decision: domain.DecisionProceed,
		ActorID:  "analyst-1",
	})
	if err != nil || !resumed {
		t.Fatalf("first resume: resumed=%v err=%v", resumed, err)
	}
	// Replaying the same decision id is a no-op, even though the run is
	// no longer awaiting review.
	replayRun, resumed, err := e.Resume(ctx, run.ID, domain.HumanDecision{
		ID:       "dec-1",
		Decision: domain.DecisionProceed,
		ActorID:  "analyst-1",
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if resumed {
		t.Fatalf("replay must not resume again")
	}
	if len(replayRun.DecisionLog) != 1 {
		t.Fatalf("replay duplicated decision log: %+v", replayRun.DecisionLog)
	}
}

func TestDecisionWhileRunningRejected(t *testing.T) {
	e, ctx := newTestEngine(t, engine.Providers{
		Searcher: goodSearcher(6),
		Analyzer: goodAnalyzer(),
		Reporter: goodReporter(),
	})
	run := submitRun(t, e, ctx)

	_, _, err := e.Resume(ctx, run.ID, domain.HumanDecision{
		Decision: domain.DecisionProceed,
		ActorID:  "analyst-1",
	})
	if !errors.Is(err, engine.ErrNotAwaitingReview) {
		t.Fatalf("expected ErrNotAwaitingReview, got %v", err)
	}
}

func TestStaleDecisionRejected(t *testing.T) {
	e, ctx := newTestEngine(t, engine.Providers{
		Searcher: goodSearcher(2),
		Analyzer: goodAnalyzer(),
		Reporter: goodReporter(),
	})
	run := interruptedRun(t, e, ctx)

	// coverage issues only offer retry_search, not retry_analysis
	_, _, err := e.Resume(ctx, run.ID, domain.HumanDecision{
		Decision: domain.DecisionRetryAnalysis,
		ActorID:  "analyst-1",
	})
	if !errors.Is(err, engine.ErrStaleDecision) {
		t.Fatalf("expected ErrStaleDecision for unavailable action, got %v", err)
	}

	_, _, err = e.Resume(ctx, run.ID, domain.HumanDecision{
		Decision:       domain.DecisionProceed,
		SelectedIssues: []string{"no-such-issue"},
		ActorID:        "analyst-1",
	})
	if !errors.Is(err, engine.ErrStaleDecision) {
		t.Fatalf("expected ErrStaleDecision for unknown issue, got %v", err)
	}
}

func TestProcessResumesFromCheckpointAfterRestart(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	providers := engine.Providers{
		Searcher: goodSearcher(6),
		Analyzer: goodAnalyzer(),
		Reporter: goodReporter(),
	}
	ctx := context.Background()

	first := engine.New(conn, config.Default(), providers)
	run, err := first.Submit(ctx, domain.RunContext{ClientCompany: "Acme", Industry: "robotics"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// A fresh engine over the same database stands in for a restarted
	// process picking up the pending run.
	second := engine.New(conn, config.Default(), providers)
	second.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	if err := second.Process(ctx, run.ID); err != nil {
		t.Fatalf("process after restart: %v", err)
	}
	final, err := second.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Stage != domain.StageCompleted {
		t.Fatalf("expected completed, got %s", final.Stage)
	}
}

func TestCancelInFlightRun(t *testing.T) {
	started := make(chan struct{})
	searcher := searchFunc(func(ctx context.Context, spec provider.QuerySpec) ([]domain.SearchResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e, ctx := newTestEngine(t, engine.Providers{
		Searcher: searcher,
		Analyzer: goodAnalyzer(),
		Reporter: goodReporter(),
	})
	run := submitRun(t, e, ctx)

	done := make(chan error, 1)
	go func() { done <- e.Process(ctx, run.ID) }()
	<-started

	cancelled, err := e.Cancel(ctx, run.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Stage != domain.StageFailed || cancelled.FailureReason != "cancelled" {
		t.Fatalf("expected cancelled run, got stage=%s reason=%q", cancelled.Stage, cancelled.FailureReason)
	}
	if err := <-done; err != nil {
		t.Fatalf("process returned %v", err)
	}

	// Cancelling a terminal run is a no-op.
	again, err := e.Cancel(ctx, run.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again.Seq != cancelled.Seq {
		t.Fatalf("second cancel wrote a checkpoint: %d -> %d", cancelled.Seq, again.Seq)
	}
}

func TestCancelDuringRetryBackoff(t *testing.T) {
	calls := 0
	searcher := searchFunc(func(ctx context.Context, spec provider.QuerySpec) ([]domain.SearchResult, error) {
		calls++
		return nil, &provider.Error{Op: "search", Status: 503, Err: errors.New("upstream unavailable")}
	})
	e, ctx := newTestEngine(t, engine.Providers{
		Searcher: searcher,
		Analyzer: goodAnalyzer(),
		Reporter: goodReporter(),
	})
	sleeping := make(chan struct{})
	e.Sleep = func(ctx context.Context, d time.Duration) error {
		close(sleeping)
		<-ctx.Done()
		return ctx.Err()
	}
	run := submitRun(t, e, ctx)

	done := make(chan error, 1)
	go func() { done <- e.Process(ctx, run.ID) }()
	// Park the run in the backoff sleep between search attempts.
	<-sleeping

	cancelled, err := e.Cancel(ctx, run.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.StatusFailed || cancelled.FailureReason != "cancelled" {
		t.Fatalf("expected cancelled run, got status=%s reason=%q", cancelled.Status, cancelled.FailureReason)
	}
	if err := <-done; err != nil {
		t.Fatalf("process returned %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no further search attempts after cancel, got %d", calls)
	}
	final, err := e.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Stage != domain.StageFailed || final.FailureReason != "cancelled" {
		t.Fatalf("cancellation lost: stage=%s status=%s reason=%q", final.Stage, final.Status, final.FailureReason)
	}
}

func TestSweepReviewTimeoutsProceeds(t *testing.T) {
	e, ctx := newTestEngine(t, engine.Providers{
		Searcher: goodSearcher(2),
		Analyzer: goodAnalyzer(),
		Reporter: goodReporter(),
	})
	run := interruptedRun(t, e, ctx)

	// Jump the clock past the review timeout.
	e.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	resumed, err := e.SweepReviewTimeouts(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(resumed) != 1 || resumed[0] != run.ID {
		t.Fatalf("expected run resumed by sweep, got %v", resumed)
	}
	after, err := e.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Stage != domain.StageReport || after.Status != domain.StatusPending {
		t.Fatalf("expected pending at report, got stage=%s status=%s", after.Stage, after.Status)
	}
	if len(after.DecisionLog) != 1 || after.DecisionLog[0].Feedback != "auto-timeout" || after.DecisionLog[0].ActorID != "system" {
		t.Fatalf("expected auto-timeout decision, got %+v", after.DecisionLog)
	}
}

func TestSubmitValidatesContext(t *testing.T) {
	e, ctx := newTestEngine(t, engine.Providers{
		Searcher: goodSearcher(6),
		Analyzer: goodAnalyzer(),
		Reporter: goodReporter(),
	})
	if _, err := e.Submit(ctx, domain.RunContext{Industry: "robotics"}); err == nil {
		t.Fatalf("expected missing company error")
	}
	if _, err := e.Submit(ctx, domain.RunContext{ClientCompany: "Acme"}); err == nil {
		t.Fatalf("expected missing industry error")
	}
	run, err := e.Submit(ctx, domain.RunContext{ClientCompany: "Acme", Industry: "robotics"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if run.Context.MaxCompetitors != config.Default().Analysis.MaxCompetitors {
		t.Fatalf("default competitor cap not applied: %d", run.Context.MaxCompetitors)
	}
}
