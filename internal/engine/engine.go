package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"rivalscan/internal/checkpoint"
	"rivalscan/internal/config"
	"rivalscan/internal/domain"
	"rivalscan/internal/progress"
	"rivalscan/internal/provider"
	"rivalscan/internal/quality"
	"rivalscan/internal/repo"
	"rivalscan/internal/stage"
)

// Providers are the external collaborators the stage executors call.
type Providers struct {
	Searcher provider.Searcher
	Analyzer provider.Analyzer
	Reporter provider.Reporter
}

// Engine drives runs through the pipeline state machine. Within one run,
// transitions are strictly sequential: a per-run lock is held for the
// duration of one stage invocation plus its checkpoint write. Across
// runs the only shared state is the database.
type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Checkpoints checkpoint.Store
	Progress    *progress.Publisher
	Config      *config.Config
	Gate        quality.Gate
	Executors   map[string]stage.Executor
	Now         func() time.Time
	Sleep       func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	locks      map[string]*sync.Mutex
	cancels    map[string]context.CancelFunc
	cancelReqs map[string]bool
}

// New builds an engine over an open, migrated database.
func New(conn *sql.DB, cfg *config.Config, p Providers) *Engine {
	e := &Engine{
		DB:          conn,
		Repo:        repo.Repo{DB: conn},
		Checkpoints: checkpoint.Store{DB: conn},
		Progress:    progress.NewPublisher(conn),
		Config:      cfg,
		Gate:        quality.New(cfg),
		Now:         time.Now,
		locks:       map[string]*sync.Mutex{},
		cancels:     map[string]context.CancelFunc{},
		cancelReqs:  map[string]bool{},
	}
	e.Executors = map[string]stage.Executor{
		domain.StageSearch:   stage.SearchExecutor{Searcher: p.Searcher},
		domain.StageAnalysis: stage.AnalysisExecutor{Analyzer: p.Analyzer},
		domain.StageQuality:  stage.QualityExecutor{},
		domain.StageReport:   stage.ReportExecutor{Reporter: p.Reporter},
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) lockFor(runID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[runID] = l
	}
	return l
}

// Submit creates a run at the start of the pipeline and writes its first
// checkpoint. The caller hands the returned run id to the worker pool.
func (e *Engine) Submit(ctx context.Context, rc domain.RunContext) (domain.Run, error) {
	if rc.ClientCompany == "" {
		return domain.Run{}, errors.New("client company is required")
	}
	if rc.Industry == "" {
		return domain.Run{}, errors.New("industry is required")
	}
	if rc.MaxCompetitors <= 0 {
		rc.MaxCompetitors = e.Config.Analysis.MaxCompetitors
	}
	now := e.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		ID:        uuid.New().String(),
		Context:   rc,
		Stage:     domain.StageSearch,
		Status:    domain.StatusPending,
		Attempts:  map[string]int{},
		Artifacts: map[string]json.RawMessage{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.commit(ctx, &run, "run.submitted", map[string]any{"client_company": rc.ClientCompany}); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// Get returns the latest durable snapshot of a run.
func (e *Engine) Get(ctx context.Context, runID string) (domain.Run, error) {
	return e.Checkpoints.Latest(ctx, runID)
}

// Process advances a run until it suspends, terminates, or the context
// is cancelled. Safe to call again at any time: it always starts from
// the last durable checkpoint and stage executors tolerate re-runs.
func (e *Engine) Process(ctx context.Context, runID string) error {
	lock := e.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	// runCtx covers the whole invocation, stage calls and backoff sleeps
	// included, so Cancel can interrupt the run wherever it happens to be.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	e.setCancel(runID, cancelRun)
	defer e.removeCancel(runID)

	run, err := e.Checkpoints.Latest(ctx, runID)
	if err != nil {
		return err
	}
	commitFailures := 0
	for {
		if run.Terminal() || run.Status == domain.StatusInterrupted {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.cancelRequested(runID) {
			// Cancel() is waiting on the run lock to write the terminal
			// checkpoint.
			return nil
		}
		exec, ok := e.Executors[run.Stage]
		if !ok {
			next := run
			fail(&next, fmt.Sprintf("no executor for stage %s", run.Stage))
			return e.commit(ctx, &next, "run.failed", nil)
		}

		if run.Status != domain.StatusInProgress {
			next := run
			next.Status = domain.StatusInProgress
			if err := e.commit(ctx, &next, "run.stage.started", map[string]any{"stage": run.Stage}); err != nil {
				if run, err = e.reload(ctx, runID, err, &commitFailures); err != nil {
					return err
				}
				continue
			}
			run = next
		}

		stageCtx, cancelStage := e.stageContext(runCtx)
		artifact, execErr := exec.Execute(stageCtx, run)
		ctxErr := stageCtx.Err()
		cancelStage()

		var next domain.Run
		var evtType string
		var payload map[string]any
		if execErr != nil {
			if ctx.Err() != nil {
				// Shutdown: leave the last durable checkpoint as-is.
				return ctx.Err()
			}
			if errors.Is(ctxErr, context.Canceled) {
				// Cancelled via Cancel(); it writes the terminal state.
				return nil
			}
			next, evtType, payload = e.onStageError(run, execErr)
		} else {
			next, evtType, payload, err = e.onStageSuccess(run, artifact)
			if err != nil {
				next = run
				fail(&next, err.Error())
				evtType, payload = "run.failed", map[string]any{"error": err.Error()}
			}
		}

		if err := e.commit(ctx, &next, evtType, payload); err != nil {
			if run, err = e.reload(ctx, runID, err, &commitFailures); err != nil {
				return err
			}
			continue
		}
		commitFailures = 0
		run = next

		if evtType == "run.stage.retrying" {
			if err := e.sleep(runCtx, e.backoff(run.Attempts[run.Stage])); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
		}
		if run.Status == domain.StatusInterrupted {
			return nil
		}
	}
}

// onStageError classifies a stage failure into the retry or fail
// transition. Attempt counters live in the durable run state so a
// restart cannot reset retry budgets.
func (e *Engine) onStageError(run domain.Run, execErr error) (domain.Run, string, map[string]any) {
	next := run
	if stage.IsFatal(execErr) {
		fail(&next, execErr.Error())
		return next, "run.failed", map[string]any{"stage": run.Stage, "error": execErr.Error()}
	}
	next.Attempts = copyCounts(run.Attempts)
	next.Attempts[run.Stage]++
	if next.Attempts[run.Stage] > e.Config.MaxRetries(run.Stage) {
		fail(&next, fmt.Sprintf("stage %s exhausted retries: %v", run.Stage, execErr))
		return next, "run.failed", map[string]any{"stage": run.Stage, "error": execErr.Error()}
	}
	next.Status = domain.StatusPending
	return next, "run.stage.retrying", map[string]any{
		"stage":   run.Stage,
		"attempt": next.Attempts[run.Stage],
		"error":   execErr.Error(),
	}
}

// onStageSuccess stores the artifact and resolves the next stage from
// the transition table, consulting the quality gate when leaving quality.
func (e *Engine) onStageSuccess(run domain.Run, artifact json.RawMessage) (domain.Run, string, map[string]any, error) {
	next := run
	next.Artifacts = copyArtifacts(run.Artifacts)
	next.Artifacts[run.Stage] = artifact
	next.MarkStageCompleted(run.Stage)

	if run.Stage == domain.StageQuality {
		var art domain.QualityArtifact
		if err := json.Unmarshal(artifact, &art); err != nil {
			return run, "", nil, fmt.Errorf("decode quality artifact: %w", err)
		}
		issues := e.Gate.Evaluate(art)
		routing := e.Gate.Route(issues, next.Attempts, e.Config.MaxRetries)
		nextStage, ok := stage.Next(run.Stage, routing.Outcome)
		if !ok {
			return run, "", nil, fmt.Errorf("no transition for quality outcome %s", routing.Outcome)
		}
		switch routing.Outcome {
		case stage.OutcomeInterrupt:
			next.Stage = nextStage
			next.Status = domain.StatusInterrupted
			next.PendingIssues = issues
			return next, "run.interrupted", map[string]any{"issues": len(issues)}, nil
		case stage.OutcomeRetrySearch, stage.OutcomeRetryAnalysis:
			next.Attempts = copyCounts(next.Attempts)
			next.Attempts[routing.Target]++
			resetToStage(&next, routing.Target)
			next.Status = domain.StatusPending
			return next, "run.quality.retry", map[string]any{
				"target":  routing.Target,
				"attempt": next.Attempts[routing.Target],
				"issues":  len(issues),
			}, nil
		default:
			next.Stage = nextStage
			next.Status = domain.StatusPending
			next.PendingIssues = nil
			return next, "run.stage.completed", map[string]any{"stage": run.Stage}, nil
		}
	}

	nextStage, ok := stage.Next(run.Stage, stage.OutcomeOK)
	if !ok {
		return run, "", nil, fmt.Errorf("no transition from stage %s", run.Stage)
	}
	next.Stage = nextStage
	if nextStage == domain.StageCompleted {
		next.Status = domain.StatusCompleted
	} else {
		next.Status = domain.StatusPending
	}
	return next, "run.stage.completed", map[string]any{"stage": run.Stage}, nil
}

// Cancel stops a run: the cancel request is flagged before anything
// else so an active Process invocation observes it no matter where it
// is (mid-stage, between stages, or in a backoff sleep), any in-flight
// work is cancelled, the last durable checkpoint is left intact, and a
// terminal failed/"cancelled" checkpoint is appended. Cancelling a
// terminal run is a no-op.
func (e *Engine) Cancel(ctx context.Context, runID string) (domain.Run, error) {
	e.mu.Lock()
	e.cancelReqs[runID] = true
	cancel := e.cancels[runID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	lock := e.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()
	defer e.clearCancelRequest(runID)

	run, err := e.Checkpoints.Latest(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Terminal() {
		return run, nil
	}
	next := run
	fail(&next, "cancelled")
	if err := e.commit(ctx, &next, "run.cancelled", nil); err != nil {
		return domain.Run{}, err
	}
	return next, nil
}

// commit applies one transition: marshal the new snapshot, append the
// checkpoint and its event in one transaction, and only after the
// durable write notify the progress publisher. On error the caller
// discards next and retries from the last durable checkpoint.
func (e *Engine) commit(ctx context.Context, next *domain.Run, evtType string, payload map[string]any) error {
	return e.commitWith(ctx, next, evtType, payload, nil)
}

var errDecisionReplayed = errors.New("decision already applied")

func (e *Engine) commitWith(ctx context.Context, next *domain.Run, evtType string, payload map[string]any, pre func(tx *sql.Tx) (bool, error)) error {
	next.Seq++
	next.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if pre != nil {
		ok, err := pre(tx)
		if err != nil {
			return err
		}
		if !ok {
			return errDecisionReplayed
		}
	}
	if err := e.Checkpoints.AppendTx(ctx, tx, *next); err != nil {
		return err
	}
	update := progress.Update{
		RunID:           next.ID,
		Stage:           next.Stage,
		Status:          next.Status,
		ProgressPercent: stage.ProgressPercent(*next),
		Timestamp:       next.UpdatedAt,
	}
	if err := e.Progress.AppendTx(ctx, tx, evtType, update, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Progress.Notify(update)
	return nil
}

// reload re-reads the durable head after a failed commit. A handful of
// consecutive failures aborts processing rather than spinning.
func (e *Engine) reload(ctx context.Context, runID string, cause error, failures *int) (domain.Run, error) {
	*failures++
	if *failures > 3 {
		return domain.Run{}, fmt.Errorf("run %s: giving up after repeated checkpoint failures: %w", runID, cause)
	}
	return e.Checkpoints.Latest(ctx, runID)
}

func (e *Engine) stageContext(parent context.Context) (context.Context, context.CancelFunc) {
	if e.Config.Analysis.StageTimeoutSeconds > 0 {
		return context.WithTimeout(parent, time.Duration(e.Config.Analysis.StageTimeoutSeconds)*time.Second)
	}
	return context.WithCancel(parent)
}

func (e *Engine) setCancel(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[runID] = cancel
	e.mu.Unlock()
}

func (e *Engine) removeCancel(runID string) {
	e.mu.Lock()
	delete(e.cancels, runID)
	e.mu.Unlock()
}

func (e *Engine) cancelRequested(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelReqs[runID]
}

func (e *Engine) clearCancelRequest(runID string) {
	e.mu.Lock()
	delete(e.cancelReqs, runID)
	e.mu.Unlock()
}

func (e *Engine) backoff(attempt int) time.Duration {
	base := e.Config.Retries.BackoffMs
	if base <= 0 {
		base = 500
	}
	d := time.Duration(base) * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	if maxMs := e.Config.Retries.BackoffMaxMs; maxMs > 0 && d > time.Duration(maxMs)*time.Millisecond {
		d = time.Duration(maxMs) * time.Millisecond
	}
	return d
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func fail(run *domain.Run, reason string) {
	run.Stage = domain.StageFailed
	run.Status = domain.StatusFailed
	run.FailureReason = reason
	run.PendingIssues = nil
}

// resetToStage rewinds the run to re-execute from the given stage:
// artifacts and completion marks for it and everything downstream are
// invalidated.
func resetToStage(run *domain.Run, target string) {
	run.Stage = target
	run.PendingIssues = nil
	invalid := append([]string{target}, stage.Downstream(target)...)
	artifacts := copyArtifacts(run.Artifacts)
	for _, s := range invalid {
		delete(artifacts, s)
	}
	run.Artifacts = artifacts
	var kept []string
	for _, s := range run.CompletedStages {
		stale := false
		for _, inv := range invalid {
			if s == inv {
				stale = true
				break
			}
		}
		if !stale {
			kept = append(kept, s)
		}
	}
	run.CompletedStages = kept
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyArtifacts(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
