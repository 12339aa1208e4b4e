package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rivalscan/internal/checkpoint"
	"rivalscan/internal/domain"
	"rivalscan/internal/quality"
	"rivalscan/internal/stage"
)

var (
	// ErrNotAwaitingReview is returned for a decision on a run that is
	// not suspended at human review.
	ErrNotAwaitingReview = errors.New("run is not awaiting review")
	// ErrStaleDecision is returned when the decision does not match the
	// pending review, e.g. an action the gate did not offer.
	ErrStaleDecision = errors.New("decision does not match pending review")
)

// Review describes a pending interrupt for reviewers.
type Review struct {
	RunID   string
	Issues  []domain.QualityIssue
	Actions []string
}

// PendingReview returns the review context for an interrupted run, or
// ErrNotAwaitingReview when the run is not suspended.
func (e *Engine) PendingReview(ctx context.Context, runID string) (Review, error) {
	run, err := e.Checkpoints.Latest(ctx, runID)
	if err != nil {
		return Review{}, err
	}
	if !awaitingReview(run) {
		return Review{}, ErrNotAwaitingReview
	}
	return Review{
		RunID:   run.ID,
		Issues:  run.PendingIssues,
		Actions: quality.AvailableActions(run.PendingIssues),
	}, nil
}

// Resume applies a human decision to an interrupted run. The decision id
// is consumed exactly once: replaying a consumed id returns the current
// run with resumed=false and no state change. The decision record, the
// new checkpoint, and its event commit in one transaction.
//
// resumed reports whether the run should be re-enqueued for processing.
func (e *Engine) Resume(ctx context.Context, runID string, d domain.HumanDecision) (domain.Run, bool, error) {
	lock := e.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := e.Checkpoints.Latest(ctx, runID)
	if err != nil {
		return domain.Run{}, false, err
	}
	if d.ID != "" {
		applied, err := e.Repo.HasDecision(ctx, d.ID)
		if err != nil {
			return domain.Run{}, false, err
		}
		if applied {
			return run, false, nil
		}
	}
	if !awaitingReview(run) {
		return run, false, ErrNotAwaitingReview
	}
	if err := validateDecision(run, d); err != nil {
		return run, false, err
	}

	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.DecidedAt == "" {
		d.DecidedAt = e.now().UTC().Format(time.RFC3339)
	}

	next := run
	evtType := "run.resumed"
	payload := map[string]any{"decision": d.Decision, "actor_id": d.ActorID}
	switch d.Decision {
	case domain.DecisionProceed, domain.DecisionModifyParams:
		next.Context.ApplyOverrides(d.ModifiedParams)
		nextStage, _ := stage.Next(domain.StageHumanReview, stage.OutcomeProceed)
		next.Stage = nextStage
		next.Status = domain.StatusPending
		next.PendingIssues = nil
	case domain.DecisionRetrySearch, domain.DecisionRetryAnalysis:
		target, _ := stage.Next(domain.StageHumanReview, d.Decision)
		next.Context.ApplyOverrides(d.ModifiedParams)
		next.Attempts = copyCounts(run.Attempts)
		next.Attempts[target]++
		resetToStage(&next, target)
		next.Status = domain.StatusPending
		payload["target"] = target
	case domain.DecisionAbort:
		fail(&next, "aborted by reviewer")
		evtType = "run.aborted"
	default:
		return run, false, fmt.Errorf("%w: unknown decision %q", ErrStaleDecision, d.Decision)
	}
	log := make([]domain.HumanDecision, len(run.DecisionLog), len(run.DecisionLog)+1)
	copy(log, run.DecisionLog)
	next.DecisionLog = append(log, d)

	err = e.commitWith(ctx, &next, evtType, payload, func(tx *sql.Tx) (bool, error) {
		return e.Repo.InsertDecisionTx(ctx, tx, runID, d)
	})
	if errors.Is(err, errDecisionReplayed) {
		return run, false, nil
	}
	if err != nil {
		return domain.Run{}, false, err
	}
	return next, d.Decision != domain.DecisionAbort, nil
}

// SweepReviewTimeouts auto-resolves interrupts older than the configured
// review timeout with a system proceed decision. Returns the ids of runs
// that were resumed and should be re-enqueued.
func (e *Engine) SweepReviewTimeouts(ctx context.Context) ([]string, error) {
	if e.Config.Review.TimeoutMinutes <= 0 {
		return nil, nil
	}
	cutoff := e.now().UTC().
		Add(-time.Duration(e.Config.Review.TimeoutMinutes) * time.Minute).
		Format(time.RFC3339)
	ids, err := e.Repo.ListInterruptedBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var resumed []string
	for _, id := range ids {
		_, ok, err := e.Resume(ctx, id, domain.HumanDecision{
			Decision: domain.DecisionProceed,
			Feedback: "auto-timeout",
			ActorID:  "system",
		})
		if errors.Is(err, ErrNotAwaitingReview) || errors.Is(err, checkpoint.ErrNotFound) {
			continue
		}
		if err != nil {
			return resumed, err
		}
		if ok {
			resumed = append(resumed, id)
		}
	}
	return resumed, nil
}

func awaitingReview(run domain.Run) bool {
	return run.Status == domain.StatusInterrupted && run.Stage == domain.StageHumanReview
}

// validateDecision rejects decisions that do not fit the pending review:
// actions the gate did not offer and issue references that are not
// pending.
func validateDecision(run domain.Run, d domain.HumanDecision) error {
	offered := false
	for _, action := range quality.AvailableActions(run.PendingIssues) {
		if action == d.Decision {
			offered = true
			break
		}
	}
	if !offered {
		return fmt.Errorf("%w: action %q not available", ErrStaleDecision, d.Decision)
	}
	pending := map[string]bool{}
	for _, issue := range run.PendingIssues {
		pending[issue.ID] = true
		pending[issue.IssueType] = true
	}
	for _, sel := range d.SelectedIssues {
		if !pending[sel] {
			return fmt.Errorf("%w: issue %q is not pending", ErrStaleDecision, sel)
		}
	}
	return nil
}
