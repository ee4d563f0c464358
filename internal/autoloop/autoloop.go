// Package autoloop implements the auto loop: a bounded run of the
// Iteration Controller that keeps going until the target score is reached,
// the iteration cap is hit, an iteration errors, or the session is
// cancelled. It is a thin driver over controller.Controller.
package autoloop

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/smilemakc/styleforge/internal/controller"
	"github.com/smilemakc/styleforge/internal/domain"
	domainerrors "github.com/smilemakc/styleforge/internal/domain/errors"
	"github.com/smilemakc/styleforge/internal/storage"
)

// ConvergenceReason names why the loop stopped.
type ConvergenceReason string

const (
	ReasonTargetReached ConvergenceReason = "target_reached"
	ReasonMaxIterations ConvergenceReason = "max_iterations"
	ReasonError         ConvergenceReason = "error"
	ReasonCancelled     ConvergenceReason = "cancelled"
)

// Report aggregates the outcome of a bounded Auto Loop run.
type Report struct {
	SessionID          string
	IterationsRun      int
	ApprovedCount      int
	RejectedCount      int
	Iterations         []*domain.Iteration
	BestApprovedOverall int
	TargetReached      bool
	ConvergenceReason  ConvergenceReason
	Err                error
}

// Loop runs a bounded Auto Loop against a single Controller.
type Loop struct {
	store      storage.Store
	controller *controller.Controller
}

// New builds a Loop over controller c, using store only to poll the
// session's cancellation flag between iterations.
func New(store storage.Store, c *controller.Controller) *Loop {
	return &Loop{store: store, controller: c}
}

// Run drives up to maxIterations calls to the Iteration Controller for
// sessionID, stopping at the first approved iteration whose overall score
// meets targetScore, at the iteration cap, on a controller error, or when
// the session's cancellation flag is observed set.
func (l *Loop) Run(ctx context.Context, sessionID string, maxIterations, targetScore, creativityLevel int) *Report {
	report := &Report{SessionID: sessionID, ConvergenceReason: ReasonMaxIterations}

	for n := 0; n < maxIterations; n++ {
		session, err := l.store.GetSession(ctx, sessionID)
		if err != nil {
			report.Err = err
			report.ConvergenceReason = ReasonError
			return report
		}
		if session.CancelRequested {
			report.ConvergenceReason = ReasonCancelled
			return report
		}

		it, err := l.controller.RunOnce(ctx, sessionID, creativityLevel)
		if it != nil {
			report.Iterations = append(report.Iterations, it)
			report.IterationsRun++
			if it.Approved != nil && *it.Approved {
				report.ApprovedCount++
				if overall := it.Scores[domain.DimOverall]; overall > report.BestApprovedOverall {
					report.BestApprovedOverall = overall
				}
			} else {
				report.RejectedCount++
			}
		}
		if err != nil {
			var cancelled *domainerrors.CancellationRequestedError
			if errors.As(err, &cancelled) {
				// The controller observed the flag mid-iteration and discarded
				// the attempt; nothing was committed for it.
				report.ConvergenceReason = ReasonCancelled
				return report
			}
			log.Warn().Str("session_id", sessionID).Int("iteration", n+1).Err(err).Msg("autoloop: iteration errored, stopping")
			report.Err = err
			report.ConvergenceReason = ReasonError
			return report
		}

		if it.Approved != nil && *it.Approved && it.Scores[domain.DimOverall] >= targetScore {
			report.TargetReached = true
			report.ConvergenceReason = ReasonTargetReached
			return report
		}
	}

	return report
}
