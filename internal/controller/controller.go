// Package controller implements the iteration controller: the single
// generate→critique→evaluate→commit cycle that drives one step of style
// replication for one session. Exactly one iteration may run per session at
// a time; a second caller is rejected rather than queued, via a per-session
// lock registry rather than a single global lock.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/smilemakc/styleforge/internal/blobstore"
	"github.com/smilemakc/styleforge/internal/critic"
	"github.com/smilemakc/styleforge/internal/domain"
	domainerrors "github.com/smilemakc/styleforge/internal/domain/errors"
	"github.com/smilemakc/styleforge/internal/evaluator"
	"github.com/smilemakc/styleforge/internal/generator"
	"github.com/smilemakc/styleforge/internal/progress"
	"github.com/smilemakc/styleforge/internal/promptassembler"
	"github.com/smilemakc/styleforge/internal/storage"
)

// Controller runs the single-iteration cycle.
type Controller struct {
	store     storage.Store
	blobs     *blobstore.Store
	generator *generator.Client
	critic    *critic.Critic
	evaluator *evaluator.Engine
	bus       *progress.Bus

	locks *xsync.MapOf[string, *sync.Mutex]
}

// New builds a Controller over its collaborators. Every dependency is
// passed in explicitly rather than reaching for package-level singletons.
func New(store storage.Store, blobs *blobstore.Store, gen *generator.Client, crit *critic.Critic, eval *evaluator.Engine, bus *progress.Bus) *Controller {
	return &Controller{
		store:     store,
		blobs:     blobs,
		generator: gen,
		critic:    crit,
		evaluator: eval,
		bus:       bus,
		locks:     xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// lockFor returns the per-session mutex, creating it on first use.
func (c *Controller) lockFor(sessionID string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu
}

// RunOnce executes one iteration for sessionID at the given creativity
// level (0-100). It returns SessionBusyError if another iteration for the
// same session is already in flight.
func (c *Controller) RunOnce(ctx context.Context, sessionID string, creativityLevel int) (*domain.Iteration, error) {
	mu := c.lockFor(sessionID)
	if !mu.TryLock() {
		return nil, &domainerrors.SessionBusyError{SessionID: sessionID}
	}
	defer mu.Unlock()

	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.CancelRequested {
		return nil, &domainerrors.CancellationRequestedError{SessionID: sessionID}
	}
	if !session.CanAcceptIteration() {
		return nil, &domainerrors.ValidationError{Field: "session", Message: fmt.Sprintf("session in status %q cannot accept iterations", session.Status)}
	}

	profile, err := c.store.GetLatestProfile(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, &domainerrors.ValidationError{Field: "session", Message: "session has no extracted style profile yet"}
	}

	history, err := c.store.ListIterations(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	iterationNum := len(history) + 1
	isFirstIteration := len(history) == 0

	c.bus.Publish(&progress.Event{
		Type: progress.EventIterationStart, SessionID: sessionID, IterationNum: iterationNum,
		Message: fmt.Sprintf("iteration %d starting", iterationNum),
	})

	recoveryGuidance := lastRecoveryGuidance(history)

	prompt, err := promptassembler.Assemble(profile, history, creativityLevel, recoveryGuidance)
	if err != nil {
		return nil, err
	}

	c.bus.Publish(&progress.Event{Type: progress.EventProgress, SessionID: sessionID, IterationNum: iterationNum, Message: "phase=generate"})
	candidateBytes, err := c.generator.Generate(ctx, prompt)
	if err != nil {
		return c.recordFailure(ctx, sessionID, iterationNum, prompt, err)
	}

	handle, err := c.blobs.Put(sessionID, blobstore.IterationKey(iterationNum), candidateBytes)
	if err != nil {
		return nil, err
	}

	referenceBytes, err := c.blobs.GetHandle(session.ReferenceImageHandle)
	if err != nil {
		return nil, err
	}

	// Cancellation is re-checked at each phase boundary: a flag raised while
	// the generator was running discards this attempt before any row is
	// written. The candidate blob stays behind, orphaned, which is fine.
	if c.cancelRequested(ctx, sessionID) {
		return nil, &domainerrors.CancellationRequestedError{SessionID: sessionID}
	}

	c.bus.Publish(&progress.Event{Type: progress.EventProgress, SessionID: sessionID, IterationNum: iterationNum, Message: "phase=critique"})
	critiqueResult, err := c.critic.Critique(ctx, profile, referenceBytes, candidateBytes, session.ImageDescription, creativityLevel)
	if err != nil {
		return c.recordFailure(ctx, sessionID, iterationNum, prompt, err)
	}

	baselineIter, err := c.store.GetLatestApproved(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var baseline domain.DimensionScores
	if baselineIter != nil {
		baseline = baselineIter.Scores
	}

	decision, err := c.evaluator.Evaluate(critiqueResult.Scores, baseline, isFirstIteration, critiqueResult.LostTraits, critiqueResult.InterestingMutations)
	if err != nil {
		return nil, err
	}

	if c.cancelRequested(ctx, sessionID) {
		return nil, &domainerrors.CancellationRequestedError{SessionID: sessionID}
	}

	it := &domain.Iteration{
		SessionID:            sessionID,
		IterationNum:         iterationNum,
		ImageHandle:          handle,
		PromptText:           prompt,
		Scores:               critiqueResult.Scores,
		PreservedTraits:      critiqueResult.PreservedTraits,
		LostTraits:           critiqueResult.LostTraits,
		InterestingMutations: critiqueResult.InterestingMutations,
		DecisionReason:       decision.Reason,
		RecoveryGuidance:     decision.RecoveryGuidance,
		CreatedAt:            time.Now(),
	}

	if err := c.store.AppendIteration(ctx, it); err != nil {
		return nil, err
	}

	var newProfile *domain.StyleProfile
	if decision.Approved {
		newProfile = critiqueResult.RevisedProfile
	}
	if err := c.store.SetApproval(ctx, sessionID, iterationNum, decision.Approved, decision.Reason, newProfile); err != nil {
		return nil, err
	}
	approved := decision.Approved
	it.Approved = &approved

	c.bus.Publish(&progress.Event{
		Type: progress.EventIterationComplete, SessionID: sessionID, IterationNum: iterationNum,
		Approved: it.Approved, Reason: decision.Reason,
	})

	return it, nil
}

// recordFailure commits a failed iteration row: approved=false,
// reason=ERROR:<msg>, no profile change. The original error is still
// returned so the Auto Loop can detect the errored step and break.
func (c *Controller) recordFailure(ctx context.Context, sessionID string, iterationNum int, prompt string, cause error) (*domain.Iteration, error) {
	reason := fmt.Sprintf("ERROR: %v", cause)
	it := &domain.Iteration{
		SessionID:      sessionID,
		IterationNum:   iterationNum,
		PromptText:     prompt,
		DecisionReason: reason,
		CreatedAt:      time.Now(),
	}

	if err := c.store.AppendIteration(ctx, it); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("controller: failed to record failed iteration")
		return nil, cause
	}
	if err := c.store.SetApproval(ctx, sessionID, iterationNum, false, reason, nil); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("controller: failed to set approval on failed iteration")
	}
	approved := false
	it.Approved = &approved

	c.bus.Publish(&progress.Event{Type: progress.EventError, SessionID: sessionID, IterationNum: iterationNum, Error: cause.Error()})

	return it, cause
}

// cancelRequested re-reads the session's cooperative cancellation flag. A
// store error here is treated as "not cancelled": the commit path will
// surface the real failure on its own.
func (c *Controller) cancelRequested(ctx context.Context, sessionID string) bool {
	sess, err := c.store.GetSession(ctx, sessionID)
	return err == nil && sess.CancelRequested
}

func lastRecoveryGuidance(history []*domain.Iteration) string {
	if len(history) == 0 {
		return ""
	}
	last := history[len(history)-1]
	if last.Approved != nil && !*last.Approved {
		return last.RecoveryGuidance
	}
	return ""
}
