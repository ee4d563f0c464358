package storage

import (
	"context"

	"github.com/smilemakc/styleforge/internal/domain"
)

// SessionStore persists Session rows.
type SessionStore interface {
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	UpdateSession(ctx context.Context, s *domain.Session) error
	// DeleteSession removes the session and every profile and iteration row
	// it owns in one transaction. TrainedStyles exported from the session
	// are decoupled and survive.
	DeleteSession(ctx context.Context, id string) error
}

// ProfileStore is the append-only, versioned store for StyleProfiles.
type ProfileStore interface {
	// AppendProfile inserts profile as the next version for its session.
	// Callers set profile.Version to GetLatestProfile's version+1;
	// AppendProfile rejects a non-monotonic version with
	// IntegrityViolationError.
	AppendProfile(ctx context.Context, profile *domain.StyleProfile) error
	GetLatestProfile(ctx context.Context, sessionID string) (*domain.StyleProfile, error)
	GetProfileVersion(ctx context.Context, sessionID string, version int) (*domain.StyleProfile, error)
	// GetLatestApprovedProfile returns the profile version that was current
	// immediately after the session's most recent approved iteration: version
	// 1 + count(approved iterations). With no approved iterations that is v1;
	// with no profiles at all it returns (nil, nil).
	GetLatestApprovedProfile(ctx context.Context, sessionID string) (*domain.StyleProfile, error)
}

// IterationStore is the append-only store for Iterations, plus the
// approval-decision update path.
type IterationStore interface {
	// AppendIteration inserts it as the next iteration_num for its session.
	// Rejects a non-monotonic iteration_num with IntegrityViolationError.
	AppendIteration(ctx context.Context, it *domain.Iteration) error
	GetIteration(ctx context.Context, sessionID string, iterationNum int) (*domain.Iteration, error)
	ListIterations(ctx context.Context, sessionID string) ([]*domain.Iteration, error)
	GetLatestApproved(ctx context.Context, sessionID string) (*domain.Iteration, error)
	// SetApproval atomically records a decision on an existing iteration and,
	// when approved, appends newProfile as the session's next StyleProfile
	// version in the same transaction.
	SetApproval(ctx context.Context, sessionID string, iterationNum int, approved bool, reason string, newProfile *domain.StyleProfile) error
	// SetUserNote attaches a human review note to an iteration, used by the
	// training-mode feedback endpoint. It does not alter Approved/reason.
	SetUserNote(ctx context.Context, sessionID string, iterationNum int, note string) error
}

// TrainedStyleStore persists exported TrainedStyle artifacts.
type TrainedStyleStore interface {
	SaveTrainedStyle(ctx context.Context, t *domain.TrainedStyle) error
	GetTrainedStyle(ctx context.Context, id string) (*domain.TrainedStyle, error)
	ListTrainedStylesBySession(ctx context.Context, sessionID string) ([]*domain.TrainedStyle, error)
}

// Store composes every persistence concern the engine needs.
type Store interface {
	SessionStore
	ProfileStore
	IterationStore
	TrainedStyleStore
}
