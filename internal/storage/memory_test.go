package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smilemakc/styleforge/internal/domain"
)

func TestAppendProfileEnforcesMonotonicVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AppendProfile(ctx, &domain.StyleProfile{SessionID: "sess-1", Version: 1, CreatedAt: time.Now()}))
	err := s.AppendProfile(ctx, &domain.StyleProfile{SessionID: "sess-1", Version: 3, CreatedAt: time.Now()})
	require.Error(t, err)

	require.NoError(t, s.AppendProfile(ctx, &domain.StyleProfile{SessionID: "sess-1", Version: 2, CreatedAt: time.Now()}))
	latest, err := s.GetLatestProfile(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)
}

func TestAppendIterationEnforcesMonotonicNumber(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AppendIteration(ctx, &domain.Iteration{SessionID: "sess-1", IterationNum: 1, CreatedAt: time.Now()}))
	err := s.AppendIteration(ctx, &domain.Iteration{SessionID: "sess-1", IterationNum: 1, CreatedAt: time.Now()})
	require.Error(t, err)
}

func TestSetApprovalAppendsProfileAtomically(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AppendProfile(ctx, &domain.StyleProfile{SessionID: "sess-1", Version: 1, CreatedAt: time.Now()}))
	require.NoError(t, s.AppendIteration(ctx, &domain.Iteration{SessionID: "sess-1", IterationNum: 1, CreatedAt: time.Now()}))

	newProfile := &domain.StyleProfile{SessionID: "sess-1", Version: 2, CreatedAt: time.Now()}
	require.NoError(t, s.SetApproval(ctx, "sess-1", 1, true, "good match", newProfile))

	it, err := s.GetIteration(ctx, "sess-1", 1)
	require.NoError(t, err)
	require.NotNil(t, it.Approved)
	require.True(t, *it.Approved)

	latest, err := s.GetLatestProfile(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)
}

func TestGetLatestApprovedSkipsRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AppendIteration(ctx, &domain.Iteration{SessionID: "sess-1", IterationNum: 1, CreatedAt: time.Now()}))
	require.NoError(t, s.AppendIteration(ctx, &domain.Iteration{SessionID: "sess-1", IterationNum: 2, CreatedAt: time.Now()}))
	require.NoError(t, s.SetApproval(ctx, "sess-1", 1, false, "too different", nil))
	require.NoError(t, s.SetApproval(ctx, "sess-1", 2, true, "converged", nil))

	latest, err := s.GetLatestApproved(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 2, latest.IterationNum)
}

func TestGetLatestApprovedProfileFollowsApprovals(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AppendProfile(ctx, &domain.StyleProfile{SessionID: "sess-1", Version: 1, CreatedAt: time.Now()}))

	// No iterations yet: the latest approved profile is v1.
	p, err := s.GetLatestApprovedProfile(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, p.Version)

	require.NoError(t, s.AppendIteration(ctx, &domain.Iteration{SessionID: "sess-1", IterationNum: 1, CreatedAt: time.Now()}))
	require.NoError(t, s.SetApproval(ctx, "sess-1", 1, true, "baseline", &domain.StyleProfile{SessionID: "sess-1", Version: 2, CreatedAt: time.Now()}))
	require.NoError(t, s.AppendIteration(ctx, &domain.Iteration{SessionID: "sess-1", IterationNum: 2, CreatedAt: time.Now()}))
	require.NoError(t, s.SetApproval(ctx, "sess-1", 2, false, "regressed", nil))

	p, err = s.GetLatestApprovedProfile(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 2, p.Version)
}

func TestDeleteSessionCascadesRowsButKeepsTrainedStyles(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateSession(ctx, &domain.Session{ID: "sess-1", CreatedAt: time.Now()}))
	require.NoError(t, s.AppendProfile(ctx, &domain.StyleProfile{SessionID: "sess-1", Version: 1, CreatedAt: time.Now()}))
	require.NoError(t, s.AppendIteration(ctx, &domain.Iteration{SessionID: "sess-1", IterationNum: 1, CreatedAt: time.Now()}))
	require.NoError(t, s.SaveTrainedStyle(ctx, &domain.TrainedStyle{ID: "style-1", SessionID: "sess-1", Name: "fox", CreatedAt: time.Now()}))

	require.NoError(t, s.DeleteSession(ctx, "sess-1"))

	_, err := s.GetSession(ctx, "sess-1")
	require.Error(t, err)
	latest, err := s.GetLatestProfile(ctx, "sess-1")
	require.NoError(t, err)
	require.Nil(t, latest)
	iterations, err := s.ListIterations(ctx, "sess-1")
	require.NoError(t, err)
	require.Empty(t, iterations)

	trained, err := s.GetTrainedStyle(ctx, "style-1")
	require.NoError(t, err)
	require.Equal(t, "fox", trained.Name)

	require.Error(t, s.DeleteSession(ctx, "sess-1"))
}
