package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/smilemakc/styleforge/internal/domain"
	domainerrors "github.com/smilemakc/styleforge/internal/domain/errors"
)

// MemoryStore is a plain-map Store implementation for tests: one mutex,
// one map per entity kind.
type MemoryStore struct {
	mu             sync.RWMutex
	sessions       map[string]*domain.Session
	profiles       map[string][]*domain.StyleProfile // sessionID -> versions, index 0 = version 1
	iterations     map[string][]*domain.Iteration    // sessionID -> iterations, index 0 = iteration 1
	trainedStyles  map[string]*domain.TrainedStyle
}

// NewMemoryStore returns an empty in-process Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]*domain.Session),
		profiles:      make(map[string][]*domain.StyleProfile),
		iterations:    make(map[string][]*domain.Iteration),
		trainedStyles: make(map[string]*domain.TrainedStyle),
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, &domainerrors.NotFoundError{Kind: "session", ID: id}
	}
	return sess, nil
}

func (s *MemoryStore) UpdateSession(ctx context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return &domainerrors.NotFoundError{Kind: "session", ID: id}
	}
	delete(s.sessions, id)
	delete(s.profiles, id)
	delete(s.iterations, id)
	return nil
}

func (s *MemoryStore) AppendProfile(ctx context.Context, profile *domain.StyleProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.profiles[profile.SessionID]
	expected := len(existing) + 1
	if profile.Version != expected {
		return &domainerrors.IntegrityViolationError{
			Component: "profile_store",
			Message:   "version is not the successor of the latest stored version",
		}
	}
	s.profiles[profile.SessionID] = append(existing, profile)
	return nil
}

func (s *MemoryStore) GetLatestProfile(ctx context.Context, sessionID string) (*domain.StyleProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.profiles[sessionID]
	if len(versions) == 0 {
		return nil, nil
	}
	return versions[len(versions)-1], nil
}

func (s *MemoryStore) GetProfileVersion(ctx context.Context, sessionID string, version int) (*domain.StyleProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.profiles[sessionID]
	if version < 1 || version > len(versions) {
		return nil, &domainerrors.NotFoundError{Kind: "profile_version", ID: sessionID}
	}
	return versions[version-1], nil
}

func (s *MemoryStore) GetLatestApprovedProfile(ctx context.Context, sessionID string) (*domain.StyleProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.profiles[sessionID]
	if len(versions) == 0 {
		return nil, nil
	}
	approved := 0
	for _, it := range s.iterations[sessionID] {
		if it.Approved != nil && *it.Approved {
			approved++
		}
	}
	version := 1 + approved
	if version > len(versions) {
		version = len(versions)
	}
	return versions[version-1], nil
}

func (s *MemoryStore) AppendIteration(ctx context.Context, it *domain.Iteration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.iterations[it.SessionID]
	expected := len(existing) + 1
	if it.IterationNum != expected {
		return &domainerrors.IntegrityViolationError{
			Component: "iteration_store",
			Message:   "iteration_num is not the successor of the latest stored iteration",
		}
	}
	s.iterations[it.SessionID] = append(existing, it)
	return nil
}

func (s *MemoryStore) GetIteration(ctx context.Context, sessionID string, iterationNum int) (*domain.Iteration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.iterations[sessionID]
	if iterationNum < 1 || iterationNum > len(list) {
		return nil, &domainerrors.NotFoundError{Kind: "iteration", ID: sessionID}
	}
	return list[iterationNum-1], nil
}

func (s *MemoryStore) ListIterations(ctx context.Context, sessionID string) ([]*domain.Iteration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.iterations[sessionID]
	out := make([]*domain.Iteration, len(list))
	copy(out, list)
	return out, nil
}

func (s *MemoryStore) GetLatestApproved(ctx context.Context, sessionID string) (*domain.Iteration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.iterations[sessionID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Approved != nil && *list[i].Approved {
			return list[i], nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) SetApproval(ctx context.Context, sessionID string, iterationNum int, approved bool, reason string, newProfile *domain.StyleProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.iterations[sessionID]
	if iterationNum < 1 || iterationNum > len(list) {
		return &domainerrors.IntegrityViolationError{Component: "iteration_store", Message: "iteration not found"}
	}
	it := list[iterationNum-1]
	it.Approved = &approved
	it.DecisionReason = reason

	if approved && newProfile != nil {
		existing := s.profiles[sessionID]
		expected := len(existing) + 1
		if newProfile.Version != expected {
			return &domainerrors.IntegrityViolationError{
				Component: "profile_store",
				Message:   "version is not the successor of the latest stored version",
			}
		}
		s.profiles[sessionID] = append(existing, newProfile)
	}
	return nil
}

func (s *MemoryStore) SetUserNote(ctx context.Context, sessionID string, iterationNum int, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.iterations[sessionID]
	if iterationNum < 1 || iterationNum > len(list) {
		return &domainerrors.IntegrityViolationError{Component: "iteration_store", Message: "iteration not found"}
	}
	list[iterationNum-1].UserNote = note
	return nil
}

func (s *MemoryStore) SaveTrainedStyle(ctx context.Context, t *domain.TrainedStyle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trainedStyles[t.ID] = t
	return nil
}

func (s *MemoryStore) GetTrainedStyle(ctx context.Context, id string) (*domain.TrainedStyle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trainedStyles[id]
	if !ok {
		return nil, &domainerrors.NotFoundError{Kind: "trained_style", ID: id}
	}
	return t, nil
}

func (s *MemoryStore) ListTrainedStylesBySession(ctx context.Context, sessionID string) ([]*domain.TrainedStyle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.TrainedStyle
	for _, t := range s.trainedStyles {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
