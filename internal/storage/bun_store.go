package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/smilemakc/styleforge/internal/domain"
	domainerrors "github.com/smilemakc/styleforge/internal/domain/errors"
)

// BunStore is the Postgres-backed Store: sql.OpenDB over pgdriver,
// bun.NewDB with pgdialect, per-entity models, RunInTx for multi-row
// invariants.
type BunStore struct {
	db *bun.DB
}

// NewBunStore opens a connection pool against dsn.
func NewBunStore(dsn string) *BunStore {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	return &BunStore{db: db}
}

// InitSchema creates every table this store owns if it does not exist yet.
func (s *BunStore) InitSchema(ctx context.Context) error {
	models := []interface{}{
		(*SessionModel)(nil),
		(*StyleProfileModel)(nil),
		(*IterationModel)(nil),
		(*TrainedStyleModel)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	return nil
}

func (s *BunStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	model := newSessionModel(sess)
	_, err := s.db.NewInsert().Model(model).Exec(ctx)
	return err
}

func (s *BunStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, domainerrors.NewValidationError("id", "not a valid uuid")
	}
	model := new(SessionModel)
	if err := s.db.NewSelect().Model(model).Where("id = ?", uid).Scan(ctx); err != nil {
		if err == sql.ErrNoRows {
			return nil, &domainerrors.NotFoundError{Kind: "session", ID: id}
		}
		return nil, err
	}
	return model.toDomain(), nil
}

func (s *BunStore) UpdateSession(ctx context.Context, sess *domain.Session) error {
	sess.UpdatedAt = time.Now()
	model := newSessionModel(sess)
	_, err := s.db.NewUpdate().Model(model).WherePK().Exec(ctx)
	return err
}

// DeleteSession removes the session row and its child profile/iteration
// rows in one transaction. TrainedStyle rows are decoupled and untouched.
func (s *BunStore) DeleteSession(ctx context.Context, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return domainerrors.NewValidationError("id", "not a valid uuid")
	}
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*IterationModel)(nil)).Where("session_id = ?", uid).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model((*StyleProfileModel)(nil)).Where("session_id = ?", uid).Exec(ctx); err != nil {
			return err
		}
		res, err := tx.NewDelete().Model((*SessionModel)(nil)).Where("id = ?", uid).Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return &domainerrors.NotFoundError{Kind: "session", ID: id}
		}
		return nil
	})
}

func (s *BunStore) AppendProfile(ctx context.Context, profile *domain.StyleProfile) error {
	latest, err := s.GetLatestProfile(ctx, profile.SessionID)
	if err != nil {
		return err
	}
	if latest != nil && profile.Version != latest.Version+1 {
		return &domainerrors.IntegrityViolationError{
			Component: "profile_store",
			Message:   fmt.Sprintf("version %d is not the successor of %d", profile.Version, latest.Version),
		}
	}
	if latest == nil && profile.Version != 1 {
		return &domainerrors.IntegrityViolationError{Component: "profile_store", Message: "first profile version must be 1"}
	}

	model, err := newStyleProfileModel(profile)
	if err != nil {
		return err
	}
	_, err = s.db.NewInsert().Model(model).Exec(ctx)
	return err
}

func (s *BunStore) GetLatestProfile(ctx context.Context, sessionID string) (*domain.StyleProfile, error) {
	uid, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, domainerrors.NewValidationError("session_id", "not a valid uuid")
	}
	model := new(StyleProfileModel)
	err = s.db.NewSelect().Model(model).
		Where("session_id = ?", uid).
		OrderExpr("version DESC").
		Limit(1).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.toDomain()
}

func (s *BunStore) GetProfileVersion(ctx context.Context, sessionID string, version int) (*domain.StyleProfile, error) {
	uid, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, domainerrors.NewValidationError("session_id", "not a valid uuid")
	}
	model := new(StyleProfileModel)
	if err := s.db.NewSelect().Model(model).Where("session_id = ? AND version = ?", uid, version).Scan(ctx); err != nil {
		if err == sql.ErrNoRows {
			return nil, &domainerrors.NotFoundError{Kind: "profile_version", ID: sessionID}
		}
		return nil, err
	}
	return model.toDomain()
}

func (s *BunStore) GetLatestApprovedProfile(ctx context.Context, sessionID string) (*domain.StyleProfile, error) {
	uid, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, domainerrors.NewValidationError("session_id", "not a valid uuid")
	}
	approved, err := s.db.NewSelect().Model((*IterationModel)(nil)).
		Where("session_id = ? AND approved = TRUE", uid).
		Count(ctx)
	if err != nil {
		return nil, err
	}
	profile, err := s.GetProfileVersion(ctx, sessionID, 1+approved)
	if err != nil {
		var notFound *domainerrors.NotFoundError
		if errors.As(err, &notFound) {
			return s.GetLatestProfile(ctx, sessionID)
		}
		return nil, err
	}
	return profile, nil
}

func (s *BunStore) AppendIteration(ctx context.Context, it *domain.Iteration) error {
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		model, err := newIterationModel(it)
		if err != nil {
			return err
		}
		var latest int
		if err := tx.NewSelect().Model((*IterationModel)(nil)).
			ColumnExpr("COALESCE(MAX(iteration_num), 0)").
			Where("session_id = ?", model.SessionID).
			Scan(ctx, &latest); err != nil {
			return err
		}
		if it.IterationNum != latest+1 {
			return &domainerrors.IntegrityViolationError{Component: "iteration_store", Message: "iteration_num is not the successor of the latest iteration"}
		}
		_, err = tx.NewInsert().Model(model).Exec(ctx)
		return err
	})
}

func (s *BunStore) GetIteration(ctx context.Context, sessionID string, iterationNum int) (*domain.Iteration, error) {
	uid, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, domainerrors.NewValidationError("session_id", "not a valid uuid")
	}
	model := new(IterationModel)
	if err := s.db.NewSelect().Model(model).Where("session_id = ? AND iteration_num = ?", uid, iterationNum).Scan(ctx); err != nil {
		if err == sql.ErrNoRows {
			return nil, &domainerrors.NotFoundError{Kind: "iteration", ID: sessionID}
		}
		return nil, err
	}
	return model.toDomain()
}

func (s *BunStore) ListIterations(ctx context.Context, sessionID string) ([]*domain.Iteration, error) {
	uid, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, domainerrors.NewValidationError("session_id", "not a valid uuid")
	}
	var models []IterationModel
	if err := s.db.NewSelect().Model(&models).Where("session_id = ?", uid).OrderExpr("iteration_num ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*domain.Iteration, 0, len(models))
	for i := range models {
		it, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

func (s *BunStore) GetLatestApproved(ctx context.Context, sessionID string) (*domain.Iteration, error) {
	uid, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, domainerrors.NewValidationError("session_id", "not a valid uuid")
	}
	model := new(IterationModel)
	err = s.db.NewSelect().Model(model).
		Where("session_id = ? AND approved = TRUE", uid).
		OrderExpr("iteration_num DESC").
		Limit(1).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.toDomain()
}

// SetApproval atomically records the decision and, when approved, appends
// newProfile as the next profile version in the same transaction: a profile
// revision can never outlive its approving iteration or vice versa.
func (s *BunStore) SetApproval(ctx context.Context, sessionID string, iterationNum int, approved bool, reason string, newProfile *domain.StyleProfile) error {
	uid, err := uuid.Parse(sessionID)
	if err != nil {
		return domainerrors.NewValidationError("session_id", "not a valid uuid")
	}

	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewUpdate().Model((*IterationModel)(nil)).
			Set("approved = ?", approved).
			Set("decision_reason = ?", reason).
			Where("session_id = ? AND iteration_num = ?", uid, iterationNum).
			Exec(ctx)
		if err != nil {
			return err
		}

		if approved && newProfile != nil {
			profileModel, err := newStyleProfileModel(newProfile)
			if err != nil {
				return err
			}
			if _, err := tx.NewInsert().Model(profileModel).Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BunStore) SetUserNote(ctx context.Context, sessionID string, iterationNum int, note string) error {
	uid, err := uuid.Parse(sessionID)
	if err != nil {
		return domainerrors.NewValidationError("session_id", "not a valid uuid")
	}
	_, err = s.db.NewUpdate().Model((*IterationModel)(nil)).
		Set("user_note = ?", note).
		Where("session_id = ? AND iteration_num = ?", uid, iterationNum).
		Exec(ctx)
	return err
}

func (s *BunStore) SaveTrainedStyle(ctx context.Context, t *domain.TrainedStyle) error {
	model, err := newTrainedStyleModel(t)
	if err != nil {
		return err
	}
	_, err = s.db.NewInsert().Model(model).On("CONFLICT (id) DO UPDATE").Exec(ctx)
	return err
}

func (s *BunStore) GetTrainedStyle(ctx context.Context, id string) (*domain.TrainedStyle, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, domainerrors.NewValidationError("id", "not a valid uuid")
	}
	model := new(TrainedStyleModel)
	if err := s.db.NewSelect().Model(model).Where("id = ?", uid).Scan(ctx); err != nil {
		if err == sql.ErrNoRows {
			return nil, &domainerrors.NotFoundError{Kind: "trained_style", ID: id}
		}
		return nil, err
	}
	return model.toDomain()
}

func (s *BunStore) ListTrainedStylesBySession(ctx context.Context, sessionID string) ([]*domain.TrainedStyle, error) {
	uid, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, domainerrors.NewValidationError("session_id", "not a valid uuid")
	}
	var models []TrainedStyleModel
	if err := s.db.NewSelect().Model(&models).Where("session_id = ?", uid).OrderExpr("created_at ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*domain.TrainedStyle, 0, len(models))
	for i := range models {
		t, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
