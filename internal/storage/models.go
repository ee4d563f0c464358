// Package storage persists Sessions, StyleProfiles, and Iterations. It
// provides a Postgres-backed store (via bun) for production and an
// in-process memory store for tests, both behind the same interfaces.
package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/smilemakc/styleforge/internal/domain"
)

// SessionModel is the bun row for a Session.
type SessionModel struct {
	bun.BaseModel `bun:"table:sessions,alias:s"`

	ID                   uuid.UUID `bun:"id,pk"`
	Name                 string    `bun:"name"`
	Mode                 string    `bun:"mode"`
	Status               string    `bun:"status"`
	ReferenceImageHandle string    `bun:"reference_image_handle"`
	StyleHints           string    `bun:"style_hints"`
	ImageDescription     string    `bun:"image_description"`
	CancelRequested      bool      `bun:"cancel_requested"`
	CreatedAt            time.Time `bun:"created_at"`
	UpdatedAt            time.Time `bun:"updated_at"`
}

func newSessionModel(s *domain.Session) *SessionModel {
	id, _ := uuid.Parse(s.ID)
	return &SessionModel{
		ID:                   id,
		Name:                 s.Name,
		Mode:                 string(s.Mode),
		Status:               string(s.Status),
		ReferenceImageHandle: s.ReferenceImageHandle,
		StyleHints:           s.StyleHints,
		ImageDescription:     s.ImageDescription,
		CancelRequested:      s.CancelRequested,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

func (m *SessionModel) toDomain() *domain.Session {
	return &domain.Session{
		ID:                   m.ID.String(),
		Name:                 m.Name,
		Mode:                 domain.SessionMode(m.Mode),
		Status:               domain.SessionStatus(m.Status),
		ReferenceImageHandle: m.ReferenceImageHandle,
		StyleHints:           m.StyleHints,
		ImageDescription:     m.ImageDescription,
		CancelRequested:      m.CancelRequested,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
}

// StyleProfileModel is the bun row for one version of a Session's
// StyleProfile. Rows are append-only: never updated after insert.
type StyleProfileModel struct {
	bun.BaseModel `bun:"table:style_profiles,alias:sp"`

	SessionID uuid.UUID `bun:"session_id,pk"`
	Version   int       `bun:"version,pk"`
	Frozen    []byte    `bun:"frozen_identity,type:jsonb"`
	Style     []byte    `bun:"refinable_style,type:jsonb"`
	CreatedAt time.Time `bun:"created_at"`
}

func newStyleProfileModel(p *domain.StyleProfile) (*StyleProfileModel, error) {
	sessionID, err := uuid.Parse(p.SessionID)
	if err != nil {
		return nil, err
	}
	frozen, err := json.Marshal(p.Frozen)
	if err != nil {
		return nil, err
	}
	style, err := json.Marshal(p.Style)
	if err != nil {
		return nil, err
	}
	return &StyleProfileModel{
		SessionID: sessionID,
		Version:   p.Version,
		Frozen:    frozen,
		Style:     style,
		CreatedAt: p.CreatedAt,
	}, nil
}

func (m *StyleProfileModel) toDomain() (*domain.StyleProfile, error) {
	p := &domain.StyleProfile{
		SessionID: m.SessionID.String(),
		Version:   m.Version,
		CreatedAt: m.CreatedAt,
	}
	if err := json.Unmarshal(m.Frozen, &p.Frozen); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(m.Style, &p.Style); err != nil {
		return nil, err
	}
	return p, nil
}

// IterationModel is the bun row for one Iteration. IterationNum increases
// strictly within a session and is never reused.
type IterationModel struct {
	bun.BaseModel `bun:"table:iterations,alias:it"`

	SessionID            uuid.UUID `bun:"session_id,pk"`
	IterationNum         int       `bun:"iteration_num,pk"`
	ImageHandle          string    `bun:"image_handle"`
	PromptText           string    `bun:"prompt_text"`
	Scores               []byte    `bun:"scores,type:jsonb"`
	PreservedTraits      []byte    `bun:"preserved_traits,type:jsonb"`
	LostTraits           []byte    `bun:"lost_traits,type:jsonb"`
	InterestingMutations []byte    `bun:"interesting_mutations,type:jsonb"`
	Approved             *bool     `bun:"approved"`
	UserNote             string    `bun:"user_note"`
	DecisionReason       string    `bun:"decision_reason"`
	RecoveryGuidance     string    `bun:"recovery_guidance"`
	CreatedAt            time.Time `bun:"created_at"`
}

func newIterationModel(it *domain.Iteration) (*IterationModel, error) {
	sessionID, err := uuid.Parse(it.SessionID)
	if err != nil {
		return nil, err
	}
	scores, err := json.Marshal(it.Scores)
	if err != nil {
		return nil, err
	}
	preserved, _ := json.Marshal(it.PreservedTraits)
	lost, _ := json.Marshal(it.LostTraits)
	mutations, _ := json.Marshal(it.InterestingMutations)
	return &IterationModel{
		SessionID:            sessionID,
		IterationNum:         it.IterationNum,
		ImageHandle:          it.ImageHandle,
		PromptText:           it.PromptText,
		Scores:               scores,
		PreservedTraits:      preserved,
		LostTraits:           lost,
		InterestingMutations: mutations,
		Approved:             it.Approved,
		UserNote:             it.UserNote,
		DecisionReason:       it.DecisionReason,
		RecoveryGuidance:     it.RecoveryGuidance,
		CreatedAt:            it.CreatedAt,
	}, nil
}

func (m *IterationModel) toDomain() (*domain.Iteration, error) {
	it := &domain.Iteration{
		SessionID:        m.SessionID.String(),
		IterationNum:     m.IterationNum,
		ImageHandle:      m.ImageHandle,
		PromptText:       m.PromptText,
		Approved:         m.Approved,
		UserNote:         m.UserNote,
		DecisionReason:   m.DecisionReason,
		RecoveryGuidance: m.RecoveryGuidance,
		CreatedAt:        m.CreatedAt,
	}
	if err := json.Unmarshal(m.Scores, &it.Scores); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(m.PreservedTraits, &it.PreservedTraits)
	_ = json.Unmarshal(m.LostTraits, &it.LostTraits)
	_ = json.Unmarshal(m.InterestingMutations, &it.InterestingMutations)
	return it, nil
}

// TrainedStyleModel is the bun row for an exported TrainedStyle.
type TrainedStyleModel struct {
	bun.BaseModel `bun:"table:trained_styles,alias:ts"`

	ID                        uuid.UUID `bun:"id,pk"`
	SessionID                 uuid.UUID `bun:"session_id"`
	Name                      string    `bun:"name"`
	Description               string    `bun:"description"`
	Tags                      []byte    `bun:"tags,type:jsonb"`
	IterationCount            int       `bun:"iteration_count"`
	FinalScores               []byte    `bun:"final_scores,type:jsonb"`
	RepresentativeImageHandle string    `bun:"representative_image_handle"`
	Profile                   []byte    `bun:"profile,type:jsonb"`
	CreatedAt                 time.Time `bun:"created_at"`
}

func newTrainedStyleModel(t *domain.TrainedStyle) (*TrainedStyleModel, error) {
	id, err := uuid.Parse(t.ID)
	if err != nil {
		return nil, err
	}
	sessionID, err := uuid.Parse(t.SessionID)
	if err != nil {
		return nil, err
	}
	tags, _ := json.Marshal(t.Tags)
	scores, _ := json.Marshal(t.FinalScores)
	profile, err := json.Marshal(t.Profile)
	if err != nil {
		return nil, err
	}
	return &TrainedStyleModel{
		ID:                        id,
		SessionID:                 sessionID,
		Name:                      t.Name,
		Description:               t.Description,
		Tags:                      tags,
		IterationCount:            t.IterationCount,
		FinalScores:               scores,
		RepresentativeImageHandle: t.RepresentativeImageHandle,
		Profile:                   profile,
		CreatedAt:                 t.CreatedAt,
	}, nil
}

func (m *TrainedStyleModel) toDomain() (*domain.TrainedStyle, error) {
	t := &domain.TrainedStyle{
		ID:                        m.ID.String(),
		SessionID:                 m.SessionID.String(),
		Name:                      m.Name,
		Description:               m.Description,
		IterationCount:            m.IterationCount,
		RepresentativeImageHandle: m.RepresentativeImageHandle,
		CreatedAt:                 m.CreatedAt,
	}
	_ = json.Unmarshal(m.Tags, &t.Tags)
	_ = json.Unmarshal(m.FinalScores, &t.FinalScores)
	if err := json.Unmarshal(m.Profile, &t.Profile); err != nil {
		return nil, err
	}
	return t, nil
}
