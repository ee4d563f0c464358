// Package domain holds the core entities of the style-replication engine:
// Session, StyleProfile, Iteration, and TrainedStyle. These are plain
// structs with JSON tags so they can cross the VLM/storage/progress-bus
// boundaries without adapters.
package domain

import "time"

// SessionMode distinguishes an interactively-reviewed training run from an
// unattended auto-loop run.
type SessionMode string

const (
	SessionModeTraining SessionMode = "training"
	SessionModeAuto     SessionMode = "auto"
)

// SessionStatus tracks the session lifecycle.
type SessionStatus string

const (
	SessionStatusCreated    SessionStatus = "created"
	SessionStatusExtracting SessionStatus = "extracting"
	SessionStatusReady      SessionStatus = "ready"
	SessionStatusActive     SessionStatus = "active"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusError      SessionStatus = "error"
	SessionStatusCancelled  SessionStatus = "cancelled"
)

// Session is the top-level unit of work: one reference image, one evolving
// StyleProfile, and the ordered Iterations produced against it.
type Session struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Mode                SessionMode   `json:"mode"`
	Status              SessionStatus `json:"status"`
	ReferenceImageHandle string       `json:"reference_image_handle"`
	StyleHints          string        `json:"style_hints,omitempty"`
	// ImageDescription is the free-prose description of the reference image
	// captured at extraction time, spliced into later critique prompts.
	ImageDescription string `json:"image_description,omitempty"`
	CancelRequested     bool          `json:"cancel_requested"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// CanAcceptIteration reports whether the session is in a status from which
// another iteration may be run. Completed is included: a completed session
// re-enters active when the user runs more iterations. Created/extracting
// sessions have no profile to iterate against yet, and error/cancelled are
// terminal.
func (s *Session) CanAcceptIteration() bool {
	switch s.Status {
	case SessionStatusReady, SessionStatusActive, SessionStatusCompleted:
		return true
	default:
		return false
	}
}
