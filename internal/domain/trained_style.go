package domain

import "time"

// TrainedStyle is the exported, reusable artifact produced once a session's
// StyleProfile has converged: a named style plus the evidence trail that
// justified freezing it.
type TrainedStyle struct {
	ID                       string          `json:"id"`
	SessionID                string          `json:"session_id"`
	Name                     string          `json:"name"`
	Description              string          `json:"description"`
	Tags                     []string        `json:"tags"`
	IterationCount           int             `json:"iteration_count"`
	FinalScores              DimensionScores `json:"final_scores"`
	RepresentativeImageHandle string         `json:"representative_image_handle"`
	Profile                  StyleProfile    `json:"profile"`
	CreatedAt                time.Time       `json:"created_at"`
}
