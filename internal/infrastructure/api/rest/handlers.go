package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/smilemakc/styleforge/internal/blobstore"
	"github.com/smilemakc/styleforge/internal/domain"
	domainerrors "github.com/smilemakc/styleforge/internal/domain/errors"
	"github.com/smilemakc/styleforge/internal/progress"
)

// maxReferenceUpload bounds the multipart form's in-memory parse.
const maxReferenceUpload = 32 << 20

// handleCreateSession ingests a reference image plus name/mode/style hints
// and creates a Session row in the `created` state.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxReferenceUpload); err != nil {
		writeError(w, domainerrors.NewValidationError("body", "expected multipart/form-data with a reference_image file"))
		return
	}

	name := r.FormValue("name")
	if name == "" {
		writeError(w, domainerrors.NewValidationError("name", "required"))
		return
	}
	mode := domain.SessionMode(r.FormValue("mode"))
	if mode != domain.SessionModeTraining && mode != domain.SessionModeAuto {
		writeError(w, domainerrors.NewValidationError("mode", "must be 'training' or 'auto'"))
		return
	}

	file, _, err := r.FormFile("reference_image")
	if err != nil {
		writeError(w, domainerrors.NewValidationError("reference_image", "required file field"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, domainerrors.NewValidationError("reference_image", "could not read upload"))
		return
	}

	sessionID := uuid.NewString()
	handle, err := s.blobs.Put(sessionID, blobstore.ReferenceKey, data)
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now()
	sess := &domain.Session{
		ID:                   sessionID,
		Name:                 name,
		Mode:                 mode,
		Status:               domain.SessionStatusCreated,
		ReferenceImageHandle: handle,
		StyleHints:           r.FormValue("style_hints"),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleGetSession returns a session's current row.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleDeleteSession removes a session with all of its profile and
// iteration rows, then its blob directory. Exported TrainedStyles survive.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := s.store.DeleteSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.blobs.DeleteSession(sessionID); err != nil {
		s.logger.Warn("session rows deleted but blob cleanup failed", "session_id", sessionID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExtract runs the extraction pipeline once for a session: 409
// if the session has already left the `created` state.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("id")

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.Status != domain.SessionStatusCreated {
		writeError(w, &domainerrors.SessionBusyError{SessionID: sessionID})
		return
	}

	sess.Status = domain.SessionStatusExtracting
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		writeError(w, err)
		return
	}

	referenceBytes, err := s.blobs.GetHandle(sess.ReferenceImageHandle)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.extractor.Extract(ctx, sessionID, referenceBytes, sess.StyleHints)
	if err != nil {
		sess.Status = domain.SessionStatusError
		_ = s.store.UpdateSession(ctx, sess)
		writeError(w, err)
		return
	}
	result.Profile.CreatedAt = time.Now()

	if err := s.store.AppendProfile(ctx, result.Profile); err != nil {
		sess.Status = domain.SessionStatusError
		_ = s.store.UpdateSession(ctx, sess)
		writeError(w, err)
		return
	}

	sess.Status = domain.SessionStatusReady
	sess.ImageDescription = result.ImageDescription
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result.Profile)
}

// iterateOnceRequest carries the single knob iterate-once accepts beyond
// the path's session id: the creativity level for this attempt.
type iterateOnceRequest struct {
	CreativityLevel int `json:"creativity_level"`
}

// handleIterateOnce runs one controller iteration. A SessionBusyError from the
// Controller's per-session lock surfaces as 409 via writeError.
func (s *Server) handleIterateOnce(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("id")

	req := iterateOnceRequest{CreativityLevel: s.creativityDefault}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, domainerrors.NewValidationError("body", "malformed json"))
			return
		}
	}

	it, err := s.controller.RunOnce(ctx, sessionID, req.CreativityLevel)
	if err != nil {
		if it == nil {
			// No row was committed: a validation/session-busy/store failure,
			// not a recorded failed iteration.
			writeError(w, err)
			return
		}
		// The generator or critic failed after exhaustion; the Controller
		// still committed an approved=false "ERROR:" iteration row.
		s.touchSessionStatus(ctx, sessionID, domain.SessionStatusError)
		writeJSON(w, http.StatusOK, it)
		return
	}

	// Iterating keeps (or re-enters) the active state; only finalize and the
	// auto loop's explicit target_score convergence mark a session completed.
	s.touchSessionStatus(ctx, sessionID, domain.SessionStatusActive)

	writeJSON(w, http.StatusOK, it)
}

// iterateAutoRequest is the Auto Loop's input envelope.
type iterateAutoRequest struct {
	MaxIterations   int `json:"max_iterations"`
	TargetScore     int `json:"target_score"`
	CreativityLevel int `json:"creativity_level"`
}

// handleIterateAuto runs the auto loop to completion or cancellation/error and
// returns its aggregate report.
func (s *Server) handleIterateAuto(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("id")

	req := iterateAutoRequest{MaxIterations: 10, TargetScore: 70, CreativityLevel: s.creativityDefault}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, domainerrors.NewValidationError("body", "malformed json"))
			return
		}
	}
	if req.MaxIterations <= 0 {
		writeError(w, domainerrors.NewValidationError("max_iterations", "must be positive"))
		return
	}

	report := s.autoloop.Run(ctx, sessionID, req.MaxIterations, req.TargetScore, req.CreativityLevel)

	status := domain.SessionStatusActive
	switch {
	case report.TargetReached:
		status = domain.SessionStatusCompleted
	case report.Err != nil:
		status = domain.SessionStatusError
	}
	s.touchSessionStatus(ctx, sessionID, status)

	writeJSON(w, http.StatusOK, report)
}

// feedbackRequest is the training-mode human review envelope: a free-form
// note attached to an already-decided iteration. The Evaluator, not a
// human, is the single source of the approve/reject decision; this
// endpoint lets a trainer record agreement/disagreement without re-opening
// the append-only iteration/profile invariant.
type feedbackRequest struct {
	Note string `json:"note"`
}

// handleFeedback attaches a human review note to an iteration. 404 if the
// iteration doesn't exist; 409 if a note has already been recorded.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("id")
	num, err := parsePathInt(r.PathValue("num"))
	if err != nil {
		writeError(w, domainerrors.NewValidationError("num", "must be an integer"))
		return
	}

	it, err := s.store.GetIteration(ctx, sessionID, num)
	if err != nil {
		writeError(w, err)
		return
	}
	if it.UserNote != "" {
		writeError(w, &domainerrors.SessionBusyError{SessionID: sessionID})
		return
	}

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domainerrors.NewValidationError("body", "malformed json"))
		return
	}

	if err := s.store.SetUserNote(ctx, sessionID, num, req.Note); err != nil {
		writeError(w, err)
		return
	}
	it.UserNote = req.Note
	writeJSON(w, http.StatusOK, it)
}

// handleCancel sets a session's cooperative cancellation flag, checked by
// the Auto Loop at the next phase boundary.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := s.store.GetSession(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	sess.CancelRequested = true
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ack"})
}

// finalizeRequest names the exported TrainedStyle.
type finalizeRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// handleFinalize snapshots a session's latest approved profile into a
// TrainedStyle. 409 if the session has never had an approved iteration, or
// if its most recent iteration was rejected (not converged).
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("id")

	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domainerrors.NewValidationError("body", "malformed json"))
		return
	}
	if req.Name == "" {
		writeError(w, domainerrors.NewValidationError("name", "required"))
		return
	}

	history, err := s.store.ListIterations(ctx, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(history) == 0 {
		writeError(w, &domainerrors.SessionBusyError{SessionID: sessionID})
		return
	}
	last := history[len(history)-1]
	if last.Approved == nil || !*last.Approved {
		writeError(w, &domainerrors.SessionBusyError{SessionID: sessionID})
		return
	}

	profile, err := s.store.GetLatestApprovedProfile(ctx, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if profile == nil {
		writeError(w, &domainerrors.SessionBusyError{SessionID: sessionID})
		return
	}

	trained := &domain.TrainedStyle{
		ID:                        uuid.NewString(),
		SessionID:                 sessionID,
		Name:                      req.Name,
		Description:               req.Description,
		Tags:                      req.Tags,
		IterationCount:            len(history),
		FinalScores:               last.Scores,
		RepresentativeImageHandle: last.ImageHandle,
		Profile:                   *profile,
		CreatedAt:                 time.Now(),
	}
	if err := s.store.SaveTrainedStyle(ctx, trained); err != nil {
		writeError(w, err)
		return
	}

	s.touchSessionStatus(ctx, sessionID, domain.SessionStatusCompleted)
	writeJSON(w, http.StatusCreated, trained)
}

// handleProgress upgrades to a WebSocket and streams the session's Progress
// Bus events until the connection closes.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := progress.ServeWS(s.bus, sessionID, w, r); err != nil {
		s.logger.Warn("progress websocket closed with error", "session_id", sessionID, "error", err)
	}
}

// touchSessionStatus best-effort updates a session's status field; failures
// are logged, not surfaced, since the primary response has already been
// decided by the caller.
func (s *Server) touchSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		s.logger.Warn("could not load session to update status", "session_id", sessionID, "error", err)
		return
	}
	sess.Status = status
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		s.logger.Warn("could not persist session status", "session_id", sessionID, "error", err)
	}
}

func parsePathInt(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, domainerrors.NewValidationError("num", "required")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, domainerrors.NewValidationError("num", "must be an integer")
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}
