// Package rest is the thin HTTP adapter over the engine's core components:
// session lifecycle, extraction, iteration (single and auto), feedback,
// cancellation, finalization, and the progress WebSocket. Routing uses the
// Go 1.22+ method-pattern ServeMux around the session resource.
package rest

import (
	"log/slog"
	"net/http"

	"github.com/smilemakc/styleforge/internal/autoloop"
	"github.com/smilemakc/styleforge/internal/blobstore"
	"github.com/smilemakc/styleforge/internal/controller"
	"github.com/smilemakc/styleforge/internal/extractor"
	"github.com/smilemakc/styleforge/internal/progress"
	"github.com/smilemakc/styleforge/internal/storage"
)

// Server wires every engine component behind net/http handlers.
type Server struct {
	store      storage.Store
	blobs      *blobstore.Store
	extractor  *extractor.Extractor
	controller *controller.Controller
	autoloop   *autoloop.Loop
	bus        *progress.Bus

	creativityDefault int

	mux     *http.ServeMux
	handler http.Handler
	logger  *slog.Logger
}

// Config bundles the request-independent server knobs: CORS and the
// creativity default.
type Config struct {
	EnableCORS        bool
	CreativityDefault int
}

// NewServer builds a Server over its collaborators and installs routes.
func NewServer(store storage.Store, blobs *blobstore.Store, ext *extractor.Extractor, ctrl *controller.Controller, loop *autoloop.Loop, bus *progress.Bus, logger *slog.Logger, cfg Config) *Server {
	s := &Server{
		store:             store,
		blobs:             blobs,
		extractor:         ext,
		controller:        ctrl,
		autoloop:          loop,
		bus:               bus,
		creativityDefault: cfg.CreativityDefault,
		mux:               http.NewServeMux(),
		logger:            logger,
	}
	s.routes()
	var handler http.Handler = s.mux
	handler = recoveryMiddleware(logger, handler)
	handler = loggingMiddleware(logger, handler)
	if cfg.EnableCORS {
		handler = corsMiddleware(handler)
	}
	s.handler = handler
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("POST /api/v1/sessions/{id}/extract", s.handleExtract)
	s.mux.HandleFunc("POST /api/v1/sessions/{id}/iterate", s.handleIterateOnce)
	s.mux.HandleFunc("POST /api/v1/sessions/{id}/iterate/auto", s.handleIterateAuto)
	s.mux.HandleFunc("POST /api/v1/sessions/{id}/iterations/{num}/feedback", s.handleFeedback)
	s.mux.HandleFunc("POST /api/v1/sessions/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /api/v1/sessions/{id}/finalize", s.handleFinalize)
	s.mux.HandleFunc("GET /api/v1/sessions/{id}/progress", s.handleProgress)
}

// ServeHTTP implements http.Handler over the wrapped middleware chain.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
