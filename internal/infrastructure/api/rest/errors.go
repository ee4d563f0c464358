package rest

import (
	"encoding/json"
	"net/http"

	domainerrors "github.com/smilemakc/styleforge/internal/domain/errors"
)

// apiError is the wire shape for every non-2xx response.
type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a domain error to its HTTP status and writes it.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch err.(type) {
	case *domainerrors.ValidationError:
		status = http.StatusBadRequest
	case *domainerrors.NotFoundError:
		status = http.StatusNotFound
	case *domainerrors.SessionBusyError, *domainerrors.CancellationRequestedError:
		status = http.StatusConflict
	case *domainerrors.ExtractionFailedError, *domainerrors.CritiqueFailedError,
		*domainerrors.VLMTimeoutError, *domainerrors.VLMTransportError, *domainerrors.VLMParseError:
		status = http.StatusBadGateway
	case *domainerrors.GeneratorTimeoutError, *domainerrors.GeneratorFailureError:
		status = http.StatusBadGateway
	case *domainerrors.IntegrityViolationError:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, apiError{Error: err.Error()})
}
