package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/quarkmedia/provisiond/internal/api/shared"
	"github.com/quarkmedia/provisiond/internal/session"
)

// SessionHandler exposes the session guard: credential updates and validity
// checks.
type SessionHandler struct {
	guard  *session.Guard
	logger *slog.Logger
}

// NewSessionHandler creates a handler over the session guard.
func NewSessionHandler(guard *session.Guard, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{
		guard:  guard,
		logger: logger.With(slog.String("component", "session_handler")),
	}
}

// UpdateSession handles POST /session/update: replace the upstream
// credential and immediately re-validate it.
func (h *SessionHandler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var req SessionUpdateRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation failed: credential is required")
		return
	}

	h.guard.UpdateCredential(req.Credential)
	if err := h.guard.IsValid(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "updated credential failed validation",
			slog.String("error", err.Error()))
	}

	shared.RespondWithJSON(w, r, http.StatusOK, sessionStatusResponseOf(h.guard.CurrentStatus()))
}

// ValidateSession handles GET /session/validate. The verdict comes from the
// cache when fresh; a stale verdict triggers one probe.
func (h *SessionHandler) ValidateSession(w http.ResponseWriter, r *http.Request) {
	if err := h.guard.IsValid(r.Context()); err != nil {
		h.logger.DebugContext(r.Context(), "session validation negative",
			slog.String("error", err.Error()))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, sessionStatusResponseOf(h.guard.CurrentStatus()))
}

func sessionStatusResponseOf(status session.Status) SessionStatusResponse {
	resp := SessionStatusResponse{
		Valid:     status.Valid,
		LastError: status.LastError,
	}
	if !status.LastChecked.IsZero() {
		resp.LastChecked = status.LastChecked.Format(time.RFC3339)
		resp.NextCheck = status.NextCheck.Format(time.RFC3339)
	}
	return resp
}
