// Package api implements the HTTP surface of the provisioning service:
// provision requests, task polling, queue observability, dead-letter
// administration and session management.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quarkmedia/provisiond/internal/api/shared"
	"github.com/quarkmedia/provisiond/internal/service"
)

// ProvisionHandler handles the provisioning endpoints.
type ProvisionHandler struct {
	svc    *service.ProvisionService
	logger *slog.Logger
}

// NewProvisionHandler creates a handler over the provisioning service.
func NewProvisionHandler(svc *service.ProvisionService, logger *slog.Logger) *ProvisionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProvisionHandler{
		svc:    svc,
		logger: logger.With(slog.String("component", "provision_handler")),
	}
}

// Provision handles POST /media/provision. Responds 202: provisioning is
// asynchronous and clients poll the task endpoint for the outcome.
func (h *ProvisionHandler) Provision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	svcReq := service.ProvisionRequest{
		SourceRef: req.SourceRef,
		Title:     req.Title,
	}
	if req.RecordID != "" {
		recordID, err := uuid.Parse(req.RecordID)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid record ID")
			return
		}
		svcReq.RecordID = recordID
	}

	view, err := h.svc.Provision(r.Context(), svcReq)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, taskResponseOf(view))
}

// RegisterShare handles POST /media/links: record a share as a virtual
// resource without provisioning it.
func (h *ProvisionHandler) RegisterShare(w http.ResponseWriter, r *http.Request) {
	var req RegisterShareRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation failed: source_ref is required")
		return
	}

	record, err := h.svc.RegisterShare(r.Context(), req.SourceRef, req.Title)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusCreated, TaskResponse{
		TaskID: record.ID.String(),
		Status: string(record.Status),
		Title:  record.Title,
	})
}

// GetTask handles GET /tasks/{id}.
func (h *ProvisionHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	view, err := h.svc.GetTask(r.Context(), taskID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskResponseOf(view))
}

// Stats handles GET /tasks/stats.
func (h *ProvisionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, statsResponseOf(stats))
}

// ListDead handles GET /tasks/dead.
func (h *ProvisionHandler) ListDead(w http.ResponseWriter, r *http.Request) {
	dead, err := h.svc.ListDead(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, deadTaskResponsesOf(dead))
}

// ClearDead handles DELETE /tasks/dead.
func (h *ProvisionHandler) ClearDead(w http.ResponseWriter, r *http.Request) {
	dropped, err := h.svc.ClearDead(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ClearDeadResponse{Dropped: dropped})
}

// RetryDead handles POST /tasks/dead/retry/{id}.
func (h *ProvisionHandler) RetryDead(w http.ResponseWriter, r *http.Request) {
	recordID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	view, err := h.svc.RetryDead(r.Context(), recordID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskResponseOf(view))
}

// pathUUID extracts and parses a UUID path parameter, writing the error
// response itself when the parameter is missing or malformed.
func (h *ProvisionHandler) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	if raw == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Missing "+param+" parameter")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid "+param+" parameter")
		return uuid.Nil, false
	}
	return id, true
}
