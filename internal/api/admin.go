package api

import (
	"net/http"

	"github.com/starford/hiedb/internal/auth"
	"github.com/starford/hiedb/internal/models"
)

// ListAuthorities handles GET /api/authorities.
func (h *Handler) ListAuthorities(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Authorities(r.Context())
	if err != nil {
		writeError(w, "list authorities", err)
		return
	}
	if list == nil {
		list = []models.AssigningAuthority{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"authorities": list})
}

// RegisterAuthority handles POST /api/authorities.
func (h *Handler) RegisterAuthority(w http.ResponseWriter, r *http.Request) {
	var a models.AssigningAuthority
	if !decodeJSON(w, r, &a) {
		return
	}
	if err := h.svc.RegisterAuthority(r.Context(), a); err != nil {
		writeError(w, "register authority", err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// ListRules handles GET /api/rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Rules(r.Context())
	if err != nil {
		writeError(w, "list rules", err)
		return
	}
	if list == nil {
		list = []models.RelationshipValidationRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": list})
}

// AddRule handles POST /api/rules.
func (h *Handler) AddRule(w http.ResponseWriter, r *http.Request) {
	var rule models.RelationshipValidationRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	out, err := h.svc.AddRule(r.Context(), rule)
	if err != nil {
		writeError(w, "add rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// DeleteRule handles DELETE /api/rules/{key}.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	key, ok := uuidParam(w, r, "key")
	if !ok {
		return
	}
	if err := h.svc.DeleteRule(r.Context(), key); err != nil {
		writeError(w, "delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListJobs handles GET /api/jobs.
//
//	@Summary		List registered background jobs and their states
//	@Tags			jobs
//	@Produce		json
//	@Success		200	{object}	map[string]any
//	@Security		BearerAuth
//	@Router			/jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := h.jobs.Jobs(r.Context())
	if err != nil {
		writeError(w, "list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

// GetJob handles GET /api/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	st, err := h.jobs.Status(r.Context(), id)
	if err != nil {
		writeError(w, "job status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// StartJob handles POST /api/jobs/{id}/start. An empty body starts the job
// without parameters.
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	if err := auth.Demand(r.Context(), auth.PermAdminister); err != nil {
		writeError(w, "start job", err)
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req StartJobRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if err := h.jobs.Start(r.Context(), id, req.Parameters); err != nil {
		writeError(w, "start job", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// CancelJob handles POST /api/jobs/{id}/cancel.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := auth.Demand(r.Context(), auth.PermAdminister); err != nil {
		writeError(w, "cancel job", err)
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.jobs.Cancel(id); err != nil {
		writeError(w, "cancel job", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
