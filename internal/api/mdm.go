package api

import (
	"net/http"

	"github.com/starford/hiedb/internal/mdm"
	"github.com/starford/hiedb/internal/models"
)

func (h *Handler) resolver(w http.ResponseWriter) (*mdm.Resolver, bool) {
	res := h.svc.MDM()
	if res == nil {
		writeJSON(w, http.StatusNotFound, errorBody("mdm is not enabled"))
		return nil, false
	}
	return res, true
}

// Locals handles GET /api/mdm/masters/{key}/locals.
//
//	@Summary		List the locals attached to a master
//	@Tags			mdm
//	@Produce		json
//	@Param			key	path		string	true	"Master key"
//	@Success		200	{object}	map[string]any
//	@Failure		403	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/mdm/masters/{key}/locals [get]
func (h *Handler) Locals(w http.ResponseWriter, r *http.Request) {
	res, ok := h.resolver(w)
	if !ok {
		return
	}
	key, ok := uuidParam(w, r, "key")
	if !ok {
		return
	}
	locals, err := res.Locals(r.Context(), key)
	if err != nil {
		writeError(w, "list locals", err)
		return
	}
	if locals == nil {
		locals = []models.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"locals": locals})
}

// Duplicates handles GET /api/mdm/duplicates.
func (h *Handler) Duplicates(w http.ResponseWriter, r *http.Request) {
	res, ok := h.resolver(w)
	if !ok {
		return
	}
	dups, err := res.Duplicates(r.Context())
	if err != nil {
		writeError(w, "list duplicates", err)
		return
	}
	if dups == nil {
		dups = []mdm.DuplicateLink{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"duplicates": dups})
}

// IgnoreDuplicate handles POST /api/mdm/duplicates/ignore.
func (h *Handler) IgnoreDuplicate(w http.ResponseWriter, r *http.Request) {
	res, ok := h.resolver(w)
	if !ok {
		return
	}
	var req LinkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := res.IgnoreDuplicate(r.Context(), req.Local, req.Master); err != nil {
		writeError(w, "ignore duplicate", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Relink handles POST /api/mdm/relink.
//
//	@Summary		Attach a local to a chosen master
//	@Tags			mdm
//	@Accept			json
//	@Produce		json
//	@Param			body	body		LinkRequest	true	"Local and target master"
//	@Success		200		{object}	mdm.LinkResult
//	@Failure		403		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/mdm/relink [post]
func (h *Handler) Relink(w http.ResponseWriter, r *http.Request) {
	res, ok := h.resolver(w)
	if !ok {
		return
	}
	var req LinkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := res.Relink(r.Context(), req.Local, req.Master)
	if err != nil {
		writeError(w, "relink", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Merge handles POST /api/mdm/merge.
//
//	@Summary		Merge one master into another
//	@Tags			mdm
//	@Accept			json
//	@Produce		json
//	@Param			body	body		MergeRequest	true	"Survivor and victim"
//	@Success		200		{object}	mdm.MergeResult
//	@Failure		403		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/mdm/merge [post]
func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	res, ok := h.resolver(w)
	if !ok {
		return
	}
	var req MergeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := res.Merge(r.Context(), req.Survivor, req.Victim)
	if err != nil {
		writeError(w, "merge", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
