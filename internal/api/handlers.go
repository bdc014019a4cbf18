package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/starford/hiedb/internal/jobs"
	"github.com/starford/hiedb/internal/models"
	"github.com/starford/hiedb/internal/persistence"
	"github.com/starford/hiedb/internal/recordservice"
)

// Handler holds API route handlers.
type Handler struct {
	svc  *recordservice.Service
	jobs *jobs.Manager
}

// NewHandler creates a new Handler.
func NewHandler(svc *recordservice.Service, jm *jobs.Manager) *Handler {
	return &Handler{svc: svc, jobs: jm}
}

func setETag(w http.ResponseWriter, rec *models.Record) {
	w.Header().Set("ETag", `"`+rec.VersionKey.String()+`"`)
}

// ListRecords handles GET /api/records.
//
//	@Summary		List head records with optional filtering
//	@Tags			records
//	@Produce		json
//	@Param			class	query		string	false	"Record class"
//	@Param			status	query		string	false	"Status"	Enums(active, obsolete)
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Success		200		{object}	RecordListResponse
//	@Security		BearerAuth
//	@Router			/records [get]
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	f := persistence.RecordFilter{
		Class:  q.Get("class"),
		Status: models.Status(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	}
	recs, total, err := h.svc.List(r.Context(), f)
	if err != nil {
		writeError(w, "list records", err)
		return
	}
	if recs == nil {
		recs = []models.Record{}
	}
	writeJSON(w, http.StatusOK, RecordListResponse{Records: recs, Total: total})
}

// CreateRecord handles POST /api/records.
//
//	@Summary		Create a record, linking it to a master when its class is managed
//	@Tags			records
//	@Accept			json
//	@Produce		json
//	@Param			body	body		models.Record	true	"Record to create"
//	@Success		201		{object}	models.Record
//	@Failure		409		{object}	errResponse
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records [post]
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var rec models.Record
	if !decodeJSON(w, r, &rec) {
		return
	}
	out, err := h.svc.Create(r.Context(), rec)
	if err != nil {
		writeError(w, "create record", err)
		return
	}
	setETag(w, out)
	writeJSON(w, http.StatusCreated, out)
}

// GetRecord handles GET /api/records/{key}.
//
//	@Summary		Get the head version of a record
//	@Tags			records
//	@Produce		json
//	@Param			key	path		string	true	"Record key"
//	@Success		200	{object}	models.Record
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records/{key} [get]
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	key, ok := uuidParam(w, r, "key")
	if !ok {
		return
	}
	rec, err := h.svc.Get(r.Context(), key)
	if err != nil {
		writeError(w, "get record", err)
		return
	}
	setETag(w, rec)
	writeJSON(w, http.StatusOK, rec)
}

// UpdateRecord handles PUT /api/records/{key}.
//
//	@Summary		Create a new version of a record
//	@Tags			records
//	@Accept			json
//	@Produce		json
//	@Param			key			path		string			true	"Record key"
//	@Param			If-Match	header		string			false	"Expected head version key"
//	@Param			body		body		models.Record	true	"New version"
//	@Success		200			{object}	models.Record
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Failure		422			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records/{key} [put]
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	key, ok := uuidParam(w, r, "key")
	if !ok {
		return
	}
	match, ok := ifMatch(w, r)
	if !ok {
		return
	}
	var rec models.Record
	if !decodeJSON(w, r, &rec) {
		return
	}
	rec.Key = key
	out, err := h.svc.Update(r.Context(), rec, match)
	if err != nil {
		writeError(w, "update record", err)
		return
	}
	setETag(w, out)
	writeJSON(w, http.StatusOK, out)
}

// ObsoleteRecord handles DELETE /api/records/{key}.
//
//	@Summary		Obsolete a record
//	@Tags			records
//	@Produce		json
//	@Param			key			path		string	true	"Record key"
//	@Param			If-Match	header		string	false	"Expected head version key"
//	@Success		200			{object}	models.Record
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records/{key} [delete]
func (h *Handler) ObsoleteRecord(w http.ResponseWriter, r *http.Request) {
	key, ok := uuidParam(w, r, "key")
	if !ok {
		return
	}
	match, ok := ifMatch(w, r)
	if !ok {
		return
	}
	out, err := h.svc.Obsolete(r.Context(), key, match)
	if err != nil {
		writeError(w, "obsolete record", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// History handles GET /api/records/{key}/history.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	key, ok := uuidParam(w, r, "key")
	if !ok {
		return
	}
	versions, err := h.svc.History(r.Context(), key)
	if err != nil {
		writeError(w, "record history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// GetVersion handles GET /api/records/{key}/versions/{seq}.
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	key, ok := uuidParam(w, r, "key")
	if !ok {
		return
	}
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil || seq <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid seq"))
		return
	}
	rec, err := h.svc.GetVersion(r.Context(), key, seq)
	if err != nil {
		writeError(w, "get version", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// AddNote handles POST /api/records/{key}/notes.
func (h *Handler) AddNote(w http.ResponseWriter, r *http.Request) {
	key, ok := uuidParam(w, r, "key")
	if !ok {
		return
	}
	var req AddNoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	n := models.Note{Text: req.Text, Author: req.Author}
	n.SourceKey = key
	out, err := h.svc.AddNote(r.Context(), n)
	if err != nil {
		writeError(w, "add note", err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// SubmitBundle handles POST /api/bundles.
//
//	@Summary		Apply every entry of a bundle in one unit of work
//	@Tags			records
//	@Accept			json
//	@Produce		json
//	@Param			body	body		models.Bundle	true	"Bundle"
//	@Success		200		{object}	BundleResponse
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/bundles [post]
func (h *Handler) SubmitBundle(w http.ResponseWriter, r *http.Request) {
	var b models.Bundle
	if !decodeJSON(w, r, &b) {
		return
	}
	recs, err := h.svc.Submit(r.Context(), b)
	if err != nil {
		writeError(w, "submit bundle", err)
		return
	}
	writeJSON(w, http.StatusOK, BundleResponse{Records: recs})
}

// ListRelationships handles GET /api/relationships.
func (h *Handler) ListRelationships(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f persistence.RelationshipFilter
	for name, dst := range map[string]*uuid.UUID{"source": &f.SourceKey, "target": &f.TargetKey} {
		if v := q.Get(name); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody("invalid "+name))
				return
			}
			*dst = id
		}
	}
	f.Type = q.Get("type")
	rels, err := h.svc.Relationships(r.Context(), f)
	if err != nil {
		writeError(w, "list relationships", err)
		return
	}
	if rels == nil {
		rels = []models.Relationship{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"relationships": rels})
}

// AddRelationship handles POST /api/relationships.
func (h *Handler) AddRelationship(w http.ResponseWriter, r *http.Request) {
	var rel models.Relationship
	if !decodeJSON(w, r, &rel) {
		return
	}
	out, err := h.svc.AddRelationship(r.Context(), rel)
	if err != nil {
		writeError(w, "add relationship", err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// RemoveRelationship handles DELETE /api/relationships/{key}.
func (h *Handler) RemoveRelationship(w http.ResponseWriter, r *http.Request) {
	key, ok := uuidParam(w, r, "key")
	if !ok {
		return
	}
	out, err := h.svc.RemoveRelationship(r.Context(), key)
	if err != nil {
		writeError(w, "remove relationship", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Search handles GET /api/search.
//
//	@Summary		Full-text search across active notes
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	map[string]any
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	hits, err := h.svc.SearchNotes(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	if hits == nil {
		hits = []persistence.NoteHit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}
