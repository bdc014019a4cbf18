package api

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/starford/hiedb/internal/storage"
)

const maxUploadBytes = 5 << 20 // 5 MB

// InboxHandler accepts submission documents into the ingest inbox.
type InboxHandler struct {
	inbox storage.Provider
}

// NewInboxHandler creates a handler writing into inbox.
func NewInboxHandler(inbox storage.Provider) *InboxHandler {
	return &InboxHandler{inbox: inbox}
}

// safeName validates that the filename is a plain submission name (no path
// separators, no traversal, not hidden).
func safeName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("filename is required")
	}
	cleaned := filepath.Clean(name)
	if cleaned != filepath.Base(cleaned) || strings.Contains(cleaned, "..") || strings.HasPrefix(cleaned, ".") {
		return "", fmt.Errorf("invalid filename: %s", name)
	}
	if !storage.Submission(cleaned) {
		return "", fmt.Errorf("unsupported document type: %s", name)
	}
	return cleaned, nil
}

// Upload handles POST /api/inbox (multipart/form-data, field "file"). The
// document is picked up by the ingest watcher.
//
//	@Summary		Upload a submission document into the inbox
//	@Tags			inbox
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			file	formData	file	true	"Submission document"
//	@Success		202		{object}	InboxUploadResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/inbox [post]
func (h *InboxHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	name, err := safeName(header.Filename)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	content, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read file"))
		return
	}
	if err := h.inbox.Write(name, content); err != nil {
		writeError(w, "inbox upload", err)
		return
	}

	writeJSON(w, http.StatusAccepted, InboxUploadResponse{Filename: name, Size: int64(len(content))})
}
