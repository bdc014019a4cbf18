package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/starford/hiedb/internal/apperr"
	"github.com/starford/hiedb/internal/constraint"
)

const maxBodyBytes = 10 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error   string                              `json:"error" validate:"required"`
	Kind    constraint.Kind                     `json:"kind,omitempty"`
	Key     string                              `json:"key,omitempty"`
	Details []constraint.ValidationResultDetail `json:"details,omitempty"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// writeError maps a service error onto its HTTP status. op names the failed
// operation in the log line for unexpected errors.
func writeError(w http.ResponseWriter, op string, err error) {
	var v *constraint.Violation
	if errors.As(err, &v) {
		writeJSON(w, http.StatusUnprocessableEntity, errResponse{Error: v.Kind.Message(), Kind: v.Kind, Key: v.Key})
		return
	}
	var ve *constraint.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusUnprocessableEntity, errResponse{Error: "validation failed", Details: ve.Details})
		return
	}
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		key, _ := apperr.MissingKey(err)
		writeJSON(w, http.StatusNotFound, errResponse{Error: "not found", Key: key})
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody("forbidden"))
	default:
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// decodeJSON reads a size-limited JSON body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	return true
}

// uuidParam parses the named URL parameter, writing a 400 on failure.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}

// ifMatch returns the version key in the If-Match header, or uuid.Nil when
// the header is absent.
func ifMatch(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := strings.Trim(strings.TrimPrefix(r.Header.Get("If-Match"), "W/"), `"`)
	if raw == "" || raw == "*" {
		return uuid.Nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("If-Match must be a version key"))
		return uuid.Nil, false
	}
	return id, true
}
