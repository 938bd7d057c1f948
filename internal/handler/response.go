package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examhub/internal/apperr"
	appI18n "github.com/pavelanni/examhub/internal/i18n"
	"github.com/pavelanni/examhub/internal/importer"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Envelope is the shape of every response body.
type Envelope struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Data       any    `json:"data"`
	Error      *string `json:"error"` // null on success
}

var kindMessages = map[apperr.Kind]string{
	apperr.KindValidation:    "ErrValidation",
	apperr.KindNotFound:      "ErrNotFound",
	apperr.KindConflict:      "ErrConflict",
	apperr.KindDataIntegrity: "ErrDataIntegrity",
	apperr.KindProvider:      "ErrProvider",
	apperr.KindTimeout:       "ErrTimeout",
	apperr.KindUnauthorized:  "ErrUnauthorized",
	apperr.KindForbidden:     "ErrForbidden",
	apperr.KindInternal:      "ErrInternal",
}

func writeJSON(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// respond writes data with a translated message.
func respond(w http.ResponseWriter, r *http.Request, status int, msgID string, data any) {
	writeJSON(w, status, Envelope{
		StatusCode: status,
		Message:    appI18n.T(r.Context(), msgID),
		Data:       data,
	})
}

// respondError maps err to a status code by its kind. Internal errors are
// logged and their details withheld from the client.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := kind.HTTPStatus()
	detail := err.Error()
	if kind == apperr.KindInternal {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		detail = http.StatusText(status)
	} else {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}
	writeJSON(w, status, Envelope{
		StatusCode: status,
		Message:    appI18n.T(r.Context(), kindMessages[kind]),
		Error:      &detail,
	})
}

// decodeJSON reads a JSON body into v and validates it.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is empty")
		}
		return apperr.Validation("invalid JSON: %v", err)
	}
	return importer.Validate(v)
}

// idParam parses a positive integer URL parameter.
func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid %s", name)
	}
	return id, nil
}
