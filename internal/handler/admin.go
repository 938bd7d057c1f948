package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/examhub/internal/apperr"
	"github.com/pavelanni/examhub/internal/auth"
	appI18n "github.com/pavelanni/examhub/internal/i18n"
	"github.com/pavelanni/examhub/internal/importer"
	"github.com/pavelanni/examhub/internal/model"
)

// maxUploadBytes bounds question files.
const maxUploadBytes = 10 << 20

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	respond(w, r, http.StatusOK, "OK", users)
}

type createUserRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Password string `json:"password" validate:"required,min=6"`
	IsAdmin  bool   `json:"isAdmin"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	ctx := r.Context()

	existing, err := h.store.GetUserByUsername(ctx, req.Username)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if existing != nil {
		respondError(w, r, apperr.Conflict("username %q is taken", req.Username))
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		respondError(w, r, err)
		return
	}
	u := model.User{Username: req.Username, PasswordHash: hash, IsAdmin: req.IsAdmin, CreatedAt: time.Now().UTC()}
	u.ID, err = h.store.CreateUser(ctx, u)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, "Created", u)
}

// readUpload returns the uploaded file from a multipart form field "file", or
// the raw body otherwise, along with the file name and format. Requests over
// maxUploadBytes are rejected.
func readUpload(w http.ResponseWriter, r *http.Request) (data []byte, name string, f importer.Format, err error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, "", "", uploadError(err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", "", apperr.Validation("no file uploaded")
		}
		defer file.Close()
		data, err = io.ReadAll(file)
		if err != nil {
			return nil, "", "", err
		}
		return data, header.Filename, importer.FormatFor(header.Filename), nil
	}
	data, err = io.ReadAll(r.Body)
	if err != nil {
		return nil, "", "", uploadError(err)
	}
	return data, r.URL.Query().Get("name"), importer.FormatFor(r.Header.Get("Content-Type")), nil
}

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.Validation("upload exceeds %d bytes", tooLarge.Limit)
	}
	return apperr.Validation("malformed upload: %v", err)
}

func (h *Handler) handleImportExam(w http.ResponseWriter, r *http.Request) {
	data, _, format, err := readUpload(w, r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	exam, err := importer.DecodeExam(data, format)
	if err != nil {
		respondError(w, r, err)
		return
	}
	p := model.PrincipalFromContext(r.Context())
	rep, err := h.importer.ImportExam(r.Context(), exam, p.Username)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Envelope{
		StatusCode: http.StatusCreated,
		Message:    appI18n.Tp(r.Context(), "QuestionsImported", len(rep.Questions)),
		Data:       rep,
	})
}

func (h *Handler) handleImportQuestions(w http.ResponseWriter, r *http.Request) {
	examID, err := idParam(r, "examID")
	if err != nil {
		respondError(w, r, err)
		return
	}
	data, name, format, err := readUpload(w, r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	questions, err := importer.DecodeQuestions(data, format)
	if err != nil {
		respondError(w, r, err)
		return
	}
	rep, err := h.importer.ImportQuestions(r.Context(), examID, name, data, questions)
	if err != nil {
		respondError(w, r, err)
		return
	}
	status := http.StatusCreated
	if rep.Skipped {
		status = http.StatusOK
	}
	if rep.Questions == nil {
		rep.Questions = []model.QuestionView{}
	}
	writeJSON(w, status, Envelope{
		StatusCode: status,
		Message:    appI18n.Tp(r.Context(), "QuestionsImported", len(rep.Questions)),
		Data:       rep,
	})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	var examID int64
	if s := r.URL.Query().Get("examId"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			respondError(w, r, apperr.Validation("invalid examId"))
			return
		}
		examID = id
	}
	attempts, err := h.store.ExportAttempts(r.Context(), examID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []model.AttemptExport{}
	}
	respond(w, r, http.StatusOK, "OK", model.ResultsExport{
		ExportedAt: time.Now().UTC(),
		ExamID:     examID,
		Attempts:   attempts,
	})
}
