package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examhub/internal/apperr"
	"github.com/pavelanni/examhub/internal/auth"
	"github.com/pavelanni/examhub/internal/importer"
	"github.com/pavelanni/examhub/internal/model"
	"github.com/pavelanni/examhub/internal/store"
	"github.com/pavelanni/examhub/internal/submission"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store     *store.Store
	processor *submission.Processor
	importer  *importer.Importer
	tokens    *auth.Service
}

// New creates a new Handler.
func New(s *store.Store, p *submission.Processor, im *importer.Importer, tokens *auth.Service) *Handler {
	return &Handler{store: s, processor: p, importer: im, tokens: tokens}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Post("/auth/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Get("/exams", h.handleListExams)
		r.Get("/exams/{examID}", h.handleGetExam)

		r.Post("/exam-attempts", h.handleCreateAttempt)
		r.Get("/exam-attempts/{attemptID}", h.handleGetAttempt)
		r.Get("/exam-attempts/users/{userID}", h.handleUserAttempts)
		r.Post("/exam-attempts/{attemptID}/cancel", h.handleCancelAttempt)

		r.Post("/results/submit", h.handleSubmit)
		r.Get("/results/attempts/{attemptID}", h.handleAttemptResults)
		r.Get("/results/attempts/{attemptID}/overall-score", h.handleOverallScore)

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)
			r.Post("/exams", h.handleImportExam)
			r.Post("/exams/{examID}/questions/import", h.handleImportQuestions)
			r.Get("/exam-attempts/exams/{examID}", h.handleExamAttempts)
			r.Get("/admin/users", h.handleListUsers)
			r.Post("/admin/users", h.handleCreateUser)
			r.Get("/admin/export", h.handleExport)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.UserCount(r.Context()); err != nil {
		respondError(w, r, fmt.Errorf("database check: %w", err))
		return
	}
	respond(w, r, http.StatusOK, "OK", map[string]string{"status": "ok"})
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.store.ListExamSummaries(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	if exams == nil {
		exams = []model.ExamSummary{}
	}
	respond(w, r, http.StatusOK, "OK", exams)
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	examID, err := idParam(r, "examID")
	if err != nil {
		respondError(w, r, err)
		return
	}
	exam, err := h.store.GetExamSummary(r.Context(), examID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if exam == nil {
		respondError(w, r, apperr.NotFound("exam %d not found", examID))
		return
	}
	if p := model.PrincipalFromContext(r.Context()); p == nil || !p.IsAdmin {
		hideCorrectAnswers(exam.Questions)
	}
	respond(w, r, http.StatusOK, "OK", exam)
}

// hideCorrectAnswers clears the isCorrect flags candidates must not see.
func hideCorrectAnswers(questions []model.QuestionView) {
	for i := range questions {
		for j := range questions[i].Answers {
			questions[i].Answers[j].IsCorrect = false
		}
	}
}

type createAttemptRequest struct {
	ExamID int64 `json:"examId" validate:"required,gt=0"`
}

func (h *Handler) handleCreateAttempt(w http.ResponseWriter, r *http.Request) {
	var req createAttemptRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	p := model.PrincipalFromContext(r.Context())
	ctx := r.Context()

	exam, err := h.store.GetExam(ctx, req.ExamID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if exam == nil {
		respondError(w, r, apperr.NotFound("exam %d not found", req.ExamID))
		return
	}

	attempt, created, err := h.store.CreateAttempt(ctx, p.ID, req.ExamID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if created {
		respond(w, r, http.StatusCreated, "AttemptStarted", attempt)
		return
	}
	respond(w, r, http.StatusOK, "AttemptResumed", attempt)
}

// ownedAttempt loads an attempt the caller may access: their own, or any for admins.
func (h *Handler) ownedAttempt(r *http.Request, attemptID int64) (*model.ExamAttempt, error) {
	a, err := h.store.GetAttempt(r.Context(), attemptID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, apperr.NotFound("attempt %d not found", attemptID)
	}
	p := model.PrincipalFromContext(r.Context())
	if p == nil || (!p.IsAdmin && p.ID != a.UserID) {
		return nil, apperr.Forbidden("attempt %d belongs to another user", attemptID)
	}
	return a, nil
}

func (h *Handler) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	attemptID, err := idParam(r, "attemptID")
	if err != nil {
		respondError(w, r, err)
		return
	}
	a, err := h.ownedAttempt(r, attemptID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, "OK", a)
}

func (h *Handler) handleExamAttempts(w http.ResponseWriter, r *http.Request) {
	examID, err := idParam(r, "examID")
	if err != nil {
		respondError(w, r, err)
		return
	}
	attempts, err := h.store.ListAttemptsByExam(r.Context(), examID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []model.ExamAttempt{}
	}
	respond(w, r, http.StatusOK, "OK", attempts)
}

func (h *Handler) handleUserAttempts(w http.ResponseWriter, r *http.Request) {
	userID, err := idParam(r, "userID")
	if err != nil {
		respondError(w, r, err)
		return
	}
	if p := model.PrincipalFromContext(r.Context()); !p.IsAdmin && p.ID != userID {
		respondError(w, r, apperr.Forbidden("cannot list attempts of user %d", userID))
		return
	}
	attempts, err := h.store.ListAttemptsByUser(r.Context(), userID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []model.ExamAttempt{}
	}
	respond(w, r, http.StatusOK, "OK", attempts)
}

func (h *Handler) handleCancelAttempt(w http.ResponseWriter, r *http.Request) {
	attemptID, err := idParam(r, "attemptID")
	if err != nil {
		respondError(w, r, err)
		return
	}
	if _, err := h.ownedAttempt(r, attemptID); err != nil {
		respondError(w, r, err)
		return
	}
	a, err := h.store.CancelAttempt(r.Context(), attemptID)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			err = apperr.Conflict("attempt %d cannot be canceled", attemptID)
		}
		respondError(w, r, err)
		return
	}
	if a == nil {
		respondError(w, r, apperr.NotFound("attempt %d not found", attemptID))
		return
	}
	respond(w, r, http.StatusOK, "AttemptCanceled", a)
}

type submitRequest struct {
	AttemptID      int64 `json:"attemptId" validate:"required,gt=0"`
	SubmissionData struct {
		Answers []model.SubmittedAnswer `json:"answers" validate:"required,min=1,dive"`
	} `json:"submissionData"`
}

type submitResponse struct {
	Scores model.SkillScores `json:"scores"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if _, err := h.ownedAttempt(r, req.AttemptID); err != nil {
		respondError(w, r, err)
		return
	}
	scores, err := h.processor.Process(r.Context(), req.AttemptID, req.SubmissionData.Answers)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, "SubmissionGraded", submitResponse{Scores: scores})
}

func (h *Handler) handleAttemptResults(w http.ResponseWriter, r *http.Request) {
	attemptID, err := idParam(r, "attemptID")
	if err != nil {
		respondError(w, r, err)
		return
	}
	if _, err := h.ownedAttempt(r, attemptID); err != nil {
		respondError(w, r, err)
		return
	}
	results, err := h.store.ResultsByAttempt(r.Context(), attemptID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if results == nil {
		results = []model.ResultView{}
	}
	respond(w, r, http.StatusOK, "OK", results)
}

func (h *Handler) handleOverallScore(w http.ResponseWriter, r *http.Request) {
	attemptID, err := idParam(r, "attemptID")
	if err != nil {
		respondError(w, r, err)
		return
	}
	if _, err := h.ownedAttempt(r, attemptID); err != nil {
		respondError(w, r, err)
		return
	}
	scores, err := h.processor.OverallScore(r.Context(), attemptID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, "OK", submitResponse{Scores: scores})
}
