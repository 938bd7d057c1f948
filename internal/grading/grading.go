// Package grading scores a single submitted answer. Listening and reading
// answers are compared with the answer marked correct; writing and speaking
// answers are sent to an external grader, after transcription for speaking.
package grading

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pavelanni/examhub/internal/apperr"
	"github.com/pavelanni/examhub/internal/model"
	"github.com/pavelanni/examhub/internal/scoring"
)

// DefaultProviderTimeout bounds each external call.
const DefaultProviderTimeout = 60 * time.Second

// Outcome is the graded result of one answer before it is stored.
type Outcome struct {
	QuestionID     int64
	Type           model.QuestionType
	SelectedAnswer string
	IsCorrect      *bool
	Score          float64
	Feedback       string
	Heuristic      bool
}

// Result converts the outcome into a row for attemptID.
func (o Outcome) Result(attemptID int64) model.Result {
	return model.Result{
		AttemptID:      attemptID,
		QuestionID:     o.QuestionID,
		SelectedAnswer: o.SelectedAnswer,
		IsCorrect:      o.IsCorrect,
		Score:          o.Score,
		Feedback:       o.Feedback,
		Heuristic:      o.Heuristic,
	}
}

// Engine grades answers.
type Engine struct {
	transcriber scoring.Transcriber
	grader      scoring.TextGrader
	timeout     time.Duration
}

// New creates an engine. A zero timeout uses DefaultProviderTimeout.
func New(t scoring.Transcriber, g scoring.TextGrader, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &Engine{transcriber: t, grader: g, timeout: timeout}
}

// GradeObjective compares selected with the content of the single correct
// answer. The comparison is exact: case and whitespace matter.
func (e *Engine) GradeObjective(q model.Question, selected string, correct []model.Answer) (Outcome, error) {
	switch len(correct) {
	case 0:
		return Outcome{}, apperr.DataIntegrity("correct answer not found for question %d", q.ID)
	case 1:
	default:
		return Outcome{}, apperr.DataIntegrity("question %d has %d answers marked correct", q.ID, len(correct))
	}
	ok := selected == correct[0].Content
	out := Outcome{
		QuestionID:     q.ID,
		Type:           q.Type,
		SelectedAnswer: selected,
		IsCorrect:      &ok,
	}
	if ok {
		out.Score = 1
	}
	return out, nil
}

// GradeSubjective scores a writing or speaking answer. For speaking, selected
// is the URL of the recording.
func (e *Engine) GradeSubjective(ctx context.Context, q model.Question, selected string) (Outcome, error) {
	if e.grader == nil {
		return Outcome{}, apperr.Provider(nil, "no text grader configured")
	}
	text := selected
	if q.Type == model.QuestionSpeaking {
		if e.transcriber == nil {
			return Outcome{}, apperr.Provider(nil, "no transcriber configured")
		}
		var err error
		text, err = e.transcribe(ctx, q.ID, selected)
		if err != nil {
			return Outcome{}, err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	start := time.Now()
	a, err := e.grader.GradeText(callCtx, scoring.GradeRequest{
		Skill:  string(q.Type),
		Prompt: q.Content,
		Answer: text,
	})
	if err != nil {
		return Outcome{}, providerError(callCtx, err, "grading question %d", q.ID)
	}
	slog.Debug("graded answer", "question_id", q.ID, "type", q.Type, "score", a.Score, "elapsed", time.Since(start))
	if a.Heuristic {
		slog.Warn("heuristic score needs review", "question_id", q.ID, "score", a.Score)
	}

	return Outcome{
		QuestionID:     q.ID,
		Type:           q.Type,
		SelectedAnswer: selected,
		Score:          scoring.Clamp(a.Score),
		Feedback:       a.Feedback,
		Heuristic:      a.Heuristic,
	}, nil
}

func (e *Engine) transcribe(ctx context.Context, questionID int64, audioURL string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	text, err := e.transcriber.Transcribe(callCtx, audioURL)
	if err != nil {
		return "", providerError(callCtx, err, "transcribing answer to question %d", questionID)
	}
	return text, nil
}

// providerError classifies a failed external call. A deadline hit on the
// per-call context is reported as a timeout.
func providerError(callCtx context.Context, err error, format string, args ...any) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return apperr.Timeout(err, format, args...)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperr.Provider(err, format, args...)
}
