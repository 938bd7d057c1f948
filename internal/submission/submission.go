// Package submission grades a whole exam submission and records the outcome
// against its attempt.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/examhub/internal/apperr"
	"github.com/pavelanni/examhub/internal/grading"
	"github.com/pavelanni/examhub/internal/model"
	"github.com/pavelanni/examhub/internal/store"
)

// ExpectedCounts is the number of questions per skill used as the
// normalization denominator.
type ExpectedCounts struct {
	Listening int
	Reading   int
	Speaking  int
	Writing   int
}

// DefaultExpectedCounts matches the layout of a full IELTS paper.
var DefaultExpectedCounts = ExpectedCounts{Listening: 35, Reading: 40, Speaking: 3, Writing: 2}

func (c ExpectedCounts) of(t model.QuestionType) int {
	switch t {
	case model.QuestionListening:
		return c.Listening
	case model.QuestionReading:
		return c.Reading
	case model.QuestionSpeaking:
		return c.Speaking
	case model.QuestionWriting:
		return c.Writing
	}
	return 0
}

// DefaultConcurrency is the number of answers graded at once.
const DefaultConcurrency = 8

// Processor grades submissions.
type Processor struct {
	store       *store.Store
	engine      *grading.Engine
	expected    ExpectedCounts
	concurrency int
}

// Option configures a Processor.
type Option func(*Processor)

// WithExpectedCounts overrides the normalization denominators.
func WithExpectedCounts(c ExpectedCounts) Option {
	return func(p *Processor) { p.expected = c }
}

// WithConcurrency limits how many answers are graded at once.
func WithConcurrency(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// New creates a processor.
func New(s *store.Store, e *grading.Engine, opts ...Option) *Processor {
	p := &Processor{
		store:       s,
		engine:      e,
		expected:    DefaultExpectedCounts,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process grades answers for attemptID, stores one result per answer, and
// completes the attempt. Nothing is written unless every answer is graded.
func (p *Processor) Process(ctx context.Context, attemptID int64, answers []model.SubmittedAnswer) (model.SkillScores, error) {
	if attemptID <= 0 {
		return model.SkillScores{}, apperr.Validation("attemptId is required")
	}
	if len(answers) == 0 {
		return model.SkillScores{}, apperr.Validation("at least one answer is required")
	}
	for i, a := range answers {
		if a.QuestionID <= 0 {
			return model.SkillScores{}, apperr.Validation("answer %d: questionId is required", i)
		}
	}

	start := time.Now()
	scores, err := p.process(ctx, attemptID, answers)
	if err != nil {
		slog.Error("submission failed", "attempt_id", attemptID, "answers", len(answers), "kind", apperr.KindOf(err), "error", err)
		return model.SkillScores{}, err
	}
	slog.Info("submission graded", "attempt_id", attemptID, "answers", len(answers),
		"listening", scores.Listening, "reading", scores.Reading,
		"speaking", scores.Speaking, "writing", scores.Writing,
		"elapsed", time.Since(start))
	return scores, nil
}

// process grades outside any transaction, then writes every result and the
// attempt's final state in one short transaction. The attempt status is
// checked again inside it, since grading may take as long as the provider
// timeout.
func (p *Processor) process(ctx context.Context, attemptID int64, answers []model.SubmittedAnswer) (model.SkillScores, error) {
	attempt, err := p.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return model.SkillScores{}, fmt.Errorf("load attempt: %w", err)
	}
	if err := checkAttempt(attemptID, attempt); err != nil {
		return model.SkillScores{}, err
	}

	questions, correct, err := p.loadQuestions(ctx, answers)
	if err != nil {
		return model.SkillScores{}, err
	}

	outcomes, err := p.gradeAll(ctx, questions, correct, answers)
	if err != nil {
		return model.SkillScores{}, err
	}

	var raw model.SkillScores
	for _, o := range outcomes {
		raw.Add(o.Type, o.Score)
	}
	scores := p.normalize(raw)

	err = p.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := tx.GetAttempt(ctx, attemptID)
		if err != nil {
			return fmt.Errorf("reload attempt: %w", err)
		}
		if err := checkAttempt(attemptID, current); err != nil {
			return err
		}
		for _, o := range outcomes {
			if _, err := tx.InsertResult(ctx, o.Result(attemptID)); err != nil {
				return fmt.Errorf("insert result for question %d: %w", o.QuestionID, err)
			}
		}
		if err := tx.CompleteAttempt(ctx, attemptID, scores); err != nil {
			return fmt.Errorf("complete attempt: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.SkillScores{}, err
	}

	p.checkComposition(ctx, attempt.ExamID)
	return scores, nil
}

// checkAttempt rejects a missing attempt or one that cannot be completed.
func checkAttempt(attemptID int64, a *model.ExamAttempt) error {
	if a == nil {
		return apperr.NotFound("attempt %d not found", attemptID)
	}
	if !a.Status.CanTransition(model.StatusCompleted) {
		return apperr.Conflict("attempt %d is %s", attemptID, a.Status)
	}
	return nil
}

func (p *Processor) loadQuestions(ctx context.Context, answers []model.SubmittedAnswer) (map[int64]model.Question, map[int64][]model.Answer, error) {
	ids := make([]int64, 0, len(answers))
	seen := make(map[int64]bool, len(answers))
	for _, a := range answers {
		if !seen[a.QuestionID] {
			seen[a.QuestionID] = true
			ids = append(ids, a.QuestionID)
		}
	}
	questions, err := p.store.QuestionsByIDs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("load questions: %w", err)
	}
	var objective []int64
	for _, id := range ids {
		q, ok := questions[id]
		if !ok {
			return nil, nil, apperr.NotFound("question %d not found", id)
		}
		if q.Type.Objective() {
			objective = append(objective, id)
		}
	}
	correct, err := p.store.CorrectAnswers(ctx, objective)
	if err != nil {
		return nil, nil, fmt.Errorf("load correct answers: %w", err)
	}
	return questions, correct, nil
}

// gradeAll grades every answer. Outcomes keep the order of answers.
func (p *Processor) gradeAll(ctx context.Context, questions map[int64]model.Question, correct map[int64][]model.Answer, answers []model.SubmittedAnswer) ([]grading.Outcome, error) {
	outcomes := make([]grading.Outcome, len(answers))

	// Objective answers need no I/O. Grading them first means a content error
	// fails the submission before any provider is called.
	for i, a := range answers {
		q := questions[a.QuestionID]
		if !q.Type.Objective() {
			continue
		}
		o, err := p.engine.GradeObjective(q, a.SelectedAnswer, correct[q.ID])
		if err != nil {
			return nil, err
		}
		outcomes[i] = o
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, a := range answers {
		q := questions[a.QuestionID]
		if q.Type.Objective() {
			continue
		}
		g.Go(func() error {
			o, err := p.engine.GradeSubjective(gctx, q, a.SelectedAnswer)
			if err != nil {
				return err
			}
			outcomes[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// The parent context ending is not a provider problem.
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		return nil, err
	}
	return outcomes, nil
}

func (p *Processor) normalize(raw model.SkillScores) model.SkillScores {
	return model.SkillScores{
		Listening: round1(band(raw.Listening, p.expected.Listening)),
		Reading:   round1(band(raw.Reading, p.expected.Reading)),
		Speaking:  round1(average(raw.Speaking, p.expected.Speaking)),
		Writing:   round1(average(raw.Writing, p.expected.Writing)),
	}
}

// band scales a count of correct answers to the 0–9 band.
func band(correct float64, expected int) float64 {
	if expected <= 0 {
		return 0
	}
	return correct / float64(expected) * 9
}

// average divides summed 0–9 scores by the expected number of items.
func average(sum float64, expected int) float64 {
	if expected <= 0 {
		return 0
	}
	return sum / float64(expected)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// checkComposition warns when the exam's real question counts differ from
// the normalization denominators. It only logs, so it runs after commit.
func (p *Processor) checkComposition(ctx context.Context, examID int64) {
	actual, err := p.store.CountQuestionsBySkill(ctx, examID)
	if err != nil {
		slog.Warn("could not count exam questions", "exam_id", examID, "error", err)
		return
	}
	for _, t := range []model.QuestionType{model.QuestionListening, model.QuestionReading, model.QuestionSpeaking, model.QuestionWriting} {
		if n, want := actual[t], p.expected.of(t); n != want {
			slog.Warn("exam composition differs from expected question count",
				"exam_id", examID, "skill", t, "actual", n, "expected", want)
		}
	}
}

// OverallScore recomputes an attempt's skill scores from its stored results.
// Every stored result counts, so after a resubmission the sums cover both
// submissions and may exceed the 0-9 band, while the attempt's own scores
// reflect only the latest submission.
func (p *Processor) OverallScore(ctx context.Context, attemptID int64) (model.SkillScores, error) {
	attempt, err := p.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return model.SkillScores{}, fmt.Errorf("load attempt: %w", err)
	}
	if attempt == nil {
		return model.SkillScores{}, apperr.NotFound("attempt %d not found", attemptID)
	}
	results, err := p.store.ResultsByAttempt(ctx, attemptID)
	if err != nil {
		return model.SkillScores{}, fmt.Errorf("load results: %w", err)
	}
	var raw model.SkillScores
	for _, r := range results {
		raw.Add(r.QuestionType, r.Score)
	}
	return p.normalize(raw), nil
}
