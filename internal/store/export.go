package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/examhub/internal/model"
)

// ExportAttempts builds export-ready results for every attempt, or only those
// of one exam when examID is non-zero.
func (s *Store) ExportAttempts(ctx context.Context, examID int64) ([]model.AttemptExport, error) {
	var (
		attempts []model.ExamAttempt
		err      error
	)
	if examID != 0 {
		attempts, err = s.ListAttemptsByExam(ctx, examID)
	} else {
		attempts, err = s.listAllAttempts(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	// Track attempt count per user and exam for attempt_number.
	type key struct{ user, exam int64 }
	attemptCount := make(map[key]int)
	users := make(map[int64]*model.User)
	exams := make(map[int64]*model.Exam)

	var out []model.AttemptExport
	for _, a := range attempts {
		attemptCount[key{a.UserID, a.ExamID}]++

		u, ok := users[a.UserID]
		if !ok {
			if u, err = s.GetUserByID(ctx, a.UserID); err != nil {
				return nil, fmt.Errorf("get user %d: %w", a.UserID, err)
			}
			users[a.UserID] = u
		}
		e, ok := exams[a.ExamID]
		if !ok {
			if e, err = s.GetExam(ctx, a.ExamID); err != nil {
				return nil, fmt.Errorf("get exam %d: %w", a.ExamID, err)
			}
			exams[a.ExamID] = e
		}

		results, err := s.ResultsByAttempt(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("results of attempt %d: %w", a.ID, err)
		}
		answers := make([]model.AnswerExport, 0, len(results))
		for _, r := range results {
			answers = append(answers, model.AnswerExport{
				QuestionID:     r.QuestionID,
				QuestionType:   r.QuestionType,
				Question:       r.QuestionContent,
				SelectedAnswer: r.SelectedAnswer,
				IsCorrect:      r.IsCorrect,
				Score:          r.Score,
				Feedback:       r.Feedback,
				Heuristic:      r.Heuristic,
			})
		}

		ae := model.AttemptExport{
			AttemptID:     a.ID,
			ExamID:        a.ExamID,
			AttemptNumber: attemptCount[key{a.UserID, a.ExamID}],
			Status:        a.Status,
			StartedAt:     a.StartedAt,
			FinishedAt:    a.FinishedAt,
			Scores:        a.Scores,
			Answers:       answers,
		}
		if u != nil {
			ae.Username = u.Username
		}
		if e != nil {
			ae.ExamName = e.Name
		}
		out = append(out, ae)
	}
	return out, nil
}

func (c conn) listAllAttempts(ctx context.Context) ([]model.ExamAttempt, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts ORDER BY started_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ExamAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
