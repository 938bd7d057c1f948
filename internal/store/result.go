package store

import (
	"context"
	"time"

	"github.com/pavelanni/examhub/internal/model"
)

// InsertResult stores one graded answer.
func (c conn) InsertResult(ctx context.Context, r model.Result) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := c.q.QueryRowContext(ctx,
		`INSERT INTO results (attempt_id, question_id, selected_answer, is_correct, score, feedback, heuristic, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		r.AttemptID, r.QuestionID, r.SelectedAnswer, r.IsCorrect, r.Score, r.Feedback, r.Heuristic, r.CreatedAt,
	).Scan(&id)
	return id, err
}

// ResultsByAttempt returns an attempt's results joined with their questions,
// oldest first.
func (c conn) ResultsByAttempt(ctx context.Context, attemptID int64) ([]model.ResultView, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT r.id, r.attempt_id, r.question_id, r.selected_answer, r.is_correct,
			r.score, r.feedback, r.heuristic, r.created_at, q.content, q.type
		FROM results r JOIN questions q ON q.id = r.question_id
		WHERE r.attempt_id = $1
		ORDER BY r.id`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ResultView
	for rows.Next() {
		var v model.ResultView
		if err := rows.Scan(&v.ID, &v.AttemptID, &v.QuestionID, &v.SelectedAnswer, &v.IsCorrect,
			&v.Score, &v.Feedback, &v.Heuristic, &v.CreatedAt, &v.QuestionContent, &v.QuestionType); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountResults returns how many results an attempt has.
func (c conn) CountResults(ctx context.Context, attemptID int64) (int, error) {
	var n int
	err := c.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM results WHERE attempt_id = $1`, attemptID).Scan(&n)
	return n, err
}
