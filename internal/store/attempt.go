package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/examhub/internal/model"
)

const attemptColumns = `id, exam_id, user_id, status, scores, started_at, finished_at`

func scanAttempt(row interface{ Scan(...any) error }) (*model.ExamAttempt, error) {
	var a model.ExamAttempt
	var scores sql.NullString
	var finished sql.NullTime
	err := row.Scan(&a.ID, &a.ExamID, &a.UserID, &a.Status, &scores, &a.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if scores.Valid && scores.String != "" {
		var s model.SkillScores
		if err := json.Unmarshal([]byte(scores.String), &s); err != nil {
			return nil, fmt.Errorf("decode scores of attempt %d: %w", a.ID, err)
		}
		a.Scores = &s
	}
	if finished.Valid {
		t := finished.Time
		a.FinishedAt = &t
	}
	return &a, nil
}

// GetAttempt returns an attempt by ID, or nil if there is none.
func (c conn) GetAttempt(ctx context.Context, id int64) (*model.ExamAttempt, error) {
	return scanAttempt(c.q.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE id = $1`, id))
}

// InProgressAttempt returns the user's in-progress attempt at an exam, or nil.
func (c conn) InProgressAttempt(ctx context.Context, userID, examID int64) (*model.ExamAttempt, error) {
	return scanAttempt(c.q.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts
		 WHERE user_id = $1 AND exam_id = $2 AND status = $3`,
		userID, examID, model.StatusInProgress))
}

// CreateAttempt starts an attempt for the user, or returns the one already in
// progress. The partial unique index on (user_id, exam_id) makes concurrent
// creation safe: the losing insert does nothing and the winner is re-read.
// created reports whether a new row was inserted.
func (c conn) CreateAttempt(ctx context.Context, userID, examID int64) (a *model.ExamAttempt, created bool, err error) {
	existing, err := c.InProgressAttempt(ctx, userID, examID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := time.Now().UTC()
	var id int64
	err = c.q.QueryRowContext(ctx,
		`INSERT INTO exam_attempts (exam_id, user_id, status, started_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING RETURNING id`,
		examID, userID, model.StatusInProgress, now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := c.InProgressAttempt(ctx, userID, examID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("attempt for user %d exam %d vanished after conflict", userID, examID)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	slog.Info("started attempt", "attempt_id", id, "user_id", userID, "exam_id", examID)
	return &model.ExamAttempt{
		ID:        id,
		ExamID:    examID,
		UserID:    userID,
		Status:    model.StatusInProgress,
		StartedAt: now,
	}, true, nil
}

func (c conn) listAttempts(ctx context.Context, where string, arg int64) ([]model.ExamAttempt, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE `+where+` = $1 ORDER BY started_at, id`, arg)
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

// ListAttemptsByExam returns every attempt at an exam.
func (c conn) ListAttemptsByExam(ctx context.Context, examID int64) ([]model.ExamAttempt, error) {
	return c.listAttempts(ctx, "exam_id", examID)
}

// ListAttemptsByUser returns every attempt of a user.
func (c conn) ListAttemptsByUser(ctx context.Context, userID int64) ([]model.ExamAttempt, error) {
	return c.listAttempts(ctx, "user_id", userID)
}

// SetAttemptStatus moves an attempt to next without touching its scores.
func (c conn) SetAttemptStatus(ctx context.Context, id int64, next model.AttemptStatus) error {
	var finished any
	if next != model.StatusInProgress {
		finished = time.Now().UTC()
	}
	_, err := c.q.ExecContext(ctx,
		`UPDATE exam_attempts SET status = $1, finished_at = $2 WHERE id = $3`,
		next, finished, id)
	return err
}

// CompleteAttempt marks an attempt completed and stores its final scores.
func (c conn) CompleteAttempt(ctx context.Context, id int64, scores model.SkillScores) error {
	data, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	res, err := c.q.ExecContext(ctx,
		`UPDATE exam_attempts SET status = $1, scores = $2, finished_at = $3 WHERE id = $4`,
		model.StatusCompleted, string(data), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("attempt %d not updated", id)
	}
	return nil
}

// CancelAttempt moves an in-progress attempt to canceled. It returns the
// updated attempt, nil if the attempt does not exist, or an error if the
// transition is not allowed.
func (s *Store) CancelAttempt(ctx context.Context, id int64) (*model.ExamAttempt, error) {
	var out *model.ExamAttempt
	err := s.WithTx(ctx, func(tx *Tx) error {
		a, err := tx.GetAttempt(ctx, id)
		if err != nil || a == nil {
			return err
		}
		if !a.Status.CanTransition(model.StatusCanceled) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, model.StatusCanceled)
		}
		if err := tx.SetAttemptStatus(ctx, id, model.StatusCanceled); err != nil {
			return err
		}
		out, err = tx.GetAttempt(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		slog.Info("canceled attempt", "attempt_id", id)
	}
	return out, nil
}

// ErrInvalidTransition is returned when an attempt cannot move to the requested status.
var ErrInvalidTransition = errors.New("invalid attempt status transition")
