package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/examhub/internal/model"
)

const examColumns = `id, name, note, total_time, created_by, created_at, updated_at`

const questionColumns = `id, exam_id, parent_id, content, type, position, document_id, created_at, updated_at`

// CreateExam inserts an exam.
func (c conn) CreateExam(ctx context.Context, e model.Exam) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := c.q.QueryRowContext(ctx,
		`INSERT INTO exams (name, note, total_time, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5) RETURNING id`,
		e.Name, e.Note, e.TotalTime, e.CreatedBy, now,
	).Scan(&id)
	return id, err
}

func scanExam(row interface{ Scan(...any) error }) (*model.Exam, error) {
	var e model.Exam
	err := row.Scan(&e.ID, &e.Name, &e.Note, &e.TotalTime, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetExam returns an exam by ID, or nil if there is none.
func (c conn) GetExam(ctx context.Context, id int64) (*model.Exam, error) {
	return scanExam(c.q.QueryRowContext(ctx, `SELECT `+examColumns+` FROM exams WHERE id = $1`, id))
}

// ListExamSummaries returns every exam with its question, skill and examinee counts.
func (c conn) ListExamSummaries(ctx context.Context) ([]model.ExamSummary, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT e.id, e.name, e.note, e.total_time, e.created_by, e.created_at, e.updated_at,
			(SELECT COUNT(*) FROM questions q WHERE q.exam_id = e.id),
			(SELECT COUNT(DISTINCT q.type) FROM questions q WHERE q.exam_id = e.id),
			(SELECT COUNT(DISTINCT a.user_id) FROM exam_attempts a WHERE a.exam_id = e.id)
		FROM exams e ORDER BY e.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ExamSummary
	for rows.Next() {
		var s model.ExamSummary
		if err := rows.Scan(&s.ID, &s.Name, &s.Note, &s.TotalTime, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt,
			&s.TotalQuestions, &s.TotalSkills, &s.TotalExaminees); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetExamSummary returns one exam with its counts and ordered questions, or nil
// if the exam does not exist.
func (c conn) GetExamSummary(ctx context.Context, id int64) (*model.ExamSummary, error) {
	e, err := c.GetExam(ctx, id)
	if err != nil || e == nil {
		return nil, err
	}
	questions, err := c.ListQuestionViews(ctx, id)
	if err != nil {
		return nil, err
	}
	skills := make(map[model.QuestionType]struct{})
	for _, q := range questions {
		skills[q.Type] = struct{}{}
	}
	var examinees int
	err = c.q.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT user_id) FROM exam_attempts WHERE exam_id = $1`, id,
	).Scan(&examinees)
	if err != nil {
		return nil, err
	}
	return &model.ExamSummary{
		Exam:           *e,
		TotalQuestions: len(questions),
		TotalSkills:    len(skills),
		TotalExaminees: examinees,
		Questions:      questions,
	}, nil
}

func scanQuestion(row interface{ Scan(...any) error }) (model.Question, error) {
	var q model.Question
	err := row.Scan(&q.ID, &q.ExamID, &q.ParentID, &q.Content, &q.Type, &q.Order, &q.DocumentID, &q.CreatedAt, &q.UpdatedAt)
	return q, err
}

// QuestionsByIDs loads the given questions in one query, keyed by ID.
// IDs that do not exist are absent from the map.
func (c conn) QuestionsByIDs(ctx context.Context, ids []int64) (map[int64]model.Question, error) {
	out := make(map[int64]model.Question, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id IN (`+placeholders(1, len(ids))+`)`,
		int64Args(ids)...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out[q.ID] = q
	}
	return out, rows.Err()
}

// ListQuestionViews returns an exam's questions in order, with answers and documents.
func (c conn) ListQuestionViews(ctx context.Context, examID int64) ([]model.QuestionView, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE exam_id = $1 ORDER BY position`, examID)
	if err != nil {
		return nil, err
	}
	var views []model.QuestionView
	index := make(map[int64]int)
	var docIDs []int64
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[q.ID] = len(views)
		views = append(views, model.QuestionView{Question: q, Answers: []model.Answer{}})
		if q.DocumentID != nil {
			docIDs = append(docIDs, *q.DocumentID)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(views) == 0 {
		return views, nil
	}

	arows, err := c.q.QueryContext(ctx, `
		SELECT a.id, a.question_id, a.content, a.is_correct, a.position
		FROM answers a JOIN questions q ON q.id = a.question_id
		WHERE q.exam_id = $1 ORDER BY a.question_id, a.position, a.id`, examID)
	if err != nil {
		return nil, err
	}
	for arows.Next() {
		var a model.Answer
		if err := arows.Scan(&a.ID, &a.QuestionID, &a.Content, &a.IsCorrect, &a.Order); err != nil {
			arows.Close()
			return nil, err
		}
		if i, ok := index[a.QuestionID]; ok {
			views[i].Answers = append(views[i].Answers, a)
		}
	}
	if err := arows.Err(); err != nil {
		arows.Close()
		return nil, err
	}
	arows.Close()

	docs, err := c.documentsByIDs(ctx, docIDs)
	if err != nil {
		return nil, err
	}
	for i := range views {
		if id := views[i].DocumentID; id != nil {
			if d, ok := docs[*id]; ok {
				views[i].Document = &d
			}
		}
	}
	return views, nil
}

// CountQuestionsBySkill returns how many questions of each type an exam has.
func (c conn) CountQuestionsBySkill(ctx context.Context, examID int64) (map[model.QuestionType]int, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM questions WHERE exam_id = $1 GROUP BY type`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[model.QuestionType]int)
	for rows.Next() {
		var t model.QuestionType
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, rows.Err()
}

// CorrectAnswers loads the answers marked correct for the given questions, keyed
// by question ID. Questions without a correct answer are absent from the map.
func (c conn) CorrectAnswers(ctx context.Context, questionIDs []int64) (map[int64][]model.Answer, error) {
	out := make(map[int64][]model.Answer)
	if len(questionIDs) == 0 {
		return out, nil
	}
	rows, err := c.q.QueryContext(ctx,
		`SELECT id, question_id, content, is_correct, position FROM answers
		 WHERE is_correct = $1 AND question_id IN (`+placeholders(2, len(questionIDs))+`)
		 ORDER BY question_id, id`,
		append([]any{true}, int64Args(questionIDs)...)...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var a model.Answer
		if err := rows.Scan(&a.ID, &a.QuestionID, &a.Content, &a.IsCorrect, &a.Order); err != nil {
			return nil, err
		}
		out[a.QuestionID] = append(out[a.QuestionID], a)
	}
	return out, rows.Err()
}

// InsertAnswer stores an answer option.
func (c conn) InsertAnswer(ctx context.Context, a model.Answer) (int64, error) {
	var id int64
	err := c.q.QueryRowContext(ctx,
		`INSERT INTO answers (question_id, content, is_correct, position) VALUES ($1, $2, $3, $4) RETURNING id`,
		a.QuestionID, a.Content, a.IsCorrect, a.Order,
	).Scan(&id)
	return id, err
}

// FindDocumentByURL returns the document with the given URL, or nil.
func (c conn) FindDocumentByURL(ctx context.Context, url string) (*model.Document, error) {
	var d model.Document
	err := c.q.QueryRowContext(ctx,
		`SELECT id, url, type, question_id FROM documents WHERE url = $1`, url,
	).Scan(&d.ID, &d.URL, &d.Type, &d.QuestionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDocument stores a document.
func (c conn) CreateDocument(ctx context.Context, d model.Document) (int64, error) {
	var id int64
	err := c.q.QueryRowContext(ctx,
		`INSERT INTO documents (url, type, question_id) VALUES ($1, $2, $3) RETURNING id`,
		d.URL, d.Type, d.QuestionID,
	).Scan(&id)
	return id, err
}

// AttachDocument links a document and a question in both directions.
func (c conn) AttachDocument(ctx context.Context, documentID, questionID int64) error {
	if _, err := c.q.ExecContext(ctx,
		`UPDATE documents SET question_id = $1 WHERE id = $2`, questionID, documentID); err != nil {
		return err
	}
	_, err := c.q.ExecContext(ctx,
		`UPDATE questions SET document_id = $1, updated_at = $2 WHERE id = $3`,
		documentID, time.Now().UTC(), questionID)
	return err
}

func (c conn) documentsByIDs(ctx context.Context, ids []int64) (map[int64]model.Document, error) {
	out := make(map[int64]model.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := c.q.QueryContext(ctx,
		`SELECT id, url, type, question_id FROM documents WHERE id IN (`+placeholders(1, len(ids))+`)`,
		int64Args(ids)...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var d model.Document
		if err := rows.Scan(&d.ID, &d.URL, &d.Type, &d.QuestionID); err != nil {
			return nil, err
		}
		out[d.ID] = d
	}
	return out, rows.Err()
}

func (c conn) nextQuestionOrder(ctx context.Context, examID int64) (int, error) {
	var max sql.NullInt64
	err := c.q.QueryRowContext(ctx,
		`SELECT MAX(position) FROM questions WHERE exam_id = $1`, examID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

// ImportQuestions appends questions to an exam. Each question gets the next
// order value; documents are reused by URL and linked to the new question.
func (c conn) ImportQuestions(ctx context.Context, examID int64, questions []model.QuestionImport) ([]model.QuestionView, error) {
	var created []model.QuestionView
	for i, qi := range questions {
		order, err := c.nextQuestionOrder(ctx, examID)
		if err != nil {
			return nil, fmt.Errorf("question %d: next order: %w", i, err)
		}
		now := time.Now().UTC()
		q := model.Question{
			ExamID:    examID,
			ParentID:  qi.ParentID,
			Content:   qi.Content,
			Type:      qi.Type,
			Order:     order,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = c.q.QueryRowContext(ctx,
			`INSERT INTO questions (exam_id, parent_id, content, type, position, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING id`,
			q.ExamID, q.ParentID, q.Content, q.Type, q.Order, now,
		).Scan(&q.ID)
		if err != nil {
			return nil, fmt.Errorf("question %d: insert: %w", i, err)
		}
		view := model.QuestionView{Question: q, Answers: []model.Answer{}}

		if qi.Document != nil {
			doc, err := c.FindDocumentByURL(ctx, qi.Document.URL)
			if err != nil {
				return nil, fmt.Errorf("question %d: find document: %w", i, err)
			}
			if doc == nil {
				doc = &model.Document{URL: qi.Document.URL, Type: qi.Document.Type}
				if doc.ID, err = c.CreateDocument(ctx, *doc); err != nil {
					return nil, fmt.Errorf("question %d: create document: %w", i, err)
				}
			}
			if err := c.AttachDocument(ctx, doc.ID, q.ID); err != nil {
				return nil, fmt.Errorf("question %d: attach document: %w", i, err)
			}
			doc.QuestionID = &q.ID
			view.DocumentID = &doc.ID
			view.Document = doc
		}

		for j, ai := range qi.Answers {
			a := model.Answer{QuestionID: q.ID, Content: ai.Text, IsCorrect: ai.IsCorrect, Order: j + 1}
			if a.ID, err = c.InsertAnswer(ctx, a); err != nil {
				return nil, fmt.Errorf("question %d answer %d: %w", i, j, err)
			}
			view.Answers = append(view.Answers, a)
		}
		created = append(created, view)
	}
	return created, nil
}
