// Package importer loads exams and questions from JSON or YAML files.
package importer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pavelanni/examhub/internal/apperr"
	"github.com/pavelanni/examhub/internal/model"
	"github.com/pavelanni/examhub/internal/store"
)

// Format is a supported file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the format from a file name or content type. Anything that
// is not recognisably YAML is treated as JSON.
func FormatFor(nameOrType string) Format {
	s := strings.ToLower(nameOrType)
	switch {
	case strings.HasSuffix(s, ".yaml"), strings.HasSuffix(s, ".yml"), strings.Contains(s, "yaml"):
		return FormatYAML
	}
	return FormatJSON
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks v against its struct tags and reports failures as a
// validation error listing every offending field.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return apperr.Validation("%v", err)
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msg := fe.Namespace() + " failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return apperr.Validation("%s", strings.Join(msgs, "; "))
}

func decode(data []byte, f Format, v any) error {
	var err error
	if f == FormatYAML {
		err = yaml.Unmarshal(data, v)
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(v)
	}
	if err != nil {
		return apperr.Validation("invalid %s: %v", f, err)
	}
	return nil
}

// DecodeExam parses and validates a whole exam.
func DecodeExam(data []byte, f Format) (*model.ExamImport, error) {
	var e model.ExamImport
	if err := decode(data, f, &e); err != nil {
		return nil, err
	}
	if err := Validate(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DecodeQuestions parses and validates a question list. Both a bare list and
// an object with a "questions" key are accepted.
func DecodeQuestions(data []byte, f Format) ([]model.QuestionImport, error) {
	trimmed := bytes.TrimSpace(data)
	var wrapper struct {
		Questions []model.QuestionImport `json:"questions" yaml:"questions" validate:"required,min=1,dive"`
	}
	isList := len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '-')
	if isList {
		if err := decode(data, f, &wrapper.Questions); err != nil {
			return nil, err
		}
	} else if err := decode(data, f, &wrapper); err != nil {
		return nil, err
	}
	if err := Validate(&wrapper); err != nil {
		return nil, err
	}
	return wrapper.Questions, nil
}

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Importer writes decoded content to the store.
type Importer struct {
	store *store.Store
}

// New creates an importer.
func New(s *store.Store) *Importer {
	return &Importer{store: s}
}

// Report describes the outcome of an import.
type Report struct {
	ExamID    int64                `json:"examId"`
	Skipped   bool                 `json:"skipped,omitempty"`
	Questions []model.QuestionView `json:"questions"`
}

// ImportExam creates an exam with its questions in one transaction.
func (im *Importer) ImportExam(ctx context.Context, e *model.ExamImport, createdBy string) (*Report, error) {
	rep := &Report{}
	err := im.store.WithTx(ctx, func(tx *store.Tx) error {
		id, err := tx.CreateExam(ctx, model.Exam{
			Name:      e.Name,
			Note:      e.Note,
			TotalTime: e.TotalTime,
			CreatedBy: createdBy,
		})
		if err != nil {
			return fmt.Errorf("create exam: %w", err)
		}
		rep.ExamID = id
		rep.Questions, err = importQuestions(ctx, tx, id, e.Questions)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("imported exam", "exam_id", rep.ExamID, "name", e.Name, "questions", len(rep.Questions))
	return rep, nil
}

// ImportQuestions appends questions to an existing exam in one transaction.
// When name is set and a file with the same name and content was already
// imported into the exam, nothing is written and the report is marked skipped.
func (im *Importer) ImportQuestions(ctx context.Context, examID int64, name string, data []byte, questions []model.QuestionImport) (*Report, error) {
	rep := &Report{ExamID: examID}
	hash := Hash(data)
	err := im.store.WithTx(ctx, func(tx *store.Tx) error {
		exam, err := tx.GetExam(ctx, examID)
		if err != nil {
			return fmt.Errorf("load exam: %w", err)
		}
		if exam == nil {
			return apperr.NotFound("exam %d not found", examID)
		}
		if name != "" {
			prev, err := tx.GetImportedFileHash(ctx, examID, name)
			if err != nil {
				return fmt.Errorf("check import status: %w", err)
			}
			if prev == hash {
				rep.Skipped = true
				return nil
			}
		}
		rep.Questions, err = importQuestions(ctx, tx, examID, questions)
		if err != nil {
			return err
		}
		if name != "" {
			if err := tx.SetImportedFileHash(ctx, examID, name, hash); err != nil {
				return fmt.Errorf("record import: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rep.Skipped {
		slog.Info("skipped duplicate import", "exam_id", examID, "file", name)
	} else {
		slog.Info("imported questions", "exam_id", examID, "file", name, "count", len(rep.Questions))
	}
	return rep, nil
}

// importQuestions checks parent references then inserts the questions.
// A parent must be an existing question of the same exam.
func importQuestions(ctx context.Context, tx *store.Tx, examID int64, questions []model.QuestionImport) ([]model.QuestionView, error) {
	var parents []int64
	for _, q := range questions {
		if q.ParentID != nil {
			parents = append(parents, *q.ParentID)
		}
	}
	if len(parents) > 0 {
		found, err := tx.QuestionsByIDs(ctx, parents)
		if err != nil {
			return nil, fmt.Errorf("load parents: %w", err)
		}
		for _, id := range parents {
			p, ok := found[id]
			if !ok || p.ExamID != examID {
				return nil, apperr.Validation("parent question %d does not belong to exam %d", id, examID)
			}
		}
	}
	for i, q := range questions {
		if !q.Type.Objective() {
			continue
		}
		n := 0
		for _, a := range q.Answers {
			if a.IsCorrect {
				n++
			}
		}
		if n > 1 {
			return nil, apperr.Validation("question %d: %s questions allow one correct answer, got %d", i, q.Type, n)
		}
	}
	created, err := tx.ImportQuestions(ctx, examID, questions)
	if err != nil {
		return nil, fmt.Errorf("import questions: %w", err)
	}
	return created, nil
}
