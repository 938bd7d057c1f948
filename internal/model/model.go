package model

import (
	"context"
	"time"
)

// User represents a system user.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Principal is the authenticated caller carried by a bearer token.
type Principal struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

type principalCtxKey struct{}

// ContextWithPrincipal stores the authenticated caller in the request context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

// PrincipalFromContext retrieves the authenticated caller from context, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalCtxKey{}).(*Principal)
	return p
}

// QuestionType is the exam skill a question belongs to.
type QuestionType string

const (
	QuestionSpeaking  QuestionType = "SPEAKING"
	QuestionListening QuestionType = "LISTENING"
	QuestionReading   QuestionType = "READING"
	QuestionWriting   QuestionType = "WRITING"
)

// Valid reports whether t is one of the four skills.
func (t QuestionType) Valid() bool {
	switch t {
	case QuestionSpeaking, QuestionListening, QuestionReading, QuestionWriting:
		return true
	}
	return false
}

// Objective reports whether answers to this type are graded by exact match
// against a marked-correct answer.
func (t QuestionType) Objective() bool {
	return t == QuestionListening || t == QuestionReading
}

// DocumentType is the media kind of a question prompt document.
type DocumentType string

const (
	DocumentImage DocumentType = "IMAGE"
	DocumentAudio DocumentType = "AUDIO"
)

// Exam is a named set of questions with a time limit.
type Exam struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Note      string    `json:"note"`
	TotalTime int       `json:"totalTime"` // seconds
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Question is a single exam item. ParentID groups sub-questions under a shared prompt.
type Question struct {
	ID         int64        `json:"id"`
	ExamID     int64        `json:"examId"`
	ParentID   *int64       `json:"parentId,omitempty"`
	Content    string       `json:"content"`
	Type       QuestionType `json:"type"`
	Order      int          `json:"order"`
	DocumentID *int64       `json:"documentId,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Answer is a selectable option of a question.
type Answer struct {
	ID         int64  `json:"id"`
	QuestionID int64  `json:"questionId"`
	Content    string `json:"content"`
	IsCorrect  bool   `json:"isCorrect"`
	Order      int    `json:"order"`
}

// Document is an audio or image prompt attached to at most one question.
type Document struct {
	ID         int64        `json:"id"`
	URL        string       `json:"url"`
	Type       DocumentType `json:"type"`
	QuestionID *int64       `json:"questionId,omitempty"`
}

// AttemptStatus represents the state of an exam attempt.
type AttemptStatus string

const (
	StatusInProgress AttemptStatus = "in_progress"
	StatusCompleted  AttemptStatus = "completed"
	StatusCanceled   AttemptStatus = "canceled"
)

// CanTransition reports whether an attempt may move from s to next.
// Completed attempts may be completed again: resubmission appends results.
func (s AttemptStatus) CanTransition(next AttemptStatus) bool {
	switch s {
	case StatusInProgress:
		return next == StatusCompleted || next == StatusCanceled
	case StatusCompleted:
		return next == StatusCompleted
	}
	return false
}

// SkillScores holds one value per exam skill.
type SkillScores struct {
	Listening float64 `json:"listening"`
	Reading   float64 `json:"reading"`
	Speaking  float64 `json:"speaking"`
	Writing   float64 `json:"writing"`
}

// Add adds v to the counter of the skill that type t belongs to.
func (s *SkillScores) Add(t QuestionType, v float64) {
	switch t {
	case QuestionListening:
		s.Listening += v
	case QuestionReading:
		s.Reading += v
	case QuestionSpeaking:
		s.Speaking += v
	case QuestionWriting:
		s.Writing += v
	}
}

// ExamAttempt is one user's pass through an exam.
type ExamAttempt struct {
	ID         int64         `json:"id"`
	ExamID     int64         `json:"examId"`
	UserID     int64         `json:"userId"`
	Status     AttemptStatus `json:"status"`
	Scores     *SkillScores  `json:"scores,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
}

// Result is the graded outcome of one submitted answer.
// IsCorrect is nil for subjective items.
type Result struct {
	ID             int64     `json:"id"`
	AttemptID      int64     `json:"attemptId"`
	QuestionID     int64     `json:"questionId"`
	SelectedAnswer string    `json:"selectedAnswer"`
	IsCorrect      *bool     `json:"isCorrect"`
	Score          float64   `json:"score"`
	Feedback       string    `json:"feedback,omitempty"`
	Heuristic      bool      `json:"heuristic,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ResultView joins a result with the question it answers.
type ResultView struct {
	Result
	QuestionContent string       `json:"questionContent"`
	QuestionType    QuestionType `json:"questionType"`
}

// SubmittedAnswer is one answer of a submission.
type SubmittedAnswer struct {
	QuestionID     int64  `json:"questionId" yaml:"questionId" validate:"required,gt=0"`
	SelectedAnswer string `json:"selectedAnswer" yaml:"selectedAnswer"`
}

// QuestionView is a question with its answers and document for display.
type QuestionView struct {
	Question
	Answers  []Answer  `json:"answers"`
	Document *Document `json:"document,omitempty"`
}

// ExamSummary is the aggregated view of an exam.
type ExamSummary struct {
	Exam
	TotalQuestions int            `json:"totalQuestions"`
	TotalSkills    int            `json:"totalSkills"`
	TotalExaminees int            `json:"totalExaminees"`
	Questions      []QuestionView `json:"questions,omitempty"`
}

// QuestionImport is used for loading questions from JSON or YAML.
type QuestionImport struct {
	Content  string          `json:"content" yaml:"content" validate:"required"`
	Type     QuestionType    `json:"type" yaml:"type" validate:"required,oneof=SPEAKING LISTENING READING WRITING"`
	ParentID *int64          `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	Document *DocumentImport `json:"document,omitempty" yaml:"document,omitempty"`
	Answers  []AnswerImport  `json:"answers,omitempty" yaml:"answers,omitempty" validate:"dive"`
}

// DocumentImport describes a document referenced by an imported question.
type DocumentImport struct {
	URL  string       `json:"url" yaml:"url" validate:"required"`
	Type DocumentType `json:"type" yaml:"type" validate:"required,oneof=IMAGE AUDIO"`
}

// AnswerImport describes an answer option of an imported question.
type AnswerImport struct {
	Text      string `json:"text" yaml:"text" validate:"required"`
	IsCorrect bool   `json:"isCorrect" yaml:"isCorrect"`
}

// ExamImport is the file format accepted by the import command.
type ExamImport struct {
	Name      string           `json:"name" yaml:"name" validate:"required"`
	Note      string           `json:"note" yaml:"note"`
	TotalTime int              `json:"totalTime" yaml:"totalTime" validate:"gte=0"`
	Questions []QuestionImport `json:"questions" yaml:"questions" validate:"dive"`
}
