package model

import "time"

// ResultsExport is the top-level JSON structure for attempt result export.
type ResultsExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	ExamID     int64           `json:"exam_id,omitempty"`
	Attempts   []AttemptExport `json:"attempts"`
}

// AttemptExport holds one candidate's attempt for export.
type AttemptExport struct {
	AttemptID     int64          `json:"attempt_id"`
	ExamID        int64          `json:"exam_id"`
	ExamName      string         `json:"exam_name"`
	Username      string         `json:"username"`
	AttemptNumber int            `json:"attempt_number"`
	Status        AttemptStatus  `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	Scores        *SkillScores   `json:"scores,omitempty"`
	Answers       []AnswerExport `json:"answers"`
}

// AnswerExport holds per-question result data for export.
type AnswerExport struct {
	QuestionID     int64        `json:"question_id"`
	QuestionType   QuestionType `json:"question_type"`
	Question       string       `json:"question"`
	SelectedAnswer string       `json:"selected_answer"`
	IsCorrect      *bool        `json:"is_correct"`
	Score          float64      `json:"score"`
	Feedback       string       `json:"feedback,omitempty"`
	Heuristic      bool         `json:"heuristic,omitempty"`
}
