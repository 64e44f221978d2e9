package model

import "time"

// ResultsExport is the top-level JSON structure for attempt result export.
type ResultsExport struct {
	Label      string          `json:"label,omitempty"`
	ExportedAt time.Time       `json:"exported_at"`
	Results    []AttemptResult `json:"results"`
}

// AttemptResult holds one attempt's data for export.
type AttemptResult struct {
	AttemptID      string            `json:"attempt_id"`
	ProblemID      string            `json:"problem_id"`
	ProblemTitle   string            `json:"problem_title"`
	Status         AttemptStatus     `json:"status"`
	StartedAt      time.Time         `json:"started_at"`
	QuestionsAsked []int             `json:"questions_asked"`
	Conversation   []ChatMessage     `json:"conversation"`
	Evaluation     *EvaluationResult `json:"evaluation,omitempty"`
}
