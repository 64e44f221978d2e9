package model

import "time"

// Role represents a chat message speaker.
type Role string

const (
	RoleUser        Role = "user"
	RoleInterviewer Role = "interviewer"
)

// AttemptStatus represents the lifecycle state of an interview attempt.
type AttemptStatus string

const (
	StatusInProgress AttemptStatus = "in_progress"
	StatusReady      AttemptStatus = "ready_for_evaluation"
	StatusEvaluated  AttemptStatus = "evaluated"
	StatusTerminated AttemptStatus = "terminated"
)

// attemptTransitions lists the allowed status transitions. Evaluated and
// terminated are terminal. An attempt may drop back from ready to
// in-progress when the candidate keeps talking instead of submitting.
var attemptTransitions = map[AttemptStatus][]AttemptStatus{
	StatusInProgress: {StatusReady, StatusTerminated},
	StatusReady:      {StatusInProgress, StatusEvaluated, StatusTerminated},
}

// CanTransitionTo reports whether moving from s to next is a valid
// lifecycle transition. A no-op transition (s == next) is always valid.
func (s AttemptStatus) CanTransitionTo(next AttemptStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range attemptTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s AttemptStatus) Terminal() bool {
	return s == StatusEvaluated || s == StatusTerminated
}

// Difficulty represents problem difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Problem is one incident scenario the candidate debugs.
type Problem struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Context          string     `json:"context"`
	AIContext        string     `json:"ai_context,omitempty"`
	Category         string     `json:"category"`
	Difficulty       Difficulty `json:"difficulty"`
	TimeLimitMinutes int        `json:"time_limit_minutes"`
}

// Question is one interview question within a problem. Questions are
// immutable once an attempt starts and are identified by their position
// in the problem's ordered question list.
type Question struct {
	ID                 string   `json:"id,omitempty"`
	ProblemID          string   `json:"problem_id,omitempty"`
	OrderIndex         int      `json:"order_index,omitempty"`
	Text               string   `json:"text"`
	GoldStandardAnswer string   `json:"gold_standard_answer"`
	RubricItems        []string `json:"rubric_items"`
	ContextSummary     string   `json:"context_summary,omitempty"`
}

// ChatMessage is a single turn in the interview transcript.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Attempt is one candidate's run through a problem's question set.
// Messages and QuestionsAsked are persisted after every turn;
// writes are last-write-wins.
type Attempt struct {
	ID             string        `json:"id"`
	ProblemID      string        `json:"problem_id"`
	Status         AttemptStatus `json:"status"`
	Messages       []ChatMessage `json:"messages"`
	QuestionsAsked []int         `json:"questions_asked"`
	StartedAt      time.Time     `json:"started_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// QuestionScore is the rubric-based score for one attempted question.
// QuestionIndex refers to the question's position in the problem's full
// question list, not its position among attempted questions.
type QuestionScore struct {
	QuestionIndex int    `json:"questionIndex"`
	Score         int    `json:"score"`
	MaxScore      int    `json:"maxScore"`
	RubricMatches []bool `json:"rubricMatches"`
	Feedback      string `json:"feedback"`
}

// EvaluationResult is the terminal outcome of an attempt.
type EvaluationResult struct {
	Scores          []QuestionScore `json:"scores"`
	OverallFeedback string          `json:"overallFeedback"`
	TotalScore      int             `json:"totalScore"`
	MaxTotalScore   int             `json:"maxTotalScore"`
	Percentage      int             `json:"percentage"`
}

// SimConfig holds runtime simulation parameters set via CLI flags.
type SimConfig struct {
	MatchThreshold   int // topic words required to mark a question covered
	GlobalRateLimit  int
	GlobalWindow     time.Duration
	SessionRateLimit int
	SessionWindow    time.Duration
}

// ProblemImport is used for loading problems from JSON seed files.
type ProblemImport struct {
	Title            string           `json:"title"`
	Context          string           `json:"context"`
	AIContext        string           `json:"ai_context"`
	Category         string           `json:"category"`
	Difficulty       Difficulty       `json:"difficulty"`
	TimeLimitMinutes int              `json:"time_limit_minutes"`
	Questions        []QuestionImport `json:"questions"`
}

// QuestionImport is used for loading questions from JSON seed files.
type QuestionImport struct {
	Text               string   `json:"text"`
	GoldStandardAnswer string   `json:"gold_standard_answer"`
	RubricItems        []string `json:"rubric_items"`
	ContextSummary     string   `json:"context_summary"`
}

// ProblemView combines a problem with its ordered question list.
type ProblemView struct {
	Problem   Problem    `json:"problem"`
	Questions []Question `json:"questions"`
}

// AttemptView combines an attempt with its evaluation, if any.
type AttemptView struct {
	Attempt    Attempt           `json:"attempt"`
	Evaluation *EvaluationResult `json:"evaluation,omitempty"`
}
