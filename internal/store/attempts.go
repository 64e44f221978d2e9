package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/incidentlabs/rcacoach/internal/model"
)

// ErrInvalidTransition indicates an attempt status change that the
// lifecycle does not allow.
type ErrInvalidTransition struct {
	From, To model.AttemptStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid attempt transition %s -> %s", e.From, e.To)
}

// CreateAttempt inserts a fresh in-progress attempt.
func (s *Store) CreateAttempt(a model.Attempt) error {
	messages, err := json.Marshal(orEmptyMessages(a.Messages))
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	asked, err := json.Marshal(orEmptyInts(a.QuestionsAsked))
	if err != nil {
		return fmt.Errorf("marshal questions asked: %w", err)
	}
	now := time.Now()
	if a.StartedAt.IsZero() {
		a.StartedAt = now
	}
	_, err = s.db.Exec(
		`INSERT INTO attempts (id, problem_id, status, messages, questions_asked, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProblemID, model.StatusInProgress, string(messages), string(asked), a.StartedAt, now,
	)
	return err
}

// GetAttempt returns an attempt by ID.
func (s *Store) GetAttempt(id string) (model.Attempt, error) {
	var a model.Attempt
	var messages, asked string
	err := s.db.QueryRow(
		`SELECT id, problem_id, status, messages, questions_asked, started_at, updated_at
		 FROM attempts WHERE id = ?`, id,
	).Scan(&a.ID, &a.ProblemID, &a.Status, &messages, &asked, &a.StartedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(messages), &a.Messages); err != nil {
		return a, fmt.Errorf("unmarshal messages for attempt %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(asked), &a.QuestionsAsked); err != nil {
		return a, fmt.Errorf("unmarshal questions asked for attempt %s: %w", id, err)
	}
	return a, nil
}

// LatestOpenAttempt returns the most recent attempt for a problem that
// is not in a terminal state, or nil when none exists.
func (s *Store) LatestOpenAttempt(problemID string) (*model.Attempt, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM attempts
		 WHERE problem_id = ? AND status IN (?, ?)
		 ORDER BY started_at DESC LIMIT 1`,
		problemID, model.StatusInProgress, model.StatusReady,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a, err := s.GetAttempt(id)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAttempts returns all attempts, most recent first. An empty
// problemID means no filtering.
func (s *Store) ListAttempts(problemID string) ([]model.Attempt, error) {
	query := `SELECT id FROM attempts`
	var args []any
	if problemID != "" {
		query += ` WHERE problem_id = ?`
		args = append(args, problemID)
	}
	query += ` ORDER BY started_at DESC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var attempts []model.Attempt
	for _, id := range ids {
		a, err := s.GetAttempt(id)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, nil
}

// UpdateAttemptState persists a turn's outcome: the conversation so
// far, the coverage set, and the (possibly unchanged) status.
// Last-write-wins; there is no optimistic concurrency control.
func (s *Store) UpdateAttemptState(id string, messages []model.ChatMessage, questionsAsked []int, status model.AttemptStatus) error {
	current, err := s.GetAttempt(id)
	if err != nil {
		return err
	}
	if !current.Status.CanTransitionTo(status) {
		return &ErrInvalidTransition{From: current.Status, To: status}
	}

	msgJSON, err := json.Marshal(orEmptyMessages(messages))
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	askedJSON, err := json.Marshal(orEmptyInts(questionsAsked))
	if err != nil {
		return fmt.Errorf("marshal questions asked: %w", err)
	}

	_, err = s.db.Exec(
		`UPDATE attempts SET messages = ?, questions_asked = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(msgJSON), string(askedJSON), status, time.Now(), id,
	)
	return err
}

// UpdateAttemptStatus changes only the lifecycle status.
func (s *Store) UpdateAttemptStatus(id string, status model.AttemptStatus) error {
	current, err := s.GetAttempt(id)
	if err != nil {
		return err
	}
	if !current.Status.CanTransitionTo(status) {
		return &ErrInvalidTransition{From: current.Status, To: status}
	}
	_, err = s.db.Exec(
		`UPDATE attempts SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), id,
	)
	return err
}

// UpsertEvaluation stores the terminal evaluation result for an attempt.
func (s *Store) UpsertEvaluation(attemptID string, result model.EvaluationResult) error {
	scores, err := json.Marshal(result.Scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO evaluations (attempt_id, scores, overall_feedback, total_score, max_total_score, percentage, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(attempt_id) DO UPDATE SET
		   scores = excluded.scores,
		   overall_feedback = excluded.overall_feedback,
		   total_score = excluded.total_score,
		   max_total_score = excluded.max_total_score,
		   percentage = excluded.percentage`,
		attemptID, string(scores), result.OverallFeedback,
		result.TotalScore, result.MaxTotalScore, result.Percentage, time.Now(),
	)
	return err
}

// GetEvaluation returns the evaluation for an attempt, or nil when the
// attempt has not been evaluated.
func (s *Store) GetEvaluation(attemptID string) (*model.EvaluationResult, error) {
	var scores string
	var result model.EvaluationResult
	err := s.db.QueryRow(
		`SELECT scores, overall_feedback, total_score, max_total_score, percentage
		 FROM evaluations WHERE attempt_id = ?`, attemptID,
	).Scan(&scores, &result.OverallFeedback, &result.TotalScore, &result.MaxTotalScore, &result.Percentage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scores), &result.Scores); err != nil {
		return nil, fmt.Errorf("unmarshal scores for attempt %s: %w", attemptID, err)
	}
	return &result, nil
}

// GetAttemptView returns an attempt together with its evaluation.
func (s *Store) GetAttemptView(attemptID string) (*model.AttemptView, error) {
	a, err := s.GetAttempt(attemptID)
	if err != nil {
		return nil, err
	}
	eval, err := s.GetEvaluation(attemptID)
	if err != nil {
		return nil, err
	}
	return &model.AttemptView{Attempt: a, Evaluation: eval}, nil
}

func orEmptyMessages(m []model.ChatMessage) []model.ChatMessage {
	if m == nil {
		return []model.ChatMessage{}
	}
	return m
}

func orEmptyInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}
