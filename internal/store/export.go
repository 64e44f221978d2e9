package store

import (
	"fmt"

	"github.com/incidentlabs/rcacoach/internal/model"
)

// ExportResults builds export-ready results from all attempts that
// reached a terminal state.
func (s *Store) ExportResults() ([]model.AttemptResult, error) {
	attempts, err := s.ListAttempts("")
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	var results []model.AttemptResult
	for _, a := range attempts {
		if !a.Status.Terminal() {
			continue
		}

		problem, err := s.GetProblem(a.ProblemID)
		if err != nil {
			return nil, fmt.Errorf("get problem %s: %w", a.ProblemID, err)
		}
		eval, err := s.GetEvaluation(a.ID)
		if err != nil {
			return nil, fmt.Errorf("get evaluation for attempt %s: %w", a.ID, err)
		}

		results = append(results, model.AttemptResult{
			AttemptID:      a.ID,
			ProblemID:      a.ProblemID,
			ProblemTitle:   problem.Title,
			Status:         a.Status,
			StartedAt:      a.StartedAt,
			QuestionsAsked: a.QuestionsAsked,
			Conversation:   a.Messages,
			Evaluation:     eval,
		})
	}

	return results, nil
}
