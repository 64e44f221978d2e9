package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/incidentlabs/rcacoach/internal/jsonextract"
	"github.com/incidentlabs/rcacoach/internal/llm/prompts"
	"github.com/incidentlabs/rcacoach/internal/model"
)

// EvaluateRequest scores a finished session against its rubrics.
type EvaluateRequest struct {
	Messages       []model.ChatMessage `json:"messages"`
	ProblemContext string              `json:"problemContext"`
	Questions      []model.Question    `json:"questions"`
	QuestionsAsked []int               `json:"questionsAsked,omitempty"`
	AttemptID      string              `json:"attemptId,omitempty"`
}

const (
	fallbackQuestionFeedback = "Unable to evaluate this question automatically."
	fallbackOverallFeedback  = "Automatic evaluation encountered an error. Please review your answers manually."
)

// attemptedQuestion pairs a question with its index in the full list,
// so the LLM's local numbering can be mapped back.
type attemptedQuestion struct {
	model.Question
	originalIndex int
}

// Evaluate asks the LLM to score each attempted question and
// post-processes the result deterministically. Parse failures yield a
// structurally valid zero-score result, never an error; only the LLM
// call itself can fail.
func (e *Engine) Evaluate(ctx context.Context, req EvaluateRequest) (*model.EvaluationResult, error) {
	attempted := attemptedQuestions(req.Questions, req.QuestionsAsked)

	questions := make([]model.Question, len(attempted))
	for i, aq := range attempted {
		questions[i] = aq.Question
	}

	prompt, err := prompts.BuildEvalPrompt(prompts.EvalData{
		ProblemContext: req.ProblemContext,
		Attempted:      questions,
		Messages:       req.Messages,
	})
	if err != nil {
		return nil, fmt.Errorf("build evaluation prompt: %w", err)
	}

	raw, err := e.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("evaluation call: %w", err)
	}

	var parsed struct {
		Scores          []model.QuestionScore `json:"scores"`
		OverallFeedback string                `json:"overallFeedback"`
	}
	if err := jsonextract.Decode(raw, &parsed); err != nil {
		slog.Warn("evaluation reply not parseable, using zero-score fallback",
			"attempt_id", req.AttemptID, "error", err)
		return fallbackResult(attempted), nil
	}

	scores := parsed.Scores
	// The model scores only the questions it was shown; anything extra
	// has no rubric to check against.
	if len(scores) > len(attempted) {
		scores = scores[:len(attempted)]
	}
	for i := range scores {
		remapAndNormalize(&scores[i], attempted[i])
	}

	result := &model.EvaluationResult{
		Scores:          scores,
		OverallFeedback: parsed.OverallFeedback,
	}
	fillTotals(result)
	return result, nil
}

// attemptedQuestions filters the full question list down to the covered
// indices, keeping their original positions. With no coverage recorded
// it falls back to all questions rather than scoring nothing.
func attemptedQuestions(questions []model.Question, asked []int) []attemptedQuestion {
	var attempted []attemptedQuestion
	for _, idx := range asked {
		if idx < 0 || idx >= len(questions) {
			continue
		}
		attempted = append(attempted, attemptedQuestion{Question: questions[idx], originalIndex: idx})
	}
	if len(attempted) == 0 {
		for i, q := range questions {
			attempted = append(attempted, attemptedQuestion{Question: q, originalIndex: i})
		}
	}
	return attempted
}

// remapAndNormalize rewrites the score's question index from the LLM's
// local numbering to the original list position and enforces the rubric
// invariants: len(rubricMatches) == len(rubric_items) and
// score == count of true matches.
func remapAndNormalize(s *model.QuestionScore, aq attemptedQuestion) {
	s.QuestionIndex = aq.originalIndex
	s.MaxScore = len(aq.RubricItems)

	matches := s.RubricMatches
	if len(matches) > s.MaxScore {
		matches = matches[:s.MaxScore]
	}
	for len(matches) < s.MaxScore {
		matches = append(matches, false)
	}
	s.RubricMatches = matches

	s.Score = 0
	for _, m := range matches {
		if m {
			s.Score++
		}
	}
}

func fallbackResult(attempted []attemptedQuestion) *model.EvaluationResult {
	result := &model.EvaluationResult{
		Scores:          make([]model.QuestionScore, len(attempted)),
		OverallFeedback: fallbackOverallFeedback,
	}
	for i, aq := range attempted {
		result.Scores[i] = model.QuestionScore{
			QuestionIndex: aq.originalIndex,
			Score:         0,
			MaxScore:      len(aq.RubricItems),
			RubricMatches: make([]bool, len(aq.RubricItems)),
			Feedback:      fallbackQuestionFeedback,
		}
	}
	fillTotals(result)
	return result
}

// fillTotals computes the aggregate fields. A session with no scorable
// rubric items gets percentage 0 rather than a division by zero.
func fillTotals(r *model.EvaluationResult) {
	r.TotalScore = 0
	r.MaxTotalScore = 0
	for _, s := range r.Scores {
		r.TotalScore += s.Score
		r.MaxTotalScore += s.MaxScore
	}
	if r.MaxTotalScore == 0 {
		r.Percentage = 0
		return
	}
	r.Percentage = int(math.Round(100 * float64(r.TotalScore) / float64(r.MaxTotalScore)))
}
