package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/incidentlabs/rcacoach/internal/model"
)

var evalQuestions = []model.Question{
	{Text: "What is the error rate?", GoldStandardAnswer: "4% since 09:30", RubricItems: []string{"mentions error rate", "mentions timeframe"}},
	{Text: "Which regions are affected?", GoldStandardAnswer: "eu-west-1", RubricItems: []string{"identifies region"}},
	{Text: "What changed recently?", GoldStandardAnswer: "Feature flag rollout", RubricItems: []string{"mentions deploys", "mentions flags"}},
	{Text: "Who should be paged?", GoldStandardAnswer: "Payments on-call", RubricItems: []string{"names the right team"}},
	{Text: "How do you verify the fix?", GoldStandardAnswer: "Watch the dashboards", RubricItems: []string{"mentions verification", "mentions rollback plan"}},
}

var evalMessages = []model.ChatMessage{
	{Role: model.RoleInterviewer, Content: "Where would you start?"},
	{Role: model.RoleUser, Content: "Error rate dashboards, then recent deploys."},
}

func TestEvaluateRemapsIndices(t *testing.T) {
	// Only questions 2 and 4 were covered; the model numbers them 0 and 1.
	llm := &fakeLLM{genReply: `{
		"scores": [
			{"questionIndex": 0, "score": 2, "maxScore": 2, "rubricMatches": [true, true], "feedback": "solid"},
			{"questionIndex": 1, "score": 1, "maxScore": 2, "rubricMatches": [true, false], "feedback": "partial"}
		],
		"overallFeedback": "Decent instincts."
	}`}
	e := newTestEngine(llm)

	res, err := e.Evaluate(context.Background(), EvaluateRequest{
		Messages:       evalMessages,
		ProblemContext: "ctx",
		Questions:      evalQuestions,
		QuestionsAsked: []int{2, 4},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if len(res.Scores) != 2 {
		t.Fatalf("got %d scores, want 2", len(res.Scores))
	}
	gotIndices := []int{res.Scores[0].QuestionIndex, res.Scores[1].QuestionIndex}
	if gotIndices[0] != 2 || gotIndices[1] != 4 {
		t.Errorf("question indices = %v, want [2 4] (original positions, not local)", gotIndices)
	}

	// Only attempted questions appear in the prompt.
	if strings.Contains(llm.lastGenPrompt, "Which regions are affected?") {
		t.Error("unattempted question leaked into the scoring prompt")
	}
	if !strings.Contains(llm.lastGenPrompt, "What changed recently?") {
		t.Error("attempted question missing from the scoring prompt")
	}
}

func TestEvaluateNormalizesScores(t *testing.T) {
	// rubricMatches has the wrong length and the score disagrees with
	// the matches; post-processing must fix both.
	llm := &fakeLLM{genReply: `{
		"scores": [
			{"questionIndex": 0, "score": 5, "maxScore": 9, "rubricMatches": [true, false, true, true], "feedback": "x"}
		],
		"overallFeedback": "y"
	}`}
	e := newTestEngine(llm)

	res, err := e.Evaluate(context.Background(), EvaluateRequest{
		Messages:       evalMessages,
		ProblemContext: "ctx",
		Questions:      evalQuestions,
		QuestionsAsked: []int{0},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	s := res.Scores[0]
	if len(s.RubricMatches) != 2 {
		t.Errorf("rubricMatches length = %d, want 2 (rubric size)", len(s.RubricMatches))
	}
	if s.MaxScore != 2 {
		t.Errorf("maxScore = %d, want 2", s.MaxScore)
	}
	if s.Score != 1 {
		t.Errorf("score = %d, want 1 (count of true matches after truncation)", s.Score)
	}
}

func TestEvaluateTotals(t *testing.T) {
	llm := &fakeLLM{genReply: `{
		"scores": [
			{"questionIndex": 0, "score": 2, "maxScore": 2, "rubricMatches": [true, true], "feedback": "a"},
			{"questionIndex": 1, "score": 1, "maxScore": 2, "rubricMatches": [true, false], "feedback": "b"}
		],
		"overallFeedback": "c"
	}`}
	e := newTestEngine(llm)

	res, err := e.Evaluate(context.Background(), EvaluateRequest{
		Messages:       evalMessages,
		ProblemContext: "ctx",
		Questions:      evalQuestions,
		QuestionsAsked: []int{0, 2},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if res.TotalScore != 3 {
		t.Errorf("totalScore = %d, want 3", res.TotalScore)
	}
	if res.MaxTotalScore != 4 {
		t.Errorf("maxTotalScore = %d, want 4", res.MaxTotalScore)
	}
	if res.Percentage != 75 {
		t.Errorf("percentage = %d, want 75", res.Percentage)
	}
}

func TestEvaluateMalformedReplyFallsBack(t *testing.T) {
	llm := &fakeLLM{genReply: "Sure, here's some text with no JSON."}
	e := newTestEngine(llm)

	res, err := e.Evaluate(context.Background(), EvaluateRequest{
		Messages:       evalMessages,
		ProblemContext: "ctx",
		Questions:      evalQuestions,
		QuestionsAsked: []int{0, 1},
	})
	if err != nil {
		t.Fatalf("Evaluate must not fail on malformed output, got %v", err)
	}

	if len(res.Scores) != 2 {
		t.Fatalf("got %d scores, want one per attempted question", len(res.Scores))
	}
	for i, s := range res.Scores {
		if s.Score != 0 {
			t.Errorf("scores[%d].Score = %d, want 0", i, s.Score)
		}
		if s.Feedback != fallbackQuestionFeedback {
			t.Errorf("scores[%d].Feedback = %q", i, s.Feedback)
		}
		for _, m := range s.RubricMatches {
			if m {
				t.Errorf("scores[%d] has a true rubric match in fallback", i)
			}
		}
	}
	if res.Scores[0].MaxScore != 2 || res.Scores[1].MaxScore != 1 {
		t.Errorf("fallback max scores = (%d, %d), want (2, 1)",
			res.Scores[0].MaxScore, res.Scores[1].MaxScore)
	}
	if res.OverallFeedback != fallbackOverallFeedback {
		t.Errorf("overallFeedback = %q", res.OverallFeedback)
	}
	if res.Percentage != 0 {
		t.Errorf("percentage = %d, want 0", res.Percentage)
	}
}

func TestEvaluateEmptyCoverageScoresAll(t *testing.T) {
	llm := &fakeLLM{genReply: "no json here either"}
	e := newTestEngine(llm)

	res, err := e.Evaluate(context.Background(), EvaluateRequest{
		Messages:       evalMessages,
		ProblemContext: "ctx",
		Questions:      evalQuestions,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(res.Scores) != len(evalQuestions) {
		t.Errorf("got %d scores, want all %d questions when coverage is unrecorded",
			len(res.Scores), len(evalQuestions))
	}
}

func TestEvaluateZeroMaxScore(t *testing.T) {
	llm := &fakeLLM{genReply: `{"scores": [{"questionIndex": 0, "score": 0, "maxScore": 0, "rubricMatches": [], "feedback": ""}], "overallFeedback": ""}`}
	e := newTestEngine(llm)

	res, err := e.Evaluate(context.Background(), EvaluateRequest{
		Messages:       evalMessages,
		ProblemContext: "ctx",
		Questions:      []model.Question{{Text: "No rubric here"}},
		QuestionsAsked: []int{0},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.MaxTotalScore != 0 {
		t.Fatalf("maxTotalScore = %d, want 0", res.MaxTotalScore)
	}
	if res.Percentage != 0 {
		t.Errorf("percentage = %d, want 0 (divide-by-zero guard)", res.Percentage)
	}
}

func TestEvaluateLLMFailure(t *testing.T) {
	llm := &fakeLLM{genErr: errors.New("upstream timeout")}
	e := newTestEngine(llm)

	if _, err := e.Evaluate(context.Background(), EvaluateRequest{
		Messages:  evalMessages,
		Questions: evalQuestions,
	}); err == nil {
		t.Fatal("expected error when the evaluation call itself fails")
	}
}

func TestEvaluateExtraScoresDropped(t *testing.T) {
	llm := &fakeLLM{genReply: `{
		"scores": [
			{"questionIndex": 0, "score": 1, "maxScore": 1, "rubricMatches": [true], "feedback": "a"},
			{"questionIndex": 7, "score": 1, "maxScore": 1, "rubricMatches": [true], "feedback": "hallucinated"}
		],
		"overallFeedback": "z"
	}`}
	e := newTestEngine(llm)

	res, err := e.Evaluate(context.Background(), EvaluateRequest{
		Messages:       evalMessages,
		ProblemContext: "ctx",
		Questions:      evalQuestions,
		QuestionsAsked: []int{1},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(res.Scores) != 1 {
		t.Fatalf("got %d scores, want hallucinated extras dropped", len(res.Scores))
	}
	if res.Scores[0].QuestionIndex != 1 {
		t.Errorf("questionIndex = %d, want 1", res.Scores[0].QuestionIndex)
	}
}
