package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/incidentlabs/rcacoach/internal/intent"
	"github.com/incidentlabs/rcacoach/internal/model"
	"github.com/incidentlabs/rcacoach/internal/ratelimit"
)

type fakeLLM struct {
	chatReply     string
	chatErr       error
	genReply      string
	genErr        error
	lastGenPrompt string
	chatCalls     int
}

func (f *fakeLLM) Chat(_ context.Context, _ string, _ []model.ChatMessage, _ string) (string, error) {
	f.chatCalls++
	return f.chatReply, f.chatErr
}

func (f *fakeLLM) Generate(_ context.Context, prompt string) (string, error) {
	f.lastGenPrompt = prompt
	return f.genReply, f.genErr
}

func newTestEngine(llm Completer) *Engine {
	limiter := ratelimit.New(ratelimit.Config{
		GlobalLimit:   1000,
		GlobalWindow:  time.Minute,
		SessionLimit:  1000,
		SessionWindow: time.Hour,
	})
	return New(llm, limiter, intent.NewKeyword(2))
}

var turnQuestions = []model.Question{
	{Text: "What is the error rate?", RubricItems: []string{"mentions error rate", "mentions timeframe"}},
	{Text: "Which regions show the outage?", RubricItems: []string{"identifies region"}},
}

func TestTurnCoverageDetection(t *testing.T) {
	llm := &fakeLLM{chatReply: "Can you tell me more about the error rate and when it started?"}
	e := newTestEngine(llm)

	res, err := e.Turn(context.Background(), TurnRequest{
		UserMessage:    "Where should I start?",
		ProblemContext: "Checkout conversions dropped.",
		Questions:      turnQuestions,
		QuestionsAsked: []int{},
	})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if !reflect.DeepEqual(res.QuestionsAsked, []int{0}) {
		t.Errorf("QuestionsAsked = %v, want [0]", res.QuestionsAsked)
	}
	if res.AllQuestionsAsked || res.ReadyForEvaluation {
		t.Errorf("flags = (%v, %v), want (false, false)", res.AllQuestionsAsked, res.ReadyForEvaluation)
	}
}

func TestTurnAtMostOneNewQuestion(t *testing.T) {
	// Reply mentions topic words from both pending questions.
	llm := &fakeLLM{chatReply: "What's the error rate, and which regions show the outage?"}
	e := newTestEngine(llm)

	res, err := e.Turn(context.Background(), TurnRequest{
		UserMessage: "hm",
		Questions:   turnQuestions,
	})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if len(res.QuestionsAsked) != 1 || res.QuestionsAsked[0] != 0 {
		t.Errorf("QuestionsAsked = %v, want exactly [0] (first pending wins)", res.QuestionsAsked)
	}
}

func TestTurnCoverageMonotonic(t *testing.T) {
	llm := &fakeLLM{chatReply: "Which regions show the outage pattern?"}
	e := newTestEngine(llm)

	res, err := e.Turn(context.Background(), TurnRequest{
		UserMessage:    "the error rate doubled",
		Questions:      turnQuestions,
		QuestionsAsked: []int{0},
	})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if !reflect.DeepEqual(res.QuestionsAsked, []int{0, 1}) {
		t.Errorf("QuestionsAsked = %v, want [0 1]", res.QuestionsAsked)
	}
}

func TestTurnDoneIntent(t *testing.T) {
	t.Run("done with engagement is ready regardless of reply", func(t *testing.T) {
		llm := &fakeLLM{chatReply: "Sure, let me tally that up."}
		e := newTestEngine(llm)

		res, err := e.Turn(context.Background(), TurnRequest{
			UserMessage:    "ok I'm done, evaluate me",
			Questions:      turnQuestions,
			QuestionsAsked: []int{0},
		})
		if err != nil {
			t.Fatalf("Turn: %v", err)
		}
		if !res.ReadyForEvaluation {
			t.Error("done intent with engagement must set ReadyForEvaluation")
		}
		if !res.AllQuestionsAsked {
			t.Error("done intent is treated as full coverage downstream")
		}
	})

	t.Run("done phrase without engagement is ignored", func(t *testing.T) {
		llm := &fakeLLM{chatReply: "Let's dig into the incident first."}
		e := newTestEngine(llm)

		res, err := e.Turn(context.Background(), TurnRequest{
			UserMessage: "submit",
			Questions:   turnQuestions,
		})
		if err != nil {
			t.Fatalf("Turn: %v", err)
		}
		if res.ReadyForEvaluation {
			t.Error("a bare done phrase with no engagement must not end the session")
		}
	})

	t.Run("done skips coverage detection", func(t *testing.T) {
		llm := &fakeLLM{chatReply: "Nice work on the error rate question, when it started mattered. Ready?"}
		e := newTestEngine(llm)

		res, err := e.Turn(context.Background(), TurnRequest{
			UserMessage:    "how did i do",
			History:        make([]model.ChatMessage, 4),
			Questions:      turnQuestions,
			QuestionsAsked: []int{},
		})
		if err != nil {
			t.Fatalf("Turn: %v", err)
		}
		if len(res.QuestionsAsked) != 0 {
			t.Errorf("QuestionsAsked = %v, want no new coverage on done intent", res.QuestionsAsked)
		}
	})
}

func TestTurnMoveOnSkipsCoverage(t *testing.T) {
	// Reply re-mentions topic words while acknowledging the skip.
	llm := &fakeLLM{chatReply: "Got it, skipping the error rate discussion. What about deploys?"}
	e := newTestEngine(llm)

	res, err := e.Turn(context.Background(), TurnRequest{
		UserMessage:    "next question please",
		Questions:      turnQuestions,
		QuestionsAsked: []int{},
	})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if len(res.QuestionsAsked) != 0 {
		t.Errorf("QuestionsAsked = %v, want unchanged on move-on intent", res.QuestionsAsked)
	}
	if res.ReadyForEvaluation {
		t.Error("move-on must not end the session")
	}
}

func TestTurnWrapUp(t *testing.T) {
	t.Run("all asked plus wrap-up reply is ready", func(t *testing.T) {
		llm := &fakeLLM{chatReply: "Alright! Ready to wrap up and see how you did?"}
		e := newTestEngine(llm)

		res, err := e.Turn(context.Background(), TurnRequest{
			UserMessage:    "that covers everything I'd check",
			Questions:      turnQuestions,
			QuestionsAsked: []int{0, 1},
		})
		if err != nil {
			t.Fatalf("Turn: %v", err)
		}
		if !res.AllQuestionsAsked || !res.ReadyForEvaluation {
			t.Errorf("flags = (%v, %v), want (true, true)", res.AllQuestionsAsked, res.ReadyForEvaluation)
		}
	})

	t.Run("wrap-up phrase with pending questions is not ready", func(t *testing.T) {
		llm := &fakeLLM{chatReply: "We'll wrap up soon, but first: anything else?"}
		e := newTestEngine(llm)

		res, err := e.Turn(context.Background(), TurnRequest{
			UserMessage: "ok",
			Questions:   turnQuestions,
		})
		if err != nil {
			t.Fatalf("Turn: %v", err)
		}
		if res.ReadyForEvaluation {
			t.Error("wrap-up without full coverage must not be ready")
		}
	})

	t.Run("closing check-in with nothing pending is ready", func(t *testing.T) {
		llm := &fakeLLM{chatReply: "Anything else before we finish?"}
		e := newTestEngine(llm)

		res, err := e.Turn(context.Background(), TurnRequest{
			UserMessage:    "I think the deploy caused it",
			Questions:      turnQuestions,
			QuestionsAsked: []int{0, 1},
		})
		if err != nil {
			t.Fatalf("Turn: %v", err)
		}
		if !res.ReadyForEvaluation {
			t.Error("closing question with no pending topics should be ready")
		}
	})
}

func TestTurnRateLimited(t *testing.T) {
	llm := &fakeLLM{chatReply: "hello"}
	limiter := ratelimit.New(ratelimit.Config{
		GlobalLimit:   1,
		GlobalWindow:  time.Minute,
		SessionLimit:  10,
		SessionWindow: time.Hour,
	})
	e := New(llm, limiter, intent.NewKeyword(2))

	req := TurnRequest{UserMessage: "hi", Questions: turnQuestions, AttemptID: "a1"}
	if _, err := e.Turn(context.Background(), req); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	_, err := e.Turn(context.Background(), req)
	var rle *RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rle.Reason == "" {
		t.Error("rate limited error should carry a client-facing reason")
	}
	if llm.chatCalls != 1 {
		t.Errorf("LLM called %d times, want 1 (rejection must precede the call)", llm.chatCalls)
	}
}

func TestTurnLLMFailureIsFailSafe(t *testing.T) {
	llm := &fakeLLM{chatErr: errors.New("upstream 503")}
	e := newTestEngine(llm)

	res, err := e.Turn(context.Background(), TurnRequest{
		UserMessage:    "what next?",
		Questions:      turnQuestions,
		QuestionsAsked: []int{0},
	})
	if err != nil {
		t.Fatalf("Turn should recover from LLM failure, got %v", err)
	}
	if res.Response != FallbackReply {
		t.Errorf("Response = %q, want fallback reply", res.Response)
	}
	if !reflect.DeepEqual(res.QuestionsAsked, []int{0}) {
		t.Errorf("QuestionsAsked = %v, want unchanged [0]", res.QuestionsAsked)
	}
	if res.ReadyForEvaluation {
		t.Error("failed turn must not advance session state")
	}
}
