package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/incidentlabs/rcacoach/internal/llm/prompts"
	"github.com/incidentlabs/rcacoach/internal/model"
)

// TurnRequest is one exchange in an active interview session.
type TurnRequest struct {
	UserMessage    string              `json:"userMessage"`
	History        []model.ChatMessage `json:"history"`
	ProblemContext string              `json:"problemContext"`
	AIContext      string              `json:"aiContext,omitempty"`
	Questions      []model.Question    `json:"questions"`
	QuestionsAsked []int               `json:"questionsAsked"`
	AttemptID      string              `json:"attemptId,omitempty"`
}

// TurnResult is the outcome of one exchange. QuestionsAsked is always a
// superset of the request's set, growing by at most one index per turn.
type TurnResult struct {
	Response           string `json:"response"`
	QuestionsAsked     []int  `json:"questionsAsked"`
	AllQuestionsAsked  bool   `json:"allQuestionsAsked"`
	ReadyForEvaluation bool   `json:"readyForEvaluation"`
}

// Turn runs one exchange: rate-limit check, LLM call with the full
// running history, intent classification, coverage detection, and the
// evaluation-readiness decision. The caller persists the result
// atomically.
func (e *Engine) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	sessionID := req.AttemptID
	if sessionID == "" {
		sessionID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}

	// Reject before the LLM call so throttled requests cost nothing.
	if allowed, reason := e.limiter.Check(sessionID); !allowed {
		return nil, &RateLimitedError{Reason: reason}
	}
	e.limiter.Record(sessionID)

	system, err := prompts.SystemPrompt()
	if err != nil {
		return nil, fmt.Errorf("load system prompt: %w", err)
	}
	contextPrompt, err := prompts.BuildTurnPrompt(prompts.TurnData{
		SimulationTruth: req.AIContext,
		ProblemContext:  req.ProblemContext,
		Questions:       req.Questions,
		Asked:           req.QuestionsAsked,
		UserMessage:     req.UserMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("build turn prompt: %w", err)
	}

	// Pending is measured against the request's coverage set; a question
	// marked covered this turn still counted as pending when the reply
	// was produced.
	_, pendingQs := prompts.Partition(req.Questions, req.QuestionsAsked)
	pendingCount := len(pendingQs)

	reply, err := e.llm.Chat(ctx, system, req.History, contextPrompt)
	if err != nil {
		// Fail safe: apologize and advance nothing.
		slog.Error("LLM turn failed", "session_id", sessionID, "error", err)
		return &TurnResult{
			Response:          FallbackReply,
			QuestionsAsked:    cloneAsked(req.QuestionsAsked),
			AllQuestionsAsked: pendingCount == 0,
		}, nil
	}

	saysDone := e.intents.SaysDone(req.UserMessage, len(req.QuestionsAsked), len(req.History))
	moveOn := e.intents.WantsMoveOn(req.UserMessage)

	// On done or move-on intent the reply is an acknowledgement, not a
	// fresh topic; crediting coverage from it would double-count.
	asked := cloneAsked(req.QuestionsAsked)
	if !saysDone && !moveOn {
		if idx, ok := e.intents.MatchQuestion(reply, req.Questions, asked); ok {
			asked = append(asked, idx)
		}
	}

	allAsked := len(asked) >= len(req.Questions) || pendingCount == 0
	wrapUp := saysDone || e.intents.SignalsWrapUp(reply, pendingCount)

	return &TurnResult{
		Response:       reply,
		QuestionsAsked: asked,
		// An explicit "done" is treated as full coverage downstream.
		AllQuestionsAsked:  allAsked || saysDone,
		ReadyForEvaluation: saysDone || (allAsked && wrapUp),
	}, nil
}

// cloneAsked copies the coverage set, normalizing nil to an empty slice
// so responses serialize as [] rather than null.
func cloneAsked(asked []int) []int {
	if asked == nil {
		return []int{}
	}
	return slices.Clone(asked)
}
