// Package engine drives the interview simulation: the per-turn
// question-tracking state machine and the end-of-session rubric
// evaluation. The LLM is a black-box text completion service behind the
// Completer interface; intent detection is a pluggable Classifier.
package engine

import (
	"context"

	"github.com/incidentlabs/rcacoach/internal/intent"
	"github.com/incidentlabs/rcacoach/internal/model"
	"github.com/incidentlabs/rcacoach/internal/ratelimit"
)

// Completer is the LLM boundary. Chat carries the running conversation;
// Generate is a one-shot completion used for scoring.
type Completer interface {
	Chat(ctx context.Context, system string, history []model.ChatMessage, prompt string) (string, error)
	Generate(ctx context.Context, prompt string) (string, error)
}

// RateLimitedError marks a throttled request so callers can surface it
// as a retry-later condition rather than a failure.
type RateLimitedError struct {
	Reason string
}

func (e *RateLimitedError) Error() string { return e.Reason }

// FallbackReply is returned when the LLM call fails mid-turn. The
// session state is left untouched so a retry picks up where it was.
const FallbackReply = "Sorry, I lost my train of thought there. Could you rephrase that or add a bit more detail?"

// Engine holds the collaborators shared by turn and evaluation
// processing.
type Engine struct {
	llm     Completer
	limiter *ratelimit.Limiter
	intents intent.Classifier
}

// New creates an Engine.
func New(llm Completer, limiter *ratelimit.Limiter, intents intent.Classifier) *Engine {
	return &Engine{llm: llm, limiter: limiter, intents: intents}
}
