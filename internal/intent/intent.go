// Package intent classifies freeform interview text with keyword
// heuristics: whether the candidate wants to end the session or skip
// ahead, which pending question the interviewer's reply covers, and
// whether the reply signals wrap-up. The heuristics trade precision for
// zero extra LLM calls per turn.
package intent

import (
	"strings"

	"github.com/incidentlabs/rcacoach/internal/model"
)

// Classifier decides intent from freeform conversation text. The
// keyword implementation below is the default; a model-based classifier
// can be swapped in without touching the turn engine.
type Classifier interface {
	// SaysDone reports whether the candidate asked to end the session.
	// coveredCount and historyLen gate against an accidental phrase
	// match ending a session with no content.
	SaysDone(userMessage string, coveredCount, historyLen int) bool

	// WantsMoveOn reports whether the candidate asked to skip to the
	// next topic.
	WantsMoveOn(userMessage string) bool

	// MatchQuestion returns the index of the first not-yet-covered
	// question (in original order) that the interviewer's reply covers,
	// or ok=false when none matches.
	MatchQuestion(reply string, questions []model.Question, asked []int) (index int, ok bool)

	// SignalsWrapUp reports whether the interviewer's reply cues the end
	// of the conversation.
	SignalsWrapUp(reply string, pendingCount int) bool
}

// DefaultThreshold is the number of topic words from a pending question
// that must appear in the reply before the question counts as covered.
// Tuned empirically; adjust via the match-threshold flag.
const DefaultThreshold = 2

const minTopicWordLen = 5

var doneKeywords = []string{
	"i am done", "i'm done", "im done", "evaluate me", "submit", "ready to submit",
	"show me my score", "final score", "end the session", "see my results",
	"how did i do", "grade me", "rate me", "done with the session",
}

var moveOnPhrases = []string{
	"next question", "move on", "move to next", "skip this", "let's continue", "continue to next",
}

var wrapUpPhrases = []string{
	"wrap up", "how you did", "ready to submit",
}

// Generic interrogative/connector words that carry no topic signal.
var stopwords = map[string]bool{
	"would": true, "should": true, "which": true, "about": true,
	"could": true, "their": true, "there": true, "where": true,
	"these": true, "those": true, "being": true, "doing": true,
	"having": true, "what": true,
}

// Keyword is the substring-matching Classifier.
type Keyword struct {
	threshold int
}

// NewKeyword creates a keyword classifier. A threshold < 1 falls back
// to DefaultThreshold.
func NewKeyword(threshold int) *Keyword {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	return &Keyword{threshold: threshold}
}

func (k *Keyword) SaysDone(userMessage string, coveredCount, historyLen int) bool {
	if coveredCount < 1 && historyLen < 3 {
		return false
	}
	return containsAny(strings.ToLower(userMessage), doneKeywords)
}

func (k *Keyword) WantsMoveOn(userMessage string) bool {
	return containsAny(strings.ToLower(userMessage), moveOnPhrases)
}

func (k *Keyword) MatchQuestion(reply string, questions []model.Question, asked []int) (int, bool) {
	// Only an actual question from the interviewer can cover a topic.
	if !strings.Contains(reply, "?") {
		return 0, false
	}

	askedSet := make(map[int]bool, len(asked))
	for _, i := range asked {
		askedSet[i] = true
	}

	replyLower := strings.ToLower(reply)
	for i, q := range questions {
		if askedSet[i] {
			continue
		}
		matches := 0
		for _, w := range TopicWords(q.Text) {
			if strings.Contains(replyLower, w) {
				matches++
			}
		}
		if matches >= k.threshold {
			return i, true
		}
	}
	return 0, false
}

func (k *Keyword) SignalsWrapUp(reply string, pendingCount int) bool {
	replyLower := strings.ToLower(reply)
	if containsAny(replyLower, wrapUpPhrases) {
		return true
	}
	// With nothing left to ask, any closing question reads as the
	// interviewer's check-in before evaluation.
	return pendingCount == 0 && strings.Contains(reply, "?")
}

// TopicWords extracts the meaning-bearing tokens of a question:
// lowercase words of at least five characters, minus generic stopwords.
// The length filter runs before punctuation is trimmed so that a short
// word ending a question ("rate?") still qualifies and matches inside a
// longer reply.
func TopicWords(questionText string) []string {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(questionText)) {
		if len(w) < minTopicWordLen {
			continue
		}
		w = strings.Trim(w, "?.,!;:'\"()")
		if w == "" || stopwords[w] {
			continue
		}
		words = append(words, w)
	}
	return words
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
