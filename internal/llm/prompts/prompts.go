// Package prompts assembles every piece of text sent to the LLM: the
// interviewer persona, the per-turn context block, and the evaluation
// prompt. Assembly is pure and deterministic given identical inputs.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/incidentlabs/rcacoach/internal/model"
)

//go:embed templates/*.txt
var tmplFS embed.FS

var (
	loadOnce   sync.Once
	loadErr    error
	systemText string
	turnTmpl   *template.Template
	evalTmpl   *template.Template
)

var (
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
	simulationTruthRegex    = regexp.MustCompile(`(?i)</?\s*simulation-truth\b[^>]*>`)
)

const maxUserTextRunes = 10000

// Load parses the embedded templates. It uses sync.Once so templates
// are loaded only once; every builder calls it implicitly.
func Load() error {
	loadOnce.Do(func() {
		sys, err := tmplFS.ReadFile("templates/interviewer_system.txt")
		if err != nil {
			loadErr = fmt.Errorf("read interviewer system prompt: %w", err)
			return
		}
		systemText = strings.TrimSpace(string(sys))

		turnTmpl, err = template.ParseFS(tmplFS, "templates/turn_context.txt")
		if err != nil {
			loadErr = fmt.Errorf("parse turn context template: %w", err)
			return
		}
		evalTmpl, err = template.ParseFS(tmplFS, "templates/evaluation.txt")
		if err != nil {
			loadErr = fmt.Errorf("parse evaluation template: %w", err)
			return
		}
	})
	return loadErr
}

// SystemPrompt returns the interviewer persona instructions.
func SystemPrompt() (string, error) {
	if err := Load(); err != nil {
		return "", err
	}
	return systemText, nil
}

// TurnData holds the inputs for one turn's context prompt.
type TurnData struct {
	SimulationTruth string // hidden incident reality, never shown to the candidate
	ProblemContext  string
	Questions       []model.Question
	Asked           []int
	UserMessage     string
}

type turnTemplateData struct {
	SimulationTruth string
	ProblemContext  string
	AvailableInfo   string
	AskedCount      int
	TotalCount      int
	AskedLines      string
	PendingLines    string
	AllAsked        bool
	UserMessage     string
}

// BuildTurnPrompt renders the context block sent alongside the running
// chat history on every turn.
func BuildTurnPrompt(d TurnData) (string, error) {
	if err := Load(); err != nil {
		return "", err
	}

	asked, pending := Partition(d.Questions, d.Asked)

	data := turnTemplateData{
		SimulationTruth: strings.TrimSpace(d.SimulationTruth),
		ProblemContext:  d.ProblemContext,
		AvailableInfo:   AvailableInfo(d.Questions),
		AskedCount:      len(asked),
		TotalCount:      len(d.Questions),
		AskedLines:      questionLines(asked, "None yet"),
		PendingLines:    questionLines(pending, "All questions have been asked!"),
		AllAsked:        len(pending) == 0,
		UserMessage:     SanitizeUserText(d.UserMessage),
	}

	var buf bytes.Buffer
	if err := turnTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// EvalData holds the inputs for the scoring prompt.
type EvalData struct {
	ProblemContext string
	// Attempted is the filtered question list, in attempted order; the
	// LLM sees these numbered 1..n.
	Attempted []model.Question
	Messages  []model.ChatMessage
}

type evalTemplateData struct {
	ProblemContext string
	QuestionsInfo  string
	Transcript     string
}

// BuildEvalPrompt renders the one-shot scoring prompt for session end.
func BuildEvalPrompt(d EvalData) (string, error) {
	if err := Load(); err != nil {
		return "", err
	}

	data := evalTemplateData{
		ProblemContext: d.ProblemContext,
		QuestionsInfo:  questionsInfo(d.Attempted),
		Transcript:     FormatTranscript(d.Messages),
	}

	var buf bytes.Buffer
	if err := evalTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Partition splits the question list into already-asked and pending
// slices, both in original question order.
func Partition(questions []model.Question, asked []int) (askedQs, pendingQs []model.Question) {
	askedSet := make(map[int]bool, len(asked))
	for _, i := range asked {
		askedSet[i] = true
	}
	for i, q := range questions {
		if askedSet[i] {
			askedQs = append(askedQs, q)
		} else {
			pendingQs = append(pendingQs, q)
		}
	}
	return askedQs, pendingQs
}

// AvailableInfo concatenates each question's context summary, skipping
// questions without one. It simulates the fact base the interviewer can
// draw on without revealing the root cause.
func AvailableInfo(questions []model.Question) string {
	var lines []string
	for _, q := range questions {
		if q.ContextSummary != "" {
			lines = append(lines, q.ContextSummary)
		}
	}
	if len(lines) == 0 {
		return "No additional context available for this scenario."
	}
	return strings.Join(lines, "\n")
}

// FormatTranscript renders the conversation as speaker-labeled lines.
func FormatTranscript(messages []model.ChatMessage) string {
	var sb strings.Builder
	for i, m := range messages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		label := "INTERVIEWER"
		if m.Role == model.RoleUser {
			label = "CANDIDATE"
		}
		sb.WriteString(label + ": " + m.Content)
	}
	return sb.String()
}

// questionLines renders question texts as a bulleted list, by text only
// so scoring internals never leak into the prompt.
func questionLines(questions []model.Question, empty string) string {
	if len(questions) == 0 {
		return empty
	}
	var lines []string
	for _, q := range questions {
		lines = append(lines, "- "+q.Text)
	}
	return strings.Join(lines, "\n")
}

func questionsInfo(attempted []model.Question) string {
	var sb strings.Builder
	for i, q := range attempted {
		if i > 0 {
			sb.WriteString("\n---\n")
		}
		fmt.Fprintf(&sb, "QUESTION %d: %s\n", i+1, q.Text)
		fmt.Fprintf(&sb, "GOLD STANDARD: %s\n", q.GoldStandardAnswer)
		sb.WriteString("RUBRIC ITEMS:\n")
		for j, item := range q.RubricItems {
			fmt.Fprintf(&sb, "  %d. %s\n", j+1, item)
		}
	}
	return sb.String()
}

// SanitizeUserText strips tags a candidate could use to impersonate the
// prompt's own sections and truncates oversized input.
func SanitizeUserText(text string) string {
	text = systemInstructionsRegex.ReplaceAllString(text, "")
	text = simulationTruthRegex.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	if text == "" {
		return "[No message provided]"
	}

	if utf8.RuneCountInString(text) > maxUserTextRunes {
		runes := []rune(text)
		text = string(runes[:maxUserTextRunes]) + "\n\n[Message truncated due to length]"
	}
	return text
}
