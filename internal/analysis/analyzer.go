package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"storyloom/server/internal/prompts"
	"storyloom/server/internal/storage"
)

// Task identifies one analysis operation.
type Task string

const (
	TaskDetectPromises        Task = "detect_promises"
	TaskPredictConsequences   Task = "predict_consequences"
	TaskValidatePayoff        Task = "validate_payoff"
	TaskCheckConflictJudgment Task = "check_conflict_judgment"
)

// DetectPromisesInput is a prose passage to scan for narrative setups.
type DetectPromisesInput struct {
	Text    string `json:"text"`
	Chapter int    `json:"chapter"`
	Scene   *int   `json:"scene,omitempty"`
	Context string `json:"context,omitempty"`
}

// PromiseCandidate is one detected setup. Nothing is persisted; the
// caller decides whether to materialize it.
type PromiseCandidate struct {
	SetupDescription        string  `json:"setup_description"`
	PayoffRequired          string  `json:"payoff_required"`
	Kind                    string  `json:"kind"`
	Confidence              float64 `json:"confidence"`
	SuggestedDeadlineOffset int     `json:"suggested_deadline_offset"`
}

// PredictConsequencesInput describes the event to simulate forward.
type PredictConsequencesInput struct {
	EventID     string  `json:"event_id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	EventType   string  `json:"event_type"`
	Chapter     int     `json:"chapter"`
	Magnitude   float64 `json:"magnitude"`
	Context     string  `json:"context,omitempty"`
}

// ConsequencePrediction is one proposed consequence.
type ConsequencePrediction struct {
	Description        string   `json:"description"`
	Probability        float64  `json:"probability"`
	Timeframe          string   `json:"timeframe"`
	Severity           float64  `json:"severity"`
	AffectedCharacters []string `json:"affected_characters"`
	AffectedLocations  []string `json:"affected_locations"`
	AffectedThreads    []string `json:"affected_threads"`
}

// ValidatePayoffInput compares a candidate payoff passage against the
// promise's required payoff.
type ValidatePayoffInput struct {
	SetupChapter     int    `json:"setup_chapter"`
	SetupDescription string `json:"setup_description"`
	PayoffRequired   string `json:"payoff_required"`
	PayoffChapter    int    `json:"payoff_chapter"`
	PayoffText       string `json:"payoff_text"`
}

// PayoffAssessment is the model's judgment of a payoff.
type PayoffAssessment struct {
	Valid        bool     `json:"valid"`
	Reason       string   `json:"reason"`
	Completeness float64  `json:"completeness"` // 0-100
	Suggestions  []string `json:"suggestions,omitempty"`
}

// ConflictJudgmentInput asks whether two same-chapter events contradict
// for one character.
type ConflictJudgmentInput struct {
	Chapter   int    `json:"chapter"`
	Character string `json:"character"`
	EventA    string `json:"event_a"`
	EventB    string `json:"event_b"`
}

// ConflictJudgment is the model's verdict.
type ConflictJudgment struct {
	Contradictory bool   `json:"contradictory"`
	Reason        string `json:"reason"`
}

// Analyzer is the capability consumed by the ledger, consequence and
// timeline services.
type Analyzer interface {
	DetectPromises(ctx context.Context, in DetectPromisesInput) ([]PromiseCandidate, error)
	PredictConsequences(ctx context.Context, in PredictConsequencesInput) ([]ConsequencePrediction, error)
	ValidatePayoff(ctx context.Context, in ValidatePayoffInput) (*PayoffAssessment, error)
	CheckConflictJudgment(ctx context.Context, in ConflictJudgmentInput) (*ConflictJudgment, error)
}

type completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ModelAnalyzer implements Analyzer over a chat completion endpoint, with
// optional response deduplication through the Redis cache.
type ModelAnalyzer struct {
	chat    completer
	prompts *prompts.TemplateEngine
	cache   *storage.Cache // nil disables dedup
}

// NewModelAnalyzer wires the chat client and templates. cache may be nil.
func NewModelAnalyzer(chat *ChatClient, engine *prompts.TemplateEngine, cache *storage.Cache) *ModelAnalyzer {
	return &ModelAnalyzer{chat: chat, prompts: engine, cache: cache}
}

// analyze renders the template for a task, runs the completion (or serves
// it from the dedup cache) and returns the raw model text.
func (a *ModelAnalyzer) analyze(ctx context.Context, task Task, tmpl string, vars map[string]string, payload interface{}) (string, error) {
	var cacheKey string
	if a.cache != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			cacheKey = storage.AnalysisKey(string(task), raw)
			if cached, err := a.cache.GetAnalysis(ctx, cacheKey); err == nil {
				return string(cached), nil
			}
		}
	}

	prompt, err := a.prompts.Render(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	text, err := a.chat.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}

	if cacheKey != "" {
		if err := a.cache.SetAnalysis(ctx, cacheKey, []byte(text)); err != nil {
			log.Printf("[analysis] cache write failed: %v", err)
		}
	}

	return text, nil
}

func (a *ModelAnalyzer) DetectPromises(ctx context.Context, in DetectPromisesInput) ([]PromiseCandidate, error) {
	sceneNote := ""
	if in.Scene != nil {
		sceneNote = fmt.Sprintf(", scene %d", *in.Scene)
	}
	text, err := a.analyze(ctx, TaskDetectPromises, prompts.TemplateDetectPromises, map[string]string{
		"text":       in.Text,
		"chapter":    fmt.Sprintf("%d", in.Chapter),
		"scene_note": sceneNote,
		"context":    in.Context,
	}, in)
	if err != nil {
		return nil, err
	}

	var out []PromiseCandidate
	if err := decodeJSONArray(text, &out); err != nil {
		return nil, err
	}
	candidates := out[:0]
	for _, c := range out {
		if c.SetupDescription == "" || c.PayoffRequired == "" {
			continue // malformed entry, skip
		}
		c.Confidence = clamp01(c.Confidence)
		if c.SuggestedDeadlineOffset < 0 {
			c.SuggestedDeadlineOffset = 0
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func (a *ModelAnalyzer) PredictConsequences(ctx context.Context, in PredictConsequencesInput) ([]ConsequencePrediction, error) {
	text, err := a.analyze(ctx, TaskPredictConsequences, prompts.TemplatePredictConsequences, map[string]string{
		"title":       in.Title,
		"description": in.Description,
		"event_type":  in.EventType,
		"chapter":     fmt.Sprintf("%d", in.Chapter),
		"magnitude":   fmt.Sprintf("%.2f", in.Magnitude),
		"context":     in.Context,
	}, in)
	if err != nil {
		return nil, err
	}

	var out []ConsequencePrediction
	if err := decodeJSONArray(text, &out); err != nil {
		return nil, err
	}
	predictions := out[:0]
	for _, p := range out {
		if p.Description == "" {
			continue
		}
		p.Probability = clamp01(p.Probability)
		p.Severity = clamp01(p.Severity)
		predictions = append(predictions, p)
	}
	return predictions, nil
}

func (a *ModelAnalyzer) ValidatePayoff(ctx context.Context, in ValidatePayoffInput) (*PayoffAssessment, error) {
	text, err := a.analyze(ctx, TaskValidatePayoff, prompts.TemplateValidatePayoff, map[string]string{
		"setup_chapter":     fmt.Sprintf("%d", in.SetupChapter),
		"setup_description": in.SetupDescription,
		"payoff_required":   in.PayoffRequired,
		"payoff_chapter":    fmt.Sprintf("%d", in.PayoffChapter),
		"payoff_text":       in.PayoffText,
	}, in)
	if err != nil {
		return nil, err
	}

	var out PayoffAssessment
	if err := decodeJSONObject(text, &out); err != nil {
		return nil, err
	}
	out.Completeness = clampRange(out.Completeness, 0, 100)
	return &out, nil
}

func (a *ModelAnalyzer) CheckConflictJudgment(ctx context.Context, in ConflictJudgmentInput) (*ConflictJudgment, error) {
	text, err := a.analyze(ctx, TaskCheckConflictJudgment, prompts.TemplateConflictJudgment, map[string]string{
		"chapter":   fmt.Sprintf("%d", in.Chapter),
		"character": in.Character,
		"event_a":   in.EventA,
		"event_b":   in.EventB,
	}, in)
	if err != nil {
		return nil, err
	}

	var out ConflictJudgment
	if err := decodeJSONObject(text, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// decodeJSONArray pulls the first JSON array out of the model text.
// Models wrap output in prose or code fences often enough that a plain
// Unmarshal is not reliable.
func decodeJSONArray(text string, v interface{}) error {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return fmt.Errorf("%w: no JSON array in response", ErrUnavailable)
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func decodeJSONObject(text string, v interface{}) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("%w: no JSON object in response", ErrUnavailable)
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func clamp01(v float64) float64 {
	return clampRange(v, 0, 1)
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
