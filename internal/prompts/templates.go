// Package prompts holds the prompt templates for the narrative analysis
// tasks and a small variable-substitution engine.
package prompts

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// TemplateEngine manages prompt templates.
type TemplateEngine struct {
	templates map[string]*Template
	mu        sync.RWMutex
}

// Template is a prompt with {{variable}} placeholders.
type Template struct {
	Name        string `json:"name"`
	Content     string `json:"content"`
	Description string `json:"description"`
}

// NewTemplateEngine creates an engine preloaded with the default analysis
// templates.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerDefaults()
	return e
}

// RegisterTemplate registers or replaces a template.
func (e *TemplateEngine) RegisterTemplate(tmpl *Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[tmpl.Name] = tmpl
}

// GetTemplate retrieves a template by name.
func (e *TemplateEngine) GetTemplate(name string) (*Template, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tmpl, ok := e.templates[name]
	if !ok {
		return nil, fmt.Errorf("template not found: %s", name)
	}
	return tmpl, nil
}

var varRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Render substitutes vars into the named template. Unknown placeholders
// are replaced with an empty string so the model never sees raw braces.
func (e *TemplateEngine) Render(name string, vars map[string]string) (string, error) {
	tmpl, err := e.GetTemplate(name)
	if err != nil {
		return "", err
	}

	result := varRegex.ReplaceAllStringFunc(tmpl.Content, func(match string) string {
		key := varRegex.FindStringSubmatch(match)[1]
		if val, ok := vars[key]; ok {
			return val
		}
		return ""
	})

	return strings.TrimSpace(result), nil
}

// Template names, one per analysis task.
const (
	TemplateDetectPromises      = "detect_promises"
	TemplatePredictConsequences = "predict_consequences"
	TemplateValidatePayoff      = "validate_payoff"
	TemplateConflictJudgment    = "check_conflict_judgment"
)

func (e *TemplateEngine) registerDefaults() {
	for _, tmpl := range defaultTemplates {
		e.templates[tmpl.Name] = tmpl
	}
}

var defaultTemplates = []*Template{
	{
		Name:        TemplateDetectPromises,
		Description: "Find narrative setups (Chekhov's gun, vows, mysteries, foreshadowing) in prose",
		Content: `You are an editorial assistant for a novel-writing platform. Read the passage
below and list every narrative promise it sets up: planted objects or details
(Chekhov's gun), vows or oaths, unanswered mysteries, and foreshadowing.

## Passage (chapter {{chapter}}{{scene_note}})
{{text}}

## Story context
{{context}}

Respond with a JSON array only, no commentary. Each element:
{"setup_description": "...", "payoff_required": "...", "kind": "chekhovs_gun|vow|mystery|foreshadowing", "confidence": 0.0-1.0, "suggested_deadline_offset": <chapters until the payoff should land>}

Return [] if the passage sets up nothing.`,
	},
	{
		Name:        TemplatePredictConsequences,
		Description: "Predict downstream consequences of a story event",
		Content: `You are a consequence simulator for a story bible. Given the event below,
predict its plausible downstream consequences in the narrative.

## Event (chapter {{chapter}})
Title: {{title}}
Type: {{event_type}}
Magnitude: {{magnitude}}
Description: {{description}}

## Story context
{{context}}

Respond with a JSON array only. Each element:
{"description": "...", "probability": 0.0-1.0, "timeframe": "immediate|short_term|long_term", "severity": 0.0-1.0, "affected_characters": [], "affected_locations": [], "affected_threads": []}

Predict at most five consequences. Return [] if the event is inert.`,
	},
	{
		Name:        TemplateValidatePayoff,
		Description: "Judge whether a payoff passage satisfies a promise",
		Content: `You are validating whether a passage pays off a narrative promise.

## Promise
Setup (chapter {{setup_chapter}}): {{setup_description}}
Required payoff: {{payoff_required}}

## Candidate payoff (chapter {{payoff_chapter}})
{{payoff_text}}

Respond with a JSON object only:
{"valid": true|false, "reason": "...", "completeness": 0-100, "suggestions": ["..."]}

completeness is how fully the passage resolves the promise. Suggestions are
optional edits that would complete the payoff; omit when valid.`,
	},
	{
		Name:        TemplateConflictJudgment,
		Description: "Judge whether two same-chapter events contradict for a character",
		Content: `Two events in chapter {{chapter}} both involve the character {{character}}.
Decide whether they are contradictory: emotionally or logically incompatible
for that character within a single chapter.

## Event A
{{event_a}}

## Event B
{{event_b}}

Respond with a JSON object only:
{"contradictory": true|false, "reason": "..."}`,
	},
}
