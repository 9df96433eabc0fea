package analysis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/server/internal/prompts"
)

// fakeCompleter replays canned model text without a network hop.
type fakeCompleter struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func newTestAnalyzer(response string) (*ModelAnalyzer, *fakeCompleter) {
	fake := &fakeCompleter{response: response}
	return &ModelAnalyzer{chat: fake, prompts: prompts.NewTemplateEngine()}, fake
}

func TestDetectPromisesParsesWrappedJSON(t *testing.T) {
	a, fake := newTestAnalyzer(`Here are the setups I found:
[
  {"setup_description": "a knife under the floorboards", "payoff_required": "the knife is used", "kind": "chekhovs_gun", "confidence": 1.4, "suggested_deadline_offset": -2},
  {"setup_description": "", "payoff_required": "malformed entry"},
  {"setup_description": "who poisoned the king", "payoff_required": "the poisoner is revealed", "kind": "mystery", "confidence": 0.7, "suggested_deadline_offset": 5}
]
Hope that helps!`)

	out, err := a.DetectPromises(context.Background(), DetectPromisesInput{
		Text:    "She slid the knife under the floorboards.",
		Chapter: 5,
	})
	require.NoError(t, err)
	require.Len(t, out, 2) // the entry without a setup is dropped

	assert.Equal(t, 1.0, out[0].Confidence)           // clamped
	assert.Equal(t, 0, out[0].SuggestedDeadlineOffset) // negative offsets floored
	assert.Equal(t, "mystery", out[1].Kind)

	require.Len(t, fake.prompts, 1)
	assert.Contains(t, fake.prompts[0], "She slid the knife under the floorboards.")
}

func TestDetectPromisesEmptyArrayIsNotAnError(t *testing.T) {
	a, _ := newTestAnalyzer("[]")

	out, err := a.DetectPromises(context.Background(), DetectPromisesInput{Text: "quiet chapter", Chapter: 2})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDetectPromisesRejectsNonJSONResponse(t *testing.T) {
	a, _ := newTestAnalyzer("I could not find any promises in this text.")

	_, err := a.DetectPromises(context.Background(), DetectPromisesInput{Text: "x", Chapter: 1})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestDetectPromisesPropagatesTransportError(t *testing.T) {
	fake := &fakeCompleter{err: ErrTimeout}
	a := &ModelAnalyzer{chat: fake, prompts: prompts.NewTemplateEngine()}

	_, err := a.DetectPromises(context.Background(), DetectPromisesInput{Text: "x", Chapter: 1})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestPredictConsequencesClampsScores(t *testing.T) {
	a, _ := newTestAnalyzer(`[
  {"description": "the alliance collapses", "probability": 2.0, "timeframe": "short_term", "severity": -0.3},
  {"description": "", "probability": 0.5}
]`)

	out, err := a.PredictConsequences(context.Background(), PredictConsequencesInput{
		EventID: "e1", Title: "the betrayal", EventType: "decision", Chapter: 3, Magnitude: 0.8,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1.0, out[0].Probability)
	assert.Equal(t, 0.0, out[0].Severity)
}

func TestValidatePayoffClampsCompleteness(t *testing.T) {
	a, _ := newTestAnalyzer("```json\n" + `{"valid": true, "reason": "the reveal lands", "completeness": 130, "suggestions": ["trim the epilogue"]}` + "\n```")

	out, err := a.ValidatePayoff(context.Background(), ValidatePayoffInput{
		SetupChapter: 7, SetupDescription: "who poisoned the king",
		PayoffRequired: "the poisoner is revealed",
		PayoffChapter:  11, PayoffText: "The duke confesses.",
	})
	require.NoError(t, err)
	assert.True(t, out.Valid)
	assert.Equal(t, 100.0, out.Completeness)
	assert.Equal(t, []string{"trim the epilogue"}, out.Suggestions)
}

func TestCheckConflictJudgment(t *testing.T) {
	a, fake := newTestAnalyzer(`{"contradictory": false, "reason": "a deliberate deception arc"}`)

	out, err := a.CheckConflictJudgment(context.Background(), ConflictJudgmentInput{
		Chapter: 2, Character: "mara",
		EventA: "Mara swears loyalty", EventB: "Mara plots the coup",
	})
	require.NoError(t, err)
	assert.False(t, out.Contradictory)
	require.Len(t, fake.prompts, 1)
	assert.Contains(t, fake.prompts[0], "mara")
}
