package consequence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/server/internal/analysis"
	"storyloom/server/internal/models"
	"storyloom/server/internal/storage"
	"storyloom/server/internal/storage/memory"
)

func setupService(t *testing.T) (*Service, *memory.Store, *analysis.Stub, string) {
	t.Helper()
	store := memory.New()
	stub := analysis.NewStub()
	project := &models.Project{ID: "proj-1", Title: "The Hollow Crown", Status: "active"}
	require.NoError(t, store.CreateProject(context.Background(), project))
	return NewService(store, stub), store, stub, project.ID
}

func intPtr(n int) *int { return &n }

func mkEvent(t *testing.T, svc *Service, projectID, title string, chapter *int, opts ...func(*CreateEventInput)) *models.StoryEvent {
	t.Helper()
	in := CreateEventInput{
		ProjectID:     projectID,
		ChapterNumber: chapter,
		Title:         title,
		Description:   title,
		EventType:     models.EventDecision,
		Magnitude:     0.5,
	}
	for _, opt := range opts {
		opt(&in)
	}
	event, err := svc.CreateEvent(context.Background(), in)
	require.NoError(t, err)
	return event
}

func TestCreateEventRejectsUnknownType(t *testing.T) {
	svc, _, _, projectID := setupService(t)

	_, err := svc.CreateEvent(context.Background(), CreateEventInput{
		ProjectID: projectID,
		Title:     "the betrayal",
		EventType: "betrayal",
	})
	require.Error(t, err)
}

func TestCreateEventClampsMagnitude(t *testing.T) {
	svc, _, _, projectID := setupService(t)

	event := mkEvent(t, svc, projectID, "the betrayal", intPtr(3), func(in *CreateEventInput) {
		in.Magnitude = 1.7
		impact := -2.5
		in.EmotionalImpact = &impact
	})
	assert.Equal(t, 1.0, event.Magnitude)
	assert.Equal(t, 0.0, *event.EmotionalImpact)
}

func TestAddLinkRejectsCycles(t *testing.T) {
	svc, _, _, projectID := setupService(t)
	ctx := context.Background()

	a := mkEvent(t, svc, projectID, "the king falls ill", intPtr(1))
	b := mkEvent(t, svc, projectID, "the council fractures", intPtr(2))
	c := mkEvent(t, svc, projectID, "civil war begins", intPtr(4))

	require.NoError(t, svc.AddLink(ctx, a.ID, b.ID))
	require.NoError(t, svc.AddLink(ctx, b.ID, c.ID))

	err := svc.AddLink(ctx, c.ID, a.ID)
	require.ErrorIs(t, err, ErrCyclicCausality)

	err = svc.AddLink(ctx, a.ID, a.ID)
	require.ErrorIs(t, err, ErrCyclicCausality)

	// The rejected edges left the graph untouched.
	graph, err := svc.GetGraph(ctx, projectID)
	require.NoError(t, err)
	assert.Len(t, graph.Links, 2)
}

func TestCreateEventRejectedEdgeWritesNothing(t *testing.T) {
	svc, _, _, projectID := setupService(t)
	ctx := context.Background()

	a := mkEvent(t, svc, projectID, "the pact", intPtr(1))
	b := mkEvent(t, svc, projectID, "the betrayal", intPtr(2))
	require.NoError(t, svc.AddLink(ctx, a.ID, b.ID))

	// causes=[b] with effects=[a] would route b→new→a on top of the
	// existing a→b edge, closing a cycle through the new node.
	_, err := svc.CreateEvent(ctx, CreateEventInput{
		ProjectID:     projectID,
		ChapterNumber: intPtr(3),
		Title:         "the reckoning",
		EventType:     models.EventConflict,
		Magnitude:     0.5,
		Causes:        []string{b.ID},
		Effects:       []string{a.ID},
	})
	require.ErrorIs(t, err, ErrCyclicCausality)

	// Neither the node nor any of its edges survived the rejection.
	graph, err := svc.GetGraph(ctx, projectID)
	require.NoError(t, err)
	assert.Len(t, graph.Events, 2)
	assert.Len(t, graph.Links, 1)
}

func TestCreateEventUnknownCauseWritesNothing(t *testing.T) {
	svc, _, _, projectID := setupService(t)
	ctx := context.Background()

	_, err := svc.CreateEvent(ctx, CreateEventInput{
		ProjectID: projectID,
		Title:     "the reckoning",
		EventType: models.EventDecision,
		Causes:    []string{"no-such-event"},
	})
	require.ErrorIs(t, err, storage.ErrNotFound)

	graph, err := svc.GetGraph(ctx, projectID)
	require.NoError(t, err)
	assert.Empty(t, graph.Events)
}

func TestAddLinkDuplicateIsNoop(t *testing.T) {
	svc, _, _, projectID := setupService(t)
	ctx := context.Background()

	a := mkEvent(t, svc, projectID, "the king falls ill", intPtr(1))
	b := mkEvent(t, svc, projectID, "the council fractures", intPtr(2))

	require.NoError(t, svc.AddLink(ctx, a.ID, b.ID))
	require.NoError(t, svc.AddLink(ctx, a.ID, b.ID))

	graph, err := svc.GetGraph(ctx, projectID)
	require.NoError(t, err)
	assert.Len(t, graph.Links, 1)
}

func TestAddLinkRejectsCrossProjectEdges(t *testing.T) {
	svc, store, _, projectID := setupService(t)
	ctx := context.Background()

	other := &models.Project{ID: "proj-2", Title: "Another Book", Status: "active"}
	require.NoError(t, store.CreateProject(ctx, other))

	a := mkEvent(t, svc, projectID, "the king falls ill", intPtr(1))
	b := mkEvent(t, svc, other.ID, "unrelated event", intPtr(1))

	err := svc.AddLink(ctx, a.ID, b.ID)
	require.Error(t, err)
}

func TestDeleteEventWithReferencesInvalidates(t *testing.T) {
	svc, _, stub, projectID := setupService(t)
	ctx := context.Background()

	event := mkEvent(t, svc, projectID, "the betrayal", intPtr(3))
	stub.Predictions = []analysis.ConsequencePrediction{
		{Description: "the alliance collapses", Probability: 0.8, Timeframe: "short_term", Severity: 0.7},
	}
	_, err := svc.Predict(ctx, event.ID, "")
	require.NoError(t, err)

	deleted, err := svc.DeleteEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	reloaded, err := svc.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Invalidated)

	// Without references the row goes away for real.
	lone := mkEvent(t, svc, projectID, "a quiet scene", intPtr(4))
	deleted, err = svc.DeleteEvent(ctx, lone.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = svc.GetEvent(ctx, lone.ID)
	require.Error(t, err)
}

func TestPredictPersistsPotentialConsequences(t *testing.T) {
	svc, _, stub, projectID := setupService(t)
	ctx := context.Background()

	event := mkEvent(t, svc, projectID, "the betrayal", intPtr(3))
	stub.Predictions = []analysis.ConsequencePrediction{
		{Description: "the alliance collapses", Probability: 1.4, Timeframe: "short_term", Severity: 0.7},
		{Description: "Mara flees the capital", Probability: 0.6, Timeframe: "someday", Severity: 0.4},
	}

	out, err := svc.Predict(ctx, event.ID, "late second act")
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, models.ConsequencePotential, out[0].Status)
	assert.Equal(t, 1.0, out[0].Probability)
	assert.Equal(t, models.TimeframeShortTerm, out[0].Timeframe)
	// Unknown timeframe strings default to long_term.
	assert.Equal(t, models.TimeframeLongTerm, out[1].Timeframe)
}

func TestPredictPersistsNothingOnAnalyzerFailure(t *testing.T) {
	svc, _, stub, projectID := setupService(t)
	ctx := context.Background()

	event := mkEvent(t, svc, projectID, "the betrayal", intPtr(3))
	stub.Err = analysis.ErrUnavailable

	_, err := svc.Predict(ctx, event.ID, "")
	require.ErrorIs(t, err, analysis.ErrUnavailable)

	graph, err := svc.GetGraph(ctx, projectID)
	require.NoError(t, err)
	assert.Empty(t, graph.Consequences)
}

func predict(t *testing.T, svc *Service, stub *analysis.Stub, eventID string) *models.Consequence {
	t.Helper()
	stub.Predictions = []analysis.ConsequencePrediction{
		{Description: "the alliance collapses", Probability: 0.8, Timeframe: "short_term", Severity: 0.7},
	}
	out, err := svc.Predict(context.Background(), eventID, "")
	require.NoError(t, err)
	require.Len(t, out, 1)
	return out[0]
}

func TestMarkStateMachine(t *testing.T) {
	svc, _, stub, projectID := setupService(t)
	ctx := context.Background()

	source := mkEvent(t, svc, projectID, "the betrayal", intPtr(3))
	payoff := mkEvent(t, svc, projectID, "the alliance collapses", intPtr(6))
	c := predict(t, svc, stub, source.ID)

	_, err := svc.Mark(ctx, c.ID, MarkInput{Status: models.ConsequencePotential})
	require.ErrorIs(t, err, ErrInvalidTransition)

	c2, err := svc.Mark(ctx, c.ID, MarkInput{Status: models.ConsequenceActive})
	require.NoError(t, err)
	assert.Equal(t, models.ConsequenceActive, c2.Status)

	_, err = svc.Mark(ctx, c.ID, MarkInput{Status: models.ConsequenceActive})
	require.ErrorIs(t, err, ErrInvalidTransition)

	// Realization without a target is refused.
	_, err = svc.Mark(ctx, c.ID, MarkInput{Status: models.ConsequenceRealized})
	require.ErrorIs(t, err, ErrInvalidTransition)

	c3, err := svc.Mark(ctx, c.ID, MarkInput{
		Status:        models.ConsequenceRealized,
		TargetEventID: &payoff.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ConsequenceRealized, c3.Status)
	assert.Equal(t, payoff.ID, *c3.TargetEventID)

	// Terminal.
	_, err = svc.Mark(ctx, c.ID, MarkInput{Status: models.ConsequenceInvalidated, InvalidationReason: "cut"})
	require.ErrorIs(t, err, ErrInvalidTransition)

	active, err := svc.GetActive(ctx, projectID, nil)
	require.NoError(t, err)
	assert.NotContains(t, consequenceIDs(active), c.ID)
}

func TestMarkRealizedDirectlyFromPotential(t *testing.T) {
	svc, _, stub, projectID := setupService(t)
	ctx := context.Background()

	e1 := mkEvent(t, svc, projectID, "the heir's decision", intPtr(1))
	e2 := mkEvent(t, svc, projectID, "the uprising resolves", intPtr(3), func(in *CreateEventInput) {
		in.EventType = models.EventResolution
	})
	require.NoError(t, svc.AddLink(ctx, e1.ID, e2.ID))

	stub.Predictions = []analysis.ConsequencePrediction{
		{Description: "the border garrisons defect", Probability: 0.8, Timeframe: "short_term", Severity: 0.6},
	}
	out, err := svc.Predict(ctx, e1.ID, "")
	require.NoError(t, err)
	c := out[0]
	assert.Equal(t, models.ConsequencePotential, c.Status)

	realized, err := svc.Mark(ctx, c.ID, MarkInput{
		Status:        models.ConsequenceRealized,
		TargetEventID: &e2.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ConsequenceRealized, realized.Status)

	active, err := svc.GetActive(ctx, projectID, nil)
	require.NoError(t, err)
	assert.NotContains(t, consequenceIDs(active), c.ID)
}

func TestMarkRealizedRejectsEarlierTarget(t *testing.T) {
	svc, _, stub, projectID := setupService(t)
	ctx := context.Background()

	source := mkEvent(t, svc, projectID, "the betrayal", intPtr(5))
	early := mkEvent(t, svc, projectID, "a prologue scene", intPtr(2))
	c := predict(t, svc, stub, source.ID)

	_, err := svc.Mark(ctx, c.ID, MarkInput{Status: models.ConsequenceActive})
	require.NoError(t, err)

	_, err = svc.Mark(ctx, c.ID, MarkInput{
		Status:        models.ConsequenceRealized,
		TargetEventID: &early.ID,
	})
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestMarkInvalidatedRequiresReason(t *testing.T) {
	svc, _, stub, projectID := setupService(t)
	ctx := context.Background()

	source := mkEvent(t, svc, projectID, "the betrayal", intPtr(3))
	c := predict(t, svc, stub, source.ID)

	_, err := svc.Mark(ctx, c.ID, MarkInput{Status: models.ConsequenceInvalidated})
	require.ErrorIs(t, err, ErrInvalidTransition)

	c2, err := svc.Mark(ctx, c.ID, MarkInput{
		Status:             models.ConsequenceInvalidated,
		InvalidationReason: "the author rewrote chapter three",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ConsequenceInvalidated, c2.Status)
	assert.Equal(t, "the author rewrote chapter three", c2.InvalidationReason)
}

func TestGetActiveScopesByChapter(t *testing.T) {
	svc, _, stub, projectID := setupService(t)
	ctx := context.Background()

	early := mkEvent(t, svc, projectID, "the betrayal", intPtr(3))
	late := mkEvent(t, svc, projectID, "the counterstrike", intPtr(9))
	unplaced := mkEvent(t, svc, projectID, "a drafted scene", nil)

	fromEarly := predict(t, svc, stub, early.ID)
	fromLate := predict(t, svc, stub, late.ID)
	fromUnplaced := predict(t, svc, stub, unplaced.ID)

	active, err := svc.GetActive(ctx, projectID, intPtr(5))
	require.NoError(t, err)
	ids := consequenceIDs(active)
	assert.Contains(t, ids, fromEarly.ID)
	assert.NotContains(t, ids, fromLate.ID)
	// A source without a chapter number is always in play.
	assert.Contains(t, ids, fromUnplaced.ID)

	all, err := svc.GetActive(ctx, projectID, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func consequenceIDs(cs []*models.Consequence) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}
