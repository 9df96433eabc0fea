package timeline

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/server/internal/analysis"
	"storyloom/server/internal/canon"
	"storyloom/server/internal/models"
	"storyloom/server/internal/storage/memory"
)

func setupService(t *testing.T) (*Service, *memory.Store, *analysis.Stub, string) {
	t.Helper()
	store := memory.New()
	stub := analysis.NewStub()
	project := &models.Project{ID: "proj-1", Title: "The Hollow Crown", Status: "active"}
	require.NoError(t, store.CreateProject(context.Background(), project))
	return NewService(store, stub, Config{}), store, stub, project.ID
}

func intPtr(n int) *int { return &n }

func floatPtr(f float64) *float64 { return &f }

func addChapter(t *testing.T, store *memory.Store, projectID, name string, number int) *models.CanonEntity {
	t.Helper()
	e := &models.CanonEntity{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		Kind:          string(canon.KindChapter),
		Name:          name,
		Data:          models.JSONMap{"title": name},
		ChapterNumber: intPtr(number),
	}
	require.NoError(t, store.CreateEntity(context.Background(), e))
	return e
}

func addMilestone(t *testing.T, store *memory.Store, projectID, name string, number int) *models.CanonEntity {
	t.Helper()
	e := &models.CanonEntity{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		Kind:          string(canon.KindMilestone),
		Name:          name,
		Data:          models.JSONMap{"title": name},
		ChapterNumber: intPtr(number),
	}
	require.NoError(t, store.CreateEntity(context.Background(), e))
	return e
}

func addEvent(t *testing.T, store *memory.Store, projectID, title string, eventType models.EventType, chapter, scene *int, magnitude float64, impact *float64, participants ...string) *models.StoryEvent {
	t.Helper()
	e := &models.StoryEvent{
		ID:              uuid.NewString(),
		ProjectID:       projectID,
		ChapterNumber:   chapter,
		SceneNumber:     scene,
		Title:           title,
		Description:     title,
		EventType:       eventType,
		Magnitude:       magnitude,
		EmotionalImpact: impact,
		Participants:    participants,
	}
	require.NoError(t, store.CreateEvent(context.Background(), e))
	return e
}

func addConsequence(t *testing.T, store *memory.Store, projectID, sourceID, description string, status models.ConsequenceStatus, target *string) *models.Consequence {
	t.Helper()
	c := &models.Consequence{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		SourceEventID: sourceID,
		TargetEventID: target,
		Description:   description,
		Probability:   0.8,
		Timeframe:     models.TimeframeShortTerm,
		Status:        status,
		Severity:      0.6,
	}
	require.NoError(t, store.CreateConsequence(context.Background(), c))
	return c
}

func TestSyncProjectsAllSources(t *testing.T) {
	svc, store, _, projectID := setupService(t)
	ctx := context.Background()

	addChapter(t, store, projectID, "Chapter One", 1)
	addMilestone(t, store, projectID, "The coronation", 2)
	e1 := addEvent(t, store, projectID, "the heir decides", models.EventDecision, intPtr(1), intPtr(1), 0.7, nil)
	addEvent(t, store, projectID, "Mara changes", models.EventTransformation, intPtr(1), intPtr(2), 0.4, nil)
	addEvent(t, store, projectID, "a drafted scene", models.EventDecision, nil, nil, 0.5, nil)
	addConsequence(t, store, projectID, e1.ID, "the council splits", models.ConsequencePotential, nil)

	result, err := svc.Sync(ctx, projectID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced[models.SourceChapters])
	assert.Equal(t, 1, result.Synced[models.SourceMilestones])
	assert.Equal(t, 2, result.Synced[models.SourceStoryEvents]) // the unplaced event stays off
	assert.Equal(t, 1, result.Synced[models.SourceConsequences])
	assert.Zero(t, result.Skipped)
	assert.Zero(t, result.Removed)

	rows, err := svc.Events(ctx, projectID)
	require.NoError(t, err)
	require.Len(t, rows, 5)

	// Ordered by (chapter, position weight, insertion id); the chapter row
	// anchors the chapter at weight zero.
	assert.Equal(t, models.SourceChapters, rows[0].SourceTable)
	assert.Equal(t, models.LayerTechnical, rows[0].Layer)

	byID := make(map[string]*models.TimelineEvent)
	for _, r := range rows {
		byID[r.SourceTable+"/"+r.SourceID] = r
	}
	first := byID[models.SourceStoryEvents+"/"+e1.ID]
	require.NotNil(t, first)
	assert.Equal(t, models.LayerPlot, first.Layer)
	// Two scenes in chapter 1: weights 1/3 and 2/3.
	assert.InDelta(t, 1.0/3.0, first.PositionWeight, 1e-9)
}

func TestSyncIsIdempotent(t *testing.T) {
	svc, store, _, projectID := setupService(t)
	ctx := context.Background()

	addChapter(t, store, projectID, "Chapter One", 1)
	e1 := addEvent(t, store, projectID, "the heir decides", models.EventDecision, intPtr(1), intPtr(1), 0.7, nil)
	addConsequence(t, store, projectID, e1.ID, "the council splits", models.ConsequencePotential, nil)

	first, err := svc.Sync(ctx, projectID, false)
	require.NoError(t, err)
	total := 0
	for _, n := range first.Synced {
		total += n
	}
	require.Equal(t, 3, total)

	second, err := svc.Sync(ctx, projectID, false)
	require.NoError(t, err)
	for table, n := range second.Synced {
		assert.Zerof(t, n, "table %s re-synced without a source change", table)
	}
	assert.Equal(t, 3, second.Skipped)
	assert.Zero(t, second.Removed)
}

func TestSyncPicksUpSourceChanges(t *testing.T) {
	svc, store, _, projectID := setupService(t)
	ctx := context.Background()

	event := addEvent(t, store, projectID, "the heir decides", models.EventDecision, intPtr(1), intPtr(1), 0.7, nil)
	_, err := svc.Sync(ctx, projectID, false)
	require.NoError(t, err)

	event.Title = "the heir refuses"
	require.NoError(t, store.UpdateEvent(ctx, event))

	result, err := svc.Sync(ctx, projectID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced[models.SourceStoryEvents])
	assert.Zero(t, result.Skipped)

	rows, err := svc.Events(ctx, projectID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "the heir refuses", rows[0].Title)
}

func TestSyncRemovesDeletedSources(t *testing.T) {
	svc, store, _, projectID := setupService(t)
	ctx := context.Background()

	keepEvent := addEvent(t, store, projectID, "kept", models.EventDecision, intPtr(1), intPtr(1), 0.7, nil)
	gone := addEvent(t, store, projectID, "cut in revision", models.EventDecision, intPtr(2), intPtr(1), 0.5, nil)

	_, err := svc.Sync(ctx, projectID, false)
	require.NoError(t, err)

	require.NoError(t, store.DeleteEvent(ctx, gone.ID))

	result, err := svc.Sync(ctx, projectID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)

	rows, err := svc.Events(ctx, projectID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, keepEvent.ID, rows[0].SourceID)
}

func TestSyncForceFullRewritesEverything(t *testing.T) {
	svc, store, _, projectID := setupService(t)
	ctx := context.Background()

	addEvent(t, store, projectID, "the heir decides", models.EventDecision, intPtr(1), intPtr(1), 0.7, nil)
	_, err := svc.Sync(ctx, projectID, false)
	require.NoError(t, err)

	result, err := svc.Sync(ctx, projectID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced[models.SourceStoryEvents])
	assert.Zero(t, result.Skipped)
}

func TestSyncSkipsInvalidatedEvents(t *testing.T) {
	svc, store, _, projectID := setupService(t)
	ctx := context.Background()

	event := addEvent(t, store, projectID, "retconned", models.EventDecision, intPtr(1), intPtr(1), 0.7, nil)
	event.Invalidated = true
	require.NoError(t, store.UpdateEvent(ctx, event))

	_, err := svc.Sync(ctx, projectID, false)
	require.NoError(t, err)

	rows, err := svc.Events(ctx, projectID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestConsequenceRowsAnchorToSourcePosition(t *testing.T) {
	svc, store, _, projectID := setupService(t)
	ctx := context.Background()

	source := addEvent(t, store, projectID, "the betrayal", models.EventDecision, intPtr(4), intPtr(2), 0.8, nil)
	c := addConsequence(t, store, projectID, source.ID, "the alliance collapses", models.ConsequenceActive, nil)

	_, err := svc.Sync(ctx, projectID, false)
	require.NoError(t, err)

	rows, err := svc.Events(ctx, projectID)
	require.NoError(t, err)

	var sourceRow, consequenceRow *models.TimelineEvent
	for _, r := range rows {
		switch r.SourceID {
		case source.ID:
			sourceRow = r
		case c.ID:
			consequenceRow = r
		}
	}
	require.NotNil(t, sourceRow)
	require.NotNil(t, consequenceRow)
	assert.Equal(t, models.LayerConsequence, consequenceRow.Layer)
	assert.Equal(t, sourceRow.ChapterNumber, consequenceRow.ChapterNumber)
	assert.Equal(t, sourceRow.PositionWeight, consequenceRow.PositionWeight)
	assert.Equal(t, c.Severity, consequenceRow.Magnitude)
}
