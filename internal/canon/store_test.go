package canon

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/server/internal/models"
	"storyloom/server/internal/storage/memory"
)

func setupService(t *testing.T) (*Service, string) {
	t.Helper()
	store := memory.New()
	project := &models.Project{ID: "proj-1", Title: "The Hollow Crown", Status: "active"}
	require.NoError(t, store.CreateProject(context.Background(), project))
	return NewService(store), project.ID
}

func intPtr(n int) *int { return &n }

func strPtr(s string) *string { return &s }

func TestCreateRejectsUnknownKind(t *testing.T) {
	svc, projectID := setupService(t)

	_, err := svc.Create(context.Background(), CreateInput{
		Kind:      "spaceship",
		ProjectID: projectID,
		Name:      "Nebula",
	})
	require.ErrorIs(t, err, ErrUnknownEntityType)
}

func TestCreateRequiresChapterForMilestone(t *testing.T) {
	svc, projectID := setupService(t)

	_, err := svc.Create(context.Background(), CreateInput{
		Kind:      string(KindMilestone),
		ProjectID: projectID,
		Name:      "The coronation",
	})
	require.Error(t, err)

	m, err := svc.Create(context.Background(), CreateInput{
		Kind:          string(KindMilestone),
		ProjectID:     projectID,
		Name:          "The coronation",
		ChapterNumber: intPtr(12),
	})
	require.NoError(t, err)
	assert.Equal(t, 12, *m.ChapterNumber)
}

func TestUpdateRecordsVersionDiff(t *testing.T) {
	svc, projectID := setupService(t)
	ctx := context.Background()

	entity, err := svc.Create(ctx, CreateInput{
		Kind:          string(KindCharacter),
		ProjectID:     projectID,
		Name:          "Mara",
		Data:          models.JSONMap{"description": "exiled heir", "role": "protagonist"},
		CommitMessage: "introduce Mara",
	})
	require.NoError(t, err)

	_, err = svc.Update(ctx, UpdateInput{
		ID:            entity.ID,
		Name:          strPtr("Mara Veyne"),
		Data:          models.JSONMap{"role": "queen"},
		CommitMessage: "chapter 12 coronation",
	})
	require.NoError(t, err)

	history, err := svc.History(ctx, entity.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, 1, history[0].VersionNumber)
	assert.Equal(t, 2, history[1].VersionNumber)
	require.NotNil(t, history[1].ParentVersionID)
	assert.Equal(t, history[0].ID, *history[1].ParentVersionID)

	// The diff carries the pre-image of every changed field.
	diff := history[1].Changes
	nameChange, ok := diff["name"].(models.JSONMap)
	require.True(t, ok)
	assert.Equal(t, "Mara", nameChange["from"])
	assert.Equal(t, "Mara Veyne", nameChange["to"])
	roleChange, ok := diff["role"].(models.JSONMap)
	require.True(t, ok)
	assert.Equal(t, "protagonist", roleChange["from"])
	assert.Equal(t, "queen", roleChange["to"])
}

func TestVersionNumbersSharedAcrossProject(t *testing.T) {
	svc, projectID := setupService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, CreateInput{
		Kind: string(KindLocation), ProjectID: projectID, Name: "Harrowgate",
		Data: models.JSONMap{"description": "border fortress"}, CommitMessage: "add",
	})
	require.NoError(t, err)
	b, err := svc.Create(ctx, CreateInput{
		Kind: string(KindItem), ProjectID: projectID, Name: "The sealed letter",
		Data: models.JSONMap{"description": "unopened"}, CommitMessage: "add",
	})
	require.NoError(t, err)

	histA, err := svc.History(ctx, a.ID)
	require.NoError(t, err)
	histB, err := svc.History(ctx, b.ID)
	require.NoError(t, err)

	// One strictly increasing sequence per project, not per entity.
	assert.Equal(t, 1, histA[0].VersionNumber)
	assert.Equal(t, 2, histB[0].VersionNumber)
}

func TestUpdateWithoutCommitMessageSkipsHistory(t *testing.T) {
	svc, projectID := setupService(t)
	ctx := context.Background()

	entity, err := svc.Create(ctx, CreateInput{
		Kind: string(KindThread), ProjectID: projectID, Name: "succession crisis",
		Data: models.JSONMap{"description": "who inherits"},
	})
	require.NoError(t, err)

	_, err = svc.Update(ctx, UpdateInput{ID: entity.ID, Name: strPtr("the succession")})
	require.NoError(t, err)

	history, err := svc.History(ctx, entity.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestValidateMissingRequiredField(t *testing.T) {
	svc, projectID := setupService(t)
	ctx := context.Background()

	entity, err := svc.Create(ctx, CreateInput{
		Kind:      string(KindCharacter),
		ProjectID: projectID,
		Name:      "The stranger",
		Data:      models.JSONMap{"description": "appears at the gate"},
	})
	require.NoError(t, err)

	res, err := svc.Validate(ctx, entity.ID)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Issues, 1)
	assert.Contains(t, res.Issues[0], "role")
}

func TestValidateRejectsClaimedUnknowns(t *testing.T) {
	svc, projectID := setupService(t)
	ctx := context.Background()

	entity, err := svc.Create(ctx, CreateInput{
		Kind:      string(KindCharacter),
		ProjectID: projectID,
		Name:      "Mara",
		Data: models.JSONMap{
			"description": "exiled heir",
			"role":        "protagonist",
			"claims":      map[string]interface{}{"parentage": "royal", "age": 24},
			"unknowns":    []interface{}{"parentage"},
		},
	})
	require.NoError(t, err)

	res, err := svc.Validate(ctx, entity.ID)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Issues, 1)
	assert.Contains(t, res.Issues[0], "parentage")
}

func TestDeleteMissingEntityIsNotAnError(t *testing.T) {
	svc, _ := setupService(t)

	deleted, err := svc.Delete(context.Background(), "no-such-id")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestListValidatesKindFilter(t *testing.T) {
	svc, projectID := setupService(t)

	_, err := svc.List(context.Background(), projectID, "starship")
	require.ErrorIs(t, err, ErrUnknownEntityType)
}
