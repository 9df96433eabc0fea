package ledger

import (
	"context"
	"encoding/json"
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
	svc := NewService(store, stub, nil, 0.6, 3)
	return svc, store, stub, project.ID
}

func intPtr(n int) *int { return &n }

func TestDetectPromisesFiltersByConfidence(t *testing.T) {
	svc, store, stub, projectID := setupService(t)
	stub.Candidates = []analysis.PromiseCandidate{
		{SetupDescription: "a knife under the floorboards", PayoffRequired: "the knife is used", Kind: "chekhovs_gun", Confidence: 0.9, SuggestedDeadlineOffset: 4},
		{SetupDescription: "a stray remark", PayoffRequired: "unclear", Kind: "foreshadowing", Confidence: 0.3},
	}

	candidates, err := svc.DetectPromises(context.Background(), "She slid the knife under the floorboards.", 5, nil, "")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "a knife under the floorboards", candidates[0].SetupDescription)
	assert.Equal(t, 9, candidates[0].SuggestedDeadline)
	assert.Equal(t, 1, stub.Calls[analysis.TaskDetectPromises])

	// Detection is advisory; nothing lands in the store.
	promises, err := store.ListPromises(context.Background(), projectID, storage.PromiseFilter{})
	require.NoError(t, err)
	assert.Empty(t, promises)
}

func TestCreateRejectsDeadlineBeforeSetup(t *testing.T) {
	svc, _, _, projectID := setupService(t)

	_, err := svc.Create(context.Background(), CreateInput{
		ProjectID:        projectID,
		Kind:             models.PromiseChekhovsGun,
		SetupChapter:     5,
		SetupDescription: "a knife under the floorboards",
		PayoffRequired:   "the knife is used",
		PayoffDeadline:   intPtr(3),
	})
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestDeadlineWindows(t *testing.T) {
	svc, _, _, projectID := setupService(t)
	ctx := context.Background()

	mk := func(deadline *int) *models.Promise {
		p, err := svc.Create(ctx, CreateInput{
			ProjectID:        projectID,
			Kind:             models.PromiseVow,
			SetupChapter:     1,
			SetupDescription: "a vow of silence",
			PayoffRequired:   "the vow is broken or kept",
			PayoffDeadline:   deadline,
		})
		require.NoError(t, err)
		return p
	}

	overdue := mk(intPtr(4))
	atCurrent := mk(intPtr(5))
	edgeOfWindow := mk(intPtr(8))
	beyond := mk(intPtr(9))
	mk(nil) // no deadline, never flagged

	near, err := svc.GetNearDeadline(ctx, projectID, 5, 3)
	require.NoError(t, err)
	ids := promiseIDs(near)
	assert.Contains(t, ids, atCurrent.ID)
	assert.Contains(t, ids, edgeOfWindow.ID)
	assert.NotContains(t, ids, overdue.ID)
	assert.NotContains(t, ids, beyond.ID)

	late, err := svc.GetOverdue(ctx, projectID, 5)
	require.NoError(t, err)
	require.Len(t, late, 1)
	assert.Equal(t, overdue.ID, late[0].ID)
}

func TestValidatePayoffBeforeSetupSkipsAnalyzer(t *testing.T) {
	svc, _, stub, projectID := setupService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, CreateInput{
		ProjectID:        projectID,
		Kind:             models.PromiseMystery,
		SetupChapter:     7,
		SetupDescription: "who poisoned the king",
		PayoffRequired:   "the poisoner is revealed",
	})
	require.NoError(t, err)

	result, err := svc.ValidatePayoff(ctx, p.ID, "The duke confesses.", 3, nil)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Zero(t, stub.Calls[analysis.TaskValidatePayoff])

	// Validation is recorded on the promise but never changes status.
	reloaded, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PromiseOpen, reloaded.Status)
	assert.NotNil(t, reloaded.ValidatedAt)
	assert.NotEmpty(t, reloaded.ValidationResult)
}

func TestValidatePayoffConsultsAnalyzer(t *testing.T) {
	svc, _, stub, projectID := setupService(t)
	ctx := context.Background()
	stub.Assessment = &analysis.PayoffAssessment{
		Valid:        true,
		Reason:       "the reveal lands",
		Completeness: 85,
	}

	p, err := svc.Create(ctx, CreateInput{
		ProjectID:        projectID,
		Kind:             models.PromiseMystery,
		SetupChapter:     7,
		SetupDescription: "who poisoned the king",
		PayoffRequired:   "the poisoner is revealed",
	})
	require.NoError(t, err)

	result, err := svc.ValidatePayoff(ctx, p.ID, "The duke confesses.", 11, nil)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 85.0, result.Completeness)
	assert.Equal(t, 1, stub.Calls[analysis.TaskValidatePayoff])
}

func TestValidatePayoffRecordsCheckedPosition(t *testing.T) {
	svc, store, _, projectID := setupService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, CreateInput{
		ProjectID:        projectID,
		Kind:             models.PromiseMystery,
		SetupChapter:     7,
		SetupDescription: "who poisoned the king",
		PayoffRequired:   "the poisoner is revealed",
	})
	require.NoError(t, err)

	_, err = svc.ValidatePayoff(ctx, p.ID, "The duke confesses.", 11, intPtr(2))
	require.NoError(t, err)

	stored, err := store.GetPromise(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ValidatedAt)

	var record struct {
		Valid         bool `json:"valid"`
		PayoffChapter int  `json:"payoff_chapter"`
		PayoffScene   *int `json:"payoff_scene"`
	}
	require.NoError(t, json.Unmarshal([]byte(stored.ValidationResult), &record))
	assert.Equal(t, 11, record.PayoffChapter)
	require.NotNil(t, record.PayoffScene)
	assert.Equal(t, 2, *record.PayoffScene)
}

func TestTransitionFulfilledEnforcesOrdering(t *testing.T) {
	svc, _, _, projectID := setupService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, CreateInput{
		ProjectID:        projectID,
		Kind:             models.PromiseChekhovsGun,
		SetupChapter:     5,
		SetupDescription: "a knife under the floorboards",
		PayoffRequired:   "the knife is used",
	})
	require.NoError(t, err)

	_, err = svc.Transition(ctx, p.ID, TransitionInput{
		Status:        models.PromiseFulfilled,
		PayoffChapter: intPtr(3),
	})
	require.ErrorIs(t, err, ErrInvariantViolation)

	_, err = svc.Transition(ctx, p.ID, TransitionInput{Status: models.PromiseFulfilled})
	require.ErrorIs(t, err, ErrInvalidTransition)

	done, err := svc.Transition(ctx, p.ID, TransitionInput{
		Status:            models.PromiseFulfilled,
		PayoffChapter:     intPtr(9),
		PayoffDescription: "she draws the knife at the feast",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PromiseFulfilled, done.Status)
}

func TestTerminalStatesRejectFurtherTransitions(t *testing.T) {
	svc, _, _, projectID := setupService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, CreateInput{
		ProjectID:        projectID,
		Kind:             models.PromiseVow,
		SetupChapter:     2,
		SetupDescription: "a vow of silence",
		PayoffRequired:   "the vow resolves",
	})
	require.NoError(t, err)

	_, err = svc.Transition(ctx, p.ID, TransitionInput{Status: models.PromiseAbandoned})
	require.NoError(t, err)

	_, err = svc.Transition(ctx, p.ID, TransitionInput{
		Status:        models.PromiseFulfilled,
		PayoffChapter: intPtr(8),
	})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionRejectsUnknownStatus(t *testing.T) {
	svc, _, _, projectID := setupService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, CreateInput{
		ProjectID:        projectID,
		Kind:             models.PromiseForeshadowing,
		SetupChapter:     1,
		SetupDescription: "storm clouds over the bay",
		PayoffRequired:   "the storm breaks",
	})
	require.NoError(t, err)

	_, err = svc.Transition(ctx, p.ID, TransitionInput{Status: "pending"})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReportHealthScore(t *testing.T) {
	svc, _, _, projectID := setupService(t)
	ctx := context.Background()

	report, err := svc.GetReport(ctx, projectID, 10)
	require.NoError(t, err)
	assert.Equal(t, 100, report.HealthScore)
	assert.Empty(t, report.Warnings)

	// 3 overdue and 2 near deadline: 100 - 15 - 4 = 81.
	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, CreateInput{
			ProjectID: projectID, Kind: models.PromiseVow, SetupChapter: 1,
			SetupDescription: "setup", PayoffRequired: "payoff", PayoffDeadline: intPtr(5),
		})
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := svc.Create(ctx, CreateInput{
			ProjectID: projectID, Kind: models.PromiseVow, SetupChapter: 1,
			SetupDescription: "setup", PayoffRequired: "payoff", PayoffDeadline: intPtr(12),
		})
		require.NoError(t, err)
	}

	report, err = svc.GetReport(ctx, projectID, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Overdue)
	assert.Equal(t, 2, report.NearDeadline)
	assert.Equal(t, 81, report.HealthScore)
	assert.Equal(t, 5, report.ByStatus[models.PromiseOpen])
	assert.NotEmpty(t, report.Warnings)
}

func TestReportHealthScoreFloorsAtZero(t *testing.T) {
	svc, _, _, projectID := setupService(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := svc.Create(ctx, CreateInput{
			ProjectID: projectID, Kind: models.PromiseVow, SetupChapter: 1,
			SetupDescription: "setup", PayoffRequired: "payoff", PayoffDeadline: intPtr(2),
		})
		require.NoError(t, err)
	}

	report, err := svc.GetReport(ctx, projectID, 20)
	require.NoError(t, err)
	assert.Equal(t, 0, report.HealthScore)
}

func promiseIDs(ps []*models.Promise) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}
