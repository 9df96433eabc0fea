// Package consequence maintains the causal graph over story events and
// the consequences predicted from them.
package consequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"storyloom/server/internal/analysis"
	"storyloom/server/internal/models"
	"storyloom/server/internal/storage"
)

// ErrCyclicCausality rejects a causal edge that would close a cycle.
var ErrCyclicCausality = errors.New("causal edge would create a cycle")

// ErrInvalidTransition rejects a status change the consequence state
// machine forbids.
var ErrInvalidTransition = errors.New("invalid consequence transition")

// ErrInvariantViolation rejects a realization whose target event sits in
// an earlier chapter than its source.
var ErrInvariantViolation = errors.New("consequence target precedes its source")

// Service owns story events, causal edges and consequences. The edge set
// is a DAG by construction: cycles are rejected at insertion time and
// never re-validated afterwards.
type Service struct {
	store    storage.Store
	analyzer analysis.Analyzer
}

func NewService(store storage.Store, analyzer analysis.Analyzer) *Service {
	return &Service{store: store, analyzer: analyzer}
}

// CreateEventInput describes a new story event and optional initial
// causal edges.
type CreateEventInput struct {
	ProjectID       string
	SceneID         *string
	ChapterNumber   *int
	SceneNumber     *int
	Title           string
	Description     string
	EventType       models.EventType
	Magnitude       float64
	EmotionalImpact *float64
	Participants    []string
	Causes          []string // existing event ids that cause this one
	Effects         []string // existing event ids this one causes
}

// CreateEvent inserts a node and its initial edges. All edges are
// resolved and cycle-checked before anything is written, so a rejected
// edge leaves no orphan node behind.
func (s *Service) CreateEvent(ctx context.Context, in CreateEventInput) (*models.StoryEvent, error) {
	if _, err := s.store.GetProject(ctx, in.ProjectID); err != nil {
		return nil, fmt.Errorf("project %s: %w", in.ProjectID, err)
	}
	if !models.ValidEventType(in.EventType) {
		return nil, fmt.Errorf("unknown event type %q", in.EventType)
	}

	event := &models.StoryEvent{
		ID:              uuid.NewString(),
		ProjectID:       in.ProjectID,
		SceneID:         in.SceneID,
		ChapterNumber:   in.ChapterNumber,
		SceneNumber:     in.SceneNumber,
		Title:           in.Title,
		Description:     in.Description,
		EventType:       in.EventType,
		Magnitude:       clamp01(in.Magnitude),
		EmotionalImpact: clampPtr(in.EmotionalImpact),
		Participants:    in.Participants,
	}

	if err := s.validateInitialEdges(ctx, in, event.ID); err != nil {
		return nil, err
	}

	if err := s.store.CreateEvent(ctx, event); err != nil {
		return nil, err
	}

	for _, causeID := range in.Causes {
		if err := s.AddLink(ctx, causeID, event.ID); err != nil {
			return nil, err
		}
	}
	for _, effectID := range in.Effects {
		if err := s.AddLink(ctx, event.ID, effectID); err != nil {
			return nil, err
		}
	}

	return event, nil
}

// validateInitialEdges resolves every id in Causes/Effects and simulates
// the edge inserts against the existing edge set. eventID is the not yet
// persisted node, so an edge set that only cycles through it is caught
// here too (e.g. the same event listed as both cause and effect).
func (s *Service) validateInitialEdges(ctx context.Context, in CreateEventInput, eventID string) error {
	if len(in.Causes) == 0 && len(in.Effects) == 0 {
		return nil
	}

	links, err := s.store.ListLinks(ctx, in.ProjectID)
	if err != nil {
		return err
	}
	adjacency := make(map[string][]string, len(links))
	for _, l := range links {
		adjacency[l.CauseID] = append(adjacency[l.CauseID], l.EffectID)
	}

	resolve := func(id string) error {
		linked, err := s.store.GetEvent(ctx, id)
		if err != nil {
			return fmt.Errorf("linked event %s: %w", id, err)
		}
		if linked.ProjectID != in.ProjectID {
			return fmt.Errorf("event %s belongs to a different project", id)
		}
		return nil
	}

	for _, causeID := range in.Causes {
		if err := resolve(causeID); err != nil {
			return err
		}
		if reachable(adjacency, eventID, causeID) {
			return fmt.Errorf("%w: %s is already downstream of %s", ErrCyclicCausality, causeID, eventID)
		}
		adjacency[causeID] = append(adjacency[causeID], eventID)
	}
	for _, effectID := range in.Effects {
		if err := resolve(effectID); err != nil {
			return err
		}
		if reachable(adjacency, effectID, eventID) {
			return fmt.Errorf("%w: %s is already downstream of %s", ErrCyclicCausality, eventID, effectID)
		}
		adjacency[eventID] = append(adjacency[eventID], effectID)
	}

	return nil
}

// GetEvent returns one story event.
func (s *Service) GetEvent(ctx context.Context, id string) (*models.StoryEvent, error) {
	return s.store.GetEvent(ctx, id)
}

// AddLink inserts a cause→effect edge after verifying it keeps the graph
// acyclic: if the cause is already reachable from the effect, the new
// edge would close a cycle.
func (s *Service) AddLink(ctx context.Context, causeID, effectID string) error {
	if causeID == effectID {
		return fmt.Errorf("%w: self edge on %s", ErrCyclicCausality, causeID)
	}

	cause, err := s.store.GetEvent(ctx, causeID)
	if err != nil {
		return fmt.Errorf("cause %s: %w", causeID, err)
	}
	effect, err := s.store.GetEvent(ctx, effectID)
	if err != nil {
		return fmt.Errorf("effect %s: %w", effectID, err)
	}
	if cause.ProjectID != effect.ProjectID {
		return fmt.Errorf("events %s and %s belong to different projects", causeID, effectID)
	}

	links, err := s.store.ListLinks(ctx, cause.ProjectID)
	if err != nil {
		return err
	}
	adjacency := make(map[string][]string, len(links))
	for _, l := range links {
		if l.CauseID == causeID && l.EffectID == effectID {
			return nil // edge already present
		}
		adjacency[l.CauseID] = append(adjacency[l.CauseID], l.EffectID)
	}
	if reachable(adjacency, effectID, causeID) {
		return fmt.Errorf("%w: %s is already downstream of %s", ErrCyclicCausality, causeID, effectID)
	}

	err = s.store.CreateLink(ctx, &models.CausalLink{
		ID:        uuid.NewString(),
		ProjectID: cause.ProjectID,
		CauseID:   causeID,
		EffectID:  effectID,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return nil // edge already present
	}
	return err
}

// reachable walks cause→effect edges depth-first from start looking for
// target.
func reachable(adjacency map[string][]string, start, target string) bool {
	if start == target {
		return true
	}
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adjacency[node] {
			if next == target {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// DeleteEvent removes an event, or only invalidates it when a
// consequence still references it. Returns true when the row was hard
// deleted.
func (s *Service) DeleteEvent(ctx context.Context, id string) (bool, error) {
	event, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return false, err
	}

	refs, err := s.store.CountConsequencesForEvent(ctx, id)
	if err != nil {
		return false, err
	}
	if refs > 0 {
		event.Invalidated = true
		return false, s.store.UpdateEvent(ctx, event)
	}

	return true, s.store.DeleteEvent(ctx, id)
}

// Predict asks the analyzer for consequences of an event and persists
// them with status potential. Analyzer failure persists nothing, so the
// whole call is retryable.
func (s *Service) Predict(ctx context.Context, eventID, storyContext string) ([]*models.Consequence, error) {
	if s.analyzer == nil {
		return nil, fmt.Errorf("%w: no analyzer configured", analysis.ErrUnavailable)
	}
	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	chapter := 0
	if event.ChapterNumber != nil {
		chapter = *event.ChapterNumber
	}
	predictions, err := s.analyzer.PredictConsequences(ctx, analysis.PredictConsequencesInput{
		EventID:     event.ID,
		Title:       event.Title,
		Description: event.Description,
		EventType:   string(event.EventType),
		Chapter:     chapter,
		Magnitude:   event.Magnitude,
		Context:     storyContext,
	})
	if err != nil {
		return nil, err
	}

	out := make([]*models.Consequence, 0, len(predictions))
	for _, p := range predictions {
		timeframe := models.Timeframe(p.Timeframe)
		if !models.ValidTimeframe(timeframe) {
			timeframe = models.TimeframeLongTerm
		}
		c := &models.Consequence{
			ID:                 uuid.NewString(),
			ProjectID:          event.ProjectID,
			SourceEventID:      event.ID,
			Description:        p.Description,
			Probability:        clamp01(p.Probability),
			Timeframe:          timeframe,
			Status:             models.ConsequencePotential,
			Severity:           clamp01(p.Severity),
			AffectedCharacters: p.AffectedCharacters,
			AffectedLocations:  p.AffectedLocations,
			AffectedThreads:    p.AffectedThreads,
		}
		if err := s.store.CreateConsequence(ctx, c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// MarkInput drives the consequence state machine.
type MarkInput struct {
	Status             models.ConsequenceStatus
	TargetEventID      *string // required for realized
	InvalidationReason string  // required for invalidated
}

// Mark applies one state transition. Realized requires a target event in
// a chapter no earlier than the source's; invalidated requires a reason;
// terminal states reject everything.
func (s *Service) Mark(ctx context.Context, consequenceID string, in MarkInput) (*models.Consequence, error) {
	c, err := s.store.GetConsequence(ctx, consequenceID)
	if err != nil {
		return nil, err
	}
	if c.Terminal() {
		return nil, fmt.Errorf("%w: consequence is %s", ErrInvalidTransition, c.Status)
	}

	switch in.Status {
	case models.ConsequenceActive:
		if c.Status != models.ConsequencePotential {
			return nil, fmt.Errorf("%w: %s → active", ErrInvalidTransition, c.Status)
		}
		c.Status = models.ConsequenceActive

	case models.ConsequenceRealized:
		if in.TargetEventID == nil {
			return nil, fmt.Errorf("%w: realization requires a target event", ErrInvalidTransition)
		}
		target, err := s.store.GetEvent(ctx, *in.TargetEventID)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", *in.TargetEventID, err)
		}
		source, err := s.store.GetEvent(ctx, c.SourceEventID)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", c.SourceEventID, err)
		}
		if source.ChapterNumber != nil && target.ChapterNumber != nil &&
			*target.ChapterNumber < *source.ChapterNumber {
			return nil, fmt.Errorf("%w: target chapter %d, source chapter %d",
				ErrInvariantViolation, *target.ChapterNumber, *source.ChapterNumber)
		}
		c.Status = models.ConsequenceRealized
		c.TargetEventID = in.TargetEventID

	case models.ConsequenceInvalidated:
		if in.InvalidationReason == "" {
			return nil, fmt.Errorf("%w: invalidation requires a reason", ErrInvalidTransition)
		}
		c.Status = models.ConsequenceInvalidated
		c.InvalidationReason = in.InvalidationReason

	default:
		return nil, fmt.Errorf("%w: cannot transition to %q", ErrInvalidTransition, in.Status)
	}

	if err := s.store.UpdateConsequence(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// GetActive lists consequences still in play (potential or active),
// optionally limited to those whose source event has happened by the
// given chapter. A source without a chapter number is always in play.
func (s *Service) GetActive(ctx context.Context, projectID string, chapter *int) ([]*models.Consequence, error) {
	list, err := s.store.ListConsequences(ctx, projectID, storage.ConsequenceFilter{
		Statuses: []models.ConsequenceStatus{models.ConsequencePotential, models.ConsequenceActive},
	})
	if err != nil {
		return nil, err
	}
	if chapter == nil {
		return list, nil
	}

	events, err := s.store.ListEvents(ctx, projectID)
	if err != nil {
		return nil, err
	}
	chapterOf := make(map[string]*int, len(events))
	for _, e := range events {
		chapterOf[e.ID] = e.ChapterNumber
	}

	var out []*models.Consequence
	for _, c := range list {
		ch, ok := chapterOf[c.SourceEventID]
		if ok && ch != nil && *ch > *chapter {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Graph is the full node/edge set for visualization.
type Graph struct {
	Events       []*models.StoryEvent  `json:"events"`
	Links        []*models.CausalLink  `json:"links"`
	Consequences []*models.Consequence `json:"consequences"`
}

// GetGraph returns the project's causal graph. It is a DAG by
// construction.
func (s *Service) GetGraph(ctx context.Context, projectID string) (*Graph, error) {
	events, err := s.store.ListEvents(ctx, projectID)
	if err != nil {
		return nil, err
	}
	links, err := s.store.ListLinks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	consequences, err := s.store.ListConsequences(ctx, projectID, storage.ConsequenceFilter{})
	if err != nil {
		return nil, err
	}
	return &Graph{Events: events, Links: links, Consequences: consequences}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := clamp01(*v)
	return &c
}
