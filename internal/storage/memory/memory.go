// Package memory is an in-memory Store used by tests and local runs
// without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"storyloom/server/internal/models"
	"storyloom/server/internal/storage"
)

// Store keeps every table in a map guarded by one RWMutex. Reads return
// copies so callers cannot mutate stored state.
type Store struct {
	mu sync.RWMutex

	projects     map[string]*models.Project
	entities     map[string]*models.CanonEntity
	versions     map[string]*models.CanonVersion
	promises     map[string]*models.Promise
	events       map[string]*models.StoryEvent
	links        map[string]*models.CausalLink
	consequences map[string]*models.Consequence
	timeline     map[string]*models.TimelineEvent // keyed project|table|source
	conflicts    map[string]*models.TimelineConflict

	nextTimelineID uint
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		projects:     make(map[string]*models.Project),
		entities:     make(map[string]*models.CanonEntity),
		versions:     make(map[string]*models.CanonVersion),
		promises:     make(map[string]*models.Promise),
		events:       make(map[string]*models.StoryEvent),
		links:        make(map[string]*models.CausalLink),
		consequences: make(map[string]*models.Consequence),
		timeline:     make(map[string]*models.TimelineEvent),
		conflicts:    make(map[string]*models.TimelineConflict),
	}
}

func timelineKey(projectID, table, sourceID string) string {
	return projectID + "|" + table + "|" + sourceID
}

// Projects

func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.projects[p.ID] = &cp
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// Canon entities

func (s *Store) CreateEntity(ctx context.Context, e *models.CanonEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyEntity(e)
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.entities[e.ID] = cp
	return nil
}

func (s *Store) GetEntity(ctx context.Context, id string) (*models.CanonEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyEntity(e), nil
}

func (s *Store) UpdateEntity(ctx context.Context, e *models.CanonEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[e.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := copyEntity(e)
	cp.UpdatedAt = time.Now()
	s.entities[e.ID] = cp
	return nil
}

func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.entities, id)
	return nil
}

func (s *Store) ListEntities(ctx context.Context, projectID, kind string) ([]*models.CanonEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.CanonEntity
	for _, e := range s.entities {
		if e.ProjectID != projectID {
			continue
		}
		if kind != "" && e.Kind != kind {
			continue
		}
		out = append(out, copyEntity(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Versions

func (s *Store) AppendVersion(ctx context.Context, v *models.CanonVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	cp.Changes = v.Changes.Clone()
	cp.CreatedAt = time.Now()
	s.versions[v.ID] = &cp
	return nil
}

func (s *Store) MaxVersionNumber(ctx context.Context, projectID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, v := range s.versions {
		if v.ProjectID == projectID && v.VersionNumber > max {
			max = v.VersionNumber
		}
	}
	return max, nil
}

func (s *Store) LatestVersion(ctx context.Context, entityID string) (*models.CanonVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.CanonVersion
	for _, v := range s.versions {
		if v.EntityID != entityID {
			continue
		}
		if latest == nil || v.VersionNumber > latest.VersionNumber {
			latest = v
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) ListVersions(ctx context.Context, entityID string) ([]*models.CanonVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.CanonVersion
	for _, v := range s.versions {
		if v.EntityID == entityID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out, nil
}

// Promises

func (s *Store) CreatePromise(ctx context.Context, p *models.Promise) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.promises[p.ID] = &cp
	return nil
}

func (s *Store) GetPromise(ctx context.Context, id string) (*models.Promise, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.promises[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) UpdatePromise(ctx context.Context, p *models.Promise) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.promises[p.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *p
	cp.UpdatedAt = time.Now()
	s.promises[p.ID] = &cp
	return nil
}

func (s *Store) ListPromises(ctx context.Context, projectID string, f storage.PromiseFilter) ([]*models.Promise, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Promise
	for _, p := range s.promises {
		if p.ProjectID != projectID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.BeforeChapter != nil && p.SetupChapter >= *f.BeforeChapter {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SetupChapter != out[j].SetupChapter {
			return out[i].SetupChapter < out[j].SetupChapter
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Story events

func (s *Store) CreateEvent(ctx context.Context, e *models.StoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyEvent(e)
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.events[e.ID] = cp
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*models.StoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyEvent(e), nil
}

func (s *Store) UpdateEvent(ctx context.Context, e *models.StoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := copyEvent(e)
	cp.UpdatedAt = time.Now()
	s.events[e.ID] = cp
	return nil
}

func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.events, id)
	for lid, l := range s.links {
		if l.CauseID == id || l.EffectID == id {
			delete(s.links, lid)
		}
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, projectID string) ([]*models.StoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.StoryEvent
	for _, e := range s.events {
		if e.ProjectID == projectID {
			out = append(out, copyEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateLink(ctx context.Context, l *models.CausalLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.links {
		if existing.CauseID == l.CauseID && existing.EffectID == l.EffectID {
			return storage.ErrDuplicate
		}
	}
	cp := *l
	cp.CreatedAt = time.Now()
	s.links[l.ID] = &cp
	return nil
}

func (s *Store) ListLinks(ctx context.Context, projectID string) ([]*models.CausalLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.CausalLink
	for _, l := range s.links {
		if l.ProjectID == projectID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Consequences

func (s *Store) CreateConsequence(ctx context.Context, c *models.Consequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyConsequence(c)
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.consequences[c.ID] = cp
	return nil
}

func (s *Store) GetConsequence(ctx context.Context, id string) (*models.Consequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consequences[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyConsequence(c), nil
}

func (s *Store) UpdateConsequence(ctx context.Context, c *models.Consequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.consequences[c.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := copyConsequence(c)
	cp.UpdatedAt = time.Now()
	s.consequences[c.ID] = cp
	return nil
}

func (s *Store) ListConsequences(ctx context.Context, projectID string, f storage.ConsequenceFilter) ([]*models.Consequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Consequence
	for _, c := range s.consequences {
		if c.ProjectID != projectID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, c.Status) {
			continue
		}
		out = append(out, copyConsequence(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CountConsequencesForEvent(ctx context.Context, eventID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, c := range s.consequences {
		if c.SourceEventID == eventID {
			n++
			continue
		}
		if c.TargetEventID != nil && *c.TargetEventID == eventID {
			n++
		}
	}
	return n, nil
}

// Timeline

func (s *Store) GetTimelineEvent(ctx context.Context, projectID, sourceTable, sourceID string) (*models.TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.timeline[timelineKey(projectID, sourceTable, sourceID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) SaveTimelineEvent(ctx context.Context, e *models.TimelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := timelineKey(e.ProjectID, e.SourceTable, e.SourceID)
	cp := *e
	if existing, ok := s.timeline[key]; ok {
		cp.ID = existing.ID
	} else {
		s.nextTimelineID++
		cp.ID = s.nextTimelineID
	}
	s.timeline[key] = &cp
	e.ID = cp.ID
	return nil
}

func (s *Store) ListTimelineEvents(ctx context.Context, projectID string) ([]*models.TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.TimelineEvent
	for _, e := range s.timeline {
		if e.ProjectID == projectID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ChapterNumber != b.ChapterNumber {
			return a.ChapterNumber < b.ChapterNumber
		}
		if a.PositionWeight != b.PositionWeight {
			return a.PositionWeight < b.PositionWeight
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (s *Store) DeleteTimelineEventsExcept(ctx context.Context, projectID, sourceTable string, keepSourceIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[string]bool, len(keepSourceIDs))
	for _, id := range keepSourceIDs {
		keep[id] = true
	}
	var removed int64
	for key, e := range s.timeline {
		if e.ProjectID != projectID || e.SourceTable != sourceTable {
			continue
		}
		if !keep[e.SourceID] {
			delete(s.timeline, key)
			removed++
		}
	}
	return removed, nil
}

// Conflicts

func (s *Store) CreateConflict(ctx context.Context, c *models.TimelineConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyConflict(c)
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.conflicts[c.ID] = cp
	return nil
}

func (s *Store) GetConflict(ctx context.Context, id string) (*models.TimelineConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyConflict(c), nil
}

func (s *Store) UpdateConflict(ctx context.Context, c *models.TimelineConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conflicts[c.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := copyConflict(c)
	cp.UpdatedAt = time.Now()
	s.conflicts[c.ID] = cp
	return nil
}

func (s *Store) ListConflicts(ctx context.Context, projectID string, f storage.ConflictFilter) ([]*models.TimelineConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.TimelineConflict
	for _, c := range s.conflicts {
		if c.ProjectID != projectID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.IdentityHash != "" && c.IdentityHash != f.IdentityHash {
			continue
		}
		out = append(out, copyConflict(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Close() error {
	return nil
}

// copy helpers

func copyEntity(e *models.CanonEntity) *models.CanonEntity {
	cp := *e
	cp.Data = e.Data.Clone()
	return &cp
}

func copyEvent(e *models.StoryEvent) *models.StoryEvent {
	cp := *e
	cp.Participants = append(models.StringSlice(nil), e.Participants...)
	return &cp
}

func copyConsequence(c *models.Consequence) *models.Consequence {
	cp := *c
	cp.AffectedCharacters = append(models.StringSlice(nil), c.AffectedCharacters...)
	cp.AffectedLocations = append(models.StringSlice(nil), c.AffectedLocations...)
	cp.AffectedThreads = append(models.StringSlice(nil), c.AffectedThreads...)
	return &cp
}

func copyConflict(c *models.TimelineConflict) *models.TimelineConflict {
	cp := *c
	cp.EventIDs = append(models.StringSlice(nil), c.EventIDs...)
	return &cp
}

var _ storage.Store = (*Store)(nil)

// containsStatus avoids pulling in a set type for a three-element filter.
func containsStatus(list []models.ConsequenceStatus, s models.ConsequenceStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Reset clears all tables. Test helper.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.projects {
		delete(s.projects, k)
	}
	for k := range s.entities {
		delete(s.entities, k)
	}
	for k := range s.versions {
		delete(s.versions, k)
	}
	for k := range s.promises {
		delete(s.promises, k)
	}
	for k := range s.events {
		delete(s.events, k)
	}
	for k := range s.links {
		delete(s.links, k)
	}
	for k := range s.consequences {
		delete(s.consequences, k)
	}
	for k := range s.timeline {
		delete(s.timeline, k)
	}
	for k := range s.conflicts {
		delete(s.conflicts, k)
	}
	s.nextTimelineID = 0
}
