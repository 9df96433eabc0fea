package canon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"storyloom/server/internal/models"
	"storyloom/server/internal/storage"
)

// Service is the entity store. Version numbers are assigned by reading
// the current per-project maximum under a per-project lock, so concurrent
// commits for the same project never collide.
type Service struct {
	store storage.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(store storage.Store) *Service {
	return &Service{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) projectLock(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[projectID] = l
	}
	return l
}

// CreateInput carries the fields for a new canon entity.
type CreateInput struct {
	Kind          string
	ProjectID     string
	Name          string
	Data          models.JSONMap
	ChapterNumber *int
	SceneNumber   *int
	CommitMessage string
}

// Create inserts a canon entity, optionally appending a version entry.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.CanonEntity, error) {
	kind, err := ParseKind(in.Kind)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetProject(ctx, in.ProjectID); err != nil {
		return nil, fmt.Errorf("project %s: %w", in.ProjectID, err)
	}
	if kind.NeedsChapter() && in.ChapterNumber == nil {
		return nil, fmt.Errorf("%s requires a chapter number", kind)
	}

	entity := &models.CanonEntity{
		ID:            uuid.NewString(),
		ProjectID:     in.ProjectID,
		Kind:          string(kind),
		Name:          in.Name,
		Data:          in.Data.Clone(),
		ChapterNumber: in.ChapterNumber,
		SceneNumber:   in.SceneNumber,
	}
	if entity.Data == nil {
		entity.Data = models.JSONMap{}
	}

	if err := s.store.CreateEntity(ctx, entity); err != nil {
		return nil, err
	}

	if in.CommitMessage != "" {
		changes := models.JSONMap{"created": entity.Data.Clone()}
		if err := s.appendVersion(ctx, entity, in.CommitMessage, changes); err != nil {
			return nil, err
		}
	}

	return entity, nil
}

// UpdateInput carries a partial update. Nil fields are left unchanged.
type UpdateInput struct {
	ID            string
	Name          *string
	Data          models.JSONMap // merged key-by-key; nil leaves data alone
	ChapterNumber *int
	SceneNumber   *int
	CommitMessage string
}

// Update mutates an entity and records the pre-image of every changed
// field in the version diff.
func (s *Service) Update(ctx context.Context, in UpdateInput) (*models.CanonEntity, error) {
	entity, err := s.store.GetEntity(ctx, in.ID)
	if err != nil {
		return nil, err
	}

	changes := models.JSONMap{}

	if in.Name != nil && *in.Name != entity.Name {
		changes["name"] = models.JSONMap{"from": entity.Name, "to": *in.Name}
		entity.Name = *in.Name
	}
	if in.ChapterNumber != nil {
		changes["chapter_number"] = models.JSONMap{"from": entity.ChapterNumber, "to": *in.ChapterNumber}
		entity.ChapterNumber = in.ChapterNumber
	}
	if in.SceneNumber != nil {
		changes["scene_number"] = models.JSONMap{"from": entity.SceneNumber, "to": *in.SceneNumber}
		entity.SceneNumber = in.SceneNumber
	}
	if in.Data != nil {
		if entity.Data == nil {
			entity.Data = models.JSONMap{}
		}
		for k, v := range in.Data {
			changes[k] = models.JSONMap{"from": entity.Data[k], "to": v}
			entity.Data[k] = v
		}
	}

	if err := s.store.UpdateEntity(ctx, entity); err != nil {
		return nil, err
	}

	if in.CommitMessage != "" && len(changes) > 0 {
		if err := s.appendVersion(ctx, entity, in.CommitMessage, changes); err != nil {
			return nil, err
		}
	}

	return entity, nil
}

// appendVersion assigns the next per-project version number under the
// project lock and writes the history entry.
func (s *Service) appendVersion(ctx context.Context, entity *models.CanonEntity, message string, changes models.JSONMap) error {
	lock := s.projectLock(entity.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	max, err := s.store.MaxVersionNumber(ctx, entity.ProjectID)
	if err != nil {
		return err
	}

	var parentID *string
	if parent, err := s.store.LatestVersion(ctx, entity.ID); err == nil {
		parentID = &parent.ID
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	return s.store.AppendVersion(ctx, &models.CanonVersion{
		ID:              uuid.NewString(),
		ProjectID:       entity.ProjectID,
		EntityID:        entity.ID,
		VersionNumber:   max + 1,
		CommitMessage:   message,
		Changes:         changes,
		ParentVersionID: parentID,
	})
}

// Get returns one entity.
func (s *Service) Get(ctx context.Context, id string) (*models.CanonEntity, error) {
	return s.store.GetEntity(ctx, id)
}

// List returns a project's entities, optionally filtered by kind.
func (s *Service) List(ctx context.Context, projectID, kind string) ([]*models.CanonEntity, error) {
	if kind != "" {
		if _, err := ParseKind(kind); err != nil {
			return nil, err
		}
	}
	return s.store.ListEntities(ctx, projectID, kind)
}

// Delete hard-deletes the row at this layer; soft-delete policy belongs
// to the surrounding persistence system. Returns false when the id does
// not resolve.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	err := s.store.DeleteEntity(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// History returns the entity's version entries in order.
func (s *Service) History(ctx context.Context, entityID string) ([]*models.CanonVersion, error) {
	return s.store.ListVersions(ctx, entityID)
}

// ValidationResult is the outcome of Validate. Invalid is an expected,
// common outcome, so it is a value rather than an error.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues"`
}

// Validate checks required fields for the entity's kind and rejects any
// key that is simultaneously asserted as a claim and declared unknown.
func (s *Service) Validate(ctx context.Context, id string) (*ValidationResult, error) {
	entity, err := s.store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}

	kind, err := ParseKind(entity.Kind)
	if err != nil {
		return nil, err
	}

	res := &ValidationResult{Valid: true}
	addIssue := func(format string, args ...interface{}) {
		res.Valid = false
		res.Issues = append(res.Issues, fmt.Sprintf(format, args...))
	}

	for _, field := range kind.RequiredFields() {
		v, ok := entity.Data[field]
		if !ok || v == nil || v == "" {
			addIssue("missing required field %q", field)
		}
	}
	if kind.NeedsChapter() && entity.ChapterNumber == nil {
		addIssue("missing chapter number")
	}

	claims := keySet(entity.Data["claims"])
	unknowns := keySet(entity.Data["unknowns"])
	var overlap []string
	for k := range claims {
		if unknowns[k] {
			overlap = append(overlap, k)
		}
	}
	sort.Strings(overlap)
	for _, k := range overlap {
		addIssue("fact %q is both claimed and declared unknown", k)
	}

	return res, nil
}

// keySet extracts the key set from either a map of claims or a list of
// declared-unknown keys; both shapes appear in entity data.
func keySet(v interface{}) map[string]bool {
	out := make(map[string]bool)
	switch t := v.(type) {
	case map[string]interface{}:
		for k := range t {
			out[k] = true
		}
	case models.JSONMap:
		for k := range t {
			out[k] = true
		}
	case []interface{}:
		for _, e := range t {
			if s, ok := e.(string); ok {
				out[s] = true
			}
		}
	case []string:
		for _, s := range t {
			out[s] = true
		}
	}
	return out
}
