// Package storage defines the persistence boundary for the narrative core.
// Services depend on the Store interface; the mysql subpackage implements
// it over GORM and the memory subpackage backs tests.
package storage

import (
	"context"
	"errors"

	"storyloom/server/internal/models"
)

// ErrNotFound is returned when a referenced id does not resolve. It is
// surfaced to the caller and never retried.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when a unique constraint is violated, e.g. an
// already-existing causal edge.
var ErrDuplicate = errors.New("duplicate record")

// PromiseFilter narrows ListPromises.
type PromiseFilter struct {
	Status        models.PromiseStatus // empty matches all
	BeforeChapter *int                 // setup_chapter < BeforeChapter
}

// ConsequenceFilter narrows ListConsequences.
type ConsequenceFilter struct {
	Statuses []models.ConsequenceStatus // empty matches all
}

// ConflictFilter narrows ListConflicts.
type ConflictFilter struct {
	Status       models.ConflictStatus // empty matches all
	IdentityHash string                // empty matches all
}

// Store is the full persistence surface. All methods are scoped to a
// single project; callers serialize per-project mutations that
// read-then-write (version numbers, conflict upserts).
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)

	// Canon entities
	CreateEntity(ctx context.Context, e *models.CanonEntity) error
	GetEntity(ctx context.Context, id string) (*models.CanonEntity, error)
	UpdateEntity(ctx context.Context, e *models.CanonEntity) error
	DeleteEntity(ctx context.Context, id string) error
	ListEntities(ctx context.Context, projectID, kind string) ([]*models.CanonEntity, error)

	// Version history (append-only)
	AppendVersion(ctx context.Context, v *models.CanonVersion) error
	MaxVersionNumber(ctx context.Context, projectID string) (int, error)
	LatestVersion(ctx context.Context, entityID string) (*models.CanonVersion, error)
	ListVersions(ctx context.Context, entityID string) ([]*models.CanonVersion, error)

	// Promises
	CreatePromise(ctx context.Context, p *models.Promise) error
	GetPromise(ctx context.Context, id string) (*models.Promise, error)
	UpdatePromise(ctx context.Context, p *models.Promise) error
	ListPromises(ctx context.Context, projectID string, f PromiseFilter) ([]*models.Promise, error)

	// Story events and causal edges
	CreateEvent(ctx context.Context, e *models.StoryEvent) error
	GetEvent(ctx context.Context, id string) (*models.StoryEvent, error)
	UpdateEvent(ctx context.Context, e *models.StoryEvent) error
	DeleteEvent(ctx context.Context, id string) error
	ListEvents(ctx context.Context, projectID string) ([]*models.StoryEvent, error)
	CreateLink(ctx context.Context, l *models.CausalLink) error
	ListLinks(ctx context.Context, projectID string) ([]*models.CausalLink, error)

	// Consequences
	CreateConsequence(ctx context.Context, c *models.Consequence) error
	GetConsequence(ctx context.Context, id string) (*models.Consequence, error)
	UpdateConsequence(ctx context.Context, c *models.Consequence) error
	ListConsequences(ctx context.Context, projectID string, f ConsequenceFilter) ([]*models.Consequence, error)
	CountConsequencesForEvent(ctx context.Context, eventID string) (int64, error)

	// Timeline projection
	GetTimelineEvent(ctx context.Context, projectID, sourceTable, sourceID string) (*models.TimelineEvent, error)
	SaveTimelineEvent(ctx context.Context, e *models.TimelineEvent) error
	ListTimelineEvents(ctx context.Context, projectID string) ([]*models.TimelineEvent, error)
	DeleteTimelineEventsExcept(ctx context.Context, projectID, sourceTable string, keepSourceIDs []string) (int64, error)

	// Conflicts
	CreateConflict(ctx context.Context, c *models.TimelineConflict) error
	GetConflict(ctx context.Context, id string) (*models.TimelineConflict, error)
	UpdateConflict(ctx context.Context, c *models.TimelineConflict) error
	ListConflicts(ctx context.Context, projectID string, f ConflictFilter) ([]*models.TimelineConflict, error)

	// Lifecycle
	Close() error
}
