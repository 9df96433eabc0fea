package mysql

import (
	"context"

	"gorm.io/gorm/clause"

	"storyloom/server/internal/models"
	"storyloom/server/internal/storage"
)

// Promises

func (s *Store) CreatePromise(ctx context.Context, p *models.Promise) error {
	return translate(s.db.WithContext(ctx).Create(p).Error)
}

func (s *Store) GetPromise(ctx context.Context, id string) (*models.Promise, error) {
	var p models.Promise
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *Store) UpdatePromise(ctx context.Context, p *models.Promise) error {
	res := s.db.WithContext(ctx).Save(p)
	if res.Error != nil {
		return translate(res.Error)
	}
	return nil
}

func (s *Store) ListPromises(ctx context.Context, projectID string, f storage.PromiseFilter) ([]*models.Promise, error) {
	q := s.db.WithContext(ctx).Where("project_id = ?", projectID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.BeforeChapter != nil {
		q = q.Where("setup_chapter < ?", *f.BeforeChapter)
	}
	var out []*models.Promise
	if err := q.Order("setup_chapter, id").Find(&out).Error; err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// Story events and causal edges

func (s *Store) CreateEvent(ctx context.Context, e *models.StoryEvent) error {
	return translate(s.db.WithContext(ctx).Create(e).Error)
}

func (s *Store) GetEvent(ctx context.Context, id string) (*models.StoryEvent, error) {
	var e models.StoryEvent
	if err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *Store) UpdateEvent(ctx context.Context, e *models.StoryEvent) error {
	return translate(s.db.WithContext(ctx).Save(e).Error)
}

func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.StoryEvent{}, "id = ?", id)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return translate(s.db.WithContext(ctx).
		Where("cause_id = ? OR effect_id = ?", id, id).
		Delete(&models.CausalLink{}).Error)
}

func (s *Store) ListEvents(ctx context.Context, projectID string) ([]*models.StoryEvent, error) {
	var out []*models.StoryEvent
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (s *Store) CreateLink(ctx context.Context, l *models.CausalLink) error {
	return translate(s.db.WithContext(ctx).Create(l).Error)
}

func (s *Store) ListLinks(ctx context.Context, projectID string) ([]*models.CausalLink, error) {
	var out []*models.CausalLink
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// Consequences

func (s *Store) CreateConsequence(ctx context.Context, c *models.Consequence) error {
	return translate(s.db.WithContext(ctx).Create(c).Error)
}

func (s *Store) GetConsequence(ctx context.Context, id string) (*models.Consequence, error) {
	var c models.Consequence
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *Store) UpdateConsequence(ctx context.Context, c *models.Consequence) error {
	return translate(s.db.WithContext(ctx).Save(c).Error)
}

func (s *Store) ListConsequences(ctx context.Context, projectID string, f storage.ConsequenceFilter) ([]*models.Consequence, error) {
	q := s.db.WithContext(ctx).Where("project_id = ?", projectID)
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	var out []*models.Consequence
	if err := q.Order("id").Find(&out).Error; err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (s *Store) CountConsequencesForEvent(ctx context.Context, eventID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Consequence{}).
		Where("source_event_id = ? OR target_event_id = ?", eventID, eventID).
		Count(&n).Error
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}

// Timeline

func (s *Store) GetTimelineEvent(ctx context.Context, projectID, sourceTable, sourceID string) (*models.TimelineEvent, error) {
	var e models.TimelineEvent
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND source_table = ? AND source_id = ?", projectID, sourceTable, sourceID).
		First(&e).Error
	if err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *Store) SaveTimelineEvent(ctx context.Context, e *models.TimelineEvent) error {
	return translate(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "project_id"}, {Name: "source_table"}, {Name: "source_id"},
		},
		UpdateAll: true,
	}).Create(e).Error)
}

func (s *Store) ListTimelineEvents(ctx context.Context, projectID string) ([]*models.TimelineEvent, error) {
	var out []*models.TimelineEvent
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("chapter_number, position_weight, id").
		Find(&out).Error
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (s *Store) DeleteTimelineEventsExcept(ctx context.Context, projectID, sourceTable string, keepSourceIDs []string) (int64, error) {
	q := s.db.WithContext(ctx).
		Where("project_id = ? AND source_table = ?", projectID, sourceTable)
	if len(keepSourceIDs) > 0 {
		q = q.Where("source_id NOT IN ?", keepSourceIDs)
	}
	res := q.Delete(&models.TimelineEvent{})
	return res.RowsAffected, translate(res.Error)
}

// Conflicts

func (s *Store) CreateConflict(ctx context.Context, c *models.TimelineConflict) error {
	return translate(s.db.WithContext(ctx).Create(c).Error)
}

func (s *Store) GetConflict(ctx context.Context, id string) (*models.TimelineConflict, error) {
	var c models.TimelineConflict
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *Store) UpdateConflict(ctx context.Context, c *models.TimelineConflict) error {
	return translate(s.db.WithContext(ctx).Save(c).Error)
}

func (s *Store) ListConflicts(ctx context.Context, projectID string, f storage.ConflictFilter) ([]*models.TimelineConflict, error) {
	q := s.db.WithContext(ctx).Where("project_id = ?", projectID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.IdentityHash != "" {
		q = q.Where("identity_hash = ?", f.IdentityHash)
	}
	var out []*models.TimelineConflict
	if err := q.Order("id").Find(&out).Error; err != nil {
		return nil, translate(err)
	}
	return out, nil
}
