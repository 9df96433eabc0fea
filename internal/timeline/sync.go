// Package timeline merges chapters, story events, milestones and
// consequences into one ordered projection and runs conflict detection
// over it.
package timeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"storyloom/server/internal/analysis"
	"storyloom/server/internal/canon"
	"storyloom/server/internal/models"
	"storyloom/server/internal/storage"
)

// Config holds the detection rule constants.
type Config struct {
	OverlapTolerance   float64 // position-weight distance treated as the same window
	PacingGapChapters  int     // consecutive empty chapters before a pacing flag
	MajorBeatMagnitude float64 // minimum magnitude counted as a major beat
	PolarityThreshold  float64 // emotional-impact delta treated as contradictory
}

func (c *Config) applyDefaults() {
	if c.OverlapTolerance <= 0 {
		c.OverlapTolerance = 0.05
	}
	if c.PacingGapChapters <= 0 {
		c.PacingGapChapters = 3
	}
	if c.MajorBeatMagnitude <= 0 {
		c.MajorBeatMagnitude = 0.6
	}
	if c.PolarityThreshold <= 0 {
		c.PolarityThreshold = 0.7
	}
}

// Service syncs the timeline projection and detects conflicts. analyzer
// may be nil: character-conflict judgment then runs heuristic-only.
type Service struct {
	store    storage.Store
	analyzer analysis.Analyzer
	cfg      Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(store storage.Store, analyzer analysis.Analyzer, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{
		store:    store,
		analyzer: analyzer,
		cfg:      cfg,
		locks:    make(map[string]*sync.Mutex),
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

// SyncResult reports what one sync pass did.
type SyncResult struct {
	ProjectID string         `json:"project_id"`
	Synced    map[string]int `json:"synced"`  // upserts per source table
	Skipped   int            `json:"skipped"` // hash-equal rows left alone
	Removed   int            `json:"removed"` // projections whose source is gone
	Elapsed   time.Duration  `json:"elapsed"`
}

// Sync rebuilds the projection for one project. Rows whose content hash
// matches the stored sync hash are skipped unless forceFull is set;
// projections whose source row disappeared are removed. Calling Sync
// twice with no source changes writes nothing the second time.
func (s *Service) Sync(ctx context.Context, projectID string, forceFull bool) (*SyncResult, error) {
	start := time.Now()
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}

	synced := map[string]int{
		models.SourceChapters:     0,
		models.SourceStoryEvents:  0,
		models.SourceMilestones:   0,
		models.SourceConsequences: 0,
	}
	skipped := 0
	var removed int64

	rows, err := s.projectRows(ctx, projectID)
	if err != nil {
		return nil, err
	}

	keep := make(map[string][]string)
	for _, row := range rows {
		keep[row.SourceTable] = append(keep[row.SourceTable], row.SourceID)

		if !forceFull {
			existing, err := s.store.GetTimelineEvent(ctx, projectID, row.SourceTable, row.SourceID)
			if err == nil && existing.SyncHash == row.SyncHash {
				skipped++
				continue
			}
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, err
			}
		}

		row.SyncedAt = time.Now()
		if err := s.store.SaveTimelineEvent(ctx, row); err != nil {
			return nil, err
		}
		synced[row.SourceTable]++
	}

	for _, table := range []string{
		models.SourceChapters, models.SourceStoryEvents,
		models.SourceMilestones, models.SourceConsequences,
	} {
		n, err := s.store.DeleteTimelineEventsExcept(ctx, projectID, table, keep[table])
		if err != nil {
			return nil, err
		}
		removed += n
	}

	return &SyncResult{
		ProjectID: projectID,
		Synced:    synced,
		Skipped:   skipped,
		Removed:   int(removed),
		Elapsed:   time.Since(start),
	}, nil
}

// projectRows builds the desired projection from every source table.
func (s *Service) projectRows(ctx context.Context, projectID string) ([]*models.TimelineEvent, error) {
	var rows []*models.TimelineEvent

	chapters, err := s.store.ListEntities(ctx, projectID, string(canon.KindChapter))
	if err != nil {
		return nil, err
	}
	milestones, err := s.store.ListEntities(ctx, projectID, string(canon.KindMilestone))
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, projectID)
	if err != nil {
		return nil, err
	}
	consequences, err := s.store.ListConsequences(ctx, projectID, storage.ConsequenceFilter{})
	if err != nil {
		return nil, err
	}

	// Scene counts per chapter drive sub-chapter position weights.
	maxScene := make(map[int]int)
	for _, e := range events {
		if e.ChapterNumber == nil || e.SceneNumber == nil {
			continue
		}
		if *e.SceneNumber > maxScene[*e.ChapterNumber] {
			maxScene[*e.ChapterNumber] = *e.SceneNumber
		}
	}

	for _, ch := range chapters {
		if ch.ChapterNumber == nil {
			continue
		}
		rows = append(rows, projectRow(projectID, models.SourceChapters, ch.ID,
			models.LayerTechnical, ch.Name, *ch.ChapterNumber, 0, 0, nil, nil))
	}

	for _, m := range milestones {
		if m.ChapterNumber == nil {
			continue
		}
		rows = append(rows, projectRow(projectID, models.SourceMilestones, m.ID,
			models.LayerPlot, m.Name, *m.ChapterNumber, 0, 1, nil, nil))
	}

	eventRow := make(map[string]*models.TimelineEvent, len(events))
	for _, e := range events {
		if e.ChapterNumber == nil || e.Invalidated {
			continue // unplaced or invalidated events stay off the timeline
		}
		weight := 0.0
		if e.SceneNumber != nil {
			weight = float64(*e.SceneNumber) / float64(maxScene[*e.ChapterNumber]+1)
		}
		row := projectRow(projectID, models.SourceStoryEvents, e.ID,
			eventLayer(e.EventType), e.Title, *e.ChapterNumber, weight,
			e.Magnitude, e.EmotionalImpact, e.Participants)
		rows = append(rows, row)
		eventRow[e.ID] = row
	}

	for _, c := range consequences {
		source, ok := eventRow[c.SourceEventID]
		if !ok {
			continue // source event unplaced; nothing to anchor to
		}
		rows = append(rows, projectRow(projectID, models.SourceConsequences, c.ID,
			models.LayerConsequence, c.Description, source.ChapterNumber,
			source.PositionWeight, c.Severity, nil, c.AffectedCharacters))
	}

	return rows, nil
}

func projectRow(projectID, table, sourceID string, layer models.TimelineLayer,
	title string, chapter int, weight, magnitude float64,
	impact *float64, participants models.StringSlice) *models.TimelineEvent {

	row := &models.TimelineEvent{
		ProjectID:       projectID,
		SourceTable:     table,
		SourceID:        sourceID,
		Layer:           layer,
		Title:           title,
		ChapterNumber:   chapter,
		PositionWeight:  weight,
		Magnitude:       magnitude,
		EmotionalImpact: impact,
		Participants:    participants,
	}
	row.SyncHash = contentHash(row)
	return row
}

// contentHash covers every projected field, so any source change flips
// the hash and forces a re-upsert.
func contentHash(row *models.TimelineEvent) string {
	impact := "-"
	if row.EmotionalImpact != nil {
		impact = fmt.Sprintf("%.4f", *row.EmotionalImpact)
	}
	payload := strings.Join([]string{
		row.SourceTable,
		row.SourceID,
		string(row.Layer),
		row.Title,
		fmt.Sprintf("%d", row.ChapterNumber),
		fmt.Sprintf("%.6f", row.PositionWeight),
		fmt.Sprintf("%.4f", row.Magnitude),
		impact,
		strings.Join(row.Participants, ","),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func eventLayer(t models.EventType) models.TimelineLayer {
	switch t {
	case models.EventDecision, models.EventConflict, models.EventResolution,
		models.EventRevelation, models.EventDiscovery:
		return models.LayerPlot
	case models.EventTransformation, models.EventLoss:
		return models.LayerCharacter
	default:
		return models.LayerTheme
	}
}

// Events returns the synced projection in chronological order.
func (s *Service) Events(ctx context.Context, projectID string) ([]*models.TimelineEvent, error) {
	return s.store.ListTimelineEvents(ctx, projectID)
}
