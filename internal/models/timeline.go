package models

import (
	"time"
)

// TimelineLayer groups projected events for conflict detection.
type TimelineLayer string

const (
	LayerPlot        TimelineLayer = "plot"
	LayerCharacter   TimelineLayer = "character"
	LayerTheme       TimelineLayer = "theme"
	LayerTechnical   TimelineLayer = "technical"
	LayerConsequence TimelineLayer = "consequence"
)

// Timeline source tables.
const (
	SourceChapters     = "chapters"
	SourceStoryEvents  = "story_events"
	SourceMilestones   = "milestones"
	SourceConsequences = "consequences"
)

// TimelineEvent is a denormalized projection of one source row into the
// merged timeline. Never the source of truth: the sync pass rebuilds it
// whenever the source row's content hash changes. Ordering is
// (chapter_number, position_weight, insertion id).
type TimelineEvent struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectID   string `gorm:"uniqueIndex:idx_timeline_source;size:36" json:"project_id"`
	SourceTable string `gorm:"uniqueIndex:idx_timeline_source;size:32" json:"source_table"`
	SourceID    string `gorm:"uniqueIndex:idx_timeline_source;size:36" json:"source_id"`

	Layer           TimelineLayer `gorm:"size:16" json:"layer"`
	Title           string        `gorm:"size:255" json:"title"`
	ChapterNumber   int           `gorm:"index" json:"chapter_number"`
	PositionWeight  float64       `json:"position_weight"` // sub-chapter ordering in [0,1)
	Magnitude       float64       `json:"magnitude"`
	EmotionalImpact *float64      `json:"emotional_impact,omitempty"`
	Participants    StringSlice   `gorm:"type:json;serializer:json" json:"participants,omitempty"`

	SyncHash string    `gorm:"size:64" json:"-"`
	SyncedAt time.Time `json:"synced_at"`
}

func (TimelineEvent) TableName() string {
	return "timeline_events"
}

// ConflictType classifies a detected timeline problem.
type ConflictType string

const (
	ConflictOverlap       ConflictType = "overlap"
	ConflictInconsistency ConflictType = "inconsistency"
	ConflictPacing        ConflictType = "pacing_issue"
	ConflictCharacter     ConflictType = "character_conflict"
	ConflictContinuity    ConflictType = "continuity_error"
)

// ConflictSeverity grades a detected conflict.
type ConflictSeverity string

const (
	SeverityInfo     ConflictSeverity = "info"
	SeverityWarning  ConflictSeverity = "warning"
	SeverityError    ConflictSeverity = "error"
	SeverityCritical ConflictSeverity = "critical"
)

// ConflictStatus is the resolution state of a conflict record.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
	ConflictIgnored  ConflictStatus = "ignored"
)

// TimelineConflict is one detected problem. Records are immutable except
// for status and resolution note; detection runs dedupe on IdentityHash so
// re-running detection never duplicates an existing record.
type TimelineConflict struct {
	ID           string           `gorm:"primaryKey;size:36" json:"id"`
	ProjectID    string           `gorm:"index;size:36" json:"project_id"`
	ConflictType ConflictType     `gorm:"size:32" json:"conflict_type"`
	Severity     ConflictSeverity `gorm:"size:16" json:"severity"`
	Description  string           `gorm:"type:text" json:"description"`
	ChapterStart int              `json:"chapter_start"`
	ChapterEnd   int              `json:"chapter_end"`
	EventIDs     StringSlice      `gorm:"type:json;serializer:json" json:"event_ids"`

	// IdentityHash is derived from (conflict_type, sorted event ids);
	// SourceFingerprint captures the sync hashes of the involved rows at
	// detection time, so a resolved conflict is only re-raised when the
	// underlying sources actually changed.
	IdentityHash      string `gorm:"index;size:40" json:"-"`
	SourceFingerprint string `gorm:"size:64" json:"-"`

	Status         ConflictStatus `gorm:"index;size:16" json:"status"`
	ResolutionNote string         `gorm:"type:text" json:"resolution_note,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (TimelineConflict) TableName() string {
	return "timeline_conflicts"
}
