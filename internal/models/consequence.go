package models

import (
	"time"
)

// ConsequenceStatus state machine:
// potential → active → {realized | invalidated}; realized and invalidated
// are terminal.
type ConsequenceStatus string

const (
	ConsequencePotential   ConsequenceStatus = "potential"
	ConsequenceActive      ConsequenceStatus = "active"
	ConsequenceRealized    ConsequenceStatus = "realized"
	ConsequenceInvalidated ConsequenceStatus = "invalidated"
)

// Timeframe is the expected horizon of a consequence.
type Timeframe string

const (
	TimeframeImmediate Timeframe = "immediate"
	TimeframeShortTerm Timeframe = "short_term"
	TimeframeLongTerm  Timeframe = "long_term"
)

// ValidTimeframe reports whether t is a declared timeframe.
func ValidTimeframe(t Timeframe) bool {
	return t == TimeframeImmediate || t == TimeframeShortTerm || t == TimeframeLongTerm
}

// Consequence is a predicted or realized downstream effect of a story
// event. TargetEventID is a weak reference: the target must exist when it
// is written, but later deletion of the target is not cascaded here.
type Consequence struct {
	ID            string            `gorm:"primaryKey;size:36" json:"id"`
	ProjectID     string            `gorm:"index;size:36" json:"project_id"`
	SourceEventID string            `gorm:"index;size:36" json:"source_event_id"`
	TargetEventID *string           `gorm:"size:36" json:"target_event_id,omitempty"`
	Description   string            `gorm:"type:text" json:"description"`
	Probability   float64           `json:"probability"`
	Timeframe     Timeframe         `gorm:"size:16" json:"timeframe"`
	Status        ConsequenceStatus `gorm:"index;size:16" json:"status"`
	Severity      float64           `json:"severity"`

	AffectedCharacters StringSlice `gorm:"type:json;serializer:json" json:"affected_characters,omitempty"`
	AffectedLocations  StringSlice `gorm:"type:json;serializer:json" json:"affected_locations,omitempty"`
	AffectedThreads    StringSlice `gorm:"type:json;serializer:json" json:"affected_threads,omitempty"`

	InvalidationReason string `gorm:"type:text" json:"invalidation_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Consequence) TableName() string {
	return "consequences"
}

// Terminal reports whether the consequence status can no longer change.
func (c *Consequence) Terminal() bool {
	return c.Status == ConsequenceRealized || c.Status == ConsequenceInvalidated
}
