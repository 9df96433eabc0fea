package models

import (
	"time"
)

// EventType classifies a story event.
type EventType string

const (
	EventDecision       EventType = "decision"
	EventRevelation     EventType = "revelation"
	EventConflict       EventType = "conflict"
	EventResolution     EventType = "resolution"
	EventDiscovery      EventType = "discovery"
	EventLoss           EventType = "loss"
	EventTransformation EventType = "transformation"
	EventOther          EventType = "other"
)

// ValidEventType reports whether t is one of the declared event types.
func ValidEventType(t EventType) bool {
	switch t {
	case EventDecision, EventRevelation, EventConflict, EventResolution,
		EventDiscovery, EventLoss, EventTransformation, EventOther:
		return true
	}
	return false
}

// StoryEvent is a node of the causality graph. Once a consequence
// references it the event is never hard-deleted, only invalidated.
type StoryEvent struct {
	ID              string      `gorm:"primaryKey;size:36" json:"id"`
	ProjectID       string      `gorm:"index;size:36" json:"project_id"`
	SceneID         *string     `gorm:"size:36" json:"scene_id,omitempty"`
	ChapterNumber   *int        `gorm:"index" json:"chapter_number,omitempty"`
	SceneNumber     *int        `json:"scene_number,omitempty"`
	Title           string      `gorm:"size:255" json:"title"`
	Description     string      `gorm:"type:text" json:"description"`
	EventType       EventType   `gorm:"size:32" json:"event_type"`
	Magnitude       float64     `json:"magnitude"`
	EmotionalImpact *float64    `json:"emotional_impact,omitempty"`
	Participants    StringSlice `gorm:"type:json;serializer:json" json:"participants,omitempty"` // character ids
	Invalidated     bool        `gorm:"index" json:"invalidated"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

func (StoryEvent) TableName() string {
	return "story_events"
}

// CausalLink is one cause→effect edge of the event graph. The edge set is
// kept acyclic at insertion time.
type CausalLink struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	ProjectID string    `gorm:"index;size:36" json:"project_id"`
	CauseID   string    `gorm:"uniqueIndex:idx_causal_edge;size:36" json:"cause_id"`
	EffectID  string    `gorm:"uniqueIndex:idx_causal_edge;size:36" json:"effect_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (CausalLink) TableName() string {
	return "causal_links"
}
