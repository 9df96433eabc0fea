package models

import (
	"time"

	"gorm.io/gorm"
)

// CanonEntity is one record of the story bible: a character, location,
// faction, item, story rule, chapter, milestone or thread. The typed
// narrative records (promises, events, consequences) have their own tables.
type CanonEntity struct {
	ID        string  `gorm:"primaryKey;size:36" json:"id"`
	ProjectID string  `gorm:"index;size:36" json:"project_id"`
	Kind      string  `gorm:"index;size:32" json:"kind"`
	Name      string  `gorm:"size:255" json:"name"`
	Data      JSONMap `gorm:"type:json;serializer:json" json:"data"`

	// Promoted columns for kinds the timeline projects from. NULL for
	// kinds without a fixed chapter position.
	ChapterNumber *int `gorm:"index" json:"chapter_number,omitempty"`
	SceneNumber   *int `json:"scene_number,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (CanonEntity) TableName() string {
	return "canon_entities"
}

// CanonVersion is one append-only history entry. Version numbers are
// strictly increasing per project; history is informational only, there is
// no rollback.
type CanonVersion struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	ProjectID       string    `gorm:"index;size:36" json:"project_id"`
	EntityID        string    `gorm:"index;size:36" json:"entity_id"`
	VersionNumber   int       `gorm:"index" json:"version_number"`
	CommitMessage   string    `gorm:"size:512" json:"commit_message"`
	Changes         JSONMap   `gorm:"type:json;serializer:json" json:"changes"`
	ParentVersionID *string   `gorm:"size:36" json:"parent_version_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func (CanonVersion) TableName() string {
	return "canon_versions"
}
