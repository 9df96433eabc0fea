package models

import (
	"time"

	"gorm.io/gorm"
)

// Project is the root aggregate; every other record hangs off one project.
type Project struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	Title     string         `gorm:"size:255" json:"title"`
	Status    string         `gorm:"size:32" json:"status"` // "active", "archived"
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Project) TableName() string {
	return "projects"
}
