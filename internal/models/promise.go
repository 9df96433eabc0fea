package models

import (
	"time"
)

// PromiseStatus is the lifecycle state of a narrative promise.
type PromiseStatus string

const (
	PromiseOpen      PromiseStatus = "open"
	PromiseFulfilled PromiseStatus = "fulfilled"
	PromiseAbandoned PromiseStatus = "abandoned"
)

// PromiseKind classifies the setup pattern the promise was detected from.
type PromiseKind string

const (
	PromiseChekhovsGun   PromiseKind = "chekhovs_gun"
	PromiseVow           PromiseKind = "vow"
	PromiseMystery       PromiseKind = "mystery"
	PromiseForeshadowing PromiseKind = "foreshadowing"
)

// Promise tracks a narrative setup and its required later payoff.
// Fulfilled and abandoned are terminal; both transitions are explicit
// caller decisions, never applied automatically.
type Promise struct {
	ID               string        `gorm:"primaryKey;size:36" json:"id"`
	ProjectID        string        `gorm:"index;size:36" json:"project_id"`
	Kind             PromiseKind   `gorm:"size:32" json:"kind"`
	SetupChapter     int           `gorm:"index" json:"setup_chapter"`
	SetupScene       *int          `json:"setup_scene,omitempty"`
	SetupDescription string        `gorm:"type:text" json:"setup_description"`
	PayoffRequired   string        `gorm:"type:text" json:"payoff_required"`
	PayoffDeadline   *int          `gorm:"index" json:"payoff_deadline,omitempty"` // chapter number
	Status           PromiseStatus `gorm:"index;size:16" json:"status"`

	PayoffChapter     *int   `json:"payoff_chapter,omitempty"`
	PayoffScene       *int   `json:"payoff_scene,omitempty"`
	PayoffDescription string `gorm:"type:text" json:"payoff_description,omitempty"`

	// Last payoff validation run, advisory only.
	ValidatedAt      *time.Time `json:"validated_at,omitempty"`
	ValidationResult string     `gorm:"type:text" json:"validation_result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Promise) TableName() string {
	return "promises"
}

// Terminal reports whether the promise can no longer change status.
func (p *Promise) Terminal() bool {
	return p.Status == PromiseFulfilled || p.Status == PromiseAbandoned
}
