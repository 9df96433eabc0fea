// Package ledger tracks narrative promises: setups, required payoffs,
// deadlines and fulfillment state.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"storyloom/server/internal/analysis"
	"storyloom/server/internal/models"
	"storyloom/server/internal/storage"
)

// ErrInvalidTransition is returned for a status change the promise state
// machine forbids.
var ErrInvalidTransition = errors.New("invalid promise transition")

// ErrInvariantViolation is returned when a payoff would land before its
// setup.
var ErrInvariantViolation = errors.New("payoff chapter precedes setup chapter")

// Service answers promise health queries and applies explicit status
// transitions. Detection and payoff validation never mutate status: the
// caller reviews the result and applies the transition in a second call.
type Service struct {
	store    storage.Store
	analyzer analysis.Analyzer
	cache    *storage.Cache // nil disables report caching

	confidenceThreshold float64
	defaultLookahead    int
}

func NewService(store storage.Store, analyzer analysis.Analyzer, cache *storage.Cache, confidenceThreshold float64, defaultLookahead int) *Service {
	if confidenceThreshold <= 0 {
		confidenceThreshold = 0.6
	}
	if defaultLookahead <= 0 {
		defaultLookahead = 3
	}
	return &Service{
		store:               store,
		analyzer:            analyzer,
		cache:               cache,
		confidenceThreshold: confidenceThreshold,
		defaultLookahead:    defaultLookahead,
	}
}

// Candidate is a detected promise before materialization. Nothing is
// persisted by detection.
type Candidate struct {
	analysis.PromiseCandidate
	SuggestedDeadline int `json:"suggested_deadline"` // absolute chapter number
}

// DetectPromises scans prose for setups above the confidence threshold.
func (s *Service) DetectPromises(ctx context.Context, text string, chapter int, scene *int, storyContext string) ([]Candidate, error) {
	if s.analyzer == nil {
		return nil, fmt.Errorf("%w: no analyzer configured", analysis.ErrUnavailable)
	}
	raw, err := s.analyzer.DetectPromises(ctx, analysis.DetectPromisesInput{
		Text:    text,
		Chapter: chapter,
		Scene:   scene,
		Context: storyContext,
	})
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, c := range raw {
		if c.Confidence < s.confidenceThreshold {
			continue
		}
		out = append(out, Candidate{
			PromiseCandidate:  c,
			SuggestedDeadline: chapter + c.SuggestedDeadlineOffset,
		})
	}
	return out, nil
}

// CreateInput materializes a promise, either from a detection candidate
// or manually.
type CreateInput struct {
	ProjectID        string
	Kind             models.PromiseKind
	SetupChapter     int
	SetupScene       *int
	SetupDescription string
	PayoffRequired   string
	PayoffDeadline   *int
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Promise, error) {
	if _, err := s.store.GetProject(ctx, in.ProjectID); err != nil {
		return nil, fmt.Errorf("project %s: %w", in.ProjectID, err)
	}
	if in.PayoffDeadline != nil && *in.PayoffDeadline < in.SetupChapter {
		return nil, fmt.Errorf("%w: deadline %d before setup chapter %d",
			ErrInvariantViolation, *in.PayoffDeadline, in.SetupChapter)
	}

	p := &models.Promise{
		ID:               uuid.NewString(),
		ProjectID:        in.ProjectID,
		Kind:             in.Kind,
		SetupChapter:     in.SetupChapter,
		SetupScene:       in.SetupScene,
		SetupDescription: in.SetupDescription,
		PayoffRequired:   in.PayoffRequired,
		PayoffDeadline:   in.PayoffDeadline,
		Status:           models.PromiseOpen,
	}
	if err := s.store.CreatePromise(ctx, p); err != nil {
		return nil, err
	}
	s.invalidateReports(ctx, in.ProjectID)
	return p, nil
}

// Get returns one promise.
func (s *Service) Get(ctx context.Context, id string) (*models.Promise, error) {
	return s.store.GetPromise(ctx, id)
}

// List returns a project's promises, optionally narrowed by status and
// setup chapter.
func (s *Service) List(ctx context.Context, projectID string, status models.PromiseStatus, beforeChapter *int) ([]*models.Promise, error) {
	switch status {
	case "", models.PromiseOpen, models.PromiseFulfilled, models.PromiseAbandoned:
	default:
		return nil, fmt.Errorf("unknown promise status %q", status)
	}
	return s.store.ListPromises(ctx, projectID, storage.PromiseFilter{
		Status:        status,
		BeforeChapter: beforeChapter,
	})
}

// GetOpen lists open promises, optionally only those set up before the
// given chapter.
func (s *Service) GetOpen(ctx context.Context, projectID string, beforeChapter *int) ([]*models.Promise, error) {
	return s.store.ListPromises(ctx, projectID, storage.PromiseFilter{
		Status:        models.PromiseOpen,
		BeforeChapter: beforeChapter,
	})
}

// GetNearDeadline lists open promises whose deadline falls inside
// [currentChapter, currentChapter+lookahead].
func (s *Service) GetNearDeadline(ctx context.Context, projectID string, currentChapter, lookahead int) ([]*models.Promise, error) {
	if lookahead <= 0 {
		lookahead = s.defaultLookahead
	}
	open, err := s.GetOpen(ctx, projectID, nil)
	if err != nil {
		return nil, err
	}
	var out []*models.Promise
	for _, p := range open {
		if p.PayoffDeadline == nil {
			continue
		}
		d := *p.PayoffDeadline
		if currentChapter <= d && d <= currentChapter+lookahead {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetOverdue lists open promises whose deadline has already passed.
func (s *Service) GetOverdue(ctx context.Context, projectID string, currentChapter int) ([]*models.Promise, error) {
	open, err := s.GetOpen(ctx, projectID, nil)
	if err != nil {
		return nil, err
	}
	var out []*models.Promise
	for _, p := range open {
		if p.PayoffDeadline != nil && *p.PayoffDeadline < currentChapter {
			out = append(out, p)
		}
	}
	return out, nil
}

// PayoffValidation is the advisory result of ValidatePayoff.
type PayoffValidation struct {
	Valid        bool     `json:"valid"`
	Reason       string   `json:"reason"`
	Completeness float64  `json:"completeness"`
	Suggestions  []string `json:"suggestions,omitempty"`
}

// ValidatePayoff asks the analyzer whether payoffText satisfies the
// promise. Status is never changed here; the caller applies Transition
// after reviewing the result. The validation timestamp, result and
// checked payoff position are recorded on the promise.
func (s *Service) ValidatePayoff(ctx context.Context, promiseID, payoffText string, payoffChapter int, payoffScene *int) (*PayoffValidation, error) {
	p, err := s.store.GetPromise(ctx, promiseID)
	if err != nil {
		return nil, err
	}

	var result *PayoffValidation
	if payoffChapter < p.SetupChapter {
		result = &PayoffValidation{
			Valid:  false,
			Reason: fmt.Sprintf("payoff in chapter %d precedes setup in chapter %d", payoffChapter, p.SetupChapter),
		}
	} else {
		if s.analyzer == nil {
			return nil, fmt.Errorf("%w: no analyzer configured", analysis.ErrUnavailable)
		}
		assessment, err := s.analyzer.ValidatePayoff(ctx, analysis.ValidatePayoffInput{
			SetupChapter:     p.SetupChapter,
			SetupDescription: p.SetupDescription,
			PayoffRequired:   p.PayoffRequired,
			PayoffChapter:    payoffChapter,
			PayoffText:       payoffText,
		})
		if err != nil {
			return nil, err
		}
		result = &PayoffValidation{
			Valid:        assessment.Valid,
			Reason:       assessment.Reason,
			Completeness: assessment.Completeness,
			Suggestions:  assessment.Suggestions,
		}
	}

	now := time.Now()
	p.ValidatedAt = &now
	record := struct {
		*PayoffValidation
		PayoffChapter int  `json:"payoff_chapter"`
		PayoffScene   *int `json:"payoff_scene,omitempty"`
	}{result, payoffChapter, payoffScene}
	if raw, err := json.Marshal(record); err == nil {
		p.ValidationResult = string(raw)
	}
	if err := s.store.UpdatePromise(ctx, p); err != nil {
		return nil, err
	}

	return result, nil
}

// TransitionInput applies an explicit status change.
type TransitionInput struct {
	Status            models.PromiseStatus
	PayoffChapter     *int
	PayoffScene       *int
	PayoffDescription string
}

// Transition moves a promise to fulfilled or abandoned. Both are
// terminal; fulfilled requires payoff details and enforces the
// payoff-after-setup invariant.
func (s *Service) Transition(ctx context.Context, promiseID string, in TransitionInput) (*models.Promise, error) {
	p, err := s.store.GetPromise(ctx, promiseID)
	if err != nil {
		return nil, err
	}
	if p.Terminal() {
		return nil, fmt.Errorf("%w: promise is %s", ErrInvalidTransition, p.Status)
	}

	switch in.Status {
	case models.PromiseFulfilled:
		if in.PayoffChapter == nil {
			return nil, fmt.Errorf("%w: fulfillment requires a payoff chapter", ErrInvalidTransition)
		}
		if *in.PayoffChapter < p.SetupChapter {
			return nil, fmt.Errorf("%w: payoff chapter %d, setup chapter %d",
				ErrInvariantViolation, *in.PayoffChapter, p.SetupChapter)
		}
		p.Status = models.PromiseFulfilled
		p.PayoffChapter = in.PayoffChapter
		p.PayoffScene = in.PayoffScene
		p.PayoffDescription = in.PayoffDescription
	case models.PromiseAbandoned:
		p.Status = models.PromiseAbandoned
	default:
		return nil, fmt.Errorf("%w: cannot transition to %q", ErrInvalidTransition, in.Status)
	}

	if err := s.store.UpdatePromise(ctx, p); err != nil {
		return nil, err
	}
	s.invalidateReports(ctx, p.ProjectID)
	return p, nil
}

// Report aggregates ledger health for a project at a point in the story.
type Report struct {
	ProjectID      string                       `json:"project_id"`
	CurrentChapter int                          `json:"current_chapter"`
	ByStatus       map[models.PromiseStatus]int `json:"by_status"`
	NearDeadline   int                          `json:"near_deadline"`
	Overdue        int                          `json:"overdue"`
	HealthScore    int                          `json:"health_score"`
	Warnings       []string                     `json:"warnings,omitempty"`
	GeneratedAt    time.Time                    `json:"generated_at"`
}

// GetReport computes counts by status, deadline pressure and a health
// score of 100 − 5×overdue − 2×nearDeadline, floored at zero.
func (s *Service) GetReport(ctx context.Context, projectID string, currentChapter int) (*Report, error) {
	if s.cache != nil {
		if data, err := s.cache.GetReport(ctx, projectID, currentChapter); err == nil {
			var cached Report
			if json.Unmarshal(data, &cached) == nil {
				return &cached, nil
			}
		}
	}

	all, err := s.store.ListPromises(ctx, projectID, storage.PromiseFilter{})
	if err != nil {
		return nil, err
	}

	report := &Report{
		ProjectID:      projectID,
		CurrentChapter: currentChapter,
		ByStatus:       make(map[models.PromiseStatus]int),
		GeneratedAt:    time.Now(),
	}

	for _, p := range all {
		report.ByStatus[p.Status]++
		if p.Status != models.PromiseOpen || p.PayoffDeadline == nil {
			continue
		}
		d := *p.PayoffDeadline
		switch {
		case d < currentChapter:
			report.Overdue++
		case d <= currentChapter+s.defaultLookahead:
			report.NearDeadline++
		}
	}

	score := 100 - 5*report.Overdue - 2*report.NearDeadline
	if score < 0 {
		score = 0
	}
	report.HealthScore = score

	if report.Overdue > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%d promise(s) past their payoff deadline", report.Overdue))
	}
	if report.HealthScore < 50 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("ledger health is low (%d/100)", report.HealthScore))
	}

	if s.cache != nil {
		if data, err := json.Marshal(report); err == nil {
			if err := s.cache.SetReport(ctx, projectID, currentChapter, data); err != nil {
				log.Printf("[ledger] report cache write failed: %v", err)
			}
		}
	}

	return report, nil
}

func (s *Service) invalidateReports(ctx context.Context, projectID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateReports(ctx, projectID); err != nil {
		log.Printf("[ledger] report cache invalidation failed: %v", err)
	}
}
