package timeline

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"storyloom/server/internal/analysis"
	"storyloom/server/internal/models"
	"storyloom/server/internal/storage"
)

// ErrConflictClosed rejects resolve/ignore on a conflict that is no
// longer open.
var ErrConflictClosed = errors.New("conflict is not open")

// DetectionResult reports one detection run.
type DetectionResult struct {
	ProjectID string                     `json:"project_id"`
	Checked   int                        `json:"checked"`
	Created   []*models.TimelineConflict `json:"created"`
	Elapsed   time.Duration              `json:"elapsed"`
}

// candidate is a detected problem before the identity-stable upsert.
type candidate struct {
	conflictType models.ConflictType
	severity     models.ConflictSeverity
	description  string
	chapterStart int
	chapterEnd   int
	eventIDs     []string
	identitySeed []string // defaults to eventIDs
}

// DetectConflicts runs the four rule passes over the synced projection.
// Each detected problem is upserted with an identity derived from
// (conflict_type, sorted event ids): re-running detection never
// duplicates an open conflict, and a resolved or ignored conflict is
// only re-raised when the underlying detection payload changed.
func (s *Service) DetectConflicts(ctx context.Context, projectID string) (*DetectionResult, error) {
	start := time.Now()
	rows, err := s.store.ListTimelineEvents(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var candidates []candidate
	candidates = append(candidates, s.detectOverlaps(rows)...)
	candidates = append(candidates, s.detectPacing(rows)...)
	candidates = append(candidates, s.detectCharacterConflicts(ctx, rows)...)

	continuity, err := s.detectContinuity(ctx, projectID)
	if err != nil {
		return nil, err
	}
	candidates = append(candidates, continuity...)

	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	result := &DetectionResult{ProjectID: projectID, Checked: len(rows)}
	for _, c := range candidates {
		created, err := s.upsertConflict(ctx, projectID, c)
		if err != nil {
			return nil, err
		}
		if created != nil {
			result.Created = append(result.Created, created)
		}
	}

	result.Elapsed = time.Since(start)
	return result, nil
}

// detectOverlaps flags two events in different layers claiming the same
// chapter+position window. Chapter rows span the whole chapter and
// consequences sit at their source event's position, so only story
// events and milestones claim windows.
func (s *Service) detectOverlaps(rows []*models.TimelineEvent) []candidate {
	var positioned []*models.TimelineEvent
	for _, r := range rows {
		if r.SourceTable == models.SourceStoryEvents || r.SourceTable == models.SourceMilestones {
			positioned = append(positioned, r)
		}
	}

	var out []candidate
	for i := 0; i < len(positioned); i++ {
		for j := i + 1; j < len(positioned); j++ {
			a, b := positioned[i], positioned[j]
			if a.ChapterNumber != b.ChapterNumber || a.Layer == b.Layer {
				continue
			}
			delta := a.PositionWeight - b.PositionWeight
			if delta < 0 {
				delta = -delta
			}
			if delta >= s.cfg.OverlapTolerance {
				continue
			}
			out = append(out, candidate{
				conflictType: models.ConflictOverlap,
				severity:     models.SeverityWarning,
				description: fmt.Sprintf("%q (%s) and %q (%s) occupy the same window in chapter %d (positions %.4f and %.4f)",
					a.Title, a.Layer, b.Title, b.Layer, a.ChapterNumber, a.PositionWeight, b.PositionWeight),
				chapterStart: a.ChapterNumber,
				chapterEnd:   a.ChapterNumber,
				eventIDs:     []string{a.SourceID, b.SourceID},
			})
		}
	}
	return out
}

// detectPacing flags runs of consecutive chapters without a major beat.
func (s *Service) detectPacing(rows []*models.TimelineEvent) []candidate {
	if len(rows) == 0 {
		return nil
	}

	minCh, maxCh := rows[0].ChapterNumber, rows[0].ChapterNumber
	beats := make(map[int]int)
	for _, r := range rows {
		if r.ChapterNumber < minCh {
			minCh = r.ChapterNumber
		}
		if r.ChapterNumber > maxCh {
			maxCh = r.ChapterNumber
		}
		if r.Layer == models.LayerPlot && r.Magnitude >= s.cfg.MajorBeatMagnitude {
			beats[r.ChapterNumber]++
		}
	}

	var out []candidate
	runStart := 0
	runLen := 0
	flush := func(end int) {
		if runLen >= s.cfg.PacingGapChapters {
			out = append(out, candidate{
				conflictType: models.ConflictPacing,
				severity:     models.SeverityInfo,
				description: fmt.Sprintf("chapters %d-%d contain no major beat (%d quiet chapters)",
					runStart, end, runLen),
				chapterStart: runStart,
				chapterEnd:   end,
				identitySeed: []string{fmt.Sprintf("chapters:%d-%d", runStart, end)},
			})
		}
		runLen = 0
	}
	for ch := minCh; ch <= maxCh; ch++ {
		if beats[ch] == 0 {
			if runLen == 0 {
				runStart = ch
			}
			runLen++
		} else {
			flush(ch - 1)
		}
	}
	flush(maxCh)
	return out
}

// detectCharacterConflicts flags a character participating in two
// same-chapter events with contradictory emotional polarity. The
// analyzer confirms the heuristic when available; when it is not, the
// pair is flagged anyway.
func (s *Service) detectCharacterConflicts(ctx context.Context, rows []*models.TimelineEvent) []candidate {
	type tagged struct {
		row       *models.TimelineEvent
		character string
	}
	byChapter := make(map[int][]tagged)
	for _, r := range rows {
		if r.SourceTable != models.SourceStoryEvents || r.EmotionalImpact == nil {
			continue
		}
		for _, character := range r.Participants {
			byChapter[r.ChapterNumber] = append(byChapter[r.ChapterNumber], tagged{row: r, character: character})
		}
	}

	var out []candidate
	for chapter, entries := range byChapter {
		for i := 0; i < len(entries); i++ {
			for j := i + 1; j < len(entries); j++ {
				a, b := entries[i], entries[j]
				if a.character != b.character || a.row.SourceID == b.row.SourceID {
					continue
				}
				delta := *a.row.EmotionalImpact - *b.row.EmotionalImpact
				if delta < 0 {
					delta = -delta
				}
				if delta <= s.cfg.PolarityThreshold {
					continue
				}

				if s.analyzer != nil {
					judgment, err := s.analyzer.CheckConflictJudgment(ctx, analysis.ConflictJudgmentInput{
						Chapter:   chapter,
						Character: a.character,
						EventA:    fmt.Sprintf("%s (emotional impact %.2f)", a.row.Title, *a.row.EmotionalImpact),
						EventB:    fmt.Sprintf("%s (emotional impact %.2f)", b.row.Title, *b.row.EmotionalImpact),
					})
					if err == nil && !judgment.Contradictory {
						continue
					}
					if err != nil {
						log.Printf("[timeline] conflict judgment unavailable, flagging heuristically: %v", err)
					}
				}

				out = append(out, candidate{
					conflictType: models.ConflictCharacter,
					severity:     models.SeverityError,
					description: fmt.Sprintf("character %s appears in %q and %q in chapter %d with contradictory emotional polarity (%.2f vs %.2f)",
						a.character, a.row.Title, b.row.Title, chapter, *a.row.EmotionalImpact, *b.row.EmotionalImpact),
					chapterStart: chapter,
					chapterEnd:   chapter,
					eventIDs:     []string{a.row.SourceID, b.row.SourceID},
					identitySeed: []string{a.row.SourceID, b.row.SourceID, a.character},
				})
			}
		}
	}
	return out
}

// detectContinuity flags realized consequences whose target event sits
// before its source. The write path rejects this, but manuscript edits
// can violate it after the fact.
func (s *Service) detectContinuity(ctx context.Context, projectID string) ([]candidate, error) {
	consequences, err := s.store.ListConsequences(ctx, projectID, storage.ConsequenceFilter{
		Statuses: []models.ConsequenceStatus{models.ConsequenceRealized},
	})
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, projectID)
	if err != nil {
		return nil, err
	}
	chapterOf := make(map[string]*int, len(events))
	for _, e := range events {
		chapterOf[e.ID] = e.ChapterNumber
	}

	var out []candidate
	for _, c := range consequences {
		if c.TargetEventID == nil {
			continue
		}
		srcCh, okSrc := chapterOf[c.SourceEventID]
		tgtCh, okTgt := chapterOf[*c.TargetEventID]
		if !okSrc || !okTgt || srcCh == nil || tgtCh == nil {
			continue // unplaced rows cannot be judged, skip
		}
		if *tgtCh >= *srcCh {
			continue
		}
		out = append(out, candidate{
			conflictType: models.ConflictContinuity,
			severity:     models.SeverityCritical,
			description: fmt.Sprintf("realized consequence %q resolves in chapter %d, before its cause in chapter %d",
				c.Description, *tgtCh, *srcCh),
			chapterStart: *tgtCh,
			chapterEnd:   *srcCh,
			eventIDs:     []string{c.SourceEventID, *c.TargetEventID},
		})
	}
	return out, nil
}

// upsertConflict creates a conflict record unless the identity already
// exists: an open record means the problem is already tracked; a
// resolved or ignored record suppresses re-creation until the detection
// payload changes. Returns the created record, or nil when skipped.
func (s *Service) upsertConflict(ctx context.Context, projectID string, c candidate) (*models.TimelineConflict, error) {
	seed := c.identitySeed
	if len(seed) == 0 {
		seed = c.eventIDs
	}
	identity := identityHash(c.conflictType, seed)
	fingerprint := fingerprintHash(c.description)

	existing, err := s.store.ListConflicts(ctx, projectID, storage.ConflictFilter{IdentityHash: identity})
	if err != nil {
		return nil, err
	}
	for _, e := range existing {
		if e.Status == models.ConflictOpen {
			return nil, nil
		}
		if e.SourceFingerprint == fingerprint {
			return nil, nil // already resolved or ignored, source unchanged
		}
	}

	record := &models.TimelineConflict{
		ID:                uuid.NewString(),
		ProjectID:         projectID,
		ConflictType:      c.conflictType,
		Severity:          c.severity,
		Description:       c.description,
		ChapterStart:      c.chapterStart,
		ChapterEnd:        c.chapterEnd,
		EventIDs:          c.eventIDs,
		IdentityHash:      identity,
		SourceFingerprint: fingerprint,
		Status:            models.ConflictOpen,
		DetectedAt:        time.Now(),
	}
	if err := s.store.CreateConflict(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func identityHash(t models.ConflictType, seed []string) string {
	sorted := append([]string(nil), seed...)
	sort.Strings(sorted)
	sum := sha1.Sum([]byte(string(t) + ":" + strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])
}

func fingerprintHash(description string) string {
	sum := sha256.Sum256([]byte(description))
	return hex.EncodeToString(sum[:])
}

// ListConflicts returns a project's conflicts, optionally filtered by
// status.
func (s *Service) ListConflicts(ctx context.Context, projectID string, status models.ConflictStatus) ([]*models.TimelineConflict, error) {
	return s.store.ListConflicts(ctx, projectID, storage.ConflictFilter{Status: status})
}

// Resolve closes a conflict with an optional note. Terminal.
func (s *Service) Resolve(ctx context.Context, conflictID, note string) (*models.TimelineConflict, error) {
	return s.close(ctx, conflictID, models.ConflictResolved, note)
}

// Ignore dismisses a conflict. Terminal.
func (s *Service) Ignore(ctx context.Context, conflictID, note string) (*models.TimelineConflict, error) {
	return s.close(ctx, conflictID, models.ConflictIgnored, note)
}

func (s *Service) close(ctx context.Context, conflictID string, status models.ConflictStatus, note string) (*models.TimelineConflict, error) {
	c, err := s.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Status != models.ConflictOpen {
		return nil, fmt.Errorf("%w: conflict is %s", ErrConflictClosed, c.Status)
	}
	c.Status = status
	c.ResolutionNote = note
	if err := s.store.UpdateConflict(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}
