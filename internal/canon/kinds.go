// Package canon is the entity store for the story bible: typed CRUD over
// a closed set of canon entity kinds plus append-only version history.
package canon

import (
	"errors"
	"fmt"
)

// ErrUnknownEntityType is returned for a kind outside the closed set.
var ErrUnknownEntityType = errors.New("unknown entity type")

// Kind enumerates the canon entity kinds. The set is closed: every switch
// over Kind in this package covers all cases, so adding a kind is a
// compile-visible change rather than a runtime registry edit.
type Kind string

const (
	KindCharacter Kind = "character"
	KindLocation  Kind = "location"
	KindFaction   Kind = "faction"
	KindItem      Kind = "item"
	KindStoryRule Kind = "story_rule"
	KindChapter   Kind = "chapter"
	KindMilestone Kind = "milestone"
	KindThread    Kind = "thread"
)

// ParseKind validates a raw kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	switch k {
	case KindCharacter, KindLocation, KindFaction, KindItem,
		KindStoryRule, KindChapter, KindMilestone, KindThread:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, s)
}

// RequiredFields lists the data keys a valid entity of this kind must
// carry.
func (k Kind) RequiredFields() []string {
	switch k {
	case KindCharacter:
		return []string{"description", "role"}
	case KindLocation:
		return []string{"description"}
	case KindFaction:
		return []string{"description", "goal"}
	case KindItem:
		return []string{"description"}
	case KindStoryRule:
		return []string{"rule_text"}
	case KindChapter:
		return []string{"title"}
	case KindMilestone:
		return []string{"title"}
	case KindThread:
		return []string{"description"}
	}
	return nil
}

// NeedsChapter reports whether the kind carries a chapter position the
// timeline projects from.
func (k Kind) NeedsChapter() bool {
	return k == KindChapter || k == KindMilestone
}
