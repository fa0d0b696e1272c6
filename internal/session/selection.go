package session

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/structurize/packcatalog/internal/blueprint"
	"github.com/structurize/packcatalog/internal/grouping"
	"github.com/structurize/packcatalog/internal/metrics"
)

const (
	idSep      = ":"
	backSuffix = ":back"
)

// Choice is a follow-up button offered by a selection.
type Choice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Selection is the outcome of Select. Template is what the preview holds
// afterwards, nil when the id only opened a list of alternatives.
type Selection struct {
	ID           string             `json:"id"`
	Template     blueprint.Template `json:"-"`
	Alternatives []Choice           `json:"alternatives,omitempty"`
	Levels       []Choice           `json:"levels,omitempty"`
	// Back returns from a level list to the alternatives list.
	Back string `json:"back,omitempty"`
	// CanBuild is set when a template is selected and its requirements
	// are met.
	CanBuild bool `json:"can_build"`
}

func groupID(depth, display string) string {
	return depth + idSep + display
}

// selector is a selection id matched against the cached groupings.
type selector struct {
	depth   string
	group   *grouping.Group
	variant *grouping.Variant
	level   string
	// levelSet is set when the id names a level, even an empty one.
	levelSet bool
}

func (x selector) groupID() string { return groupID(x.depth, x.group.DisplayName) }

func (x selector) variantID() string { return x.groupID() + idSep + x.variant.Key }

// parseID matches id segment by segment against the cached groupings rather
// than splitting it, so display names and variant keys may contain the
// separator. At each step the longest match wins.
func (s *Session) parseID(id string) (selector, bool) {
	var x selector
	depthLen := -1
	for p := range s.groupings {
		if len(p) > depthLen && strings.HasPrefix(id, p+idSep) {
			x.depth, depthLen = p, len(p)
		}
	}
	if depthLen < 0 {
		return selector{}, false
	}

	rest := id[depthLen+len(idSep):]
	var tail string
	for _, g := range s.groupings[x.depth].Groups {
		t, ok := matchSegment(rest, g.DisplayName)
		if ok && (x.group == nil || len(g.DisplayName) > len(x.group.DisplayName)) {
			x.group, tail = g, t
		}
	}
	if x.group == nil {
		return selector{}, false
	}
	if tail == "" {
		return x, true
	}

	tail = tail[len(idSep):]
	var level string
	for _, v := range x.group.Variants {
		t, ok := matchSegment(tail, v.Key)
		if ok && (x.variant == nil || len(v.Key) > len(x.variant.Key)) {
			x.variant, level = v, t
		}
	}
	if x.variant == nil {
		return selector{}, false
	}
	if level != "" {
		x.level, x.levelSet = level[len(idSep):], true
	}
	return x, true
}

// matchSegment reports whether s is seg, or seg followed by the separator,
// and returns what follows seg.
func matchSegment(s, seg string) (string, bool) {
	if s == seg {
		return "", true
	}
	if strings.HasPrefix(s, seg+idSep) {
		return s[len(seg):], true
	}
	return "", false
}

// Select handles a grouping button id of the form
//
//	depth:display[:variant[:level]]
//
// with an optional ":back" suffix. A resolved template is written to the
// session's preview slot. Unknown ids leave everything unchanged and return
// an *InvalidPathError.
func (s *Session) Select(id string) (Selection, error) {
	if s.closed {
		return Selection{}, ErrClosed
	}
	x, ok := s.parseID(id)
	if !ok || (x.levelSet && x.level == "back") {
		// A back button id ends in ":back" after a group id.
		trimmed := strings.TrimSuffix(id, backSuffix)
		if trimmed == id {
			return Selection{}, s.invalid(id)
		}
		if x, ok = s.parseID(trimmed); !ok {
			return Selection{}, s.invalid(id)
		}
		id = trimmed
	}
	sel, err := s.apply(id, x, false)
	if err != nil {
		return Selection{}, err
	}
	s.lastSelection = id
	return sel, nil
}

// Restore re-applies the last selection one step up, the way a reopened
// browser shows it. A template already in the preview is kept.
func (s *Session) Restore() (Selection, bool, error) {
	if s.closed {
		return Selection{}, false, ErrClosed
	}
	if s.lastSelection == "" {
		return Selection{}, false, nil
	}
	x, ok := s.parseID(s.lastSelection)
	if !ok {
		return Selection{}, false, s.invalid(s.lastSelection)
	}
	id := s.lastSelection
	switch {
	case x.levelSet:
		id = x.variantID()
		x.level, x.levelSet = "", false
	case x.variant != nil:
		id = x.groupID()
		x.variant = nil
	}
	sel, err := s.apply(id, x, true)
	if err != nil {
		return Selection{}, false, err
	}
	return sel, true, nil
}

func (s *Session) apply(id string, x selector, onOpen bool) (Selection, error) {
	grp := x.group
	sel := Selection{ID: id}
	hasPreview := s.previews.GetOrCreate(s.previewKey).HasTemplate()

	switch {
	case x.variant == nil:
		if len(grp.Variants) > 1 {
			for _, v := range grp.Variants {
				sel.Alternatives = append(sel.Alternatives, Choice{ID: id + idSep + v.Key, Label: v.Key})
			}
			break
		}
		v := grp.Variants[0]
		if len(v.Levels) == 1 || !hasPreview || !onOpen {
			s.setTemplate(&sel, v.Levels[0])
		} else {
			s.keepTemplate(&sel)
		}
		if len(v.Levels) > 1 {
			sel.Levels = levelChoices(id+idSep+v.Key, v)
		}
	case !x.levelSet:
		v := x.variant
		if len(v.Levels) == 0 {
			return Selection{}, s.invalid(id)
		}
		if len(v.Levels) == 1 || !hasPreview || !onOpen {
			s.setTemplate(&sel, v.Levels[0])
		} else {
			s.keepTemplate(&sel)
		}
		if len(v.Levels) > 1 {
			sel.Levels = levelChoices(id, v)
			if len(grp.Variants) > 1 {
				sel.Back = x.groupID() + backSuffix
			}
		}
	default:
		level, err := strconv.Atoi(x.level)
		if err != nil || level < 0 || level >= len(x.variant.Levels) {
			return Selection{}, s.invalid(id)
		}
		s.setTemplate(&sel, x.variant.Levels[level])
	}

	return sel, nil
}

func (s *Session) setTemplate(sel *Selection, t blueprint.Template) {
	s.previews.SetTemplate(s.previewKey, t)
	sel.Template = t
	sel.CanBuild = s.CanBuild(t)
}

func (s *Session) keepTemplate(sel *Selection) {
	sel.Template = s.previews.GetOrCreate(s.previewKey).Template
	sel.CanBuild = sel.Template != nil && s.CanBuild(sel.Template)
}

func levelChoices(variantID string, v *grouping.Variant) []Choice {
	out := make([]Choice, len(v.Levels))
	for i := range v.Levels {
		out[i] = Choice{
			ID:    variantID + idSep + strconv.Itoa(i),
			Label: "Level " + strconv.Itoa(i+1),
		}
	}
	return out
}

func (s *Session) invalid(id string) error {
	metrics.RecordInvalidSelection()
	s.logger.Error("invalid selection", zap.String("id", id), zap.String("depth", s.depth))
	return &InvalidPathError{ID: id}
}
