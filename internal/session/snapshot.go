package session

import (
	"sort"

	"github.com/structurize/packcatalog/internal/blueprint"
	"github.com/structurize/packcatalog/internal/grouping"
	"github.com/structurize/packcatalog/pkg/catpath"
	"github.com/structurize/packcatalog/pkg/models"
)

// Snapshot is what the UI renders for one tick.
type Snapshot struct {
	Pack  string            `json:"pack"`
	Depth string            `json:"depth"`
	Root  []models.Category `json:"root"`
	Page  Page              `json:"page"`
	// Loading is set while the current page waits on a resolution.
	Loading bool `json:"loading"`
	// Empty is set once the root listing came back with no categories.
	Empty bool `json:"empty"`
	// LeavesReady lists the category paths with a cached grouping.
	LeavesReady []string `json:"leaves_ready"`
	Selection   string   `json:"selection,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Page is the content at the current depth: sub-category folders, or the
// template groups of a leaf.
type Page struct {
	Path    string            `json:"path"`
	Title   string            `json:"title"`
	Ready   bool              `json:"ready"`
	Folders []models.Category `json:"folders,omitempty"`
	Groups  []GroupView       `json:"groups,omitempty"`
}

// GroupView is one group button of a leaf page.
type GroupView struct {
	ID              string   `json:"id"`
	DisplayName     string   `json:"name"`
	Description     []string `json:"description,omitempty"`
	Variants        int      `json:"variants"`
	HasAlternatives bool     `json:"has_alternatives"`
	// Locked is set when the group's anchor requirements are not met.
	Locked       bool     `json:"locked"`
	Requirements []string `json:"requirements,omitempty"`
	// Selected is set when the preview holds one of the group's templates.
	Selected  bool `json:"selected"`
	Invisible bool `json:"invisible"`
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Pack:      s.pack,
		Depth:     s.depth,
		Root:      append([]models.Category(nil), s.root...),
		Empty:     s.rootDone && s.rootErr == nil && len(s.root) == 0,
		Selection: s.lastSelection,
	}
	for p := range s.groupings {
		snap.LeavesReady = append(snap.LeavesReady, p)
	}
	sort.Strings(snap.LeavesReady)

	page := Page{Path: s.depth, Title: catpath.Title(s.depth)}
	var err error
	switch {
	case s.depth == catpath.Root:
		page.Ready = s.rootDone && s.rootErr == nil
		page.Folders = snap.Root
		err = s.rootErr
	case s.groupings[s.depth] != nil:
		page.Ready = true
		page.Groups = s.decorate(s.groupings[s.depth])
	case s.listings[s.depth] != nil:
		page.Ready = true
		page.Folders = append([]models.Category(nil), s.listings[s.depth]...)
	default:
		err = s.failures[s.depth]
	}
	snap.Page = page
	if err == nil {
		err = s.notice
	}
	if err != nil {
		snap.Error = err.Error()
	}
	snap.Loading = !page.Ready && (err == nil || err == s.notice)
	return snap
}

func (s *Session) decorate(g *grouping.LeafGrouping) []GroupView {
	current := s.previews.GetOrCreate(s.previewKey).Template
	out := make([]GroupView, 0, len(g.Groups))
	for _, grp := range g.Groups {
		first := grp.Variants[0].Levels[0]
		v := GroupView{
			ID:              groupID(g.Path, grp.DisplayName),
			DisplayName:     grp.DisplayName,
			Variants:        len(grp.Variants),
			HasAlternatives: len(grp.Variants) > 1,
			Invisible:       blueprint.IsInvisible(first),
		}
		if na, ok := first.Anchor().(blueprint.NamedAnchor); ok {
			v.Description = na.Description()
		}
		if !s.CanBuild(first) {
			v.Locked = true
			if ra, ok := first.Anchor().(blueprint.RequirementsAnchor); ok {
				v.Requirements = ra.Requirements(s.viewer, first.AnchorData())
			}
		}
		if current != nil {
		scan:
			for _, variant := range grp.Variants {
				for _, t := range variant.Levels {
					if t == current {
						v.Selected = true
						break scan
					}
				}
			}
		}
		out = append(out, v)
	}
	return out
}

// CanBuild reports whether the viewer meets the requirements of t.
func (s *Session) CanBuild(t blueprint.Template) bool {
	ra, ok := t.Anchor().(blueprint.RequirementsAnchor)
	return !ok || ra.RequirementsMet(s.viewer, t.AnchorData())
}
