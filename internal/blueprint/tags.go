package blueprint

import (
	"strings"

	"github.com/structurize/packcatalog/pkg/models"
)

const (
	// TagInvisible hides a template from non-privileged viewers.
	TagInvisible = "invisible"
	// TagNamePrefix introduces a variant name override.
	TagNamePrefix = "name="
)

// NameOverride returns the value of a name=<value> tag at the template origin.
func NameOverride(t Template) (string, bool) {
	for _, tag := range t.Tags()[models.Origin] {
		if v, ok := strings.CutPrefix(tag, TagNamePrefix); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// IsInvisible reports whether the template is tagged invisible at its origin.
func IsInvisible(t Template) bool {
	for _, tag := range t.Tags()[models.Origin] {
		if tag == TagInvisible {
			return true
		}
	}
	return false
}

// Visible reports whether viewer may see t.
func Visible(t Template, viewer models.Viewer) bool {
	return viewer.Privileged || !IsInvisible(t)
}
