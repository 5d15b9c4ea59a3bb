package persona

import "strings"

// TeachingStyle selects how a tutor guides the student.
type TeachingStyle string

const (
	StyleSocratic      TeachingStyle = "SOCRATIC"
	StyleExampleBased  TeachingStyle = "EXAMPLE_BASED"
	StyleCollaborative TeachingStyle = "COLLABORATIVE"
	StyleDirect        TeachingStyle = "DIRECT"
	StyleAdaptive      TeachingStyle = "ADAPTIVE"
)

// ParseTeachingStyle accepts the enum form ("EXAMPLE_BASED") as well as the
// display form ("Example-Based"). Unknown values resolve to ADAPTIVE.
func ParseTeachingStyle(raw string) TeachingStyle {
	style, _ := lookupStyle(raw)
	return style
}

// IsKnownTeachingStyle reports whether raw names one of the supported styles.
func IsKnownTeachingStyle(raw string) bool {
	_, ok := lookupStyle(raw)
	return ok
}

func lookupStyle(raw string) (TeachingStyle, bool) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	switch TeachingStyle(key) {
	case StyleSocratic, StyleExampleBased, StyleCollaborative, StyleDirect, StyleAdaptive:
		return TeachingStyle(key), true
	default:
		return StyleAdaptive, false
	}
}

// DisplayName returns the label shown to students, e.g. "Example-Based".
func (s TeachingStyle) DisplayName() string {
	switch s {
	case StyleSocratic:
		return "Socratic"
	case StyleExampleBased:
		return "Example-Based"
	case StyleCollaborative:
		return "Collaborative"
	case StyleDirect:
		return "Direct"
	default:
		return "Adaptive"
	}
}
