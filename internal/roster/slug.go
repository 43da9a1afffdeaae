package roster

import (
	"strings"
	"unicode"

	"github.com/codebuildervaibhav/clubbot/internal/common"
)

// Slug is a member identifier of the form
// first-last-university-program-group-course-startyear.
type Slug struct {
	First      string
	Last       string
	University string
	Program    string
	Group      string
	Course     string
	StartYear  string
}

func (s Slug) String() string {
	return strings.Join([]string{s.First, s.Last, s.University, s.Program, s.Group, s.Course, s.StartYear}, "-")
}

// NormalizeSlug trims the slug and the parts around each dash. Case is kept.
func NormalizeSlug(slug string) string {
	parts := strings.Split(strings.TrimSpace(slug), "-")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.Join(parts, "-")
}

// ParseSlug validates a normalized slug: exactly seven non-empty parts
// without whitespace.
func ParseSlug(slug string) (Slug, error) {
	parts := strings.Split(strings.TrimSpace(slug), "-")
	if len(parts) != 7 {
		return Slug{}, common.Errorf(common.CodeInvalidInput,
			"expected 7 dash-separated parts: first-last-university-program-group-course-startyear")
	}
	for _, p := range parts {
		if p == "" || strings.IndexFunc(p, unicode.IsSpace) >= 0 {
			return Slug{}, common.Errorf(common.CodeInvalidInput, "slug parts must be non-empty and contain no spaces")
		}
	}
	return Slug{parts[0], parts[1], parts[2], parts[3], parts[4], parts[5], parts[6]}, nil
}
