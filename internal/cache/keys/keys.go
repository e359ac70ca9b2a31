// Package keys builds the shared store keys of survey resources.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const prefix = "hips"

// Key returns the store key of one resource. The readable part is
// sanitized and truncated; the hash suffix keeps keys distinct.
func Key(survey, kind, id string) string {
	surveySafe := sanitize(strings.TrimSpace(survey))
	const maxSurveyLen = 96
	if len(surveySafe) > maxSurveyLen {
		surveySafe = surveySafe[:maxSurveyLen]
	}
	return fmt.Sprintf("%s:%s:%s:h=%016x", prefix, surveySafe, sanitize(kind), xxhash.Sum64String(id))
}

// SurveyPattern matches every key of survey, for SCAN based purges.
func SurveyPattern(survey string) string {
	return fmt.Sprintf("%s:%s:*", prefix, sanitize(strings.TrimSpace(survey)))
}

func sanitize(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case unicode.IsSpace(r):
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			// separators and any non-ASCII rune
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
