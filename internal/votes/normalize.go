package votes

import (
	"regexp"
	"strings"
	"time"
)

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]`)

// NormalizeChamber maps organization hints onto "upper" or "lower" and
// passes anything else through unchanged.
func NormalizeChamber(value string) string {
	lowered := strings.ToLower(value)
	switch {
	case lowered == "":
		return ""
	case strings.Contains(lowered, "upper"), strings.Contains(lowered, "senate"):
		return "upper"
	case strings.Contains(lowered, "lower"), strings.Contains(lowered, "house"), strings.Contains(lowered, "assembly"):
		return "lower"
	default:
		return value
	}
}

// LookupKey derives the "name::chamber::district" key used for fuzzy matching.
// It returns "" when the name has no alphanumeric characters.
func LookupKey(name, chamber, district string) string {
	base := squash(name)
	if base == "" {
		return ""
	}
	chamberKey := ""
	if chamber != "" {
		switch normalized := NormalizeChamber(chamber); normalized {
		case "upper", "lower":
			chamberKey = normalized
		default:
			chamberKey = squash(chamber)
		}
	}
	return base + "::" + chamberKey + "::" + squash(district)
}

func squash(value string) string {
	return nonAlphanumeric.ReplaceAllString(strings.ToLower(value), "")
}

// normalizeDate parses provider timestamps and bare dates into UTC. Empty or
// unparseable values yield nil.
func normalizeDate(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			utc := parsed.UTC()
			return &utc
		}
	}
	return nil
}
