package protocol

import (
	"sort"
	"strings"
	"time"
)

// TimeLayout is the canonical timestamp format for every stored time.
// The width is fixed (nanosecond precision, always UTC "Z") so that
// lexicographic comparison in SQL matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in the canonical store format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Now returns the current wall-clock time in the canonical store format.
func Now() string {
	return FormatTime(time.Now())
}

// ParseTime parses a canonical store timestamp. It tolerates plain
// RFC 3339 values written by earlier schema versions.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Priority bounds and clamping for task priorities.
const (
	PriorityMin = 1
	PriorityMax = 10
)

// ClampPriority forces p into the valid 1..10 range.
func ClampPriority(p int) int {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}

// roleSynonyms maps each predefined role to the tag spellings that
// count as a match during role-preferred claim selection.
var roleSynonyms = map[string][]string{
	"reviewer": {"reviewer", "review", "code-review"},
	"frontend": {"frontend", "front-end", "ui", "web"},
	"backend":  {"backend", "back-end", "api", "server"},
	"testing":  {"testing", "test", "tests", "qa"},
	"devops":   {"devops", "infra", "ci", "deploy"},
}

// RoleTags returns the tag spellings that satisfy the given role,
// always including the role string itself. The result is sorted so
// generated SQL is deterministic.
func RoleTags(role string) []string {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return nil
	}
	seen := map[string]bool{role: true}
	for _, s := range roleSynonyms[role] {
		seen[s] = true
	}
	tags := make([]string, 0, len(seen))
	for t := range seen {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// JoinTags serializes a tag set for storage as a single comma-joined
// column. Tags are trimmed, lowercased, and deduplicated in order.
func JoinTags(tags []string) string {
	out := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return strings.Join(out, ",")
}

// SplitTags parses a stored tag column back into a slice.
func SplitTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
