// Package idgen derives task ids from titles. Generated ids take the form
// "<n>-<slug>" where n is one more than the highest numeric prefix already
// in use, so ids sort in creation order in directory listings.
package idgen

import (
	"regexp"
	"strconv"
	"strings"
)

// MaxSlugLength bounds the slug part of a generated id.
const MaxSlugLength = 40

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true,
	"in": true, "on": true, "at": true, "to": true, "for": true,
	"of": true, "with": true, "by": true, "from": true, "as": true,
	"and": true, "or": true, "but": true,
	"is": true, "are": true, "be": true,
	"this": true, "that": true, "it": true,
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases title, drops stop words and joins what is left with
// hyphens. An empty result becomes "task".
func Slug(title string) string {
	words := strings.Fields(nonAlphanumeric.ReplaceAllString(strings.ToLower(title), " "))
	kept := make([]string, 0, len(words))
	for _, w := range words {
		if !stopWords[w] {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 && len(words) > 0 {
		kept = words[:1]
	}
	slug := strings.Join(kept, "-")
	if len(slug) > MaxSlugLength {
		cut := slug[:MaxSlugLength]
		if i := strings.LastIndex(cut, "-"); i > MaxSlugLength/2 {
			cut = cut[:i]
		}
		slug = strings.Trim(cut, "-")
	}
	if slug == "" {
		return "task"
	}
	return slug
}

// Sequence returns the numeric prefix of id, or -1 when it has none.
func Sequence(id string) int {
	head, _, _ := strings.Cut(id, "-")
	n, err := strconv.Atoi(head)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// NextTaskID returns "<n>-<slug>" for title, numbering after the highest
// sequence found in existing.
func NextTaskID(title string, existing []string) string {
	next := 1
	for _, id := range existing {
		if n := Sequence(id); n >= next {
			next = n + 1
		}
	}
	return strconv.Itoa(next) + "-" + Slug(title)
}
