// Package teammap resolves membership tiers to the team slugs they grant.
package teammap

import (
	"sort"

	"github.com/tiersync/backend/internal/models"
)

// Set is an unordered set of team slugs.
type Set map[string]struct{}

// NewSet builds a set from slugs, dropping empties and duplicates.
func NewSet(slugs ...string) Set {
	s := make(Set, len(slugs))
	for _, slug := range slugs {
		s.Add(slug)
	}
	return s
}

// Add inserts slug.
func (s Set) Add(slug string) {
	if slug != "" {
		s[slug] = struct{}{}
	}
}

// Has reports membership.
func (s Set) Has(slug string) bool {
	_, ok := s[slug]
	return ok
}

// Len returns the number of slugs.
func (s Set) Len() int { return len(s) }

// Minus returns the slugs in s that are not in other.
func (s Set) Minus(other Set) Set {
	out := make(Set)
	for slug := range s {
		if !other.Has(slug) {
			out[slug] = struct{}{}
		}
	}
	return out
}

// Sorted returns the slugs in lexical order, for deterministic iteration and logs.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for slug := range s {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the union of mapped teams over the held tiers. Unmapped tiers contribute nothing.
func Resolve(tierIDs []int64, mapping models.TeamMapping) Set {
	out := make(Set)
	for _, tier := range tierIDs {
		for _, slug := range mapping[tier] {
			out.Add(slug)
		}
	}
	return out
}
