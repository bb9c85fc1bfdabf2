// Package query parses free-form questions into a canonical repository
// set and a cleaned prompt, and computes stable workspace keys.
package query

import (
	"errors"
	"regexp"
	"sort"
	"strings"
)

// KeySeparator joins sorted repository names into a workspace key.
// Repository names themselves never contain it.
const KeySeparator = "+"

// mentionRegex matches @repo tokens. An optional @version suffix is
// reserved syntax: it is consumed and discarded until versions are
// implemented.
var (
	mentionRegex    = regexp.MustCompile(`@([a-zA-Z0-9_-]+)(@[a-zA-Z0-9._-]+)?`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

// ErrEmptySet is returned when a workspace key is requested for no repositories.
var ErrEmptySet = errors.New("repository set is empty")

// Parsed is the result of extracting @mentions from a question.
type Parsed struct {
	// Repos is the canonical (lowercased, deduplicated, sorted) repository set.
	Repos []string
	// Prompt is the question with all mentions stripped and whitespace collapsed.
	Prompt string
}

// Parse extracts @repo mentions from input and returns the canonical
// repository set plus the cleaned prompt. Mentions referring to unknown
// repositories are not filtered here; that is the caller's concern.
func Parse(input string) Parsed {
	matches := mentionRegex.FindAllStringSubmatch(input, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}

	prompt := mentionRegex.ReplaceAllString(input, " ")
	prompt = strings.TrimSpace(whitespaceRegex.ReplaceAllString(prompt, " "))

	return Parsed{
		Repos:  Merge(names),
		Prompt: prompt,
	}
}

// Merge flattens the given name lists into one canonical set:
// lowercased, deduplicated, sorted by code point.
func Merge(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, list := range lists {
		for _, name := range list {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// WorkspaceKey returns the canonical key for a non-empty repository set:
// sorted lowercase names joined with "+". Every permutation of the same
// set yields the same key.
func WorkspaceKey(names []string) (string, error) {
	canonical := Merge(names)
	if len(canonical) == 0 {
		return "", ErrEmptySet
	}
	return strings.Join(canonical, KeySeparator), nil
}

// ParseKey splits a workspace key back into its member names.
func ParseKey(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, KeySeparator)
}
