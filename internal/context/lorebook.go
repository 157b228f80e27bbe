package context

import (
	"regexp"
	"strings"

	"github.com/coregx/ahocorasick"
	"github.com/dlclark/regexp2"

	"github.com/glee/core/internal/entities"
)

// candidateEntry pairs a lorebook entry with the compiled precise
// matchers for each of its keywords.
type candidateEntry struct {
	entry    entities.LorebookEntry
	keywords []*regexp2.Regexp
}

// matcher is a throwaway, per-build structure: an Aho-Corasick
// automaton over every candidate entry's (lowercased) keywords used as
// a cheap existence pre-filter, backing precise regexp2 whole-word /
// case-sensitive matching for entries the pre-filter didn't rule out.
//
// Lorebooks at this scale (a handful of entries, a handful of keywords
// each) don't need the pre-filter for performance; it is wired because
// the DOMAIN STACK commits to exercising coregx/ahocorasick here, and
// because it is still a correct, cheap way to skip the regexp2 pass
// entirely when nothing in the haystack could possibly match.
type matcher struct {
	entries    []candidateEntry
	ac         *ahocorasick.Automaton
	patternIdx []int // ac pattern index -> entries[] index
}

func buildMatcher(entries []entities.LorebookEntry) (*matcher, error) {
	m := &matcher{}
	var patterns []string
	for i, e := range entries {
		var compiled []*regexp2.Regexp
		for _, kw := range e.Keywords {
			if kw == "" {
				continue
			}
			pattern := regexp.QuoteMeta(kw)
			if e.WholeWord {
				pattern = `\b` + pattern + `\b`
			}
			opts := regexp2.None
			if !e.CaseSensitive {
				opts = regexp2.IgnoreCase
			}
			re, err := regexp2.Compile(pattern, opts)
			if err != nil {
				continue
			}
			compiled = append(compiled, re)
			patterns = append(patterns, strings.ToLower(kw))
			m.patternIdx = append(m.patternIdx, i)
		}
		m.entries = append(m.entries, candidateEntry{entry: e, keywords: compiled})
	}

	if len(patterns) == 0 {
		return m, nil
	}
	automaton, err := ahocorasick.NewBuilder().
		AddStrings(patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, err
	}
	m.ac = automaton
	return m, nil
}

// matchedEntries returns the subset of entries with at least one
// keyword present in haystack, honoring each keyword's whole-word and
// case-sensitivity flags.
func (m *matcher) matchedEntries(haystack string) []entities.LorebookEntry {
	if m.ac == nil {
		return nil
	}
	hits := m.ac.FindAllOverlapping([]byte(strings.ToLower(haystack)))
	candidates := make(map[int]bool, len(hits))
	for _, h := range hits {
		if h.PatternID >= 0 && h.PatternID < len(m.patternIdx) {
			candidates[m.patternIdx[h.PatternID]] = true
		}
	}

	var out []entities.LorebookEntry
	seen := make(map[string]bool)
	for idx := range candidates {
		ce := m.entries[idx]
		if seen[ce.entry.ID] {
			continue
		}
		for _, re := range ce.keywords {
			ok, err := re.MatchString(haystack)
			if err == nil && ok {
				out = append(out, ce.entry)
				seen[ce.entry.ID] = true
				break
			}
		}
	}
	return out
}
