// Package glossary holds user-supplied term translations that take
// precedence over the translation backend.
package glossary

import (
	"errors"
	"sort"
	"strings"
)

// ErrIO is returned when a glossary file cannot be read, parsed or written.
var ErrIO = errors.New("glossary i/o error")

// Terms maps source language terms to their translations.
type Terms map[string]string

// Glossary is an immutable term mapping. It is safe for concurrent use.
type Glossary struct {
	terms    Terms
	replacer *strings.Replacer
}

// New builds a glossary from terms. Entries with an empty term are ignored.
func New(terms Terms) *Glossary {
	g := &Glossary{terms: make(Terms, len(terms))}
	for k, v := range terms {
		if k == "" {
			continue
		}
		g.terms[k] = v
	}

	keys := g.sortedKeys()
	if len(keys) > 0 {
		pairs := make([]string, 0, 2*len(keys))
		for _, k := range keys {
			pairs = append(pairs, k, g.terms[k])
		}
		g.replacer = strings.NewReplacer(pairs...)
	}
	return g
}

// longest first, ties broken lexicographically
func (g *Glossary) sortedKeys() []string {
	keys := make([]string, 0, len(g.terms))
	for k := range g.terms {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Lookup returns the translation of an exact full-string match.
func (g *Glossary) Lookup(s string) (string, bool) {
	if g == nil {
		return "", false
	}
	v, ok := g.terms[s]
	return v, ok
}

// Substitute replaces every glossary term occurring in text in a single
// left-to-right pass. At any position the longest matching term wins, so
// "New York" is replaced before "York" can match inside it.
func (g *Glossary) Substitute(text string) string {
	if g == nil || g.replacer == nil {
		return text
	}
	return g.replacer.Replace(text)
}

// Len returns the number of terms.
func (g *Glossary) Len() int {
	if g == nil {
		return 0
	}
	return len(g.terms)
}

// Terms returns a copy of the mapping.
func (g *Glossary) Terms() Terms {
	out := make(Terms, g.Len())
	if g == nil {
		return out
	}
	for k, v := range g.terms {
		out[k] = v
	}
	return out
}

// Merge returns base with overrides applied on top.
func Merge(base, overrides Terms) Terms {
	out := make(Terms, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
