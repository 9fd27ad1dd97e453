package metadata

import (
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/lanshare/lanshare/pkg/protocol"
)

// Index is the in-memory inverted index: name token -> ids, tag -> ids.
// Only Store mutates it.
type Index struct {
	mu    sync.RWMutex
	names map[string]map[string]struct{}
	tags  map[string]map[string]struct{}
	// owned remembers which tokens an id occupies so removal is exact.
	owned map[string]entryTokens
}

type entryTokens struct {
	names []string
	tags  []string
}

func newIndex() *Index {
	return &Index{
		names: make(map[string]map[string]struct{}),
		tags:  make(map[string]map[string]struct{}),
		owned: make(map[string]entryTokens),
	}
}

// NameTokens splits a base name into its index tokens: the whole lowercase
// name plus every alphanumeric word in it.
func NameTokens(name string) []string {
	lower := strings.ToLower(name)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return dedupe(append([]string{lower}, words...))
}

// TagTokens normalizes tags into index tokens.
func TagTokens(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return dedupe(out)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func (ix *Index) put(id string, names, tags []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(id)
	for _, n := range names {
		addTo(ix.names, n, id)
	}
	for _, t := range tags {
		addTo(ix.tags, t, id)
	}
	ix.owned[id] = entryTokens{names: names, tags: tags}
}

func (ix *Index) remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(id)
}

func (ix *Index) removeLocked(id string) {
	prev, ok := ix.owned[id]
	if !ok {
		return
	}
	for _, n := range prev.names {
		removeFrom(ix.names, n, id)
	}
	for _, t := range prev.tags {
		removeFrom(ix.tags, t, id)
	}
	delete(ix.owned, id)
}

func addTo(m map[string]map[string]struct{}, token, id string) {
	set, ok := m[token]
	if !ok {
		set = make(map[string]struct{})
		m[token] = set
	}
	set[id] = struct{}{}
}

func removeFrom(m map[string]map[string]struct{}, token, id string) {
	set, ok := m[token]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, token)
	}
}

// Tokens returns the sorted distinct tokens for param. ParamDefault yields
// the union of name and tag tokens.
func (ix *Index) Tokens(param protocol.Param) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	collect := func(m map[string]map[string]struct{}) {
		for tok := range m {
			if _, ok := seen[tok]; !ok {
				seen[tok] = struct{}{}
				out = append(out, tok)
			}
		}
	}
	switch param.Normalize() {
	case protocol.ParamNames:
		collect(ix.names)
	case protocol.ParamTags:
		collect(ix.tags)
	default:
		collect(ix.names)
		collect(ix.tags)
	}
	sort.Strings(out)
	return out
}

// IDs returns the sorted ids indexed under token for param.
func (ix *Index) IDs(token string, param protocol.Param) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []string
	switch param.Normalize() {
	case protocol.ParamNames:
		out = setKeys(ix.names[token], nil)
	case protocol.ParamTags:
		out = setKeys(ix.tags[token], nil)
	default:
		out = setKeys(ix.names[token], nil)
		out = setKeys(ix.tags[token], out)
	}
	sort.Strings(out)
	return dedupe(out)
}

// Has reports whether id occupies any index set.
func (ix *Index) Has(id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.owned[id]
	return ok
}

// Len returns the number of indexed ids.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.owned)
}

func setKeys(set map[string]struct{}, out []string) []string {
	for id := range set {
		out = append(out, id)
	}
	return out
}
