// Package search answers fuzzy, paginated queries against the metadata index.
package search

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// Options tune the fuzzy matcher and field weighting.
type Options struct {
	// Threshold is the worst normalized score still counted as a match.
	Threshold float64
	// Distance is how far (in runes) from the start of the text a match may
	// drift before the location penalty alone reaches 1.
	Distance int
	// MinMatchLength is the shortest pattern that can match anything.
	MinMatchLength int

	NameWeight float64
	TagWeight  float64
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		Threshold:      0.6,
		Distance:       100,
		MinMatchLength: 1,
		NameWeight:     0.7,
		TagWeight:      0.3,
	}
}

// Score rates how well pattern occurs somewhere in text. 0 is an exact match
// at the start, 1 is no match. Each candidate window is charged its edit
// distance relative to the pattern length plus its offset relative to
// Distance. Case is ignored. The result depends only on the inputs.
func Score(pattern, text string, opts Options) float64 {
	p := []rune(strings.ToLower(pattern))
	t := []rune(strings.ToLower(text))
	if len(p) == 0 || len(p) < opts.MinMatchLength {
		return 1
	}

	if idx := strings.Index(string(t), string(p)); idx >= 0 {
		return clamp(proximity(len([]rune(string(t)[:idx])), opts))
	}

	maxErr := int(opts.Threshold * float64(len(p)))
	best := 1.0

	if len(t) <= len(p) {
		d := levenshtein.ComputeDistance(string(p), string(t))
		best = float64(d) / float64(len(p))
	}

	lo := len(p) - maxErr
	if lo < 1 {
		lo = 1
	}
	for w := lo; w <= len(p)+maxErr && w <= len(t); w++ {
		for start := 0; start+w <= len(t); start++ {
			d := levenshtein.ComputeDistance(string(p), string(t[start:start+w]))
			if d > maxErr {
				continue
			}
			s := float64(d)/float64(len(p)) + proximity(start, opts)
			if s < best {
				best = s
			}
		}
	}
	return clamp(best)
}

func proximity(loc int, opts Options) float64 {
	if opts.Distance <= 0 {
		return 0
	}
	return float64(loc) / float64(opts.Distance)
}

func clamp(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < 0 {
		return 0
	}
	return s
}
