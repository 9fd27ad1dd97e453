// Package shares decides which filesystem paths are shared.
package shares

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrNoRoots is returned when a policy is built without share roots.
var ErrNoRoots = errors.New("no share roots configured")

// Policy holds the share roots and ignore patterns.
type Policy struct {
	roots  []string
	ignore []*regexp.Regexp
}

// New builds a policy. Roots are made absolute and cleaned.
func New(roots []string, ignore []string) (*Policy, error) {
	if len(roots) == 0 {
		return nil, ErrNoRoots
	}

	p := &Policy{}
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("resolve share %q: %w", r, err)
		}
		p.roots = append(p.roots, filepath.Clean(abs))
	}
	for _, pat := range ignore {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("ignore pattern %q: %w", pat, err)
		}
		p.ignore = append(p.ignore, re)
	}
	return p, nil
}

// Roots returns the cleaned share roots.
func (p *Policy) Roots() []string {
	out := make([]string, len(p.roots))
	copy(out, p.roots)
	return out
}

// Ignored reports whether path matches any ignore pattern.
func (p *Policy) Ignored(path string) bool {
	for _, re := range p.ignore {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// UnderRoot reports whether path is a share root or lies below one.
func (p *Policy) UnderRoot(path string) bool {
	path = filepath.Clean(path)
	for _, r := range p.roots {
		if path == r || strings.HasPrefix(path, r+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// IsRoot reports whether path is one of the share roots.
func (p *Policy) IsRoot(path string) bool {
	path = filepath.Clean(path)
	for _, r := range p.roots {
		if path == r {
			return true
		}
	}
	return false
}

// Allowed reports whether path may be indexed and served.
func (p *Policy) Allowed(path string) bool {
	return p.UnderRoot(path) && !p.Ignored(path)
}
