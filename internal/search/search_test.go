package search

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lanshare/lanshare/internal/kv/badgerkv"
	"github.com/lanshare/lanshare/internal/metadata"
	"github.com/lanshare/lanshare/internal/shares"
	"github.com/lanshare/lanshare/pkg/models"
	"github.com/lanshare/lanshare/pkg/protocol"
)

func TestScore(t *testing.T) {
	opts := DefaultOptions()

	tests := []struct {
		pattern, text string
		match         bool
	}{
		{"video", "video.mp4", true},
		{"VIDEO", "my video.mp4", true},
		{"vidoe", "video.mp4", true},
		{"holiday", "holliday_2019.jpg", true},
		{"zzzzzz", "video.mp4", false},
		{"", "video.mp4", false},
	}
	for _, tt := range tests {
		s := Score(tt.pattern, tt.text, opts)
		if got := s <= opts.Threshold; got != tt.match {
			t.Errorf("Score(%q, %q) = %.3f, match=%v want %v", tt.pattern, tt.text, s, got, tt.match)
		}
	}

	if Score("video", "video.mp4", opts) != 0 {
		t.Error("expected exact prefix match to score 0")
	}
	if Score("video", "my video.mp4", opts) <= Score("video", "video.mp4", opts) {
		t.Error("expected later match to score worse")
	}
	if Score("vidoe", "video", opts) != Score("vidoe", "video", opts) {
		t.Error("expected deterministic score")
	}
}

type fixture struct {
	root  string
	store *metadata.Store
}

func newFixture(t *testing.T, files map[string][]string) *fixture {
	t.Helper()
	root := t.TempDir()
	policy, err := shares.New([]string{root}, nil)
	if err != nil {
		t.Fatal(err)
	}
	db, err := badgerkv.Open("", true, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := metadata.New(db, policy, nil)
	if err != nil {
		t.Fatal(err)
	}

	for rel, tags := range files {
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("data"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := store.Update(p); err != nil {
			t.Fatal(err)
		}
		if len(tags) > 0 {
			if err := store.SetTags(p, tags); err != nil {
				t.Fatal(err)
			}
		}
	}
	return &fixture{root: root, store: store}
}

func (f *fixture) engine(t *testing.T, maxResults int, roots []string, ignore ...string) *Engine {
	t.Helper()
	if roots == nil {
		roots = []string{f.root}
	}
	policy, err := shares.New(roots, ignore)
	if err != nil {
		t.Fatal(err)
	}
	return New(f.store, policy, DefaultOptions(), maxResults)
}

func TestSearchByName(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"video.mp4": {"movie"},
		"notes.txt": nil,
	})
	results := f.engine(t, 20, nil).Search("video", protocol.ParamNames, 1)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Name != "video.mp4" || results[0].Downloads != 0 {
		t.Errorf("unexpected result: %+v", results[0])
	}
}

func TestSearchTolerantOfTypos(t *testing.T) {
	f := newFixture(t, map[string][]string{"holiday.jpg": nil})
	results := f.engine(t, 20, nil).Search("hollday", protocol.ParamDefault, 1)
	if len(results) != 1 {
		t.Fatalf("expected fuzzy hit, got %d results", len(results))
	}
}

func TestSearchByTagOnly(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"a.mp4":     {"movie"},
		"movie.txt": nil,
	})
	results := f.engine(t, 20, nil).Search("movie", protocol.ParamTags, 1)
	if len(results) != 1 || results[0].Name != "a.mp4" {
		t.Fatalf("expected only the tagged record, got %v", names(results))
	}
}

func TestNameOutranksTag(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"sunset.jpg": nil,
		"beach.jpg":  {"sunset"},
	})
	results := f.engine(t, 20, nil).Search("sunset", protocol.ParamDefault, 1)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %v", names(results))
	}
	if results[0].Name != "sunset.jpg" {
		t.Errorf("expected name match first, got %v", names(results))
	}
}

func TestSearchFiltersOutsideSharesAndIgnored(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"public/song.mp3":  nil,
		"private/song.mp3": nil,
		"public/song.tmp":  nil,
	})
	e := f.engine(t, 20, []string{filepath.Join(f.root, "public")}, `\.tmp$`)

	results := e.Search("song", protocol.ParamDefault, 1)
	if len(results) != 1 {
		t.Fatalf("expected 1 allowed result, got %v", names(results))
	}
	if results[0].Path != filepath.Join(f.root, "public", "song.mp3") {
		t.Errorf("unexpected path %s", results[0].Path)
	}
}

func TestSearchPagination(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"track1.mp3": nil,
		"track2.mp3": nil,
		"track3.mp3": nil,
	})

	e := f.engine(t, 2, nil)
	p1 := e.Search("track", protocol.ParamNames, 1)
	p2 := e.Search("track", protocol.ParamNames, 2)
	p3 := e.Search("track", protocol.ParamNames, 3)
	if len(p1) != 2 || len(p2) != 1 || len(p3) != 0 {
		t.Fatalf("expected 2/1/0, got %d/%d/%d", len(p1), len(p2), len(p3))
	}
	if p3 == nil {
		t.Error("expected empty slice, not nil, past the end")
	}

	unlimited := f.engine(t, -1, nil).Search("track", protocol.ParamNames, 5)
	if len(unlimited) != 3 {
		t.Errorf("expected all results when maxResults < 0, got %d", len(unlimited))
	}
}

func TestSearchDeterministic(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"b-song.mp3": nil,
		"a-song.mp3": nil,
		"c-song.mp3": nil,
	})
	e := f.engine(t, -1, nil)
	first := names(e.Search("song", protocol.ParamDefault, 1))
	for i := 0; i < 5; i++ {
		again := names(e.Search("song", protocol.ParamDefault, 1))
		if len(again) != len(first) {
			t.Fatalf("result count changed: %v vs %v", first, again)
		}
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("order changed: %v vs %v", first, again)
			}
		}
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	f := newFixture(t, map[string][]string{"a.txt": nil})
	if got := f.engine(t, 20, nil).Search("   ", protocol.ParamDefault, 1); len(got) != 0 {
		t.Errorf("expected no results, got %v", names(got))
	}
}

func names(recs []*models.FileRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Name)
	}
	return out
}
