package metadata

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/lanshare/lanshare/internal/kv"
	"github.com/lanshare/lanshare/internal/kv/badgerkv"
	"github.com/lanshare/lanshare/internal/shares"
	"github.com/lanshare/lanshare/pkg/models"
	"github.com/lanshare/lanshare/pkg/protocol"
)

type testEnv struct {
	root  string
	kv    kv.Store
	store *Store
}

func newTestEnv(t *testing.T, ignore ...string) *testEnv {
	t.Helper()
	root := t.TempDir()
	policy, err := shares.New([]string{root}, ignore)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	db, err := badgerkv.Open("", true, nil)
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := New(db, policy, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return &testEnv{root: root, kv: db, store: s}
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, bytes.Repeat([]byte("x"), size), 0644); err != nil {
		t.Fatal(err)
	}
}

func mustUpdate(t *testing.T, s *Store, path string) {
	t.Helper()
	if err := s.Update(path); err != nil {
		t.Fatalf("update %s: %v", path, err)
	}
}

func mustGet(t *testing.T, s *Store, path string) *models.FileRecord {
	t.Helper()
	rec, err := s.GetDataFromPath(path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	return rec
}

func TestUpdateFileRecord(t *testing.T) {
	env := newTestEnv(t)
	p := filepath.Join(env.root, "video.mp4")
	writeFile(t, p, 1234)

	mustUpdate(t, env.store, p)
	rec := mustGet(t, env.store, p)

	if rec.Type != models.TypeFile || rec.Size != 1234 || rec.Name != "video.mp4" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.ID != models.RecordID(p) {
		t.Errorf("expected deterministic id")
	}
	byID, err := env.store.GetDataFromID(rec.ID)
	if err != nil || byID.Path != p {
		t.Errorf("lookup by id failed: %v", err)
	}
}

func TestDirectoryAggregates(t *testing.T) {
	env := newTestEnv(t)
	movies := filepath.Join(env.root, "movies")
	a := filepath.Join(movies, "a.mp4")
	b := filepath.Join(movies, "b.mp4")
	writeFile(t, a, 100)
	writeFile(t, b, 250)

	mustUpdate(t, env.store, env.root)
	mustUpdate(t, env.store, movies)
	mustUpdate(t, env.store, a)
	mustUpdate(t, env.store, b)

	for i := 0; i < 2; i++ {
		if err := env.store.UpdateDownload(a, 1); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 5; i++ {
		if err := env.store.UpdateDownload(b, 1); err != nil {
			t.Fatal(err)
		}
	}

	dir := mustGet(t, env.store, movies)
	if dir.Type != models.TypeDir {
		t.Fatalf("expected dir, got %s", dir.Type)
	}
	if dir.Downloads != 5 {
		t.Errorf("expected downloads 5, got %d", dir.Downloads)
	}
	if dir.Size != 350 {
		t.Errorf("expected size 350, got %d", dir.Size)
	}

	root := mustGet(t, env.store, env.root)
	if root.Size != 350 || root.Downloads != 5 {
		t.Errorf("expected root to carry aggregates, got size=%d downloads=%d", root.Size, root.Downloads)
	}
}

func TestUpdatePropagatesThroughAncestors(t *testing.T) {
	env := newTestEnv(t)
	deep := filepath.Join(env.root, "a", "b", "c")
	f := filepath.Join(deep, "f.bin")
	writeFile(t, f, 10)

	for _, p := range []string{env.root, filepath.Join(env.root, "a"), filepath.Join(env.root, "a", "b"), deep} {
		mustUpdate(t, env.store, p)
	}
	mustUpdate(t, env.store, f)

	for _, p := range []string{deep, filepath.Join(env.root, "a", "b"), filepath.Join(env.root, "a"), env.root} {
		if got := mustGet(t, env.store, p).Size; got != 10 {
			t.Errorf("%s: expected size 10, got %d", p, got)
		}
	}

	writeFile(t, f, 30)
	mustUpdate(t, env.store, f)
	if got := mustGet(t, env.store, env.root).Size; got != 30 {
		t.Errorf("expected root size 30 after growth, got %d", got)
	}
}

func TestUpdateIdempotent(t *testing.T) {
	env := newTestEnv(t)
	p := filepath.Join(env.root, "doc.txt")
	writeFile(t, p, 5)
	mustUpdate(t, env.store, env.root)
	mustUpdate(t, env.store, p)

	first, err := env.kv.Get(recordPrefix + p)
	if err != nil {
		t.Fatal(err)
	}
	mustUpdate(t, env.store, p)
	second, err := env.kv.Get(recordPrefix + p)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("expected identical records:\n%s\n%s", first, second)
	}
}

func TestUpdatePreservesTagsAndDownloads(t *testing.T) {
	env := newTestEnv(t)
	p := filepath.Join(env.root, "video.mp4")
	writeFile(t, p, 5)
	mustUpdate(t, env.store, p)

	if err := env.store.SetTags(p, []string{"Movie"}); err != nil {
		t.Fatal(err)
	}
	if err := env.store.SetDescription(p, "holiday"); err != nil {
		t.Fatal(err)
	}
	if err := env.store.UpdateDownload(p, 1); err != nil {
		t.Fatal(err)
	}

	writeFile(t, p, 50)
	mustUpdate(t, env.store, p)
	rec := mustGet(t, env.store, p)
	if !reflect.DeepEqual(rec.Tags, []string{"Movie"}) || rec.Description != "holiday" || rec.Downloads != 1 {
		t.Errorf("expected preserved fields, got %+v", rec)
	}
	if rec.Size != 50 {
		t.Errorf("expected new size 50, got %d", rec.Size)
	}
	if ids := env.store.Index().IDs("movie", protocol.ParamTags); len(ids) != 1 || ids[0] != rec.ID {
		t.Errorf("expected tag token indexed, got %v", ids)
	}
}

func TestUpdateStatFailureWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	p := filepath.Join(env.root, "ghost.txt")
	if err := env.store.Update(p); err == nil {
		t.Fatal("expected stat error")
	}
	if _, err := env.store.GetDataFromPath(p); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIgnoredChildrenExcluded(t *testing.T) {
	env := newTestEnv(t, `\.tmp$`)
	keep := filepath.Join(env.root, "keep.bin")
	skip := filepath.Join(env.root, "skip.tmp")
	writeFile(t, keep, 10)
	writeFile(t, skip, 1000)

	mustUpdate(t, env.store, env.root)
	mustUpdate(t, env.store, keep)
	if _, err := env.store.UpdateOne(skip); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("expected ErrNotAllowed, got %v", err)
	}
	if got := mustGet(t, env.store, env.root).Size; got != 10 {
		t.Errorf("expected ignored child excluded, size=%d", got)
	}
}

func TestRemove(t *testing.T) {
	env := newTestEnv(t)
	p := filepath.Join(env.root, "gone.txt")
	writeFile(t, p, 5)
	mustUpdate(t, env.store, p)
	rec := mustGet(t, env.store, p)
	if err := env.store.SetTags(p, []string{"x"}); err != nil {
		t.Fatal(err)
	}

	if err := env.store.Remove(p); err != nil {
		t.Fatal(err)
	}
	if err := env.store.Remove(p); err != nil {
		t.Fatalf("second remove should be a no-op, got %v", err)
	}

	if _, err := env.store.GetDataFromPath(p); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound by path, got %v", err)
	}
	if _, err := env.store.GetDataFromID(rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound by id, got %v", err)
	}
	if env.store.Index().Has(rec.ID) {
		t.Error("expected id removed from index")
	}
	for _, tok := range env.store.GetIndexList(protocol.ParamDefault) {
		if tok == "gone.txt" || tok == "x" {
			t.Errorf("token %q still indexed", tok)
		}
	}
}

func TestUpdateDownloadFloorsAtZero(t *testing.T) {
	env := newTestEnv(t)
	p := filepath.Join(env.root, "f.txt")
	writeFile(t, p, 1)
	mustUpdate(t, env.store, p)

	if err := env.store.UpdateDownload(p, -3); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, env.store, p).Downloads; got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if err := env.store.UpdateDownload(env.root, 1); err == nil {
		t.Error("expected error for directory without record")
	}
}

func TestGetDataFromIndexPagination(t *testing.T) {
	env := newTestEnv(t)
	for _, n := range []string{"song one.mp3", "song two.mp3", "song three.mp3"} {
		p := filepath.Join(env.root, n)
		writeFile(t, p, 1)
		mustUpdate(t, env.store, p)
	}

	all := env.store.GetDataFromIndex([]string{"song", "mp3"}, protocol.ParamNames, 0, 1)
	if len(all) != 3 {
		t.Fatalf("expected 3 deduplicated records, got %d", len(all))
	}

	page1 := env.store.GetDataFromIndex([]string{"song"}, protocol.ParamNames, 2, 1)
	page2 := env.store.GetDataFromIndex([]string{"song"}, protocol.ParamNames, 2, 2)
	page3 := env.store.GetDataFromIndex([]string{"song"}, protocol.ParamNames, 2, 3)
	if len(page1) != 2 || len(page2) != 1 || len(page3) != 0 {
		t.Fatalf("expected pages of 2,1,0, got %d,%d,%d", len(page1), len(page2), len(page3))
	}
	for _, r := range page1 {
		if r.ID == page2[0].ID {
			t.Errorf("record %s appears on two pages", r.Name)
		}
	}
}

func TestIndexRebuiltOnOpen(t *testing.T) {
	env := newTestEnv(t)
	p := filepath.Join(env.root, "persist.txt")
	writeFile(t, p, 1)
	mustUpdate(t, env.store, p)

	policy, _ := shares.New([]string{env.root}, nil)
	reopened, err := New(env.kv, policy, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.Index().Has(models.RecordID(p)) {
		t.Error("expected index rebuilt from stored records")
	}
}

func TestPrune(t *testing.T) {
	env := newTestEnv(t)
	p := filepath.Join(env.root, "tmp.txt")
	writeFile(t, p, 1)
	mustUpdate(t, env.store, p)
	os.Remove(p)

	if n := env.store.Prune(); n != 1 {
		t.Errorf("expected 1 pruned record, got %d", n)
	}
	if env.store.Count() != 0 {
		t.Errorf("expected empty index, got %d", env.store.Count())
	}
}

func TestConcurrentSiblingUpdates(t *testing.T) {
	env := newTestEnv(t)
	dir := filepath.Join(env.root, "dir")
	var paths []string
	for i := 0; i < 20; i++ {
		p := filepath.Join(dir, string(rune('a'+i))+".bin")
		writeFile(t, p, i+1)
		paths = append(paths, p)
	}
	mustUpdate(t, env.store, env.root)
	mustUpdate(t, env.store, dir)

	var wg sync.WaitGroup
	for _, p := range paths {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			env.store.Update(p)
		}(p)
	}
	wg.Wait()

	// 1 + 2 + ... + 20
	if got := mustGet(t, env.store, dir).Size; got != 210 {
		t.Errorf("expected aggregate 210, got %d", got)
	}
	if got := mustGet(t, env.store, env.root).Size; got != 210 {
		t.Errorf("expected root aggregate 210, got %d", got)
	}
}

func TestAncestorsOrder(t *testing.T) {
	got := Ancestors("/a/b/c")
	want := []string{"/a/b", "/a", "/"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Ancestors = %v, want %v", got, want)
	}
}
