// Package metadata owns the per-path FileRecords, their directory aggregates
// and the search index derived from them.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/lanshare/lanshare/internal/kv"
	"github.com/lanshare/lanshare/internal/metrics"
	"github.com/lanshare/lanshare/internal/shares"
	"github.com/lanshare/lanshare/pkg/models"
	"github.com/lanshare/lanshare/pkg/protocol"
)

var (
	// ErrNotFound is returned when no record exists for a path or id.
	ErrNotFound = errors.New("record not found")

	// ErrNotAllowed is returned for paths outside the shares or ignored.
	ErrNotAllowed = errors.New("path not shared")

	// ErrNotFile is returned when a file-only operation targets a directory.
	ErrNotFile = errors.New("not a file")
)

const (
	recordPrefix = "rec:"
	idPrefix     = "id:"
)

// Store is the MetadataStore. Writes to one path, and to every ancestor an
// update touches, are serialized per key.
type Store struct {
	kv     kv.Store
	policy *shares.Policy
	logger *zap.Logger
	index  *Index
	locks  *keyLock
}

// New creates a store and rebuilds the search index from persisted records.
func New(store kv.Store, policy *shares.Policy, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		kv:     store,
		policy: policy,
		logger: logger.Named("metadata"),
		index:  newIndex(),
		locks:  newKeyLock(),
	}

	err := store.Iterate(recordPrefix, func(key string, value []byte) error {
		var rec models.FileRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			s.logger.Warn("skipping undecodable record", zap.String("key", key), zap.Error(err))
			return nil
		}
		s.index.put(rec.ID, NameTokens(rec.Name), TagTokens(rec.Tags))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	metrics.SetIndexedRecords(s.index.Len())
	s.logger.Info("metadata store opened", zap.Int("records", s.index.Len()))
	return s, nil
}

// Index exposes the read side of the search index.
func (s *Store) Index() *Index {
	return s.index
}

// Count returns the number of indexed records.
func (s *Store) Count() int {
	return s.index.Len()
}

func (s *Store) read(path string) (*models.FileRecord, error) {
	data, err := s.kv.Get(recordPrefix + path)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec models.FileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", path, err)
	}
	return &rec, nil
}

func (s *Store) write(rec *models.FileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.Path, err)
	}
	if err := s.kv.Put(recordPrefix+rec.Path, data); err != nil {
		return err
	}
	if err := s.kv.Put(idPrefix+rec.ID, []byte(rec.Path)); err != nil {
		return err
	}
	s.index.put(rec.ID, NameTokens(rec.Name), TagTokens(rec.Tags))
	metrics.SetIndexedRecords(s.index.Len())
	return nil
}

// GetDataFromPath returns the record stored for path.
func (s *Store) GetDataFromPath(path string) (*models.FileRecord, error) {
	return s.read(filepath.Clean(path))
}

// GetDataFromID returns the record stored for id.
func (s *Store) GetDataFromID(id string) (*models.FileRecord, error) {
	data, err := s.kv.Get(idPrefix + id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := s.read(string(data))
	if err != nil {
		return nil, err
	}
	if rec.ID != id {
		return nil, ErrNotFound
	}
	return rec, nil
}

// UpdateOne recomputes and persists the record for path without touching
// its ancestors. Previously stored tags, description and file downloads
// survive. A stat failure abandons the update with nothing written.
func (s *Store) UpdateOne(path string) (*models.FileRecord, error) {
	path = filepath.Clean(path)
	if !s.policy.Allowed(path) {
		return nil, ErrNotAllowed
	}

	unlock := s.locks.lock(path)
	defer unlock()

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	prev, err := s.read(path)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	rec := &models.FileRecord{
		ID:   models.RecordID(path),
		Path: path,
		Name: filepath.Base(path),
		Tags: []string{},
	}
	if prev != nil {
		rec.Tags = prev.Tags
		rec.Description = prev.Description
	}

	if info.IsDir() {
		rec.Type = models.TypeDir
		size, downloads, err := s.aggregate(path)
		if err != nil {
			return nil, err
		}
		rec.Size = size
		rec.Downloads = downloads
	} else {
		rec.Type = models.TypeFile
		rec.Size = info.Size()
		if prev != nil {
			rec.Downloads = prev.Downloads
		}
	}

	if prev != nil && reflect.DeepEqual(prev, rec) {
		return rec, nil
	}
	if err := s.write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// aggregate sums child sizes and takes the max child downloads. Children
// without a record (not yet indexed, or ignored) count as zero.
func (s *Store) aggregate(dir string) (int64, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("list %s: %w", dir, err)
	}

	var size int64
	downloads := 0
	for _, e := range entries {
		child := filepath.Join(dir, e.Name())
		if s.policy.Ignored(child) {
			continue
		}
		rec, err := s.read(child)
		if err != nil {
			continue
		}
		size += rec.Size
		if rec.Downloads > downloads {
			downloads = rec.Downloads
		}
	}
	return size, downloads, nil
}

// Ancestors returns the parent chain of path, nearest first, up to the
// filesystem root. Update walks it in this order.
func Ancestors(path string) []string {
	var out []string
	p := filepath.Clean(path)
	for {
		parent := filepath.Dir(p)
		if parent == p {
			return out
		}
		out = append(out, parent)
		p = parent
	}
}

// Update recomputes path and then every stored ancestor, one level per
// step, so directory aggregates stay current. The walk stops at the first
// ancestor that has no record or fails to update.
func (s *Store) Update(path string) error {
	start := time.Now()
	defer func() { metrics.RecordMetadataUpdate(time.Since(start)) }()

	if _, err := s.UpdateOne(path); err != nil {
		return err
	}
	s.propagate(path)
	return nil
}

func (s *Store) propagate(path string) {
	for _, parent := range Ancestors(path) {
		if _, err := s.read(parent); err != nil {
			return
		}
		if _, err := s.UpdateOne(parent); err != nil {
			s.logger.Debug("ancestor update stopped",
				zap.String("path", parent), zap.Error(err))
			return
		}
	}
}

// Remove deletes the record for path and drops its id from the index.
// Removing an unknown path is a no-op.
func (s *Store) Remove(path string) error {
	path = filepath.Clean(path)
	unlock := s.locks.lock(path)
	defer unlock()

	rec, err := s.read(path)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.kv.Delete(recordPrefix + path); err != nil {
		return err
	}
	if err := s.kv.Delete(idPrefix + rec.ID); err != nil {
		return err
	}
	s.index.remove(rec.ID)
	metrics.SetIndexedRecords(s.index.Len())
	return nil
}

// UpdateDownload adjusts a file's download counter by delta (never below
// zero) and then re-aggregates its ancestors on a best-effort basis.
func (s *Store) UpdateDownload(path string, delta int) error {
	path = filepath.Clean(path)
	if err := s.adjustDownloads(path, delta); err != nil {
		return err
	}
	s.propagate(path)
	return nil
}

func (s *Store) adjustDownloads(path string, delta int) error {
	unlock := s.locks.lock(path)
	defer unlock()

	rec, err := s.read(path)
	if err != nil {
		return err
	}
	if rec.IsDir() {
		return ErrNotFile
	}
	rec.Downloads += delta
	if rec.Downloads < 0 {
		rec.Downloads = 0
	}
	return s.write(rec)
}

// SetTags replaces the tags of a record and reindexes it.
func (s *Store) SetTags(path string, tags []string) error {
	return s.modify(path, func(rec *models.FileRecord) {
		rec.Tags = append([]string{}, tags...)
	})
}

// SetDescription replaces the description of a record.
func (s *Store) SetDescription(path, description string) error {
	return s.modify(path, func(rec *models.FileRecord) {
		rec.Description = description
	})
}

func (s *Store) modify(path string, fn func(*models.FileRecord)) error {
	path = filepath.Clean(path)
	unlock := s.locks.lock(path)
	defer unlock()

	rec, err := s.read(path)
	if err != nil {
		return err
	}
	fn(rec)
	return s.write(rec)
}

// GetIndexList returns every distinct token indexed for param.
func (s *Store) GetIndexList(param protocol.Param) []string {
	return s.index.Tokens(param)
}

// GetDataFromIndex returns up to limit records indexed under tokens, walking
// tokens in order. Each id counts once even if several tokens hold it, and
// ids whose record vanished are not counted. The first (page-1)*limit
// matches are skipped; a page past the end yields nothing. limit <= 0
// returns every match.
func (s *Store) GetDataFromIndex(tokens []string, param protocol.Param, limit, page int) []*models.FileRecord {
	if page < 1 {
		page = 1
	}
	skip := 0
	if limit > 0 {
		skip = (page - 1) * limit
	}

	seen := make(map[string]struct{})
	matched := 0
	var out []*models.FileRecord
	for _, tok := range tokens {
		for _, id := range s.index.IDs(tok, param) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}

			rec, err := s.GetDataFromID(id)
			if err != nil {
				continue
			}
			if matched < skip {
				matched++
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) == limit {
				return out
			}
		}
	}
	return out
}

// Prune removes stored records whose path vanished or is no longer shared.
func (s *Store) Prune() int {
	var stale []string
	err := s.kv.Iterate(recordPrefix, func(key string, value []byte) error {
		path := key[len(recordPrefix):]
		if !s.policy.Allowed(path) {
			stale = append(stale, path)
			return nil
		}
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			stale = append(stale, path)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("prune scan failed", zap.Error(err))
	}

	removed := 0
	for _, p := range stale {
		if err := s.Remove(p); err != nil {
			s.logger.Warn("prune remove failed", zap.String("path", p), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("pruned stale records", zap.Int("removed", removed))
	}
	return removed
}
