package download

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lanshare/lanshare/pkg/retry"
)

// Config holds engine settings.
type Config struct {
	// HTTPClient performs every request. Transfers carry no overall
	// timeout, so the default client only bounds connection setup.
	HTTPClient *http.Client
	Retry      retry.Config
	// Concurrency limits the children a directory downloads at once.
	Concurrency int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		Retry:       retry.DefaultConfig(),
		Concurrency: 4,
	}
}

// EntryKind tells which session an Entry holds.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDir
)

func (k EntryKind) String() string {
	if k == KindDir {
		return "dir"
	}
	return "file"
}

// Entry is an active download: exactly one of File and Dir is set,
// according to Kind.
type Entry struct {
	Kind EntryKind
	File *FileSession
	Dir  *DirSession
}

// Cancel cancels the held session.
func (e Entry) Cancel() {
	switch e.Kind {
	case KindFile:
		e.File.Cancel()
	case KindDir:
		e.Dir.Cancel()
	}
}

// Wait waits for the held session.
func (e Entry) Wait() Result {
	if e.Kind == KindDir {
		return e.Dir.Wait()
	}
	return e.File.Wait()
}

// Done is closed when the held session is terminal.
func (e Entry) Done() <-chan struct{} {
	if e.Kind == KindDir {
		return e.Dir.Done()
	}
	return e.File.Done()
}

// Engine is the DownloadEngine. It tracks active sessions by key and
// forgets them once they are terminal.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]Entry
}

// NewEngine creates an engine. Zero fields of cfg take their defaults.
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = def.HTTPClient
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = def.Retry
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger.Named("download"),
		entries: make(map[string]Entry),
	}
}

// ContentURL joins a peer base URL and a record id.
func ContentURL(baseURL, id string) string {
	return strings.TrimRight(baseURL, "/") + "/" + id
}

// DownloadFile starts downloading url into dir. If the same url is already
// downloading, the existing session is returned and nothing new starts.
func (e *Engine) DownloadFile(ctx context.Context, url, dir string, handler Handler) *FileSession {
	e.mu.Lock()
	if ent, ok := e.entries[url]; ok && ent.Kind == KindFile {
		e.mu.Unlock()
		return ent.File
	}
	s := newFileSession(url, dir, e.cfg, handler, e.logger)
	ent := Entry{Kind: KindFile, File: s}
	e.entries[url] = ent
	e.mu.Unlock()

	s.Start(ctx)
	go e.forget(url, ent)
	return s
}

// DownloadDir starts downloading directory id of the peer at baseURL into
// dir. A directory already downloading is returned as is.
func (e *Engine) DownloadDir(ctx context.Context, baseURL, id, dir string, handler Handler) *DirSession {
	baseURL = strings.TrimRight(baseURL, "/")
	key := ContentURL(baseURL, id)

	e.mu.Lock()
	if ent, ok := e.entries[key]; ok && ent.Kind == KindDir {
		e.mu.Unlock()
		return ent.Dir
	}
	s := newDirSession(baseURL, id, dir, e.cfg, handler, e.logger)
	ent := Entry{Kind: KindDir, Dir: s}
	e.entries[key] = ent
	e.mu.Unlock()

	s.Start(ctx)
	go e.forget(key, ent)
	return s
}

func (e *Engine) forget(key string, ent Entry) {
	<-ent.Done()
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.entries[key]; ok && cur == ent {
		delete(e.entries, key)
	}
}

// Get returns the active entry for key.
func (e *Engine) Get(key string) (Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[key]
	return ent, ok
}

// Cancel cancels the download under key and waits for it. It reports
// whether such a download was active.
func (e *Engine) Cancel(key string) bool {
	ent, ok := e.Get(key)
	if !ok {
		return false
	}
	ent.Cancel()
	return true
}

// Active returns the keys of all active downloads, sorted.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.entries))
	for k := range e.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CancelAll cancels every active download.
func (e *Engine) CancelAll() {
	for _, k := range e.Active() {
		e.Cancel(k)
	}
}
