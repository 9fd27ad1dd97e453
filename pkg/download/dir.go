package download

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lanshare/lanshare/pkg/models"
	"github.com/lanshare/lanshare/pkg/protocol"
	"github.com/lanshare/lanshare/pkg/retry"
)

// DirSession downloads a directory tree. Children run concurrently; a
// failed child is recorded and never fails the directory.
type DirSession struct {
	baseURL string
	id      string
	dir     string
	cfg     Config
	handler Handler
	logger  *zap.Logger

	mu              sync.Mutex
	state           State
	cancel          context.CancelFunc
	cancelRequested bool
	path            string
	total           int64
	files           []*FileSession
	dirs            []*DirSession
	result          Result
	done            chan struct{}

	emitMu sync.Mutex
}

func newDirSession(baseURL, id, dir string, cfg Config, handler Handler, logger *zap.Logger) *DirSession {
	if handler == nil {
		handler = func(Event) {}
	}
	return &DirSession{
		baseURL: baseURL,
		id:      id,
		dir:     dir,
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(zap.String("dir_id", id)),
		done:    make(chan struct{}),
	}
}

// URL returns the listing URL.
func (d *DirSession) URL() string { return d.baseURL + "/" + d.id }

// State returns the current state.
func (d *DirSession) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Path returns the local directory once it is known.
func (d *DirSession) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.path
}

// TotalSize returns the size announced by the listing.
func (d *DirSession) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// BytesDownloaded sums the bytes written by every child so far.
func (d *DirSession) BytesDownloaded() int64 {
	d.mu.Lock()
	files := append([]*FileSession(nil), d.files...)
	dirs := append([]*DirSession(nil), d.dirs...)
	d.mu.Unlock()

	var n int64
	for _, f := range files {
		n += f.BytesDownloaded()
	}
	for _, sub := range dirs {
		n += sub.BytesDownloaded()
	}
	return n
}

// Done is closed once the session reached a terminal state.
func (d *DirSession) Done() <-chan struct{} { return d.done }

// Start begins the download. It reports false unless the session is idle.
func (d *DirSession) Start(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateIdle {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	d.state = StateDownloading
	d.cancel = cancel
	go d.run(ctx)
	return true
}

// Cancel cancels every active child and waits until all of them, and the
// directory itself, are terminal.
func (d *DirSession) Cancel() {
	d.mu.Lock()
	switch {
	case d.state == StateIdle:
		d.state = StateCancelled
		d.result = Result{State: StateCancelled}
		close(d.done)
		d.mu.Unlock()
		d.handler(terminalEvent(d.result))
		return
	case d.state.Terminal():
		d.mu.Unlock()
		<-d.done
		return
	}
	d.cancelRequested = true
	d.cancel()
	files := append([]*FileSession(nil), d.files...)
	dirs := append([]*DirSession(nil), d.dirs...)
	d.mu.Unlock()

	for _, f := range files {
		f.Cancel()
	}
	for _, sub := range dirs {
		sub.Cancel()
	}
	<-d.done
}

// Wait blocks until the session is terminal and returns its result.
func (d *DirSession) Wait() Result {
	<-d.done
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.result
}

func (d *DirSession) emit(ev Event) {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()
	d.handler(ev)
}

// childEvent turns child progress into progress of the whole tree.
func (d *DirSession) childEvent(ev Event) {
	if ev.Kind != EventProgress {
		return
	}
	total := d.TotalSize()
	ratio := 0.0
	if total > 0 {
		ratio = float64(d.BytesDownloaded()) / float64(total)
	}
	d.emit(Event{Kind: EventProgress, Ratio: ratio})
}

func (d *DirSession) fetchListing(ctx context.Context) (*protocol.DirListing, error) {
	return retry.DoWithResult(ctx, d.cfg.Retry, func() (*protocol.DirListing, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := d.cfg.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, retry.Retryable(err)
		}
		defer resp.Body.Close()
		if err := retry.CheckStatus(resp.StatusCode, http.StatusOK); err != nil {
			return nil, err
		}
		var listing protocol.DirListing
		if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
			return nil, fmt.Errorf("decode listing: %w", err)
		}
		return &listing, nil
	})
}

func (d *DirSession) run(ctx context.Context) {
	listing, err := d.fetchListing(ctx)
	if err != nil {
		d.finish(ctx, "", nil, err)
		return
	}

	name := cleanName(listing.Name)
	if name == "" {
		name = d.id
	}
	local := filepath.Join(d.dir, name)
	// An existing directory is reused.
	if err := os.MkdirAll(local, 0755); err != nil {
		d.finish(ctx, local, nil, err)
		return
	}

	d.mu.Lock()
	d.path = local
	d.total = listing.Size
	d.mu.Unlock()
	d.emit(Event{Kind: EventStart, Path: local, Size: listing.Size})

	var (
		errMu     sync.Mutex
		childErrs []ChildError
	)
	record := func(errs ...ChildError) {
		errMu.Lock()
		childErrs = append(childErrs, errs...)
		errMu.Unlock()
	}

	var g errgroup.Group
	if d.cfg.Concurrency > 0 {
		g.SetLimit(d.cfg.Concurrency)
	}
	for _, child := range listing.Children {
		if ctx.Err() != nil {
			break
		}
		switch child.Type {
		case models.TypeDir:
			sub := newDirSession(d.baseURL, child.ID, local, d.cfg, d.childEvent, d.logger)
			d.mu.Lock()
			d.dirs = append(d.dirs, sub)
			d.mu.Unlock()
			g.Go(func() error {
				sub.Start(ctx)
				r := sub.Wait()
				if r.State == StateError {
					record(ChildError{URL: sub.URL(), Path: filepath.Join(local, child.Name), Err: r.Err})
				}
				record(r.ChildErrors...)
				return nil
			})
		default:
			fs := newFileSession(d.baseURL+"/"+child.ID, local, d.cfg, d.childEvent, d.logger)
			d.mu.Lock()
			d.files = append(d.files, fs)
			d.mu.Unlock()
			g.Go(func() error {
				fs.Start(ctx)
				r := fs.Wait()
				if r.State == StateError {
					path := r.Path
					if path == "" {
						path = filepath.Join(local, child.Name)
					}
					record(ChildError{URL: fs.URL(), Path: path, Err: r.Err})
				}
				return nil
			})
		}
	}
	g.Wait()

	d.finish(ctx, local, childErrs, nil)
}

func (d *DirSession) finish(ctx context.Context, path string, childErrs []ChildError, err error) {
	bytes := d.BytesDownloaded()

	d.mu.Lock()
	cancelled := d.cancelRequested || ctx.Err() != nil
	d.cancel()

	result := Result{Path: path, Bytes: bytes, ChildErrors: childErrs}
	switch {
	case cancelled:
		result.State = StateCancelled
	case err != nil:
		result.State = StateError
		result.Err = &Failure{URL: d.URL(), Path: path, Err: err}
	default:
		result.State = StateFinished
	}
	d.state = result.State
	d.result = result
	d.mu.Unlock()

	if len(childErrs) > 0 {
		d.logger.Warn("directory finished with failed children",
			zap.String("path", path), zap.Int("failed", len(childErrs)))
	}
	if err != nil {
		d.logger.Warn("directory download failed", zap.String("path", path), zap.Error(err))
	}

	d.emit(terminalEvent(result))
	close(d.done)
}
