package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lanshare/lanshare/pkg/retry"
)

const chunkSize = 32 * 1024

// FileSession downloads one file into a directory. It owns one request,
// one response body and one destination file at a time.
type FileSession struct {
	url     string
	dir     string
	client  *http.Client
	retry   retry.Config
	handler Handler
	logger  *zap.Logger

	mu              sync.Mutex
	state           State
	cancel          context.CancelFunc
	cancelRequested bool
	path            string
	result          Result
	done            chan struct{}

	bytes atomic.Int64
	total atomic.Int64
}

func newFileSession(url, dir string, cfg Config, handler Handler, logger *zap.Logger) *FileSession {
	if handler == nil {
		handler = func(Event) {}
	}
	s := &FileSession{
		url:     url,
		dir:     dir,
		client:  cfg.HTTPClient,
		retry:   cfg.Retry,
		handler: handler,
		logger:  logger.With(zap.String("url", url)),
		done:    make(chan struct{}),
	}
	s.total.Store(-1)
	return s
}

// URL returns the source URL.
func (s *FileSession) URL() string { return s.url }

// State returns the current state.
func (s *FileSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Path returns the destination path once it is known.
func (s *FileSession) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// BytesDownloaded returns the bytes written so far.
func (s *FileSession) BytesDownloaded() int64 { return s.bytes.Load() }

// TotalSize returns the declared size, or -1 while unknown.
func (s *FileSession) TotalSize() int64 { return s.total.Load() }

// Done is closed once the session reached a terminal state.
func (s *FileSession) Done() <-chan struct{} { return s.done }

// Start begins the download. It reports false, doing nothing, unless the
// session is idle.
func (s *FileSession) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	s.state = StateDownloading
	s.cancel = cancel
	go s.run(ctx)
	return true
}

// Cancel aborts the download, removes the partial file and waits until the
// session is terminal. Cancelling a terminal session does nothing.
func (s *FileSession) Cancel() {
	s.mu.Lock()
	switch {
	case s.state == StateIdle:
		s.state = StateCancelled
		s.result = Result{State: StateCancelled}
		close(s.done)
		s.mu.Unlock()
		s.handler(terminalEvent(s.result))
		return
	case s.state.Terminal():
		s.mu.Unlock()
		<-s.done
		return
	}
	s.cancelRequested = true
	s.cancel()
	s.mu.Unlock()
	<-s.done
}

// Wait blocks until the session is terminal and returns its result.
func (s *FileSession) Wait() Result {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *FileSession) run(ctx context.Context) {
	resp, err := retry.DoWithResult(ctx, s.retry, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, retry.Retryable(err)
		}
		if err := retry.CheckStatus(resp.StatusCode, http.StatusOK); err != nil {
			resp.Body.Close()
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		s.finish(ctx, "", 0, err)
		return
	}
	defer resp.Body.Close()

	name := filenameFromHeader(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = filenameFromURL(s.url)
	}
	if name == "" {
		name = "download"
	}

	f, path, err := createExclusive(s.dir, name)
	if err != nil {
		s.finish(ctx, path, 0, err)
		return
	}
	s.mu.Lock()
	s.path = path
	s.mu.Unlock()
	s.total.Store(resp.ContentLength)

	s.handler(Event{Kind: EventStart, Path: path, Size: resp.ContentLength})
	s.logger.Debug("download started", zap.String("path", path), zap.Int64("size", resp.ContentLength))

	written, err := s.copy(f, resp.Body, resp.ContentLength)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && resp.ContentLength >= 0 && written != resp.ContentLength {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		// Abort the request before deleting what was written.
		s.cancel()
		resp.Body.Close()
		if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = multierr.Append(err, fmt.Errorf("remove partial file: %w", rerr))
		}
	}
	s.finish(ctx, path, written, err)
}

func (s *FileSession) copy(dst io.Writer, src io.Reader, total int64) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			s.bytes.Store(written)
			ratio := 0.0
			if total > 0 {
				ratio = float64(written) / float64(total)
			}
			s.handler(Event{Kind: EventProgress, Ratio: ratio})
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// finish moves the session to its terminal state and emits the matching
// event. A cancel that arrives after the last byte still wins: the file is
// removed and no finished event is emitted.
func (s *FileSession) finish(ctx context.Context, path string, written int64, err error) {
	s.mu.Lock()
	cancelled := s.cancelRequested || ctx.Err() != nil
	s.cancel()

	if err == nil && cancelled && path != "" {
		if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			s.logger.Warn("remove cancelled file failed", zap.String("path", path), zap.Error(rerr))
		}
	}

	result := Result{Path: path, Bytes: written}
	switch {
	case cancelled:
		result.State = StateCancelled
	case err != nil:
		result.State = StateError
		result.Err = &Failure{URL: s.url, Path: path, Err: err}
	default:
		result.State = StateFinished
	}
	s.state = result.State
	s.result = result
	s.mu.Unlock()

	switch result.State {
	case StateError:
		s.logger.Warn("download failed", zap.String("path", path), zap.Error(err))
	default:
		s.logger.Debug("download ended", zap.Stringer("state", result.State), zap.String("path", path))
	}

	s.handler(terminalEvent(result))
	close(s.done)
}
