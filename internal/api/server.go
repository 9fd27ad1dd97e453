// Package api provides the HTTP content server.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lanshare/lanshare/internal/logging"
	"github.com/lanshare/lanshare/internal/metadata"
	"github.com/lanshare/lanshare/internal/metrics"
	"github.com/lanshare/lanshare/internal/shares"
	"github.com/lanshare/lanshare/pkg/models"
	"github.com/lanshare/lanshare/pkg/protocol"
)

var rangePattern = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)

// errUnsatisfiable marks a Range header that selects no bytes of the file.
var errUnsatisfiable = errors.New("range not satisfiable")

// Server is the ContentServer.
type Server struct {
	store  *metadata.Store
	policy *shares.Policy
	logger *zap.Logger
}

// NewServer creates a content server.
func NewServer(store *metadata.Store, policy *shares.Policy, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:  store,
		policy: policy,
		logger: logger.Named("api"),
	}
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{id}", s.handleContent)
	mux.HandleFunc("GET /{id}/meta", s.handleMeta)

	// Any other shape is a 404, including wrong methods.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, http.StatusNotFound, "not found")
	})

	return logging.Middleware(s.logger)(metrics.Middleware(routeLabel, mux))
}

func routeLabel(r *http.Request) string {
	p := r.URL.Path
	switch {
	case p == "/health":
		return "/health"
	case strings.Count(p, "/") == 1 && len(p) > 1:
		return "/{id}"
	case strings.Count(p, "/") == 2 && strings.HasSuffix(p, "/meta"):
		return "/{id}/meta"
	default:
		return "other"
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"records": s.store.Count(),
	})
}

// resolve returns the record for id if it exists and is still shared.
func (s *Server) resolve(id string) (*models.FileRecord, bool) {
	if id == "" {
		return nil, false
	}
	rec, err := s.store.GetDataFromID(id)
	if err != nil {
		return nil, false
	}
	if !s.policy.Allowed(rec.Path) {
		return nil, false
	}
	return rec, true
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.resolve(r.PathValue("id"))
	if !ok {
		s.sendError(w, http.StatusNotFound, "not found")
		return
	}
	s.sendJSON(w, rec.Public())
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.resolve(r.PathValue("id"))
	if !ok {
		s.sendError(w, http.StatusNotFound, "not found")
		return
	}
	if rec.IsDir() {
		s.serveListing(w, r, rec)
		return
	}
	s.serveFile(w, r, rec)
}

func (s *Server) serveListing(w http.ResponseWriter, r *http.Request, rec *models.FileRecord) {
	log := logging.FromContext(r.Context(), s.logger)

	entries, err := os.ReadDir(rec.Path)
	if err != nil {
		log.Error("list directory failed", zap.String("path", rec.Path), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "cannot list directory")
		return
	}

	listing := protocol.DirListing{
		ID:       rec.ID,
		Name:     rec.Name,
		Size:     rec.Size,
		Children: []protocol.DirEntry{},
	}
	for _, e := range entries {
		childPath := filepath.Join(rec.Path, e.Name())
		if !s.policy.Allowed(childPath) {
			continue
		}
		child, err := s.store.GetDataFromPath(childPath)
		if err != nil {
			continue
		}
		listing.Children = append(listing.Children, protocol.DirEntry{
			Name: child.Name,
			ID:   child.ID,
			Type: child.Type,
		})
	}
	s.sendJSON(w, listing)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, rec *models.FileRecord) {
	log := logging.FromContext(r.Context(), s.logger)

	f, err := os.Open(rec.Path)
	if err != nil {
		log.Error("open file failed", zap.String("path", rec.Path), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "cannot open file")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		log.Error("stat file failed", zap.String("path", rec.Path), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "cannot stat file")
		return
	}
	size := info.Size()

	contentType := mime.TypeByExtension(filepath.Ext(rec.Name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")

	offset, length, hasRange, err := parseRangeHeader(r.Header.Get("Range"), size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		s.sendError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}

	if hasRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, size))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)
		if r.Method == http.MethodHead {
			return
		}
		n, err := io.Copy(w, io.NewSectionReader(f, offset, length))
		metrics.RecordContentBytes(n)
		if err != nil {
			log.Debug("range stream interrupted", zap.String("path", rec.Path), zap.Error(err))
		}
		return
	}

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=\"%s\"", url.PathEscape(rec.Name)))
		w.WriteHeader(http.StatusOK)
		return
	}

	// The increment is written before the first byte goes out, so a revert
	// issued after an abort always follows it.
	counted := true
	if err := s.store.UpdateDownload(rec.Path, 1); err != nil {
		log.Warn("increment downloads failed", zap.String("path", rec.Path), zap.Error(err))
		counted = false
	}

	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=\"%s\"", url.PathEscape(rec.Name)))
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, f)
	metrics.RecordContentBytes(n)

	aborted := err != nil || n < size || r.Context().Err() != nil
	metrics.RecordContentDownload(!aborted)
	if !aborted {
		return
	}

	log.Info("download aborted",
		zap.String("path", rec.Path),
		zap.Int64("sent", n),
		zap.Int64("size", size),
		zap.Error(err))
	if counted {
		if err := s.store.UpdateDownload(rec.Path, -1); err != nil {
			log.Warn("revert downloads failed", zap.String("path", rec.Path), zap.Error(err))
		}
	}
}

// parseRangeHeader parses a single byte range. Supports "bytes=start-end",
// "bytes=start-" and "bytes=-suffix". A header that does not parse is
// ignored; one that parses but selects nothing yields errUnsatisfiable.
func parseRangeHeader(rangeHeader string, totalSize int64) (offset, length int64, hasRange bool, err error) {
	if rangeHeader == "" {
		return 0, totalSize, false, nil
	}

	matches := rangePattern.FindStringSubmatch(strings.TrimSpace(rangeHeader))
	if matches == nil || (matches[1] == "" && matches[2] == "") {
		return 0, totalSize, false, nil
	}
	startStr, endStr := matches[1], matches[2]

	if startStr == "" {
		// Suffix range: bytes=-500 (last 500 bytes)
		suffix, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || suffix == 0 || totalSize == 0 {
			return 0, 0, false, errUnsatisfiable
		}
		offset = totalSize - suffix
		if offset < 0 {
			offset = 0
		}
		return offset, totalSize - offset, true, nil
	}

	offset, perr := strconv.ParseInt(startStr, 10, 64)
	if perr != nil || offset >= totalSize {
		return 0, 0, false, errUnsatisfiable
	}

	end := totalSize - 1
	if endStr != "" {
		e, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || e < offset {
			return 0, 0, false, errUnsatisfiable
		}
		if e < end {
			end = e
		}
	}
	return offset, end - offset + 1, true, nil
}

func (s *Server) sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
