package download

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// maxCreateAttempts bounds the search for a free name when other writers
// keep claiming candidates.
const maxCreateAttempts = 100

// filenameFromHeader extracts the file name from a Content-Disposition
// value. Wrapping quotes are stripped, percent escapes decoded and any
// directory part dropped. It returns "" when nothing usable is found.
func filenameFromHeader(disposition string) string {
	var name string
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		name = params["filename"]
	} else if i := strings.Index(strings.ToLower(disposition), "filename="); i >= 0 {
		name = disposition[i+len("filename="):]
		if j := strings.IndexByte(name, ';'); j >= 0 {
			name = name[:j]
		}
		name = strings.Trim(strings.TrimSpace(name), `"`)
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	return cleanName(name)
}

// filenameFromURL returns the last path segment of rawURL.
func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return cleanName(path.Base(u.Path))
}

func cleanName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	switch name {
	case "", ".", "..", "/":
		return ""
	}
	return name
}

// UniquePath returns dir/name if nothing exists there, otherwise the first
// free "name (n).ext".
func UniquePath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if !exists(candidate) {
		return candidate
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, i, ext))
		if !exists(candidate) {
			return candidate
		}
	}
}

func exists(p string) bool {
	_, err := os.Lstat(p)
	return !errors.Is(err, fs.ErrNotExist)
}

// createExclusive claims a free path for name in dir and opens it. It never
// truncates an existing file: a candidate taken between lookup and create
// moves on to the next one.
func createExclusive(dir, name string) (*os.File, string, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		p := UniquePath(dir, name)
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return f, p, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, p, err
		}
	}
	return nil, "", fmt.Errorf("%s in %s: %w", name, dir, ErrAlreadyExists)
}
