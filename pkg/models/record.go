// Package models contains the data types shared by the daemon and the client.
package models

import (
	"path/filepath"

	"github.com/google/uuid"
)

// Record types.
const (
	TypeFile = "file"
	TypeDir  = "dir"
)

// recordNamespace seeds record ids. Changing it invalidates every stored id.
var recordNamespace = uuid.MustParse("6f0c8a8e-4b1d-5f5e-9a57-2f1d3c0e7b21")

// FileRecord describes one indexed path.
type FileRecord struct {
	ID          string   `json:"id"`
	Path        string   `json:"path"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Size        int64    `json:"size"`
	Downloads   int      `json:"downloads"`
	Tags        []string `json:"tags"`
	Description string   `json:"description"`
}

// PublicRecord is a FileRecord as exposed to remote peers (no local path).
type PublicRecord struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Size        int64    `json:"size"`
	Downloads   int      `json:"downloads"`
	Tags        []string `json:"tags"`
	Description string   `json:"description"`
}

// IsDir reports whether the record describes a directory.
func (r *FileRecord) IsDir() bool {
	return r.Type == TypeDir
}

// Public strips the local path.
func (r *FileRecord) Public() PublicRecord {
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	return PublicRecord{
		ID:          r.ID,
		Name:        r.Name,
		Type:        r.Type,
		Size:        r.Size,
		Downloads:   r.Downloads,
		Tags:        tags,
		Description: r.Description,
	}
}

// RecordID derives the stable id of a path.
func RecordID(path string) string {
	return uuid.NewSHA1(recordNamespace, []byte(filepath.Clean(path))).String()
}
