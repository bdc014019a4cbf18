// Package storage defines the inbox file-system abstraction used by the
// ingest feed.
package storage

import "github.com/starford/hiedb/internal/models"

// Archive directories under the inbox root. List never descends into them.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// Provider is the interface for inbox file operations. Paths are relative
// to the inbox root.
type Provider interface {
	// List returns metadata for every submission document under dir.
	List(dir string) ([]models.FileMetadata, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically writes content to path.
	Write(path string, content []byte) error
	// Delete removes the file at path.
	Delete(path string) error
	// Move renames oldPath to newPath, replacing any file already there.
	Move(oldPath, newPath string) error
	// Exists reports whether a file is present at path.
	Exists(path string) (bool, error)
}
