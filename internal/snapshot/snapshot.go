// Package snapshot owns the on-disk snapshot directory: a crash-safe,
// reference-counted, reflink-cloned copy of the live image. See
// store.go for the Store implementation; this file holds the data types.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel error kinds. Wrapped with %w at every layer so errors.Is keeps
// working regardless of how much context was added on the way up.
var (
	ErrInUse            = errors.New("snapshot in use")
	ErrNotFound         = errors.New("snapshot not found")
	ErrCreateInProgress = errors.New("snapshot creation already in progress")
)

// Snapshot is a point-in-time reflink clone of the live image. Refcount
// lives only in the owning Store's table; it is never part of this struct
// because it is not persisted (§3).
type Snapshot struct {
	ID        int
	Dir       string
	CreatedAt time.Time
}

// ImagePath is the path to the reflinked block image inside Dir.
func (s Snapshot) ImagePath() string {
	return s.Dir + "/snap.bin"
}

// MetadataPath is the path to the JSON metadata record inside Dir.
func (s Snapshot) MetadataPath() string {
	return s.Dir + "/metadata.json"
}

// MarkerPath is the path to the zero-byte completion marker. Its presence
// is the sole source of truth for whether Dir holds a valid snapshot (I1).
func (s Snapshot) MarkerPath() string {
	return s.Dir + "/snap.toc"
}

type metadata struct {
	ID        int       `json:"id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

func (s Snapshot) marshalMetadata() ([]byte, error) {
	return json.Marshal(metadata{ID: s.ID, Path: s.Dir, CreatedAt: s.CreatedAt})
}

func unmarshalMetadata(data []byte) (metadata, error) {
	var m metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return metadata{}, fmt.Errorf("parse snapshot metadata: %w", err)
	}
	return m, nil
}

func dirName(id int) string {
	return fmt.Sprintf("snap-%06d", id)
}
