package snapshot

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ben-z/teslausb-ng/internal/fsadapter"
	"github.com/ben-z/teslausb-ng/internal/logging"
)

type tableEntry struct {
	snapshot Snapshot
	refcount int
}

// Store owns the snapshot root directory. All mutating operations take a
// single lock that protects only the in-memory table and the create-latch;
// destructive filesystem work happens outside the lock where possible (§4.2
// Thread safety). Go's sync.Mutex is not re-entrant, so no method calls
// another lock-taking method while holding mu; DeleteOldestDeletable, for
// example, releases mu before it calls Delete.
type Store struct {
	fs            fsadapter.Filesystem
	root          string
	liveImagePath string
	log           *logging.Logger

	mu        sync.Mutex
	nextID    int
	creating  bool
	snapshots map[int]*tableEntry
}

// NewStore scans root for existing snap-<id> directories, sweeping any
// lacking a completion marker (I2), loading the rest with refcount zero,
// and computing the next id as one greater than the maximum id observed
// (I5).
func NewStore(fs fsadapter.Filesystem, root, liveImagePath string) (*Store, error) {
	s := &Store{
		fs:            fs,
		root:          root,
		liveImagePath: liveImagePath,
		log:           logging.New("snapshot"),
		snapshots:     make(map[int]*tableEntry),
	}

	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshots root %s: %w", root, err)
	}

	entries, err := fs.ListDir(root)
	if err != nil {
		return nil, fmt.Errorf("scan snapshots root %s: %w", root, err)
	}

	maxID := -1
	var stale int
	for _, entry := range entries {
		if !entry.IsDir || !strings.HasPrefix(entry.Name, "snap-") {
			continue
		}
		id, ok := parseSnapID(entry.Name)
		if !ok {
			continue
		}

		snap := Snapshot{ID: id, Dir: entry.Path}
		if _, err := fs.Stat(snap.MarkerPath()); err != nil {
			if fsadapter.IsNotFound(err) {
				s.log.Printf("removing garbage snapshot directory %s (no completion marker)", entry.Path)
				if rmErr := fs.RemoveAll(entry.Path); rmErr != nil {
					return nil, fmt.Errorf("remove garbage snapshot %s: %w", entry.Path, rmErr)
				}
				continue
			}
			return nil, fmt.Errorf("stat marker for %s: %w", entry.Path, err)
		}

		snap.CreatedAt = s.loadOrReconstructMetadata(snap)
		s.snapshots[id] = &tableEntry{snapshot: snap, refcount: 0}
		if id > maxID {
			maxID = id
		}
		stale++
	}

	if stale > 1 {
		s.log.Printf("startup found %d live snapshots; at most one is expected in steady state, likely a bug or one-time upgrade path", stale)
	} else if stale == 1 {
		s.log.Printf("startup found 1 live snapshot; likely unclean shutdown")
	}

	s.nextID = maxID + 1
	return s, nil
}

func parseSnapID(name string) (int, bool) {
	id, err := strconv.Atoi(strings.TrimPrefix(name, "snap-"))
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// loadOrReconstructMetadata reads metadata.json, falling back to the image
// file's mtime if the metadata is missing or corrupt (§4.2 Construction).
func (s *Store) loadOrReconstructMetadata(snap Snapshot) time.Time {
	data, err := s.fs.ReadFile(snap.MetadataPath())
	if err == nil {
		if m, err := unmarshalMetadata(data); err == nil {
			return m.CreatedAt
		}
		s.log.Printf("corrupt metadata for %s, reconstructing from image mtime", snap.Dir)
	}

	info, err := s.fs.Stat(snap.ImagePath())
	if err != nil {
		s.log.Printf("could not stat image for %s to reconstruct metadata: %v", snap.Dir, err)
		return time.Time{}
	}
	return info.ModTime
}

// Create reflinks the live image into a fresh snap-<id> directory. Writes
// happen in an order that keeps the directory either absent or fully valid
// from any observer's perspective at every crash point: mkdir, reflink,
// metadata, then the zero-byte completion marker last.
func (s *Store) Create() (Snapshot, error) {
	s.mu.Lock()
	if s.creating {
		s.mu.Unlock()
		return Snapshot{}, ErrCreateInProgress
	}
	s.creating = true
	id := s.nextID
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.creating = false
		s.mu.Unlock()
	}()

	dir := filepath.Join(s.root, dirName(id))
	snap := Snapshot{ID: id, Dir: dir}

	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return Snapshot{}, fmt.Errorf("create snapshot directory %s: %w", dir, err)
	}

	if err := s.fs.ReflinkCopy(s.liveImagePath, snap.ImagePath()); err != nil {
		s.cleanupPartial(dir)
		if errors.Is(err, fsadapter.ErrReflinkUnsupported) {
			s.log.Printf("reflink unsupported, aborting snapshot create: %v", err)
		}
		return Snapshot{}, fmt.Errorf("reflink live image into %s: %w", snap.ImagePath(), err)
	}

	snap.CreatedAt = time.Now()
	metaBytes, err := snap.marshalMetadata()
	if err != nil {
		s.cleanupPartial(dir)
		return Snapshot{}, fmt.Errorf("marshal snapshot metadata: %w", err)
	}
	if err := s.fs.WriteFile(snap.MetadataPath(), metaBytes, 0o644); err != nil {
		s.cleanupPartial(dir)
		return Snapshot{}, fmt.Errorf("write snapshot metadata: %w", err)
	}

	// Completion marker last (I1): only after this write does the
	// directory become valid to any other observer.
	if err := s.fs.WriteFile(snap.MarkerPath(), nil, 0o644); err != nil {
		s.cleanupPartial(dir)
		return Snapshot{}, fmt.Errorf("write completion marker: %w", err)
	}

	s.mu.Lock()
	s.snapshots[id] = &tableEntry{snapshot: snap, refcount: 0}
	s.nextID = id + 1
	s.mu.Unlock()

	return snap, nil
}

func (s *Store) cleanupPartial(dir string) {
	if err := s.fs.RemoveAll(dir); err != nil {
		s.log.Printf("failed to clean up partial snapshot directory %s: %v", dir, err)
	}
}

// Handle is a scope-bound guard on an acquired snapshot. Callers should
// defer Release() immediately after Acquire succeeds; Release is
// idempotent so a double-release is a silent no-op (§9).
type Handle struct {
	store    *Store
	id       int
	released atomic.Bool
}

// Snapshot returns the acquired snapshot's value (not a pointer: refcount
// lives in the store's table, not on the snapshot itself).
func (h *Handle) Snapshot() Snapshot {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	return h.store.snapshots[h.id].snapshot
}

// Release decrements the refcount. Safe to call multiple times or via
// defer after an explicit call elsewhere.
func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if entry, ok := h.store.snapshots[h.id]; ok && entry.refcount > 0 {
		entry.refcount--
	}
}

// Acquire increments the refcount for id and returns a handle. Acquiring
// the same id multiple times is allowed; each handle must be released.
func (s *Store) Acquire(id int) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("acquire snapshot %d: %w", id, ErrNotFound)
	}
	entry.refcount++
	return &Handle{store: s, id: id}, nil
}

// Delete removes a refcount-zero snapshot. The completion marker is
// removed first — transitioning the directory to garbage from any
// observer's perspective — before the rest of the directory is removed.
// A crash between those two steps leaves a markerless directory that the
// next NewStore call sweeps (I1+I2).
func (s *Store) Delete(id int) error {
	s.mu.Lock()
	entry, ok := s.snapshots[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("delete snapshot %d: %w", id, ErrNotFound)
	}
	if entry.refcount > 0 {
		s.mu.Unlock()
		return fmt.Errorf("delete snapshot %d: %w", id, ErrInUse)
	}
	delete(s.snapshots, id)
	s.mu.Unlock()

	if err := s.fs.Remove(entry.snapshot.MarkerPath()); err != nil && !fsadapter.IsNotFound(err) {
		return fmt.Errorf("remove completion marker for %s: %w", entry.snapshot.Dir, err)
	}
	if err := s.fs.RemoveAll(entry.snapshot.Dir); err != nil {
		return fmt.Errorf("remove snapshot directory %s: %w", entry.snapshot.Dir, err)
	}
	return nil
}

// DeleteOldestDeletable removes the oldest refcount-zero snapshot, if any,
// and reports whether one was found. The coordinator calls this in a loop
// at the start of each cycle to eagerly enforce "at most one snapshot" (I4).
func (s *Store) DeleteOldestDeletable() (bool, error) {
	s.mu.Lock()
	var oldest *tableEntry
	for _, entry := range s.snapshots {
		if entry.refcount != 0 {
			continue
		}
		if oldest == nil || entry.snapshot.ID < oldest.snapshot.ID {
			oldest = entry
		}
	}
	s.mu.Unlock()

	if oldest == nil {
		return false, nil
	}
	if err := s.Delete(oldest.snapshot.ID); err != nil {
		return true, err
	}
	return true, nil
}

// List returns a snapshot of the current in-memory table, sorted by id,
// for diagnostics.
func (s *Store) List() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.snapshots))
	for _, entry := range s.snapshots {
		out = append(out, entry.snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
