package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ben-z/teslausb-ng/internal/fsadapter"
	"github.com/ben-z/teslausb-ng/internal/logging"
)

// Driver runs archive cycles against a Backend and the shared filesystem
// adapter.
type Driver struct {
	fs      fsadapter.Filesystem
	backend Backend
	// Enabled filters AllDirectories down to what configuration permits;
	// a directory absent from this set (or absent on the snapshot) is
	// skipped entirely rather than recorded as a failure.
	Enabled map[Directory]bool
	log     *logging.Logger
}

// NewDriver returns a driver that copies through backend using fs for
// local reads, restricted to the directories set in enabled.
func NewDriver(fs fsadapter.Filesystem, backend Backend, enabled map[Directory]bool) *Driver {
	return &Driver{fs: fs, backend: backend, Enabled: enabled, log: logging.New("archive")}
}

// Archive runs one cycle against mountPath, the read-only mount point of
// an already-acquired snapshot.
func (d *Driver) Archive(ctx context.Context, snapshotID int, mountPath string) *Result {
	result := &Result{
		SnapshotID:  snapshotID,
		HasSnapshot: true,
		State:       StateConnecting,
		StartedAt:   time.Now(),
		Manifest:    make(map[Directory][]ManifestEntry),
	}

	if !d.backend.IsReachable(ctx) {
		result.State = StateFailed
		result.Error = "archive backend unreachable"
		result.EndedAt = time.Now()
		return result
	}

	result.State = StateArchiving
	var failures []string

	for _, dir := range AllDirectories {
		if d.Enabled != nil && !d.Enabled[dir] {
			continue
		}
		srcPath := filepath.Join(mountPath, string(dir))
		if _, err := d.fs.Stat(srcPath); err != nil {
			continue // not present on this snapshot; not an error
		}

		manifest, err := d.captureManifest(srcPath)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: scan failed: %v", dir, err))
			continue
		}

		cp := d.backend.CopyDirectory(ctx, srcPath, string(dir))
		if !cp.Success {
			msg := fmt.Sprintf("%s: copy failed", dir)
			if cp.Err != nil {
				msg = fmt.Sprintf("%s: %v", dir, cp.Err)
			}
			failures = append(failures, msg)
			continue
		}

		copied := cp.Manifest
		if copied == nil {
			copied = manifest
		}
		result.Manifest[dir] = copied
		result.Files += cp.Files
		result.Bytes += cp.Bytes
	}

	result.EndedAt = time.Now()
	if len(failures) > 0 {
		result.State = StateFailed
		result.Error = strings.Join(failures, "; ")
	} else {
		result.State = StateCompleted
	}
	return result
}

func (d *Driver) captureManifest(srcPath string) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	err := d.fs.Walk(srcPath, func(path string, info fsadapter.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir {
			return nil
		}
		rel, relErr := filepath.Rel(srcPath, path)
		if relErr != nil {
			return relErr
		}
		entries = append(entries, ManifestEntry{RelPath: rel, Size: info.Size})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// DeleteArchived removes every manifest entry from liveMountPath (a
// read-write mount of the live image) whose current size still matches
// the manifest, then prunes any directories left empty. Entries whose
// size no longer matches, or that fail to stat or remove, are skipped and
// logged rather than aborting the pass — a filesystem I/O error on one
// file is never a reason to leave the rest of the cycle's files
// unreclaimed (§7). The error return always succeeds; it is kept for
// interface stability should a future caller need to fail fast.
func (d *Driver) DeleteArchived(result *Result, liveMountPath string) (deleted, skipped int, err error) {
	for dir, entries := range result.Manifest {
		dirRoot := filepath.Join(liveMountPath, string(dir))
		for _, entry := range entries {
			fullPath := filepath.Join(dirRoot, entry.RelPath)
			info, statErr := d.fs.Stat(fullPath)
			if statErr != nil {
				if !fsadapter.IsNotFound(statErr) {
					d.log.Printf("skipping delete of %s: stat failed: %v", fullPath, statErr)
				}
				skipped++
				continue
			}
			if info.Size != entry.Size {
				d.log.Printf("skipping delete of %s: size changed (manifest %d, live %d)", fullPath, entry.Size, info.Size)
				skipped++
				continue
			}
			if rmErr := d.fs.Remove(fullPath); rmErr != nil {
				d.log.Printf("skipping delete of %s: remove failed: %v", fullPath, rmErr)
				skipped++
				continue
			}
			deleted++
		}
		d.pruneEmptyDirs(dirRoot)
	}
	return deleted, skipped, nil
}

// pruneEmptyDirs walks root bottom-up and removes now-empty directories.
// Errors are logged, not propagated: a directory that fails to prune is
// not a reason to fail the whole cycle.
func (d *Driver) pruneEmptyDirs(root string) {
	var dirs []string
	walkErr := d.fs.Walk(root, func(path string, info fsadapter.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir {
			dirs = append(dirs, path)
		}
		return nil
	})
	if walkErr != nil {
		return
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := d.fs.ListDir(dirs[i])
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := d.fs.Remove(dirs[i]); err != nil {
			d.log.Printf("failed to prune empty directory %s: %v", dirs[i], err)
		}
	}
}
