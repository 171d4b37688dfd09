package archive

import (
	"context"
	"path/filepath"

	"github.com/ben-z/teslausb-ng/internal/fsadapter"
)

// MockBackend is a test double for Backend. CopyDirectory walks srcPath
// itself via fs to compute a realistic file/byte count and manifest,
// standing in for a real network transfer.
type MockBackend struct {
	Reachable bool
	// FailDirectories lists directory names (as passed to dstName) whose
	// CopyDirectory call should report failure.
	FailDirectories map[string]bool
	Calls           []string

	fs fsadapter.Filesystem
}

// NewMockBackend returns a reachable backend with no configured failures,
// walking fs to compute transfer stats on each CopyDirectory call.
func NewMockBackend(fs fsadapter.Filesystem) *MockBackend {
	return &MockBackend{Reachable: true, FailDirectories: make(map[string]bool), fs: fs}
}

func (b *MockBackend) IsReachable(ctx context.Context) bool {
	return b.Reachable
}

// CopyDirectory records the call and, unless dstName is listed in
// FailDirectories, reports success with a manifest and stats computed by
// walking srcPath.
func (b *MockBackend) CopyDirectory(ctx context.Context, srcPath, dstName string) CopyResult {
	b.Calls = append(b.Calls, dstName)
	if b.FailDirectories[dstName] {
		return CopyResult{Success: false, Err: errCopyFailed(dstName)}
	}

	var manifest []ManifestEntry
	var totalBytes int64
	err := b.fs.Walk(srcPath, func(path string, info fsadapter.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir {
			return nil
		}
		rel, relErr := filepath.Rel(srcPath, path)
		if relErr != nil {
			return relErr
		}
		manifest = append(manifest, ManifestEntry{RelPath: rel, Size: info.Size})
		totalBytes += info.Size
		return nil
	})
	if err != nil {
		return CopyResult{Success: false, Err: err}
	}
	return CopyResult{Success: true, Files: len(manifest), Bytes: totalBytes, Manifest: manifest}
}

type copyError string

func (e copyError) Error() string { return string(e) }

func errCopyFailed(dstName string) error {
	return copyError(dstName + ": simulated copy failure")
}
