// Package rclonebackend implements archive.Backend by shelling out to the
// rclone binary, grounded on original_source's RcloneBackend and on
// internal/podman/client.go's subprocess-wrapping idiom (captured
// stdout/stderr, *exec.ExitError -> structured result).
package rclonebackend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ben-z/teslausb-ng/internal/archive"
	"github.com/ben-z/teslausb-ng/internal/logging"
	"github.com/ben-z/teslausb-ng/internal/procutil"
)

// Backend drives the rclone CLI against a configured remote (an rclone
// "remote:path" reference, e.g. "b2:my-bucket/teslausb").
type Backend struct {
	remote string
	log    *logging.Logger
}

var _ archive.Backend = (*Backend)(nil)

// New returns a backend targeting remote, an rclone remote path.
func New(remote string) *Backend {
	return &Backend{remote: remote, log: logging.New("rclonebackend")}
}

// IsReachable runs "rclone lsjson" against the remote root; a zero exit
// means rclone could reach and authenticate against it.
func (b *Backend) IsReachable(ctx context.Context) bool {
	result, err := procutil.Run(ctx, "rclone", "lsjson", b.remote, "--max-depth", "1")
	if err != nil {
		b.log.Printf("rclone probe failed to start: %v", err)
		return false
	}
	if result.ExitCode != 0 {
		b.log.Printf("remote %s unreachable: %s", b.remote, result.Stderr)
		return false
	}
	return true
}

// rcloneEntry is the subset of "rclone lsjson -R" fields this backend
// needs to build a manifest.
type rcloneEntry struct {
	Path  string `json:"Path"`
	Size  int64  `json:"Size"`
	IsDir bool   `json:"IsDir"`
}

// CopyDirectory runs "rclone copy" to mirror srcPath under dstName on the
// remote, then "rclone lsjson -R" against the destination to build the
// manifest from what rclone actually reports landed there.
func (b *Backend) CopyDirectory(ctx context.Context, srcPath, dstName string) archive.CopyResult {
	dst := b.remote + "/" + dstName

	if _, err := procutil.RunChecked(ctx, "rclone", "copy", srcPath, dst); err != nil {
		return archive.CopyResult{Success: false, Err: err}
	}

	listing, err := procutil.RunChecked(ctx, "rclone", "lsjson", "-R", dst)
	if err != nil {
		return archive.CopyResult{Success: false, Err: fmt.Errorf("list remote after copy: %w", err)}
	}

	var entries []rcloneEntry
	if err := json.Unmarshal([]byte(listing.Stdout), &entries); err != nil {
		return archive.CopyResult{Success: false, Err: fmt.Errorf("parse rclone manifest: %w", err)}
	}

	var manifest []archive.ManifestEntry
	var totalBytes int64
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		manifest = append(manifest, archive.ManifestEntry{RelPath: e.Path, Size: e.Size})
		totalBytes += e.Size
	}

	return archive.CopyResult{Success: true, Files: len(manifest), Bytes: totalBytes, Manifest: manifest}
}
