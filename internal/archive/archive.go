// Package archive drives one archive cycle: enumerate the logical clip
// directories on a mounted snapshot, copy each to a backend, and report a
// manifest the coordinator later uses to reclaim space on the live image
// (§4.4, §4.5).
package archive

import (
	"context"
	"time"
)

// State is the terminal (or in-flight) state of one archive cycle.
type State string

const (
	StatePending    State = "PENDING"
	StateConnecting State = "CONNECTING"
	StateArchiving  State = "ARCHIVING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// Directory is one of the fixed logical clip directories the car writes.
type Directory string

const (
	SavedClips  Directory = "SavedClips"
	SentryClips Directory = "SentryClips"
	RecentClips Directory = "RecentClips"
	TrackMode   Directory = "TrackMode"
)

// AllDirectories is the full set the driver considers, before filtering by
// configuration and presence on the snapshot.
var AllDirectories = []Directory{SavedClips, SentryClips, RecentClips, TrackMode}

// ManifestEntry is one file captured from the source tree, keyed by its
// path relative to the logical directory's root.
type ManifestEntry struct {
	RelPath string
	Size    int64
}

// Result is the outcome of one archive cycle.
type Result struct {
	SnapshotID  int
	HasSnapshot bool
	State       State
	Files       int
	Bytes       int64
	StartedAt   time.Time
	EndedAt     time.Time
	Error       string
	// Manifest is keyed by logical directory name; only directories that
	// copied successfully appear here, even when the overall result is
	// FAILED (§3 Archive result, §9 Open question).
	Manifest map[Directory][]ManifestEntry
}

// TotalManifestEntries counts entries across every directory in the
// result's manifest, for logging and metrics.
func (r *Result) TotalManifestEntries() int {
	n := 0
	for _, entries := range r.Manifest {
		n += len(entries)
	}
	return n
}

// Backend is the abstract remote archive target. Implementations must
// respect ctx cancellation promptly so the coordinator's shutdown signal
// can interrupt a long reachability probe or transfer.
type Backend interface {
	// IsReachable reports whether the backend can currently accept
	// transfers. May block briefly (e.g. a network round trip).
	IsReachable(ctx context.Context) bool
	// CopyDirectory copies the tree at srcPath to a remote location named
	// dstName. Failures are returned via the CopyResult, not as a Go
	// error — a transient failure for one directory must not corrupt the
	// manifests of others.
	CopyDirectory(ctx context.Context, srcPath, dstName string) CopyResult
}

// CopyResult is what CopyDirectory reports for a single logical directory.
type CopyResult struct {
	Success  bool
	Files    int
	Bytes    int64
	Err      error
	Manifest []ManifestEntry
}
