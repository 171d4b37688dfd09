// Package space computes the live-image size from available backing
// space and reports free space on the backing volume (§4.3).
package space

import (
	"fmt"

	"github.com/ben-z/teslausb-ng/internal/fsadapter"
)

const sectorSize = 512

// overheadFraction is reserved for filesystem metadata and journal growth
// and excluded from the 50/50 split between the live image and its
// worst-case snapshot.
const overheadFraction = 0.03

// Sizer computes cam_size for a backing volume and reports its free space.
type Sizer struct {
	fs         fsadapter.Filesystem
	backingDir string
}

// NewSizer returns a Sizer that statvfs's backingDir.
func NewSizer(fs fsadapter.Filesystem, backingDir string) *Sizer {
	return &Sizer{fs: fs, backingDir: backingDir}
}

// CamSize returns the sector-aligned live-image size that leaves room for
// one full-divergence snapshot alongside it, regardless of how much the
// live image diverges from its snapshot before the next archive cycle:
//
//	overhead     = floor(backing_size * 0.03)
//	raw_cam_size = floor((backing_size - overhead) / 2)
//	cam_size     = floor(raw_cam_size / 512) * 512
//
// The floor divisions never round up, so cam_size is never above the
// half-volume bound; it equals the bound when the raw size is already a
// multiple of 512.
func (s *Sizer) CamSize() (int64, error) {
	info, err := s.fs.StatVFS(s.backingDir)
	if err != nil {
		return 0, fmt.Errorf("stat backing volume %s: %w", s.backingDir, err)
	}
	return camSizeFromBackingBytes(info.TotalBytes), nil
}

func camSizeFromBackingBytes(backingSize uint64) int64 {
	overhead := uint64(float64(backingSize) * overheadFraction)
	usable := backingSize - overhead
	rawCamSize := usable / 2
	camSize := (rawCamSize / sectorSize) * sectorSize
	return int64(camSize)
}

// SpaceInfo returns total/used/available bytes on the backing volume.
func (s *Sizer) SpaceInfo() (fsadapter.SpaceInfo, error) {
	info, err := s.fs.StatVFS(s.backingDir)
	if err != nil {
		return fsadapter.SpaceInfo{}, fmt.Errorf("stat backing volume %s: %w", s.backingDir, err)
	}
	return info, nil
}
