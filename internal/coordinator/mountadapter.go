package coordinator

import (
	"context"

	"github.com/ben-z/teslausb-ng/internal/mount"
)

// LoopMounter adapts internal/mount's loop-device mounting to the
// Mounter interface the coordinator depends on.
type LoopMounter struct{}

// Mount attaches imagePath to a loop device and mounts it, returning the
// mount point and a close function that unmounts and detaches.
func (LoopMounter) Mount(ctx context.Context, imagePath string, readonly bool) (string, func(), error) {
	m, err := mount.Image(ctx, imagePath, readonly)
	if err != nil {
		return "", nil, err
	}
	return m.Path, func() { m.Close(ctx) }, nil
}

// Repair runs fsck against imagePath.
func (LoopMounter) Repair(ctx context.Context, imagePath string) error {
	return mount.Repair(ctx, imagePath)
}
