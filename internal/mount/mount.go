// Package mount wraps loop-device mounting of disk images, grounded on
// original_source's mount.py and internal/procutil's subprocess idiom.
package mount

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ben-z/teslausb-ng/internal/logging"
	"github.com/ben-z/teslausb-ng/internal/procutil"
)

var log = logging.New("mount")

// Mount is a loop-mounted disk image; call Close to unmount, detach the
// loop device, and remove the temporary mount point.
type Mount struct {
	Path     string
	loopDev  string
	readonly bool
}

// Image attaches imagePath to a loop device (with partition scanning),
// waits for the first partition node to appear, and mounts it at a fresh
// temporary directory.
func Image(ctx context.Context, imagePath string, readonly bool) (*Mount, error) {
	result, err := procutil.Run(ctx, "losetup", "-Pf", "--show", imagePath)
	if err != nil {
		return nil, fmt.Errorf("losetup %s: %w", imagePath, err)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("losetup %s failed: %s", imagePath, strings.TrimSpace(result.Stderr))
	}
	loopDev := strings.TrimSpace(result.Stdout)
	partition := loopDev + "p1"

	found := false
	for i := 0; i < 10; i++ {
		if _, statErr := os.Stat(partition); statErr == nil {
			found = true
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !found {
		detach(ctx, loopDev)
		return nil, fmt.Errorf("partition device %s did not appear", partition)
	}

	mountPoint, err := os.MkdirTemp("", "teslausb-mount-")
	if err != nil {
		detach(ctx, loopDev)
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	opts := "ro"
	if !readonly {
		opts = "rw"
	}
	mountResult, err := procutil.Run(ctx, "mount", "-o", opts, partition, mountPoint)
	if err != nil || mountResult.ExitCode != 0 {
		os.Remove(mountPoint)
		detach(ctx, loopDev)
		if err != nil {
			return nil, fmt.Errorf("mount %s: %w", partition, err)
		}
		return nil, fmt.Errorf("mount %s failed: %s", partition, strings.TrimSpace(mountResult.Stderr))
	}

	mode := "read-only"
	if !readonly {
		mode = "read-write"
	}
	log.Printf("mounted %s at %s (%s)", imagePath, mountPoint, mode)

	return &Mount{Path: mountPoint, loopDev: loopDev, readonly: readonly}, nil
}

// Close syncs (if mounted read-write), unmounts, detaches the loop device,
// and removes the temporary mount point. Failures are logged, not
// returned: cleanup on the unmount path must not itself block the caller
// from proceeding to the next cycle.
func (m *Mount) Close(ctx context.Context) {
	if !m.readonly {
		if _, err := procutil.Run(ctx, "sync"); err != nil {
			log.Printf("sync before unmount failed: %v", err)
		}
	}

	if result, err := procutil.Run(ctx, "umount", m.Path); err != nil || result.ExitCode != 0 {
		log.Printf("umount %s failed", m.Path)
	}
	if err := os.Remove(m.Path); err != nil {
		log.Printf("failed to remove mount point %s: %v", m.Path, err)
	}

	detach(ctx, m.loopDev)
	log.Printf("cleaned up mount for loop device %s", m.loopDev)
}

func detach(ctx context.Context, loopDev string) {
	if result, err := procutil.Run(ctx, "losetup", "-d", loopDev); err != nil || result.ExitCode != 0 {
		log.Printf("losetup -d %s failed", loopDev)
	}
}

// Repair runs fsck.vfat against imagePath (not mounted). Failures are
// returned; the caller decides whether to proceed anyway.
func Repair(ctx context.Context, imagePath string) error {
	result, err := procutil.Run(ctx, "fsck.vfat", "-a", imagePath)
	if err != nil {
		return fmt.Errorf("fsck.vfat %s: %w", imagePath, err)
	}
	// fsck exit codes 0 and 1 both indicate the filesystem is now clean
	// (1 means it found and fixed errors); anything higher is a real failure.
	if result.ExitCode > 1 {
		return fmt.Errorf("fsck.vfat %s failed (exit %d): %s", imagePath, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}
