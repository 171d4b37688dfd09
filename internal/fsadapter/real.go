package fsadapter

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/ben-z/teslausb-ng/internal/procutil"
)

// Real is the production Filesystem implementation, backed by the os
// package and golang.org/x/sys/unix for the statvfs-equivalent and
// reflink_copy shells out to "cp --reflink=always" (see DESIGN.md: there is
// no portable reflink ioctl wrapper in this module's dependency set, and
// the host's own cp already knows how to do this safely).
type Real struct{}

var _ Filesystem = (*Real)(nil)

func NewReal() *Real { return &Real{} }

func (r *Real) Stat(path string) (FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, classify("stat", path, err)
	}
	return FileInfo{
		Name:    fi.Name(),
		Path:    path,
		Size:    fi.Size(),
		IsDir:   fi.IsDir(),
		ModTime: fi.ModTime(),
	}, nil
}

// StatVFS reports space on the volume containing path. XFS (and similar
// filesystems with lazily-aggregated free-block counters) can return a
// stale Bavail immediately after an unlink; calling Statfs twice and
// discarding the first result forces the kernel to settle before we report
// a number the space sizer relies on (§4.1, §9 "Statvfs freshness").
func (r *Real) StatVFS(path string) (SpaceInfo, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return SpaceInfo{}, classify("statvfs", path, err)
	}
	if err := unix.Statfs(path, &stat); err != nil {
		return SpaceInfo{}, classify("statvfs", path, err)
	}

	blockSize := uint64(stat.Bsize)
	return SpaceInfo{
		TotalBytes:     stat.Blocks * blockSize,
		AvailableBytes: stat.Bavail * blockSize,
		UsedBytes:      (stat.Blocks - stat.Bfree) * blockSize,
	}, nil
}

func (r *Real) ListDir(path string) ([]FileInfo, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, classify("listdir", path, err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return nil, classify("listdir", path, err)
		}
		out = append(out, FileInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(path, entry.Name()),
			Size:    info.Size(),
			IsDir:   entry.IsDir(),
			ModTime: info.ModTime(),
		})
	}
	return out, nil
}

func (r *Real) Walk(root string, fn WalkFunc) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fn(path, FileInfo{Path: path}, classify("walk", path, err))
		}
		return fn(path, FileInfo{
			Name:    info.Name(),
			Path:    path,
			Size:    info.Size(),
			IsDir:   info.IsDir(),
			ModTime: info.ModTime(),
		}, nil)
	})
}

func (r *Real) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, classify("read", path, err)
	}
	return data, nil
}

func (r *Real) WriteFile(path string, data []byte, perm fs.FileMode) error {
	if err := os.WriteFile(path, data, perm); err != nil {
		return classify("write", path, err)
	}
	return nil
}

func (r *Real) Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return classify("remove", path, err)
	}
	return nil
}

func (r *Real) RemoveAll(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return classify("rmtree", path, err)
	}
	return nil
}

func (r *Real) Rename(oldpath, newpath string) error {
	if err := os.Rename(oldpath, newpath); err != nil {
		return classify("rename", oldpath, err)
	}
	return nil
}

func (r *Real) Symlink(oldname, newname string) error {
	if err := os.Symlink(oldname, newname); err != nil {
		return classify("symlink", newname, err)
	}
	return nil
}

func (r *Real) Mkdir(path string, perm fs.FileMode) error {
	if err := os.Mkdir(path, perm); err != nil {
		return classify("mkdir", path, err)
	}
	return nil
}

func (r *Real) MkdirAll(path string, perm fs.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return classify("mkdirall", path, err)
	}
	return nil
}

// ReflinkCopy clones src to dst via "cp --reflink=always". A filesystem
// that doesn't support reflinks makes cp fail outright (it never silently
// falls back under --reflink=always) — we surface that as
// ErrReflinkUnsupported rather than retrying with a full copy.
func (r *Real) ReflinkCopy(src, dst string) error {
	result, err := procutil.Run(context.Background(), "cp", "--reflink=always", src, dst)
	if err != nil {
		return &Error{Op: "reflink_copy", Path: src, Kind: KindOther, Err: err}
	}
	if result.ExitCode != 0 {
		return &Error{Op: "reflink_copy", Path: src, Kind: KindOther, Err: ErrReflinkUnsupported}
	}
	return nil
}
