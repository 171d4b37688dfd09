// Package manifeststore optionally archives a completed cycle's manifest
// and metadata off-box for diagnostics, as a zstd-compressed tar, grounded
// on internal/sandbox/hibernate.go's createTarZstd/extractTarZstd pair.
package manifeststore

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/ben-z/teslausb-ng/internal/archive"
)

type record struct {
	SnapshotID int                                            `json:"snapshot_id"`
	State      archive.State                                  `json:"state"`
	Files      int                                            `json:"files"`
	Bytes      int64                                          `json:"bytes"`
	StartedAt  time.Time                                      `json:"started_at"`
	EndedAt    time.Time                                      `json:"ended_at"`
	Error      string                                         `json:"error,omitempty"`
	Manifest   map[archive.Directory][]archive.ManifestEntry `json:"manifest"`
}

// Save tar+zstd compresses result's manifest and metadata as a single
// "manifest.json" entry, writing the archive to destDir named by the
// snapshot id and cycle end time. Returns the written file's path.
func Save(result *archive.Result, destDir string) (string, error) {
	data, err := json.MarshalIndent(record{
		SnapshotID: result.SnapshotID,
		State:      result.State,
		Files:      result.Files,
		Bytes:      result.Bytes,
		StartedAt:  result.StartedAt,
		EndedAt:    result.EndedAt,
		Error:      result.Error,
		Manifest:   result.Manifest,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest record: %w", err)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create manifest archive dir %s: %w", destDir, err)
	}

	name := fmt.Sprintf("cycle-%06d-%d.tar.zst", result.SnapshotID, result.EndedAt.Unix())
	destPath := filepath.Join(destDir, name)

	if err := writeTarZstd(destPath, "manifest.json", data); err != nil {
		return "", err
	}
	return destPath, nil
}

func writeTarZstd(destPath, entryName string, data []byte) error {
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}

	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		f.Close()
		os.Remove(destPath)
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	writeErr := tw.WriteHeader(&tar.Header{
		Name: entryName,
		Mode: 0o644,
		Size: int64(len(data)),
	})
	if writeErr == nil {
		_, writeErr = tw.Write(data)
	}

	// Close in reverse order: tar -> zstd -> file.
	tw.Close()
	zw.Close()
	f.Close()

	if writeErr != nil {
		os.Remove(destPath)
		return fmt.Errorf("write manifest entry: %w", writeErr)
	}
	return nil
}

// Load reads back a manifest archive written by Save, for diagnostics
// tooling. The same path-traversal guard as the teacher's extractTarZstd
// applies even though this reader never writes outside of memory, so the
// check is kept for parity should a future caller extract to disk.
func Load(srcPath string) (*archive.Result, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tar read error: %w", err)
		}
		if strings.Contains(header.Name, "..") {
			return nil, fmt.Errorf("manifest entry %q attempts path traversal", header.Name)
		}
		if header.Name != "manifest.json" {
			continue
		}

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil {
			return nil, fmt.Errorf("read manifest entry: %w", err)
		}

		var rec record
		if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("parse manifest entry: %w", err)
		}
		return &archive.Result{
			SnapshotID:  rec.SnapshotID,
			HasSnapshot: true,
			State:       rec.State,
			Files:       rec.Files,
			Bytes:       rec.Bytes,
			StartedAt:   rec.StartedAt,
			EndedAt:     rec.EndedAt,
			Error:       rec.Error,
			Manifest:    rec.Manifest,
		}, nil
	}
	return nil, fmt.Errorf("manifest.json entry not found in %s", srcPath)
}
