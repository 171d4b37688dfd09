package archive

import (
	"context"
	"io/fs"
	"testing"

	"github.com/ben-z/teslausb-ng/internal/fsadapter"
)

func allEnabled() map[Directory]bool {
	return map[Directory]bool{SavedClips: true, SentryClips: true, RecentClips: true, TrackMode: true}
}

func seedMount(t *testing.T, mock *fsadapter.Mock) {
	t.Helper()
	mock.MkdirAll("/mnt/SavedClips/2026-01-01", 0o755)
	mock.WriteFile("/mnt/SavedClips/2026-01-01/front.mp4", make([]byte, 1000), 0o644)
	mock.MkdirAll("/mnt/SentryClips", 0o755)
	mock.WriteFile("/mnt/SentryClips/event.mp4", make([]byte, 500), 0o644)
}

func TestArchiveCompletesAndCapturesManifest(t *testing.T) {
	mock := fsadapter.NewMock()
	seedMount(t, mock)
	backend := NewMockBackend(mock)
	driver := NewDriver(mock, backend, allEnabled())

	result := driver.Archive(context.Background(), 1, "/mnt")

	if result.State != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", result.State, result.Error)
	}
	if result.Files != 2 {
		t.Fatalf("expected 2 files archived, got %d", result.Files)
	}
	if len(result.Manifest[SavedClips]) != 1 || len(result.Manifest[SentryClips]) != 1 {
		t.Fatalf("unexpected manifest: %+v", result.Manifest)
	}
	if len(result.Manifest[RecentClips]) != 0 {
		t.Fatalf("expected no manifest for absent directory RecentClips, got %+v", result.Manifest[RecentClips])
	}
}

func TestArchiveFailsWhenBackendUnreachable(t *testing.T) {
	mock := fsadapter.NewMock()
	seedMount(t, mock)
	backend := NewMockBackend(mock)
	backend.Reachable = false
	driver := NewDriver(mock, backend, allEnabled())

	result := driver.Archive(context.Background(), 1, "/mnt")
	if result.State != StateFailed {
		t.Fatalf("expected FAILED, got %s", result.State)
	}
	if result.Files != 0 {
		t.Fatalf("expected zero files on unreachable backend, got %d", result.Files)
	}
}

func TestArchivePreservesSuccessfulManifestsWhenOneDirectoryFails(t *testing.T) {
	mock := fsadapter.NewMock()
	seedMount(t, mock)
	backend := NewMockBackend(mock)
	backend.FailDirectories["SentryClips"] = true
	driver := NewDriver(mock, backend, allEnabled())

	result := driver.Archive(context.Background(), 1, "/mnt")

	if result.State != StateFailed {
		t.Fatalf("expected FAILED overall, got %s", result.State)
	}
	if _, ok := result.Manifest[SavedClips]; !ok {
		t.Fatal("expected SavedClips manifest to survive the SentryClips failure")
	}
	if _, ok := result.Manifest[SentryClips]; ok {
		t.Fatal("expected no manifest recorded for the failed directory")
	}
}

func TestArchiveRespectsDisabledDirectories(t *testing.T) {
	mock := fsadapter.NewMock()
	seedMount(t, mock)
	backend := NewMockBackend(mock)
	driver := NewDriver(mock, backend, map[Directory]bool{SavedClips: true})

	result := driver.Archive(context.Background(), 1, "/mnt")
	if result.State != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", result.State, result.Error)
	}
	if _, ok := result.Manifest[SentryClips]; ok {
		t.Fatal("expected SentryClips to be skipped entirely when disabled")
	}
}

// Scenario seed 7: size-mismatch deletion guard.
func TestDeleteArchivedSkipsSizeMismatch(t *testing.T) {
	mock := fsadapter.NewMock()
	mock.MkdirAll("/live/SavedClips", 0o755)
	mock.WriteFile("/live/SavedClips/front.mp4", make([]byte, 1500), 0o644)

	driver := NewDriver(mock, NewMockBackend(mock), allEnabled())
	result := &Result{
		Manifest: map[Directory][]ManifestEntry{
			SavedClips: {{RelPath: "front.mp4", Size: 1000}},
		},
	}

	deleted, skipped, err := driver.DeleteArchived(result, "/live")
	if err != nil {
		t.Fatalf("DeleteArchived: %v", err)
	}
	if deleted != 0 || skipped != 1 {
		t.Fatalf("expected 0 deleted, 1 skipped; got deleted=%d skipped=%d", deleted, skipped)
	}
	if _, statErr := mock.Stat("/live/SavedClips/front.mp4"); statErr != nil {
		t.Fatal("expected mismatched file to still exist")
	}
}

func TestDeleteArchivedDeletesMatchingSizeAndPrunesEmptyDirs(t *testing.T) {
	mock := fsadapter.NewMock()
	mock.MkdirAll("/live/SavedClips/2026-01-01", 0o755)
	mock.WriteFile("/live/SavedClips/2026-01-01/front.mp4", make([]byte, 1000), 0o644)

	driver := NewDriver(mock, NewMockBackend(mock), allEnabled())
	result := &Result{
		Manifest: map[Directory][]ManifestEntry{
			SavedClips: {{RelPath: "2026-01-01/front.mp4", Size: 1000}},
		},
	}

	deleted, skipped, err := driver.DeleteArchived(result, "/live")
	if err != nil {
		t.Fatalf("DeleteArchived: %v", err)
	}
	if deleted != 1 || skipped != 0 {
		t.Fatalf("expected 1 deleted, 0 skipped; got deleted=%d skipped=%d", deleted, skipped)
	}
	if _, statErr := mock.Stat("/live/SavedClips/2026-01-01"); !fsadapter.IsNotFound(statErr) {
		t.Fatal("expected now-empty subdirectory to be pruned")
	}
}

func TestDeleteArchivedSkipsAlreadyMissingFile(t *testing.T) {
	mock := fsadapter.NewMock()
	mock.MkdirAll("/live/SavedClips", 0o755)

	driver := NewDriver(mock, NewMockBackend(mock), allEnabled())
	result := &Result{
		Manifest: map[Directory][]ManifestEntry{
			SavedClips: {{RelPath: "gone.mp4", Size: 1000}},
		},
	}

	deleted, skipped, err := driver.DeleteArchived(result, "/live")
	if err != nil {
		t.Fatalf("DeleteArchived: %v", err)
	}
	if deleted != 0 || skipped != 1 {
		t.Fatalf("expected 0 deleted, 1 skipped; got deleted=%d skipped=%d", deleted, skipped)
	}
}

// A non-NotFound stat failure (e.g. a permission error) must be skipped
// and logged like every other per-file I/O error, never abort the pass.
func TestDeleteArchivedSkipsOnStatError(t *testing.T) {
	mock := fsadapter.NewMock()
	mock.MkdirAll("/live/SavedClips", 0o755)
	mock.WriteFile("/live/SavedClips/front.mp4", make([]byte, 1000), 0o644)
	mock.WriteFile("/live/SavedClips/back.mp4", make([]byte, 1000), 0o644)
	mock.InjectError("stat", "/live/SavedClips/front.mp4", fs.ErrPermission)

	driver := NewDriver(mock, NewMockBackend(mock), allEnabled())
	result := &Result{
		Manifest: map[Directory][]ManifestEntry{
			SavedClips: {
				{RelPath: "front.mp4", Size: 1000},
				{RelPath: "back.mp4", Size: 1000},
			},
		},
	}

	deleted, skipped, err := driver.DeleteArchived(result, "/live")
	if err != nil {
		t.Fatalf("DeleteArchived: %v", err)
	}
	if deleted != 1 || skipped != 1 {
		t.Fatalf("expected the stat failure to skip only its own entry (deleted=1, skipped=1); got deleted=%d skipped=%d", deleted, skipped)
	}
	if _, statErr := mock.Stat("/live/SavedClips/back.mp4"); !fsadapter.IsNotFound(statErr) {
		t.Fatal("expected the unaffected entry to still be deleted")
	}
}

// A remove failure on one entry must not prevent the rest of the manifest
// (across directories) from being processed.
func TestDeleteArchivedSkipsOnRemoveError(t *testing.T) {
	mock := fsadapter.NewMock()
	mock.MkdirAll("/live/SavedClips", 0o755)
	mock.MkdirAll("/live/SentryClips", 0o755)
	mock.WriteFile("/live/SavedClips/front.mp4", make([]byte, 1000), 0o644)
	mock.WriteFile("/live/SentryClips/event.mp4", make([]byte, 1000), 0o644)
	mock.InjectError("remove", "/live/SavedClips/front.mp4", fs.ErrPermission)

	driver := NewDriver(mock, NewMockBackend(mock), allEnabled())
	result := &Result{
		Manifest: map[Directory][]ManifestEntry{
			SavedClips:  {{RelPath: "front.mp4", Size: 1000}},
			SentryClips: {{RelPath: "event.mp4", Size: 1000}},
		},
	}

	deleted, skipped, err := driver.DeleteArchived(result, "/live")
	if err != nil {
		t.Fatalf("DeleteArchived: %v", err)
	}
	if deleted != 1 || skipped != 1 {
		t.Fatalf("expected the remove failure to skip only its own entry (deleted=1, skipped=1); got deleted=%d skipped=%d", deleted, skipped)
	}
	if _, statErr := mock.Stat("/live/SavedClips/front.mp4"); statErr != nil {
		t.Fatal("expected the file whose remove failed to still exist")
	}
	if _, statErr := mock.Stat("/live/SentryClips/event.mp4"); !fsadapter.IsNotFound(statErr) {
		t.Fatal("expected the unaffected directory's entry to still be deleted")
	}
}
