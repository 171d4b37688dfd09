package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/ben-z/teslausb-ng/internal/archive"
	"github.com/ben-z/teslausb-ng/internal/backoff"
	"github.com/ben-z/teslausb-ng/internal/fsadapter"
	"github.com/ben-z/teslausb-ng/internal/gadget"
	"github.com/ben-z/teslausb-ng/internal/snapshot"
)

// fakeMounter never touches a loop device: Mount returns srcPath itself
// as the mount point, since the mock filesystem has no concept of block
// devices.
type fakeMounter struct {
	repairCalls int
	mountCalls  []string
}

func (f *fakeMounter) Mount(_ context.Context, imagePath string, _ bool) (string, func(), error) {
	f.mountCalls = append(f.mountCalls, imagePath)
	return imagePath, func() {}, nil
}

func (f *fakeMounter) Repair(_ context.Context, _ string) error {
	f.repairCalls++
	return nil
}

func newTestStore(t *testing.T) (*snapshot.Store, fsadapter.Filesystem) {
	t.Helper()
	fs := fsadapter.NewMock()
	if err := fs.WriteFile("/live/disk.bin", []byte("live-image-bytes"), 0o644); err != nil {
		t.Fatalf("seed live image: %v", err)
	}
	store, err := snapshot.NewStore(fs, "/snapshots", "/live/disk.bin")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, fs
}

func TestEagerPurgeLogsNothingWithNoStragglers(t *testing.T) {
	store, fs := newTestStore(t)
	driver := archive.NewDriver(fs, archive.NewMockBackend(fs), nil)
	c := New(fs, store, driver, archive.NewMockBackend(fs), nil, nil, nil, &fakeMounter{}, Config{})

	if err := c.eagerPurge(); err != nil {
		t.Fatalf("eagerPurge: %v", err)
	}
}

func TestEagerPurgeDeletesDeletableStragglers(t *testing.T) {
	store, fs := newTestStore(t)
	if _, err := store.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Create(); err != nil {
		t.Fatalf("Create second: %v", err)
	}

	driver := archive.NewDriver(fs, archive.NewMockBackend(fs), nil)
	c := New(fs, store, driver, archive.NewMockBackend(fs), nil, nil, nil, &fakeMounter{}, Config{})

	if err := c.eagerPurge(); err != nil {
		t.Fatalf("eagerPurge: %v", err)
	}
	if len(store.List()) != 0 {
		t.Fatalf("expected eager purge to remove both refcount-zero snapshots, got %d remaining", len(store.List()))
	}
}

// TestIdleBackoffSequenceMatchesFileCountPattern exercises seed 5: cycles
// reporting file counts [0,0,0,5] with base=5s, max=300s yield backoff
// intervals [5,10,20,5] (the fourth resets because files moved).
func TestIdleBackoffSequenceMatchesFileCountPattern(t *testing.T) {
	b := backoff.New(5*time.Second, 300*time.Second)
	fileCounts := []int{0, 0, 0, 5}
	var intervals []time.Duration

	for _, files := range fileCounts {
		if files > 0 {
			b.Reset()
		}
		intervals = append(intervals, b.Next())
	}

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 5 * time.Second}
	for i := range want {
		if intervals[i] != want[i] {
			t.Fatalf("interval %d: got %v, want %v", i, intervals[i], want[i])
		}
	}
}

// TestGadgetExclusionSkipsDeleteWhenDisableDoesNotTakeEffect exercises
// seed 6: a mock gadget that silently ignores disable() but still reports
// is_enabled()==true must block the delete phase entirely.
func TestGadgetExclusionSkipsDeleteWhenDisableDoesNotTakeEffect(t *testing.T) {
	store, fs := newTestStore(t)
	if err := fs.WriteFile("/snapshots/mnt/SavedClips/front.mp4", []byte("1234"), 0o644); err != nil {
		t.Fatalf("seed manifest source: %v", err)
	}

	result := &archive.Result{
		SnapshotID: 1,
		State:      archive.StateCompleted,
		Manifest: map[archive.Directory][]archive.ManifestEntry{
			archive.SavedClips: {{RelPath: "front.mp4", Size: 4}},
		},
	}

	mockGadget := &gadget.Mock{SilentDisableFailure: true}
	mockGadget.ForceEnabled(true)

	driver := archive.NewDriver(fs, archive.NewMockBackend(fs), nil)
	mounter := &fakeMounter{}
	c := New(fs, store, driver, archive.NewMockBackend(fs), nil, nil, mockGadget, mounter, Config{LiveImagePath: "/live/disk.bin"})

	c.gadgetExclusionDelete(context.Background(), result, "")

	if len(mounter.mountCalls) != 0 {
		t.Fatalf("expected no mount calls when gadget disable does not take effect, got %v", mounter.mountCalls)
	}
	if !mockGadget.IsEnabled() {
		t.Fatalf("expected gadget to remain enabled")
	}
	if mockGadget.DisableCount != 0 {
		t.Fatalf("expected disable to silently fail without incrementing DisableCount, got %d", mockGadget.DisableCount)
	}
	if mockGadget.EnableCount != 0 {
		t.Fatalf("expected no re-enable call, since the was_enabled branch for successful disable was never entered")
	}
}

func TestGadgetExclusionDeletesAndReEnablesOnSuccess(t *testing.T) {
	store, fs := newTestStore(t)
	if err := fs.WriteFile("/live/mnt/SavedClips/front.mp4", []byte("1234"), 0o644); err != nil {
		t.Fatalf("seed live file: %v", err)
	}

	result := &archive.Result{
		SnapshotID: 1,
		State:      archive.StateCompleted,
		Manifest: map[archive.Directory][]archive.ManifestEntry{
			archive.SavedClips: {{RelPath: "front.mp4", Size: 4}},
		},
	}

	mockGadget := &gadget.Mock{}
	if err := mockGadget.Setup(map[int]gadget.Lun{0: {DiskPath: "/live/mnt"}}); err != nil {
		t.Fatalf("gadget Setup: %v", err)
	}
	mockGadget.ForceEnabled(true)

	driver := archive.NewDriver(fs, archive.NewMockBackend(fs), nil)
	mounter := &fakeMounter{}
	c := New(fs, store, driver, archive.NewMockBackend(fs), nil, nil, mockGadget, mounter, Config{LiveImagePath: "/live/mnt"})

	c.gadgetExclusionDelete(context.Background(), result, "")

	if len(mounter.mountCalls) != 1 {
		t.Fatalf("expected exactly one mount call, got %v", mounter.mountCalls)
	}
	if mounter.repairCalls != 1 {
		t.Fatalf("expected exactly one repair call, got %d", mounter.repairCalls)
	}
	if !mockGadget.IsEnabled() {
		t.Fatalf("expected gadget re-enabled after successful delete phase")
	}
	if mockGadget.EnableCount != 1 {
		t.Fatalf("expected exactly one re-enable call, got %d", mockGadget.EnableCount)
	}
	if _, err := fs.Stat("/live/mnt/SavedClips/front.mp4"); err == nil {
		t.Fatalf("expected archived file to be deleted from the live image")
	}
}

// TestRunStopsPromptlyOnContextCancellation exercises property 11:
// shutdown mid-backoff returns promptly rather than waiting out the full
// interval.
func TestRunStopsPromptlyOnContextCancellation(t *testing.T) {
	store, fs := newTestStore(t)
	driver := archive.NewDriver(fs, archive.NewMockBackend(fs), nil)
	unreachable := archive.NewMockBackend(fs)
	unreachable.Reachable = false

	c := New(fs, store, driver, unreachable, nil, nil, nil, &fakeMounter{}, Config{
		PollBase: time.Hour,
		PollMax:  time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, false) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop promptly after context cancellation")
	}
}
