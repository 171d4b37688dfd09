package snapshot

import (
	"errors"
	"testing"

	"github.com/ben-z/teslausb-ng/internal/fsadapter"
)

func newTestStore(t *testing.T) (*Store, *fsadapter.Mock) {
	t.Helper()
	mock := fsadapter.NewMock()
	if err := mock.WriteFile("/live.bin", []byte("live-image-bytes"), 0o644); err != nil {
		t.Fatalf("seed live image: %v", err)
	}
	store, err := NewStore(mock, "/snapshots", "/live.bin")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, mock
}

func TestCreateWritesMarkerAndRegistersSnapshot(t *testing.T) {
	store, mock := newTestStore(t)

	snap, err := store.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if snap.ID != 0 {
		t.Fatalf("expected first snapshot id 0, got %d", snap.ID)
	}
	if _, err := mock.Stat(snap.MarkerPath()); err != nil {
		t.Fatalf("expected completion marker to exist: %v", err)
	}
	if _, err := mock.Stat(snap.ImagePath()); err != nil {
		t.Fatalf("expected reflinked image to exist: %v", err)
	}

	list := store.List()
	if len(list) != 1 || list[0].ID != 0 {
		t.Fatalf("expected single registered snapshot with id 0, got %+v", list)
	}
}

func TestCreateFailsWhileCreating(t *testing.T) {
	store, _ := newTestStore(t)
	store.mu.Lock()
	store.creating = true
	store.mu.Unlock()

	_, err := store.Create()
	if !errors.Is(err, ErrCreateInProgress) {
		t.Fatalf("expected ErrCreateInProgress, got %v", err)
	}
}

func TestReflinkUnsupportedAbortsCreateAndCleansUp(t *testing.T) {
	store, mock := newTestStore(t)
	mock.SetReflinkSupported(false)

	_, err := store.Create()
	if err == nil {
		t.Fatal("expected Create to fail when reflinks are unsupported")
	}
	if !errors.Is(err, fsadapter.ErrReflinkUnsupported) {
		t.Fatalf("expected ErrReflinkUnsupported, got %v", err)
	}
	if _, statErr := mock.Stat("/snapshots/snap-000000"); !fsadapter.IsNotFound(statErr) {
		t.Fatal("expected partial snapshot directory to be cleaned up")
	}
}

// Scenario seed 1: power cut mid-create.
func TestPowerCutMidCreateSweptOnLoad(t *testing.T) {
	mock := fsadapter.NewMock()
	mock.WriteFile("/live.bin", []byte("live"), 0o644)
	mock.MkdirAll("/snapshots/snap-000003", 0o755)
	mock.WriteFile("/snapshots/snap-000003/snap.bin", []byte("partial"), 0o644)
	mock.WriteFile("/snapshots/snap-000003/metadata.json", []byte(`{"id":3}`), 0o644)
	// no snap.toc: this directory never finished creating.

	store, err := NewStore(mock, "/snapshots", "/live.bin")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if _, statErr := mock.Stat("/snapshots/snap-000003"); !fsadapter.IsNotFound(statErr) {
		t.Fatal("expected markerless directory to be removed on load")
	}

	snap, err := store.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if snap.ID != 3 {
		t.Fatalf("expected next id 3 after sweeping snap-000003, got %d", snap.ID)
	}
}

// Scenario seed 2: power cut mid-delete looks identical to mid-create on
// disk (marker already removed) and is swept the same way.
func TestPowerCutMidDeleteSweptOnLoad(t *testing.T) {
	mock := fsadapter.NewMock()
	mock.WriteFile("/live.bin", []byte("live"), 0o644)
	mock.MkdirAll("/snapshots/snap-000007", 0o755)
	mock.WriteFile("/snapshots/snap-000007/snap.bin", []byte("partial"), 0o644)
	mock.WriteFile("/snapshots/snap-000007/metadata.json", []byte(`{"id":7}`), 0o644)

	store, err := NewStore(mock, "/snapshots", "/live.bin")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, statErr := mock.Stat("/snapshots/snap-000007"); !fsadapter.IsNotFound(statErr) {
		t.Fatal("expected markerless directory to be removed on load")
	}
	snap, err := store.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if snap.ID != 8 {
		t.Fatalf("expected next id 8, got %d", snap.ID)
	}
}

// Scenario seed 3: refcount race.
func TestRefcountRaceBlocksDeleteUntilAllReleased(t *testing.T) {
	store, _ := newTestStore(t)
	snap, err := store.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	h1, err := store.Acquire(snap.ID)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	h2, err := store.Acquire(snap.ID)
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}

	h1.Release()

	if err := store.Delete(snap.ID); !errors.Is(err, ErrInUse) {
		t.Fatalf("expected ErrInUse with one handle still held, got %v", err)
	}

	h2.Release()

	if err := store.Delete(snap.ID); err != nil {
		t.Fatalf("expected delete to succeed once all handles released: %v", err)
	}
}

func TestDoubleReleaseIsNoOp(t *testing.T) {
	store, _ := newTestStore(t)
	snap, _ := store.Create()
	h, err := store.Acquire(snap.ID)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Release()
	h.Release() // must not go negative or panic

	if err := store.Delete(snap.ID); err != nil {
		t.Fatalf("expected delete to succeed, got %v", err)
	}
}

func TestDeleteRemovesSnapshotDirectory(t *testing.T) {
	store, mock := newTestStore(t)
	snap, _ := store.Create()

	if err := store.Delete(snap.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := mock.Stat(snap.Dir); !fsadapter.IsNotFound(err) {
		t.Fatal("expected snapshot directory to be gone after delete")
	}
}

func TestDeleteOldestDeletableReturnsFalseWhenEmpty(t *testing.T) {
	store, _ := newTestStore(t)
	deleted, err := store.DeleteOldestDeletable()
	if err != nil {
		t.Fatalf("DeleteOldestDeletable: %v", err)
	}
	if deleted {
		t.Fatal("expected no deletable snapshot in an empty store")
	}
}

func TestDeleteOldestDeletableSkipsInUseSnapshots(t *testing.T) {
	store, _ := newTestStore(t)
	snap, _ := store.Create()
	h, err := store.Acquire(snap.ID)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h.Release()

	deleted, err := store.DeleteOldestDeletable()
	if err != nil {
		t.Fatalf("DeleteOldestDeletable: %v", err)
	}
	if deleted {
		t.Fatal("expected the in-use snapshot not to be deleted")
	}
}

func TestCreateLoadRoundTripPreservesMetadataAndResetsRefcount(t *testing.T) {
	mock := fsadapter.NewMock()
	mock.WriteFile("/live.bin", []byte("live"), 0o644)
	store1, err := NewStore(mock, "/snapshots", "/live.bin")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	snap, err := store1.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	store2, err := NewStore(mock, "/snapshots", "/live.bin")
	if err != nil {
		t.Fatalf("NewStore (reload): %v", err)
	}
	list := store2.List()
	if len(list) != 1 {
		t.Fatalf("expected 1 reloaded snapshot, got %d", len(list))
	}
	if list[0].ID != snap.ID || list[0].Dir != snap.Dir {
		t.Fatalf("reloaded snapshot mismatch: got %+v, want id=%d dir=%s", list[0], snap.ID, snap.Dir)
	}
	if !list[0].CreatedAt.Equal(snap.CreatedAt) {
		t.Fatalf("expected CreatedAt to survive reload: got %v, want %v", list[0].CreatedAt, snap.CreatedAt)
	}
}
