package fsadapter

import (
	"errors"
	"testing"
)

func TestMockWriteReadRoundTrip(t *testing.T) {
	m := NewMock()
	if err := m.MkdirAll("/snapshots", 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := m.WriteFile("/snapshots/a.txt", []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := m.ReadFile("/snapshots/a.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q, want %q", data, "hello")
	}
}

func TestMockStatNotFound(t *testing.T) {
	m := NewMock()
	_, err := m.Stat("/nope")
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestMockReflinkCopyFailsWhenUnsupported(t *testing.T) {
	m := NewMock()
	m.WriteFile("/live.bin", []byte("blockdata"), 0o644)
	m.SetReflinkSupported(false)

	err := m.ReflinkCopy("/live.bin", "/snap.bin")
	if err == nil {
		t.Fatal("expected reflink copy to fail")
	}
	if !errors.Is(err, ErrReflinkUnsupported) {
		t.Fatalf("expected ErrReflinkUnsupported, got %v", err)
	}
	if _, statErr := m.Stat("/snap.bin"); !IsNotFound(statErr) {
		t.Fatal("expected no partial clone to exist after a failed reflink")
	}
}

func TestMockReflinkCopySucceeds(t *testing.T) {
	m := NewMock()
	m.WriteFile("/live.bin", []byte("blockdata"), 0o644)
	if err := m.ReflinkCopy("/live.bin", "/snap.bin"); err != nil {
		t.Fatalf("ReflinkCopy: %v", err)
	}
	data, err := m.ReadFile("/snap.bin")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "blockdata" {
		t.Fatalf("got %q, want %q", data, "blockdata")
	}
}

func TestMockListDirExcludesDescendants(t *testing.T) {
	m := NewMock()
	m.MkdirAll("/a/b", 0o755)
	m.WriteFile("/a/x.txt", []byte("1"), 0o644)
	m.WriteFile("/a/b/y.txt", []byte("2"), 0o644)

	entries, err := m.ListDir("/a")
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 direct entries, got %d: %+v", len(entries), entries)
	}
}

func TestMockSpaceInfoReflectsConfiguredValues(t *testing.T) {
	m := NewMock()
	m.SetTotalSpace(1000)
	m.SetFreeSpace(400)

	info, err := m.StatVFS("/")
	if err != nil {
		t.Fatalf("StatVFS: %v", err)
	}
	if info.TotalBytes != 1000 || info.AvailableBytes != 400 || info.UsedBytes != 600 {
		t.Fatalf("unexpected space info: %+v", info)
	}
}
