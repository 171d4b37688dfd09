package backoff

import (
	"testing"
	"time"
)

func TestSequenceDoubles(t *testing.T) {
	s := New(5*time.Second, 300*time.Second)
	want := []time.Duration{5, 10, 20, 40, 80, 160, 300, 300}
	for i, w := range want {
		got := s.Next()
		if got != w*time.Second {
			t.Fatalf("step %d: got %v, want %v", i, got, w*time.Second)
		}
	}
}

func TestSequenceResetRestartsAtBase(t *testing.T) {
	s := New(5*time.Second, 300*time.Second)
	s.Next()
	s.Next()
	s.Reset()
	if got := s.Next(); got != 5*time.Second {
		t.Fatalf("after reset, got %v, want 5s", got)
	}
}

func TestIdleBackoffScenario(t *testing.T) {
	// Scenario seed 5: file counts [0, 0, 0, 5] with base 5s, max 300s
	// yields sleep intervals [5, 10, 20, 5].
	s := New(5*time.Second, 300*time.Second)
	fileCounts := []int{0, 0, 0, 5}
	want := []time.Duration{5, 10, 20, 5}
	for i, files := range fileCounts {
		if files > 0 {
			s.Reset()
		}
		got := s.Next()
		if got != want[i]*time.Second {
			t.Fatalf("cycle %d: got %v, want %v", i, got, want[i]*time.Second)
		}
	}
}

func TestSequenceMonotonicNonDecreasingCapped(t *testing.T) {
	s := New(3*time.Second, 17*time.Second)
	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		got := s.Next()
		if got < prev {
			t.Fatalf("step %d: backoff decreased: %v < %v", i, got, prev)
		}
		if got > 17*time.Second {
			t.Fatalf("step %d: backoff exceeded max: %v", i, got)
		}
		prev = got
	}
}
