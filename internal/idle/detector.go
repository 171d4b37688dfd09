// Package idle watches the kernel's mass-storage write-byte counter to
// tell the coordinator when the car has stopped recording (§4.6).
package idle

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ben-z/teslausb-ng/internal/logging"
)

// Tuning constants from the reference implementation's state machine.
const (
	WriteThreshold = 500_000 // bytes/sec
	QuietConfirm   = 5       // consecutive quiet samples before declaring idle
	DefaultTimeout = 90 * time.Second
	samplePeriod   = time.Second
)

type state int

const (
	stateUndetermined state = iota
	stateWriting
	stateIdle
)

// Status is a snapshot of the detector's internal state, exposed for
// diagnostics and tests.
type Status struct {
	State        string
	BytesWritten int64
	BurstSize    int64
	QuietSamples int
}

func (s state) String() string {
	switch s {
	case stateWriting:
		return "writing"
	case stateIdle:
		return "idle"
	default:
		return "undetermined"
	}
}

var writeBytesRE = regexp.MustCompile(`write_bytes:\s*(\d+)`)

// Detector is a Protocol-equivalent interface so the coordinator can
// depend on either ProcDetector or a test double.
type Detector interface {
	// WaitForIdle blocks (subject to ctx cancellation) until the process
	// named at construction has been quiet for QuietConfirm samples, the
	// process is not running, or timeout elapses. Returns false only on
	// timeout or context cancellation.
	WaitForIdle(ctx context.Context, timeout time.Duration) bool
	Status() Status
}

// ProcDetector inspects /proc/<pid>/io for a named process (the kernel's
// USB mass-storage gadget driver, typically "file-storage").
type ProcDetector struct {
	procPath    string
	processName string
	log         *logging.Logger

	state        state
	prevWritten  int64
	burstSize    int64
	quietSamples int
}

var _ Detector = (*ProcDetector)(nil)

// NewProcDetector returns a detector that polls procPath (normally
// "/proc") for processName.
func NewProcDetector(procPath, processName string) *ProcDetector {
	return &ProcDetector{
		procPath:    procPath,
		processName: processName,
		log:         logging.New("idle"),
	}
}

func (d *ProcDetector) findProcessPID() (int, bool) {
	entries, err := os.ReadDir(d.procPath)
	if err != nil {
		return 0, false
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join(d.procPath, entry.Name(), "comm"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(comm)) == d.processName {
			return pid, true
		}
	}
	return 0, false
}

func (d *ProcDetector) writeBytes(pid int) (int64, bool) {
	data, err := os.ReadFile(filepath.Join(d.procPath, strconv.Itoa(pid), "io"))
	if err != nil {
		return 0, false
	}
	m := writeBytesRE.FindSubmatch(data)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// WaitForIdle resets the state machine and samples once per second until
// idle is confirmed, the process disappears, the context is cancelled, or
// timeout elapses. UNDETERMINED and IDLE share transition logic
// deliberately: both can reach the quiet-confirmation path directly,
// without first passing through WRITING — a car that never writes during
// this cycle must not pay the full timeout.
func (d *ProcDetector) WaitForIdle(ctx context.Context, timeout time.Duration) bool {
	d.state = stateUndetermined
	d.prevWritten = -1
	d.burstSize = 0
	d.quietSamples = 0

	d.log.Printf("waiting up to %s for idle", timeout)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(samplePeriod)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			d.log.Printf("shutdown requested, aborting idle wait")
			return false
		case <-ticker.C:
		}

		pid, found := d.findProcessPID()
		if !found {
			d.log.Printf("mass storage process %q not active, OK to proceed", d.processName)
			d.state = stateIdle
			return true
		}

		written, ok := d.writeBytes(pid)
		if !ok {
			continue
		}

		if d.prevWritten < 0 {
			d.prevWritten = written
			continue
		}

		delta := written - d.prevWritten
		d.prevWritten = written

		if d.state == stateWriting {
			if delta < WriteThreshold {
				d.log.Printf("no longer writing, wrote %d bytes", d.burstSize)
				d.state = stateIdle
				d.burstSize = 0
				d.quietSamples = 0
			} else {
				d.burstSize += delta
			}
			continue
		}

		if delta > WriteThreshold {
			d.log.Printf("write in progress")
			d.state = stateWriting
			d.burstSize = delta
			d.quietSamples = 0
			continue
		}

		d.quietSamples++
		if d.quietSamples >= QuietConfirm {
			d.log.Printf("no writes seen in the last %d seconds", QuietConfirm)
			d.state = stateIdle
			return true
		}
	}

	d.log.Printf("couldn't determine idle interval within %s", timeout)
	return false
}

// Status returns the detector's last observed state, for diagnostics.
func (d *ProcDetector) Status() Status {
	written := d.prevWritten
	if written < 0 {
		written = 0
	}
	return Status{
		State:        d.state.String(),
		BytesWritten: written,
		BurstSize:    d.burstSize,
		QuietSamples: d.quietSamples,
	}
}

// MockDetector is a test double that returns a fixed verdict, optionally
// after a simulated delay (bounded by the call's timeout like the real
// detector bounds its wait).
type MockDetector struct {
	AlwaysIdle  bool
	WaitSeconds time.Duration
	waitCount   int
}

var _ Detector = (*MockDetector)(nil)

func (m *MockDetector) WaitForIdle(ctx context.Context, timeout time.Duration) bool {
	m.waitCount++
	wait := m.WaitSeconds
	if wait > timeout {
		wait = timeout
	}
	if wait > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
	return m.AlwaysIdle
}

func (m *MockDetector) Status() Status {
	s := stateWriting
	if m.AlwaysIdle {
		s = stateIdle
	}
	return Status{State: s.String()}
}

func (m *MockDetector) WaitCount() int { return m.waitCount }
