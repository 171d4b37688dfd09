// Package coordinator drives the main archive loop: wait for
// reachability, wait for idle, snapshot, archive, and reclaim space on
// the live image under a USB-gadget exclusion window (§4.7).
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ben-z/teslausb-ng/internal/archive"
	"github.com/ben-z/teslausb-ng/internal/archive/manifeststore"
	"github.com/ben-z/teslausb-ng/internal/backoff"
	"github.com/ben-z/teslausb-ng/internal/fsadapter"
	"github.com/ben-z/teslausb-ng/internal/gadget"
	"github.com/ben-z/teslausb-ng/internal/idle"
	"github.com/ben-z/teslausb-ng/internal/logging"
	"github.com/ben-z/teslausb-ng/internal/metrics"
	"github.com/ben-z/teslausb-ng/internal/snapshot"
	"github.com/ben-z/teslausb-ng/internal/space"
)

// State is the coordinator's top-level state.
type State string

const (
	StateStarting           State = "STARTING"
	StateWaitingForArchive  State = "WAITING_FOR_ARCHIVE"
	StateArchiving          State = "ARCHIVING"
	StateStopped            State = "STOPPED"
	StateError              State = "ERROR"
)

const cycleFailureBackoff = 30 * time.Second

// Mounter abstracts loop-device mounting so tests can substitute a no-op
// implementation; the real implementation is internal/mount.
type Mounter interface {
	Mount(ctx context.Context, imagePath string, readonly bool) (path string, closeFn func(), err error)
	Repair(ctx context.Context, imagePath string) error
}

// Config collects the coordinator's tunables, independent of where they
// came from (internal/config.Config or a test literal).
type Config struct {
	LiveImagePath      string
	IdleTimeout        time.Duration
	PollBase           time.Duration
	PollMax            time.Duration
	CorrelationIDs     bool
	WaitForIdle        bool
	GadgetEnabled      bool

	// ManifestArchiveDir, if non-empty, makes runCycle persist every
	// cycle's manifest and metadata off-box via manifeststore.Save —
	// diagnostics can then reload a specific cycle's result with
	// manifeststore.Load without depending on the live log stream.
	ManifestArchiveDir string
}

// Coordinator owns one archive loop over a snapshot store, archive
// driver, gadget, and idle detector.
type Coordinator struct {
	fs      fsadapter.Filesystem
	store   *snapshot.Store
	driver  *archive.Driver
	backend archive.Backend
	sizer   *space.Sizer
	idleDet idle.Detector
	gw      gadget.Gadget
	mounter Mounter
	cfg     Config
	log     *logging.Logger

	state         State
	archiveCount  int
	errorCount    int
}

// New builds a Coordinator from its fully-constructed dependencies.
// idleDet and gw may be nil to disable idle waiting and the gadget
// exclusion window respectively.
func New(
	fs fsadapter.Filesystem,
	store *snapshot.Store,
	driver *archive.Driver,
	backend archive.Backend,
	sizer *space.Sizer,
	idleDet idle.Detector,
	gw gadget.Gadget,
	mounter Mounter,
	cfg Config,
) *Coordinator {
	return &Coordinator{
		fs:      fs,
		store:   store,
		driver:  driver,
		backend: backend,
		sizer:   sizer,
		idleDet: idleDet,
		gw:      gw,
		mounter: mounter,
		cfg:     cfg,
		log:     logging.New("coordinator"),
		state:   StateStarting,
	}
}

// State returns the coordinator's current top-level state.
func (c *Coordinator) State() State { return c.state }

func (c *Coordinator) setState(s State) {
	if c.state != s {
		c.log.Printf("state: %s -> %s", c.state, s)
	}
	c.state = s
}

// startupSelfCheck logs an error if the live image already exceeds half
// the backing volume's total bytes — the sizer's guarantee assumes it
// never does.
func (c *Coordinator) startupSelfCheck() {
	if c.sizer == nil || c.cfg.LiveImagePath == "" {
		return
	}
	info, err := c.fs.Stat(c.cfg.LiveImagePath)
	if err != nil {
		c.log.Printf("startup self-check: could not stat live image %s: %v", c.cfg.LiveImagePath, err)
		return
	}
	spaceInfo, err := c.sizer.SpaceInfo()
	if err != nil {
		c.log.Printf("startup self-check: could not stat backing volume: %v", err)
		return
	}
	metrics.BackingSpaceAvailableBytes.Set(float64(spaceInfo.AvailableBytes))
	if spaceInfo.TotalBytes > 0 && uint64(info.Size)*2 > spaceInfo.TotalBytes {
		c.log.Printf("startup self-check FAILED: live image %s (%d bytes) exceeds half of backing volume (%d bytes); the space invariant is violated", c.cfg.LiveImagePath, info.Size, spaceInfo.TotalBytes)
	}
}

// Run executes the main loop until ctx is cancelled. once, if true, runs a
// single archive cycle (after one reachability wait) and returns instead
// of looping forever — used by "teslausbd --once".
func (c *Coordinator) Run(ctx context.Context, once bool) error {
	c.setState(StateStarting)
	c.startupSelfCheck()

	reachBackoff := backoff.New(c.cfg.PollBase, c.cfg.PollMax)
	idleBackoff := backoff.New(c.cfg.PollBase, c.cfg.PollMax)

	for {
		if ctx.Err() != nil {
			c.setState(StateStopped)
			return nil
		}

		if !c.waitForReachable(ctx, reachBackoff) {
			c.setState(StateStopped)
			return nil
		}

		c.setState(StateArchiving)
		result, err := c.runCycle(ctx)
		if err != nil {
			c.errorCount++
			c.log.Printf("archive cycle failed: %v", err)
			if once {
				c.setState(StateStopped)
				return nil
			}
			if !c.sleep(ctx, cycleFailureBackoff) {
				c.setState(StateStopped)
				return nil
			}
			continue
		}

		c.archiveCount++
		metrics.ArchiveCyclesTotal.WithLabelValues(string(result.State)).Inc()

		if once {
			c.setState(StateStopped)
			return nil
		}

		if result.State == archive.StateCompleted && result.Files == 0 {
			interval := idleBackoff.Next()
			c.log.Printf("cycle transferred no files, idle backoff %s", interval)
			if !c.sleep(ctx, interval) {
				c.setState(StateStopped)
				return nil
			}
		} else {
			idleBackoff.Reset()
			if !c.sleep(ctx, idleBackoff.Next()) {
				c.setState(StateStopped)
				return nil
			}
		}
	}
}

func (c *Coordinator) waitForReachable(ctx context.Context, b *backoff.Sequence) bool {
	c.setState(StateWaitingForArchive)
	b.Reset()
	for {
		if c.backend.IsReachable(ctx) {
			return true
		}
		if !c.sleep(ctx, b.Next()) {
			return false
		}
	}
}

// sleep waits for d or ctx cancellation, returning false on cancellation.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// runCycle performs one archive cycle: eager purge, idle wait, snapshot,
// mount, archive, unmount, gadget-exclusion delete window, release,
// delete.
func (c *Coordinator) runCycle(ctx context.Context) (*archive.Result, error) {
	correlationID := ""
	if c.cfg.CorrelationIDs {
		correlationID = uuid.NewString()
	}
	logPrefix := ""
	if correlationID != "" {
		logPrefix = "[" + correlationID + "] "
	}

	if err := c.eagerPurge(); err != nil {
		c.log.Printf("%seager purge encountered an error: %v", logPrefix, err)
	}

	if c.cfg.WaitForIdle && c.idleDet != nil {
		start := time.Now()
		if !c.idleDet.WaitForIdle(ctx, c.cfg.IdleTimeout) {
			c.log.Printf("%stimeout waiting for idle, proceeding anyway", logPrefix)
		}
		metrics.IdleWaitSeconds.Observe(time.Since(start).Seconds())
	}

	snap, err := c.store.Create()
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	metrics.SnapshotActive.Set(1)

	handle, err := c.store.Acquire(snap.ID)
	if err != nil {
		return nil, fmt.Errorf("acquire snapshot %d: %w", snap.ID, err)
	}
	defer handle.Release()

	mountPath, closeMount, err := c.mounter.Mount(ctx, snap.ImagePath(), true)
	if err != nil {
		return nil, fmt.Errorf("mount snapshot %d: %w", snap.ID, err)
	}

	result := c.driver.Archive(ctx, snap.ID, mountPath)
	closeMount()

	for dir, entries := range result.Manifest {
		bytes := int64(0)
		for _, e := range entries {
			bytes += e.Size
		}
		metrics.ArchiveFilesTotal.WithLabelValues(string(dir)).Add(float64(len(entries)))
		metrics.ArchiveBytesTotal.WithLabelValues(string(dir)).Add(float64(bytes))
	}

	if c.cfg.ManifestArchiveDir != "" {
		if path, err := manifeststore.Save(result, c.cfg.ManifestArchiveDir); err != nil {
			c.log.Printf("%sfailed to archive cycle manifest: %v", logPrefix, err)
		} else {
			c.log.Printf("%scycle manifest archived to %s", logPrefix, path)
		}
	}

	if result.TotalManifestEntries() > 0 && c.cfg.LiveImagePath != "" && c.cfg.GadgetEnabled {
		c.gadgetExclusionDelete(ctx, result, logPrefix)
	}

	handle.Release()
	if err := c.store.Delete(snap.ID); err != nil {
		c.log.Printf("%sfailed to delete snapshot %d after cycle, next cycle's eager purge will retry: %v", logPrefix, snap.ID, err)
	} else {
		metrics.SnapshotActive.Set(0)
	}

	return result, nil
}

// eagerPurge removes refcount-zero stragglers at the start of a cycle.
// Zero is normal; one logs a warning; two or more logs an error.
func (c *Coordinator) eagerPurge() error {
	count := 0
	for {
		deleted, err := c.store.DeleteOldestDeletable()
		if err != nil {
			return err
		}
		if !deleted {
			break
		}
		count++
	}
	switch {
	case count == 1:
		c.log.Printf("eager purge removed 1 stale snapshot, likely unclean shutdown")
	case count > 1:
		c.log.Printf("eager purge removed %d stale snapshots; more than one is a bug or one-time upgrade path", count)
	}
	return nil
}

// gadgetExclusionDelete disables the gadget (verifying the disable
// actually took effect), repairs and mounts the live image read-write to
// reclaim archived files, then re-enables the gadget if it was previously
// enabled. If the disable cannot be verified, the delete phase is skipped
// entirely and the gadget is left untouched.
func (c *Coordinator) gadgetExclusionDelete(ctx context.Context, result *archive.Result, logPrefix string) {
	if c.gw == nil {
		return
	}

	wasEnabled := c.gw.IsEnabled()
	if wasEnabled {
		c.gw.Disable()
	}

	if c.gw.IsEnabled() {
		c.log.Printf("%sgadget disable did not take effect, skipping delete phase to avoid corrupting the live filesystem", logPrefix)
		return
	}

	defer func() {
		if wasEnabled {
			if err := c.gw.Enable(); err != nil {
				c.log.Printf("%sfailed to re-enable gadget after delete phase: %v", logPrefix, err)
			}
		}
	}()

	if err := c.mounter.Repair(ctx, c.cfg.LiveImagePath); err != nil {
		c.log.Printf("%slive image repair failed, proceeding anyway: %v", logPrefix, err)
	}

	mountPath, closeMount, err := c.mounter.Mount(ctx, c.cfg.LiveImagePath, false)
	if err != nil {
		c.log.Printf("%sfailed to mount live image read-write, skipping delete phase: %v", logPrefix, err)
		return
	}
	defer closeMount()

	deleted, skipped, err := c.driver.DeleteArchived(result, mountPath)
	if err != nil {
		c.log.Printf("%sdelete_archived failed: %v", logPrefix, err)
		return
	}
	c.log.Printf("%sdelete_archived: %d deleted, %d skipped", logPrefix, deleted, skipped)
}
