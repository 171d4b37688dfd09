package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ben-z/teslausb-ng/internal/archive"
	"github.com/ben-z/teslausb-ng/internal/archive/rclonebackend"
	"github.com/ben-z/teslausb-ng/internal/archive/s3backend"
	"github.com/ben-z/teslausb-ng/internal/config"
	"github.com/ben-z/teslausb-ng/internal/coordinator"
	"github.com/ben-z/teslausb-ng/internal/fsadapter"
	"github.com/ben-z/teslausb-ng/internal/gadget"
	"github.com/ben-z/teslausb-ng/internal/idle"
	"github.com/ben-z/teslausb-ng/internal/metrics"
	"github.com/ben-z/teslausb-ng/internal/snapshot"
	"github.com/ben-z/teslausb-ng/internal/space"
)

var once bool

var rootCmd = &cobra.Command{
	Use:   "teslausbd",
	Short: "teslausbd archives Tesla dashcam footage off a looped-back USB gadget",
	RunE:  run,
}

func init() {
	rootCmd.Flags().BoolVar(&once, "once", false, "run a single archive cycle and exit instead of looping")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildBackend(cfg *config.Config, fs fsadapter.Filesystem) (archive.Backend, error) {
	switch cfg.ArchiveBackend {
	case "s3":
		ctx := context.Background()
		return s3backend.New(ctx, s3backend.Config{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
			Prefix:       cfg.S3.Prefix,
			AccessKeyID:  cfg.S3.AccessKeyID,
			SecretKey:    cfg.S3.SecretKey,
		}, fs)
	case "rclone":
		if cfg.RcloneRemote == "" {
			return nil, fmt.Errorf("TESLAUSB_RCLONE_REMOTE is required when TESLAUSB_ARCHIVE_BACKEND=rclone")
		}
		return rclonebackend.New(cfg.RcloneRemote), nil
	case "mock":
		return archive.NewMockBackend(fs), nil
	default:
		log.Printf("teslausbd: unknown archive backend %q, reachability will always be false", cfg.ArchiveBackend)
		return &unreachableBackend{}, nil
	}
}

// unreachableBackend models an unrecognized backend configuration: always
// unreachable, per the configuration-surface contract (§6).
type unreachableBackend struct{}

func (unreachableBackend) IsReachable(context.Context) bool { return false }
func (unreachableBackend) CopyDirectory(context.Context, string, string) archive.CopyResult {
	return archive.CopyResult{Success: false, Err: fmt.Errorf("no archive backend configured")}
}

func enabledDirectories(cfg *config.Config) map[archive.Directory]bool {
	enabled := make(map[archive.Directory]bool, len(cfg.EnabledDirectories))
	for name, on := range cfg.EnabledDirectories {
		enabled[archive.Directory(name)] = on
	}
	return enabled
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup("configuration error: %v", err)
		return err
	}

	fs := fsadapter.NewReal()

	backend, err := buildBackend(cfg, fs)
	if err != nil {
		fatalStartup("archive backend configuration error: %v", err)
		return err
	}

	store, err := snapshot.NewStore(fs, cfg.SnapshotsRoot, cfg.LiveImagePath)
	if err != nil {
		fatalStartup("unrecoverable startup failure building snapshot store: %v", err)
		return err
	}

	driver := archive.NewDriver(fs, backend, enabledDirectories(cfg))
	sizer := space.NewSizer(fs, cfg.BackingRoot)
	idleDet := idle.NewProcDetector("/proc", cfg.IdleProcessName)
	gw := gadget.NewConfigfs("teslausb", "/sys/kernel/config/usb_gadget")

	gadgetEnabled := cfg.LiveImagePath != ""
	if gadgetEnabled {
		luns := map[int]gadget.Lun{
			0: {DiskPath: cfg.LiveImagePath, Removable: true, ReadOnly: false},
		}
		if err := gw.Setup(luns); err != nil {
			fatalStartup("gadget setup failed: %v", err)
			return err
		}
		defer func() {
			if err := gw.Teardown(); err != nil {
				log.Printf("teslausbd: gadget teardown failed: %v", err)
			}
		}()
	}

	if cfg.MetricsAddr != "" {
		srv := metrics.StartMetricsServer(cfg.MetricsAddr)
		defer srv.Close()
	}

	c := coordinator.New(fs, store, driver, backend, sizer, idleDet, gw, coordinator.LoopMounter{}, coordinator.Config{
		LiveImagePath:      cfg.LiveImagePath,
		IdleTimeout:        time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
		PollBase:           time.Duration(cfg.PollBaseSeconds) * time.Second,
		PollMax:            time.Duration(cfg.PollMaxSeconds) * time.Second,
		CorrelationIDs:     cfg.CorrelationIDs,
		WaitForIdle:        true,
		GadgetEnabled:      gadgetEnabled,
		ManifestArchiveDir: cfg.ManifestArchiveDir,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return c.Run(ctx, once)
}

// fatalStartup logs an unrecoverable configuration/startup error. When
// stderr is a terminal the message is also prefixed for visibility, since
// an interactive operator is far more likely to be staring at it than a
// log collector is.
func fatalStartup(format string, args ...interface{}) {
	prefix := ""
	if term.IsTerminal(int(os.Stderr.Fd())) {
		prefix = "FATAL: "
	}
	log.Printf(prefix+format, args...)
}
