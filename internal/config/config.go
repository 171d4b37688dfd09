// Package config holds the flat configuration surface the daemon entrypoint
// needs to construct the snapshot store, archive backend, idle detector, and
// coordinator. Parsing a config file or command-line flags is out of scope
// for this module; Load reads environment variables directly as a stand-in
// for that external loader.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// S3Config configures the S3-compatible archive backend.
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string // non-empty for R2/MinIO-style endpoints
	UsePathStyle bool
	Prefix       string
	AccessKeyID  string
	SecretKey    string
}

// Config is the full configuration surface consumed by cmd/teslausbd.
type Config struct {
	// Filesystem layout.
	BackingRoot   string
	SnapshotsRoot string
	LiveImagePath string
	MountPoint    string

	// Archive backend selection: "s3", "rclone", or "mock".
	ArchiveBackend string
	S3             S3Config
	RcloneRemote   string

	// Logical clip directories to archive; keys are SavedClips, SentryClips,
	// RecentClips, TrackMode. Load sets all four keys, each enabled unless
	// it is listed in TESLAUSB_DISABLED_DIRECTORIES.
	EnabledDirectories map[string]bool

	// Idle detection.
	IdleProcessName    string
	IdleTimeoutSeconds int

	// Reachability / idle backoff schedule, seconds.
	PollBaseSeconds int
	PollMaxSeconds  int

	// Ambient observability.
	MetricsAddr    string
	CorrelationIDs bool

	// ManifestArchiveDir, if non-empty, makes the coordinator persist
	// each cycle's manifest off-box via internal/archive/manifeststore
	// for later diagnostics. Empty disables it.
	ManifestArchiveDir string
}

// Load reads configuration from environment variables with sensible
// defaults, following the envOrDefault/envOrDefaultInt idiom used across
// this codebase's ambient configuration surface.
func Load() (*Config, error) {
	cfg := &Config{
		BackingRoot:   envOrDefault("TESLAUSB_BACKING_ROOT", "/mnt/backing"),
		SnapshotsRoot: envOrDefault("TESLAUSB_SNAPSHOTS_ROOT", "/mnt/backing/snapshots"),
		LiveImagePath: envOrDefault("TESLAUSB_LIVE_IMAGE", "/mnt/backing/cam_disk.bin"),
		MountPoint:    envOrDefault("TESLAUSB_MOUNT_POINT", "/mnt/teslausb-scratch"),

		ArchiveBackend: envOrDefault("TESLAUSB_ARCHIVE_BACKEND", "mock"),
		RcloneRemote:   os.Getenv("TESLAUSB_RCLONE_REMOTE"),

		S3: S3Config{
			Bucket:       os.Getenv("TESLAUSB_S3_BUCKET"),
			Region:       envOrDefault("TESLAUSB_S3_REGION", "us-east-1"),
			Endpoint:     os.Getenv("TESLAUSB_S3_ENDPOINT"),
			UsePathStyle: os.Getenv("TESLAUSB_S3_PATH_STYLE") == "true",
			Prefix:       os.Getenv("TESLAUSB_S3_PREFIX"),
			AccessKeyID:  os.Getenv("TESLAUSB_S3_ACCESS_KEY_ID"),
			SecretKey:    os.Getenv("TESLAUSB_S3_SECRET_ACCESS_KEY"),
		},

		EnabledDirectories: parseEnabledDirectories(os.Getenv("TESLAUSB_DISABLED_DIRECTORIES")),

		IdleProcessName:    envOrDefault("TESLAUSB_IDLE_PROCESS_NAME", "file-storage"),
		IdleTimeoutSeconds: envOrDefaultInt("TESLAUSB_IDLE_TIMEOUT_SECONDS", 90),

		PollBaseSeconds: envOrDefaultInt("TESLAUSB_POLL_BASE_SECONDS", 5),
		PollMaxSeconds:  envOrDefaultInt("TESLAUSB_POLL_MAX_SECONDS", 300),

		MetricsAddr:    os.Getenv("TESLAUSB_METRICS_ADDR"),
		CorrelationIDs: os.Getenv("TESLAUSB_CORRELATION_IDS") != "false",

		ManifestArchiveDir: os.Getenv("TESLAUSB_MANIFEST_ARCHIVE_DIR"),
	}

	if cfg.PollBaseSeconds <= 0 || cfg.PollMaxSeconds <= 0 {
		return nil, fmt.Errorf("invalid poll backoff: base=%d max=%d, both must be positive", cfg.PollBaseSeconds, cfg.PollMaxSeconds)
	}
	if cfg.PollMaxSeconds < cfg.PollBaseSeconds {
		return nil, fmt.Errorf("TESLAUSB_POLL_MAX_SECONDS (%d) must be >= TESLAUSB_POLL_BASE_SECONDS (%d)", cfg.PollMaxSeconds, cfg.PollBaseSeconds)
	}

	return cfg, nil
}

// parseEnabledDirectories turns a comma-separated disable-list (the common
// case — most installs archive everything) into the enabled-set the archive
// driver checks against.
func parseEnabledDirectories(disabled string) map[string]bool {
	all := []string{"SavedClips", "SentryClips", "RecentClips", "TrackMode"}
	disabledSet := make(map[string]bool)
	for _, name := range strings.Split(disabled, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			disabledSet[name] = true
		}
	}

	enabled := make(map[string]bool, len(all))
	for _, name := range all {
		enabled[name] = !disabledSet[name]
	}
	return enabled
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
