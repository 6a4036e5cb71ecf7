// Package config holds the data node's configuration. Values load from an
// optional JSON file with environment overrides applied on top, and every
// knob carries a production default.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Config is the full configuration of the chunk storage engine.
type Config struct {
	// ChunkDirs are the storage directories, one per physical disk.
	ChunkDirs []string `json:"chunk_dirs" envconfig:"CHUNK_DIRS"`

	// TotalSpace is the node capacity ceiling in bytes. Zero means the sum
	// of the configured directories' capacities.
	TotalSpace int64 `json:"total_space" envconfig:"TOTAL_SPACE"`

	// Placement.
	MinFsAvailableSpace              int64   `json:"min_fs_available_space" envconfig:"MIN_FS_AVAILABLE_SPACE"`
	MaxSpaceUtilizationThreshold     float64 `json:"max_space_utilization_threshold" envconfig:"MAX_SPACE_UTILIZATION_THRESHOLD"`
	ChunkPlacementPendingReadWeight  float64 `json:"chunk_placement_pending_read_weight" envconfig:"CHUNK_PLACEMENT_PENDING_READ_WEIGHT"`
	ChunkPlacementPendingWriteWeight float64 `json:"chunk_placement_pending_write_weight" envconfig:"CHUNK_PLACEMENT_PENDING_WRITE_WEIGHT"`
	MaxPlacementSpaceRatio           float64 `json:"max_placement_space_ratio" envconfig:"MAX_PLACEMENT_SPACE_RATIO"`
	MinPendingIoThreshold            int64   `json:"min_pending_io_threshold" envconfig:"MIN_PENDING_IO_THRESHOLD"`

	// Lifecycles and timers, all in seconds.
	MaxPendingWriteLruSecs          int `json:"max_pending_write_lru_secs" envconfig:"MAX_PENDING_WRITE_LRU_SECS"`
	InactiveFdsCleanupIntervalSecs  int `json:"inactive_fds_cleanup_interval_secs" envconfig:"INACTIVE_FDS_CLEANUP_INTERVAL_SECS"`
	CheckpointIntervalSecs          int `json:"checkpoint_interval_secs" envconfig:"CHECKPOINT_INTERVAL_SECS"`
	ChunkDirsCheckIntervalSecs      int `json:"chunk_dirs_check_interval_secs" envconfig:"CHUNK_DIRS_CHECK_INTERVAL_SECS"`
	DirRecheckIntervalSecs          int `json:"dir_recheck_interval_secs" envconfig:"DIR_RECHECK_INTERVAL_SECS"`
	GetFsSpaceAvailableIntervalSecs int `json:"get_fs_space_available_interval_secs" envconfig:"GET_FS_SPACE_AVAILABLE_INTERVAL_SECS"`
	EvacuationInactivityTimeoutSecs int `json:"evacuation_inactivity_timeout" envconfig:"EVACUATION_INACTIVITY_TIMEOUT"`

	// File descriptor budget.
	MaxOpenChunkFiles int `json:"max_open_chunk_files" envconfig:"MAX_OPEN_CHUNK_FILES"`
	FdsPerChunk       int `json:"fds_per_chunk" envconfig:"FDS_PER_CHUNK"`

	// Strictness and disposal policy.
	AbortOnChecksumMismatch    bool `json:"abort_on_checksum_mismatch" envconfig:"ABORT_ON_CHECKSUM_MISMATCH"`
	RequireChunkHeaderChecksum bool `json:"require_chunk_header_checksum" envconfig:"REQUIRE_CHUNK_HEADER_CHECKSUM"`
	ForceDeleteStaleChunks     bool `json:"force_delete_stale_chunks" envconfig:"FORCE_DELETE_STALE_CHUNKS"`
	KeepEvacuatedChunks        bool `json:"keep_evacuated_chunks" envconfig:"KEEP_EVACUATED_CHUNKS"`
	AllowSparseChunks          bool `json:"allow_sparse_chunks" envconfig:"ALLOW_SPARSE_CHUNKS"`
	BufferedIo                 bool `json:"buffered_io" envconfig:"BUFFERED_IO"`
	CleanupChunkDirs           bool `json:"cleanup_chunk_dirs" envconfig:"CLEANUP_CHUNK_DIRS"`

	// Failure thresholds and concurrency caps.
	MaxStaleChunkOpsInFlight          int `json:"max_stale_chunk_ops_in_flight" envconfig:"MAX_STALE_CHUNK_OPS_IN_FLIGHT"`
	MaxDirCheckDiskTimeouts           int `json:"max_dir_check_disk_timeouts" envconfig:"MAX_DIR_CHECK_DISK_TIMEOUTS"`
	MaxEvacuateIoErrors               int `json:"max_evacuate_io_errors" envconfig:"MAX_EVACUATE_IO_ERRORS"`
	ReadChecksumMismatchMaxRetryCount int `json:"read_checksum_mismatch_max_retry_count" envconfig:"READ_CHECKSUM_MISMATCH_MAX_RETRY_COUNT"`
	MaxEvacuateChunkIDs               int `json:"max_evacuate_chunk_ids" envconfig:"MAX_EVACUATE_CHUNK_IDS"`

	// Path names inside each chunk directory.
	StaleChunksDir       string `json:"stale_chunks_dir" envconfig:"STALE_CHUNKS_DIR"`
	DirtyChunksDir       string `json:"dirty_chunks_dir" envconfig:"DIRTY_CHUNKS_DIR"`
	EvacuateFileName     string `json:"evacuate_file_name" envconfig:"EVACUATE_FILE_NAME"`
	EvacuateDoneFileName string `json:"evacuate_done_file_name" envconfig:"EVACUATE_DONE_FILE_NAME"`
	DirLockName          string `json:"dir_lock_name" envconfig:"DIR_LOCK_NAME"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		MinFsAvailableSpace:              (64 << 20) + (16 << 10),
		MaxSpaceUtilizationThreshold:     0.05,
		ChunkPlacementPendingReadWeight:  0,
		ChunkPlacementPendingWriteWeight: 0,
		MaxPlacementSpaceRatio:           0.2,
		MinPendingIoThreshold:            8 << 20,

		MaxPendingWriteLruSecs:          300,
		InactiveFdsCleanupIntervalSecs:  300,
		CheckpointIntervalSecs:          120,
		ChunkDirsCheckIntervalSecs:      120,
		DirRecheckIntervalSecs:          180,
		GetFsSpaceAvailableIntervalSecs: 25,
		EvacuationInactivityTimeoutSecs: 300,

		MaxOpenChunkFiles: (64 << 10) - 8,
		FdsPerChunk:       1,

		AllowSparseChunks: true,

		MaxStaleChunkOpsInFlight:          4,
		MaxDirCheckDiskTimeouts:           4,
		MaxEvacuateIoErrors:               2,
		ReadChecksumMismatchMaxRetryCount: 0,
		MaxEvacuateChunkIDs:               4096,

		StaleChunksDir:       "lost+found",
		DirtyChunksDir:       "dirty",
		EvacuateFileName:     "evacuate",
		EvacuateDoneFileName: "evacuate.done",
		DirLockName:          "lock",
	}
}

// Load reads the JSON config at path (if non-empty) on top of the defaults,
// then applies STRATA_* environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := envconfig.Process("strata", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with. A chunk
// directory that is a path prefix of another is a misconfiguration: both
// would claim the same device, and the nested tree would be scanned as
// foreign files of the outer one.
func (c *Config) Validate() error {
	if len(c.ChunkDirs) == 0 {
		return fmt.Errorf("no chunk directories configured")
	}

	cleaned := make([]string, len(c.ChunkDirs))
	for i, d := range c.ChunkDirs {
		cleaned[i] = filepath.Clean(d)
	}
	for i, a := range cleaned {
		for j, b := range cleaned {
			if i == j {
				continue
			}
			if a == b {
				return fmt.Errorf("chunk directory %q configured twice", a)
			}
			if strings.HasPrefix(b, a+string(filepath.Separator)) {
				return fmt.Errorf("chunk directory %q is nested under %q", b, a)
			}
		}
	}
	c.ChunkDirs = cleaned

	if c.MaxPendingWriteLruSecs < 1 {
		c.MaxPendingWriteLruSecs = 1
	}
	if c.CheckpointIntervalSecs < 1 {
		c.CheckpointIntervalSecs = 1
	}
	if c.ChunkDirsCheckIntervalSecs < 1 {
		c.ChunkDirsCheckIntervalSecs = 1
	}
	if c.GetFsSpaceAvailableIntervalSecs < 1 {
		c.GetFsSpaceAvailableIntervalSecs = 1
	}
	if c.FdsPerChunk < 1 {
		c.FdsPerChunk = 1
	}
	if c.MaxEvacuateIoErrors < 1 {
		c.MaxEvacuateIoErrors = 1
	}
	if c.MaxEvacuateChunkIDs < 1 {
		c.MaxEvacuateChunkIDs = 1
	}
	if c.MaxPlacementSpaceRatio < 0 || c.MaxPlacementSpaceRatio > 1 {
		return fmt.Errorf("max_placement_space_ratio %v out of [0,1]", c.MaxPlacementSpaceRatio)
	}
	if c.MaxSpaceUtilizationThreshold < 0 || c.MaxSpaceUtilizationThreshold > 1 {
		return fmt.Errorf("max_space_utilization_threshold %v out of [0,1]", c.MaxSpaceUtilizationThreshold)
	}
	return nil
}
