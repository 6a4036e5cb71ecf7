// Package dircheck implements the directory prober. It owns the set of
// configured chunk directories that are not currently in use by the engine,
// periodically probes them for usability (readable, writable, lockable,
// free of do-not-use sentinels), and hands usable directories over in
// batches. Directories the engine declares lost come back here for
// re-probing.
package dircheck

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"strata/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	ErrDoNotUse  = errors.New("directory carries evacuate.done sentinel")
	ErrNotLocked = errors.New("directory lock not acquired")
)

// Names are the reserved file and subdirectory names inside each chunk
// directory.
type Names struct {
	LockFile         string
	EvacuateFile     string
	EvacuateDoneFile string
	DirtyDir         string
	StaleDir         string
}

// Dir is one successfully probed directory, ready for the engine to adopt.
// The prober holds the exclusive lock; ownership of the lock transfers with
// the Dir.
type Dir struct {
	Path     string
	Device   types.DeviceID
	Evacuate bool

	lock *os.File
}

// ReleaseLock drops the exclusive directory lock. Called when the directory
// leaves service for good (process shutdown) or before re-probing.
func (d *Dir) ReleaseLock() {
	if d.lock == nil {
		return
	}
	unix.Flock(int(d.lock.Fd()), unix.LOCK_UN)
	d.lock.Close()
	d.lock = nil
}

// Checker probes candidate directories on an interval.
type Checker struct {
	names      Names
	logger     *zap.Logger
	instanceID uuid.UUID

	mu        sync.Mutex
	pending   map[string]struct{}
	available []*Dir
}

func New(dirs []string, names Names, logger *zap.Logger) *Checker {
	c := &Checker{
		names:      names,
		logger:     logger,
		instanceID: uuid.New(),
		pending:    make(map[string]struct{}, len(dirs)),
	}
	for _, d := range dirs {
		c.pending[filepath.Clean(d)] = struct{}{}
	}
	return c
}

// Run probes on the given interval until stop is closed.
func (c *Checker) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Probe()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Probe()
		}
	}
}

// Probe checks every pending directory once. Usable directories move to the
// available set until taken.
func (c *Checker) Probe() {
	c.mu.Lock()
	paths := make([]string, 0, len(c.pending))
	for p := range c.pending {
		paths = append(paths, p)
	}
	c.mu.Unlock()

	for _, path := range paths {
		dir, err := c.probeDir(path)
		if err != nil {
			if !errors.Is(err, ErrDoNotUse) {
				c.logger.Info("chunk directory not usable",
					zap.String("dir", path), zap.Error(err))
			}
			continue
		}

		c.mu.Lock()
		delete(c.pending, path)
		c.available = append(c.available, dir)
		c.mu.Unlock()

		c.logger.Info("chunk directory available",
			zap.String("dir", path),
			zap.Uint64("device", uint64(dir.Device)),
			zap.Bool("evacuate", dir.Evacuate))
	}
}

// TakeAvailable transfers all probed-usable directories to the caller.
func (c *Checker) TakeAvailable() []*Dir {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.available
	c.available = nil
	return out
}

// HandBack returns a directory to the pending set after the engine declared
// it lost or finished evacuating it. The lock must already be released by
// the caller's Dir.
func (c *Checker) HandBack(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[filepath.Clean(path)] = struct{}{}
}

// Close releases locks of probed-but-untaken directories.
func (c *Checker) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.available {
		d.ReleaseLock()
		c.pending[d.Path] = struct{}{}
	}
	c.available = nil
}

// SentinelExists reports whether the named sentinel file exists in dir.
// ENOENT is the normal case and is not an error.
func SentinelExists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

func (c *Checker) probeDir(path string) (*Dir, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s: not a directory", path)
	}

	if SentinelExists(path, c.names.EvacuateDoneFile) {
		return nil, ErrDoNotUse
	}

	for _, sub := range []string{c.names.DirtyDir, c.names.StaleDir} {
		if err := os.MkdirAll(filepath.Join(path, sub), 0750); err != nil {
			return nil, fmt.Errorf("failed to create %s subdirectory: %w", sub, err)
		}
	}

	lock, err := c.acquireLock(path)
	if err != nil {
		return nil, err
	}

	if err := c.writeReadProbe(path); err != nil {
		unix.Flock(int(lock.Fd()), unix.LOCK_UN)
		lock.Close()
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		unix.Flock(int(lock.Fd()), unix.LOCK_UN)
		lock.Close()
		return nil, err
	}

	return &Dir{
		Path:     path,
		Device:   types.DeviceID(st.Dev),
		Evacuate: SentinelExists(path, c.names.EvacuateFile),
		lock:     lock,
	}, nil
}

func (c *Checker) acquireLock(path string) (*os.File, error) {
	lockPath := filepath.Join(path, c.names.LockFile)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s held by another process", ErrNotLocked, lockPath)
	}

	// Stamp the lock with the owning instance for operator forensics.
	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(c.instanceID.String()+"\n"), 0)
	}
	return f, nil
}

// writeReadProbe proves the directory accepts and returns data: write a
// small file, read it back, delete it.
func (c *Checker) writeReadProbe(path string) error {
	probePath := filepath.Join(path, ".dircheck."+c.instanceID.String())
	payload := []byte(c.instanceID.String())

	if err := os.WriteFile(probePath, payload, 0640); err != nil {
		return fmt.Errorf("write probe failed: %w", err)
	}
	defer os.Remove(probePath)

	got, err := os.ReadFile(probePath)
	if err != nil {
		return fmt.Errorf("read probe failed: %w", err)
	}
	if string(got) != string(payload) {
		return fmt.Errorf("probe read back %d bytes, want %d", len(got), len(payload))
	}
	return nil
}
