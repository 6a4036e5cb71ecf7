package storage

import (
	"container/list"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"strata/pkg/checksum"
	"strata/pkg/config"
	"strata/pkg/dircheck"
	"strata/pkg/diskio"
	"strata/pkg/layout"
	"strata/pkg/meta"
	"strata/pkg/types"

	"go.uber.org/zap"
)

const (
	diskQueueWorkers = 2
	diskQueueDepth   = 128
)

// Manager is the node-wide chunk index and the coordinator of every chunk
// and directory state machine. One mutex guards all in-memory state; apart
// from the evacuate sentinel stat in checkDirsLocked, the mutex is never held
// while a disk operation is outstanding. Disk work is submitted to
// per-directory queues and completions re-acquire the lock.
type Manager struct {
	mu  sync.Mutex
	cfg *config.Config
	log *zap.Logger

	meta    meta.Client
	checker *dircheck.Checker

	// newQueue builds the disk queue for an adopted directory. Tests swap
	// in manually-stepped queues to control completion order.
	newQueue func(dir string) diskio.Submitter

	chunks map[types.ChunkID]*Handle
	dirs   []*chunkDir

	lru          list.List // open, idle handles, oldest first
	stale        list.List // doomed handles awaiting disposal
	pendingStale list.List // doomed handles with meta ops still draining

	pendingWrites *pendingWrites

	usedSpace int64

	staleOpsInFlight int
	openChunkFiles   int

	rng *rand.Rand
	now func() time.Time

	lastSpaceProbe time.Time
	lastDirCheck   time.Time
	lastCheckpoint time.Time

	shutdown bool
}

// NewManager builds an empty manager. Directories arrive through
// AdoptDirs, which restores their on-disk chunks; new chunks arrive
// through AllocChunk.
func NewManager(cfg *config.Config, mc meta.Client, checker *dircheck.Checker, logger *zap.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		log:     logger,
		meta:    mc,
		checker: checker,
		chunks:  make(map[types.ChunkID]*Handle),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
	m.newQueue = func(dir string) diskio.Submitter {
		return diskio.NewQueue(dir, diskQueueWorkers, diskQueueDepth, logger)
	}
	m.pendingWrites = newPendingWrites()
	return m
}

// AdoptDirs takes ownership of prober-approved directories: builds their
// disk queues, restores their on-disk chunks, and puts them in service.
func (m *Manager) AdoptDirs(dirs []*dircheck.Dir) error {
	for _, pd := range dirs {
		d := &chunkDir{
			path:        pd.Path,
			device:      pd.Device,
			queue:       m.newQueue(pd.Path),
			releaseLock: pd.ReleaseLock,
			available:   true,
		}
		if pd.Evacuate {
			d.evac = evacRequested
		}

		if err := m.restoreDir(d); err != nil {
			m.log.Error("failed to restore chunk directory",
				zap.String("dir", d.path), zap.Error(err))
			d.queue.Close()
			d.releaseLock()
			if m.checker != nil {
				m.checker.HandBack(d.path)
			}
			continue
		}

		m.mu.Lock()
		m.dirs = append(m.dirs, d)
		m.recomputeCountedDirs()
		if d.evac == evacRequested {
			m.startEvacuationLocked(d)
		}
		m.mu.Unlock()

		m.log.Info("chunk directory in service",
			zap.String("dir", d.path),
			zap.Int("chunks", d.chunkCount),
			zap.Int64("used_space", d.usedSpace),
			zap.String("evacuation", d.evac.String()))
	}
	return nil
}

// lookup returns the handle for chunkID or ErrChunkNotFound. Caller holds
// the lock.
func (m *Manager) lookup(chunkID types.ChunkID) (*Handle, error) {
	h, ok := m.chunks[chunkID]
	if !ok {
		return nil, fmt.Errorf("%w: chunk %d", ErrChunkNotFound, chunkID)
	}
	return h, nil
}

// updateGlobalList recomputes which global list h belongs to and moves it
// there. The LRU holds handles that are open, not doomed, not owned by an
// appender, not being replicated, and have no pending metadata ops.
func (m *Manager) updateGlobalList(h *Handle) {
	want := globalNone
	switch {
	case h.global == globalStale || h.global == globalPendingStale:
		// Doomed handles move between the stale lists elsewhere.
		return
	case h.file != nil && !h.appenderOwns && !h.beingReplicated && len(h.metaOps) == 0:
		want = globalLRU
	}

	if h.global == want {
		if want == globalLRU {
			// Refresh position: most recently used at the back.
			m.lru.MoveToBack(h.globalElem)
		}
		return
	}

	m.detachGlobal(h)
	if want == globalLRU {
		h.globalElem = m.lru.PushBack(h)
		h.global = globalLRU
	}
}

// detachGlobal removes h from whatever global list holds it.
func (m *Manager) detachGlobal(h *Handle) {
	switch h.global {
	case globalLRU:
		m.lru.Remove(h.globalElem)
	case globalStale:
		m.stale.Remove(h.globalElem)
	case globalPendingStale:
		m.pendingStale.Remove(h.globalElem)
	}
	h.global = globalNone
	h.globalElem = nil
}

// touch records I/O activity on h and refreshes its LRU position.
func (m *Manager) touch(h *Handle) {
	h.lastIO = m.now()
	m.updateGlobalList(h)
}

// ensureOpen opens the handle's backing file if it is closed. Called
// without the manager lock held; performs the open through the directory's
// disk queue.
func (m *Manager) ensureOpen(h *Handle, gen uint64) error {
	m.mu.Lock()
	if h.generation != gen {
		m.mu.Unlock()
		return fmt.Errorf("%w: chunk %d", ErrChunkNotFound, h.Info.ChunkID)
	}
	if h.file != nil {
		m.mu.Unlock()
		return nil
	}
	m.cleanupInactiveFdsLocked(m.now())
	path := h.filePath(m.cfg.DirtyChunksDir)
	q := h.dir.queue
	m.mu.Unlock()

	var f *os.File
	err := submitAndWait(q, func() error {
		var err error
		f, err = os.OpenFile(path, os.O_RDWR, 0640)
		return err
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		return m.ioFailedLocked(h, gen, err, false)
	}
	if h.generation != gen || h.file != nil {
		// Lost a race with eviction or a concurrent open.
		f.Close()
		if h.generation != gen {
			return fmt.Errorf("%w: chunk %d", ErrChunkNotFound, h.Info.ChunkID)
		}
		return nil
	}
	h.file = f
	m.openChunkFiles++
	m.touch(h)
	return nil
}

// ensureChecksumsLoaded reads and verifies the chunk header if the
// in-memory checksum array has been dropped. A header that fails
// verification marks the chunk corrupt.
func (m *Manager) ensureChecksumsLoaded(h *Handle, gen uint64) error {
	m.mu.Lock()
	if h.generation != gen {
		m.mu.Unlock()
		return fmt.Errorf("%w: chunk %d", ErrChunkNotFound, h.Info.ChunkID)
	}
	if h.checksumsLoaded {
		m.mu.Unlock()
		return nil
	}
	if h.file == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: chunk %d not open", ErrInvalidArgument, h.Info.ChunkID)
	}
	f := h.file
	q := h.dir.queue
	h.fileRefs++
	m.mu.Unlock()

	buf := make([]byte, layout.HeaderSize)
	err := submitAndWait(q, func() error {
		n, err := f.ReadAt(buf, 0)
		if err == io.EOF && n == len(buf) {
			err = nil
		}
		return err
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	h.fileRefs--
	if h.generation != gen {
		return fmt.Errorf("%w: chunk %d", ErrChunkNotFound, h.Info.ChunkID)
	}
	if err != nil {
		return m.ioFailedLocked(h, gen, err, false)
	}

	info, derr := layout.DecodeHeader(buf, m.cfg.RequireChunkHeaderChecksum)
	if derr != nil {
		if m.cfg.AbortOnChecksumMismatch {
			m.die("chunk header checksum mismatch", derr)
		}
		m.log.Error("bad chunk header",
			zap.Int64("chunk", int64(h.Info.ChunkID)),
			zap.String("dir", h.dir.path),
			zap.Error(derr))
		m.markCorruptLocked(h, false)
		return fmt.Errorf("%w: chunk %d header", ErrBadChecksum, h.Info.ChunkID)
	}

	if info.ChunkID != h.Info.ChunkID || info.FileID != h.Info.FileID {
		m.log.Error("chunk header identity mismatch",
			zap.Int64("chunk", int64(h.Info.ChunkID)),
			zap.Int64("header_chunk", int64(info.ChunkID)))
		m.markCorruptLocked(h, false)
		return fmt.Errorf("%w: chunk %d header identity", ErrBadChecksum, h.Info.ChunkID)
	}

	h.Info.BlockChecksums = info.BlockChecksums
	h.checksumsLoaded = true
	return nil
}

// ioFailedLocked routes a disk error for h: transient errors log and
// return, fatal errors evict the chunk and notify the meta server. The
// caller holds the lock; gen is the generation the failed op captured.
func (m *Manager) ioFailedLocked(h *Handle, gen uint64, err error, isLost bool) error {
	if diskio.IsTimeout(err) {
		h.dir.diskTimeoutCount++
		if h.dir.diskTimeoutCount > m.cfg.MaxDirCheckDiskTimeouts {
			m.dirFailedLocked(h.dir, "too many disk timeouts")
			return err
		}
	}
	if diskio.IsTransient(err) {
		m.log.Warn("transient chunk io error",
			zap.Int64("chunk", int64(h.Info.ChunkID)),
			zap.String("dir", h.dir.path),
			zap.Error(err))
		return err
	}
	if h.generation != gen {
		return err
	}
	m.log.Error("chunk io error",
		zap.Int64("chunk", int64(h.Info.ChunkID)),
		zap.String("dir", h.dir.path),
		zap.Error(err))
	m.markCorruptLocked(h, isLost)
	return err
}

// markCorruptLocked notifies the meta server and dooms the handle.
func (m *Manager) markCorruptLocked(h *Handle, isLost bool) {
	if h.global == globalStale || h.global == globalPendingStale {
		return
	}
	m.meta.CorruptChunk(meta.CorruptChunkEvent{
		FileID:   h.Info.FileID,
		ChunkIDs: []types.ChunkID{h.Info.ChunkID},
		Dir:      h.dir.path,
		IsLost:   isLost,
	})
	m.makeStaleLocked(h, stalePolicyFor(m.cfg, false))
}

// CloseChunk releases the chunk's file handle. Dirty metadata is flushed
// first; a handle with I/O in flight stays open and is left to the idle
// scan.
func (m *Manager) CloseChunk(chunkID types.ChunkID) error {
	m.mu.Lock()
	h, err := m.lookup(chunkID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if h.file == nil {
		m.mu.Unlock()
		return nil
	}
	if h.writesInFlight > 0 || h.fileRefs > 0 || len(h.metaOps) > 0 {
		m.touch(h)
		m.mu.Unlock()
		return nil
	}
	gen := h.generation
	dirty := h.metaDirty
	m.mu.Unlock()

	if dirty {
		if err := m.WriteChunkMetadata(chunkID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h.generation != gen || h.file == nil {
		return nil
	}
	if h.writesInFlight > 0 || h.fileRefs > 0 || len(h.metaOps) > 0 {
		return nil
	}
	m.closeFileLocked(h)
	return nil
}

// closeFileLocked closes the fd and drops the checksum array when clean.
func (m *Manager) closeFileLocked(h *Handle) {
	if h.file == nil {
		return
	}
	h.file.Close()
	h.file = nil
	m.openChunkFiles--
	if !h.metaDirty {
		h.Info.BlockChecksums = nil
		h.checksumsLoaded = false
	}
	m.updateGlobalList(h)
}

// cleanupInactiveFdsLocked closes file handles idle past the configured
// TTL. The TTL shrinks as the open-fd count approaches the budget.
func (m *Manager) cleanupInactiveFdsLocked(now time.Time) {
	ttl := time.Duration(m.cfg.InactiveFdsCleanupIntervalSecs) * time.Second
	budget := m.cfg.MaxOpenChunkFiles / m.cfg.FdsPerChunk
	if budget > 0 && m.openChunkFiles*4 >= budget*3 {
		ttl /= 4
	}
	cutoff := now.Add(-ttl)

	var next *list.Element
	for e := m.lru.Front(); e != nil; e = next {
		next = e.Next()
		h := e.Value.(*Handle)
		if h.lastIO.After(cutoff) {
			break
		}
		if h.fileRefs > 0 || h.writesInFlight > 0 || h.pendingWriteCount > 0 {
			continue
		}
		if h.metaDirty {
			// Flush the header through the pipeline; the handle leaves the
			// LRU while the op is queued and comes back once clean.
			m.queueMetaOpLocked(h, &metaOp{kind: opWriteHeader, done: func(error) {}})
			continue
		}
		m.closeFileLocked(h)
	}
}

// Tick drives the engine's periodic work. The owner calls it once a second
// or so; each sub-task keeps its own interval bookkeeping.
func (m *Manager) Tick() {
	now := m.now()

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}

	m.scavengePendingWritesLocked(now)
	m.cleanupInactiveFdsLocked(now)
	m.runStaleQueueLocked()

	if now.Sub(m.lastSpaceProbe) >= time.Duration(m.cfg.GetFsSpaceAvailableIntervalSecs)*time.Second {
		m.lastSpaceProbe = now
		for _, d := range m.dirs {
			m.probeDirSpaceLocked(d)
		}
	}

	if now.Sub(m.lastCheckpoint) >= time.Duration(m.cfg.CheckpointIntervalSecs)*time.Second {
		m.lastCheckpoint = now
		m.checkpointLocked()
	}

	checkDirs := now.Sub(m.lastDirCheck) >= time.Duration(m.cfg.ChunkDirsCheckIntervalSecs)*time.Second
	if checkDirs {
		m.lastDirCheck = now
		m.checkDirsLocked(now)
	}
	m.mu.Unlock()

	if checkDirs && m.checker != nil {
		if dirs := m.checker.TakeAvailable(); len(dirs) > 0 {
			m.AdoptDirs(dirs)
		}
	}
}

// checkpointLocked queues header flushes for chunks whose in-memory
// metadata has drifted from disk and which are otherwise idle.
func (m *Manager) checkpointLocked() {
	for _, h := range m.chunks {
		if !h.metaDirty || h.file == nil || !h.stable {
			continue
		}
		if h.writesInFlight > 0 || len(h.metaOps) > 0 {
			continue
		}
		m.queueMetaOpLocked(h, &metaOp{kind: opWriteHeader, done: func(error) {}})
	}
}

// checkDirsLocked re-examines in-service directories: evacuate sentinels,
// evacuation inactivity, and pending evacuation retries.
func (m *Manager) checkDirsLocked(now time.Time) {
	for _, d := range m.dirs {
		if !d.available {
			continue
		}
		if d.evac == evacNone && dircheck.SentinelExists(d.path, m.cfg.EvacuateFileName) {
			d.evac = evacRequested
			m.log.Info("evacuate sentinel detected", zap.String("dir", d.path))
		}
		switch d.evac {
		case evacRequested, evacStarted:
			m.startEvacuationLocked(d)
		case evacDraining:
			timeout := time.Duration(m.cfg.EvacuationInactivityTimeoutSecs) * time.Second
			if now.Sub(d.lastEvacActivity) > timeout {
				m.restartEvacuationLocked(d)
			}
		}
	}
}

// probeDirSpaceLocked refreshes the directory's statfs counters. At most one
// probe per directory is in flight.
func (m *Manager) probeDirSpaceLocked(d *chunkDir) {
	if d.spaceProbeInFlight || !d.available {
		return
	}
	d.spaceProbeInFlight = true
	path := d.path

	err := d.queue.Submit(func() {
		total, avail, err := diskio.StatFs(path)

		m.mu.Lock()
		defer m.mu.Unlock()
		d.spaceProbeInFlight = false
		if err != nil {
			m.log.Warn("statfs failed", zap.String("dir", path), zap.Error(err))
			if diskio.IsTimeout(err) {
				d.diskTimeoutCount++
				if d.diskTimeoutCount > m.cfg.MaxDirCheckDiskTimeouts {
					m.dirFailedLocked(d, "too many disk timeouts")
				}
			}
			return
		}
		d.diskTimeoutCount = 0
		d.totalSpace = total
		d.availableSpace = avail
	})
	if err != nil {
		d.spaceProbeInFlight = false
	}
}

// recomputeCountedDirs elects at most one directory per device to count
// toward node totals, preferring non-evacuating ones. Recomputed whenever
// any directory changes availability or enters/leaves evacuation.
func (m *Manager) recomputeCountedDirs() {
	perDevice := make(map[types.DeviceID]*chunkDir)
	for _, d := range m.dirs {
		d.countedSpace = false
		if !d.available {
			continue
		}
		cur, ok := perDevice[d.device]
		if !ok {
			perDevice[d.device] = d
			continue
		}
		if cur.evac != evacNone && d.evac == evacNone {
			perDevice[d.device] = d
		}
	}
	for _, d := range perDevice {
		d.countedSpace = true
	}
}

// UsedSpace returns the node's total used bytes.
func (m *Manager) UsedSpace() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usedSpace
}

// TotalSpace returns the node capacity: the configured ceiling, or the sum
// of counted directories' capacities.
func (m *Manager) TotalSpace() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalSpaceLocked()
}

func (m *Manager) totalSpaceLocked() int64 {
	if m.cfg.TotalSpace > 0 {
		return m.cfg.TotalSpace
	}
	var total int64
	for _, d := range m.dirs {
		if d.countedSpace {
			total += d.totalSpace
		}
	}
	return total
}

// AvailableSpace reports free bytes across counted directories, capped by
// the configured ceiling.
func (m *Manager) AvailableSpace() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avail int64
	for _, d := range m.dirs {
		if d.countedSpace && d.available {
			avail += d.availableSpace
		}
	}
	if max := m.totalSpaceLocked() - m.usedSpace; m.cfg.TotalSpace > 0 && avail > max {
		avail = max
	}
	if avail < 0 {
		avail = 0
	}
	return avail
}

// ChunkCount returns the number of chunks in the table.
func (m *Manager) ChunkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks)
}

// GetChunkInfo returns a copy of the chunk's committed metadata.
func (m *Manager) GetChunkInfo(chunkID types.ChunkID) (types.ChunkInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.lookup(chunkID)
	if err != nil {
		return types.ChunkInfo{}, err
	}
	info := h.Info
	if h.checksumsLoaded {
		info.BlockChecksums = append([]uint64(nil), h.Info.BlockChecksums...)
	} else {
		info.BlockChecksums = nil
	}
	return info, nil
}

// GetChunkVersion returns the committed version.
func (m *Manager) GetChunkVersion(chunkID types.ChunkID) (types.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.lookup(chunkID)
	if err != nil {
		return 0, err
	}
	return h.Info.Version, nil
}

// IsChunkStable reports the committed stability.
func (m *Manager) IsChunkStable(chunkID types.ChunkID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.lookup(chunkID)
	if err != nil {
		return false, err
	}
	return h.stable, nil
}

// GetBlockChecksum returns the stored checksum of the block holding offset.
func (m *Manager) GetBlockChecksum(chunkID types.ChunkID, offset int64) (uint64, error) {
	m.mu.Lock()
	h, err := m.lookup(chunkID)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	gen := h.generation
	loaded := h.checksumsLoaded
	m.mu.Unlock()

	if !loaded {
		if err := m.ensureOpen(h, gen); err != nil {
			return 0, err
		}
		if err := m.ensureChecksumsLoaded(h, gen); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h.generation != gen {
		return 0, fmt.Errorf("%w: chunk %d", ErrChunkNotFound, chunkID)
	}
	if offset < 0 || offset >= layout.ChunkSize {
		return 0, fmt.Errorf("%w: offset %d", ErrInvalidArgument, offset)
	}
	return h.Info.BlockChecksums[checksum.BlockIndex(offset)], nil
}

// HostedChunks enumerates the node's chunks for the meta server,
// partitioned by stability. Chunks with a rename in flight report their
// target version and target stability so an in-progress commit is not
// mistaken for staleness.
func (m *Manager) HostedChunks() types.HostedChunksReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	var report types.HostedChunksReport
	for _, h := range m.chunks {
		hc := types.HostedChunk{
			FileID:  h.Info.FileID,
			ChunkID: h.Info.ChunkID,
			Version: h.latestTargetVersion(),
		}
		switch {
		case h.latestTargetStable():
			report.Stable = append(report.Stable, hc)
		case h.appenderOwns:
			report.NotStableAppend = append(report.NotStableAppend, hc)
		default:
			report.NotStable = append(report.NotStable, hc)
		}
	}
	return report
}

// SetChunkReplicating flags an inbound copy in progress; such chunks leave
// the idle LRU.
func (m *Manager) SetChunkReplicating(chunkID types.ChunkID, flag bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.lookup(chunkID)
	if err != nil {
		return err
	}
	h.beingReplicated = flag
	m.updateGlobalList(h)
	return nil
}

// Shutdown drains stale deletions for up to the given grace period, drops
// pending writes, closes every handle, and releases the disk queues.
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.Lock()
	m.shutdown = true
	m.pendingWrites.clear()
	m.mu.Unlock()

	deadline := time.Now().Add(grace)
	for {
		m.mu.Lock()
		m.runStaleQueueLocked()
		drained := m.stale.Len() == 0 && m.staleOpsInFlight == 0
		m.mu.Unlock()
		if drained || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.mu.Lock()
	for _, h := range m.chunks {
		if h.file != nil {
			h.file.Close()
			h.file = nil
			m.openChunkFiles--
		}
	}
	queues := make([]diskio.Submitter, 0, len(m.dirs))
	locks := make([]func(), 0, len(m.dirs))
	for _, d := range m.dirs {
		d.available = false
		queues = append(queues, d.queue)
		if d.releaseLock != nil {
			locks = append(locks, d.releaseLock)
		}
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
	for _, rel := range locks {
		rel()
	}
	if m.checker != nil {
		m.checker.Close()
	}
}

// submitAndWait runs fn on the directory's disk queue and blocks for its
// result. Never called with the manager lock held.
func submitAndWait(q diskio.Submitter, fn func() error) error {
	ch := make(chan error, 1)
	if err := q.Submit(func() { ch <- fn() }); err != nil {
		return fmt.Errorf("%w: %v", ErrServerBusy, err)
	}
	return <-ch
}
