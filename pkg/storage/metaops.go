package storage

import (
	"errors"
	"fmt"
	"os"

	"strata/pkg/diskio"
	"strata/pkg/layout"
	"strata/pkg/types"

	"go.uber.org/zap"
)

// The metadata write pipeline. Every state-changing action on a chunk
// (version change, stabilization, truncation commit, header flush) becomes
// at most two queued metadata ops: a write-header op that serializes the
// current chunk info into the file's header region, and a rename op that
// moves the file between the stable and dirty locations and to its
// version-bearing name. Ops are strictly FIFO per handle, one running at a
// time, and no op starts while data writes are in flight.

type metaOpKind int

const (
	opWriteHeader metaOpKind = iota
	opRename
)

type metaOp struct {
	kind metaOpKind

	// Rename target. The rename logically commits these: on success the
	// in-memory version and stability update atomically with it.
	targetVersion types.Version
	targetStable  bool

	done func(error)
}

// queueMetaOpLocked appends op to the handle's FIFO and starts it if the
// pipeline is idle. Caller holds the lock.
func (m *Manager) queueMetaOpLocked(h *Handle, op *metaOp) {
	h.metaOps = append(h.metaOps, op)
	if op.kind == opRename {
		h.renamesInFlight++
	}
	m.updateGlobalList(h)
	m.maybeStartMetaOpLocked(h)
}

// maybeStartMetaOpLocked starts the front op unless one is already running
// or data writes are in flight. In the latter case the last completing data
// write restarts the pipeline.
func (m *Manager) maybeStartMetaOpLocked(h *Handle) {
	if h.metaOpRunning || len(h.metaOps) == 0 {
		return
	}
	if h.writesInFlight > 0 {
		h.waitingOnWrites = true
		return
	}
	h.waitingOnWrites = false
	h.metaOpRunning = true

	op := h.metaOps[0]
	switch op.kind {
	case opWriteHeader:
		m.startWriteHeaderLocked(h, op)
	case opRename:
		m.startRenameLocked(h, op)
	default:
		m.die("unknown metadata op kind", nil)
	}
}

// startWriteHeaderLocked serializes the handle's current info and writes it
// into the header region. The op opens its own fd when the handle is
// closed.
func (m *Manager) startWriteHeaderLocked(h *Handle, op *metaOp) {
	if !h.checksumsLoaded {
		m.die("header write without loaded checksums", nil)
	}

	buf := layout.EncodeHeader(h.Info)
	serial := h.metaSerial
	f := h.file
	path := h.filePath(m.cfg.DirtyChunksDir)
	sync := !m.cfg.BufferedIo
	h.fileRefs++

	err := h.dir.queue.Submit(func() {
		var opened *os.File
		werr := func() error {
			target := f
			if target == nil {
				var err error
				opened, err = os.OpenFile(path, os.O_RDWR, 0640)
				if err != nil {
					return err
				}
				target = opened
			}
			if _, err := target.WriteAt(buf, 0); err != nil {
				return err
			}
			if sync {
				return target.Sync()
			}
			return nil
		}()

		m.mu.Lock()
		defer m.mu.Unlock()
		h.fileRefs--
		if opened != nil {
			if h.file == nil && werr == nil && !h.deletePending {
				h.file = opened
				m.openChunkFiles++
			} else {
				opened.Close()
			}
		}
		if werr == nil && h.metaSerial == serial {
			h.metaDirty = false
		}
		m.finishMetaOpLocked(h, op, werr)
	})
	if err != nil {
		h.fileRefs--
		m.finishMetaOpLocked(h, op, fmt.Errorf("%w: %v", ErrServerBusy, err))
	}
}

// startRenameLocked moves the chunk file to the op's target location. When
// the on-disk state already matches the target the rename is elided and
// completion is synthesized.
func (m *Manager) startRenameLocked(h *Handle, op *metaOp) {
	matches := h.diskStable == op.targetStable &&
		(!op.targetStable || h.diskVersion == op.targetVersion)
	if matches {
		m.commitRenameLocked(h, op)
		m.finishMetaOpLocked(h, op, nil)
		return
	}

	from := h.filePath(m.cfg.DirtyChunksDir)
	to := targetPath(h.dir, m.cfg.DirtyChunksDir,
		h.Info.FileID, h.Info.ChunkID, op.targetVersion, op.targetStable)

	err := h.dir.queue.Submit(func() {
		rerr := os.Rename(from, to)

		m.mu.Lock()
		defer m.mu.Unlock()
		if rerr == nil {
			m.commitRenameLocked(h, op)
		}
		m.finishMetaOpLocked(h, op, rerr)
	})
	if err != nil {
		m.finishMetaOpLocked(h, op, fmt.Errorf("%w: %v", ErrServerBusy, err))
	}
}

// commitRenameLocked applies the rename's logical effect: version and
// stability update atomically; a transition to stable releases appender
// ownership and commits the chunk's pending write reservations.
func (m *Manager) commitRenameLocked(h *Handle, op *metaOp) {
	versionChanged := h.Info.Version != op.targetVersion

	h.diskStable = op.targetStable
	if op.targetStable {
		h.diskVersion = op.targetVersion
	} else {
		h.diskVersion = 0
	}
	h.Info.Version = op.targetVersion

	if op.targetStable {
		if !h.stable {
			m.log.Info("chunk stabilized",
				zap.Int64("chunk", int64(h.Info.ChunkID)),
				zap.Int64("version", int64(op.targetVersion)),
				zap.Int64("size", h.Info.Size))
		}
		h.stable = true
		h.appenderOwns = false
		m.pendingWrites.removeChunk(h.Info.ChunkID)
		h.pendingWriteCount = 0
	} else {
		h.stable = false
	}

	if versionChanged {
		// The on-disk header still carries the pre-rename version.
		h.metaDirty = true
		h.metaSerial++
	}
}

// finishMetaOpLocked completes the front op, propagates failure to the ops
// queued behind it, and starts the next one. A handle doomed while its
// queue drains is released here once the queue empties.
func (m *Manager) finishMetaOpLocked(h *Handle, op *metaOp, err error) {
	if len(h.metaOps) == 0 || h.metaOps[0] != op {
		m.die("metadata op completion out of order", nil)
	}
	h.metaOps = h.metaOps[1:]
	h.metaOpRunning = false
	if op.kind == opRename {
		h.renamesInFlight--
		if h.renamesInFlight < 0 {
			m.die("negative renames in flight", nil)
		}
	}

	if err != nil && !diskio.IsTransient(err) && !errors.Is(err, ErrServerBusy) {
		// Fail everything queued behind with the same error.
		failed := h.metaOps
		h.metaOps = nil
		for _, q := range failed {
			if q.kind == opRename {
				h.renamesInFlight--
			}
			q.done(err)
		}
		if !h.deletePending && h.global != globalStale && h.global != globalPendingStale {
			m.ioFailedLocked(h, h.generation, err, false)
		}
	} else if err != nil {
		m.log.Warn("transient metadata op error",
			zap.Int64("chunk", int64(h.Info.ChunkID)),
			zap.Error(err))
	}

	op.done(err)

	if len(h.metaOps) == 0 && h.global == globalPendingStale {
		// Disposal was waiting for the pipeline to drain.
		m.detachGlobal(h)
		h.globalElem = m.stale.PushBack(h)
		h.global = globalStale
		m.runStaleQueueLocked()
		return
	}

	m.updateGlobalList(h)
	m.maybeStartMetaOpLocked(h)
}

// WriteChunkMetadata flushes the chunk's header to disk through the
// pipeline and waits for it.
func (m *Manager) WriteChunkMetadata(chunkID types.ChunkID) error {
	m.mu.Lock()
	h, err := m.lookup(chunkID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if !h.metaDirty {
		m.mu.Unlock()
		return nil
	}
	if !h.checksumsLoaded {
		m.mu.Unlock()
		return fmt.Errorf("%w: chunk %d metadata not loaded", ErrInvalidArgument, chunkID)
	}
	ch := make(chan error, 1)
	m.queueMetaOpLocked(h, &metaOp{kind: opWriteHeader, done: func(e error) { ch <- e }})
	m.mu.Unlock()
	return <-ch
}

// ReadChunkMetadata reads and verifies the chunk's on-disk header,
// populating the in-memory checksum array.
func (m *Manager) ReadChunkMetadata(chunkID types.ChunkID) (types.ChunkInfo, error) {
	m.mu.Lock()
	h, err := m.lookup(chunkID)
	if err != nil {
		m.mu.Unlock()
		return types.ChunkInfo{}, err
	}
	gen := h.generation
	m.mu.Unlock()

	if err := m.ensureOpen(h, gen); err != nil {
		return types.ChunkInfo{}, err
	}
	if err := m.ensureChecksumsLoaded(h, gen); err != nil {
		return types.ChunkInfo{}, err
	}
	return m.GetChunkInfo(chunkID)
}

// MakeChunkStable commits the chunk at the given version: header flush if
// dirty, then the rename out of dirty/. Idempotent on an already-stable
// chunk at the same version.
func (m *Manager) MakeChunkStable(chunkID types.ChunkID, version types.Version) error {
	m.mu.Lock()
	h, err := m.lookup(chunkID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	if h.stable && len(h.metaOps) == 0 {
		defer m.mu.Unlock()
		if h.Info.Version == version {
			return nil
		}
		return fmt.Errorf("%w: chunk %d stable at version %d, requested %d",
			ErrBadVersion, chunkID, h.Info.Version, version)
	}

	if !h.versionMatches(version) {
		m.mu.Unlock()
		return fmt.Errorf("%w: chunk %d at version %d, requested %d",
			ErrBadVersion, chunkID, h.Info.Version, version)
	}

	if h.metaDirty && h.checksumsLoaded {
		m.queueMetaOpLocked(h, &metaOp{kind: opWriteHeader, done: func(error) {}})
	}
	ch := make(chan error, 1)
	m.queueMetaOpLocked(h, &metaOp{
		kind:          opRename,
		targetVersion: version,
		targetStable:  true,
		done:          func(e error) { ch <- e },
	})
	m.mu.Unlock()
	return <-ch
}

// ChangeChunkVers moves the chunk from fromVersion to newVersion, optionally
// stabilizing it. An unstable-to-unstable version change with an idle
// pipeline takes the in-memory fast path with no disk I/O.
func (m *Manager) ChangeChunkVers(chunkID types.ChunkID, fromVersion, newVersion types.Version, stable bool) error {
	m.mu.Lock()
	h, err := m.lookup(chunkID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if !h.versionMatches(fromVersion) {
		m.mu.Unlock()
		return fmt.Errorf("%w: chunk %d at version %d, change requested from %d",
			ErrBadVersion, chunkID, h.Info.Version, fromVersion)
	}

	// Same target state with an idle pipeline: nothing to do.
	if newVersion == h.Info.Version && stable == h.stable && len(h.metaOps) == 0 {
		m.mu.Unlock()
		return nil
	}

	// Fast path: unstable stays unstable, only the version moves, nothing
	// in flight. The version updates in memory and the header is left
	// dirty; no disk op, no queue.
	if !h.stable && !stable && h.writesInFlight == 0 &&
		len(h.metaOps) == 0 && h.checksumsLoaded {
		h.Info.Version = newVersion
		h.metaDirty = true
		h.metaSerial++
		m.mu.Unlock()
		return nil
	}

	if h.metaDirty && h.checksumsLoaded {
		m.queueMetaOpLocked(h, &metaOp{kind: opWriteHeader, done: func(error) {}})
	}
	ch := make(chan error, 1)
	m.queueMetaOpLocked(h, &metaOp{
		kind:          opRename,
		targetVersion: newVersion,
		targetStable:  stable,
		done:          func(e error) { ch <- e },
	})
	m.mu.Unlock()
	return <-ch
}
