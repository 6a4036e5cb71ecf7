package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"strata/pkg/config"
	"strata/pkg/meta"
	"strata/pkg/types"

	"go.uber.org/zap"
)

// Stale-chunk disposal and directory-level failure. A stale chunk leaves
// the chunk table immediately; its file is unlinked or quarantined in the
// stale-chunks subdirectory by a background queue throttled to
// max_stale_chunk_ops_in_flight concurrent disk ops.

// stalePolicyFor resolves the disposal policy for a doomed chunk.
func stalePolicyFor(cfg *config.Config, evacuated bool) stalePolicy {
	if cfg.ForceDeleteStaleChunks {
		return staleDelete
	}
	if evacuated && cfg.KeepEvacuatedChunks {
		return staleKeep
	}
	return staleDelete
}

// DeleteChunk dooms the chunk and schedules its file for disposal.
func (m *Manager) DeleteChunk(chunkID types.ChunkID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.lookup(chunkID)
	if err != nil {
		return err
	}
	m.makeStaleLocked(h, stalePolicyFor(m.cfg, h.dirMember == dirEvacuating))
	return nil
}

// StaleChunk dooms the chunk, optionally forcing unlink over quarantine.
func (m *Manager) StaleChunk(chunkID types.ChunkID, forceDelete bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.lookup(chunkID)
	if err != nil {
		return err
	}
	policy := stalePolicyFor(m.cfg, h.dirMember == dirEvacuating)
	if forceDelete {
		policy = staleDelete
	}
	m.makeStaleLocked(h, policy)
	return nil
}

// makeStaleLocked removes h from the chunk table and every index, adjusts
// space accounting, and queues disposal. A handle with metadata ops still
// draining parks on the pending-stale list until its queue empties.
func (m *Manager) makeStaleLocked(h *Handle, policy stalePolicy) {
	if h.global == globalStale || h.global == globalPendingStale {
		return
	}

	evacuating := h.dirMember == dirEvacuating
	d := h.dir

	delete(m.chunks, h.Info.ChunkID)
	h.generation++
	h.deletePending = true
	h.disposal = policy

	m.pendingWrites.removeChunk(h.Info.ChunkID)
	h.pendingWriteCount = 0

	d.removeFromDirList(h)
	d.usedSpace -= h.Info.Size
	m.usedSpace -= h.Info.Size
	if d.usedSpace < 0 || m.usedSpace < 0 {
		m.die("negative used space", nil)
	}

	m.detachGlobal(h)
	if len(h.metaOps) > 0 {
		h.globalElem = m.pendingStale.PushBack(h)
		h.global = globalPendingStale
	} else {
		h.globalElem = m.stale.PushBack(h)
		h.global = globalStale
		m.runStaleQueueLocked()
	}

	if evacuating {
		m.noteEvacuationProgressLocked(d)
	} else if d.evac == evacDraining && d.live.Len() == 0 && d.evacuating.Len() == 0 {
		m.finishEvacuationLocked(d)
	}
}

// runStaleQueueLocked starts disposal disk ops up to the concurrency cap.
func (m *Manager) runStaleQueueLocked() {
	for m.staleOpsInFlight < m.cfg.MaxStaleChunkOpsInFlight && m.stale.Len() > 0 {
		e := m.stale.Front()
		h := e.Value.(*Handle)
		if h.fileRefs > 0 || h.writesInFlight > 0 {
			// In-flight I/O still references the fd; the tick retries.
			break
		}
		m.stale.Remove(e)
		h.global = globalNone
		h.globalElem = nil
		m.staleOpsInFlight++

		f := h.file
		h.file = nil
		if f != nil {
			m.openChunkFiles--
		}

		from := h.filePath(m.cfg.DirtyChunksDir)
		var to string
		if h.disposal == staleKeep {
			to = filepath.Join(h.dir.path, m.cfg.StaleChunksDir, filepath.Base(from))
		}
		q := h.dir.queue
		log := m.log
		chunkID := h.Info.ChunkID

		err := q.Submit(func() {
			if f != nil {
				f.Close()
			}
			var derr error
			if to != "" {
				derr = os.Rename(from, to)
			} else {
				derr = os.Remove(from)
			}
			if derr != nil && !os.IsNotExist(derr) {
				log.Warn("stale chunk disposal failed",
					zap.Int64("chunk", int64(chunkID)),
					zap.String("path", from),
					zap.Error(derr))
			}

			m.mu.Lock()
			m.staleOpsInFlight--
			m.runStaleQueueLocked()
			m.mu.Unlock()
		})
		if err != nil {
			// Queue unavailable (shutdown or directory gone); the file
			// stays behind for the next restore to collect.
			m.staleOpsInFlight--
			if f != nil {
				f.Close()
			}
		}
	}
}

// dirFailedLocked takes a directory out of service: every hosted chunk is
// erased from the table, a single coalesced lost-chunks notification goes
// to the meta server, and the directory is handed back to the prober.
func (m *Manager) dirFailedLocked(d *chunkDir, reason string) {
	if !d.available {
		return
	}
	d.available = false

	m.log.Error("chunk directory failed",
		zap.String("dir", d.path),
		zap.String("reason", reason),
		zap.Int("chunks", d.chunkCount))

	handles := d.handles()
	lost := make([]types.ChunkID, 0, len(handles))
	files := make([]*os.File, 0, len(handles))
	for _, h := range handles {
		delete(m.chunks, h.Info.ChunkID)
		h.generation++
		d.removeFromDirList(h)
		m.detachGlobal(h)
		m.pendingWrites.removeChunk(h.Info.ChunkID)
		d.usedSpace -= h.Info.Size
		m.usedSpace -= h.Info.Size
		if h.file != nil {
			files = append(files, h.file)
			h.file = nil
			m.openChunkFiles--
		}
		lost = append(lost, h.Info.ChunkID)
	}

	for i, dd := range m.dirs {
		if dd == d {
			m.dirs = append(m.dirs[:i], m.dirs[i+1:]...)
			break
		}
	}
	m.recomputeCountedDirs()

	// Notification goes out after every handle has left the table, as a
	// single op referencing all of them.
	if len(lost) > 0 {
		m.meta.CorruptChunk(meta.CorruptChunkEvent{
			FileID:   -1,
			ChunkIDs: lost,
			Dir:      d.path,
			IsLost:   true,
		})
	}

	queue := d.queue
	release := d.releaseLock
	path := d.path
	go func() {
		for _, f := range files {
			f.Close()
		}
		queue.Close()
		if release != nil {
			release()
		}
		if m.checker != nil {
			m.checker.HandBack(path)
		}
	}()
}

// NotifyDirFailed is the external entry for directory-level failure (disk
// pulled, repeated probe failures).
func (m *Manager) NotifyDirFailed(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.dirs {
		if d.path == path {
			m.dirFailedLocked(d, "reported failed")
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrDirNotFound, path)
}
