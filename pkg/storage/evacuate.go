package storage

import (
	"os"
	"path/filepath"
	"time"

	"strata/pkg/meta"
	"strata/pkg/types"

	"go.uber.org/zap"
)

// Directory evacuation: the operator drops an `evacuate` sentinel into a
// directory; the engine asks the meta server to re-replicate its chunks
// elsewhere in batches, moves acknowledged chunks to the evacuating
// sub-list, and, once both lists drain, renames the sentinel to its .done
// counterpart and retires the directory.

// startEvacuationLocked issues the next evacuate-chunks batch for d. Entered
// from evacRequested (first batch), evacStarted (retry), and evacDraining
// (reschedule). Caller holds the lock.
func (m *Manager) startEvacuationLocked(d *chunkDir) {
	if !d.available || d.evacuateOpInFlight {
		return
	}
	if d.live.Len() == 0 && d.evacuating.Len() == 0 {
		m.finishEvacuationLocked(d)
		return
	}

	if d.evac == evacRequested {
		d.evac = evacStarted
		d.evacStartChunkCount = d.chunkCount
		d.evacStartByteCount = d.usedSpace
		m.recomputeCountedDirs()
		m.log.Info("evacuation started",
			zap.String("dir", d.path),
			zap.Int("chunks", d.chunkCount),
			zap.Int64("used_space", d.usedSpace))
	}

	batchCap := m.cfg.MaxEvacuateChunkIDs
	if d.evacuateBatchSizeOne {
		batchCap = 1
	}
	batch := make([]types.ChunkID, 0, batchCap)
	for e := d.live.Front(); e != nil && len(batch) < batchCap; e = e.Next() {
		batch = append(batch, e.Value.(*Handle).Info.ChunkID)
	}
	if len(batch) == 0 {
		// Everything is already on the evacuating list; keep draining.
		return
	}

	d.evacuateOpInFlight = true
	req := meta.EvacuateRequest{
		Stats: meta.DirStats{
			Dir:            d.path,
			TotalSpace:     d.totalSpace,
			UsedSpace:      d.usedSpace,
			AvailableSpace: d.availableSpace,
		},
		ChunkIDs: batch,
	}

	// The meta client may reply synchronously; call it off-lock.
	go m.meta.EvacuateChunks(req, func(reply meta.EvacuateReply) {
		m.evacuateBatchDone(d, batch, reply)
	})
}

func (m *Manager) evacuateBatchDone(d *chunkDir, batch []types.ChunkID, reply meta.EvacuateReply) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d.evacuateOpInFlight = false
	if !d.available {
		return
	}

	switch {
	case reply.Err == nil:
		for _, id := range batch {
			h, ok := m.chunks[id]
			if !ok || h.dir != d || h.dirMember != dirLive {
				continue
			}
			d.moveToEvacuating(h)
			d.evacuateInFlight++
		}
		d.evac = evacDraining
		d.evacuateBatchSizeOne = false
		d.evacuateIoErrors = 0
		d.lastEvacActivity = m.now()
		m.log.Info("evacuation batch accepted",
			zap.String("dir", d.path),
			zap.Int("chunks", len(batch)))

	case reply.Retry:
		// Server busy; next attempt carries a single chunk.
		d.evacuateBatchSizeOne = true
		m.log.Info("evacuation batch deferred", zap.String("dir", d.path))

	default:
		d.evacuateIoErrors++
		m.log.Warn("evacuation batch failed",
			zap.String("dir", d.path),
			zap.Int("errors", d.evacuateIoErrors),
			zap.Error(reply.Err))
		if d.evacuateIoErrors >= m.cfg.MaxEvacuateIoErrors {
			m.dirFailedLocked(d, "too many evacuation errors")
		}
	}
}

// noteEvacuationProgressLocked runs when an evacuating chunk leaves the
// directory. Falling at or below the reschedule threshold triggers the
// next batch; empty lists complete the evacuation.
func (m *Manager) noteEvacuationProgressLocked(d *chunkDir) {
	if d.evacuateInFlight > 0 {
		d.evacuateInFlight--
	}
	d.lastEvacActivity = m.now()

	if d.live.Len() == 0 && d.evacuating.Len() == 0 {
		m.finishEvacuationLocked(d)
		return
	}

	threshold := m.cfg.MaxEvacuateChunkIDs / 8
	if d.evacuateInFlight <= threshold && d.live.Len() > 0 {
		m.startEvacuationLocked(d)
	}
}

// restartEvacuationLocked bounces an inactive draining directory back to
// evacuate-started: evacuating chunks rejoin the live list and a fresh
// meta op goes out.
func (m *Manager) restartEvacuationLocked(d *chunkDir) {
	for d.evacuating.Len() > 0 {
		m.log.Debug("evacuation restart: chunk rejoins live list",
			zap.String("dir", d.path))
		d.moveToLive(d.evacuating.Front().Value.(*Handle))
	}
	d.evacuateInFlight = 0
	d.evac = evacStarted
	d.lastEvacActivity = m.now()
	m.log.Info("evacuation restarted", zap.String("dir", d.path))
	m.startEvacuationLocked(d)
}

// finishEvacuationLocked renames the evacuate sentinel to its .done form
// and retires the directory. The prober refuses to re-admit it while the
// .done sentinel exists.
func (m *Manager) finishEvacuationLocked(d *chunkDir) {
	if d.evac == evacDone || !d.available {
		return
	}
	d.evac = evacDone

	from := filepath.Join(d.path, m.cfg.EvacuateFileName)
	to := filepath.Join(d.path, m.cfg.EvacuateDoneFileName)

	err := d.queue.Submit(func() {
		rerr := os.Rename(from, to)

		m.mu.Lock()
		defer m.mu.Unlock()
		if rerr != nil && !os.IsNotExist(rerr) {
			m.log.Warn("failed to rename evacuate sentinel",
				zap.String("dir", d.path), zap.Error(rerr))
			// Back to draining with the activity clock zeroed so the
			// inactivity timer retries promptly.
			d.evac = evacDraining
			d.lastEvacActivity = time.Time{}
			return
		}
		m.log.Info("evacuation complete", zap.String("dir", d.path))
		m.dirFailedLocked(d, "evacuation complete")
	})
	if err != nil {
		d.evac = evacDraining
	}
}
