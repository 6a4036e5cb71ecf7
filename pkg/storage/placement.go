package storage

// Placement of new chunks across directories. Directories low on space,
// evacuating, or unavailable are eliminated; when pending-I/O weights are
// configured, overloaded disks are eliminated too; the survivors enter a
// weighted random draw biased toward emptier drives while keeping small
// drives in rotation.

// placeChunkLocked picks the directory for a new chunk, or nil when no
// directory can take one. Caller holds the lock.
func (m *Manager) placeChunkLocked() *chunkDir {
	candidates := make([]*chunkDir, 0, len(m.dirs))
	for _, d := range m.dirs {
		if !d.placementUsable() {
			continue
		}
		if d.availableSpace < m.cfg.MinFsAvailableSpace {
			continue
		}
		if float64(d.availableSpace) < m.cfg.MaxSpaceUtilizationThreshold*float64(d.totalSpace) {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		return nil
	}

	rw := m.cfg.ChunkPlacementPendingReadWeight
	ww := m.cfg.ChunkPlacementPendingWriteWeight
	if rw > 0 || ww > 0 {
		var totalRead, totalWrite int64
		for _, d := range candidates {
			totalRead += d.pendingReadBytes
			totalWrite += d.pendingWriteBytes
		}
		cutoff := int64((float64(totalRead)*rw + float64(totalWrite)*ww) /
			float64(len(candidates)))
		if cutoff < m.cfg.MinPendingIoThreshold {
			cutoff = m.cfg.MinPendingIoThreshold
		}

		kept := candidates[:0]
		var fallback *chunkDir
		var fallbackLoad int64
		for _, d := range candidates {
			load := d.pendingReadBytes + d.pendingWriteBytes
			if load > cutoff {
				if fallback == nil || load < fallbackLoad {
					fallback = d
					fallbackLoad = load
				}
				continue
			}
			kept = append(kept, d)
		}
		if len(kept) == 0 {
			// Every directory is overloaded; take the least-loaded one.
			return fallback
		}
		candidates = kept
	}

	var maxAvail int64
	for _, d := range candidates {
		if d.availableSpace > maxAvail {
			maxAvail = d.availableSpace
		}
	}
	minAvail := int64(m.cfg.MaxPlacementSpaceRatio * float64(maxAvail))

	weight := func(d *chunkDir) int64 {
		if d.availableSpace < minAvail {
			return minAvail
		}
		return d.availableSpace
	}

	var total int64
	for _, d := range candidates {
		total += weight(d)
	}
	if total <= 0 {
		return candidates[0]
	}

	r := m.rng.Int63n(total)
	for _, d := range candidates {
		r -= weight(d)
		if r < 0 {
			return d
		}
	}
	return candidates[len(candidates)-1]
}
