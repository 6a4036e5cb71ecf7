package storage

import (
	"fmt"
	"time"

	"strata/pkg/types"

	"github.com/google/btree"
)

// The pending-write table: outstanding write reservations keyed by
// write-id, with a FIFO by enqueue time for LRU scavenging.

type pendingWrite struct {
	id       types.WriteID
	chunkID  types.ChunkID
	version  types.Version
	appendMode  bool
	enqueued time.Time
	seq      uint64
}

func (p *pendingWrite) Less(than btree.Item) bool {
	return p.seq < than.(*pendingWrite).seq
}

type pendingWrites struct {
	byID    map[types.WriteID]*pendingWrite
	byChunk map[types.ChunkID]map[types.WriteID]*pendingWrite
	byAge   *btree.BTree
	nextSeq uint64
}

func newPendingWrites() *pendingWrites {
	return &pendingWrites{
		byID:    make(map[types.WriteID]*pendingWrite),
		byChunk: make(map[types.ChunkID]map[types.WriteID]*pendingWrite),
		byAge:   btree.New(8),
	}
}

func (p *pendingWrites) insert(pw *pendingWrite) {
	pw.seq = p.nextSeq
	p.nextSeq++
	p.byID[pw.id] = pw
	chunkSet, ok := p.byChunk[pw.chunkID]
	if !ok {
		chunkSet = make(map[types.WriteID]*pendingWrite)
		p.byChunk[pw.chunkID] = chunkSet
	}
	chunkSet[pw.id] = pw
	p.byAge.ReplaceOrInsert(pw)
}

func (p *pendingWrites) get(id types.WriteID) (*pendingWrite, bool) {
	pw, ok := p.byID[id]
	return pw, ok
}

func (p *pendingWrites) remove(pw *pendingWrite) {
	delete(p.byID, pw.id)
	if chunkSet, ok := p.byChunk[pw.chunkID]; ok {
		delete(chunkSet, pw.id)
		if len(chunkSet) == 0 {
			delete(p.byChunk, pw.chunkID)
		}
	}
	p.byAge.Delete(pw)
}

// removeChunk drops every reservation against chunkID, returning how many
// were dropped.
func (p *pendingWrites) removeChunk(chunkID types.ChunkID) int {
	chunkSet, ok := p.byChunk[chunkID]
	if !ok {
		return 0
	}
	n := 0
	for _, pw := range chunkSet {
		delete(p.byID, pw.id)
		p.byAge.Delete(pw)
		n++
	}
	delete(p.byChunk, chunkID)
	return n
}

// oldest returns the front of the FIFO, nil when empty.
func (p *pendingWrites) oldest() *pendingWrite {
	item := p.byAge.Min()
	if item == nil {
		return nil
	}
	return item.(*pendingWrite)
}

func (p *pendingWrites) chunkHasWrites(chunkID types.ChunkID) bool {
	return len(p.byChunk[chunkID]) > 0
}

func (p *pendingWrites) len() int {
	return len(p.byID)
}

func (p *pendingWrites) clear() {
	p.byID = make(map[types.WriteID]*pendingWrite)
	p.byChunk = make(map[types.ChunkID]map[types.WriteID]*pendingWrite)
	p.byAge.Clear(false)
}

// AllocateWriteID reserves a write-id for a chunk. The chunk must exist,
// the version must match, the chunk must be writable, and the
// appender-vs-random-write mode of the request must match the chunk's
// ownership.
func (m *Manager) AllocateWriteID(chunkID types.ChunkID, version types.Version, appendFlag bool) (types.WriteID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := m.lookup(chunkID)
	if err != nil {
		return 0, err
	}
	if h.stable {
		return 0, fmt.Errorf("%w: chunk %d", ErrWriteToStable, chunkID)
	}
	if !h.versionMatches(version) {
		return 0, fmt.Errorf("%w: chunk %d at version %d, reservation requested %d",
			ErrBadVersion, chunkID, h.Info.Version, version)
	}
	if appendFlag != h.appenderOwns {
		return 0, fmt.Errorf("%w: chunk %d append mode mismatch", ErrInvalidArgument, chunkID)
	}

	id := types.WriteID(m.rng.Int63())
	for id == 0 || m.pendingWrites.byID[id] != nil {
		id = types.WriteID(m.rng.Int63())
	}
	m.pendingWrites.insert(&pendingWrite{
		id:       id,
		chunkID:  chunkID,
		version:  version,
		appendMode:  appendFlag,
		enqueued: m.now(),
	})
	h.pendingWriteCount++
	return id, nil
}

// PendingWriteCount reports the table size.
func (m *Manager) PendingWriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingWrites.len()
}

// scavengePendingWritesLocked drops reservations older than the configured
// TTL. A reservation whose chunk has been idle just as long takes the
// chunk's file handle down with it.
func (m *Manager) scavengePendingWritesLocked(now time.Time) {
	cutoff := now.Add(-time.Duration(m.cfg.MaxPendingWriteLruSecs) * time.Second)
	for {
		pw := m.pendingWrites.oldest()
		if pw == nil || pw.enqueued.After(cutoff) {
			return
		}
		m.pendingWrites.remove(pw)

		h, ok := m.chunks[pw.chunkID]
		if !ok {
			continue
		}
		if h.pendingWriteCount > 0 {
			h.pendingWriteCount--
		}
		if h.pendingWriteCount == 0 && h.lastIO.Before(cutoff) &&
			h.idle() && !h.metaDirty && h.file != nil {
			m.closeFileLocked(h)
		}
	}
}
