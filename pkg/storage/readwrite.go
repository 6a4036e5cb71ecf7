package storage

import (
	"errors"
	"fmt"
	"io"
	"os"

	"strata/pkg/checksum"
	"strata/pkg/layout"
	"strata/pkg/types"

	"go.uber.org/zap"
)

// AllocChunk creates a new unstable chunk under dirty/ in a directory
// picked by placement.
func (m *Manager) AllocChunk(fileID types.FileID, chunkID types.ChunkID, version types.Version) error {
	return m.allocChunk(fileID, chunkID, version, false)
}

// AllocChunkForAppend creates a new chunk owned by the record-append
// coordinator. Appender-owned chunks never enter the idle LRU and refuse
// random-write reservations.
func (m *Manager) AllocChunkForAppend(fileID types.FileID, chunkID types.ChunkID, version types.Version) error {
	return m.allocChunk(fileID, chunkID, version, true)
}

func (m *Manager) allocChunk(fileID types.FileID, chunkID types.ChunkID, version types.Version, appendFlag bool) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrShutdown
	}
	if _, ok := m.chunks[chunkID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: chunk %d", ErrChunkExists, chunkID)
	}
	d := m.placeChunkLocked()
	if d == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: no usable chunk directory", ErrNoSpace)
	}

	h := &Handle{
		Info: types.ChunkInfo{
			FileID:         fileID,
			ChunkID:        chunkID,
			Version:        version,
			BlockChecksums: make([]uint64, layout.BlocksPerChunk),
		},
		dir:             d,
		appenderOwns:    appendFlag,
		checksumsLoaded: true,
		metaDirty:       true,
		lastIO:          m.now(),
	}
	m.chunks[chunkID] = h
	d.addLive(h)
	path := h.filePath(m.cfg.DirtyChunksDir)
	q := d.queue
	m.mu.Unlock()

	var f *os.File
	err := submitAndWait(q, func() error {
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0640)
		return err
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.chunks, chunkID)
		d.removeFromDirList(h)
		m.detachGlobal(h)
		return fmt.Errorf("failed to create chunk file: %w", err)
	}
	h.file = f
	m.openChunkFiles++
	m.touch(h)
	m.log.Info("chunk allocated",
		zap.Int64("file", int64(fileID)),
		zap.Int64("chunk", int64(chunkID)),
		zap.Int64("version", int64(version)),
		zap.String("dir", d.path),
		zap.Bool("append", appendFlag))
	return nil
}

// OpenChunk opens the chunk's backing file if it is closed.
func (m *Manager) OpenChunk(chunkID types.ChunkID) error {
	m.mu.Lock()
	h, err := m.lookup(chunkID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	gen := h.generation
	m.mu.Unlock()
	return m.ensureOpen(h, gen)
}

// ReadChunk reads length bytes at offset. The read is internally aligned
// to checksum blocks and every touched block is verified; a mismatch
// retries with a fresh disk read up to the configured count before the
// chunk is declared corrupt. Reads at or past the chunk size return zero
// bytes without error.
func (m *Manager) ReadChunk(chunkID types.ChunkID, version types.Version, offset int64, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("%w: read offset %d length %d", ErrInvalidArgument, offset, length)
	}

	m.mu.Lock()
	h, err := m.lookup(chunkID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if version != h.Info.Version {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: chunk %d at version %d, read requested %d",
			ErrBadVersion, chunkID, h.Info.Version, version)
	}
	if offset >= h.Info.Size {
		m.touch(h)
		m.mu.Unlock()
		return []byte{}, nil
	}
	if length > h.Info.Size-offset {
		length = h.Info.Size - offset
	}
	gen := h.generation
	m.mu.Unlock()

	if err := m.ensureOpen(h, gen); err != nil {
		return nil, err
	}
	if err := m.ensureChecksumsLoaded(h, gen); err != nil {
		return nil, err
	}

	attempts := 1 + m.cfg.ReadChecksumMismatchMaxRetryCount
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		data, err := m.readVerified(h, gen, offset, length, attempt)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !errors.Is(err, ErrBadChecksum) {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h.generation == gen {
		if m.cfg.AbortOnChecksumMismatch {
			m.die("chunk data checksum mismatch", lastErr)
		}
		m.log.Error("chunk read failed checksum verification",
			zap.Int64("chunk", int64(chunkID)),
			zap.Int64("offset", offset),
			zap.Error(lastErr))
		m.markCorruptLocked(h, false)
	}
	return nil, lastErr
}

// readVerified performs one aligned disk read plus verification pass.
func (m *Manager) readVerified(h *Handle, gen uint64, offset, length int64, attempt int) ([]byte, error) {
	alignedOff, alignedLen := checksum.AlignRange(offset, length)

	m.mu.Lock()
	if h.generation != gen {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: chunk %d", ErrChunkNotFound, h.Info.ChunkID)
	}
	f := h.file
	q := h.dir.queue
	h.fileRefs++
	h.dir.pendingReadBytes += alignedLen
	m.mu.Unlock()

	buf := make([]byte, alignedLen)
	rerr := submitAndWait(q, func() error {
		_, err := f.ReadAt(buf, layout.HeaderSize+alignedOff)
		if err == io.EOF {
			// Tail blocks past EOF stay zero; the verifier sees full,
			// zero-padded blocks.
			return nil
		}
		return err
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	h.fileRefs--
	h.dir.pendingReadBytes -= alignedLen
	if h.generation != gen {
		m.runStaleQueueLocked()
		return nil, fmt.Errorf("%w: chunk %d", ErrChunkNotFound, h.Info.ChunkID)
	}
	if rerr != nil {
		return nil, m.ioFailedLocked(h, gen, rerr, false)
	}

	firstBlock := checksum.BlockIndex(alignedOff)
	nBlocks := int(alignedLen / checksum.BlockSize)
	for i := 0; i < nBlocks; i++ {
		stored := h.Info.BlockChecksums[firstBlock+i]
		computed := checksum.Block(buf[int64(i)*checksum.BlockSize : int64(i+1)*checksum.BlockSize])
		if stored == computed {
			continue
		}
		if stored == 0 {
			if m.cfg.AllowSparseChunks && computed == checksum.NullBlock() {
				continue
			}
			// Unhashed block (truncate boundary): adopt the computed sum.
			h.Info.BlockChecksums[firstBlock+i] = computed
			h.metaDirty = true
			h.metaSerial++
			continue
		}
		return nil, fmt.Errorf("%w: chunk %d block %d attempt %d: stored %x computed %x",
			ErrBadChecksum, h.Info.ChunkID, firstBlock+i, attempt, stored, computed)
	}

	m.touch(h)
	return buf[offset-alignedOff : offset-alignedOff+length], nil
}

// WriteChunk writes data at offset. Block-aligned writes hash the incoming
// buffer directly; misaligned writes shorter than a checksum block are
// widened by zero-splicing (past EOF) or read-modify-write. Misaligned
// writes of a full block or more are invalid.
func (m *Manager) WriteChunk(chunkID types.ChunkID, version types.Version, offset int64, data []byte) (int64, error) {
	n := int64(len(data))
	if offset < 0 || n == 0 {
		return 0, fmt.Errorf("%w: write offset %d length %d", ErrInvalidArgument, offset, n)
	}
	if offset+n > layout.ChunkSize {
		return 0, fmt.Errorf("%w: write past chunk size: offset %d length %d",
			ErrInvalidArgument, offset, n)
	}
	aligned := checksum.IsAligned(offset, n)
	if !aligned && n >= checksum.BlockSize {
		return 0, fmt.Errorf("%w: misaligned write of %d bytes", ErrInvalidArgument, n)
	}

	m.mu.Lock()
	h, err := m.lookup(chunkID)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	if h.stable {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: chunk %d", ErrWriteToStable, chunkID)
	}
	if !h.versionMatches(version) {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: chunk %d at version %d, write requested %d",
			ErrBadVersion, chunkID, h.Info.Version, version)
	}
	growth := offset + n - h.Info.Size
	if growth < 0 {
		growth = 0
	}
	if total := m.totalSpaceLocked(); total > 0 && m.usedSpace+growth > total {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: node capacity exceeded", ErrNoSpace)
	}
	gen := h.generation
	sizeNow := h.Info.Size
	m.mu.Unlock()

	if err := m.ensureOpen(h, gen); err != nil {
		return 0, err
	}
	if err := m.ensureChecksumsLoaded(h, gen); err != nil {
		return 0, err
	}

	// Build the aligned buffer to write and its block checksums.
	var wbuf []byte
	var woff int64
	if aligned {
		wbuf, woff = data, offset
	} else {
		alignedOff, alignedLen := checksum.AlignRange(offset, n)
		wbuf = make([]byte, alignedLen)
		if alignedOff < sizeNow {
			// Read-modify-write: fetch the underlying blocks, splice the
			// incoming bytes, rehash the full blocks.
			existing, err := m.readVerified(h, gen, alignedOff, min64(alignedLen, sizeNow-alignedOff), 0)
			if err != nil {
				if errors.Is(err, ErrBadChecksum) {
					m.mu.Lock()
					if h.generation == gen {
						m.markCorruptLocked(h, false)
					}
					m.mu.Unlock()
				}
				return 0, err
			}
			copy(wbuf, existing)
		}
		copy(wbuf[offset-alignedOff:], data)
		woff = alignedOff
	}
	sums := checksum.ComputeBlocks(wbuf)

	m.mu.Lock()
	if h.generation != gen {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: chunk %d", ErrChunkNotFound, chunkID)
	}
	f := h.file
	q := h.dir.queue
	h.writesInFlight++
	h.fileRefs++
	h.dir.pendingWriteBytes += int64(len(wbuf))
	sync := !m.cfg.BufferedIo
	m.mu.Unlock()

	werr := submitAndWait(q, func() error {
		if _, err := f.WriteAt(wbuf, layout.HeaderSize+woff); err != nil {
			return err
		}
		if sync {
			return f.Sync()
		}
		return nil
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	h.writesInFlight--
	h.fileRefs--
	h.dir.pendingWriteBytes -= int64(len(wbuf))
	if h.writesInFlight == 0 && h.waitingOnWrites {
		defer m.maybeStartMetaOpLocked(h)
	}
	if h.generation != gen {
		m.runStaleQueueLocked()
		return 0, fmt.Errorf("%w: chunk %d", ErrChunkNotFound, chunkID)
	}
	if werr != nil {
		return 0, m.ioFailedLocked(h, gen, werr, false)
	}

	firstBlock := checksum.BlockIndex(woff)
	copy(h.Info.BlockChecksums[firstBlock:firstBlock+len(sums)], sums)
	if end := offset + n; end > h.Info.Size {
		delta := end - h.Info.Size
		h.Info.Size = end
		h.dir.usedSpace += delta
		m.usedSpace += delta
	}
	h.metaDirty = true
	h.metaSerial++
	m.touch(h)
	return n, nil
}

// WriteChunkWithID resolves a pending write reservation and performs the
// write it reserved.
func (m *Manager) WriteChunkWithID(writeID types.WriteID, offset int64, data []byte) (int64, error) {
	m.mu.Lock()
	pw, ok := m.pendingWrites.get(writeID)
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: write id %d", ErrChunkNotFound, writeID)
	}
	chunkID, version := pw.chunkID, pw.version
	m.mu.Unlock()
	return m.WriteChunk(chunkID, version, offset, data)
}

// TruncateChunk sets the chunk's logical size. The checksum of the block
// containing the new end is zeroed so it is rehashed on next access;
// blocks wholly past the end are zeroed too.
func (m *Manager) TruncateChunk(chunkID types.ChunkID, version types.Version, size int64) error {
	if size < 0 || size > layout.ChunkSize {
		return fmt.Errorf("%w: truncate to %d", ErrInvalidArgument, size)
	}

	m.mu.Lock()
	h, err := m.lookup(chunkID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if h.stable {
		m.mu.Unlock()
		return fmt.Errorf("%w: chunk %d", ErrWriteToStable, chunkID)
	}
	if !h.versionMatches(version) {
		m.mu.Unlock()
		return fmt.Errorf("%w: chunk %d at version %d, truncate requested %d",
			ErrBadVersion, chunkID, h.Info.Version, version)
	}
	if size == h.Info.Size {
		m.mu.Unlock()
		return nil
	}
	gen := h.generation
	m.mu.Unlock()

	if err := m.ensureOpen(h, gen); err != nil {
		return err
	}
	if err := m.ensureChecksumsLoaded(h, gen); err != nil {
		return err
	}

	m.mu.Lock()
	if h.generation != gen {
		m.mu.Unlock()
		return fmt.Errorf("%w: chunk %d", ErrChunkNotFound, chunkID)
	}
	f := h.file
	q := h.dir.queue
	h.writesInFlight++
	h.fileRefs++
	m.mu.Unlock()

	terr := submitAndWait(q, func() error {
		return f.Truncate(layout.HeaderSize + size)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	h.writesInFlight--
	h.fileRefs--
	if h.writesInFlight == 0 && h.waitingOnWrites {
		defer m.maybeStartMetaOpLocked(h)
	}
	if h.generation != gen {
		m.runStaleQueueLocked()
		return fmt.Errorf("%w: chunk %d", ErrChunkNotFound, chunkID)
	}
	if terr != nil {
		return m.ioFailedLocked(h, gen, terr, false)
	}

	delta := size - h.Info.Size
	h.Info.Size = size
	h.dir.usedSpace += delta
	m.usedSpace += delta

	// Zero the checksum of the block containing the new end (it must be
	// rehashed on next access) and of every block past it. A size on a
	// block boundary leaves the preceding block's checksum intact.
	start := checksum.BlockIndex(size)
	if size > 0 && size%checksum.BlockSize == 0 {
		start = checksum.BlockIndex(size - 1) + 1
	}
	for i := start; i < layout.BlocksPerChunk; i++ {
		h.Info.BlockChecksums[i] = 0
	}

	h.metaDirty = true
	h.metaSerial++
	m.touch(h)
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
