// Package checksum implements the engine's block checksums. Chunk payloads
// are divided into fixed-size checksum blocks; every read and write is
// internally aligned to block boundaries and verified against the per-block
// checksum array stored in the chunk header.
package checksum

import (
	"github.com/creachadair/cityhash"
)

// BlockSize is the fixed checksum block size in bytes.
const BlockSize = 64 * 1024

var nullBlockChecksum uint64

func init() {
	nullBlockChecksum = Block(make([]byte, BlockSize))
}

// Block computes the 64-bit checksum of one block's worth of data.
func Block(data []byte) uint64 {
	return cityhash.Hash64(data)
}

// NullBlock returns the checksum of an all-zero block. A stored checksum of
// zero paired with a computed null-block checksum identifies a sparse block.
func NullBlock() uint64 {
	return nullBlockChecksum
}

// ComputeBlocks computes checksums over buf, one per block. The tail is
// zero-padded to a full block before hashing, so callers may pass a buffer
// whose length is not a block multiple.
func ComputeBlocks(buf []byte) []uint64 {
	n := (len(buf) + BlockSize - 1) / BlockSize
	sums := make([]uint64, n)
	for i := 0; i < n; i++ {
		start := i * BlockSize
		end := start + BlockSize
		if end <= len(buf) {
			sums[i] = Block(buf[start:end])
			continue
		}
		padded := make([]byte, BlockSize)
		copy(padded, buf[start:])
		sums[i] = Block(padded)
	}
	return sums
}

// BlockIndex returns the index of the block containing the given payload
// offset.
func BlockIndex(offset int64) int {
	return int(offset / BlockSize)
}

// AlignRange widens [offset, offset+length) to block boundaries and returns
// the aligned offset and length. The aligned length is always a block
// multiple.
func AlignRange(offset, length int64) (alignedOff, alignedLen int64) {
	alignedOff = offset - offset%BlockSize
	end := offset + length
	if rem := end % BlockSize; rem != 0 {
		end += BlockSize - rem
	}
	return alignedOff, end - alignedOff
}

// IsAligned reports whether both offset and length fall on block boundaries.
func IsAligned(offset, length int64) bool {
	return offset%BlockSize == 0 && length%BlockSize == 0
}
