// Package layout defines the on-disk representation of a chunk: the file
// naming scheme that encodes identity and version, and the fixed-size header
// that precedes the payload. The header is bit-exact across implementations.
package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"strata/pkg/checksum"
	"strata/pkg/types"
)

const (
	// ChunkSize is the fixed payload capacity of a chunk.
	ChunkSize = 64 << 20

	// HeaderSize is the fixed size of the chunk file header. Payload starts
	// at this offset.
	HeaderSize = 16 << 10

	// BlocksPerChunk is the number of checksum blocks in a full chunk.
	BlocksPerChunk = ChunkSize / checksum.BlockSize

	// headerRecordSize is the serialized DiskChunkInfo record: four int64
	// fields plus the full checksum array.
	headerRecordSize = 4*8 + BlocksPerChunk*8
)

var (
	ErrMalformedName     = errors.New("malformed chunk file name")
	ErrBadHeader         = errors.New("invalid chunk header")
	ErrBadHeaderChecksum = errors.New("chunk header checksum mismatch")
)

// ChunkFileName renders the canonical file name for a chunk at the given
// version: <fileID>.<chunkID>.<version>. Unstable chunks are written with
// version 0 in the name.
func ChunkFileName(fileID types.FileID, chunkID types.ChunkID, version types.Version) string {
	return fmt.Sprintf("%d.%d.%d", fileID, chunkID, version)
}

// ParseChunkFileName parses a chunk file name produced by ChunkFileName.
func ParseChunkFileName(name string) (types.FileID, types.ChunkID, types.Version, error) {
	parts := strings.Split(name, ".")
	if len(parts) != 3 {
		return 0, 0, 0, ErrMalformedName
	}

	fields := make([]int64, 3)
	for i, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil || v < 0 {
			return 0, 0, 0, ErrMalformedName
		}
		fields[i] = v
	}

	return types.FileID(fields[0]), types.ChunkID(fields[1]), types.Version(fields[2]), nil
}

// EncodeHeader serializes info into a HeaderSize buffer: the DiskChunkInfo
// record in little-endian, followed by a 64-bit block checksum of the
// record, zero padded to HeaderSize.
func EncodeHeader(info types.ChunkInfo) []byte {
	buf := make([]byte, HeaderSize)

	binary.LittleEndian.PutUint64(buf[0:], uint64(info.FileID))
	binary.LittleEndian.PutUint64(buf[8:], uint64(info.ChunkID))
	binary.LittleEndian.PutUint64(buf[16:], uint64(info.Version))
	binary.LittleEndian.PutUint64(buf[24:], uint64(info.Size))

	off := 32
	for i := 0; i < BlocksPerChunk; i++ {
		var sum uint64
		if i < len(info.BlockChecksums) {
			sum = info.BlockChecksums[i]
		}
		binary.LittleEndian.PutUint64(buf[off:], sum)
		off += 8
	}

	recordSum := checksum.Block(buf[:headerRecordSize])
	binary.LittleEndian.PutUint64(buf[headerRecordSize:], recordSum)

	return buf
}

// DecodeHeader parses and validates a chunk file header. With
// requireChecksum set, a zero stored record checksum is rejected; otherwise
// a zero checksum skips verification (headers written by older nodes).
func DecodeHeader(buf []byte, requireChecksum bool) (types.ChunkInfo, error) {
	var info types.ChunkInfo

	if len(buf) < HeaderSize {
		return info, fmt.Errorf("%w: short header: %d bytes", ErrBadHeader, len(buf))
	}

	storedSum := binary.LittleEndian.Uint64(buf[headerRecordSize:])
	if storedSum == 0 && requireChecksum {
		return info, fmt.Errorf("%w: missing record checksum", ErrBadHeaderChecksum)
	}
	if storedSum != 0 {
		if computed := checksum.Block(buf[:headerRecordSize]); computed != storedSum {
			return info, fmt.Errorf("%w: stored %x computed %x",
				ErrBadHeaderChecksum, storedSum, computed)
		}
	}

	info.FileID = types.FileID(binary.LittleEndian.Uint64(buf[0:]))
	info.ChunkID = types.ChunkID(binary.LittleEndian.Uint64(buf[8:]))
	info.Version = types.Version(binary.LittleEndian.Uint64(buf[16:]))
	info.Size = int64(binary.LittleEndian.Uint64(buf[24:]))

	if info.Size < 0 || info.Size > ChunkSize {
		return info, fmt.Errorf("%w: size %d out of range", ErrBadHeader, info.Size)
	}
	if info.FileID < 0 || info.ChunkID < 0 || info.Version < 0 {
		return info, fmt.Errorf("%w: negative identity field", ErrBadHeader)
	}

	info.BlockChecksums = make([]uint64, BlocksPerChunk)
	off := 32
	for i := 0; i < BlocksPerChunk; i++ {
		info.BlockChecksums[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}

	return info, nil
}
