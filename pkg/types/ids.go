package types

// FileID identifies a file in the cluster namespace. Chunks carry the id of
// the file they belong to so the meta server can correlate reports.
type FileID int64

// ChunkID identifies one chunk. Chunk ids are allocated by the meta server
// and are unique across the cluster.
type ChunkID int64

// Version is a chunk's monotonically increasing version. The pair
// (ChunkID, Version) is authoritative; a chunk whose version does not match
// what the meta server expects is stale.
type Version int64

// WriteID is a server-side reservation token handed to a client that intends
// to push bytes at a chunk.
type WriteID int64

// DeviceID identifies the physical device backing a chunk directory, as
// reported by stat. Used to avoid double-counting free space when several
// directories share a disk.
type DeviceID uint64
