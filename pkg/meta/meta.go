// Package meta defines the operations the storage engine emits toward the
// cluster meta server. The wire transport lives outside the engine; the
// engine talks to a Client implementation and never blocks on it while
// holding its own state lock.
package meta

import (
	"strata/pkg/types"
)

// CorruptChunkEvent notifies the meta server that hosted chunks are corrupt
// or gone. A directory failure coalesces every affected chunk into a single
// event. IsLost distinguishes "lost" (the data is gone, e.g. the disk died)
// from "corrupted" (the data is present but failed verification).
type CorruptChunkEvent struct {
	FileID   types.FileID
	ChunkIDs []types.ChunkID
	Dir      string
	IsLost   bool
}

// DirStats carries the reporting directory's space counters alongside an
// evacuation request so the meta server can re-plan placement.
type DirStats struct {
	Dir            string
	TotalSpace     int64
	UsedSpace      int64
	AvailableSpace int64
}

// EvacuateRequest asks the meta server to re-replicate the listed chunks
// away from this node.
type EvacuateRequest struct {
	Stats    DirStats
	ChunkIDs []types.ChunkID
}

// EvacuateReply is the meta server's answer to an EvacuateRequest.
type EvacuateReply struct {
	// Err is the meta server's verdict; nil accepts the batch.
	Err error
	// Retry indicates a server-busy condition: retry with a batch of one.
	Retry bool
}

// Client is the meta-server connection surface the engine emits through.
// CorruptChunk is fire-and-forget; EvacuateChunks is asynchronous, with the
// reply delivered on done from an arbitrary goroutine.
type Client interface {
	CorruptChunk(ev CorruptChunkEvent)
	EvacuateChunks(req EvacuateRequest, done func(EvacuateReply))
}
