package storage

import (
	"container/list"
	"os"
	"path/filepath"
	"time"

	"strata/pkg/layout"
	"strata/pkg/types"
)

// globalList identifies which manager-level list a handle is on.
type globalList int

const (
	globalNone globalList = iota
	globalLRU
	globalStale        // queued for disposal
	globalPendingStale // disposal blocked on draining meta ops
)

// dirList identifies which of its directory's lists a handle is on.
type dirList int

const (
	dirNone dirList = iota
	dirLive
	dirEvacuating
)

// Handle is the in-memory record of one hosted chunk. All fields are
// guarded by the manager mutex. A handle belongs to exactly one global list
// and at most one directory list at any time.
type Handle struct {
	Info types.ChunkInfo

	dir  *chunkDir
	file *os.File

	// generation invalidates completions that raced with a state change:
	// every disk completion re-checks the generation it captured at submit
	// time and drops itself on mismatch.
	generation uint64

	// fileRefs counts in-flight disk operations using file. The fd is never
	// closed while nonzero.
	fileRefs int

	lastIO time.Time

	stable          bool
	beingReplicated bool
	appenderOwns    bool
	metaDirty       bool
	deletePending   bool

	// metaSerial increments on every mutation of Info; a header write only
	// clears metaDirty if the serial it captured is still current.
	metaSerial uint64

	// checksumsLoaded is false when BlockChecksums has been dropped (fd
	// closed, memory reclaimed) or never read; the header must be re-read
	// and verified before serving reads.
	checksumsLoaded bool

	// diskStable/diskVersion mirror what the current file name encodes:
	// stable files carry their true version, dirty files always carry 0.
	diskStable  bool
	diskVersion types.Version

	writesInFlight  int
	renamesInFlight int

	// metaOps is the FIFO of pending metadata mutations. Only the front op
	// runs; it must not start while data writes are in flight.
	metaOps         []*metaOp
	metaOpRunning   bool
	waitingOnWrites bool

	pendingWriteCount int

	// disposal is how the doomed handle's file leaves the directory.
	disposal stalePolicy

	global     globalList
	globalElem *list.Element
	dirMember  dirList
	dirElem    *list.Element
}

// stalePolicy captures how a doomed handle's file is disposed of.
type stalePolicy int

const (
	staleDelete stalePolicy = iota
	staleKeep               // rename into the stale-chunks subdirectory
)

// filePath is the handle's current on-disk path, derived from the disk
// state, not the committed in-memory state.
func (h *Handle) filePath(dirtyDirName string) string {
	if h.diskStable {
		return filepath.Join(h.dir.path,
			layout.ChunkFileName(h.Info.FileID, h.Info.ChunkID, h.diskVersion))
	}
	return filepath.Join(h.dir.path, dirtyDirName,
		layout.ChunkFileName(h.Info.FileID, h.Info.ChunkID, 0))
}

// targetPath is the on-disk path for a queued rename target.
func targetPath(dir *chunkDir, dirtyDirName string, fileID types.FileID,
	chunkID types.ChunkID, version types.Version, stable bool) string {
	if stable {
		return filepath.Join(dir.path, layout.ChunkFileName(fileID, chunkID, version))
	}
	return filepath.Join(dir.path, dirtyDirName, layout.ChunkFileName(fileID, chunkID, 0))
}

// latestTargetVersion returns the version the chunk is committing to: the
// target of the last queued rename, or the committed version when nothing
// is queued.
func (h *Handle) latestTargetVersion() types.Version {
	for i := len(h.metaOps) - 1; i >= 0; i-- {
		if h.metaOps[i].kind == opRename {
			return h.metaOps[i].targetVersion
		}
	}
	return h.Info.Version
}

// latestTargetStable is the stability the chunk is committing to.
func (h *Handle) latestTargetStable() bool {
	for i := len(h.metaOps) - 1; i >= 0; i-- {
		if h.metaOps[i].kind == opRename {
			return h.metaOps[i].targetStable
		}
	}
	return h.stable
}

// versionMatches implements the version check all version-bearing
// operations perform: the supplied version must equal the committed version
// or, when a rename is queued, the in-flight target version.
func (h *Handle) versionMatches(v types.Version) bool {
	if v == h.Info.Version {
		return true
	}
	if h.renamesInFlight > 0 && v == h.latestTargetVersion() {
		return true
	}
	return false
}

// idle reports whether no I/O or metadata work references the handle.
func (h *Handle) idle() bool {
	return h.writesInFlight == 0 && h.fileRefs == 0 && len(h.metaOps) == 0
}
