package storage

import (
	"errors"
)

// Stable error surface of the engine. Callers test with errors.Is. Most
// errors returned across the public API wrap one of these; disk I/O errors
// and chunk file creation failures are returned as the underlying OS error.
var (
	ErrChunkNotFound   = errors.New("no such chunk")
	ErrChunkExists     = errors.New("chunk already exists")
	ErrDirNotFound     = errors.New("no such chunk directory")
	ErrBadVersion      = errors.New("chunk version mismatch")
	ErrBadChecksum     = errors.New("checksum mismatch")
	ErrServerBusy      = errors.New("server busy")
	ErrNoSpace         = errors.New("no space")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrWriteToStable   = errors.New("chunk is stable")
	ErrShutdown        = errors.New("shutting down")
)

// die is the sink for detected in-memory state corruption. These are bugs,
// not runtime conditions; the process must not continue with a corrupt
// chunk table.
func (m *Manager) die(msg string, err error) {
	if err != nil {
		m.log.Panic(msg + ": " + err.Error())
	}
	m.log.Panic(msg)
}
