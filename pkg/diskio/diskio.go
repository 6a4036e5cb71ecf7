// Package diskio provides the per-directory asynchronous disk operation
// queues the storage engine submits all file I/O through. Each chunk
// directory gets one queue backed by a small pool of worker goroutines;
// submitted operations run in order of arrival per worker and report back
// via the closures they capture. The engine never performs a syscall on its
// own dispatch path.
package diskio

import (
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	ErrQueueFull   = errors.New("disk queue full")
	ErrQueueClosed = errors.New("disk queue closed")
)

// IsTransient reports whether err is a retryable disk-layer error. Transient
// errors are logged by callers but never evict a chunk or fail a directory.
func IsTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.ENOMEM) ||
		errors.Is(err, unix.ETIMEDOUT)
}

// IsTimeout reports whether err is a disk-op timeout. Timeouts are transient
// at chunk level but count toward the directory failure threshold.
func IsTimeout(err error) bool {
	return errors.Is(err, unix.ETIMEDOUT)
}

// Submitter is the queue surface the storage engine depends on. Tests
// substitute a manually-stepped implementation to control completion order.
type Submitter interface {
	// Submit enqueues op for execution on a worker goroutine. It never
	// blocks: a full queue returns ErrQueueFull.
	Submit(op func()) error
	Close()
}

// Queue is the production Submitter: a bounded channel drained by a fixed
// pool of workers.
type Queue struct {
	dir    string
	logger *zap.Logger

	mu     sync.Mutex
	ops    chan func()
	closed bool
	wg     sync.WaitGroup
}

// NewQueue starts a queue for the given directory. depth bounds the number
// of queued-but-not-started operations.
func NewQueue(dir string, workers, depth int, logger *zap.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}

	q := &Queue{
		dir:    dir,
		logger: logger,
		ops:    make(chan func(), depth),
	}

	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for op := range q.ops {
		op()
	}
}

func (q *Queue) Submit(op func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ops <- op:
		return nil
	default:
		q.logger.Warn("disk queue full", zap.String("dir", q.dir))
		return ErrQueueFull
	}
}

// Close stops accepting operations and waits for in-flight ones to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ops)
	q.mu.Unlock()

	q.wg.Wait()
}

// StatFs returns the total and available byte counts of the file system
// holding path.
func StatFs(path string) (total, avail int64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := int64(st.Bsize)
	return int64(st.Blocks) * bsize, int64(st.Bavail) * bsize, nil
}
