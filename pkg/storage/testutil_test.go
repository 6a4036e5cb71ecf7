package storage

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"strata/pkg/config"
	"strata/pkg/dircheck"
	"strata/pkg/diskio"
	"strata/pkg/meta"
	"strata/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

// recordingMeta captures every op the engine emits and answers evacuation
// batches with a canned reply.
type recordingMeta struct {
	mu        sync.Mutex
	corrupt   []meta.CorruptChunkEvent
	evacuate  []meta.EvacuateRequest
	evacReply meta.EvacuateReply
}

func (r *recordingMeta) CorruptChunk(ev meta.CorruptChunkEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.corrupt = append(r.corrupt, ev)
}

func (r *recordingMeta) EvacuateChunks(req meta.EvacuateRequest, done func(meta.EvacuateReply)) {
	r.mu.Lock()
	r.evacuate = append(r.evacuate, req)
	reply := r.evacReply
	r.mu.Unlock()
	done(reply)
}

func (r *recordingMeta) corruptEvents() []meta.CorruptChunkEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]meta.CorruptChunkEvent(nil), r.corrupt...)
}

func (r *recordingMeta) evacuateRequests() []meta.EvacuateRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]meta.EvacuateRequest(nil), r.evacuate...)
}

// stepQueue is a diskio.Submitter whose manual mode holds submitted ops
// until the test releases them, to pin down completion order.
type stepQueue struct {
	mu     sync.Mutex
	manual bool
	ops    []func()
}

func (q *stepQueue) Submit(op func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.manual {
		go op()
		return nil
	}
	q.ops = append(q.ops, op)
	return nil
}

func (q *stepQueue) SetManual(manual bool) {
	q.mu.Lock()
	q.manual = manual
	q.mu.Unlock()
	if !manual {
		for q.Step() {
		}
	}
}

// Step runs the oldest held op. Returns false when none are held.
func (q *stepQueue) Step() bool {
	q.mu.Lock()
	if len(q.ops) == 0 {
		q.mu.Unlock()
		return false
	}
	op := q.ops[0]
	q.ops = q.ops[1:]
	q.mu.Unlock()
	op()
	return true
}

func (q *stepQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *stepQueue) Close() {}

func errTimedOutForTest() error {
	return unix.ETIMEDOUT
}

// testConfigOver is the default engine config pointed at existing dirs.
func testConfigOver(t *testing.T, dirs []string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ChunkDirs = dirs
	require.NoError(t, cfg.Validate())
	return cfg
}

func zaptestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// openFdCount reports how many chunk files the manager holds open.
func (m *Manager) openFdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openChunkFiles
}

type testEnv struct {
	m     *Manager
	mc    *recordingMeta
	dirs  []string
	steps map[string]*stepQueue
}

// newTestEnv builds a manager over n temp directories with real disk
// queues.
func newTestEnv(t *testing.T, n int) *testEnv {
	return newTestEnvWith(t, n, false)
}

// newTestEnvWith optionally substitutes manually-steppable disk queues.
func newTestEnvWith(t *testing.T, n int, stepped bool) *testEnv {
	t.Helper()

	cfg := config.Default()
	dirs := make([]string, n)
	for i := range dirs {
		dirs[i] = t.TempDir()
	}
	cfg.ChunkDirs = dirs
	require.NoError(t, cfg.Validate())

	mc := &recordingMeta{}
	m := NewManager(cfg, mc, nil, zaptest.NewLogger(t))
	m.rng = rand.New(rand.NewSource(1))

	env := &testEnv{m: m, mc: mc, dirs: dirs, steps: make(map[string]*stepQueue)}
	if stepped {
		m.newQueue = func(dir string) diskio.Submitter {
			q := &stepQueue{}
			env.steps[dir] = q
			return q
		}
	}

	pd := make([]*dircheck.Dir, n)
	for i, dir := range dirs {
		pd[i] = &dircheck.Dir{Path: dir, Device: types.DeviceID(i + 1)}
	}
	require.NoError(t, m.AdoptDirs(pd))

	t.Cleanup(func() { m.Shutdown(time.Second) })
	return env
}

// handle grabs the chunk's handle for white-box assertions.
func (e *testEnv) handle(t *testing.T, chunkID types.ChunkID) *Handle {
	t.Helper()
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	h, ok := e.m.chunks[chunkID]
	require.True(t, ok, "chunk %d not in table", chunkID)
	return h
}

// waitCond polls cond under the manager lock.
func (e *testEnv) waitCond(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		e.m.mu.Lock()
		defer e.m.mu.Unlock()
		return cond()
	}, 5*time.Second, time.Millisecond)
}

// checkInvariants walks the structural invariants of the chunk table and
// lists. Call at quiescent points.
func (e *testEnv) checkInvariants(t *testing.T) {
	t.Helper()
	m := e.m
	m.mu.Lock()
	defer m.mu.Unlock()

	onLRU := make(map[*Handle]bool)
	for el := m.lru.Front(); el != nil; el = el.Next() {
		h := el.Value.(*Handle)
		assert.False(t, onLRU[h], "handle on LRU twice")
		onLRU[h] = true
	}

	for id, h := range m.chunks {
		assert.Equal(t, id, h.Info.ChunkID)

		// Exactly one global list, at most one directory list.
		switch h.global {
		case globalLRU:
			assert.True(t, onLRU[h], "handle claims LRU membership but is absent")
			assert.NotNil(t, h.file, "LRU handle with closed file")
			assert.False(t, h.appenderOwns, "appender-owned handle on LRU")
			assert.False(t, h.beingReplicated, "replicating handle on LRU")
			assert.Empty(t, h.metaOps, "handle with pending meta ops on LRU")
		case globalNone:
			assert.False(t, onLRU[h])
		default:
			t.Errorf("table handle %d on stale list", id)
		}
		assert.NotEqual(t, dirNone, h.dirMember, "table handle %d off directory lists", id)

		if h.renamesInFlight > 0 {
			found := false
			for _, op := range h.metaOps {
				if op.kind == opRename {
					found = true
				}
			}
			assert.True(t, found, "renames in flight without queued rename")
		}
	}

	for _, d := range m.dirs {
		var sum int64
		for _, h := range d.handles() {
			if h.writesInFlight == 0 {
				sum += h.Info.Size
			}
		}
		if quiescent(d) {
			assert.Equal(t, sum, d.usedSpace, "dir %s used space drift", d.path)
		}
		assert.GreaterOrEqual(t, d.usedSpace, int64(0))
	}
}

func quiescent(d *chunkDir) bool {
	for _, h := range d.handles() {
		if h.writesInFlight > 0 {
			return false
		}
	}
	return true
}
