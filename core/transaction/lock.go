package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/loamdb/loam/core/dberr"
)

// lockState is one reader/writer lock with try semantics. Readers share it,
// a writer excludes everyone. Acquisition is polled with backoff so a
// timeout can be enforced without parking goroutines on channels.
type lockState struct {
	mu      sync.Mutex
	readers int
	writer  bool
}

func (s *lockState) tryShared() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer {
		return false
	}
	s.readers++
	return true
}

func (s *lockState) tryExclusive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer || s.readers > 0 {
		return false
	}
	s.writer = true
	return true
}

func (s *lockState) releaseShared() {
	s.mu.Lock()
	s.readers--
	s.mu.Unlock()
}

func (s *lockState) releaseExclusive() {
	s.mu.Lock()
	s.writer = false
	s.mu.Unlock()
}

// LockManager hands out per-collection reader/writer locks plus one engine
// lock. Transactions hold the engine lock shared for their whole lifetime;
// checkpoint takes it exclusively so no reader is pinned to a log position
// while pages move back into the data file.
type LockManager struct {
	timeout time.Duration
	engine  lockState
	table   *xsync.MapOf[string, *lockState]
}

func NewLockManager(timeout time.Duration) *LockManager {
	return &LockManager{
		timeout: timeout,
		table:   xsync.NewMapOf[string, *lockState](),
	}
}

func (lm *LockManager) state(collection string) *lockState {
	s, _ := lm.table.LoadOrCompute(collection, func() *lockState {
		return &lockState{}
	})
	return s
}

// acquire polls try with doubling backoff until it succeeds or the deadline
// passes.
func (lm *LockManager) acquire(what string, try func() bool) error {
	if try() {
		return nil
	}
	deadline := time.Now().Add(lm.timeout)
	backoff := 50 * time.Microsecond
	for time.Now().Before(deadline) {
		time.Sleep(backoff)
		if try() {
			return nil
		}
		if backoff < 5*time.Millisecond {
			backoff *= 2
		}
	}
	return fmt.Errorf("%w: %s after %s", dberr.ErrLockTimeout, what, lm.timeout)
}

func (lm *LockManager) EnterTransaction() error {
	return lm.acquire("engine shared", lm.engine.tryShared)
}

func (lm *LockManager) ExitTransaction() {
	lm.engine.releaseShared()
}

// EnterExclusive blocks out every transaction. Checkpoint and close use it.
func (lm *LockManager) EnterExclusive() error {
	return lm.acquire("engine exclusive", lm.engine.tryExclusive)
}

func (lm *LockManager) ExitExclusive() {
	lm.engine.releaseExclusive()
}

func (lm *LockManager) EnterRead(collection string) error {
	return lm.acquire("read "+collection, lm.state(collection).tryShared)
}

func (lm *LockManager) ExitRead(collection string) {
	lm.state(collection).releaseShared()
}

func (lm *LockManager) EnterWrite(collection string) error {
	return lm.acquire("write "+collection, lm.state(collection).tryExclusive)
}

func (lm *LockManager) ExitWrite(collection string) {
	lm.state(collection).releaseExclusive()
}
