// Package transaction implements snapshot transactions over the page store:
// copy-on-write page staging, redo-log commit, and the collection and
// engine level locking that keeps writers serialized per collection.
package transaction

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/loamdb/loam/core/dberr"
	"github.com/loamdb/loam/core/storage"
	"github.com/loamdb/loam/core/wal"
)

// MaxActiveTransactions caps concurrently open transactions.
const MaxActiveTransactions = 100

// Monitor owns the shared mutable state every transaction coordinates
// through: the in-memory header page, the free-page pool, and the commit
// sequence point.
type Monitor struct {
	disk   *storage.DiskManager
	walIx  *wal.Index
	locks  *LockManager
	logger *zap.Logger

	// allocMu guards header and pendingFree. Page allocation and the
	// commit-time free-chain linking both run under it.
	allocMu     sync.Mutex
	header      *storage.HeaderPage
	pendingFree []uint32

	// commitMu serializes the append+sync+confirm sequence so log pages of
	// different transactions never interleave.
	commitMu sync.Mutex

	active atomic.Int32
}

func NewMonitor(disk *storage.DiskManager, walIx *wal.Index, header *storage.HeaderPage, lockTimeout time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		disk:   disk,
		walIx:  walIx,
		locks:  NewLockManager(lockTimeout),
		header: header,
		logger: logger,
	}
}

func (m *Monitor) Locks() *LockManager { return m.locks }

func (m *Monitor) WalIndex() *wal.Index { return m.walIx }

// Header runs fn with the shared header under the allocation lock.
func (m *Monitor) Header(fn func(h *storage.HeaderPage)) {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	fn(m.header)
}

// ReclaimPages feeds page ids back into the in-memory free pool. Rollback
// and the startup orphan scan use it.
func (m *Monitor) ReclaimPages(pageIDs []uint32) {
	if len(pageIDs) == 0 {
		return
	}
	m.allocMu.Lock()
	m.pendingFree = append(m.pendingFree, pageIDs...)
	m.allocMu.Unlock()
}

// Begin opens a snapshot transaction pinned to the current read version.
func (m *Monitor) Begin() (*Transaction, error) {
	if n := m.active.Add(1); n > MaxActiveTransactions {
		m.active.Add(-1)
		return nil, fmt.Errorf("%w: %d already open", dberr.ErrTooManyTransactions, MaxActiveTransactions)
	}
	if err := m.locks.EnterTransaction(); err != nil {
		m.active.Add(-1)
		return nil, err
	}
	t := &Transaction{
		monitor:     m,
		id:          m.walIx.NextTransactionID(),
		readVersion: m.walIx.CurrentReadVersion(),
		state:       StateActive,
		pages:       make(map[uint32]*storage.Page),
		colLocks:    make(map[string]lockMode),
	}
	m.logger.Debug("transaction started",
		zap.Uint32("txn_id", t.id),
		zap.Uint32("read_version", t.readVersion))
	return t, nil
}

// ActiveCount reports open transactions; close waits on it draining.
func (m *Monitor) ActiveCount() int {
	return int(m.active.Load())
}

func (m *Monitor) finish(t *Transaction) {
	for name, mode := range t.colLocks {
		if mode == lockWrite {
			m.locks.ExitWrite(name)
		} else {
			m.locks.ExitRead(name)
		}
	}
	t.colLocks = nil
	m.locks.ExitTransaction()
	m.active.Add(-1)
}

// allocatePage hands out a page id: first from the in-memory pool, then
// from the durable free chain, last by growing the file.
func (m *Monitor) allocatePage(t *Transaction) (uint32, error) {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	if n := len(m.pendingFree); n > 0 {
		id := m.pendingFree[n-1]
		m.pendingFree = m.pendingFree[:n-1]
		return id, nil
	}
	if m.header.FreeEmptyPageID != storage.EmptyPageID {
		id := m.header.FreeEmptyPageID
		p, err := t.readCommittedLatest(id)
		if err != nil {
			return 0, err
		}
		m.header.FreeEmptyPageID = p.NextPageID
		return id, nil
	}
	m.header.LastPageID++
	return m.header.LastPageID, nil
}
