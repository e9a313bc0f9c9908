// Package wal maintains the in-memory index over the redo log: which page
// versions live at which log positions, which transactions are confirmed,
// and the read version snapshot readers pin.
package wal

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/loamdb/loam/core/storage"
)

// versionSlot records one logged copy of a page: the read version it became
// visible at and its byte position in the log file. Slots for a page are
// kept in ascending version order.
type versionSlot struct {
	version  uint32
	position int64
}

// Index maps page ids to their logged versions. Readers resolve a page
// against the version they pinned when their transaction started; writers
// install new slots at confirm time.
type Index struct {
	disk   *storage.DiskManager
	logger *zap.Logger

	lastTxnID atomic.Uint32

	mu      sync.RWMutex
	version uint32
	slots   map[uint32][]versionSlot

	confirmed *xsync.MapOf[uint32, uint32]
}

func NewIndex(disk *storage.DiskManager, logger *zap.Logger) *Index {
	return &Index{
		disk:      disk,
		logger:    logger,
		slots:     make(map[uint32][]versionSlot),
		confirmed: xsync.NewMapOf[uint32, uint32](),
	}
}

// NextTransactionID hands out monotonically increasing transaction ids.
func (ix *Index) NextTransactionID() uint32 {
	return ix.lastTxnID.Add(1)
}

// CurrentReadVersion returns the version a new transaction should pin. All
// pages confirmed at or below this version are visible to it.
func (ix *Index) CurrentReadVersion() uint32 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.version
}

// GetPagePosition resolves a page against a pinned read version. It returns
// the log position of the newest copy visible at that version, or false when
// the page has no logged copy and must be read from the data file.
func (ix *Index) GetPagePosition(pageID uint32, readVersion uint32) (int64, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	slots := ix.slots[pageID]
	for i := len(slots) - 1; i >= 0; i-- {
		if slots[i].version <= readVersion {
			return slots[i].position, true
		}
	}
	return 0, false
}

// ConfirmTransaction installs the page positions a committed transaction
// appended to the log and advances the read version, making the new copies
// visible to transactions that start afterwards. Returns the version the
// pages became visible at.
func (ix *Index) ConfirmTransaction(txnID uint32, positions map[uint32]int64) uint32 {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.version++
	for pageID, pos := range positions {
		ix.slots[pageID] = append(ix.slots[pageID], versionSlot{version: ix.version, position: pos})
	}
	ix.confirmed.Store(txnID, ix.version)

	ix.logger.Debug("transaction confirmed",
		zap.Uint32("txn_id", txnID),
		zap.Uint32("version", ix.version),
		zap.Int("pages", len(positions)))
	return ix.version
}

// IsConfirmed reports whether the transaction id reached its confirm marker.
func (ix *Index) IsConfirmed(txnID uint32) bool {
	_, ok := ix.confirmed.Load(txnID)
	return ok
}

// Size returns the number of distinct pages with at least one logged copy.
// The checkpoint threshold is measured against this.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.slots)
}

// clear drops every slot and confirmed marker. Callers hold ix.mu.
func (ix *Index) clearLocked() {
	ix.slots = make(map[uint32][]versionSlot)
	ix.confirmed.Clear()
	ix.version = 0
}
