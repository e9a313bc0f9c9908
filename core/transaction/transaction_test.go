package transaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loamdb/loam/core/dberr"
	"github.com/loamdb/loam/core/storage"
	"github.com/loamdb/loam/core/wal"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	dm, err := storage.NewDiskManager(storage.NewMemoryStream(), storage.NewMemoryStream(), 32, zap.NewNop())
	require.NoError(t, err)
	ix := wal.NewIndex(dm, zap.NewNop())
	return NewMonitor(dm, ix, storage.NewHeaderPage(), 200*time.Millisecond, zap.NewNop())
}

func writeMarker(t *testing.T, p *storage.Page, marker uint64) {
	t.Helper()
	_, seg, err := p.InsertBlock(8)
	require.NoError(t, err)
	seg.WriteU64(0, marker)
}

func readMarker(t *testing.T, p *storage.Page) uint64 {
	t.Helper()
	blk, err := p.GetBlock(0)
	require.NoError(t, err)
	return blk.ReadU64(0)
}

func TestTransaction_CommitPublishesPages(t *testing.T) {
	m := newTestMonitor(t)

	txn, err := m.Begin()
	require.NoError(t, err)
	p, err := txn.NewPage(storage.PageTypeData)
	require.NoError(t, err)
	writeMarker(t, p, 42)
	require.NoError(t, txn.Commit())

	reader, err := m.Begin()
	require.NoError(t, err)
	got, err := reader.GetPage(p.PageID)
	require.NoError(t, err)
	require.Equal(t, uint64(42), readMarker(t, got))
	require.NoError(t, reader.Rollback())
}

func TestTransaction_SnapshotIsolation(t *testing.T) {
	m := newTestMonitor(t)

	setup, err := m.Begin()
	require.NoError(t, err)
	p, err := setup.NewPage(storage.PageTypeData)
	require.NoError(t, err)
	writeMarker(t, p, 1)
	require.NoError(t, setup.Commit())
	pageID := p.PageID

	reader, err := m.Begin()
	require.NoError(t, err)

	writer, err := m.Begin()
	require.NoError(t, err)
	wp, err := writer.GetPageForWrite(pageID)
	require.NoError(t, err)
	blk, err := wp.GetBlock(0)
	require.NoError(t, err)
	blk.WriteU64(0, 2)
	require.NoError(t, writer.Commit())

	// The reader began before the writer committed; it keeps the old copy.
	rp, err := reader.GetPage(pageID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), readMarker(t, rp))
	require.NoError(t, reader.Rollback())

	after, err := m.Begin()
	require.NoError(t, err)
	ap, err := after.GetPage(pageID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), readMarker(t, ap))
	require.NoError(t, after.Rollback())
}

func TestTransaction_RollbackDiscardsAndReclaims(t *testing.T) {
	m := newTestMonitor(t)

	txn, err := m.Begin()
	require.NoError(t, err)
	p, err := txn.NewPage(storage.PageTypeData)
	require.NoError(t, err)
	id := p.PageID
	require.NoError(t, txn.Rollback())

	// Rolled-back allocation is reused before the file grows.
	txn2, err := m.Begin()
	require.NoError(t, err)
	p2, err := txn2.NewPage(storage.PageTypeData)
	require.NoError(t, err)
	require.Equal(t, id, p2.PageID)
	require.NoError(t, txn2.Rollback())
}

func TestTransaction_FreePageGoesToChain(t *testing.T) {
	m := newTestMonitor(t)

	txn, err := m.Begin()
	require.NoError(t, err)
	p, err := txn.NewPage(storage.PageTypeData)
	require.NoError(t, err)
	id := p.PageID
	require.NoError(t, txn.Commit())

	freer, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, freer.FreePage(id))
	require.NoError(t, freer.Commit())

	var chainHead uint32
	m.Header(func(h *storage.HeaderPage) { chainHead = h.FreeEmptyPageID })
	require.Equal(t, id, chainHead)

	// Allocation pops the chain head.
	alloc, err := m.Begin()
	require.NoError(t, err)
	p2, err := alloc.NewPage(storage.PageTypeIndex)
	require.NoError(t, err)
	require.Equal(t, id, p2.PageID)
	require.NoError(t, alloc.Rollback())
}

func TestTransaction_CatalogStagedPerTransaction(t *testing.T) {
	m := newTestMonitor(t)

	txn, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.SetCollection("ghosts", 9))

	inCatalog := func(tr *Transaction) bool {
		var found bool
		require.NoError(t, tr.ReadHeader(func(h *storage.HeaderPage) {
			_, found = h.GetCollectionPageID("ghosts")
		}))
		return found
	}

	// The staged entry is visible inside the transaction only.
	require.True(t, inCatalog(txn))
	other, err := m.Begin()
	require.NoError(t, err)
	require.False(t, inCatalog(other))
	require.NoError(t, other.Rollback())

	// Rollback drops the staged entry without touching shared state.
	require.NoError(t, txn.Rollback())
	after, err := m.Begin()
	require.NoError(t, err)
	require.False(t, inCatalog(after))
	require.NoError(t, after.Rollback())

	// A committed entry is visible to transactions begun afterwards.
	writer, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, writer.SetCollection("ghosts", 9))
	require.NoError(t, writer.Commit())
	final, err := m.Begin()
	require.NoError(t, err)
	require.True(t, inCatalog(final))
	require.NoError(t, final.Rollback())
}

func TestTransaction_FailedLogSyncLeavesFreeChainUntouched(t *testing.T) {
	logStream := storage.NewMemoryStream()
	dm, err := storage.NewDiskManager(storage.NewMemoryStream(), logStream, 32, zap.NewNop())
	require.NoError(t, err)
	ix := wal.NewIndex(dm, zap.NewNop())
	m := NewMonitor(dm, ix, storage.NewHeaderPage(), 200*time.Millisecond, zap.NewNop())

	setup, err := m.Begin()
	require.NoError(t, err)
	p, err := setup.NewPage(storage.PageTypeData)
	require.NoError(t, err)
	writeMarker(t, p, 7)
	require.NoError(t, setup.Commit())
	id := p.PageID

	logStream.FailNextSync()
	freer, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, freer.FreePage(id))
	require.Error(t, freer.Commit())

	// The failed free never reached the shared free chain.
	var head uint32
	m.Header(func(h *storage.HeaderPage) { head = h.FreeEmptyPageID })
	require.Equal(t, storage.EmptyPageID, head)

	// The page is still live and readable.
	reader, err := m.Begin()
	require.NoError(t, err)
	got, err := reader.GetPage(id)
	require.NoError(t, err)
	require.Equal(t, uint64(7), readMarker(t, got))
	require.NoError(t, reader.Rollback())

	// Allocation extends the file rather than handing out the live page.
	alloc, err := m.Begin()
	require.NoError(t, err)
	p2, err := alloc.NewPage(storage.PageTypeData)
	require.NoError(t, err)
	require.NotEqual(t, id, p2.PageID)
	require.NoError(t, alloc.Rollback())
}

func TestTransaction_FinishedRejectsOperations(t *testing.T) {
	m := newTestMonitor(t)

	txn, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	_, err = txn.GetPage(1)
	require.ErrorIs(t, err, dberr.ErrTransactionFinished)
	require.ErrorIs(t, txn.Commit(), dberr.ErrTransactionFinished)
	require.ErrorIs(t, txn.Rollback(), dberr.ErrTransactionFinished)
}

func TestTransaction_WriteLockExcludesWriters(t *testing.T) {
	m := newTestMonitor(t)

	a, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, a.LockWrite("users"))

	b, err := m.Begin()
	require.NoError(t, err)
	err = b.LockWrite("users")
	require.ErrorIs(t, err, dberr.ErrLockTimeout)

	// Disjoint collections do not contend.
	require.NoError(t, b.LockWrite("orders"))
	require.NoError(t, b.Rollback())
	require.NoError(t, a.Rollback())

	// Released lock is available again.
	c, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, c.LockWrite("users"))
	require.NoError(t, c.Rollback())
}

func TestTransaction_ReadLocksShare(t *testing.T) {
	m := newTestMonitor(t)

	a, err := m.Begin()
	require.NoError(t, err)
	b, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, a.LockRead("users"))
	require.NoError(t, b.LockRead("users"))

	// Upgrade succeeds once the other reader releases.
	require.NoError(t, b.Rollback())
	require.NoError(t, a.LockWrite("users"))
	require.NoError(t, a.Rollback())
}

func TestMonitor_ActiveTransactionCap(t *testing.T) {
	m := newTestMonitor(t)

	open := make([]*Transaction, 0, MaxActiveTransactions)
	for i := 0; i < MaxActiveTransactions; i++ {
		txn, err := m.Begin()
		require.NoError(t, err)
		open = append(open, txn)
	}
	_, err := m.Begin()
	require.ErrorIs(t, err, dberr.ErrTooManyTransactions)

	for _, txn := range open {
		require.NoError(t, txn.Rollback())
	}
	require.Equal(t, 0, m.ActiveCount())
}

func TestLockManager_ExclusiveBlocksTransactions(t *testing.T) {
	m := newTestMonitor(t)

	require.NoError(t, m.Locks().EnterExclusive())
	_, err := m.Begin()
	require.ErrorIs(t, err, dberr.ErrLockTimeout)
	m.Locks().ExitExclusive()

	txn, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Rollback())
}
