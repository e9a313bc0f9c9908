package transaction

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/loamdb/loam/core/dberr"
	"github.com/loamdb/loam/core/storage"
)

// State tracks a transaction through its lifecycle. Once a transaction
// leaves StateActive every page operation on it fails.
type State byte

const (
	StateActive State = iota
	StateCommitting
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled back"
	}
	return "unknown"
}

type lockMode byte

const (
	lockRead lockMode = iota
	lockWrite
)

// Transaction is one snapshot over the database. Reads resolve against the
// read version pinned at Begin; writes stage copy-on-write pages that only
// reach the log at Commit, with the last page carrying the confirm marker.
type Transaction struct {
	monitor *Monitor

	id          uint32
	readVersion uint32
	state       State

	pages       map[uint32]*storage.Page
	allocated   []uint32
	freed       []uint32
	headerDirty bool

	// header is the snapshot view of page 0, loaded lazily; catalogOps are
	// this transaction's catalog changes, replayed onto the shared header
	// only after the commit is durable.
	header     *storage.HeaderPage
	catalogOps []catalogOp

	colLocks map[string]lockMode
	logged   int
}

// catalogOp is one staged collection-catalog change.
type catalogOp struct {
	name   string
	pageID uint32
	remove bool
}

func (t *Transaction) applyCatalog(h *storage.HeaderPage) {
	for _, op := range t.catalogOps {
		if op.remove {
			h.RemoveCollection(op.name)
		} else {
			h.SetCollection(op.name, op.pageID)
		}
	}
}

func (t *Transaction) ID() uint32          { return t.id }
func (t *Transaction) ReadVersion() uint32 { return t.readVersion }
func (t *Transaction) State() State        { return t.state }

// LoggedPages reports how many pages the commit appended to the log.
func (t *Transaction) LoggedPages() int { return t.logged }

func (t *Transaction) checkActive() error {
	if t.state != StateActive {
		return fmt.Errorf("%w: transaction %d is %s", dberr.ErrTransactionFinished, t.id, t.state)
	}
	return nil
}

// LockRead takes the collection lock shared. Re-entry and read-under-write
// are no-ops.
func (t *Transaction) LockRead(collection string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if _, held := t.colLocks[collection]; held {
		return nil
	}
	if err := t.monitor.locks.EnterRead(collection); err != nil {
		return err
	}
	t.colLocks[collection] = lockRead
	return nil
}

// LockWrite takes the collection lock exclusively, upgrading a held shared
// lock. The upgrade releases first, so two upgraders resolve by timeout
// rather than deadlock.
func (t *Transaction) LockWrite(collection string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if mode, held := t.colLocks[collection]; held {
		if mode == lockWrite {
			return nil
		}
		t.monitor.locks.ExitRead(collection)
		delete(t.colLocks, collection)
	}
	if err := t.monitor.locks.EnterWrite(collection); err != nil {
		return err
	}
	t.colLocks[collection] = lockWrite
	return nil
}

// GetPage reads a page as of the transaction's snapshot: staged copy first,
// then the newest logged copy at or below the read version, then the data
// file.
func (t *Transaction) GetPage(pageID uint32) (*storage.Page, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	if p, ok := t.pages[pageID]; ok {
		return p, nil
	}
	if pos, ok := t.monitor.walIx.GetPagePosition(pageID, t.readVersion); ok {
		return t.monitor.disk.ReadLogPage(pos)
	}
	return t.monitor.disk.ReadDataPage(pageID)
}

// readCommittedLatest reads a page at the newest confirmed version,
// ignoring the snapshot. The free-chain pop uses it: the chain head is
// whatever the last committer linked.
func (t *Transaction) readCommittedLatest(pageID uint32) (*storage.Page, error) {
	if p, ok := t.pages[pageID]; ok {
		return p, nil
	}
	if pos, ok := t.monitor.walIx.GetPagePosition(pageID, t.monitor.walIx.CurrentReadVersion()); ok {
		return t.monitor.disk.ReadLogPage(pos)
	}
	return t.monitor.disk.ReadDataPage(pageID)
}

// GetPageForWrite stages a private copy of the page. Later GetPage calls in
// this transaction observe the copy.
func (t *Transaction) GetPageForWrite(pageID uint32) (*storage.Page, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	if p, ok := t.pages[pageID]; ok {
		p.SetDirty()
		return p, nil
	}
	p, err := t.GetPage(pageID)
	if err != nil {
		return nil, err
	}
	cp := p.Clone()
	cp.SetDirty()
	t.pages[pageID] = cp
	return cp, nil
}

// NewPage allocates a fresh page of the given type and stages it.
func (t *Transaction) NewPage(typ storage.PageType) (*storage.Page, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	id, err := t.monitor.allocatePage(t)
	if err != nil {
		return nil, err
	}
	p := storage.NewPage(id, typ)
	t.pages[id] = p
	t.allocated = append(t.allocated, id)
	t.headerDirty = true
	return p, nil
}

// FreePage empties a page and queues it for the free chain at commit.
func (t *Transaction) FreePage(pageID uint32) error {
	p, err := t.GetPageForWrite(pageID)
	if err != nil {
		return err
	}
	p.MarkEmpty()
	t.freed = append(t.freed, pageID)
	t.headerDirty = true
	return nil
}

// headerSnapshot loads the header page as of this transaction's snapshot,
// with the transaction's own staged catalog changes layered on top.
func (t *Transaction) headerSnapshot() (*storage.HeaderPage, error) {
	if t.header != nil {
		return t.header, nil
	}
	p, err := t.GetPage(storage.HeaderPageID)
	if err != nil {
		return nil, err
	}
	var h *storage.HeaderPage
	if p.Type == storage.PageTypeEmpty {
		// Page 0 was never durably written at or before this snapshot;
		// the catalog starts empty.
		h = storage.NewHeaderPage()
	} else {
		if h, err = storage.LoadHeaderPage(p); err != nil {
			return nil, err
		}
	}
	t.header = h
	return h, nil
}

// SetCollection stages a catalog entry. Only this transaction sees it until
// Commit; Rollback discards it.
func (t *Transaction) SetCollection(name string, pageID uint32) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	h, err := t.headerSnapshot()
	if err != nil {
		return err
	}
	h.SetCollection(name, pageID)
	t.catalogOps = append(t.catalogOps, catalogOp{name: name, pageID: pageID})
	t.headerDirty = true
	return nil
}

// RemoveCollection stages a catalog removal.
func (t *Transaction) RemoveCollection(name string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	h, err := t.headerSnapshot()
	if err != nil {
		return err
	}
	h.RemoveCollection(name)
	t.catalogOps = append(t.catalogOps, catalogOp{name: name, remove: true})
	t.headerDirty = true
	return nil
}

// ReadHeader runs fn against the transaction's snapshot of the header,
// including its own staged catalog changes.
func (t *Transaction) ReadHeader(fn func(h *storage.HeaderPage)) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	h, err := t.headerSnapshot()
	if err != nil {
		return err
	}
	fn(h)
	return nil
}

// Commit appends every dirty staged page to the log, with the header page
// last carrying the confirm marker, syncs, and publishes the new versions.
// A transaction with no writes commits without touching the log.
func (t *Transaction) Commit() error {
	if err := t.checkActive(); err != nil {
		return err
	}
	t.state = StateCommitting

	dirty := make([]*storage.Page, 0, len(t.pages)+1)
	for _, p := range t.pages {
		if p.IsDirty() {
			dirty = append(dirty, p)
		}
	}
	if len(dirty) == 0 && !t.headerDirty {
		t.state = StateCommitted
		t.monitor.finish(t)
		return nil
	}

	m := t.monitor
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	// Build the header to log on a clone: catalog changes and the freed
	// pages linked onto the free chain. The shared header stays untouched
	// until the log sync succeeds, so a failed commit leaves no trace.
	var headerPage *storage.Page
	var savedHead, chainHead uint32
	if t.headerDirty {
		m.allocMu.Lock()
		hc := m.header.Clone()
		t.applyCatalog(hc)
		savedHead = hc.FreeEmptyPageID
		for _, id := range t.freed {
			sp := t.pages[id]
			sp.NextPageID = hc.FreeEmptyPageID
			hc.FreeEmptyPageID = id
		}
		chainHead = hc.FreeEmptyPageID
		var err error
		headerPage, err = hc.UpdateBuffer()
		m.allocMu.Unlock()
		if err != nil {
			t.abort()
			return err
		}
	}

	if headerPage != nil {
		dirty = append(dirty, headerPage)
	}
	for _, p := range dirty {
		p.TxnID = t.id
		p.Confirmed = false
	}
	dirty[len(dirty)-1].Confirmed = true

	positions, err := m.disk.AppendLogPages(dirty)
	if err != nil {
		t.abort()
		return err
	}
	if err := m.disk.SyncLog(); err != nil {
		t.abort()
		return err
	}

	byPage := make(map[uint32]int64, len(dirty))
	for i, p := range dirty {
		byPage[p.PageID] = positions[i]
	}
	version := m.walIx.ConfirmTransaction(t.id, byPage)

	// Publish header state now that the commit is durable. If another
	// transaction popped the free chain while the log was being written the
	// logged links start from a stale head, so those pages go through the
	// in-memory pool instead; the next committed header supersedes ours.
	m.allocMu.Lock()
	t.applyCatalog(m.header)
	if len(t.freed) > 0 {
		if m.header.FreeEmptyPageID == savedHead {
			m.header.FreeEmptyPageID = chainHead
		} else {
			m.pendingFree = append(m.pendingFree, t.freed...)
		}
	}
	m.allocMu.Unlock()

	t.logged = len(dirty)
	t.state = StateCommitted
	m.logger.Debug("transaction committed",
		zap.Uint32("txn_id", t.id),
		zap.Uint32("version", version),
		zap.Int("pages", len(dirty)))
	m.finish(t)
	return nil
}

// abort is the failure path out of Commit: staged writes are dropped and
// allocated pages go back to the pool. The log may hold pages stamped with
// this transaction id, but without a confirm marker recovery ignores them.
func (t *Transaction) abort() {
	t.state = StateRolledBack
	t.monitor.ReclaimPages(t.allocated)
	t.monitor.finish(t)
}

// Rollback discards every staged page. Pages allocated by this transaction
// return to the in-memory pool for reuse.
func (t *Transaction) Rollback() error {
	if err := t.checkActive(); err != nil {
		return err
	}
	t.monitor.logger.Debug("transaction rolled back",
		zap.Uint32("txn_id", t.id),
		zap.Int("staged", len(t.pages)))
	t.abort()
	return nil
}
