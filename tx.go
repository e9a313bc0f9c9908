package loam

import (
	"errors"
	"fmt"

	"github.com/loamdb/loam/core/bson"
	"github.com/loamdb/loam/core/collection"
	"github.com/loamdb/loam/core/dberr"
	"github.com/loamdb/loam/core/expr"
	"github.com/loamdb/loam/core/storage"
	"github.com/loamdb/loam/core/transaction"
)

// Tx is one snapshot-isolated transaction. Reads see the database as of
// Begin; writes become visible to others atomically at Commit. A Tx is not
// safe for concurrent use.
type Tx struct {
	db    *DB
	inner *transaction.Transaction

	// write counters folded into metrics on commit only
	inserted int
	updated  int
	deleted  int
}

// Begin starts a transaction. Every Tx must end in Commit or Rollback.
func (db *DB) Begin() (*Tx, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	inner, err := db.monitor.Begin()
	if err != nil {
		return nil, err
	}
	return &Tx{db: db, inner: inner}, nil
}

// Commit publishes the transaction's writes.
func (tx *Tx) Commit() error {
	if err := tx.inner.Commit(); err != nil {
		return err
	}
	m := tx.db.metrics
	m.commits.Inc()
	m.pagesLogged.Add(float64(tx.inner.LoggedPages()))
	m.inserts.Add(float64(tx.inserted))
	m.updates.Add(float64(tx.updated))
	m.deletes.Add(float64(tx.deleted))
	tx.db.maybeCheckpoint()
	return nil
}

// Rollback discards the transaction's writes. Rolling back a finished
// transaction is a no-op.
func (tx *Tx) Rollback() error {
	if tx.inner.State() != transaction.StateActive {
		return nil
	}
	if err := tx.inner.Rollback(); err != nil {
		return err
	}
	tx.db.metrics.rollbacks.Inc()
	return nil
}

func (tx *Tx) checkWrite() error {
	if tx.db.opts.ReadOnly {
		return dberr.ErrReadOnly
	}
	return nil
}

// openRead takes a shared collection lock and opens the collection.
func (tx *Tx) openRead(name string) (*collection.Service, error) {
	if err := tx.inner.LockRead(name); err != nil {
		return nil, err
	}
	return collection.Open(tx.inner, name)
}

// openWrite takes the exclusive collection lock; create makes the
// collection when it does not exist yet.
func (tx *Tx) openWrite(name string, create bool) (*collection.Service, error) {
	if err := tx.checkWrite(); err != nil {
		return nil, err
	}
	if err := tx.inner.LockWrite(name); err != nil {
		return nil, err
	}
	col, err := collection.Open(tx.inner, name)
	if create && errors.Is(err, dberr.ErrCollectionNotFound) {
		return collection.Create(tx.inner, name)
	}
	return col, err
}

// Insert stores the document in the collection, creating the collection on
// first use. A missing _id gets a generated ObjectID; the returned value is
// the document's id.
func (tx *Tx) Insert(collection string, doc *bson.Document) (bson.Value, error) {
	col, err := tx.openWrite(collection, true)
	if err != nil {
		return bson.Null(), err
	}
	id, err := col.Insert(doc)
	if err != nil {
		return bson.Null(), err
	}
	tx.inserted++
	return id, nil
}

// Update replaces the stored document carrying the same _id. The document
// must have an _id and it must already exist.
func (tx *Tx) Update(collection string, doc *bson.Document) error {
	col, err := tx.openWrite(collection, false)
	if err != nil {
		return err
	}
	if err := col.Update(doc); err != nil {
		return err
	}
	tx.updated++
	return nil
}

// Upsert updates the document when its _id exists and inserts it otherwise.
// It reports whether an insert happened.
func (tx *Tx) Upsert(collection string, doc *bson.Document) (bool, error) {
	col, err := tx.openWrite(collection, true)
	if err != nil {
		return false, err
	}
	err = col.Update(doc)
	switch {
	case err == nil:
		tx.updated++
		return false, nil
	case errors.Is(err, dberr.ErrDocumentNotFound):
		if _, err := col.Insert(doc); err != nil {
			return false, err
		}
		tx.inserted++
		return true, nil
	default:
		return false, err
	}
}

// Delete removes the document with the given id.
func (tx *Tx) Delete(collection string, id bson.Value) error {
	col, err := tx.openWrite(collection, false)
	if err != nil {
		return err
	}
	if err := col.Delete(id); err != nil {
		return err
	}
	tx.deleted++
	return nil
}

// Get fetches one document by id.
func (tx *Tx) Get(collection string, id bson.Value) (*bson.Document, error) {
	col, err := tx.openRead(collection)
	if err != nil {
		return nil, err
	}
	return col.Get(id)
}

// Find returns the documents matching the filter expression, in the order
// of whichever index serves the filter. An empty filter returns the whole
// collection in _id order.
func (tx *Tx) Find(collection, filter string) ([]*bson.Document, error) {
	col, err := tx.openRead(collection)
	if err != nil {
		return nil, err
	}
	f, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}
	return col.Find(f)
}

// FindAll returns the whole collection in _id order.
func (tx *Tx) FindAll(collection string) ([]*bson.Document, error) {
	return tx.Find(collection, "")
}

// FindOne returns the first match or ErrDocumentNotFound.
func (tx *Tx) FindOne(collection, filter string) (*bson.Document, error) {
	col, err := tx.openRead(collection)
	if err != nil {
		return nil, err
	}
	f, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}
	return col.FindOne(f)
}

// Count counts the documents matching the filter.
func (tx *Tx) Count(collection, filter string) (int, error) {
	col, err := tx.openRead(collection)
	if err != nil {
		return 0, err
	}
	f, err := parseFilter(filter)
	if err != nil {
		return 0, err
	}
	return col.Count(f)
}

// Exists reports whether any document matches the filter.
func (tx *Tx) Exists(collection, filter string) (bool, error) {
	col, err := tx.openRead(collection)
	if err != nil {
		return false, err
	}
	f, err := parseFilter(filter)
	if err != nil {
		return false, err
	}
	return col.Exists(f)
}

// Min returns the smallest key in the named index, or Null for an empty
// collection.
func (tx *Tx) Min(collection, indexName string) (bson.Value, error) {
	col, err := tx.openRead(collection)
	if err != nil {
		return bson.Null(), err
	}
	return col.MinKey(indexName)
}

// Max returns the largest key in the named index.
func (tx *Tx) Max(collection, indexName string) (bson.Value, error) {
	col, err := tx.openRead(collection)
	if err != nil {
		return bson.Null(), err
	}
	return col.MaxKey(indexName)
}

// EnsureIndex creates a secondary index over the expression and backfills
// it from existing documents. Calling it again with the same definition is
// a no-op; a different definition under the same name is an error.
func (tx *Tx) EnsureIndex(collection, name, expression string, unique bool) error {
	col, err := tx.openWrite(collection, true)
	if err != nil {
		return err
	}
	return col.EnsureIndex(name, expression, unique)
}

// DropIndex removes a secondary index. The primary _id index cannot be
// dropped.
func (tx *Tx) DropIndex(collection, name string) error {
	col, err := tx.openWrite(collection, false)
	if err != nil {
		return err
	}
	return col.DropIndex(name)
}

// IndexInfo describes one index of a collection.
type IndexInfo struct {
	Name       string
	Expression string
	Unique     bool
}

// Indexes lists the collection's indexes, the primary _id index first.
func (tx *Tx) Indexes(collection string) ([]IndexInfo, error) {
	col, err := tx.openRead(collection)
	if err != nil {
		return nil, err
	}
	metas := col.Meta().Indexes
	infos := make([]IndexInfo, 0, len(metas))
	for _, m := range metas {
		infos = append(infos, IndexInfo{Name: m.Name, Expression: m.Expression, Unique: m.Unique})
	}
	return infos, nil
}

// DropCollection removes the collection, its documents and its indexes.
func (tx *Tx) DropCollection(name string) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	if err := tx.inner.LockWrite(name); err != nil {
		return err
	}
	return collection.Drop(tx.inner, name)
}

// Collections lists collection names in creation order.
func (tx *Tx) Collections() ([]string, error) {
	var names []string
	err := tx.inner.ReadHeader(func(h *storage.HeaderPage) {
		names = h.CollectionNames()
	})
	return names, err
}

func parseFilter(filter string) (expr.Expression, error) {
	if filter == "" {
		return nil, nil
	}
	f, err := expr.Parse(filter)
	if err != nil {
		return nil, fmt.Errorf("parsing filter: %w", err)
	}
	return f, nil
}
