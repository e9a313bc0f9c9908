package loam

import (
	"github.com/loamdb/loam/core/bson"
)

// withTx runs fn in its own transaction and commits when fn succeeds. Any
// error rolls the transaction back.
func (db *DB) withTx(fn func(tx *Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Insert stores the document in its own transaction and returns its id.
func (db *DB) Insert(collection string, doc *bson.Document) (bson.Value, error) {
	var id bson.Value
	err := db.withTx(func(tx *Tx) error {
		var err error
		id, err = tx.Insert(collection, doc)
		return err
	})
	return id, err
}

// Update replaces the stored document with the same _id.
func (db *DB) Update(collection string, doc *bson.Document) error {
	return db.withTx(func(tx *Tx) error {
		return tx.Update(collection, doc)
	})
}

// Upsert inserts or updates by _id and reports whether an insert happened.
func (db *DB) Upsert(collection string, doc *bson.Document) (bool, error) {
	var inserted bool
	err := db.withTx(func(tx *Tx) error {
		var err error
		inserted, err = tx.Upsert(collection, doc)
		return err
	})
	return inserted, err
}

// Delete removes the document with the given id.
func (db *DB) Delete(collection string, id bson.Value) error {
	return db.withTx(func(tx *Tx) error {
		return tx.Delete(collection, id)
	})
}

// Get fetches one document by id.
func (db *DB) Get(collection string, id bson.Value) (*bson.Document, error) {
	var doc *bson.Document
	err := db.withTx(func(tx *Tx) error {
		var err error
		doc, err = tx.Get(collection, id)
		return err
	})
	return doc, err
}

// Find returns the documents matching the filter expression. An empty
// filter returns every document in _id order.
func (db *DB) Find(collection, filter string) ([]*bson.Document, error) {
	var docs []*bson.Document
	err := db.withTx(func(tx *Tx) error {
		var err error
		docs, err = tx.Find(collection, filter)
		return err
	})
	return docs, err
}

// FindAll returns the whole collection in _id order.
func (db *DB) FindAll(collection string) ([]*bson.Document, error) {
	return db.Find(collection, "")
}

// FindOne returns the first match or ErrDocumentNotFound.
func (db *DB) FindOne(collection, filter string) (*bson.Document, error) {
	var doc *bson.Document
	err := db.withTx(func(tx *Tx) error {
		var err error
		doc, err = tx.FindOne(collection, filter)
		return err
	})
	return doc, err
}

// Count counts the documents matching the filter.
func (db *DB) Count(collection, filter string) (int, error) {
	var n int
	err := db.withTx(func(tx *Tx) error {
		var err error
		n, err = tx.Count(collection, filter)
		return err
	})
	return n, err
}

// Exists reports whether any document matches the filter.
func (db *DB) Exists(collection, filter string) (bool, error) {
	var ok bool
	err := db.withTx(func(tx *Tx) error {
		var err error
		ok, err = tx.Exists(collection, filter)
		return err
	})
	return ok, err
}

// Min returns the smallest key in the named index, or Null when the
// collection is empty.
func (db *DB) Min(collection, indexName string) (bson.Value, error) {
	var v bson.Value
	err := db.withTx(func(tx *Tx) error {
		var err error
		v, err = tx.Min(collection, indexName)
		return err
	})
	return v, err
}

// Max returns the largest key in the named index.
func (db *DB) Max(collection, indexName string) (bson.Value, error) {
	var v bson.Value
	err := db.withTx(func(tx *Tx) error {
		var err error
		v, err = tx.Max(collection, indexName)
		return err
	})
	return v, err
}

// EnsureIndex creates and backfills a secondary index.
func (db *DB) EnsureIndex(collection, name, expression string, unique bool) error {
	return db.withTx(func(tx *Tx) error {
		return tx.EnsureIndex(collection, name, expression, unique)
	})
}

// DropIndex removes a secondary index.
func (db *DB) DropIndex(collection, name string) error {
	return db.withTx(func(tx *Tx) error {
		return tx.DropIndex(collection, name)
	})
}

// Indexes lists the collection's indexes.
func (db *DB) Indexes(collection string) ([]IndexInfo, error) {
	var infos []IndexInfo
	err := db.withTx(func(tx *Tx) error {
		var err error
		infos, err = tx.Indexes(collection)
		return err
	})
	return infos, err
}

// DropCollection removes the collection and all of its pages.
func (db *DB) DropCollection(name string) error {
	return db.withTx(func(tx *Tx) error {
		return tx.DropCollection(name)
	})
}

// Collections lists collection names in creation order.
func (db *DB) Collections() ([]string, error) {
	var names []string
	err := db.withTx(func(tx *Tx) error {
		var err error
		names, err = tx.Collections()
		return err
	})
	return names, err
}
