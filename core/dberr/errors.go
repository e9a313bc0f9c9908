// Package dberr defines the sentinel errors shared by every layer of the
// engine. Callers are expected to test with errors.Is after the storage,
// index and transaction layers have wrapped them with context.
package dberr

import "errors"

var (
	// Storage corruption family. Fatal for the affected page, not for the engine.
	ErrPageChecksum    = errors.New("page checksum mismatch, data corruption suspected")
	ErrInvalidPageType = errors.New("unexpected page type")
	ErrCorrupted       = errors.New("file structure invariant violated")

	// I/O and lifecycle.
	ErrIO           = errors.New("i/o error")
	ErrEngineClosed = errors.New("engine is closed")
	ErrReadOnly     = errors.New("database is opened in read-only mode")

	// Transactions and locking.
	ErrLockTimeout         = errors.New("timeout waiting for collection lock")
	ErrTransactionFinished = errors.New("transaction already committed or rolled back")
	ErrTooManyTransactions = errors.New("maximum number of open transactions reached")

	// Collections and documents.
	ErrCollectionNotFound = errors.New("collection not found")
	ErrDocumentNotFound   = errors.New("document not found")
	ErrDocumentTooLarge   = errors.New("document exceeds maximum serialized size")
	ErrInvalidDocumentID  = errors.New("document _id must be a scalar value")

	// Indexes.
	ErrIndexDuplicateKey = errors.New("duplicate key in unique index")
	ErrIndexNotFound     = errors.New("index not found")
	ErrIndexKeyTooLong   = errors.New("index key exceeds maximum length")
	ErrIndexNameInvalid  = errors.New("invalid index name")

	// Expressions.
	ErrInvalidExpression = errors.New("malformed expression")
)
