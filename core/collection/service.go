package collection

import (
	"fmt"

	"github.com/loamdb/loam/core/bson"
	"github.com/loamdb/loam/core/dberr"
	"github.com/loamdb/loam/core/expr"
	"github.com/loamdb/loam/core/index"
	"github.com/loamdb/loam/core/storage"
	"github.com/loamdb/loam/core/transaction"
)

// Service is one collection bound to one transaction. The locking protocol
// is the caller's: read operations under LockRead, mutations under
// LockWrite, taken before Open.
type Service struct {
	tx     *transaction.Transaction
	name   string
	pageID uint32
	meta   *Metadata
	ix     *index.Service
}

// Create allocates a collection: its metadata page, the primary index, and
// the catalog entry.
func Create(tx *transaction.Transaction, name string) (*Service, error) {
	p, err := tx.NewPage(storage.PageTypeCollection)
	if err != nil {
		return nil, err
	}
	s := &Service{
		tx:     tx,
		name:   name,
		pageID: p.PageID,
		meta:   &Metadata{FreeDataPageID: storage.EmptyPageID},
		ix:     index.NewService(tx, p.PageID),
	}
	p.ColID = p.PageID

	idMeta := &index.Meta{
		Slot:            0,
		Name:            IDIndexName,
		Expression:      IDExpression,
		Unique:          true,
		FreeIndexPageID: storage.EmptyPageID,
	}
	if err := s.ix.CreateIndex(idMeta); err != nil {
		return nil, err
	}
	s.meta.Indexes = []*index.Meta{idMeta}

	data := bson.Marshal(bson.DocumentValue(s.meta.toDocument()))
	if _, seg, err := p.InsertBlock(len(data)); err != nil {
		return nil, err
	} else {
		seg.WriteBytes(0, data)
	}

	if err := tx.SetCollection(name, s.pageID); err != nil {
		return nil, err
	}
	return s, nil
}

// Open binds to an existing collection by catalog lookup.
func Open(tx *transaction.Transaction, name string) (*Service, error) {
	var (
		pageID uint32
		found  bool
	)
	if err := tx.ReadHeader(func(h *storage.HeaderPage) {
		pageID, found = h.GetCollectionPageID(name)
	}); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", dberr.ErrCollectionNotFound, name)
	}
	p, err := tx.GetPage(pageID)
	if err != nil {
		return nil, err
	}
	meta, err := loadMetadata(p)
	if err != nil {
		return nil, err
	}
	return &Service{
		tx:     tx,
		name:   name,
		pageID: pageID,
		meta:   meta,
		ix:     index.NewService(tx, pageID),
	}, nil
}

func (s *Service) Name() string    { return s.name }
func (s *Service) Meta() *Metadata { return s.meta }

// Indexes returns the index service bound to this collection's transaction.
func (s *Service) Indexes() *index.Service { return s.ix }

// saveMeta persists metadata mutated by an operation.
func (s *Service) saveMeta() error {
	p, err := s.tx.GetPageForWrite(s.pageID)
	if err != nil {
		return err
	}
	return saveMetadata(p, s.meta)
}

// indexKeys evaluates an index expression over a document. An array result
// indexes every element; anything else indexes the single value.
func indexKeys(expression string, doc *bson.Document) ([]bson.Value, error) {
	e, err := expr.Parse(expression)
	if err != nil {
		return nil, err
	}
	v, err := expr.Evaluate(e, doc)
	if err != nil {
		return nil, err
	}
	if v.Type() == bson.TypeArray {
		return v.Array(), nil
	}
	return []bson.Value{v}, nil
}

// indexEntry is the evaluated key set of one index for one document.
type indexEntry struct {
	meta *index.Meta
	keys []bson.Value
}

// indexEntries evaluates every index expression over the document once.
func (s *Service) indexEntries(doc *bson.Document) ([]indexEntry, error) {
	entries := make([]indexEntry, 0, len(s.meta.Indexes))
	for _, meta := range s.meta.Indexes {
		keys, err := indexKeys(meta.Expression, doc)
		if err != nil {
			return nil, err
		}
		entries = append(entries, indexEntry{meta: meta, keys: keys})
	}
	return entries, nil
}

// checkEntries validates key lengths and unique constraints before any page
// is touched, so a rejected document leaves no staged partial state behind.
// self is the document's own data block when it already exists; a unique
// match pointing at it is not a conflict.
func (s *Service) checkEntries(entries []indexEntry, self storage.PageAddress) error {
	for _, e := range entries {
		for i, key := range e.keys {
			if n := len(bson.Marshal(key)); n > storage.MaxKeyLength {
				return fmt.Errorf("%w: %d bytes, limit %d", dberr.ErrIndexKeyTooLong, n, storage.MaxKeyLength)
			}
			if !e.meta.Unique {
				continue
			}
			for _, earlier := range e.keys[:i] {
				if bson.Compare(earlier, key) == 0 {
					return fmt.Errorf("%w: index %q", dberr.ErrIndexDuplicateKey, e.meta.Name)
				}
			}
			node, err := s.ix.Find(e.meta, key)
			if err != nil {
				return err
			}
			if node != nil && node.DataBlock != self {
				return fmt.Errorf("%w: index %q", dberr.ErrIndexDuplicateKey, e.meta.Name)
			}
		}
	}
	return nil
}

func validateID(id bson.Value) error {
	switch id.Type() {
	case bson.TypeNull, bson.TypeMinValue, bson.TypeMaxValue, bson.TypeDocument, bson.TypeArray:
		return fmt.Errorf("%w: _id cannot be %s", dberr.ErrInvalidDocumentID, id.Type())
	}
	return nil
}

// Insert stores the document and links it into every index. A document
// without an _id gets a fresh ObjectId. Returns the final _id.
func (s *Service) Insert(doc *bson.Document) (bson.Value, error) {
	id, ok := doc.Get("_id")
	if !ok || id.IsNull() {
		id = bson.ObjectIDValue(bson.NewObjectID())
		withID := bson.NewDocument().Set("_id", id)
		for _, k := range doc.Keys() {
			if k != "_id" {
				withID.Set(k, doc.GetOrNull(k))
			}
		}
		*doc = *withID
	}
	if err := validateID(id); err != nil {
		return bson.Null(), err
	}

	data := bson.Marshal(bson.DocumentValue(doc))
	if len(data) > storage.MaxDocumentSize {
		return bson.Null(), fmt.Errorf("%w: %d bytes, limit %d", dberr.ErrDocumentTooLarge, len(data), storage.MaxDocumentSize)
	}

	entries, err := s.indexEntries(doc)
	if err != nil {
		return bson.Null(), err
	}
	if err := s.checkEntries(entries, storage.EmptyPageAddress); err != nil {
		return bson.Null(), err
	}

	firstBlock, err := s.writeData(data)
	if err != nil {
		return bson.Null(), err
	}
	if err := s.indexDocument(entries, firstBlock); err != nil {
		return bson.Null(), err
	}
	return id, s.saveMeta()
}

// indexDocument adds one node per index key, chaining the nodes so delete
// can find them all from the primary node.
func (s *Service) indexDocument(entries []indexEntry, firstBlock storage.PageAddress) error {
	var last *index.Node
	for _, e := range entries {
		for _, key := range e.keys {
			node, err := s.ix.Insert(e.meta, key, firstBlock, last)
			if err != nil {
				return err
			}
			last = node
		}
	}
	return nil
}

// findIDNode locates the primary index node for an _id.
func (s *Service) findIDNode(id bson.Value) (*index.Node, error) {
	return s.ix.Find(s.meta.IDIndex(), id)
}

// Get loads one document by _id; ErrDocumentNotFound when absent.
func (s *Service) Get(id bson.Value) (*bson.Document, error) {
	node, err := s.findIDNode(id)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fmt.Errorf("%w: _id %s in %q", dberr.ErrDocumentNotFound, id, s.name)
	}
	return s.LoadDocument(node)
}

// LoadDocument reads and deserializes the document an index node points at.
func (s *Service) LoadDocument(node *index.Node) (*bson.Document, error) {
	data, err := s.readData(node.DataBlock)
	if err != nil {
		return nil, err
	}
	v, err := bson.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: document at %s: %v", dberr.ErrCorrupted, node.DataBlock, err)
	}
	if v.Type() != bson.TypeDocument {
		return nil, fmt.Errorf("%w: stored value at %s is %s", dberr.ErrCorrupted, node.DataBlock, v.Type())
	}
	return v.Document(), nil
}

// Delete removes a document by _id: every index node on its chain, then
// its data blocks.
func (s *Service) Delete(id bson.Value) error {
	node, err := s.findIDNode(id)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("%w: _id %s in %q", dberr.ErrDocumentNotFound, id, s.name)
	}
	dataBlock := node.DataBlock

	// Snapshot the chain before deleting; removals invalidate node reads.
	type chained struct {
		slot byte
		addr storage.PageAddress
	}
	chain := []chained{{slot: node.Slot, addr: node.Address}}
	for next := node.NextNode; !next.IsEmpty(); {
		n, err := s.ix.GetNode(next)
		if err != nil {
			return err
		}
		chain = append(chain, chained{slot: n.Slot, addr: n.Address})
		next = n.NextNode
	}

	for _, c := range chain {
		meta := s.meta.IndexBySlot(c.slot)
		if meta == nil {
			return fmt.Errorf("%w: index node references unknown slot %d", dberr.ErrCorrupted, c.slot)
		}
		if err := s.ix.Delete(meta, c.addr); err != nil {
			return err
		}
	}
	if err := s.deleteData(dataBlock); err != nil {
		return err
	}
	return s.saveMeta()
}

// Update replaces the document with the same _id; ErrDocumentNotFound when
// absent. When the new serialized form fits the existing block chain the
// data is rewritten in place and the primary index node keeps its location;
// otherwise the document is deleted and reinserted at a new one.
func (s *Service) Update(doc *bson.Document) error {
	id, ok := doc.Get("_id")
	if !ok {
		return fmt.Errorf("%w: update requires an _id", dberr.ErrInvalidDocumentID)
	}
	if err := validateID(id); err != nil {
		return err
	}

	// Validate the replacement against the unique indexes before removing
	// anything; a conflicting update must leave the old document intact.
	// Matches pointing at the document's own blocks are not conflicts.
	node, err := s.findIDNode(id)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("%w: _id %s in %q", dberr.ErrDocumentNotFound, id, s.name)
	}
	entries, err := s.indexEntries(doc)
	if err != nil {
		return err
	}
	if err := s.checkEntries(entries, node.DataBlock); err != nil {
		return err
	}

	data := bson.Marshal(bson.DocumentValue(doc))
	if len(data) > storage.MaxDocumentSize {
		return fmt.Errorf("%w: %d bytes, limit %d", dberr.ErrDocumentTooLarge, len(data), storage.MaxDocumentSize)
	}
	rewrote, err := s.rewriteData(node.DataBlock, data)
	if err != nil {
		return err
	}
	if rewrote {
		if err := s.reindexDocument(node, entries); err != nil {
			return err
		}
		return s.saveMeta()
	}

	if err := s.Delete(id); err != nil {
		return err
	}
	_, err = s.Insert(doc)
	return err
}

// reindexDocument refreshes the secondary index nodes of a document whose
// data blocks stayed in place. The primary node survives; the old
// secondaries on its chain are removed and the new keys chained back off it.
func (s *Service) reindexDocument(primary *index.Node, entries []indexEntry) error {
	next := primary.NextNode
	for !next.IsEmpty() {
		n, err := s.ix.GetNode(next)
		if err != nil {
			return err
		}
		next = n.NextNode
		meta := s.meta.IndexBySlot(n.Slot)
		if meta == nil {
			return fmt.Errorf("%w: index node references unknown slot %d", dberr.ErrCorrupted, n.Slot)
		}
		if err := s.ix.Delete(meta, n.Address); err != nil {
			return err
		}
	}
	if err := s.ix.SetNodeNextNode(primary.Address, storage.EmptyPageAddress); err != nil {
		return err
	}

	// Node deletions may have compacted the primary's page; reload it.
	last, err := s.ix.GetNode(primary.Address)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.meta.Slot == primary.Slot {
			continue
		}
		for _, key := range e.keys {
			node, err := s.ix.Insert(e.meta, key, last.DataBlock, last)
			if err != nil {
				return err
			}
			last = node
		}
	}
	return nil
}
