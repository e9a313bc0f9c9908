package collection

import (
	"fmt"
	"sort"
	"unicode"

	"github.com/loamdb/loam/core/bson"
	"github.com/loamdb/loam/core/dberr"
	"github.com/loamdb/loam/core/expr"
	"github.com/loamdb/loam/core/index"
	"github.com/loamdb/loam/core/storage"
	"github.com/loamdb/loam/core/transaction"
)

// ValidName reports whether a collection or index name is acceptable:
// letters, digits and underscores, starting with a letter or underscore.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		if r == '_' || unicode.IsLetter(r) {
			continue
		}
		if i > 0 && unicode.IsDigit(r) {
			continue
		}
		return false
	}
	return true
}

// EnsureIndex creates an index over the expression, backfilling it from
// every existing document. Calling it again with the same definition is a
// no-op; the same name with a different definition is an error.
func (s *Service) EnsureIndex(name, expression string, unique bool) error {
	if !ValidName(name) || name == IDIndexName {
		return fmt.Errorf("%w: %q", dberr.ErrIndexNameInvalid, name)
	}
	if _, err := expr.Parse(expression); err != nil {
		return err
	}
	if existing := s.meta.IndexByName(name); existing != nil {
		if existing.Expression == expression && existing.Unique == unique {
			return nil
		}
		return fmt.Errorf("%w: %q already exists with expression %q", dberr.ErrIndexNameInvalid, name, existing.Expression)
	}

	slot := byte(0)
	for _, m := range s.meta.Indexes {
		if m.Slot >= slot {
			slot = m.Slot + 1
		}
	}
	meta := &index.Meta{
		Slot:            slot,
		Name:            name,
		Expression:      expression,
		Unique:          unique,
		FreeIndexPageID: storage.EmptyPageID,
	}

	// Validate every document's keys before the first page is touched: a
	// rejected definition must leave no staged nodes or dangling chain
	// pointers behind.
	var allKeys []bson.Value
	idNode, err := s.ix.First(s.meta.IDIndex())
	if err != nil {
		return err
	}
	for idNode != nil {
		doc, err := s.LoadDocument(idNode)
		if err != nil {
			return err
		}
		keys, err := indexKeys(expression, doc)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if n := len(bson.Marshal(key)); n > storage.MaxKeyLength {
				return fmt.Errorf("%w: %d bytes, limit %d", dberr.ErrIndexKeyTooLong, n, storage.MaxKeyLength)
			}
		}
		if unique {
			allKeys = append(allKeys, keys...)
		}
		if idNode, err = s.ix.NextOf(idNode); err != nil {
			return err
		}
	}
	if unique {
		sort.Slice(allKeys, func(i, j int) bool { return bson.Compare(allKeys[i], allKeys[j]) < 0 })
		for i := 1; i < len(allKeys); i++ {
			if bson.Compare(allKeys[i-1], allKeys[i]) == 0 {
				return fmt.Errorf("%w: index %q", dberr.ErrIndexDuplicateKey, name)
			}
		}
	}

	if err := s.ix.CreateIndex(meta); err != nil {
		return err
	}

	// Backfill: walk the primary index and add nodes for every document,
	// appending them to each document's node chain.
	if idNode, err = s.ix.First(s.meta.IDIndex()); err != nil {
		return err
	}
	for idNode != nil {
		doc, err := s.LoadDocument(idNode)
		if err != nil {
			return err
		}
		keys, err := indexKeys(expression, doc)
		if err != nil {
			return err
		}
		tail, err := s.chainTail(idNode)
		if err != nil {
			return err
		}
		for _, key := range keys {
			node, err := s.ix.Insert(meta, key, idNode.DataBlock, tail)
			if err != nil {
				return err
			}
			tail = node
		}
		if idNode, err = s.ix.NextOf(idNode); err != nil {
			return err
		}
	}

	s.meta.Indexes = append(s.meta.Indexes, meta)
	return s.saveMeta()
}

// chainTail walks a document's node chain to its last node.
func (s *Service) chainTail(node *index.Node) (*index.Node, error) {
	cur := node
	for !cur.NextNode.IsEmpty() {
		next, err := s.ix.GetNode(cur.NextNode)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// DropIndex removes a secondary index: its nodes are spliced out of every
// document chain, then its pages are released. The primary index cannot be
// dropped.
func (s *Service) DropIndex(name string) error {
	if name == IDIndexName {
		return fmt.Errorf("%w: cannot drop the primary index", dberr.ErrIndexNameInvalid)
	}
	meta := s.meta.IndexByName(name)
	if meta == nil {
		return fmt.Errorf("%w: %q on %q", dberr.ErrIndexNotFound, name, s.name)
	}

	idNode, err := s.ix.First(s.meta.IDIndex())
	if err != nil {
		return err
	}
	for idNode != nil {
		prev := idNode
		for !prev.NextNode.IsEmpty() {
			next, err := s.ix.GetNode(prev.NextNode)
			if err != nil {
				return err
			}
			if next.Slot == meta.Slot {
				if err := s.ix.SetNodeNextNode(prev.Address, next.NextNode); err != nil {
					return err
				}
				// Re-read prev so its chain pointer reflects the splice.
				if prev, err = s.ix.GetNode(prev.Address); err != nil {
					return err
				}
				continue
			}
			prev = next
		}
		if idNode, err = s.ix.NextOf(idNode); err != nil {
			return err
		}
	}

	if err := s.ix.DropIndex(meta); err != nil {
		return err
	}
	kept := s.meta.Indexes[:0]
	for _, m := range s.meta.Indexes {
		if m.Name != name {
			kept = append(kept, m)
		}
	}
	s.meta.Indexes = kept
	return s.saveMeta()
}

// Drop deletes the whole collection: every document's data blocks, every
// index page, the collection page, and the catalog entry.
func Drop(tx *transaction.Transaction, name string) error {
	s, err := Open(tx, name)
	if err != nil {
		return err
	}

	idMeta := s.meta.IDIndex()
	node, err := s.ix.First(idMeta)
	if err != nil {
		return err
	}
	for node != nil {
		if err := s.deleteData(node.DataBlock); err != nil {
			return err
		}
		if node, err = s.ix.NextOf(node); err != nil {
			return err
		}
	}
	for _, m := range s.meta.Indexes {
		if err := s.ix.DropIndex(m); err != nil {
			return err
		}
	}
	if err := tx.FreePage(s.pageID); err != nil {
		return err
	}
	return tx.RemoveCollection(name)
}
