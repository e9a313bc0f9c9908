package index

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/loamdb/loam/core/bson"
	"github.com/loamdb/loam/core/dberr"
	"github.com/loamdb/loam/core/storage"
)

// Meta describes one index of a collection. The collection page owns the
// serialized form; the service mutates Head, Tail and FreeIndexPageID in
// place and the caller persists them.
type Meta struct {
	Slot       byte
	Name       string
	Expression string
	Unique     bool
	Head       storage.PageAddress
	Tail       storage.PageAddress

	// FreeIndexPageID is the page new nodes are placed on first. EmptyPageID
	// when no page with known free space exists.
	FreeIndexPageID uint32
}

// Tx is the page access an index operation needs from its transaction.
type Tx interface {
	GetPage(pageID uint32) (*storage.Page, error)
	GetPageForWrite(pageID uint32) (*storage.Page, error)
	NewPage(typ storage.PageType) (*storage.Page, error)
	FreePage(pageID uint32) error
}

// Service runs skip-list operations for one collection inside one
// transaction.
type Service struct {
	tx    Tx
	colID uint32
}

func NewService(tx Tx, colID uint32) *Service {
	return &Service{tx: tx, colID: colID}
}

func (s *Service) getNode(addr storage.PageAddress, forWrite bool) (*Node, error) {
	var (
		p   *storage.Page
		err error
	)
	if forWrite {
		p, err = s.tx.GetPageForWrite(addr.PageID)
	} else {
		p, err = s.tx.GetPage(addr.PageID)
	}
	if err != nil {
		return nil, err
	}
	return readNode(p, addr)
}

// GetNode reads the node at addr as of the transaction snapshot.
func (s *Service) GetNode(addr storage.PageAddress) (*Node, error) {
	return s.getNode(addr, false)
}

func randomLevels() byte {
	levels := byte(1)
	for levels < MaxLevels && rand.Intn(2) == 0 {
		levels++
	}
	return levels
}

// insertBlock finds room for a node of the given size, preferring the
// index's current free page, growing the index by one page when it is full.
func (s *Service) insertBlock(meta *Meta, size int) (storage.PageAddress, storage.BufferSlice, error) {
	if meta.FreeIndexPageID != storage.EmptyPageID {
		p, err := s.tx.GetPageForWrite(meta.FreeIndexPageID)
		if err != nil {
			return storage.EmptyPageAddress, storage.BufferSlice{}, err
		}
		idx, seg, err := p.InsertBlock(size)
		if err == nil {
			return storage.PageAddress{PageID: p.PageID, Index: idx}, seg, nil
		}
		if !errors.Is(err, storage.ErrNoFreeSpace) {
			return storage.EmptyPageAddress, storage.BufferSlice{}, err
		}
	}
	p, err := s.tx.NewPage(storage.PageTypeIndex)
	if err != nil {
		return storage.EmptyPageAddress, storage.BufferSlice{}, err
	}
	p.ColID = s.colID
	idx, seg, err := p.InsertBlock(size)
	if err != nil {
		return storage.EmptyPageAddress, storage.BufferSlice{}, err
	}
	meta.FreeIndexPageID = p.PageID
	return storage.PageAddress{PageID: p.PageID, Index: idx}, seg, nil
}

// CreateIndex lays out a fresh skip list: one index page holding the head
// and tail sentinels, linked to each other on every level.
func (s *Service) CreateIndex(meta *Meta) error {
	p, err := s.tx.NewPage(storage.PageTypeIndex)
	if err != nil {
		return err
	}
	p.ColID = s.colID

	minKey := bson.MinValue()
	maxKey := bson.MaxValue()

	headIdx, headSeg, err := p.InsertBlock(nodeSize(MaxLevels, len(bson.Marshal(minKey))))
	if err != nil {
		return err
	}
	tailIdx, tailSeg, err := p.InsertBlock(nodeSize(MaxLevels, len(bson.Marshal(maxKey))))
	if err != nil {
		return err
	}
	writeNode(headSeg, meta.Slot, MaxLevels, minKey, storage.EmptyPageAddress)
	writeNode(tailSeg, meta.Slot, MaxLevels, maxKey, storage.EmptyPageAddress)

	head := storage.PageAddress{PageID: p.PageID, Index: headIdx}
	tail := storage.PageAddress{PageID: p.PageID, Index: tailIdx}
	for l := byte(0); l < MaxLevels; l++ {
		headSeg.WritePageAddress(nextOffset(l), tail)
		tailSeg.WritePageAddress(prevOffset(l), head)
	}

	meta.Head = head
	meta.Tail = tail
	meta.FreeIndexPageID = p.PageID
	return nil
}

// Insert adds a key pointing at a document's first data block. Equal keys
// land after existing ones, preserving insertion order; on a unique index
// an equal key fails before the list is touched. last, when not nil, is the
// previous node inserted for the same document and gets chained to the new
// one.
func (s *Service) Insert(meta *Meta, key bson.Value, dataBlock storage.PageAddress, last *Node) (*Node, error) {
	keyBytes := bson.Marshal(key)
	if len(keyBytes) > storage.MaxKeyLength {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", dberr.ErrIndexKeyTooLong, len(keyBytes), storage.MaxKeyLength)
	}

	levels := randomLevels()

	// Walk down from the top, recording the rightmost node with a key not
	// above the target at each level. Equal keys are passed over so the new
	// node lands after them.
	var prevs [MaxLevels]storage.PageAddress
	var nexts [MaxLevels]storage.PageAddress
	cur, err := s.getNode(meta.Head, false)
	if err != nil {
		return nil, err
	}
	for l := int(MaxLevels) - 1; l >= 0; l-- {
		for {
			nextAddr := cur.Next(byte(l))
			next, err := s.getNode(nextAddr, false)
			if err != nil {
				return nil, err
			}
			cmp := bson.Compare(next.Key, key)
			if cmp == 0 && meta.Unique {
				return nil, fmt.Errorf("%w: index %q", dberr.ErrIndexDuplicateKey, meta.Name)
			}
			if cmp > 0 {
				break
			}
			cur = next
		}
		prevs[l] = cur.Address
		nexts[l] = cur.Next(byte(l))
	}

	addr, seg, err := s.insertBlock(meta, nodeSize(levels, len(keyBytes)))
	if err != nil {
		return nil, err
	}
	writeNode(seg, meta.Slot, levels, key, dataBlock)
	for l := byte(0); l < levels; l++ {
		seg.WritePageAddress(prevOffset(l), prevs[l])
		seg.WritePageAddress(nextOffset(l), nexts[l])

		prev, err := s.getNode(prevs[l], true)
		if err != nil {
			return nil, err
		}
		prev.SetNext(l, addr)
		next, err := s.getNode(nexts[l], true)
		if err != nil {
			return nil, err
		}
		next.SetPrev(l, addr)
	}

	if last != nil {
		prevOfDoc, err := s.getNode(last.Address, true)
		if err != nil {
			return nil, err
		}
		prevOfDoc.SetNextNode(addr)
	}

	node, err := s.getNode(addr, false)
	if err != nil {
		return nil, err
	}
	return node, nil
}

// Delete unlinks the node at addr from every level and releases its block.
// A page left empty goes back to the free chain, except the sentinel page.
func (s *Service) Delete(meta *Meta, addr storage.PageAddress) error {
	node, err := s.getNode(addr, true)
	if err != nil {
		return err
	}
	for l := byte(0); l < node.Levels; l++ {
		prevAddr := node.Prev(l)
		nextAddr := node.Next(l)
		prev, err := s.getNode(prevAddr, true)
		if err != nil {
			return err
		}
		prev.SetNext(l, nextAddr)
		next, err := s.getNode(nextAddr, true)
		if err != nil {
			return err
		}
		next.SetPrev(l, prevAddr)
	}

	p, err := s.tx.GetPageForWrite(addr.PageID)
	if err != nil {
		return err
	}
	if err := p.DeleteBlock(addr.Index); err != nil {
		return err
	}
	if p.ItemsCount() == 0 && p.PageID != meta.Head.PageID {
		if meta.FreeIndexPageID == p.PageID {
			meta.FreeIndexPageID = storage.EmptyPageID
		}
		return s.tx.FreePage(p.PageID)
	}
	meta.FreeIndexPageID = p.PageID
	return nil
}

// SetNodeNextNode rewrites the document chain pointer of the node at addr
// through a staged page. Dropping an index uses it to splice that index's
// nodes out of every chain.
func (s *Service) SetNodeNextNode(addr, next storage.PageAddress) error {
	node, err := s.getNode(addr, true)
	if err != nil {
		return err
	}
	node.SetNextNode(next)
	return nil
}

// DropIndex releases every page of the skip list, sentinels included.
func (s *Service) DropIndex(meta *Meta) error {
	pages := make(map[uint32]bool)
	cur, err := s.getNode(meta.Head, false)
	if err != nil {
		return err
	}
	pages[meta.Head.PageID] = true
	for {
		nextAddr := cur.Next(0)
		if nextAddr.IsEmpty() {
			break
		}
		pages[nextAddr.PageID] = true
		if cur, err = s.getNode(nextAddr, false); err != nil {
			return err
		}
		if cur.Key.Type() == bson.TypeMaxValue {
			break
		}
	}
	for pageID := range pages {
		if err := s.tx.FreePage(pageID); err != nil {
			return err
		}
	}
	meta.FreeIndexPageID = storage.EmptyPageID
	return nil
}
