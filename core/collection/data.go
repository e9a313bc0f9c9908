package collection

import (
	"fmt"

	"github.com/loamdb/loam/core/dberr"
	"github.com/loamdb/loam/core/storage"
)

// Data block layout: documents larger than one block continue in a chain.
//
//	[0] extend     byte, 1 on continuation blocks
//	[1] next block PageAddress, EmptyPageAddress on the last block
//	[6] payload
const (
	dExtend    = 0
	dNextBlock = 1
	dPayload   = 6
)

const maxPayload = storage.MaxBlockSize - dPayload

// writeData stores the serialized document across one or more data blocks
// and returns the address of the first. The collection's free data page is
// tried first; overflow goes to fresh pages.
func (s *Service) writeData(data []byte) (storage.PageAddress, error) {
	first := storage.EmptyPageAddress
	prev := storage.EmptyPageAddress

	for off := 0; off < len(data) || first.IsEmpty(); {
		n := len(data) - off
		if n > maxPayload {
			n = maxPayload
		}
		addr, seg, err := s.insertDataBlock(dPayload + n)
		if err != nil {
			return storage.EmptyPageAddress, err
		}
		if first.IsEmpty() {
			seg.WriteByte(dExtend, 0)
			first = addr
		} else {
			seg.WriteByte(dExtend, 1)
			if err := s.linkDataBlock(prev, addr); err != nil {
				return storage.EmptyPageAddress, err
			}
		}
		seg.WritePageAddress(dNextBlock, storage.EmptyPageAddress)
		seg.WriteBytes(dPayload, data[off:off+n])
		prev = addr
		off += n
	}
	return first, nil
}

// insertDataBlock places a block on the free data page when it fits,
// otherwise on a new page.
func (s *Service) insertDataBlock(size int) (storage.PageAddress, storage.BufferSlice, error) {
	if s.meta.FreeDataPageID != storage.EmptyPageID {
		p, err := s.tx.GetPageForWrite(s.meta.FreeDataPageID)
		if err != nil {
			return storage.EmptyPageAddress, storage.BufferSlice{}, err
		}
		idx, seg, err := p.InsertBlock(size)
		if err == nil {
			return storage.PageAddress{PageID: p.PageID, Index: idx}, seg, nil
		}
	}
	p, err := s.tx.NewPage(storage.PageTypeData)
	if err != nil {
		return storage.EmptyPageAddress, storage.BufferSlice{}, err
	}
	p.ColID = s.pageID
	idx, seg, err := p.InsertBlock(size)
	if err != nil {
		return storage.EmptyPageAddress, storage.BufferSlice{}, err
	}
	s.meta.FreeDataPageID = p.PageID
	return storage.PageAddress{PageID: p.PageID, Index: idx}, seg, nil
}

// linkDataBlock sets prev's next pointer. The block is re-fetched, not
// cached, because a later insert on the same page may have compacted it.
func (s *Service) linkDataBlock(prev, next storage.PageAddress) error {
	p, err := s.tx.GetPageForWrite(prev.PageID)
	if err != nil {
		return err
	}
	seg, err := p.GetBlock(prev.Index)
	if err != nil {
		return err
	}
	seg.WritePageAddress(dNextBlock, next)
	return nil
}

// rewriteData stores a document's new bytes over its existing block chain,
// keeping the first block address stable so index nodes stay valid. Blocks
// the shorter form no longer needs are released. Reports false without
// touching any page when the chain has no room for the new size.
func (s *Service) rewriteData(first storage.PageAddress, data []byte) (bool, error) {
	type block struct {
		addr     storage.PageAddress
		capacity int
	}
	var (
		chain []block
		total int
	)
	addr := first
	for i := 0; !addr.IsEmpty(); i++ {
		if i > int(storage.MaxDocumentSize/maxPayload)+1 {
			return false, fmt.Errorf("%w: data block chain from %s does not terminate", dberr.ErrCorrupted, first)
		}
		p, err := s.tx.GetPage(addr.PageID)
		if err != nil {
			return false, err
		}
		seg, err := p.GetBlock(addr.Index)
		if err != nil {
			return false, err
		}
		if seg.Len() < dPayload {
			return false, fmt.Errorf("%w: data block at %s is %d bytes", dberr.ErrCorrupted, addr, seg.Len())
		}
		chain = append(chain, block{addr: addr, capacity: seg.Len() - dPayload})
		total += seg.Len() - dPayload
		addr = seg.ReadPageAddress(dNextBlock)
	}
	if total < len(data) {
		return false, nil
	}

	used, off := 0, 0
	for off < len(data) || used == 0 {
		b := chain[used]
		n := len(data) - off
		if n > b.capacity {
			n = b.capacity
		}
		p, err := s.tx.GetPageForWrite(b.addr.PageID)
		if err != nil {
			return false, err
		}
		// The new length never exceeds the old one, so the page always has
		// room and the slot index stays stable.
		seg, err := p.UpdateBlock(b.addr.Index, dPayload+n)
		if err != nil {
			return false, err
		}
		if used == 0 {
			seg.WriteByte(dExtend, 0)
		} else {
			seg.WriteByte(dExtend, 1)
		}
		off += n
		if off < len(data) {
			seg.WritePageAddress(dNextBlock, chain[used+1].addr)
		} else {
			seg.WritePageAddress(dNextBlock, storage.EmptyPageAddress)
		}
		seg.WriteBytes(dPayload, data[off-n:off])
		used++
	}
	if used < len(chain) {
		if err := s.deleteData(chain[used].addr); err != nil {
			return false, err
		}
	}
	return true, nil
}

// readData reassembles a document's bytes by following its block chain.
func (s *Service) readData(first storage.PageAddress) ([]byte, error) {
	var data []byte
	addr := first
	for i := 0; !addr.IsEmpty(); i++ {
		if i > int(storage.MaxDocumentSize/maxPayload)+1 {
			return nil, fmt.Errorf("%w: data block chain from %s does not terminate", dberr.ErrCorrupted, first)
		}
		p, err := s.tx.GetPage(addr.PageID)
		if err != nil {
			return nil, err
		}
		seg, err := p.GetBlock(addr.Index)
		if err != nil {
			return nil, err
		}
		if seg.Len() < dPayload {
			return nil, fmt.Errorf("%w: data block at %s is %d bytes", dberr.ErrCorrupted, addr, seg.Len())
		}
		data = append(data, seg.ReadBytes(dPayload, seg.Len()-dPayload)...)
		addr = seg.ReadPageAddress(dNextBlock)
	}
	return data, nil
}

// deleteData releases a document's block chain. Pages left empty go back
// to the free chain; pages that gained space become the free data page.
func (s *Service) deleteData(first storage.PageAddress) error {
	addr := first
	for !addr.IsEmpty() {
		p, err := s.tx.GetPageForWrite(addr.PageID)
		if err != nil {
			return err
		}
		seg, err := p.GetBlock(addr.Index)
		if err != nil {
			return err
		}
		next := seg.ReadPageAddress(dNextBlock)
		if err := p.DeleteBlock(addr.Index); err != nil {
			return err
		}
		if p.ItemsCount() == 0 {
			if s.meta.FreeDataPageID == p.PageID {
				s.meta.FreeDataPageID = storage.EmptyPageID
			}
			if err := s.tx.FreePage(p.PageID); err != nil {
				return err
			}
		} else {
			s.meta.FreeDataPageID = p.PageID
		}
		addr = next
	}
	return nil
}
