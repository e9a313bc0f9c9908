package storage

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/loamdb/loam/core/dberr"
)

// Page header layout, bytes 0-31 of every page:
//
//	00-03 pageID       uint32
//	04    pageType     byte
//	05-08 prevPageID   uint32
//	09-12 nextPageID   uint32
//	13    listSlot     byte   (1 while page is linked in a free-space list)
//	14-17 txnID        uint32
//	18    isConfirmed  byte   (commit marker in the redo log)
//	19-22 colID        uint32
//	23    itemsCount   byte
//	24-25 usedBytes    uint16
//	26-27 fragmented   uint16
//	28-29 nextFreePos  uint16
//	30    highestIndex byte   (0xFF when the page holds no blocks)
//	31    crc          byte
//
// The footer slot array grows from the end of the page: slot i lives at
// PageSize-(i+1)*SlotSize and stores the block position and length. A slot
// with position 0 is free.
const (
	pPageID       = 0
	pPageType     = 4
	pPrevPageID   = 5
	pNextPageID   = 9
	pListSlot     = 13
	pTxnID        = 14
	pIsConfirmed  = 18
	pColID        = 19
	pItemsCount   = 23
	pUsedBytes    = 24
	pFragmented   = 26
	pNextFreePos  = 28
	pHighestIndex = 30
	pCRC          = 31

	noHighestIndex byte = 0xFF
)

// ErrNoFreeSpace is returned by InsertBlock when the page cannot hold the
// requested block. Callers pick another page from the free list.
var ErrNoFreeSpace = errors.New("page has insufficient free space")

// Page is the in-memory form of one disk page: the raw buffer plus the
// parsed header fields and a dirty flag.
type Page struct {
	buf []byte

	PageID     uint32
	Type       PageType
	PrevPageID uint32
	NextPageID uint32
	ListSlot   byte
	TxnID      uint32
	Confirmed  bool
	ColID      uint32

	itemsCount   byte
	usedBytes    uint16
	fragmented   uint16
	nextFreePos  uint16
	highestIndex byte

	dirty bool
}

// NewPage initializes a fresh page of the given type over a zeroed buffer.
func NewPage(pageID uint32, typ PageType) *Page {
	p := &Page{
		buf:          make([]byte, PageSize),
		PageID:       pageID,
		Type:         typ,
		PrevPageID:   EmptyPageID,
		NextPageID:   EmptyPageID,
		ListSlot:     0,
		TxnID:        EmptyPageID,
		ColID:        EmptyPageID,
		nextFreePos:  PageHeaderSize,
		highestIndex: noHighestIndex,
		dirty:        true,
	}
	return p
}

// LoadPage parses a page from its on-disk buffer, verifying the checksum and
// the structural header invariants. The buffer is retained, not copied.
func LoadPage(buf []byte) (*Page, error) {
	if len(buf) != PageSize {
		return nil, fmt.Errorf("%w: page buffer is %d bytes, want %d", dberr.ErrCorrupted, len(buf), PageSize)
	}
	s := NewBufferSlice(buf)
	p := &Page{
		buf:          buf,
		PageID:       s.ReadU32(pPageID),
		Type:         PageType(s.ReadByte(pPageType)),
		PrevPageID:   s.ReadU32(pPrevPageID),
		NextPageID:   s.ReadU32(pNextPageID),
		ListSlot:     s.ReadByte(pListSlot),
		TxnID:        s.ReadU32(pTxnID),
		Confirmed:    s.ReadBool(pIsConfirmed),
		ColID:        s.ReadU32(pColID),
		itemsCount:   s.ReadByte(pItemsCount),
		usedBytes:    s.ReadU16(pUsedBytes),
		fragmented:   s.ReadU16(pFragmented),
		nextFreePos:  s.ReadU16(pNextFreePos),
		highestIndex: s.ReadByte(pHighestIndex),
	}
	if !p.Type.isValid() {
		return nil, fmt.Errorf("%w: page %d has tag %d", dberr.ErrInvalidPageType, p.PageID, byte(p.Type))
	}
	if p.Type == PageTypeEmpty {
		// Empty pages carry only their chain links; no checksum is kept.
		return p, nil
	}
	if crc := s.ReadByte(pCRC); crc != p.computeCRC() {
		return nil, fmt.Errorf("%w: page %d", dberr.ErrPageChecksum, p.PageID)
	}
	if int(p.nextFreePos) < PageHeaderSize || int(p.nextFreePos) > PageSize {
		return nil, fmt.Errorf("%w: page %d next free position %d", dberr.ErrCorrupted, p.PageID, p.nextFreePos)
	}
	return p, nil
}

// UpdateBuffer writes the header fields and checksum back into the buffer
// and returns it, ready for disk.
func (p *Page) UpdateBuffer() []byte {
	s := NewBufferSlice(p.buf)
	s.WriteU32(pPageID, p.PageID)
	s.WriteByte(pPageType, byte(p.Type))
	s.WriteU32(pPrevPageID, p.PrevPageID)
	s.WriteU32(pNextPageID, p.NextPageID)
	s.WriteByte(pListSlot, p.ListSlot)
	s.WriteU32(pTxnID, p.TxnID)
	s.WriteBool(pIsConfirmed, p.Confirmed)
	s.WriteU32(pColID, p.ColID)
	s.WriteByte(pItemsCount, p.itemsCount)
	s.WriteU16(pUsedBytes, p.usedBytes)
	s.WriteU16(pFragmented, p.fragmented)
	s.WriteU16(pNextFreePos, p.nextFreePos)
	s.WriteByte(pHighestIndex, p.highestIndex)
	s.WriteByte(pCRC, p.computeCRC())
	return p.buf
}

func (p *Page) computeCRC() byte {
	h := crc32.NewIEEE()
	h.Write(p.buf[:pCRC])
	h.Write(p.buf[pCRC+1:])
	return byte(h.Sum32())
}

func (p *Page) IsDirty() bool  { return p.dirty }
func (p *Page) SetDirty()      { p.dirty = true }
func (p *Page) ClearDirty()    { p.dirty = false }
func (p *Page) ItemsCount() int { return int(p.itemsCount) }
func (p *Page) UsedBytes() int  { return int(p.usedBytes) }

// Buffer exposes the raw page window. Mutating callers must SetDirty.
func (p *Page) Buffer() BufferSlice { return NewBufferSlice(p.buf) }

// Clone copies the page for copy-on-write staging.
func (p *Page) Clone() *Page {
	c := *p
	c.buf = make([]byte, PageSize)
	copy(c.buf, p.buf)
	return &c
}

func (p *Page) slotOffset(index byte) int {
	return PageSize - (int(index)+1)*SlotSize
}

func (p *Page) slotAreaBytes() int {
	if p.highestIndex == noHighestIndex {
		return 0
	}
	return (int(p.highestIndex) + 1) * SlotSize
}

// FreeBytes returns the space available to a new block, accounting for one
// new footer slot.
func (p *Page) FreeBytes() int {
	if p.itemsCount >= MaxItemsPerPage {
		return 0
	}
	free := PageSize - PageHeaderSize - int(p.usedBytes) - p.slotAreaBytes() - SlotSize
	if free < 0 {
		return 0
	}
	return free
}

// freeSlotIndex returns the lowest available block index.
func (p *Page) freeSlotIndex() byte {
	if p.highestIndex == noHighestIndex {
		return 0
	}
	s := NewBufferSlice(p.buf)
	for i := byte(0); i <= p.highestIndex; i++ {
		if s.ReadU16(p.slotOffset(i)) == 0 {
			return i
		}
	}
	return p.highestIndex + 1
}

// InsertBlock reserves a block of the given length and returns its index and
// a writable window over it.
func (p *Page) InsertBlock(length int) (byte, BufferSlice, error) {
	if length <= 0 || length > MaxBlockSize {
		return 0, BufferSlice{}, fmt.Errorf("invalid block length %d", length)
	}
	if p.itemsCount >= MaxItemsPerPage || p.FreeBytes() < length {
		return 0, BufferSlice{}, ErrNoFreeSpace
	}

	index := p.freeSlotIndex()
	newHighest := p.highestIndex
	if p.highestIndex == noHighestIndex || index > p.highestIndex {
		newHighest = index
	}

	slotArea := (int(newHighest) + 1) * SlotSize
	contiguous := PageSize - slotArea - int(p.nextFreePos)
	if contiguous < length {
		p.defragment()
		contiguous = PageSize - slotArea - int(p.nextFreePos)
		if contiguous < length {
			return 0, BufferSlice{}, ErrNoFreeSpace
		}
	}

	pos := p.nextFreePos
	s := NewBufferSlice(p.buf)
	so := p.slotOffset(index)
	s.WriteU16(so, pos)
	s.WriteU16(so+2, uint16(length))

	p.nextFreePos += uint16(length)
	p.usedBytes += uint16(length)
	p.itemsCount++
	p.highestIndex = newHighest
	p.dirty = true

	seg := s.Slice(int(pos), length)
	seg.Clear()
	return index, seg, nil
}

// GetBlock returns a window over an existing block.
func (p *Page) GetBlock(index byte) (BufferSlice, error) {
	if p.highestIndex == noHighestIndex || index > p.highestIndex {
		return BufferSlice{}, fmt.Errorf("%w: page %d has no block %d", dberr.ErrCorrupted, p.PageID, index)
	}
	s := NewBufferSlice(p.buf)
	so := p.slotOffset(index)
	pos, length := s.ReadU16(so), s.ReadU16(so+2)
	if pos == 0 {
		return BufferSlice{}, fmt.Errorf("%w: page %d block %d is not in use", dberr.ErrCorrupted, p.PageID, index)
	}
	if int(pos)+int(length) > PageSize-p.slotAreaBytes() {
		return BufferSlice{}, fmt.Errorf("%w: page %d block %d overruns the slot area", dberr.ErrCorrupted, p.PageID, index)
	}
	return s.Slice(int(pos), int(length)), nil
}

// DeleteBlock releases a block. Tail blocks give their space back to the
// append cursor, interior ones become fragmentation reclaimed on demand.
func (p *Page) DeleteBlock(index byte) error {
	seg, err := p.GetBlock(index)
	if err != nil {
		return err
	}
	s := NewBufferSlice(p.buf)
	so := p.slotOffset(index)
	pos, length := s.ReadU16(so), s.ReadU16(so+2)

	seg.Clear()
	s.WriteU16(so, 0)
	s.WriteU16(so+2, 0)

	p.usedBytes -= length
	p.itemsCount--

	if pos+length == p.nextFreePos {
		p.nextFreePos = pos
	} else {
		p.fragmented += length
	}

	if p.itemsCount == 0 {
		p.nextFreePos = PageHeaderSize
		p.fragmented = 0
		p.highestIndex = noHighestIndex
	} else if index == p.highestIndex {
		for i := int(index) - 1; i >= 0; i-- {
			if s.ReadU16(p.slotOffset(byte(i))) != 0 {
				p.highestIndex = byte(i)
				break
			}
		}
	}
	p.dirty = true
	return nil
}

// UpdateBlock resizes a block in place, keeping its index stable so page
// addresses held by index nodes remain valid.
func (p *Page) UpdateBlock(index byte, length int) (BufferSlice, error) {
	if length <= 0 || length > MaxBlockSize {
		return BufferSlice{}, fmt.Errorf("invalid block length %d", length)
	}
	s := NewBufferSlice(p.buf)
	so := p.slotOffset(index)
	if p.highestIndex == noHighestIndex || index > p.highestIndex || s.ReadU16(so) == 0 {
		return BufferSlice{}, fmt.Errorf("%w: page %d block %d is not in use", dberr.ErrCorrupted, p.PageID, index)
	}
	pos, oldLen := s.ReadU16(so), s.ReadU16(so+2)

	if int(oldLen) == length {
		p.dirty = true
		return s.Slice(int(pos), length), nil
	}

	// Release the old extent, then place the new one through the normal
	// allocation path with the slot index pinned.
	seg := s.Slice(int(pos), int(oldLen))
	seg.Clear()
	p.usedBytes -= oldLen
	if pos+oldLen == p.nextFreePos {
		p.nextFreePos = pos
	} else {
		p.fragmented += oldLen
	}
	s.WriteU16(so, 0)
	s.WriteU16(so+2, 0)

	slotArea := p.slotAreaBytes()
	if PageSize-slotArea-int(p.nextFreePos) < length {
		if int(p.fragmented)+PageSize-slotArea-int(p.nextFreePos) < length {
			// Roll the release back so the caller can relocate the block.
			s.WriteU16(so, pos)
			s.WriteU16(so+2, oldLen)
			p.usedBytes += oldLen
			if p.nextFreePos == pos {
				p.nextFreePos = pos + oldLen
			} else {
				p.fragmented -= oldLen
			}
			return BufferSlice{}, ErrNoFreeSpace
		}
		p.defragment()
	}

	newPos := p.nextFreePos
	s.WriteU16(so, newPos)
	s.WriteU16(so+2, uint16(length))
	p.nextFreePos += uint16(length)
	p.usedBytes += uint16(length)
	p.dirty = true

	out := s.Slice(int(newPos), length)
	out.Clear()
	return out, nil
}

// defragment compacts all live blocks toward the start of the content area,
// preserving their slot indexes.
func (p *Page) defragment() {
	if p.fragmented == 0 || p.highestIndex == noHighestIndex {
		return
	}
	s := NewBufferSlice(p.buf)

	type extent struct {
		index byte
		pos   uint16
		len   uint16
	}
	extents := make([]extent, 0, p.itemsCount)
	for i := byte(0); i <= p.highestIndex; i++ {
		so := p.slotOffset(i)
		if pos := s.ReadU16(so); pos != 0 {
			extents = append(extents, extent{index: i, pos: pos, len: s.ReadU16(so + 2)})
		}
	}
	sort.Slice(extents, func(i, j int) bool { return extents[i].pos < extents[j].pos })

	next := uint16(PageHeaderSize)
	for _, e := range extents {
		if e.pos != next {
			copy(p.buf[next:next+e.len], p.buf[e.pos:e.pos+e.len])
			s.WriteU16(p.slotOffset(e.index), next)
		}
		next += e.len
	}
	for i := next; i < p.nextFreePos; i++ {
		p.buf[i] = 0
	}
	p.nextFreePos = next
	p.fragmented = 0
	p.dirty = true
}

// Blocks returns the indexes of all live blocks in ascending order.
func (p *Page) Blocks() []byte {
	if p.highestIndex == noHighestIndex {
		return nil
	}
	s := NewBufferSlice(p.buf)
	out := make([]byte, 0, p.itemsCount)
	for i := byte(0); i <= p.highestIndex; i++ {
		if s.ReadU16(p.slotOffset(i)) != 0 {
			out = append(out, i)
		}
	}
	return out
}

// MarkEmpty resets the page to the free state, keeping only its identity so
// it can live in the free-page chain.
func (p *Page) MarkEmpty() {
	id := p.PageID
	for i := range p.buf {
		p.buf[i] = 0
	}
	p.Type = PageTypeEmpty
	p.PageID = id
	p.PrevPageID = EmptyPageID
	p.NextPageID = EmptyPageID
	p.ListSlot = 0
	p.TxnID = EmptyPageID
	p.Confirmed = false
	p.ColID = EmptyPageID
	p.itemsCount = 0
	p.usedBytes = 0
	p.fragmented = 0
	p.nextFreePos = PageHeaderSize
	p.highestIndex = noHighestIndex
	p.dirty = true
}
