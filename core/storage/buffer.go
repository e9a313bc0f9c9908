package storage

import "encoding/binary"

// BufferSlice is a window into a page buffer. All offsets are relative to
// the slice start; the slice does no bounds checking beyond the underlying
// slice semantics, callers stay inside the block they were handed.
type BufferSlice struct {
	buf []byte
}

func NewBufferSlice(buf []byte) BufferSlice { return BufferSlice{buf: buf} }

func (s BufferSlice) Len() int      { return len(s.buf) }
func (s BufferSlice) Bytes() []byte { return s.buf }

// Slice returns a sub-window of this slice.
func (s BufferSlice) Slice(off, length int) BufferSlice {
	return BufferSlice{buf: s.buf[off : off+length]}
}

func (s BufferSlice) ReadByte(off int) byte  { return s.buf[off] }
func (s BufferSlice) ReadBool(off int) bool  { return s.buf[off] != 0 }
func (s BufferSlice) ReadU16(off int) uint16 { return binary.LittleEndian.Uint16(s.buf[off:]) }
func (s BufferSlice) ReadU32(off int) uint32 { return binary.LittleEndian.Uint32(s.buf[off:]) }
func (s BufferSlice) ReadU64(off int) uint64 { return binary.LittleEndian.Uint64(s.buf[off:]) }

func (s BufferSlice) ReadBytes(off, length int) []byte {
	out := make([]byte, length)
	copy(out, s.buf[off:off+length])
	return out
}

func (s BufferSlice) WriteByte(off int, v byte)  { s.buf[off] = v }
func (s BufferSlice) WriteU16(off int, v uint16) { binary.LittleEndian.PutUint16(s.buf[off:], v) }
func (s BufferSlice) WriteU32(off int, v uint32) { binary.LittleEndian.PutUint32(s.buf[off:], v) }
func (s BufferSlice) WriteU64(off int, v uint64) { binary.LittleEndian.PutUint64(s.buf[off:], v) }

func (s BufferSlice) WriteBool(off int, v bool) {
	if v {
		s.buf[off] = 1
	} else {
		s.buf[off] = 0
	}
}

func (s BufferSlice) WriteBytes(off int, data []byte) { copy(s.buf[off:], data) }

func (s BufferSlice) ReadPageAddress(off int) PageAddress {
	return PageAddress{
		PageID: s.ReadU32(off),
		Index:  s.ReadByte(off + 4),
	}
}

func (s BufferSlice) WritePageAddress(off int, a PageAddress) {
	s.WriteU32(off, a.PageID)
	s.WriteByte(off+4, a.Index)
}

// Clear zeroes the whole slice.
func (s BufferSlice) Clear() {
	for i := range s.buf {
		s.buf[i] = 0
	}
}

// IsBlank reports whether every byte of the slice is zero.
func (s BufferSlice) IsBlank() bool {
	for _, b := range s.buf {
		if b != 0 {
			return false
		}
	}
	return true
}
