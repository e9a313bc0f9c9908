package storage

import (
	"testing"

	"github.com/loamdb/loam/core/dberr"
	"github.com/stretchr/testify/require"
)

func TestPage_InsertGetDelete(t *testing.T) {
	p := NewPage(7, PageTypeData)

	idx, seg, err := p.InsertBlock(16)
	require.NoError(t, err)
	require.Equal(t, byte(0), idx)
	require.Equal(t, 16, seg.Len())
	seg.WriteU32(0, 0xDEADBEEF)

	idx2, _, err := p.InsertBlock(32)
	require.NoError(t, err)
	require.Equal(t, byte(1), idx2)
	require.Equal(t, 2, p.ItemsCount())

	got, err := p.GetBlock(idx)
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), got.ReadU32(0))

	require.NoError(t, p.DeleteBlock(idx))
	require.Equal(t, 1, p.ItemsCount())
	_, err = p.GetBlock(idx)
	require.ErrorIs(t, err, dberr.ErrCorrupted)

	// Deleted slot index is reused before a new one is opened.
	idx3, _, err := p.InsertBlock(8)
	require.NoError(t, err)
	require.Equal(t, byte(0), idx3)
}

func TestPage_DefragmentReclaimsHoles(t *testing.T) {
	p := NewPage(1, PageTypeData)

	// Three blocks, delete the middle one to create a hole.
	_, _, err := p.InsertBlock(3000)
	require.NoError(t, err)
	mid, _, err := p.InsertBlock(3000)
	require.NoError(t, err)
	last, seg, err := p.InsertBlock(2000)
	require.NoError(t, err)
	seg.WriteU32(0, 42)
	require.NoError(t, p.DeleteBlock(mid))

	// The contiguous tail is too small; insert must defragment.
	idx, _, err := p.InsertBlock(2900)
	require.NoError(t, err)
	require.Equal(t, mid, idx)

	got, err := p.GetBlock(last)
	require.NoError(t, err)
	require.Equal(t, uint32(42), got.ReadU32(0), "surviving block moved intact")
}

func TestPage_InsertRejectsWhenFull(t *testing.T) {
	p := NewPage(1, PageTypeData)
	_, _, err := p.InsertBlock(MaxBlockSize)
	require.NoError(t, err)
	_, _, err = p.InsertBlock(1)
	require.ErrorIs(t, err, ErrNoFreeSpace)
}

func TestPage_UpdateBlockKeepsIndex(t *testing.T) {
	p := NewPage(1, PageTypeData)
	idx, seg, err := p.InsertBlock(10)
	require.NoError(t, err)
	seg.WriteBytes(0, []byte("0123456789"))

	bigger, err := p.UpdateBlock(idx, 100)
	require.NoError(t, err)
	require.Equal(t, 100, bigger.Len())
	bigger.WriteBytes(0, []byte("hello"))

	got, err := p.GetBlock(idx)
	require.NoError(t, err)
	require.Equal(t, 100, got.Len())
	require.Equal(t, []byte("hello"), got.ReadBytes(0, 5))
}

func TestPage_BufferRoundTrip(t *testing.T) {
	p := NewPage(9, PageTypeIndex)
	p.ColID = 3
	p.NextPageID = 11
	_, seg, err := p.InsertBlock(24)
	require.NoError(t, err)
	seg.WritePageAddress(0, PageAddress{PageID: 5, Index: 2})

	loaded, err := LoadPage(append([]byte(nil), p.UpdateBuffer()...))
	require.NoError(t, err)
	require.Equal(t, uint32(9), loaded.PageID)
	require.Equal(t, PageTypeIndex, loaded.Type)
	require.Equal(t, uint32(3), loaded.ColID)
	require.Equal(t, uint32(11), loaded.NextPageID)
	require.Equal(t, 1, loaded.ItemsCount())

	got, err := loaded.GetBlock(0)
	require.NoError(t, err)
	require.Equal(t, PageAddress{PageID: 5, Index: 2}, got.ReadPageAddress(0))
}

func TestPage_ChecksumDetectsCorruption(t *testing.T) {
	p := NewPage(4, PageTypeData)
	_, seg, err := p.InsertBlock(8)
	require.NoError(t, err)
	seg.WriteU64(0, 77)

	buf := append([]byte(nil), p.UpdateBuffer()...)
	buf[PageHeaderSize+3] ^= 0xFF // flip a content bit

	_, err = LoadPage(buf)
	require.ErrorIs(t, err, dberr.ErrPageChecksum)
}

func TestHeaderPage_RoundTrip(t *testing.T) {
	h := NewHeaderPage()
	h.LastPageID = 12
	h.FreeEmptyPageID = 5
	h.SetCollection("users", 3)
	h.SetCollection("orders", 8)

	page, err := h.UpdateBuffer()
	require.NoError(t, err)

	loaded, err := LoadHeaderPage(page)
	require.NoError(t, err)
	require.Equal(t, uint32(12), loaded.LastPageID)
	require.Equal(t, uint32(5), loaded.FreeEmptyPageID)
	require.Equal(t, []string{"users", "orders"}, loaded.CollectionNames())
	id, ok := loaded.GetCollectionPageID("orders")
	require.True(t, ok)
	require.Equal(t, uint32(8), id)
	_, ok = loaded.GetCollectionPageID("missing")
	require.False(t, ok)
}

func TestHeaderPage_RejectsBadMagic(t *testing.T) {
	h := NewHeaderPage()
	page, err := h.UpdateBuffer()
	require.NoError(t, err)
	page.Buffer().WriteU32(hMagic, 0x12345678)
	page.UpdateBuffer()

	_, err = LoadHeaderPage(page)
	require.ErrorIs(t, err, dberr.ErrCorrupted)
}
