// Package index implements the skip-list indexes. Every index is a
// doubly-linked skip list of key nodes stored as blocks inside index pages,
// bounded by head and tail sentinel nodes holding the minimum and maximum
// key values.
package index

import (
	"fmt"

	"github.com/loamdb/loam/core/bson"
	"github.com/loamdb/loam/core/dberr"
	"github.com/loamdb/loam/core/storage"
)

// MaxLevels caps skip-list height. A node's level count is drawn from a
// geometric distribution with p=1/2, so 32 levels cover any practical
// index size.
const MaxLevels = 32

// Node block layout, offsets within the page block:
//
//	[0]     slot        byte, which index of the collection owns this node
//	[1]     levels      byte
//	[2]     data block  PageAddress, first block of the indexed document
//	[7]     next node   PageAddress, next index node of the same document
//	[12]    prev/next   levels pairs of PageAddress
//	[12+L*10] key       serialized key value
const (
	nSlot      = 0
	nLevels    = 1
	nDataBlock = 2
	nNextNode  = 7
	nLinks     = 12
)

func nodeSize(levels byte, keyLen int) int {
	return nLinks + int(levels)*2*storage.PageAddressSize + keyLen
}

func prevOffset(level byte) int {
	return nLinks + int(level)*2*storage.PageAddressSize
}

func nextOffset(level byte) int {
	return nLinks + int(level)*2*storage.PageAddressSize + storage.PageAddressSize
}

// Node is the in-memory view of one skip-list node. Link updates write
// through to the underlying page block, so a Node read through a
// transaction's staged page observes that transaction's own writes.
type Node struct {
	Address   storage.PageAddress
	Slot      byte
	Levels    byte
	Key       bson.Value
	DataBlock storage.PageAddress
	NextNode  storage.PageAddress

	seg storage.BufferSlice
}

// readNode parses the node block at the given address from p.
func readNode(p *storage.Page, addr storage.PageAddress) (*Node, error) {
	seg, err := p.GetBlock(addr.Index)
	if err != nil {
		return nil, err
	}
	levels := seg.ReadByte(nLevels)
	if levels == 0 || levels > MaxLevels {
		return nil, fmt.Errorf("%w: index node at %s has %d levels", dberr.ErrCorrupted, addr, levels)
	}
	keyOff := nLinks + int(levels)*2*storage.PageAddressSize
	if keyOff > seg.Len() {
		return nil, fmt.Errorf("%w: index node at %s overruns its block", dberr.ErrCorrupted, addr)
	}
	key, err := bson.Unmarshal(seg.ReadBytes(keyOff, seg.Len()-keyOff))
	if err != nil {
		return nil, fmt.Errorf("%w: index node key at %s: %v", dberr.ErrCorrupted, addr, err)
	}
	return &Node{
		Address:   addr,
		Slot:      seg.ReadByte(nSlot),
		Levels:    levels,
		Key:       key,
		DataBlock: seg.ReadPageAddress(nDataBlock),
		NextNode:  seg.ReadPageAddress(nNextNode),
		seg:       seg,
	}, nil
}

// writeNode lays a new node into the block segment.
func writeNode(seg storage.BufferSlice, slot, levels byte, key bson.Value, dataBlock storage.PageAddress) {
	seg.WriteByte(nSlot, slot)
	seg.WriteByte(nLevels, levels)
	seg.WritePageAddress(nDataBlock, dataBlock)
	seg.WritePageAddress(nNextNode, storage.EmptyPageAddress)
	for l := byte(0); l < levels; l++ {
		seg.WritePageAddress(prevOffset(l), storage.EmptyPageAddress)
		seg.WritePageAddress(nextOffset(l), storage.EmptyPageAddress)
	}
	seg.WriteBytes(nLinks+int(levels)*2*storage.PageAddressSize, bson.Marshal(key))
}

func (n *Node) Prev(level byte) storage.PageAddress {
	return n.seg.ReadPageAddress(prevOffset(level))
}

func (n *Node) Next(level byte) storage.PageAddress {
	return n.seg.ReadPageAddress(nextOffset(level))
}

func (n *Node) SetPrev(level byte, addr storage.PageAddress) {
	n.seg.WritePageAddress(prevOffset(level), addr)
}

func (n *Node) SetNext(level byte, addr storage.PageAddress) {
	n.seg.WritePageAddress(nextOffset(level), addr)
}

func (n *Node) SetNextNode(addr storage.PageAddress) {
	n.NextNode = addr
	n.seg.WritePageAddress(nNextNode, addr)
}
