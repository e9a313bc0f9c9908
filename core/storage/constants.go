// Package storage implements the page store: fixed-size slotted pages, the
// file header with the collection catalog and free-page list, and a disk
// manager that serves page reads and writes over a seekable byte stream for
// both the data file and its companion redo-log file.
package storage

import "fmt"

const (
	// PageSize is the unit of disk I/O. It is persisted in the file header;
	// a file must be reopened with the size it was created with.
	PageSize = 8192

	// PageHeaderSize is the fixed header at the start of every page.
	PageHeaderSize = 32

	// SlotSize is the per-block footer entry: position uint16 + length uint16.
	SlotSize = 4

	// MaxItemsPerPage bounds the block index, which is a single byte with
	// 0xFF reserved as the empty marker.
	MaxItemsPerPage = 254

	// MaxKeyLength bounds serialized index keys so a node always fits a page.
	MaxKeyLength = 1023

	// MaxBlockSize is the largest single block payload a page can hold.
	MaxBlockSize = PageSize - PageHeaderSize - SlotSize

	// MaxDocumentSize bounds a document's serialized form across its whole
	// extension chain.
	MaxDocumentSize = 2047 * MaxBlockSize

	// HeaderPageID is the fixed location of the file header.
	HeaderPageID uint32 = 0

	// EmptyPageID marks an unset page reference.
	EmptyPageID uint32 = 0xFFFFFFFF

	// Magic identifies a loam data file.
	Magic uint32 = 0x4C4F414D // "LOAM"

	// FormatVersion is the on-disk format revision.
	FormatVersion byte = 1
)

// PageType tags the role of a page. The values are part of the on-disk
// format.
type PageType byte

const (
	PageTypeEmpty      PageType = 0
	PageTypeHeader     PageType = 1
	PageTypeCollection PageType = 2
	PageTypeIndex      PageType = 3
	PageTypeData       PageType = 4
)

func (t PageType) String() string {
	switch t {
	case PageTypeEmpty:
		return "empty"
	case PageTypeHeader:
		return "header"
	case PageTypeCollection:
		return "collection"
	case PageTypeIndex:
		return "index"
	case PageTypeData:
		return "data"
	default:
		return fmt.Sprintf("pagetype(%d)", byte(t))
	}
}

func (t PageType) isValid() bool { return t <= PageTypeData }

// PageAddress locates a block inside a page: page number plus slot index.
type PageAddress struct {
	PageID uint32
	Index  byte
}

// PageAddressSize is the serialized size of a PageAddress.
const PageAddressSize = 5

// EmptyPageAddress marks an unset block reference.
var EmptyPageAddress = PageAddress{PageID: EmptyPageID, Index: 0xFF}

func (a PageAddress) IsEmpty() bool { return a.PageID == EmptyPageID }

func (a PageAddress) String() string {
	if a.IsEmpty() {
		return "(empty)"
	}
	return fmt.Sprintf("%d:%d", a.PageID, a.Index)
}
