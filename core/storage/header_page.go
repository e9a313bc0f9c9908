package storage

import (
	"fmt"
	"time"

	"github.com/loamdb/loam/core/bson"
	"github.com/loamdb/loam/core/dberr"
)

// Header page layout, after the common 32-byte page header:
//
//	32-35 magic          uint32
//	36    format version byte
//	37-40 freeEmptyPageID uint32 (head of the free-page chain)
//	41-44 lastPageID     uint32 (highest page ever allocated)
//	45-52 creation       uint64 (unix milliseconds)
//	53-56 pageSize       uint32
//	64-   collection catalog: uint32 length + serialized document mapping
//	      collection name to its collection page id
const (
	hMagic       = PageHeaderSize
	hVersion     = hMagic + 4
	hFreeEmpty   = hVersion + 1
	hLastPageID  = hFreeEmpty + 4
	hCreation    = hLastPageID + 4
	hPageSize    = hCreation + 8
	hCollections = 64

	maxCatalogBytes = PageSize - hCollections - 4
)

// HeaderPage is page 0: file identity, the free-page chain head, the file
// tail pointer and the collection catalog.
type HeaderPage struct {
	Page *Page

	FreeEmptyPageID uint32
	LastPageID      uint32
	Creation        time.Time

	collections *bson.Document
}

// NewHeaderPage initializes the header for a freshly created file.
func NewHeaderPage() *HeaderPage {
	return &HeaderPage{
		Page:            NewPage(HeaderPageID, PageTypeHeader),
		FreeEmptyPageID: EmptyPageID,
		LastPageID:      HeaderPageID,
		Creation:        time.Now().UTC(),
		collections:     bson.NewDocument(),
	}
}

// LoadHeaderPage validates the magic number and format version and parses
// the catalog.
func LoadHeaderPage(p *Page) (*HeaderPage, error) {
	if p.Type != PageTypeHeader || p.PageID != HeaderPageID {
		return nil, fmt.Errorf("%w: page %d is not a header page", dberr.ErrInvalidPageType, p.PageID)
	}
	s := p.Buffer()
	if m := s.ReadU32(hMagic); m != Magic {
		return nil, fmt.Errorf("%w: bad magic 0x%08X", dberr.ErrCorrupted, m)
	}
	if v := s.ReadByte(hVersion); v != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", dberr.ErrCorrupted, v)
	}
	if ps := s.ReadU32(hPageSize); ps != PageSize {
		return nil, fmt.Errorf("%w: file page size %d does not match engine page size %d", dberr.ErrCorrupted, ps, PageSize)
	}

	catLen := int(s.ReadU32(hCollections))
	if catLen > maxCatalogBytes {
		return nil, fmt.Errorf("%w: catalog length %d", dberr.ErrCorrupted, catLen)
	}
	collections := bson.NewDocument()
	if catLen > 0 {
		v, err := bson.Unmarshal(s.ReadBytes(hCollections+4, catLen))
		if err != nil {
			return nil, fmt.Errorf("%w: parsing catalog: %v", dberr.ErrCorrupted, err)
		}
		if v.Type() != bson.TypeDocument {
			return nil, fmt.Errorf("%w: catalog is not a document", dberr.ErrCorrupted)
		}
		collections = v.Document()
	}

	return &HeaderPage{
		Page:            p,
		FreeEmptyPageID: s.ReadU32(hFreeEmpty),
		LastPageID:      s.ReadU32(hLastPageID),
		Creation:        time.UnixMilli(int64(s.ReadU64(hCreation))).UTC(),
		collections:     collections,
	}, nil
}

// UpdateBuffer writes the header fields and catalog into the page and
// returns it ready for disk.
func (h *HeaderPage) UpdateBuffer() (*Page, error) {
	s := h.Page.Buffer()
	s.WriteU32(hMagic, Magic)
	s.WriteByte(hVersion, FormatVersion)
	s.WriteU32(hFreeEmpty, h.FreeEmptyPageID)
	s.WriteU32(hLastPageID, h.LastPageID)
	s.WriteU64(hCreation, uint64(h.Creation.UnixMilli()))
	s.WriteU32(hPageSize, PageSize)

	cat := bson.Marshal(bson.DocumentValue(h.collections))
	if len(cat) > maxCatalogBytes {
		return nil, fmt.Errorf("collection catalog exceeds header page capacity (%d bytes)", len(cat))
	}
	s.WriteU32(hCollections, uint32(len(cat)))
	s.WriteBytes(hCollections+4, cat)

	h.Page.SetDirty()
	h.Page.UpdateBuffer()
	return h.Page, nil
}

// Clone deep-copies the header so commit can serialize a stable snapshot.
func (h *HeaderPage) Clone() *HeaderPage {
	return &HeaderPage{
		Page:            h.Page.Clone(),
		FreeEmptyPageID: h.FreeEmptyPageID,
		LastPageID:      h.LastPageID,
		Creation:        h.Creation,
		collections:     h.collections.Clone(),
	}
}

// GetCollectionPageID looks a collection up in the catalog.
func (h *HeaderPage) GetCollectionPageID(name string) (uint32, bool) {
	v, ok := h.collections.Get(name)
	if !ok {
		return EmptyPageID, false
	}
	return uint32(v.Int64()), true
}

// SetCollection records a collection's metadata page in the catalog.
func (h *HeaderPage) SetCollection(name string, pageID uint32) {
	h.collections.Set(name, bson.Int64(int64(pageID)))
}

// RemoveCollection drops a collection from the catalog.
func (h *HeaderPage) RemoveCollection(name string) {
	h.collections.Remove(name)
}

// CollectionNames lists the catalog in creation order.
func (h *HeaderPage) CollectionNames() []string {
	return append([]string(nil), h.collections.Keys()...)
}
