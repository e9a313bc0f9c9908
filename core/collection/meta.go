// Package collection ties documents to pages: the collection page holding
// the metadata, the data-block chains documents serialize into, and the
// index maintenance every insert, update and delete performs.
package collection

import (
	"fmt"

	"github.com/loamdb/loam/core/bson"
	"github.com/loamdb/loam/core/dberr"
	"github.com/loamdb/loam/core/index"
	"github.com/loamdb/loam/core/storage"
)

// IDIndexName names the primary index present on every collection.
const IDIndexName = "_id"

// IDExpression is the path the primary index is built over.
const IDExpression = "$._id"

// Metadata is the deserialized collection page: where documents with free
// space go, and the index set.
type Metadata struct {
	FreeDataPageID uint32
	Indexes        []*index.Meta
}

// IndexByName returns the meta for name, or nil.
func (md *Metadata) IndexByName(name string) *index.Meta {
	for _, m := range md.Indexes {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// IndexBySlot returns the meta owning a node slot, or nil.
func (md *Metadata) IndexBySlot(slot byte) *index.Meta {
	for _, m := range md.Indexes {
		if m.Slot == slot {
			return m
		}
	}
	return nil
}

// IDIndex returns the primary index meta.
func (md *Metadata) IDIndex() *index.Meta {
	return md.IndexByName(IDIndexName)
}

func addrToValues(a storage.PageAddress) (bson.Value, bson.Value) {
	return bson.Int64(int64(a.PageID)), bson.Int32(int32(a.Index))
}

func addrFromDoc(d *bson.Document, pageKey, indexKey string) storage.PageAddress {
	return storage.PageAddress{
		PageID: uint32(d.GetOrNull(pageKey).Int64()),
		Index:  byte(d.GetOrNull(indexKey).Int32()),
	}
}

func (md *Metadata) toDocument() *bson.Document {
	indexes := make([]bson.Value, len(md.Indexes))
	for i, m := range md.Indexes {
		headP, headI := addrToValues(m.Head)
		tailP, tailI := addrToValues(m.Tail)
		indexes[i] = bson.DocumentValue(bson.NewDocument().
			Set("slot", bson.Int32(int32(m.Slot))).
			Set("name", bson.String(m.Name)).
			Set("expr", bson.String(m.Expression)).
			Set("unique", bson.Boolean(m.Unique)).
			Set("headPage", headP).
			Set("headIndex", headI).
			Set("tailPage", tailP).
			Set("tailIndex", tailI).
			Set("freePage", bson.Int64(int64(m.FreeIndexPageID))))
	}
	return bson.NewDocument().
		Set("freeData", bson.Int64(int64(md.FreeDataPageID))).
		Set("indexes", bson.Array(indexes))
}

func metadataFromDocument(d *bson.Document) (*Metadata, error) {
	md := &Metadata{
		FreeDataPageID: uint32(d.GetOrNull("freeData").Int64()),
	}
	raw, ok := d.Get("indexes")
	if !ok || raw.Type() != bson.TypeArray {
		return nil, fmt.Errorf("%w: collection metadata has no index list", dberr.ErrCorrupted)
	}
	for _, v := range raw.Array() {
		if v.Type() != bson.TypeDocument {
			return nil, fmt.Errorf("%w: index metadata entry is %s", dberr.ErrCorrupted, v.Type())
		}
		e := v.Document()
		md.Indexes = append(md.Indexes, &index.Meta{
			Slot:            byte(e.GetOrNull("slot").Int32()),
			Name:            e.GetOrNull("name").Str(),
			Expression:      e.GetOrNull("expr").Str(),
			Unique:          e.GetOrNull("unique").Boolean(),
			Head:            addrFromDoc(e, "headPage", "headIndex"),
			Tail:            addrFromDoc(e, "tailPage", "tailIndex"),
			FreeIndexPageID: uint32(e.GetOrNull("freePage").Int64()),
		})
	}
	if md.IDIndex() == nil {
		return nil, fmt.Errorf("%w: collection metadata lost its primary index", dberr.ErrCorrupted)
	}
	return md, nil
}

// loadMetadata reads the metadata block from a collection page.
func loadMetadata(p *storage.Page) (*Metadata, error) {
	if p.Type != storage.PageTypeCollection {
		return nil, fmt.Errorf("%w: page %d is %s, want collection", dberr.ErrInvalidPageType, p.PageID, p.Type)
	}
	seg, err := p.GetBlock(0)
	if err != nil {
		return nil, err
	}
	v, err := bson.Unmarshal(seg.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: collection metadata: %v", dberr.ErrCorrupted, err)
	}
	if v.Type() != bson.TypeDocument {
		return nil, fmt.Errorf("%w: collection metadata is %s", dberr.ErrCorrupted, v.Type())
	}
	return metadataFromDocument(v.Document())
}

// saveMetadata rewrites the metadata block in place, resizing it.
func saveMetadata(p *storage.Page, md *Metadata) error {
	data := bson.Marshal(bson.DocumentValue(md.toDocument()))
	seg, err := p.UpdateBlock(0, len(data))
	if err != nil {
		return err
	}
	seg.WriteBytes(0, data)
	return nil
}
