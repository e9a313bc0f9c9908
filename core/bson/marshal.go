package bson

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wire format, little endian throughout. A serialized value is its type tag
// followed by a payload:
//
//	MinValue/Null/MaxValue  nothing
//	Int32                   4 bytes
//	Int64/Double/DateTime   8 bytes
//	Boolean                 1 byte
//	ObjectID                12 bytes
//	Guid                    16 bytes
//	Decimal                 u16 length + length bytes
//	String/Binary           u32 length + length bytes
//	Document                u32 payload length + entries (u16 key length,
//	                        key bytes, serialized value)
//	Array                   u32 payload length + serialized elements
//
// The format is a durable on-disk contract; changing it breaks existing
// files.

var (
	ErrShortData  = errors.New("bson: unexpected end of data")
	ErrBadTag     = errors.New("bson: unknown type tag")
	ErrTrailing   = errors.New("bson: trailing bytes after value")
	ErrBadDecimal = errors.New("bson: malformed decimal payload")
)

// SerializedLen returns the number of bytes Marshal will produce for v,
// including the leading type tag.
func SerializedLen(v Value) int {
	return 1 + payloadLen(v)
}

func payloadLen(v Value) int {
	switch v.typ {
	case TypeMinValue, TypeNull, TypeMaxValue:
		return 0
	case TypeInt32:
		return 4
	case TypeInt64, TypeDouble, TypeDateTime:
		return 8
	case TypeBoolean:
		return 1
	case TypeObjectID:
		return 12
	case TypeGuid:
		return 16
	case TypeDecimal:
		b, _ := v.dec.MarshalBinary()
		return 2 + len(b)
	case TypeString:
		return 4 + len(v.str)
	case TypeBinary:
		return 4 + len(v.bin)
	case TypeDocument:
		n := 4
		for _, k := range v.doc.keys {
			n += 2 + len(k) + SerializedLen(v.doc.values[k])
		}
		return n
	case TypeArray:
		n := 4
		for _, e := range v.arr {
			n += SerializedLen(e)
		}
		return n
	default:
		return 0
	}
}

// Marshal serializes v into a fresh buffer.
func Marshal(v Value) []byte {
	return AppendValue(make([]byte, 0, SerializedLen(v)), v)
}

// AppendValue appends the serialized form of v to buf.
func AppendValue(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.typ))
	switch v.typ {
	case TypeMinValue, TypeNull, TypeMaxValue:
	case TypeInt32:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(v.i64)))
	case TypeInt64, TypeDateTime:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.i64))
	case TypeDouble:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.f64))
	case TypeBoolean:
		buf = append(buf, byte(v.i64))
	case TypeObjectID:
		buf = append(buf, v.oid[:]...)
	case TypeGuid:
		buf = append(buf, v.guid[:]...)
	case TypeDecimal:
		b, _ := v.dec.MarshalBinary()
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(b)))
		buf = append(buf, b...)
	case TypeString:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.str)))
		buf = append(buf, v.str...)
	case TypeBinary:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.bin)))
		buf = append(buf, v.bin...)
	case TypeDocument:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(payloadLen(v)-4))
		for _, k := range v.doc.keys {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(k)))
			buf = append(buf, k...)
			buf = AppendValue(buf, v.doc.values[k])
		}
	case TypeArray:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(payloadLen(v)-4))
		for _, e := range v.arr {
			buf = AppendValue(buf, e)
		}
	}
	return buf
}

// Unmarshal parses a single serialized value and rejects trailing bytes.
func Unmarshal(data []byte) (Value, error) {
	r := reader{data: data}
	v, err := r.readValue()
	if err != nil {
		return Null(), err
	}
	if r.off != len(data) {
		return Null(), ErrTrailing
	}
	return v, nil
}

// ReadValue parses one serialized value from the front of data and returns
// the number of bytes consumed.
func ReadValue(data []byte) (Value, int, error) {
	r := reader{data: data}
	v, err := r.readValue()
	if err != nil {
		return Null(), 0, err
	}
	return v, r.off, nil
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) take(n int) ([]byte, error) {
	if r.off+n > len(r.data) {
		return nil, ErrShortData
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) readValue() (Value, error) {
	tb, err := r.take(1)
	if err != nil {
		return Null(), err
	}
	t := Type(tb[0])

	switch t {
	case TypeMinValue:
		return MinValue(), nil
	case TypeNull:
		return Null(), nil
	case TypeMaxValue:
		return MaxValue(), nil
	case TypeInt32:
		b, err := r.take(4)
		if err != nil {
			return Null(), err
		}
		return Int32(int32(binary.LittleEndian.Uint32(b))), nil
	case TypeInt64:
		b, err := r.take(8)
		if err != nil {
			return Null(), err
		}
		return Int64(int64(binary.LittleEndian.Uint64(b))), nil
	case TypeDouble:
		b, err := r.take(8)
		if err != nil {
			return Null(), err
		}
		return Double(math.Float64frombits(binary.LittleEndian.Uint64(b))), nil
	case TypeDateTime:
		b, err := r.take(8)
		if err != nil {
			return Null(), err
		}
		return Value{typ: TypeDateTime, i64: int64(binary.LittleEndian.Uint64(b))}, nil
	case TypeBoolean:
		b, err := r.take(1)
		if err != nil {
			return Null(), err
		}
		return Boolean(b[0] != 0), nil
	case TypeObjectID:
		b, err := r.take(12)
		if err != nil {
			return Null(), err
		}
		var id ObjectID
		copy(id[:], b)
		return ObjectIDValue(id), nil
	case TypeGuid:
		b, err := r.take(16)
		if err != nil {
			return Null(), err
		}
		var g uuid.UUID
		copy(g[:], b)
		return Guid(g), nil
	case TypeDecimal:
		lb, err := r.take(2)
		if err != nil {
			return Null(), err
		}
		b, err := r.take(int(binary.LittleEndian.Uint16(lb)))
		if err != nil {
			return Null(), err
		}
		var d decimal.Decimal
		if err := d.UnmarshalBinary(b); err != nil {
			return Null(), fmt.Errorf("%w: %v", ErrBadDecimal, err)
		}
		return Decimal128(d), nil
	case TypeString:
		lb, err := r.take(4)
		if err != nil {
			return Null(), err
		}
		b, err := r.take(int(binary.LittleEndian.Uint32(lb)))
		if err != nil {
			return Null(), err
		}
		return String(string(b)), nil
	case TypeBinary:
		lb, err := r.take(4)
		if err != nil {
			return Null(), err
		}
		b, err := r.take(int(binary.LittleEndian.Uint32(lb)))
		if err != nil {
			return Null(), err
		}
		return Binary(append([]byte(nil), b...)), nil
	case TypeDocument:
		lb, err := r.take(4)
		if err != nil {
			return Null(), err
		}
		end := r.off + int(binary.LittleEndian.Uint32(lb))
		if end > len(r.data) {
			return Null(), ErrShortData
		}
		doc := NewDocument()
		for r.off < end {
			kb, err := r.take(2)
			if err != nil {
				return Null(), err
			}
			key, err := r.take(int(binary.LittleEndian.Uint16(kb)))
			if err != nil {
				return Null(), err
			}
			v, err := r.readValue()
			if err != nil {
				return Null(), err
			}
			doc.Set(string(key), v)
		}
		if r.off != end {
			return Null(), ErrShortData
		}
		return DocumentValue(doc), nil
	case TypeArray:
		lb, err := r.take(4)
		if err != nil {
			return Null(), err
		}
		end := r.off + int(binary.LittleEndian.Uint32(lb))
		if end > len(r.data) {
			return Null(), ErrShortData
		}
		var arr []Value
		for r.off < end {
			v, err := r.readValue()
			if err != nil {
				return Null(), err
			}
			arr = append(arr, v)
		}
		if r.off != end {
			return Null(), ErrShortData
		}
		return Array(arr), nil
	default:
		return Null(), fmt.Errorf("%w: 0x%02x", ErrBadTag, byte(t))
	}
}
