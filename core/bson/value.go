// Package bson implements the document value model: a tagged union over the
// scalar, document and array kinds the engine stores, with a strict total
// order shared by the index structure and the expression evaluator, and a
// binary wire format used for data blocks and index keys.
package bson

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type identifies the kind of a Value. The numeric values are part of the
// on-disk format and also define the type rank of the total order; they must
// never be renumbered.
type Type byte

const (
	TypeMinValue Type = 0
	TypeNull     Type = 1
	TypeInt32    Type = 2
	TypeInt64    Type = 3
	TypeDouble   Type = 4
	TypeDecimal  Type = 5
	TypeString   Type = 6
	TypeDocument Type = 7
	TypeArray    Type = 8
	TypeBinary   Type = 9
	TypeObjectID Type = 10
	TypeGuid     Type = 11
	TypeBoolean  Type = 12
	TypeDateTime Type = 13
	TypeMaxValue Type = 14
)

func (t Type) String() string {
	switch t {
	case TypeMinValue:
		return "minvalue"
	case TypeNull:
		return "null"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeDouble:
		return "double"
	case TypeDecimal:
		return "decimal"
	case TypeString:
		return "string"
	case TypeDocument:
		return "document"
	case TypeArray:
		return "array"
	case TypeBinary:
		return "binary"
	case TypeObjectID:
		return "objectid"
	case TypeGuid:
		return "guid"
	case TypeBoolean:
		return "boolean"
	case TypeDateTime:
		return "datetime"
	case TypeMaxValue:
		return "maxvalue"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

// IsValid reports whether t is one of the defined type tags.
func (t Type) IsValid() bool { return t <= TypeMaxValue }

// IsNumeric reports whether values of this type participate in numeric
// cross-kind comparison and arithmetic.
func (t Type) IsNumeric() bool {
	return t == TypeInt32 || t == TypeInt64 || t == TypeDouble || t == TypeDecimal
}

// Value is one document database value. The zero Value is Null.
type Value struct {
	typ Type

	i64  int64 // Int32, Int64, Boolean (0/1), DateTime (unix millis UTC)
	f64  float64
	dec  decimal.Decimal
	str  string
	bin  []byte
	oid  ObjectID
	guid uuid.UUID
	doc  *Document
	arr  []Value
}

// Constructors. Values are immutable once constructed; Binary and Array take
// ownership of the slice passed in.

func MinValue() Value            { return Value{typ: TypeMinValue} }
func MaxValue() Value            { return Value{typ: TypeMaxValue} }
func Null() Value                { return Value{typ: TypeNull} }
func Int32(v int32) Value        { return Value{typ: TypeInt32, i64: int64(v)} }
func Int64(v int64) Value        { return Value{typ: TypeInt64, i64: v} }
func Double(v float64) Value     { return Value{typ: TypeDouble, f64: v} }
func String(v string) Value      { return Value{typ: TypeString, str: v} }
func Binary(v []byte) Value      { return Value{typ: TypeBinary, bin: v} }
func Guid(v uuid.UUID) Value     { return Value{typ: TypeGuid, guid: v} }
func Array(v []Value) Value      { return Value{typ: TypeArray, arr: v} }

func ObjectIDValue(v ObjectID) Value { return Value{typ: TypeObjectID, oid: v} }

func Boolean(v bool) Value {
	var b int64
	if v {
		b = 1
	}
	return Value{typ: TypeBoolean, i64: b}
}

// Decimal wraps a high-precision decimal value.
func Decimal128(v decimal.Decimal) Value { return Value{typ: TypeDecimal, dec: v} }

// DateTime stores t truncated to millisecond precision in UTC.
func DateTime(t time.Time) Value {
	return Value{typ: TypeDateTime, i64: t.UnixMilli()}
}

// DocumentValue wraps a document. A nil document is treated as an empty one.
func DocumentValue(d *Document) Value {
	if d == nil {
		d = NewDocument()
	}
	return Value{typ: TypeDocument, doc: d}
}

func (v Value) Type() Type { return v.typ }

func (v Value) IsNull() bool    { return v.typ == TypeNull }
func (v Value) IsNumeric() bool { return v.typ.IsNumeric() }

// Accessors. Each returns the zero value when the kind does not match; use
// Type to discriminate first.

func (v Value) Int32() int32 { return int32(v.i64) }
func (v Value) Int64() int64 { return v.i64 }
func (v Value) Double() float64 {
	if v.typ == TypeDouble {
		return v.f64
	}
	return 0
}
func (v Value) Decimal() decimal.Decimal { return v.dec }
func (v Value) Str() string              { return v.str }
func (v Value) Bytes() []byte            { return v.bin }
func (v Value) ObjectID() ObjectID       { return v.oid }
func (v Value) Guid() uuid.UUID          { return v.guid }
func (v Value) Boolean() bool            { return v.i64 != 0 }
func (v Value) Time() time.Time          { return time.UnixMilli(v.i64).UTC() }
func (v Value) Document() *Document      { return v.doc }
func (v Value) Array() []Value           { return v.arr }

// AsInt64 converts any numeric kind to int64, truncating fractions.
func (v Value) AsInt64() (int64, bool) {
	switch v.typ {
	case TypeInt32, TypeInt64:
		return v.i64, true
	case TypeDouble:
		return int64(v.f64), true
	case TypeDecimal:
		return v.dec.IntPart(), true
	}
	return 0, false
}

// AsFloat64 converts any numeric kind to float64.
func (v Value) AsFloat64() (float64, bool) {
	switch v.typ {
	case TypeInt32, TypeInt64:
		return float64(v.i64), true
	case TypeDouble:
		return v.f64, true
	case TypeDecimal:
		f, _ := v.dec.Float64()
		return f, true
	}
	return 0, false
}

// AsDecimal converts any numeric kind to a decimal.
func (v Value) AsDecimal() (decimal.Decimal, bool) {
	switch v.typ {
	case TypeInt32, TypeInt64:
		return decimal.NewFromInt(v.i64), true
	case TypeDouble:
		return decimal.NewFromFloat(v.f64), true
	case TypeDecimal:
		return v.dec, true
	}
	return decimal.Decimal{}, false
}

// String renders the value for diagnostics and the CLI. It is not the wire
// format.
func (v Value) String() string {
	switch v.typ {
	case TypeMinValue:
		return "$minValue"
	case TypeMaxValue:
		return "$maxValue"
	case TypeNull:
		return "null"
	case TypeInt32, TypeInt64:
		return strconv.FormatInt(v.i64, 10)
	case TypeDouble:
		return strconv.FormatFloat(v.f64, 'g', -1, 64)
	case TypeDecimal:
		return v.dec.String()
	case TypeString:
		return strconv.Quote(v.str)
	case TypeBinary:
		return fmt.Sprintf("binary(%d bytes)", len(v.bin))
	case TypeObjectID:
		return v.oid.Hex()
	case TypeGuid:
		return v.guid.String()
	case TypeBoolean:
		if v.i64 != 0 {
			return "true"
		}
		return "false"
	case TypeDateTime:
		return v.Time().Format(time.RFC3339Nano)
	case TypeDocument:
		return v.doc.String()
	case TypeArray:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(e.String())
		}
		sb.WriteByte(']')
		return sb.String()
	default:
		return "invalid"
	}
}
