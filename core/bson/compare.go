package bson

import (
	"bytes"
	"math"
	"strings"
)

// typeRank maps a type tag to its position in the total order. All numeric
// kinds share one rank so that cross-kind numeric comparison is by value.
func typeRank(t Type) int {
	if t.IsNumeric() {
		return int(TypeInt32)
	}
	return int(t)
}

// Compare imposes the strict total order every index and every comparison
// operator in the evaluator must agree on: type rank first, then content.
// It returns -1, 0 or +1.
func Compare(a, b Value) int {
	return CompareWithCollation(a, b, Collation{})
}

// Collation configures string comparison for indexes and queries. The zero
// value is ordinal (byte-wise) comparison.
type Collation struct {
	IgnoreCase bool
}

func (c Collation) compareStrings(a, b string) int {
	if c.IgnoreCase {
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	}
	return strings.Compare(a, b)
}

// CompareWithCollation is Compare with collation-aware string handling.
func CompareWithCollation(a, b Value, c Collation) int {
	ra, rb := typeRank(a.typ), typeRank(b.typ)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch {
	case a.typ == TypeMinValue, a.typ == TypeNull, a.typ == TypeMaxValue:
		return 0
	case a.typ.IsNumeric():
		return compareNumbers(a, b)
	}

	switch a.typ {
	case TypeString:
		return c.compareStrings(a.str, b.str)
	case TypeDocument:
		return compareDocuments(a.doc, b.doc, c)
	case TypeArray:
		return compareArrays(a.arr, b.arr, c)
	case TypeBinary:
		return bytes.Compare(a.bin, b.bin)
	case TypeObjectID:
		return bytes.Compare(a.oid[:], b.oid[:])
	case TypeGuid:
		return bytes.Compare(a.guid[:], b.guid[:])
	case TypeBoolean, TypeDateTime:
		return compareInt64(a.i64, b.i64)
	default:
		return 0
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareNumbers compares across numeric sub-kinds: decimal wins when either
// side is decimal, then double, then plain int64. NaN sorts below every
// other number so the order stays total.
func compareNumbers(a, b Value) int {
	aNaN := a.typ == TypeDouble && math.IsNaN(a.f64)
	bNaN := b.typ == TypeDouble && math.IsNaN(b.f64)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return -1
	case bNaN:
		return 1
	}
	if a.typ == TypeDecimal || b.typ == TypeDecimal {
		// Infinities have no decimal form; they bound the order instead.
		if a.typ == TypeDouble && math.IsInf(a.f64, 0) {
			if a.f64 > 0 {
				return 1
			}
			return -1
		}
		if b.typ == TypeDouble && math.IsInf(b.f64, 0) {
			if b.f64 > 0 {
				return -1
			}
			return 1
		}
		da, _ := a.AsDecimal()
		db, _ := b.AsDecimal()
		return da.Cmp(db)
	}
	if a.typ == TypeDouble || b.typ == TypeDouble {
		fa, _ := a.AsFloat64()
		fb, _ := b.AsFloat64()
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return compareInt64(a.i64, b.i64)
}

func compareDocuments(a, b *Document, c Collation) int {
	n := min(a.Len(), b.Len())
	for i := 0; i < n; i++ {
		ka, kb := a.keys[i], b.keys[i]
		if r := strings.Compare(ka, kb); r != 0 {
			return r
		}
		if r := CompareWithCollation(a.values[ka], b.values[kb], c); r != 0 {
			return r
		}
	}
	return compareInt64(int64(a.Len()), int64(b.Len()))
}

func compareArrays(a, b []Value, c Collation) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if r := CompareWithCollation(a[i], b[i], c); r != 0 {
			return r
		}
	}
	return compareInt64(int64(len(a)), int64(len(b)))
}

// Equal reports whether a and b compare as equal under the total order.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }
