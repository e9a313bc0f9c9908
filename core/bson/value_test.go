package bson

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// randomValue generates a value of a random kind, including nested documents
// and arrays up to the given depth.
func randomValue(rng *rand.Rand, depth int) Value {
	kind := rng.Intn(15)
	if depth <= 0 && (kind == 7 || kind == 8) {
		kind = 2
	}
	switch kind {
	case 0:
		return MinValue()
	case 1:
		return Null()
	case 2:
		return Int32(int32(rng.Int63()))
	case 3:
		return Int64(rng.Int63() - math.MaxInt32)
	case 4:
		return Double(rng.NormFloat64() * 1e6)
	case 5:
		return Decimal128(decimal.New(rng.Int63()%1_000_000, int32(rng.Intn(8))-4))
	case 6:
		letters := []byte("abcdefgh")
		n := rng.Intn(12)
		s := make([]byte, n)
		for i := range s {
			s[i] = letters[rng.Intn(len(letters))]
		}
		return String(string(s))
	case 7:
		doc := NewDocument()
		for i := 0; i < rng.Intn(4); i++ {
			doc.Set(string(rune('a'+i)), randomValue(rng, depth-1))
		}
		return DocumentValue(doc)
	case 8:
		n := rng.Intn(4)
		arr := make([]Value, n)
		for i := range arr {
			arr[i] = randomValue(rng, depth-1)
		}
		return Array(arr)
	case 9:
		b := make([]byte, rng.Intn(16))
		for i := range b {
			b[i] = byte(rng.Intn(256))
		}
		return Binary(b)
	case 10:
		return ObjectIDValue(NewObjectID())
	case 11:
		var g uuid.UUID
		for i := range g {
			g[i] = byte(rng.Intn(256))
		}
		return Guid(g)
	case 12:
		return Boolean(rng.Intn(2) == 0)
	case 13:
		return DateTime(time.UnixMilli(rng.Int63() % 4_000_000_000_000).UTC())
	default:
		return MaxValue()
	}
}

func TestCompare_TypeOrder(t *testing.T) {
	ordered := []Value{
		MinValue(),
		Null(),
		Int32(1),
		String("a"),
		DocumentValue(NewDocument()),
		Array(nil),
		Binary([]byte{1}),
		ObjectIDValue(NewObjectID()),
		Guid(uuid.UUID{1}),
		Boolean(false),
		DateTime(time.Unix(0, 0)),
		MaxValue(),
	}
	for i := 0; i < len(ordered)-1; i++ {
		require.Equal(t, -1, Compare(ordered[i], ordered[i+1]),
			"%s must sort before %s", ordered[i].Type(), ordered[i+1].Type())
	}
}

func TestCompare_NumericCrossKind(t *testing.T) {
	require.Equal(t, 0, Compare(Int32(42), Int64(42)))
	require.Equal(t, 0, Compare(Int64(42), Double(42.0)))
	require.Equal(t, 0, Compare(Double(1.5), Decimal128(decimal.NewFromFloat(1.5))))
	require.Equal(t, -1, Compare(Int32(1), Double(1.5)))
	require.Equal(t, 1, Compare(Decimal128(decimal.NewFromInt(10)), Int64(9)))

	// NaN stays inside the numeric band and below every other number.
	require.Equal(t, -1, Compare(Double(math.NaN()), Double(math.Inf(-1))))
	require.Equal(t, 1, Compare(Double(math.NaN()), Null()))
	require.Equal(t, -1, Compare(Double(math.NaN()), String("")))
}

func TestCompare_DecimalAgainstSpecialDoubles(t *testing.T) {
	nan := Double(math.NaN())
	one := Decimal128(decimal.NewFromInt(1))

	require.Equal(t, -1, Compare(nan, one))
	require.Equal(t, 1, Compare(one, nan))
	require.Equal(t, 0, Compare(nan, nan))
	require.Equal(t, -1, Compare(nan, Decimal128(decimal.NewFromInt(-1000))))

	require.Equal(t, 1, Compare(Double(math.Inf(1)), one))
	require.Equal(t, -1, Compare(Double(math.Inf(-1)), one))
	require.Equal(t, -1, Compare(one, Double(math.Inf(1))))
	require.Equal(t, 1, Compare(one, Double(math.Inf(-1))))
}

// TestCompare_TotalOrderProperties checks antisymmetry, totality and
// transitivity over randomly generated values of every kind.
func TestCompare_TotalOrderProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	values := make([]Value, 200)
	for i := range values {
		values[i] = randomValue(rng, 2)
	}

	for i := 0; i < 500; i++ {
		a := values[rng.Intn(len(values))]
		b := values[rng.Intn(len(values))]
		c := values[rng.Intn(len(values))]

		ab, ba := Compare(a, b), Compare(b, a)
		require.Equal(t, -ba, ab, "antisymmetry: %s vs %s", a, b)
		require.Contains(t, []int{-1, 0, 1}, ab)

		// transitivity: a <= b and b <= c implies a <= c
		if ab <= 0 && Compare(b, c) <= 0 {
			require.LessOrEqual(t, Compare(a, c), 0,
				"transitivity: %s, %s, %s", a, b, c)
		}
	}
}

func TestCompare_Collation(t *testing.T) {
	ci := Collation{IgnoreCase: true}
	require.Equal(t, 0, CompareWithCollation(String("Hello"), String("hello"), ci))
	require.NotEqual(t, 0, Compare(String("Hello"), String("hello")))
}

func TestObjectID_HexRoundTrip(t *testing.T) {
	id := NewObjectID()
	parsed, err := ObjectIDFromHex(id.Hex())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	_, err = ObjectIDFromHex("not-hex")
	require.Error(t, err)
}

func TestObjectID_Monotonic(t *testing.T) {
	a := NewObjectID()
	b := NewObjectID()
	require.NotEqual(t, a, b)
	require.Equal(t, -1, Compare(ObjectIDValue(a), ObjectIDValue(b)))
}

func TestDocument_SetGetRemove(t *testing.T) {
	doc := NewDocument()
	doc.Set("a", Int32(1)).Set("b", String("x")).Set("a", Int32(2))

	require.Equal(t, []string{"a", "b"}, doc.Keys())
	v, ok := doc.Get("a")
	require.True(t, ok)
	require.Equal(t, int32(2), v.Int32())
	require.True(t, doc.Remove("a"))
	require.False(t, doc.Remove("a"))
	require.Equal(t, []string{"b"}, doc.Keys())
	require.True(t, doc.GetOrNull("missing").IsNull())
}
