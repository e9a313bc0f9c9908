package bson

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestMarshal_RoundTripNestedDocument(t *testing.T) {
	inner := NewDocument().
		Set("tags", Array([]Value{String("a"), String("b")})).
		Set("score", Double(9.75))

	doc := NewDocument().
		Set("_id", ObjectIDValue(NewObjectID())).
		Set("name", String("loam")).
		Set("count", Int64(1<<40)).
		Set("price", Decimal128(decimal.RequireFromString("19.990"))).
		Set("active", Boolean(true)).
		Set("created", DateTime(time.Date(2024, 3, 9, 12, 30, 0, 0, time.UTC))).
		Set("blob", Binary([]byte{0, 1, 2, 255})).
		Set("nested", DocumentValue(inner)).
		Set("nothing", Null())

	v := DocumentValue(doc)
	data := Marshal(v)
	require.Len(t, data, SerializedLen(v))

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, 0, Compare(v, got), "round trip must be structurally equal")
	require.Equal(t, v.String(), got.String())
}

func TestMarshal_RoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 300; i++ {
		v := randomValue(rng, 3)
		got, err := Unmarshal(Marshal(v))
		require.NoError(t, err, "value %s", v)
		require.Equal(t, 0, Compare(v, got), "value %s came back as %s", v, got)
	}
}

func TestUnmarshal_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":          {},
		"unknown tag":    {0x77},
		"truncated i32":  {byte(TypeInt32), 1, 2},
		"short string":   {byte(TypeString), 10, 0, 0, 0, 'a'},
		"trailing bytes": append(Marshal(Int32(1)), 0xFF),
	}
	for name, data := range cases {
		_, err := Unmarshal(data)
		require.Error(t, err, name)
	}
}

func TestReadValue_ConsumedBytes(t *testing.T) {
	buf := AppendValue(Marshal(Int32(7)), String("xyz"))
	v1, n, err := ReadValue(buf)
	require.NoError(t, err)
	require.Equal(t, int32(7), v1.Int32())
	v2, _, err := ReadValue(buf[n:])
	require.NoError(t, err)
	require.Equal(t, "xyz", v2.Str())
}
