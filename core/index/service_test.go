package index_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loamdb/loam/core/bson"
	"github.com/loamdb/loam/core/dberr"
	"github.com/loamdb/loam/core/index"
	"github.com/loamdb/loam/core/storage"
	"github.com/loamdb/loam/core/transaction"
	"github.com/loamdb/loam/core/wal"
)

func newTestTxn(t *testing.T) *transaction.Transaction {
	t.Helper()
	dm, err := storage.NewDiskManager(storage.NewMemoryStream(), storage.NewMemoryStream(), 64, zap.NewNop())
	require.NoError(t, err)
	ix := wal.NewIndex(dm, zap.NewNop())
	m := transaction.NewMonitor(dm, ix, storage.NewHeaderPage(), time.Second, zap.NewNop())
	txn, err := m.Begin()
	require.NoError(t, err)
	t.Cleanup(func() {
		if txn.State() == transaction.StateActive {
			_ = txn.Rollback()
		}
	})
	return txn
}

func newTestIndex(t *testing.T, unique bool) (*index.Service, *index.Meta) {
	t.Helper()
	txn := newTestTxn(t)
	svc := index.NewService(txn, 1)
	meta := &index.Meta{
		Slot:            0,
		Name:            "ix_test",
		Expression:      "$.k",
		Unique:          unique,
		FreeIndexPageID: storage.EmptyPageID,
	}
	require.NoError(t, svc.CreateIndex(meta))
	return svc, meta
}

func dataBlock(n uint32) storage.PageAddress {
	return storage.PageAddress{PageID: 1000 + n, Index: byte(n % 200)}
}

func collectKeys(t *testing.T, svc *index.Service, meta *index.Meta) []bson.Value {
	t.Helper()
	var keys []bson.Value
	n, err := svc.First(meta)
	require.NoError(t, err)
	for n != nil {
		keys = append(keys, n.Key)
		n, err = svc.NextOf(n)
		require.NoError(t, err)
	}
	return keys
}

func TestIndex_EmptyList(t *testing.T) {
	svc, meta := newTestIndex(t, false)

	first, err := svc.First(meta)
	require.NoError(t, err)
	require.Nil(t, first)
	last, err := svc.Last(meta)
	require.NoError(t, err)
	require.Nil(t, last)
	found, err := svc.Find(meta, bson.Int64(1))
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestIndex_InsertKeepsOrder(t *testing.T) {
	svc, meta := newTestIndex(t, false)

	for _, v := range []int64{30, 10, 50, 20, 40} {
		_, err := svc.Insert(meta, bson.Int64(v), dataBlock(uint32(v)), nil)
		require.NoError(t, err)
	}

	keys := collectKeys(t, svc, meta)
	require.Len(t, keys, 5)
	want := []int64{10, 20, 30, 40, 50}
	for i, k := range keys {
		require.Equal(t, want[i], k.Int64())
	}
}

func TestIndex_MixedTypeOrder(t *testing.T) {
	svc, meta := newTestIndex(t, false)

	// Insert out of order across types; iteration follows type rank:
	// null, numbers, string, boolean.
	_, err := svc.Insert(meta, bson.String("a"), dataBlock(1), nil)
	require.NoError(t, err)
	_, err = svc.Insert(meta, bson.Int32(7), dataBlock(2), nil)
	require.NoError(t, err)
	_, err = svc.Insert(meta, bson.Null(), dataBlock(3), nil)
	require.NoError(t, err)
	_, err = svc.Insert(meta, bson.Boolean(true), dataBlock(4), nil)
	require.NoError(t, err)
	_, err = svc.Insert(meta, bson.Double(2.5), dataBlock(5), nil)
	require.NoError(t, err)

	keys := collectKeys(t, svc, meta)
	require.Len(t, keys, 5)
	require.Equal(t, bson.TypeNull, keys[0].Type())
	require.Equal(t, 2.5, keys[1].Double())
	require.Equal(t, int32(7), keys[2].Int32())
	require.Equal(t, "a", keys[3].Str())
	require.Equal(t, bson.TypeBoolean, keys[4].Type())
}

func TestIndex_DuplicatesKeepInsertionOrder(t *testing.T) {
	svc, meta := newTestIndex(t, false)

	for i := uint32(1); i <= 3; i++ {
		_, err := svc.Insert(meta, bson.Int64(5), dataBlock(i), nil)
		require.NoError(t, err)
	}

	n, err := svc.Find(meta, bson.Int64(5))
	require.NoError(t, err)
	require.NotNil(t, n)
	for i := uint32(1); i <= 3; i++ {
		require.Equal(t, dataBlock(i), n.DataBlock)
		n, err = svc.NextOf(n)
		require.NoError(t, err)
	}
	require.Nil(t, n)
}

func TestIndex_UniqueViolationLeavesListIntact(t *testing.T) {
	svc, meta := newTestIndex(t, true)

	_, err := svc.Insert(meta, bson.String("key"), dataBlock(1), nil)
	require.NoError(t, err)
	_, err = svc.Insert(meta, bson.String("key"), dataBlock(2), nil)
	require.ErrorIs(t, err, dberr.ErrIndexDuplicateKey)

	keys := collectKeys(t, svc, meta)
	require.Len(t, keys, 1)
}

func TestIndex_KeyTooLong(t *testing.T) {
	svc, meta := newTestIndex(t, false)

	long := make([]byte, storage.MaxKeyLength+1)
	_, err := svc.Insert(meta, bson.Binary(long), dataBlock(1), nil)
	require.ErrorIs(t, err, dberr.ErrIndexKeyTooLong)
}

func TestIndex_DeleteRelinks(t *testing.T) {
	svc, meta := newTestIndex(t, false)

	addrs := make(map[int64]storage.PageAddress)
	for _, v := range []int64{1, 2, 3, 4, 5} {
		n, err := svc.Insert(meta, bson.Int64(v), dataBlock(uint32(v)), nil)
		require.NoError(t, err)
		addrs[v] = n.Address
	}

	require.NoError(t, svc.Delete(meta, addrs[3]))
	require.NoError(t, svc.Delete(meta, addrs[1]))
	require.NoError(t, svc.Delete(meta, addrs[5]))

	keys := collectKeys(t, svc, meta)
	require.Len(t, keys, 2)
	require.Equal(t, int64(2), keys[0].Int64())
	require.Equal(t, int64(4), keys[1].Int64())

	// Backward walk agrees.
	last, err := svc.Last(meta)
	require.NoError(t, err)
	require.Equal(t, int64(4), last.Key.Int64())
	prev, err := svc.PrevOf(last)
	require.NoError(t, err)
	require.Equal(t, int64(2), prev.Key.Int64())
	prev, err = svc.PrevOf(prev)
	require.NoError(t, err)
	require.Nil(t, prev)
}

func TestIndex_RangeSeeks(t *testing.T) {
	svc, meta := newTestIndex(t, false)

	for _, v := range []int64{10, 20, 20, 30, 40} {
		_, err := svc.Insert(meta, bson.Int64(v), dataBlock(uint32(v)), nil)
		require.NoError(t, err)
	}

	gte, err := svc.FindGTE(meta, bson.Int64(20), true)
	require.NoError(t, err)
	require.Equal(t, int64(20), gte.Key.Int64())

	gt, err := svc.FindGTE(meta, bson.Int64(20), false)
	require.NoError(t, err)
	require.Equal(t, int64(30), gt.Key.Int64())

	lte, err := svc.FindLTE(meta, bson.Int64(20), true)
	require.NoError(t, err)
	require.Equal(t, int64(20), lte.Key.Int64())

	lt, err := svc.FindLTE(meta, bson.Int64(20), false)
	require.NoError(t, err)
	require.Equal(t, int64(10), lt.Key.Int64())

	// Out-of-range seeks.
	none, err := svc.FindGTE(meta, bson.Int64(99), true)
	require.NoError(t, err)
	require.Nil(t, none)
	none, err = svc.FindLTE(meta, bson.Int64(5), true)
	require.NoError(t, err)
	require.Nil(t, none)

	// Seek between stored keys lands on the next one.
	mid, err := svc.FindGTE(meta, bson.Int64(25), true)
	require.NoError(t, err)
	require.Equal(t, int64(30), mid.Key.Int64())
}

func TestIndex_NodeChainLinksDocumentNodes(t *testing.T) {
	svc, meta := newTestIndex(t, false)

	first, err := svc.Insert(meta, bson.Int64(1), dataBlock(9), nil)
	require.NoError(t, err)
	second, err := svc.Insert(meta, bson.Int64(2), dataBlock(9), first)
	require.NoError(t, err)

	reread, err := svc.GetNode(first.Address)
	require.NoError(t, err)
	require.Equal(t, second.Address, reread.NextNode)
	require.True(t, second.NextNode.IsEmpty())
}

func TestIndex_ManyKeysSpillAcrossPages(t *testing.T) {
	svc, meta := newTestIndex(t, false)

	const count = 2000
	for i := 0; i < count; i++ {
		key := bson.String(fmt.Sprintf("key-%06d", (i*7919)%count))
		_, err := svc.Insert(meta, key, dataBlock(uint32(i)), nil)
		require.NoError(t, err)
	}

	keys := collectKeys(t, svc, meta)
	require.Len(t, keys, count)
	for i := 1; i < count; i++ {
		require.Negative(t, bson.Compare(keys[i-1], keys[i]), "ascending at %d", i)
	}

	n, err := svc.Find(meta, bson.String("key-001234"))
	require.NoError(t, err)
	require.NotNil(t, n)
}
