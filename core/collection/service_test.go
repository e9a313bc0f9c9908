package collection_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loamdb/loam/core/bson"
	"github.com/loamdb/loam/core/collection"
	"github.com/loamdb/loam/core/dberr"
	"github.com/loamdb/loam/core/expr"
	"github.com/loamdb/loam/core/storage"
	"github.com/loamdb/loam/core/transaction"
	"github.com/loamdb/loam/core/wal"
)

func newTestCollection(t *testing.T) *collection.Service {
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
	svc, err := collection.Create(txn, "users")
	require.NoError(t, err)
	return svc
}

func userDoc(id int64, name string, age int32) *bson.Document {
	return bson.NewDocument().
		Set("_id", bson.Int64(id)).
		Set("name", bson.String(name)).
		Set("age", bson.Int32(age))
}

func mustParse(t *testing.T, src string) expr.Expression {
	t.Helper()
	e, err := expr.Parse(src)
	require.NoError(t, err)
	return e
}

func TestCollection_InsertAndGet(t *testing.T) {
	svc := newTestCollection(t)

	id, err := svc.Insert(userDoc(1, "Ana", 31))
	require.NoError(t, err)
	require.Equal(t, int64(1), id.Int64())

	doc, err := svc.Get(bson.Int64(1))
	require.NoError(t, err)
	require.Equal(t, "Ana", doc.GetOrNull("name").Str())
	require.Equal(t, int32(31), doc.GetOrNull("age").Int32())

	_, err = svc.Get(bson.Int64(9))
	require.ErrorIs(t, err, dberr.ErrDocumentNotFound)
}

func TestCollection_AutoID(t *testing.T) {
	svc := newTestCollection(t)

	doc := bson.NewDocument().Set("name", bson.String("NoID"))
	id, err := svc.Insert(doc)
	require.NoError(t, err)
	require.Equal(t, bson.TypeObjectID, id.Type())
	require.Equal(t, id, doc.GetOrNull("_id"))

	got, err := svc.Get(id)
	require.NoError(t, err)
	require.Equal(t, "NoID", got.GetOrNull("name").Str())
}

func TestCollection_DuplicateIDRejected(t *testing.T) {
	svc := newTestCollection(t)

	_, err := svc.Insert(userDoc(1, "Ana", 31))
	require.NoError(t, err)
	_, err = svc.Insert(userDoc(1, "Bea", 20))
	require.ErrorIs(t, err, dberr.ErrIndexDuplicateKey)
}

func TestCollection_InvalidID(t *testing.T) {
	svc := newTestCollection(t)

	doc := bson.NewDocument().Set("_id", bson.Array([]bson.Value{bson.Int32(1)}))
	_, err := svc.Insert(doc)
	require.ErrorIs(t, err, dberr.ErrInvalidDocumentID)
}

func TestCollection_UpdateReplaces(t *testing.T) {
	svc := newTestCollection(t)

	_, err := svc.Insert(userDoc(1, "Ana", 31))
	require.NoError(t, err)
	require.NoError(t, svc.Update(userDoc(1, "Ana Maria", 32)))

	doc, err := svc.Get(bson.Int64(1))
	require.NoError(t, err)
	require.Equal(t, "Ana Maria", doc.GetOrNull("name").Str())

	require.ErrorIs(t, svc.Update(userDoc(99, "Ghost", 1)), dberr.ErrDocumentNotFound)
}

func TestCollection_DeleteRemovesEverywhere(t *testing.T) {
	svc := newTestCollection(t)
	require.NoError(t, svc.EnsureIndex("ix_age", "$.age", false))

	_, err := svc.Insert(userDoc(1, "Ana", 31))
	require.NoError(t, err)
	_, err = svc.Insert(userDoc(2, "Bea", 25))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(bson.Int64(1)))
	_, err = svc.Get(bson.Int64(1))
	require.ErrorIs(t, err, dberr.ErrDocumentNotFound)

	docs, err := svc.Find(mustParse(t, "$.age > 0"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, int64(2), docs[0].GetOrNull("_id").Int64())

	require.ErrorIs(t, svc.Delete(bson.Int64(1)), dberr.ErrDocumentNotFound)
}

func TestCollection_FindWithIndexSeek(t *testing.T) {
	svc := newTestCollection(t)
	require.NoError(t, svc.EnsureIndex("ix_age", "$.age", false))

	for i := int64(1); i <= 10; i++ {
		_, err := svc.Insert(userDoc(i, fmt.Sprintf("u%d", i), int32(20+i)))
		require.NoError(t, err)
	}

	docs, err := svc.Find(mustParse(t, "$.age >= 25 AND $.age <= 27"))
	require.NoError(t, err)
	require.Len(t, docs, 3)
	for i, d := range docs {
		require.Equal(t, int32(25+i), d.GetOrNull("age").Int32())
	}

	one, err := svc.FindOne(mustParse(t, "$.age = 23"))
	require.NoError(t, err)
	require.Equal(t, int64(3), one.GetOrNull("_id").Int64())

	n, err := svc.Count(mustParse(t, "$.age > 28"))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	exists, err := svc.Exists(mustParse(t, "$.age = 99"))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestCollection_FindResidualFilter(t *testing.T) {
	svc := newTestCollection(t)
	require.NoError(t, svc.EnsureIndex("ix_age", "$.age", false))

	_, err := svc.Insert(userDoc(1, "Ana", 30))
	require.NoError(t, err)
	_, err = svc.Insert(userDoc(2, "Bea", 30))
	require.NoError(t, err)

	docs, err := svc.Find(mustParse(t, "$.age = 30 AND $.name = 'Bea'"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "Bea", docs[0].GetOrNull("name").Str())
}

func TestCollection_FullScanWithoutIndex(t *testing.T) {
	svc := newTestCollection(t)

	_, err := svc.Insert(userDoc(1, "Ana", 31))
	require.NoError(t, err)
	_, err = svc.Insert(userDoc(2, "Bea", 25))
	require.NoError(t, err)

	docs, err := svc.Find(mustParse(t, "$.name = 'Bea'"))
	require.NoError(t, err)
	require.Len(t, docs, 1)

	all, err := svc.Find(nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, int64(1), all[0].GetOrNull("_id").Int64())
}

func TestCollection_ArrayKeysIndexEveryElement(t *testing.T) {
	svc := newTestCollection(t)
	require.NoError(t, svc.EnsureIndex("ix_tags", "$.tags", false))

	doc := bson.NewDocument().
		Set("_id", bson.Int64(1)).
		Set("tags", bson.Array([]bson.Value{bson.String("go"), bson.String("db")}))
	_, err := svc.Insert(doc)
	require.NoError(t, err)

	for _, tag := range []string{"go", "db"} {
		docs, err := svc.Find(mustParse(t, "$.tags = '"+tag+"'"))
		require.NoError(t, err)
		require.Len(t, docs, 1, tag)
	}

	// The same document is not returned twice for a range hitting both keys.
	docs, err := svc.Find(mustParse(t, "$.tags >= 'a' AND $.tags <= 'zz'"))
	require.NoError(t, err)
	require.Len(t, docs, 1)

	require.NoError(t, svc.Delete(bson.Int64(1)))
	docs, err = svc.Find(mustParse(t, "$.tags = 'go'"))
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestCollection_MultiPageDocument(t *testing.T) {
	svc := newTestCollection(t)

	big := strings.Repeat("x", 3*storage.PageSize)
	doc := bson.NewDocument().
		Set("_id", bson.Int64(1)).
		Set("blob", bson.String(big))
	_, err := svc.Insert(doc)
	require.NoError(t, err)

	got, err := svc.Get(bson.Int64(1))
	require.NoError(t, err)
	require.Equal(t, big, got.GetOrNull("blob").Str())

	require.NoError(t, svc.Delete(bson.Int64(1)))
	_, err = svc.Get(bson.Int64(1))
	require.ErrorIs(t, err, dberr.ErrDocumentNotFound)
}

func TestCollection_DocumentTooLarge(t *testing.T) {
	svc := newTestCollection(t)

	doc := bson.NewDocument().
		Set("_id", bson.Int64(1)).
		Set("blob", bson.Binary(make([]byte, storage.MaxDocumentSize)))
	_, err := svc.Insert(doc)
	require.ErrorIs(t, err, dberr.ErrDocumentTooLarge)
}

func TestCollection_EnsureIndexBackfillsAndDedupes(t *testing.T) {
	svc := newTestCollection(t)

	for i := int64(1); i <= 5; i++ {
		_, err := svc.Insert(userDoc(i, fmt.Sprintf("u%d", i), int32(i*10)))
		require.NoError(t, err)
	}
	require.NoError(t, svc.EnsureIndex("ix_age", "$.age", false))

	docs, err := svc.Find(mustParse(t, "$.age >= 30"))
	require.NoError(t, err)
	require.Len(t, docs, 3)

	// Idempotent re-ensure; conflicting definition errors.
	require.NoError(t, svc.EnsureIndex("ix_age", "$.age", false))
	require.ErrorIs(t, svc.EnsureIndex("ix_age", "$.name", false), dberr.ErrIndexNameInvalid)
	require.ErrorIs(t, svc.EnsureIndex("bad name", "$.x", false), dberr.ErrIndexNameInvalid)
	require.ErrorIs(t, svc.EnsureIndex("_id", "$.x", false), dberr.ErrIndexNameInvalid)
}

func TestCollection_UniqueSecondaryIndex(t *testing.T) {
	svc := newTestCollection(t)
	require.NoError(t, svc.EnsureIndex("ix_name", "$.name", true))

	_, err := svc.Insert(userDoc(1, "Ana", 31))
	require.NoError(t, err)
	_, err = svc.Insert(userDoc(2, "Ana", 25))
	require.ErrorIs(t, err, dberr.ErrIndexDuplicateKey)
}

func TestCollection_UniqueConflictLeavesNoTrace(t *testing.T) {
	svc := newTestCollection(t)
	require.NoError(t, svc.EnsureIndex("ix_email", "$.email", true))

	mail := func(id int64, email string) *bson.Document {
		return bson.NewDocument().
			Set("_id", bson.Int64(id)).
			Set("email", bson.String(email))
	}
	_, err := svc.Insert(mail(1, "ana@x"))
	require.NoError(t, err)
	_, err = svc.Insert(mail(2, "ana@x"))
	require.ErrorIs(t, err, dberr.ErrIndexDuplicateKey)

	// The rejected document left nothing behind: no _id node, no data.
	_, err = svc.Get(bson.Int64(2))
	require.ErrorIs(t, err, dberr.ErrDocumentNotFound)
	all, err := svc.Find(nil)
	require.NoError(t, err)
	require.Len(t, all, 1)

	// A conflicting update keeps the old document intact.
	_, err = svc.Insert(mail(3, "bea@x"))
	require.NoError(t, err)
	require.ErrorIs(t, svc.Update(mail(3, "ana@x")), dberr.ErrIndexDuplicateKey)
	doc, err := svc.Get(bson.Int64(3))
	require.NoError(t, err)
	require.Equal(t, "bea@x", doc.GetOrNull("email").Str())

	// Rewriting a document with its own unique key is not a conflict.
	require.NoError(t, svc.Update(mail(1, "ana@x")))
}

func TestCollection_EnsureUniqueIndexRejectsExistingDuplicates(t *testing.T) {
	svc := newTestCollection(t)

	_, err := svc.Insert(userDoc(1, "Ana", 30))
	require.NoError(t, err)
	_, err = svc.Insert(userDoc(2, "Bea", 30))
	require.NoError(t, err)

	require.ErrorIs(t, svc.EnsureIndex("ix_age", "$.age", true), dberr.ErrIndexDuplicateKey)
	require.Nil(t, svc.Meta().IndexByName("ix_age"))

	// A conflict-free unique build still succeeds afterwards.
	require.NoError(t, svc.EnsureIndex("ix_name", "$.name", true))
}

func TestCollection_UpdateRewritesInPlace(t *testing.T) {
	svc := newTestCollection(t)
	require.NoError(t, svc.EnsureIndex("ix_name", "$.name", false))

	_, err := svc.Insert(userDoc(1, "Ana", 31))
	require.NoError(t, err)
	before, err := svc.Indexes().Find(svc.Meta().IDIndex(), bson.Int64(1))
	require.NoError(t, err)

	// A same-size replacement keeps the document's data location.
	require.NoError(t, svc.Update(userDoc(1, "Bob", 32)))
	after, err := svc.Indexes().Find(svc.Meta().IDIndex(), bson.Int64(1))
	require.NoError(t, err)
	require.Equal(t, before.DataBlock, after.DataBlock)

	doc, err := svc.Get(bson.Int64(1))
	require.NoError(t, err)
	require.Equal(t, "Bob", doc.GetOrNull("name").Str())

	// Secondary keys follow the rewrite.
	docs, err := svc.Find(mustParse(t, "$.name = 'Bob'"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	docs, err = svc.Find(mustParse(t, "$.name = 'Ana'"))
	require.NoError(t, err)
	require.Empty(t, docs)

	// Growth beyond the chain relocates; shrinking back rewrites in place.
	big := userDoc(1, "Cay", 9).Set("blob", bson.String(strings.Repeat("x", 3*storage.PageSize)))
	require.NoError(t, svc.Update(big))
	doc, err = svc.Get(bson.Int64(1))
	require.NoError(t, err)
	require.Len(t, doc.GetOrNull("blob").Str(), 3*storage.PageSize)

	require.NoError(t, svc.Update(userDoc(1, "Cay", 9)))
	doc, err = svc.Get(bson.Int64(1))
	require.NoError(t, err)
	require.True(t, doc.GetOrNull("blob").IsNull())
	docs, err = svc.Find(mustParse(t, "$.name = 'Cay'"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestCollection_DropIndex(t *testing.T) {
	svc := newTestCollection(t)
	require.NoError(t, svc.EnsureIndex("ix_age", "$.age", false))

	for i := int64(1); i <= 3; i++ {
		_, err := svc.Insert(userDoc(i, fmt.Sprintf("u%d", i), int32(i)))
		require.NoError(t, err)
	}
	require.NoError(t, svc.DropIndex("ix_age"))
	require.Nil(t, svc.Meta().IndexByName("ix_age"))

	// Documents survive and are still queryable by scan, and deletable.
	docs, err := svc.Find(mustParse(t, "$.age = 2"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.NoError(t, svc.Delete(bson.Int64(2)))

	require.ErrorIs(t, svc.DropIndex("ix_age"), dberr.ErrIndexNotFound)
	require.ErrorIs(t, svc.DropIndex("_id"), dberr.ErrIndexNameInvalid)
}

func TestCollection_MinMaxKeys(t *testing.T) {
	svc := newTestCollection(t)
	require.NoError(t, svc.EnsureIndex("ix_age", "$.age", false))

	min, err := svc.MinKey("ix_age")
	require.NoError(t, err)
	require.True(t, min.IsNull())

	for _, age := range []int32{40, 10, 30} {
		_, err := svc.Insert(bson.NewDocument().Set("age", bson.Int32(age)))
		require.NoError(t, err)
	}

	min, err = svc.MinKey("ix_age")
	require.NoError(t, err)
	require.Equal(t, int32(10), min.Int32())
	max, err := svc.MaxKey("ix_age")
	require.NoError(t, err)
	require.Equal(t, int32(40), max.Int32())
}

func TestCollection_PrefixSearchUsesIndex(t *testing.T) {
	svc := newTestCollection(t)
	require.NoError(t, svc.EnsureIndex("ix_name", "$.name", false))

	for i, name := range []string{"alpha", "alto", "beta", "altair"} {
		_, err := svc.Insert(userDoc(int64(i+1), name, 20))
		require.NoError(t, err)
	}

	docs, err := svc.Find(mustParse(t, "STARTSWITH($.name, 'alt')"))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	for _, d := range docs {
		require.True(t, strings.HasPrefix(d.GetOrNull("name").Str(), "alt"))
	}
}
