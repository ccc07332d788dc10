package db

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_GetPutDelete(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get([]byte("/missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put([]byte("/a"), []byte("1"), true))
	val, err := s.Get([]byte("/a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), val)

	require.NoError(t, s.Delete([]byte("/a"), false))
	_, err = s.Get([]byte("/a"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Msgpack(t *testing.T) {
	s := newTestStore(t)

	type rec struct {
		Name string `msgpack:"name"`
		N    int    `msgpack:"n"`
	}

	found, err := s.GetMsgpack([]byte("/r"), &rec{})
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.PutMsgpack([]byte("/r"), rec{Name: "x", N: 3}, true))
	var out rec
	found, err = s.GetMsgpack([]byte("/r"), &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, rec{Name: "x", N: 3}, out)
}

func TestStore_ScanAndDeletePrefix(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("/chunks/db.c/%02d", i)), []byte{byte(i)}, false))
	}
	require.NoError(t, s.Put([]byte("/chunks/db.d/00"), []byte{9}, false))

	var keys []string
	require.NoError(t, s.Scan([]byte("/chunks/db.c/"), func(k, v []byte) error {
		keys = append(keys, string(k))
		return nil
	}))
	assert.Equal(t, []string{
		"/chunks/db.c/00", "/chunks/db.c/01", "/chunks/db.c/02", "/chunks/db.c/03", "/chunks/db.c/04",
	}, keys)

	require.NoError(t, s.DeletePrefix([]byte("/chunks/db.c/"), true))
	count := 0
	require.NoError(t, s.Scan([]byte("/chunks/"), func(k, v []byte) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count)
}

func TestStore_IndexedBatchReadsOwnWrites(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put([]byte("/d/1"), []byte("committed"), false))

	b := s.NewIndexedBatch()
	require.NoError(t, b.Put([]byte("/d/2"), []byte("pending")))
	require.NoError(t, b.Delete([]byte("/d/1")))

	_, err = b.Get([]byte("/d/1"))
	assert.ErrorIs(t, err, ErrNotFound)
	val, err := b.Get([]byte("/d/2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pending"), val)

	_, err = s.Get([]byte("/d/2"))
	assert.ErrorIs(t, err, ErrNotFound, "uncommitted batch must stay invisible")

	var seen []string
	require.NoError(t, b.Scan([]byte("/d/"), func(k, v []byte) error {
		seen = append(seen, string(k))
		return nil
	}))
	assert.Equal(t, []string{"/d/2"}, seen)

	require.NoError(t, b.Commit(true))
	val, err = s.Get([]byte("/d/2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pending"), val)
}

func TestStore_DiscardedBatch(t *testing.T) {
	s := newTestStore(t)
	b := s.NewBatch()
	require.NoError(t, b.Put([]byte("/x"), []byte("1")))
	assert.False(t, b.Empty())
	b.Discard()

	_, err := s.Get([]byte("/x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("/b"), PrefixUpperBound([]byte("/a")))
	assert.Equal(t, []byte{0x01}, PrefixUpperBound([]byte{0x00, 0xff}))
	assert.Nil(t, PrefixUpperBound([]byte{0xff, 0xff}))
}
