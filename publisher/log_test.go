package publisher

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/maxpert/shardkeeper/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestLog(t *testing.T) *PublishLog {
	t.Helper()
	pl, err := NewPublishLog(newTestStore(t))
	require.NoError(t, err)
	t.Cleanup(func() { pl.Close() })
	return pl
}

func testEvents(n int) []PlacementEvent {
	events := make([]PlacementEvent, n)
	for i := range events {
		events[i] = PlacementEvent{
			CatalogSeq: uint64(i + 1),
			Type:       "split",
			Database:   "app",
			Collection: fmt.Sprintf("c%d", i),
			NodeID:     1,
		}
	}
	return events
}

func TestPublishLogAppendAndRead(t *testing.T) {
	pl := newTestLog(t)

	events := testEvents(2)
	require.NoError(t, pl.Append(events))

	assert.Equal(t, uint64(1), events[0].SeqNum)
	assert.Equal(t, uint64(2), events[1].SeqNum)
	assert.Equal(t, uint64(2), pl.LastSeq())

	read, err := pl.ReadFrom(0, 10)
	require.NoError(t, err)
	require.Len(t, read, 2)
	assert.Equal(t, "c0", read[0].Collection)
	assert.Equal(t, uint64(2), read[1].CatalogSeq)
}

func TestPublishLogReadWithLimit(t *testing.T) {
	pl := newTestLog(t)
	require.NoError(t, pl.Append(testEvents(10)))

	read, err := pl.ReadFrom(0, 5)
	require.NoError(t, err)
	require.Len(t, read, 5)
	assert.Equal(t, uint64(1), read[0].SeqNum)
	assert.Equal(t, uint64(5), read[4].SeqNum)

	read, err = pl.ReadFrom(5, 3)
	require.NoError(t, err)
	require.Len(t, read, 3)
	assert.Equal(t, uint64(6), read[0].SeqNum)

	read, err = pl.ReadFrom(10, 0)
	require.NoError(t, err)
	assert.Empty(t, read)
}

func TestPublishLogCursors(t *testing.T) {
	pl := newTestLog(t)

	c, err := pl.GetCursor("kafka")
	require.NoError(t, err)
	assert.Zero(t, c)

	require.NoError(t, pl.AdvanceCursor("kafka", 42))
	c, err = pl.GetCursor("kafka")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), c)
}

func TestPublishLogSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	store, err := db.Open(path, db.Options{})
	require.NoError(t, err)

	pl, err := NewPublishLog(store)
	require.NoError(t, err)
	require.NoError(t, pl.Append(testEvents(3)))
	require.NoError(t, pl.AdvanceCursor("nats", 2))
	require.NoError(t, pl.Close())
	require.NoError(t, store.Close())

	store, err = db.Open(path, db.Options{})
	require.NoError(t, err)
	defer store.Close()

	pl, err = NewPublishLog(store)
	require.NoError(t, err)
	defer pl.Close()

	assert.Equal(t, uint64(3), pl.LastSeq())
	c, err := pl.GetCursor("nats")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c)

	events := testEvents(1)
	require.NoError(t, pl.Append(events))
	assert.Equal(t, uint64(4), events[0].SeqNum)
}

func TestPublishLogCleanupKeepsUnpublished(t *testing.T) {
	pl := newTestLog(t)
	require.NoError(t, pl.Append(testEvents(10)))

	require.NoError(t, pl.AdvanceCursor("a", 8))
	require.NoError(t, pl.AdvanceCursor("b", 4))
	pl.cleanup()

	read, err := pl.ReadFrom(0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, read)
	assert.Equal(t, uint64(4), read[0].SeqNum)
	assert.Equal(t, uint64(10), read[len(read)-1].SeqNum)
}

func TestPublishLogClosed(t *testing.T) {
	pl, err := NewPublishLog(newTestStore(t))
	require.NoError(t, err)
	require.NoError(t, pl.Close())

	assert.Error(t, pl.Close())
	assert.Error(t, pl.Append(testEvents(1)))
	_, err = pl.ReadFrom(0, 1)
	assert.Error(t, err)
	assert.Error(t, pl.AdvanceCursor("x", 1))
}
