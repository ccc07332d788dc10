package txnledger

import (
	"context"
	"sync"
	"testing"

	"github.com/maxpert/shardkeeper/db"
	"github.com/maxpert/shardkeeper/encoding"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/shardkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type abortCall struct {
	lsid string
	txn  int64
	rc   int32
}

type abortRecorder struct {
	mu    sync.Mutex
	calls []abortCall
}

func (a *abortRecorder) hook(_ context.Context, lsid string, txn int64, rc int32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, abortCall{lsid, txn, rc})
	return nil
}

func newTestLedger(t *testing.T) (*Ledger, *db.Store, *abortRecorder) {
	t.Helper()
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec := &abortRecorder{}
	l, err := Open(store, Options{
		Clock:            hlc.NewClock(1),
		SessionCacheSize: 16,
		FilterCapacity:   1024,
		AbortHook:        rec.hook,
	})
	require.NoError(t, err)
	return l, store, rec
}

func keyOf(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := EncodeKey(shardkey.Key{v})
	require.NoError(t, err)
	return raw
}

func TestRecordAndLookup(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	e, err := l.RecordStatement(ctx, "s1", 1, 0, 0, Result{N: 1}, RecordOptions{NS: "app.users"})
	require.NoError(t, err)
	assert.True(t, e.PrevOpTime.IsZero())

	got, err := l.Lookup("s1", 1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Result.N)
	assert.Equal(t, e.OpTime, got.OpTime)

	_, err = l.Lookup("s1", 1, 0, 1)
	assert.True(t, errs.Is(err, errs.NoSuchStatement))
	_, err = l.Lookup("unknown", 1, 0, 0)
	assert.True(t, errs.Is(err, errs.NoSuchStatement))
}

func TestRetryReturnsFirstResult(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	first, err := l.RecordStatement(ctx, "s1", 3, 0, 0, Result{N: 1, NModified: 1}, RecordOptions{})
	require.NoError(t, err)
	again, err := l.RecordStatement(ctx, "s1", 3, 0, 0, Result{N: 7}, RecordOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestOlderTxnNumberRejected(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	_, err := l.RecordStatement(ctx, "s1", 5, 0, 0, Result{N: 1}, RecordOptions{})
	require.NoError(t, err)

	_, err = l.RecordStatement(ctx, "s1", 4, 0, 0, Result{N: 1}, RecordOptions{})
	assert.True(t, errs.Is(err, errs.TransactionTooOld))
	_, err = l.Lookup("s1", 4, 0, 0)
	assert.True(t, errs.Is(err, errs.TransactionTooOld))
}

func TestNewerTxnNumberPurgesOldStatements(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	_, err := l.RecordStatement(ctx, "s1", 1, 0, 0, Result{N: 1}, RecordOptions{})
	require.NoError(t, err)
	_, err = l.RecordStatement(ctx, "s1", 2, 0, 0, Result{N: 2}, RecordOptions{})
	require.NoError(t, err)

	_, err = l.Lookup("s1", 1, 0, 0)
	assert.True(t, errs.Is(err, errs.TransactionTooOld))
	got, err := l.Lookup("s1", 2, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Result.N)
}

func TestStaleRetryCounter(t *testing.T) {
	ctx := context.Background()
	l, _, aborts := newTestLedger(t)

	_, err := l.BeginOrContinue(ctx, "s1", 9, 2)
	require.NoError(t, err)

	_, err = l.BeginOrContinue(ctx, "s1", 9, 1)
	require.True(t, errs.Is(err, errs.TxnRetryCounterTooOld))
	current, ok := CurrentCounter(err)
	require.True(t, ok)
	assert.Equal(t, int32(2), current)

	// A higher counter aborts the open attempt.
	_, err = l.BeginOrContinue(ctx, "s1", 9, 3)
	require.NoError(t, err)
	require.Len(t, aborts.calls, 1)
	assert.Equal(t, abortCall{"s1", 9, 2}, aborts.calls[0])
}

func TestZeroRetryCounterNotPersisted(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLedger(t)

	_, err := l.RecordStatement(ctx, "s1", 1, 0, 0, Result{N: 1}, RecordOptions{})
	require.NoError(t, err)

	raw, err := store.Get(sessionKey("s1"))
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, encoding.Unmarshal(raw, &fields))
	assert.NotContains(t, fields, "rc")
	assert.Contains(t, fields, "txn")
}

func TestPreparedTxnCannotBeSuperseded(t *testing.T) {
	ctx := context.Background()
	l, _, aborts := newTestLedger(t)

	_, err := l.BeginOrContinue(ctx, "s1", 1, 0)
	require.NoError(t, err)
	require.NoError(t, l.SetState("s1", 1, 0, StatePrepared))

	_, err = l.BeginOrContinue(ctx, "s1", 2, 0)
	assert.True(t, errs.Is(err, errs.PrepareConflict))
	assert.Empty(t, aborts.calls)
}

func TestCheckCommitOrAbort(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	_, err := l.BeginOrContinue(ctx, "s1", 4, 1)
	require.NoError(t, err)

	_, err = l.CheckCommitOrAbort("s1", 4, 1)
	require.NoError(t, err)
	_, err = l.CheckCommitOrAbort("s1", 4, 0)
	assert.True(t, errs.Is(err, errs.TxnRetryCounterTooOld))
	_, err = l.CheckCommitOrAbort("s1", 5, 1)
	assert.True(t, errs.Is(err, errs.NoSuchTransaction))

	require.NoError(t, l.SetState("s1", 4, 1, StateCommitted))
	_, err = l.BeginOrContinue(ctx, "s1", 4, 1)
	assert.True(t, errs.Is(err, errs.TransactionCommitted))
}

func TestHistoryFollowsChain(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	for stmt := int32(0); stmt < 4; stmt++ {
		_, err := l.RecordStatement(ctx, "s1", 1, 0, stmt*2, Result{N: int64(stmt)}, RecordOptions{})
		require.NoError(t, err)
	}
	_, err := l.RecordStatement(ctx, "s1", 1, 0, 3, Result{}, RecordOptions{})
	assert.True(t, errs.Is(err, errs.BadValue), "stmt ids only move forward")

	chain, err := l.History("s1")
	require.NoError(t, err)
	require.Len(t, chain, 4)
	for i, e := range chain {
		assert.Equal(t, int32(i*2), e.StmtID)
		if i > 0 {
			assert.Equal(t, chain[i-1].OpTime, e.PrevOpTime)
		}
	}
}

func TestImagesStoredWithStatement(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	img := &Image{Kind: PostImage, Doc: []byte("doc")}
	e, err := l.RecordStatement(ctx, "s1", 1, 0, 0, Result{N: 1}, RecordOptions{Image: img})
	require.NoError(t, err)
	assert.Equal(t, PostImage, e.ImageKind)

	got, err := l.LookupImage("s1", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, *img, got)

	_, err = l.LookupImage("s1", 1, 1)
	assert.True(t, errs.Is(err, errs.NoSuchStatement))
}

func TestReopenRebuildsFilter(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := db.Open(dir, db.DefaultOptions())
	require.NoError(t, err)
	l, err := Open(store, Options{Clock: hlc.NewClock(1)})
	require.NoError(t, err)
	e, err := l.RecordStatement(ctx, "s1", 1, 0, 0, Result{N: 3}, RecordOptions{})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = db.Open(dir, db.DefaultOptions())
	require.NoError(t, err)
	defer store.Close()
	clock := hlc.NewClockWithSource(2, func() int64 { return 0 })
	l, err = Open(store, Options{Clock: clock})
	require.NoError(t, err)

	got, err := l.Lookup("s1", 1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Result.N)
	assert.True(t, hlc.After(clock.Now(), e.OpTime), "clock moves past recorded optimes")
}

func TestMigrationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	donor, _, _ := newTestLedger(t)
	recipient, _, _ := newTestLedger(t)

	inRange := shardkey.Range{Min: shardkey.Key{primitive.MinKey{}}, Max: shardkey.Key{int64(100)}}
	_, err := donor.RecordStatement(ctx, "a", 1, 0, 0, Result{N: 1}, RecordOptions{NS: "app.users", Key: keyOf(t, int64(5))})
	require.NoError(t, err)
	_, err = donor.RecordStatement(ctx, "a", 1, 0, 1, Result{N: 1}, RecordOptions{
		NS: "app.users", Key: keyOf(t, int64(6)), Image: &Image{Kind: PreImage, Doc: []byte("x")},
	})
	require.NoError(t, err)
	_, err = donor.RecordStatement(ctx, "b", 1, 0, 0, Result{N: 1}, RecordOptions{NS: "app.users", Key: keyOf(t, int64(500))})
	require.NoError(t, err)
	_, err = donor.RecordStatement(ctx, "c", 1, 0, 0, Result{N: 1}, RecordOptions{NS: "app.other", Key: keyOf(t, int64(5))})
	require.NoError(t, err)

	sessions, err := donor.SessionsTouching("app.users", inRange)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, sessions)

	batch, err := donor.MigrationBatch(sessions)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Len(t, batch[0].Statements, 2)
	assert.Equal(t, int32(0), batch[0].Statements[0].StmtID)

	n, err := recipient.ApplyMigrated(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = recipient.ApplyMigrated(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := recipient.Lookup("a", 1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, batch[0].Statements[1].OpTime, got.OpTime)
	img, err := recipient.LookupImage("a", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), img.Doc)

	chain, err := recipient.History("a")
	require.NoError(t, err)
	assert.Len(t, chain, 2)
}

func TestMigrationKeepsNewerLocalSession(t *testing.T) {
	ctx := context.Background()
	donor, _, _ := newTestLedger(t)
	recipient, _, _ := newTestLedger(t)

	_, err := donor.RecordStatement(ctx, "a", 1, 0, 0, Result{N: 1}, RecordOptions{})
	require.NoError(t, err)
	_, err = recipient.RecordStatement(ctx, "a", 2, 0, 0, Result{N: 2}, RecordOptions{})
	require.NoError(t, err)

	batch, err := donor.MigrationBatch([]string{"a", "missing"})
	require.NoError(t, err)
	require.Len(t, batch, 1)

	n, err := recipient.ApplyMigrated(ctx, batch)
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err := recipient.Lookup("a", 2, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Result.N)
}

func TestConcurrentRetriesRecordOnce(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	results := make([]StatementEntry, 8)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := l.RecordStatement(ctx, "s1", 1, 0, 0, Result{N: int64(i)}, RecordOptions{})
			assert.NoError(t, err)
			results[i] = e
		}(i)
	}
	wg.Wait()
	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}
}

func TestExecuteOnceCommitsWritesWithEntry(t *testing.T) {
	l, store, _ := newTestLedger(t)
	ctx := context.Background()
	calls := 0
	write := func(b *db.Batch) (Result, RecordOptions, error) {
		calls++
		return Result{N: 1}, RecordOptions{NS: "db.c"}, b.Put([]byte("/doc/1"), []byte("v"))
	}

	_, replayed, err := l.ExecuteOnce(ctx, "s", 1, 0, 0, write)
	require.NoError(t, err)
	assert.False(t, replayed)
	got, err := store.Get([]byte("/doc/1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	entry, replayed, err := l.ExecuteOnce(ctx, "s", 1, 0, 0, write)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, int64(1), entry.Result.N)
	assert.Equal(t, 1, calls)
}

func TestExecuteOnceFailureRecordsNothing(t *testing.T) {
	l, store, _ := newTestLedger(t)
	ctx := context.Background()
	_, _, err := l.ExecuteOnce(ctx, "s", 1, 0, 0, func(b *db.Batch) (Result, RecordOptions, error) {
		_ = b.Put([]byte("/doc/1"), []byte("v"))
		return Result{}, RecordOptions{}, errs.New(errs.DuplicateKey, "dup")
	})
	assert.True(t, errs.Is(err, errs.DuplicateKey))

	_, err = store.Get([]byte("/doc/1"))
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = l.Lookup("s", 1, 0, 0)
	assert.True(t, errs.Is(err, errs.NoSuchStatement))
}
