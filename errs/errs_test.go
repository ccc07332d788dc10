package errs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategory(t *testing.T) {
	cases := map[Code]Category{
		StaleConfig:           Staleness,
		StaleDbVersion:        Staleness,
		TxnRetryCounterTooOld: Staleness,
		LockBusy:              Conflict,
		RangeOverlapConflict:  Conflict,
		WriteConflict:         Transient,
		NoSuchTransaction:     Transient,
		MaxTimeMSExpired:      Transient,
		DuplicateKey:          Fatal,
		InvalidOptions:        Fatal,
		TransactionCommitted:  Fatal,
	}
	for code, want := range cases {
		assert.Equal(t, want, code.Category(), code.String())
	}
}

func TestIsThroughWrapping(t *testing.T) {
	base := New(LockBusy, "collection lock held")
	wrapped := errors.WithMessage(base, "split chunk")
	wrapped = fmt.Errorf("balancer: %w", wrapped)

	assert.True(t, Is(wrapped, LockBusy))
	assert.False(t, Is(wrapped, StaleConfig))
	assert.Equal(t, LockBusy, CodeOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(InternalError, cause, "persist decision")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "persist decision")
}

func TestWithInfo(t *testing.T) {
	err := New(TxnRetryCounterTooOld, "retry counter is stale").WithInfo("txnRetryCounter", int32(3))
	v, ok := InfoOf(errors.WithMessage(err, "commit"), "txnRetryCounter")
	require.True(t, ok)
	assert.Equal(t, int32(3), v)

	_, ok = InfoOf(New(BadValue, "x"), "missing")
	assert.False(t, ok)
}

func TestContextErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	assert.Equal(t, MaxTimeMSExpired, CodeOf(ctx.Err()))
	require.Error(t, FromContext(ctx, "waiting for prepared txn"))
	assert.True(t, Is(FromContext(ctx, "x"), MaxTimeMSExpired))

	live := context.Background()
	assert.NoError(t, FromContext(live, "x"))

	cctx, ccancel := context.WithCancel(context.Background())
	ccancel()
	assert.Equal(t, Interrupted, CodeOf(FromContext(cctx, "x")))
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "StaleConfig", StaleConfig.String())
	assert.Equal(t, "Code(99999)", Code(99999).String())
	assert.Equal(t, OK, CodeOf(nil))
	assert.Equal(t, InternalError, CodeOf(errors.New("boom")))
}
