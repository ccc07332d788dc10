package coordinator

import (
	"sync"
	"time"

	"github.com/maxpert/shardkeeper/telemetry"
)

// TxnMetrics records a transaction's step durations and outcome. Steps are
// timed back to back: entering a step closes the previous one.
type TxnMetrics struct {
	txnType   string // "distributed", "single_shard" or "read_only"
	startTime time.Time
	now       func() time.Time

	mu         sync.Mutex
	current    string
	stepStart  time.Time
	stepTotals map[string]time.Duration
	finishedAt time.Time
}

// NewTxnMetrics starts the clock for one transaction.
func NewTxnMetrics(txnType string) *TxnMetrics {
	return newTxnMetricsAt(txnType, time.Now)
}

func newTxnMetricsAt(txnType string, now func() time.Time) *TxnMetrics {
	return &TxnMetrics{
		txnType:    txnType,
		startTime:  now(),
		now:        now,
		stepTotals: make(map[string]time.Duration),
	}
}

// EnterStep closes the running step, if any, and starts timing step.
func (m *TxnMetrics) EnterStep(step string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.closeStepLocked(now)
	m.current = step
	m.stepStart = now
}

func (m *TxnMetrics) closeStepLocked(now time.Time) {
	if m.current == "" {
		return
	}
	d := now.Sub(m.stepStart)
	m.stepTotals[m.current] += d
	telemetry.CoordinatorStepSeconds.With(m.current).Observe(d.Seconds())
	m.current = ""
}

// Durations returns completed steps, the running step so far, and the
// total since start. The total is never less than the sum of the steps.
func (m *TxnMetrics) Durations() (map[string]time.Duration, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !m.finishedAt.IsZero() {
		now = m.finishedAt
	}
	out := make(map[string]time.Duration, len(m.stepTotals)+1)
	for k, v := range m.stepTotals {
		out[k] = v
	}
	if m.current != "" {
		out[m.current] += now.Sub(m.stepStart)
	}
	return out, now.Sub(m.startTime)
}

func (m *TxnMetrics) finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.finishedAt.IsZero() {
		return
	}
	m.finishedAt = m.now()
	m.closeStepLocked(m.finishedAt)
	telemetry.TxnDurationSeconds.With(m.txnType).Observe(m.finishedAt.Sub(m.startTime).Seconds())
}

// RecordFailure records a failed transaction and returns err unchanged.
func (m *TxnMetrics) RecordFailure(result string, err error) error {
	m.finish()
	telemetry.TxnTotal.With(m.txnType, result).Inc()
	return err
}

// RecordSuccess records a completed transaction. Returns nil for use in
// return statements.
func (m *TxnMetrics) RecordSuccess(result string) error {
	m.finish()
	telemetry.TxnTotal.With(m.txnType, result).Inc()
	return nil
}
