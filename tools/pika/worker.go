package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/shardkeeper/protocol"
	"github.com/maxpert/shardkeeper/transport"
)

// Worker drives operations through the router pool. Writes run as
// retryable writes on the worker's own logical session; batches run as
// multi-document transactions on it.
type Worker struct {
	id         int
	pool       *Pool
	ns         string
	keyGen     *KeyGenerator
	opSelector *OpSelector
	stats      *Stats
	retry      bool
	maxRetries int
	batchSize  int
	rng        *rand.Rand

	lsid      string
	txnNumber int64
}

func NewWorker(id int, pool *Pool, ns string, keyGen *KeyGenerator, opSelector *OpSelector, stats *Stats, retry bool, maxRetries int, batchSize int) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		ns:         ns,
		keyGen:     keyGen,
		opSelector: opSelector,
		stats:      stats,
		retry:      retry,
		maxRetries: maxRetries,
		batchSize:  batchSize,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
		lsid:       uuid.NewString(),
	}
}

// RunLoad inserts records [startKey, endKey).
func (w *Worker) RunLoad(ctx context.Context, startKey, endKey int64, wg *sync.WaitGroup) {
	defer wg.Done()

	batch := make([]Operation, 0, w.batchSize)
	for n := startKey; n < endKey; n++ {
		if ctx.Err() != nil {
			break
		}
		op := Operation{Type: OpInsert, Key: n, Value: generateFieldValue(w.rng)}
		if w.batchSize <= 1 {
			w.runSingle(ctx, op)
			continue
		}
		batch = append(batch, op)
		if len(batch) >= w.batchSize {
			w.executeBatchWithRetry(ctx, batch)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		w.executeBatchWithRetry(context.WithoutCancel(ctx), batch)
	}
}

// RunBenchmark takes one ticket per operation from opsChan.
func (w *Worker) RunBenchmark(ctx context.Context, opsChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	batch := make([]Operation, 0, w.batchSize)
	flush := func() {
		if len(batch) > 0 {
			w.executeBatchWithRetry(context.WithoutCancel(ctx), batch)
			batch = batch[:0]
		}
	}
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case _, ok := <-opsChan:
			if !ok {
				flush()
				return
			}
			op := w.generateOp(w.opSelector.Select())
			if w.batchSize <= 1 {
				if w.runSingle(ctx, op) == nil && op.Type == OpInsert {
					w.keyGen.UpdateMaxKey(1)
				}
				continue
			}
			batch = append(batch, op)
			if len(batch) >= w.batchSize {
				flush()
			}
		}
	}
}

func (w *Worker) runSingle(ctx context.Context, op Operation) error {
	start := time.Now()
	err := w.executeWithRetry(ctx, op)
	if err != nil {
		w.stats.RecordError(op.Type, err)
		return err
	}
	w.stats.RecordOp(op.Type, time.Since(start))
	return nil
}

func (w *Worker) generateOp(opType OpType) Operation {
	var key int64
	if opType == OpInsert {
		key = w.keyGen.NextInsertKey(w.rng)
	} else {
		key = w.keyGen.RandomExistingKey(w.rng)
	}
	return Operation{Type: opType, Key: key, Value: generateFieldValue(w.rng)}
}

func (w *Worker) backoff(attempt int) {
	d := time.Duration(1<<uint(attempt-1)) * 10 * time.Millisecond
	time.Sleep(d + time.Duration(w.rng.Int63n(int64(d/2))))
}

func (w *Worker) attempts() int {
	if w.retry {
		return w.maxRetries + 1
	}
	return 1
}

// executeWithRetry sends a write with the same txnNumber on every
// attempt, so a retry after a lost reply is applied at most once.
func (w *Worker) executeWithRetry(ctx context.Context, op Operation) error {
	var sess *protocol.Session
	if op.Type != OpRead {
		w.txnNumber++
		sess = &protocol.Session{LSID: w.lsid, TxnNumber: w.txnNumber}
	}

	var lastErr error
	for attempt := 0; attempt < w.attempts(); attempt++ {
		if attempt > 0 {
			w.backoff(attempt)
			w.stats.RecordRetry()
		}
		lastErr = ExecuteOp(ctx, w.pool.Get(), w.ns, op, sess)
		if lastErr == nil || !IsRetryableError(lastErr) {
			break
		}
	}
	return lastErr
}

// executeBatchWithRetry runs the batch as one transaction, starting a
// fresh transaction number on every attempt.
func (w *Worker) executeBatchWithRetry(ctx context.Context, batch []Operation) {
	start := time.Now()
	inserts := 0
	for _, op := range batch {
		if op.Type == OpInsert {
			inserts++
		}
	}

	var lastErr error
	for attempt := 0; attempt < w.attempts(); attempt++ {
		if attempt > 0 {
			w.backoff(attempt)
			w.stats.RecordTxRetry()
		}
		lastErr = w.executeBatch(ctx, batch)
		if lastErr == nil {
			latency := time.Since(start)
			for _, op := range batch {
				w.stats.RecordOp(op.Type, latency/time.Duration(len(batch)))
			}
			w.stats.RecordTx(latency)
			if inserts > 0 {
				w.keyGen.UpdateMaxKey(int64(inserts))
			}
			return
		}
		if !IsRetryableError(lastErr) {
			break
		}
	}

	for _, op := range batch {
		w.stats.RecordError(op.Type, lastErr)
	}
	w.stats.RecordTxError()
}

// executeBatch pins the whole transaction to one router, since the
// router that started it tracks its participants.
func (w *Worker) executeBatch(ctx context.Context, batch []Operation) error {
	client := w.pool.Get()
	w.txnNumber++
	sess := &protocol.Session{LSID: w.lsid, TxnNumber: w.txnNumber, InTransaction: true}

	for i, op := range batch {
		sess.StartTransaction = i == 0
		if err := ExecuteOp(ctx, client, w.ns, op, sess); err != nil {
			sess.StartTransaction = false
			_ = client.AbortTransaction(context.WithoutCancel(ctx), sess)
			return err
		}
	}
	sess.StartTransaction = false
	return client.CommitTransaction(ctx, sess)
}

var _ Executor = (*transport.RouterClient)(nil)

func printHeader(title string) {
	fmt.Println("╔══════════════════════════════════════════════════════╗")
	fmt.Printf("║  %-52s║\n", title)
	fmt.Println("╚══════════════════════════════════════════════════════╝")
	fmt.Println()
}

func printFooter(title string) {
	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Printf("%36s\n", title)
	fmt.Println("═══════════════════════════════════════════════════════")
}

func executeLoad(ctx context.Context, cfg *Config) error {
	printHeader("Pika Load Phase")
	fmt.Printf("Hosts:       %s\n", cfg.Hosts)
	fmt.Printf("Namespace:   %s\n", cfg.NS)
	fmt.Printf("Records:     %d\n", cfg.Records)
	fmt.Printf("Threads:     %d\n", cfg.Threads)
	fmt.Printf("BatchSize:   %d\n", cfg.BatchSize)
	fmt.Println()

	pool, err := NewPool(ctx, cfg.HostList(), cfg.NS, cfg.Secret)
	if err != nil {
		return fmt.Errorf("failed to connect to routers: %w", err)
	}
	defer pool.Close()
	fmt.Printf("Connected to %d routers\n", pool.Size())

	existing, err := pool.Count(ctx, cfg.NS)
	if err != nil {
		fmt.Printf("Warning: failed to count documents: %v, starting from 0\n", err)
		existing = 0
	} else {
		fmt.Printf("Existing documents: %d (starting from key %d)\n", existing, existing+1)
	}

	stats := NewStats()
	keyGen := NewKeyGenerator(existing, 0)

	perWorker := int64(cfg.Records / cfg.Threads)
	remainder := int64(cfg.Records % cfg.Threads)

	var wg sync.WaitGroup
	start := time.Now()
	fmt.Printf("Loading %d records with %d threads...\n", cfg.Records, cfg.Threads)

	reporterCtx, stopReporter := context.WithCancel(ctx)
	go reportProgress(reporterCtx, stats)

	for i := 0; i < cfg.Threads; i++ {
		wg.Add(1)
		startKey := existing + 1 + int64(i)*perWorker
		endKey := startKey + perWorker
		if i == cfg.Threads-1 {
			endKey += remainder
		}
		selector := NewOpSelector(WorkloadDistribution{Insert: 100}, time.Now().UnixNano()+int64(i))
		worker := NewWorker(i, pool, cfg.NS, keyGen, selector, stats, true, 3, cfg.BatchSize)
		go worker.RunLoad(ctx, startKey, endKey, &wg)
	}

	wg.Wait()
	stopReporter()
	printFooter("LOAD COMPLETE")
	stats.PrintFinal(time.Since(start))
	return nil
}

func executeRun(ctx context.Context, cfg *Config) error {
	printHeader("Pika Benchmark Phase")

	dist := cfg.GetWorkloadDistribution()
	if err := dist.Validate(); err != nil {
		return err
	}

	fmt.Printf("Hosts:       %s\n", cfg.Hosts)
	fmt.Printf("Namespace:   %s\n", cfg.NS)
	fmt.Printf("Workload:    %s\n", cfg.Workload)
	fmt.Printf("Distribution: R:%d%% U:%d%% I:%d%% D:%d%% P:%d%%\n",
		dist.Read, dist.Update, dist.Insert, dist.Delete, dist.Upsert)
	fmt.Printf("Operations:  %d\n", cfg.Operations)
	if cfg.Duration > 0 {
		fmt.Printf("Duration:    %s\n", cfg.Duration)
	}
	fmt.Printf("Threads:     %d\n", cfg.Threads)
	fmt.Printf("BatchSize:   %d\n", cfg.BatchSize)
	fmt.Printf("Retry:       %v (max: %d)\n", cfg.Retry, cfg.MaxRetries)
	fmt.Println()

	pool, err := NewPool(ctx, cfg.HostList(), cfg.NS, cfg.Secret)
	if err != nil {
		return fmt.Errorf("failed to connect to routers: %w", err)
	}
	defer pool.Close()
	fmt.Printf("Connected to %d routers\n", pool.Size())

	count, err := pool.Count(ctx, cfg.NS)
	if err != nil {
		return fmt.Errorf("failed to count documents: %w", err)
	}
	fmt.Printf("Existing documents: %d\n\n", count)

	stats := NewStats()
	keyGen := NewKeyGenerator(count, cfg.InsertOverlap)
	opsChan := make(chan struct{}, cfg.Threads*10)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < cfg.Threads; i++ {
		wg.Add(1)
		selector := NewOpSelector(dist, time.Now().UnixNano()+int64(i))
		worker := NewWorker(i, pool, cfg.NS, keyGen, selector, stats, cfg.Retry, cfg.MaxRetries, cfg.BatchSize)
		go worker.RunBenchmark(ctx, opsChan, &wg)
	}

	reporterCtx, stopReporter := context.WithCancel(ctx)
	go reportProgress(reporterCtx, stats)

	feed(ctx, opsChan, cfg.Operations, cfg.Duration)
	close(opsChan)
	wg.Wait()
	stopReporter()

	printFooter("BENCHMARK COMPLETE")
	stats.PrintFinal(time.Since(start))
	return nil
}

// feed hands out operation tickets until the count or the duration runs
// out. A positive duration wins over the count.
func feed(ctx context.Context, opsChan chan<- struct{}, operations int, duration time.Duration) {
	if duration > 0 {
		deadline := time.After(duration)
		for {
			select {
			case <-ctx.Done():
				return
			case <-deadline:
				return
			case opsChan <- struct{}{}:
			}
		}
	}
	for i := 0; i < operations; i++ {
		select {
		case <-ctx.Done():
			return
		case opsChan <- struct{}{}:
		}
	}
}
