package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/shardkeeper/notify"
	"github.com/maxpert/shardkeeper/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBatchSize       = 100
	DefaultPollInterval    = time.Second
	DefaultRetryInitial    = 100 * time.Millisecond
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
	DefaultMaxRetries      = 100
)

// WorkerConfig configures one sink's worker.
type WorkerConfig struct {
	Name            string
	Log             *PublishLog
	Sink            Sink
	Transformer     Transformer
	Filter          Filter
	Hub             *notify.Hub // optional; without it the worker only polls
	TopicPrefix     string
	BatchSize       int
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	MaxRetries      int
}

// Worker publishes the log to one sink, from its own cursor.
type Worker struct {
	config      WorkerConfig
	cursor      uint64
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker validates config, applies defaults and loads the sink cursor.
func NewWorker(config WorkerConfig) (*Worker, error) {
	switch {
	case config.Name == "":
		return nil, fmt.Errorf("worker name is required")
	case config.Log == nil:
		return nil, fmt.Errorf("publish log is required")
	case config.Sink == nil:
		return nil, fmt.Errorf("sink is required")
	case config.Transformer == nil:
		return nil, fmt.Errorf("transformer is required")
	case config.Filter == nil:
		return nil, fmt.Errorf("filter is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor, err := config.Log.GetCursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	if cursor == 0 {
		// Entries below every cursor may have been cleaned up already.
		events, err := config.Log.ReadFrom(0, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to find earliest entry: %w", err)
		}
		if len(events) > 0 {
			cursor = events[0].SeqNum - 1
		}
	}

	return &Worker{
		config: config,
		cursor: cursor,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Cursor is the last sequence this worker published or skipped.
func (w *Worker) Cursor() uint64 {
	return atomic.LoadUint64(&w.cursor)
}

// Start launches the worker goroutine. Calling it twice is a no-op.
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}
	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	var wake <-chan notify.Signal
	var cancel func()
	if w.config.Hub != nil {
		wake, cancel = w.config.Hub.Subscribe(notify.Filter{})
	}

	log.Info().
		Str("worker", w.config.Name).
		Uint64("cursor", w.Cursor()).
		Msg("Starting placement publisher worker")

	go w.pollLoop(wake, cancel)
}

// Stop halts the worker and waits for it to exit.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Placement publisher worker stopped")
}

func (w *Worker) pollLoop(wake <-chan notify.Signal, cancel func()) {
	defer close(w.doneCh)
	if cancel != nil {
		defer cancel()
	}

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		events, err := w.config.Log.ReadFrom(w.Cursor(), w.config.BatchSize)
		if err != nil {
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("cursor", w.Cursor()).
				Msg("Failed to read from publish log")
			w.wait(nil)
			continue
		}
		if len(events) == 0 {
			w.wait(wake)
			continue
		}

		for _, event := range events {
			if err := w.processEvent(event); err != nil {
				log.Error().
					Err(err).
					Str("worker", w.config.Name).
					Uint64("seq", event.SeqNum).
					Msg("Failed to process event")
				return
			}
			atomic.StoreUint64(&w.cursor, event.SeqNum)
		}
	}
}

// processEvent publishes one event and then advances the cursor, giving
// at-least-once delivery. Filtered events only advance the cursor.
func (w *Worker) processEvent(event PlacementEvent) error {
	if !w.config.Filter.Match(event.Database, event.Collection) {
		w.advance(event.SeqNum)
		telemetry.PublisherEventsTotal.With(w.config.Name, "filtered").Inc()
		return nil
	}

	data, err := w.config.Transformer.Transform(event)
	if err != nil {
		telemetry.PublisherEventsTotal.With(w.config.Name, "error").Inc()
		return fmt.Errorf("failed to transform event: %w", err)
	}

	if err := w.publishWithRetry(w.buildTopic(event), event.Key(), data); err != nil {
		telemetry.PublisherEventsTotal.With(w.config.Name, "error").Inc()
		return err
	}
	telemetry.PublisherEventsTotal.With(w.config.Name, "published").Inc()

	w.advance(event.SeqNum)
	return nil
}

func (w *Worker) advance(seq uint64) {
	if err := w.config.Log.AdvanceCursor(w.config.Name, seq); err != nil {
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", seq).
			Msg("Failed to advance cursor, event may be redelivered")
	}
}

// buildTopic is prefix.db.collection, or prefix.db for database and shard
// level events.
func (w *Worker) buildTopic(event PlacementEvent) string {
	topic := event.Key()
	if w.config.TopicPrefix == "" {
		return topic
	}
	return w.config.TopicPrefix + "." + topic
}

// publishWithRetry retries with exponential backoff until success, the
// retry budget runs out or the worker stops.
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if w.config.MaxRetries > 0 && attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// wait blocks until a hub signal, the poll interval or stop.
func (w *Worker) wait(wake <-chan notify.Signal) {
	timer := time.NewTimer(w.config.PollInterval)
	defer timer.Stop()

	select {
	case <-w.stopCh:
	case <-timer.C:
	case <-wake:
	}
}

// sleep reports false when the worker was stopped first.
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
