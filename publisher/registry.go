package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/shardkeeper/cfg"
	"github.com/maxpert/shardkeeper/db"
	"github.com/maxpert/shardkeeper/notify"
	"github.com/maxpert/shardkeeper/placement"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the publisher registry.
type RegistryConfig struct {
	Store       *db.Store
	Hub         *notify.Hub // created when nil
	NodeID      uint64
	SinkConfigs []cfg.SinkConfiguration
}

// Registry owns the publish log and one worker per sink. It subscribes to
// the placement catalog as a placement.Listener.
type Registry struct {
	log     *PublishLog
	hub     *notify.Hub
	nodeID  uint64
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry opens the publish log and builds a worker for every sink.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Hub == nil {
		config.Hub = notify.NewHub()
	}

	pubLog, err := NewPublishLog(config.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to create publish log: %w", err)
	}

	r := &Registry{
		log:     pubLog,
		hub:     config.Hub,
		nodeID:  config.NodeID,
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := r.AddSink(sinkCfg); err != nil {
			for _, w := range r.workers {
				w.config.Sink.Close()
			}
			pubLog.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().Int("workers", len(r.workers)).Msg("Placement publisher registry initialized")
	return r, nil
}

// AddSink builds the sink, transformer, filter and worker for config.
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}
	trans, err := createTransformer(config.Format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}
	filter, err := NewGlobFilter(config.FilterCollections, config.FilterDatabases)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Log:             r.log,
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		Hub:             r.hub,
		TopicPrefix:     config.TopicPrefix,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)
	if r.running.Load() {
		worker.Start()
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Msg("Added placement sink")
	return nil
}

// Start starts every worker.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}
	for _, w := range r.workers {
		w.Start()
	}
	r.running.Store(true)
	return nil
}

// Stop stops every worker, closes sinks and the publish log.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}
	for _, w := range r.workers {
		w.Stop()
		if err := w.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", w.config.Name).Msg("Failed to close sink")
		}
	}
	if err := r.log.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close publish log")
	}
	log.Info().Msg("Placement publisher registry stopped")
}

// Hub is the signal hub workers wait on.
func (r *Registry) Hub() *notify.Hub {
	return r.hub
}

// Append writes events to the log and wakes the workers.
func (r *Registry) Append(events []PlacementEvent) error {
	if !r.running.Load() {
		return fmt.Errorf("registry not running")
	}
	if err := r.log.Append(events); err != nil {
		return err
	}
	for _, ev := range events {
		r.hub.Signal(ev.Database, ev.SeqNum)
	}
	return nil
}

// OnPlacementEvent implements placement.Listener. Failures are logged; the
// catalog changelog stays the source of truth.
func (r *Registry) OnPlacementEvent(ev placement.Event) {
	if err := r.Append([]PlacementEvent{FromPlacement(ev, r.nodeID)}); err != nil {
		log.Warn().Err(err).Uint64("catalog_seq", ev.Seq).Msg("Failed to append placement event")
	}
}

func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}

// SinkFactory creates a Sink from its configuration.
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory creates a Transformer.
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type.
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format.
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}
	return factory(), nil
}

var _ placement.Listener = (*Registry)(nil)
