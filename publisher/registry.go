package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sable-db/sable/cfg"
)

// SinkFactory creates a Sink from its configuration. Sink packages register
// themselves via RegisterSink from their init functions.
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type.
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
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

// Registry manages the lifecycle of all publisher workers.
type Registry struct {
	source  *Source
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry builds one worker per configured sink.
func NewRegistry(source *Source, sinkConfigs []cfg.SinkConfiguration) (*Registry, error) {
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}

	registry := &Registry{
		source:  source,
		workers: make([]*Worker, 0, len(sinkConfigs)),
	}

	for _, sinkCfg := range sinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			for _, worker := range registry.workers {
				worker.config.Sink.Close()
			}
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().Int("workers", len(registry.workers)).Msg("Publisher registry initialized")
	return registry, nil
}

// AddSink creates a worker for one sink configuration.
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterTags)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:         config.Name,
		Source:       r.source,
		Sink:         snk,
		Filter:       filter,
		TopicPrefix:  config.TopicPrefix,
		BatchSize:    config.BatchSize,
		PollInterval: time.Duration(config.PollIntervalMS) * time.Millisecond,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Msg("Added publisher sink")
	return nil
}

// Start starts all workers.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}
	for _, worker := range r.workers {
		worker.Start()
	}
	r.running.Store(true)
	return nil
}

// Stop stops all workers and closes their sinks.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}
	for _, worker := range r.workers {
		worker.Stop()
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", worker.config.Name).Msg("Failed to close sink")
		}
	}
	log.Info().Msg("Publisher registry stopped")
}
