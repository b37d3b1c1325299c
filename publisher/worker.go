package publisher

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sable-db/sable/encoding"
	"github.com/sable-db/sable/telemetry"
)

const (
	// Default batch size for reading entries per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
)

// WorkerConfig configures one publisher worker.
type WorkerConfig struct {
	Name            string  // Sink name, used for cursor tracking
	Source          *Source // Queue tables to read from
	Sink            Sink
	Filter          Filter
	TopicPrefix     string // e.g. "sable.ddl"
	BatchSize       int
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
}

// Worker polls the queue tables and publishes new entries to one sink.
// Delivery is at-least-once: publish first, then advance the cursor.
type Worker struct {
	config      WorkerConfig
	cursors     map[string]int64 // by kind
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Filter == nil {
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

	cursors := make(map[string]int64, 2)
	for _, kind := range []string{KindCommand, KindDrops} {
		pos, err := config.Source.GetCursor(config.Name, kind)
		if err != nil {
			return nil, err
		}
		cursors[kind] = pos
	}

	return &Worker{
		config:  config,
		cursors: cursors,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}
	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Int64("commands_cursor", w.cursors[KindCommand]).
		Int64("drops_cursor", w.cursors[KindDrops]).
		Msg("Starting publisher worker")

	go w.pollLoop()
}

// Stop stops the worker and waits for the goroutine to exit.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Publisher worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		published := 0
		for _, kind := range []string{KindCommand, KindDrops} {
			n, err := w.drainKind(kind)
			if err != nil {
				log.Error().
					Err(err).
					Str("worker", w.config.Name).
					Str("kind", kind).
					Msg("Publish cycle failed")
			}
			published += n
		}

		w.reportLag()

		if published == 0 {
			select {
			case <-w.stopCh:
				return
			case <-time.After(w.config.PollInterval):
			}
		}
	}
}

func (w *Worker) drainKind(kind string) (int, error) {
	events, err := w.config.Source.ReadFrom(kind, w.cursors[kind], w.config.BatchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for i := range events {
		if err := w.processEvent(&events[i]); err != nil {
			return published, err
		}
		w.cursors[kind] = events[i].Position
		published++
	}
	return published, nil
}

// processEvent publishes one event. Filtered events advance the cursor
// without publishing.
func (w *Worker) processEvent(event *QueueEvent) error {
	if !w.config.Filter.Match(event.Tag) {
		return w.config.Source.AdvanceCursor(w.config.Name, event.Kind, event.Position)
	}

	data, err := encoding.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", event.Position, err)
	}

	topic := w.buildTopic(event.Kind)
	key := strconv.FormatInt(event.Position, 10)

	start := time.Now()
	if err := w.publishWithRetry(topic, key, data); err != nil {
		telemetry.PublisherEventsTotal.With(w.config.Name, "error").Inc()
		return err
	}
	telemetry.PublishDurationSeconds.With(w.config.Name).Observe(time.Since(start).Seconds())
	telemetry.PublisherEventsTotal.With(w.config.Name, "ok").Inc()

	// Cursor advance failure after publish means redelivery on restart,
	// which at-least-once delivery tolerates.
	if err := w.config.Source.AdvanceCursor(w.config.Name, event.Kind, event.Position); err != nil {
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Int64("position", event.Position).
			Msg("Failed to advance cursor after publish")
	}
	return nil
}

func (w *Worker) buildTopic(kind string) string {
	if w.config.TopicPrefix == "" {
		return kind
	}
	return w.config.TopicPrefix + "." + kind
}

// publishWithRetry retries with exponential backoff until the sink accepts
// the message or the worker stops.
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Dur("retry_in", delay).
			Msg("Publish failed, backing off")

		select {
		case <-w.stopCh:
			return fmt.Errorf("worker stopped during retry: %w", err)
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

func (w *Worker) reportLag() {
	var total int64
	for _, kind := range []string{KindCommand, KindDrops} {
		max, err := w.config.Source.MaxPosition(kind)
		if err != nil {
			return
		}
		if lag := max - w.cursors[kind]; lag > 0 {
			total += lag
		}
	}
	telemetry.PublisherLagPositions.With(w.config.Name).Set(float64(total))
}
