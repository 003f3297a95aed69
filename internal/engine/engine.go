// Package engine is the detection core: a partitioned set of workers
// that evaluate incoming events against the active rule snapshot and
// hand matches to the alert emitter. Events for one entity always land
// on one partition, in order, so sequence state never needs locks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"kestrel/internal/logger"
	"kestrel/internal/metrics"
	"kestrel/internal/rules"
	"kestrel/internal/runtime"
	"kestrel/pkg/models"
)

// ErrStopped is returned by Submit and ProcessEvent after Stop.
var ErrStopped = errors.New("engine: stopped")

// ConfigError is fatal at startup; nothing inside the detection path
// raises it.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("engine config: %s: %s", e.Field, e.Reason)
}

// Config sizes the engine. Zero values take defaults except Partitions
// and QueueSize, which must be set.
type Config struct {
	Partitions    int
	QueueSize     int
	QueuePolicy   string
	BlockTimeout  time.Duration
	OverlapCap    int
	SweepInterval time.Duration
}

func (c Config) validate() (Config, error) {
	if c.Partitions <= 0 {
		return c, &ConfigError{Field: "partitions", Reason: "must be positive"}
	}
	if c.QueueSize <= 0 {
		return c, &ConfigError{Field: "queue_size", Reason: "must be positive"}
	}
	switch c.QueuePolicy {
	case "":
		c.QueuePolicy = PolicyBlock
	case PolicyBlock, PolicyDropOldest:
	default:
		return c, &ConfigError{Field: "queue_policy", Reason: fmt.Sprintf("unknown policy %q", c.QueuePolicy)}
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = time.Second
	}
	if c.OverlapCap <= 0 {
		c.OverlapCap = 4
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c, nil
}

// AlertSink receives alerts from partition workers. Implementations must
// not block; the emitter's bounded buffer is the expected one.
type AlertSink interface {
	Emit(*models.Alert)
}

// Status is the engine's monotonic counter view.
type Status struct {
	Uptime          time.Duration
	RulesSingle     int
	RulesSequence   int
	EventsProcessed uint64
	AlertsGenerated uint64
	SequenceStates  int64
	SnapshotVersion uint64
}

// Engine routes events across partition workers and evaluates them
// against the registry's active snapshot.
type Engine struct {
	cfg      Config
	registry *rules.Registry
	pool     *runtime.Pool
	metrics  *metrics.Metrics
	emitter  AlertSink
	log      logger.Component

	queues  []*eventQueue
	workers []*worker
	stop    chan struct{}
	wg      sync.WaitGroup

	// gate orders in-flight enqueues before the worker drain: enqueue
	// holds it shared, Stop takes it exclusively after flipping accepting.
	gate      sync.RWMutex
	accepting atomic.Bool
	eventSeq  atomic.Uint64
	started   time.Time
}

// New validates the configuration and builds a stopped engine.
func New(cfg Config, reg *rules.Registry, pool *runtime.Pool, m *metrics.Metrics, sink AlertSink) (*Engine, error) {
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		registry: reg,
		pool:     pool,
		metrics:  m,
		emitter:  sink,
		log:      logger.WithComponent("engine"),
		stop:     make(chan struct{}),
	}
	e.queues = make([]*eventQueue, cfg.Partitions)
	e.workers = make([]*worker, cfg.Partitions)
	for i := 0; i < cfg.Partitions; i++ {
		e.queues[i] = newEventQueue(cfg.QueueSize, cfg.QueuePolicy, cfg.BlockTimeout)
		e.workers[i] = &worker{
			id:    i,
			queue: e.queues[i],
			seq:   newSeqStore(pool, m, cfg.OverlapCap, logger.WithComponent(fmt.Sprintf("worker-%d", i))),
			eng:   e,
			log:   logger.WithComponent(fmt.Sprintf("worker-%d", i)),
		}
	}
	return e, nil
}

// Start launches one goroutine per partition.
func (e *Engine) Start() {
	e.started = time.Now()
	e.accepting.Store(true)
	for _, w := range e.workers {
		e.wg.Add(1)
		go w.run()
	}
	e.log.Infof("started with %d partitions (queue %d, policy %s)",
		e.cfg.Partitions, e.cfg.QueueSize, e.cfg.QueuePolicy)
}

// Stop refuses new input, lets every worker finish and drain its queue,
// and returns once all partition goroutines have exited. Pending alerts
// have been handed to the sink when Stop returns.
func (e *Engine) Stop() {
	if !e.accepting.CompareAndSwap(true, false) {
		return
	}
	e.gate.Lock()
	e.gate.Unlock()
	close(e.stop)
	e.wg.Wait()
	e.log.Infof("stopped")
}

// Submit routes an event to its partition without waiting for the
// result. A zero EventID is stamped from the ingest sequence.
func (e *Engine) Submit(ev *models.Event) error {
	return e.enqueue(item{ev: ev})
}

// ProcessEvent routes an event and waits for the alerts it produced.
// This is the synchronous ingestion seam the binding layer sits behind.
func (e *Engine) ProcessEvent(ctx context.Context, ev *models.Event) ([]*models.Alert, error) {
	result := make(chan []*models.Alert, 1)
	if err := e.enqueue(item{ev: ev, result: result}); err != nil {
		return nil, err
	}
	select {
	case alerts := <-result:
		return alerts, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) enqueue(it item) error {
	e.gate.RLock()
	defer e.gate.RUnlock()
	if !e.accepting.Load() {
		return ErrStopped
	}
	if it.ev.EventID == 0 {
		// Events are immutable to callers; stamp the id on a copy.
		ev := *it.ev
		ev.EventID = e.eventSeq.Add(1)
		it.ev = &ev
	}
	p := homePartition(it.ev.Entity, e.cfg.Partitions)
	dropped, err := e.queues[p].push(it)
	for i := 0; i < dropped; i++ {
		e.metrics.IncQueueDropped(p)
	}
	if err != nil {
		return fmt.Errorf("partition %d: %w", p, err)
	}
	return nil
}

// Status reports the counter view consumed by the reporting surface and
// the binding layer.
func (e *Engine) Status() Status {
	snap := e.registry.Snapshot()
	st := Status{
		EventsProcessed: e.metrics.EventsProcessed(),
		AlertsGenerated: e.metrics.AlertsGenerated(),
		SequenceStates:  e.metrics.SequenceStates(),
		SnapshotVersion: snap.Version(),
	}
	if !e.started.IsZero() {
		st.Uptime = time.Since(e.started)
	}
	for _, r := range snap.List() {
		switch r.Kind {
		case rules.KindSingle:
			st.RulesSingle++
		case rules.KindSequence:
			st.RulesSequence++
		}
	}
	return st
}
