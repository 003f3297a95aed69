// Package emitter decouples partition workers from alert sinks. Workers
// hand alerts to a bounded buffer; a single dispatcher goroutine owns
// every sink, so a slow webhook never stalls detection. Overflow drops
// the alert and counts it.
package emitter

import (
	"kestrel/internal/logger"
	"kestrel/internal/metrics"
	"kestrel/pkg/models"
)

// Sink writes alert batches to one destination.
type Sink interface {
	WriteAlerts(alerts []*models.Alert) error
	Close() error
}

const batchMax = 64

// Emitter fans alerts out to the configured sinks.
type Emitter struct {
	buf     chan *models.Alert
	sinks   []Sink
	metrics *metrics.Metrics
	log     logger.Component
	done    chan struct{}
}

// New creates an emitter with the given buffer size.
func New(bufSize int, m *metrics.Metrics, sinks ...Sink) *Emitter {
	if bufSize <= 0 {
		bufSize = 1024
	}
	return &Emitter{
		buf:     make(chan *models.Alert, bufSize),
		sinks:   sinks,
		metrics: m,
		log:     logger.WithComponent("emitter"),
		done:    make(chan struct{}),
	}
}

// Start launches the dispatcher goroutine.
func (e *Emitter) Start() {
	go e.dispatch()
}

// Emit hands an alert to the dispatcher. It never blocks: when the
// buffer is full the alert is dropped and counted.
func (e *Emitter) Emit(a *models.Alert) {
	select {
	case e.buf <- a:
	default:
		e.metrics.IncAlertsDropped()
		e.log.Warnf("buffer full, dropped alert for rule %s", a.RuleID)
	}
}

// Stop flushes buffered alerts, closes the sinks, and returns once the
// dispatcher has exited. Emit must not be called after Stop.
func (e *Emitter) Stop() {
	close(e.buf)
	<-e.done
	for _, s := range e.sinks {
		if err := s.Close(); err != nil {
			e.log.Errorf("close sink: %v", err)
		}
	}
}

func (e *Emitter) dispatch() {
	defer close(e.done)

	for a := range e.buf {
		batch := make([]*models.Alert, 0, batchMax)
		batch = append(batch, a)
	fill:
		for len(batch) < batchMax {
			select {
			case next, ok := <-e.buf:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		e.write(batch)
	}
}

func (e *Emitter) write(batch []*models.Alert) {
	for _, s := range e.sinks {
		if err := s.WriteAlerts(batch); err != nil {
			e.log.Errorf("write alerts: %v", err)
		}
	}
}
