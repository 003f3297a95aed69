package engine

import (
	"context"
	"time"

	"kestrel/internal/logger"
	"kestrel/pkg/models"
)

// worker drives one partition: it owns the partition queue and the
// partition's sequence state, so nothing it touches needs a lock.
type worker struct {
	id    int
	queue *eventQueue
	seq   *seqStore
	eng   *Engine
	log   logger.Component
}

func (w *worker) run() {
	defer w.eng.wg.Done()

	sweep := time.NewTicker(w.eng.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case it := <-w.queue.ch:
			w.process(it)
		case <-sweep.C:
			w.seq.sweep(w.eng.registry.Snapshot().Sequences())
		case <-w.eng.stop:
			w.drain()
			return
		}
	}
}

// drain processes whatever is still queued at shutdown so no accepted
// event is silently dropped.
func (w *worker) drain() {
	for {
		select {
		case it := <-w.queue.ch:
			w.process(it)
		default:
			return
		}
	}
}

func (w *worker) process(it item) {
	ctx := context.Background()
	ev := it.ev

	// Pin one snapshot for the whole event; a reload mid-event is not
	// observed until the next event.
	snap := w.eng.registry.Snapshot()

	var alerts []*models.Alert
	for _, rule := range snap.Single() {
		matched, err := w.eng.pool.Eval(ctx, rule.Program, ev)
		if err != nil {
			w.eng.metrics.IncRuleFault(rule.ID, faultKind(err))
			w.log.Debugf("rule %s fault: %v", rule.ID, err)
			continue
		}
		if !matched {
			continue
		}
		captured, err := w.eng.pool.Capture(ctx, rule.Program, ev)
		if err != nil {
			w.eng.metrics.IncRuleFault(rule.ID, faultKind(err))
			w.log.Debugf("rule %s capture fault: %v", rule.ID, err)
			captured = nil
		}
		alerts = append(alerts, models.NewAlert(rule.ID, rule.Name, rule.Severity, rule.Tags, ev, captured))
	}

	alerts = append(alerts, w.seq.observe(ctx, ev, snap.Sequences())...)

	for _, a := range alerts {
		w.eng.metrics.IncAlertsGenerated()
		w.eng.emitter.Emit(a)
	}
	w.eng.metrics.IncEventsProcessed()
	it.finish(alerts)
}
