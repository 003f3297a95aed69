package engine

import (
	"errors"
	"time"

	"kestrel/pkg/models"
)

// ErrQueueFull is surfaced to the producer when a partition queue stays
// full past the block timeout under the blocking policy.
var ErrQueueFull = errors.New("engine: partition queue full")

// Queue overflow policies.
const (
	PolicyBlock      = "block"
	PolicyDropOldest = "drop_oldest"
)

// item is one queued event. result, when set, receives the alerts the
// event produced (the synchronous ingestion seam); nil for fire-and-forget
// submission.
type item struct {
	ev     *models.Event
	result chan []*models.Alert
}

// eventQueue is one partition's bounded FIFO. Multiple producers, one
// consumer (the partition worker).
type eventQueue struct {
	ch           chan item
	dropOldest   bool
	blockTimeout time.Duration
}

func newEventQueue(size int, policy string, blockTimeout time.Duration) *eventQueue {
	return &eventQueue{
		ch:           make(chan item, size),
		dropOldest:   policy == PolicyDropOldest,
		blockTimeout: blockTimeout,
	}
}

// push enqueues an event. Under drop-oldest it discards queued events
// until the new one fits and returns how many were dropped; under the
// blocking policy it waits up to the block timeout and then reports
// ErrQueueFull.
func (q *eventQueue) push(it item) (dropped int, err error) {
	select {
	case q.ch <- it:
		return 0, nil
	default:
	}

	if q.dropOldest {
		for {
			select {
			case old := <-q.ch:
				old.finish(nil)
				dropped++
			default:
			}
			select {
			case q.ch <- it:
				return dropped, nil
			default:
			}
		}
	}

	wait := time.NewTimer(q.blockTimeout)
	defer wait.Stop()
	select {
	case q.ch <- it:
		return 0, nil
	case <-wait.C:
		return 0, ErrQueueFull
	}
}

// finish delivers the alerts to a synchronous producer, if any.
func (it item) finish(alerts []*models.Alert) {
	if it.result != nil {
		it.result <- alerts
	}
}
