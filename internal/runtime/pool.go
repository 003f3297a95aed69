package runtime

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPoolExhausted is returned when an instance cannot be checked out
// within the configured policy.
var ErrPoolExhausted = errors.New("runtime: instance pool exhausted")

// PoolPolicy controls checkout behavior when all instances are busy.
type PoolPolicy struct {
	// Max is the instance cap per compiled rule.
	Max int
	// FailFast returns ErrPoolExhausted immediately instead of waiting.
	FailFast bool
	// AcquireTimeout bounds the wait when not failing fast.
	AcquireTimeout time.Duration
}

func (p PoolPolicy) withDefaults() PoolPolicy {
	if p.Max <= 0 {
		p.Max = 4
	}
	if p.AcquireTimeout <= 0 {
		p.AcquireTimeout = 50 * time.Millisecond
	}
	return p
}

// instancePool is a bounded, lazily filled pool of VM instances for one
// compiled rule. Instances are created up to the cap on demand and reused
// afterwards.
type instancePool[T any] struct {
	policy  PoolPolicy
	factory func() (T, error)
	destroy func(T)

	mu      sync.Mutex
	idle    chan T
	created int
	closed  bool
}

func newInstancePool[T any](policy PoolPolicy, factory func() (T, error), destroy func(T)) *instancePool[T] {
	policy = policy.withDefaults()
	return &instancePool[T]{
		policy:  policy,
		factory: factory,
		destroy: destroy,
		idle:    make(chan T, policy.Max),
	}
}

// acquire checks out an instance, creating one if under the cap.
func (p *instancePool[T]) acquire(ctx context.Context) (T, error) {
	var zero T

	select {
	case inst := <-p.idle:
		return inst, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrPoolExhausted
	}
	if p.created < p.policy.Max {
		p.created++
		p.mu.Unlock()
		inst, err := p.factory()
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return zero, err
		}
		return inst, nil
	}
	p.mu.Unlock()

	if p.policy.FailFast {
		return zero, ErrPoolExhausted
	}

	wait := time.NewTimer(p.policy.AcquireTimeout)
	defer wait.Stop()
	select {
	case inst := <-p.idle:
		return inst, nil
	case <-wait.C:
		return zero, ErrPoolExhausted
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// seed places an externally created instance under the pool's cap
// accounting and makes it available for checkout.
func (p *instancePool[T]) seed(inst T) {
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	p.release(inst)
}

// release returns an instance to the pool, destroying it if the pool is
// closed or already full. The closed check and the channel send happen
// under one lock so a release racing close cannot strand an instance in
// idle after the drain.
func (p *instancePool[T]) release(inst T) {
	p.mu.Lock()
	if !p.closed {
		select {
		case p.idle <- inst:
			p.mu.Unlock()
			return
		default:
		}
	}
	p.created--
	p.mu.Unlock()
	if p.destroy != nil {
		p.destroy(inst)
	}
}

// discard destroys an instance whose VM state may be corrupted (for
// example after a timeout abort) instead of returning it to the pool.
func (p *instancePool[T]) discard(inst T) {
	p.dropInstance(inst)
}

func (p *instancePool[T]) dropInstance(inst T) {
	p.mu.Lock()
	p.created--
	p.mu.Unlock()
	if p.destroy != nil {
		p.destroy(inst)
	}
}

// close destroys all idle instances. Checked-out instances are destroyed
// on release.
func (p *instancePool[T]) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for {
		select {
		case inst := <-p.idle:
			p.dropInstance(inst)
		default:
			return
		}
	}
}
