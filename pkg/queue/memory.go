package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sternrassler/gh-harvest/pkg/model"
)

// MemoryBroker is an in-process Broker.
type MemoryBroker struct {
	mu           sync.Mutex
	pending      []Task
	leases       map[string]*Delivery
	completions  []Completion
	changed      chan struct{}
	closed       bool
	leaseTimeout time.Duration
	now          func() time.Time
}

// NewMemoryBroker creates an in-memory broker.
func NewMemoryBroker(leaseTimeout time.Duration) *MemoryBroker {
	if leaseTimeout <= 0 {
		leaseTimeout = DefaultLeaseTimeout
	}
	return &MemoryBroker{
		leases:       make(map[string]*Delivery),
		changed:      make(chan struct{}),
		leaseTimeout: leaseTimeout,
		now:          time.Now,
	}
}

func (b *MemoryBroker) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Enqueue implements Broker.
func (b *MemoryBroker) Enqueue(ctx context.Context, t Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = b.now()
	}
	b.pending = append(b.pending, t)
	opsTotal.WithLabelValues("memory", "enqueue").Inc()
	b.notifyLocked()
	return nil
}

// Dequeue implements Broker.
func (b *MemoryBroker) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		if len(b.pending) > 0 {
			t := b.pending[0]
			b.pending = b.pending[1:]
			d := &Delivery{Task: t, LeaseID: uuid.NewString(), Deadline: b.now().Add(b.leaseTimeout)}
			lease := *d
			b.leases[d.LeaseID] = &lease
			b.mu.Unlock()
			opsTotal.WithLabelValues("memory", "dequeue").Inc()
			return d, nil
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// Extend implements Broker.
func (b *MemoryBroker) Extend(ctx context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	lease, ok := b.leases[d.LeaseID]
	if !ok {
		return ErrLeaseLost
	}
	lease.Deadline = b.now().Add(b.leaseTimeout)
	d.Deadline = lease.Deadline
	opsTotal.WithLabelValues("memory", "extend").Inc()
	return nil
}

// Ack implements Broker.
func (b *MemoryBroker) Ack(ctx context.Context, d *Delivery, result model.BatchResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	delete(b.leases, d.LeaseID)
	b.completions = append(b.completions, Completion{
		BatchID: d.Task.BatchID,
		Attempt: d.Task.Attempt,
		Result:  &result,
	})
	opsTotal.WithLabelValues("memory", "ack").Inc()
	b.notifyLocked()
	return nil
}

// Nack implements Broker.
func (b *MemoryBroker) Nack(ctx context.Context, d *Delivery, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.leases[d.LeaseID]; !ok {
		return nil
	}
	delete(b.leases, d.LeaseID)
	b.completions = append(b.completions, Completion{
		BatchID: d.Task.BatchID,
		Attempt: d.Task.Attempt,
		Err:     reason,
	})
	opsTotal.WithLabelValues("memory", "nack").Inc()
	b.notifyLocked()
	return nil
}

// Completions implements Broker.
func (b *MemoryBroker) Completions(ctx context.Context) (Completion, error) {
	for {
		b.mu.Lock()
		if len(b.completions) > 0 {
			c := b.completions[0]
			b.completions = b.completions[1:]
			b.mu.Unlock()
			return c, nil
		}
		if b.closed {
			b.mu.Unlock()
			return Completion{}, ErrClosed
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		case <-changed:
		}
	}
}

// Reap implements Broker.
func (b *MemoryBroker) Reap(ctx context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	reaped := 0
	for id, lease := range b.leases {
		if !lease.Deadline.Before(now) {
			continue
		}
		delete(b.leases, id)
		b.completions = append(b.completions, Completion{
			BatchID: lease.Task.BatchID,
			Attempt: lease.Task.Attempt,
			Err:     ReasonLeaseExpired,
		})
		reaped++
	}
	if reaped > 0 {
		leasesExpired.WithLabelValues("memory").Add(float64(reaped))
		b.notifyLocked()
	}
	return reaped, nil
}

// Pending returns the number of tasks waiting for a worker.
func (b *MemoryBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.notifyLocked()
	}
	return nil
}
