package authcore

import (
	"context"
	"sync"
	"sync/atomic"
)

// auditDispatcher decouples flow latency from sink latency. Events are handed
// to a single delivery goroutine through a buffered queue; Close drains the
// queue before returning. In shedding mode a full queue drops the event and
// counts it instead of blocking the flow.
type auditDispatcher struct {
	sink  AuditSink
	queue chan AuditEvent
	// block switches Emit from shedding to waiting when the queue is full.
	block bool

	mu      sync.RWMutex
	closed  bool
	shed    atomic.Uint64
	drained sync.WaitGroup
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 1
	}

	d := &auditDispatcher{
		sink:  sink,
		queue: make(chan AuditEvent, buffer),
		block: !cfg.DropIfFull,
	}

	d.drained.Add(1)
	go func() {
		defer d.drained.Done()
		for event := range d.queue {
			d.sink.Emit(context.Background(), event)
		}
	}()

	return d
}

// Emit queues an event for delivery. After Close the event is discarded.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil {
		return
	}

	// The read lock keeps Close from closing the queue mid-send.
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	if !d.block {
		select {
		case d.queue <- event:
		default:
			d.shed.Add(1)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- event:
	case <-ctx.Done():
	}
}

// Close stops intake and waits until every queued event reached the sink.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.drained.Wait()
}

// Dropped reports how many events were shed on a full queue.
func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.shed.Load()
}
