package goState

import (
	"context"
	"sync"
	"sync/atomic"
)

// auditDispatcher hands audit events to a sink on a single background
// goroutine so engine operations never wait on sink I/O. A nil dispatcher is
// valid and discards everything, which is how disabled auditing is modelled.
type auditDispatcher struct {
	sink       AuditSink
	queue      chan AuditEvent
	dropOnFull bool

	stop     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	drops    atomic.Uint64
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &auditDispatcher{
		sink:       sink,
		queue:      make(chan AuditEvent, size),
		dropOnFull: cfg.DropIfFull,
		stop:       make(chan struct{}),
		exited:     make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *auditDispatcher) loop() {
	defer close(d.exited)
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		case <-d.stop:
			d.drain()
			return
		}
	}
}

// drain flushes whatever is still buffered once Close has been called.
func (d *auditDispatcher) drain() {
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		default:
			return
		}
	}
}

func (d *auditDispatcher) deliver(event AuditEvent) {
	d.sink.Emit(context.Background(), event)
}

// Emit queues an audit event. When the buffer is full a dispatcher built with
// DropIfFull counts the event as dropped; otherwise the caller waits until
// there is room, its ctx ends, or the dispatcher shuts down.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil || d.stopped.Load() {
		return
	}
	if d.dropOnFull {
		d.offer(event)
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- event:
	case <-ctx.Done():
	case <-d.stop:
	}
}

func (d *auditDispatcher) offer(event AuditEvent) {
	select {
	case d.queue <- event:
	case <-d.stop:
	default:
		d.drops.Add(1)
	}
}

// Close stops accepting events, delivers the backlog and waits for the
// worker to exit. Calling it more than once is safe.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		d.stopped.Store(true)
		close(d.stop)
	})
	<-d.exited
}

// Dropped is the number of events discarded because the buffer was full.
func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.drops.Load()
}
