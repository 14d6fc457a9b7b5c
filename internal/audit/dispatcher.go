package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tenantauth.org/internal/obs"
)

const defaultWriteTimeout = 2 * time.Second

// Dispatcher decouples event producers from a slow Sink. When the buffer is
// full, events are dropped and counted rather than blocking the producer.
type Dispatcher struct {
	sink      Sink
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	timeout   time.Duration
	now       func() time.Time
}

// NewDispatcher starts a worker draining into sink.
func NewDispatcher(sink Sink, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	if sink == nil {
		sink = Discard{}
	}
	d := &Dispatcher{
		sink:    sink,
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
		timeout: defaultWriteTimeout,
		now:     time.Now,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case e := <-d.ch:
			d.write(e)
		case <-d.done:
			for {
				select {
				case e := <-d.ch:
					d.write(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) write(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.sink.Write(ctx, e); err != nil {
		log := obs.Logger()
		log.Warn().Err(err).Str("event", e.Type).Msg("audit sink write failed")
	}
}

// Emit enqueues e. It never blocks and never fails.
func (d *Dispatcher) Emit(ctx context.Context, e Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = d.now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	select {
	case d.ch <- e:
	case <-d.done:
	default:
		d.dropped.Add(1)
		obs.IncAuditDropped()
	}
}

// Close stops accepting events and flushes what is buffered.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns how many events were discarded because the buffer was full.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
