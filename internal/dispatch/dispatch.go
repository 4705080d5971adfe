// Package dispatch moves engine events off the gate hot path and into
// persistence and publishing.
package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"crowdgate/internal/events"
	"crowdgate/internal/model"
	"crowdgate/internal/storage"
)

// Dispatcher implements engine.Emitter. Emit never blocks; when the buffer
// is full the event is dropped and counted.
type Dispatcher struct {
	ch        chan model.Event
	store     storage.Store
	publisher events.Publisher
	prefix    string
	logger    *slog.Logger
	dropped   atomic.Uint64
	handled   atomic.Uint64
}

func New(buffer int, store storage.Store, publisher events.Publisher, subjectPrefix string, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	if publisher == nil {
		publisher = &events.NoopPublisher{}
	}
	return &Dispatcher{
		ch:        make(chan model.Event, buffer),
		store:     store,
		publisher: publisher,
		prefix:    subjectPrefix,
		logger:    logger,
	}
}

func (d *Dispatcher) Emit(ev model.Event) {
	select {
	case d.ch <- ev:
	default:
		d.dropped.Add(1)
		if d.logger != nil {
			d.logger.Warn("event channel full, dropping event", "kind", ev.Kind, "gate_id", ev.GateID)
		}
	}
}

func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

func (d *Dispatcher) Handled() uint64 {
	return d.handled.Load()
}

// Run drains events until ctx is done, then flushes what is already queued.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case ev := <-d.ch:
			d.handle(ctx, ev)
		case <-ctx.Done():
			d.flush()
			return
		}
	}
}

func (d *Dispatcher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-d.ch:
			d.handle(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev model.Event) {
	defer d.handled.Add(1)
	if d.store != nil {
		var err error
		if ev.Kind == model.EventAlert && ev.Alert != nil {
			err = d.store.SaveAlert(ctx, *ev.Alert)
		} else {
			err = d.store.SaveEvent(ctx, ev)
		}
		if err != nil && d.logger != nil {
			d.logger.Error("persist event failed", "kind", ev.Kind, "gate_id", ev.GateID, "err", err)
		}
	}
	var payload any = ev
	if ev.Kind == model.EventAlert && ev.Alert != nil {
		payload = ev.Alert
	}
	if err := d.publisher.Publish(ctx, events.Subject(d.prefix, ev.Kind), payload); err != nil && d.logger != nil {
		d.logger.Warn("publish event failed", "kind", ev.Kind, "gate_id", ev.GateID, "err", err)
	}
}
