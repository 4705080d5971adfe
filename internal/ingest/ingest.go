// Package ingest receives occupancy observations from camera counters over
// REST, TCP, Kafka and NATS and applies them to the engine.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"crowdgate/internal/engine"
	"crowdgate/internal/model"
)

// Sink is the engine surface observations are applied to.
type Sink interface {
	Update(gateID string, gen model.Generation, count int, frame string) error
	ReportError(gateID string, gen model.Generation, message string) error
}

func SendNonBlocking(ctx context.Context, out chan<- model.Observation, obs model.Observation, logger *slog.Logger) bool {
	select {
	case out <- obs:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("observation channel full, dropping observation", "gate_id", obs.GateID, "source", obs.Source)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Applier drains the observation channel into the engine.
type Applier struct {
	sink    Sink
	logger  *slog.Logger
	applied atomic.Uint64
	stale   atomic.Uint64
	failed  atomic.Uint64
}

func NewApplier(sink Sink, logger *slog.Logger) *Applier {
	return &Applier{sink: sink, logger: logger}
}

func (a *Applier) Run(ctx context.Context, in <-chan model.Observation) {
	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-in:
			_ = a.Apply(obs)
		}
	}
}

// Apply routes obs to ReportError when it carries an error and to Update
// otherwise. Observations for a replaced or closed connection are counted
// and dropped.
func (a *Applier) Apply(obs model.Observation) error {
	if err := Validate(obs); err != nil {
		a.failed.Add(1)
		return err
	}
	var err error
	if obs.Error != "" {
		err = a.sink.ReportError(obs.GateID, obs.Generation, obs.Error)
	} else {
		err = a.sink.Update(obs.GateID, obs.Generation, *obs.Count, obs.Frame)
	}
	switch {
	case err == nil:
		a.applied.Add(1)
	case errors.Is(err, engine.ErrNotConnected):
		a.stale.Add(1)
		if a.logger != nil {
			a.logger.Debug("dropping observation for inactive connection", "gate_id", obs.GateID, "generation", obs.Generation, "source", obs.Source)
		}
	default:
		a.failed.Add(1)
		if a.logger != nil {
			a.logger.Warn("observation rejected", "gate_id", obs.GateID, "source", obs.Source, "err", err)
		}
	}
	return err
}

func (a *Applier) Stats() (applied, stale, failed uint64) {
	return a.applied.Load(), a.stale.Load(), a.failed.Load()
}
