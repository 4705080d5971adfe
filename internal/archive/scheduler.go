package archive

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler exports on a fixed interval to every destination.
type Scheduler struct {
	src          Source
	alerts       AlertSource
	destinations []Destination
	interval     time.Duration
	prefix       string
	logger       *slog.Logger
	now          func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(src Source, alerts AlertSource, destinations []Destination, interval time.Duration, prefix string, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		src:          src,
		alerts:       alerts,
		destinations: destinations,
		interval:     interval,
		prefix:       prefix,
		logger:       logger,
		now:          time.Now,
	}
}

// Start runs an export on every tick until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Once(ctx)
			}
		}
	}()
}

// Stop cancels the scheduler and waits for an in-flight export.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Once exports immediately and returns the number of destinations written.
func (s *Scheduler) Once(ctx context.Context) int {
	ts := s.now()
	var buf bytes.Buffer
	if err := ExportJSONL(s.src, s.alerts, ts, &buf); err != nil {
		if s.logger != nil {
			s.logger.Error("archive export failed", "err", err)
		}
		return 0
	}
	name := ObjectName(s.prefix, ts)
	written := 0
	for i, dest := range s.destinations {
		if err := dest.Write(ctx, name, buf.Bytes()); err != nil {
			if s.logger != nil {
				s.logger.Error("archive destination write failed", "destination", i, "name", name, "err", err)
			}
			continue
		}
		written++
	}
	if s.logger != nil {
		s.logger.Info("archive completed", "name", name, "destinations", written, "bytes", buf.Len())
	}
	return written
}
