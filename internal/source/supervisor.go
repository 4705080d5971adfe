// Package source runs one worker per connected camera. A worker validates
// and probes the camera locator, optionally feeds simulated counts, and
// flags mobile streams that stop reporting.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"crowdgate/internal/config"
	"crowdgate/internal/engine"
	"crowdgate/internal/metrics"
	"crowdgate/internal/model"
)

// Reporter is the engine surface a worker writes to.
type Reporter interface {
	Update(gateID string, gen model.Generation, count int, frame string) error
	ReportError(gateID string, gen model.Generation, message string) error
}

type worker struct {
	conn   model.Connection
	cancel context.CancelFunc
	done   chan struct{}
}

type Supervisor struct {
	reporter Reporter
	metrics  *metrics.Store
	cfg      *config.Manager
	client   *http.Client
	logger   *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	// latest is the highest generation started or stopped per gate. Starts
	// at or below it belong to connections that are already gone.
	latest map[string]model.Generation
}

func NewSupervisor(reporter Reporter, metricsStore *metrics.Store, cfg *config.Manager, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		reporter: reporter,
		metrics:  metricsStore,
		cfg:      cfg,
		client:   &http.Client{},
		logger:   logger,
		workers:  make(map[string]*worker),
		latest:   make(map[string]model.Generation),
	}
}

// Start launches the worker for conn, replacing any worker for an older
// generation of the same gate. A conn that is not newer than the last
// generation seen for the gate is ignored.
func (s *Supervisor) Start(ctx context.Context, conn model.Connection) {
	s.mu.Lock()
	if conn.Generation <= s.latest[conn.GateID] {
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Debug("stale source start ignored", "gate_id", conn.GateID, "generation", conn.Generation)
		}
		return
	}
	s.latest[conn.GateID] = conn.Generation
	wctx, cancel := context.WithCancel(ctx)
	w := &worker{conn: conn, cancel: cancel, done: make(chan struct{})}
	prev := s.workers[conn.GateID]
	s.workers[conn.GateID] = w
	s.mu.Unlock()
	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	go func() {
		defer close(w.done)
		defer s.forget(w)
		s.run(wctx, conn)
	}()
}

// forget drops w from the worker table unless a newer worker replaced it.
func (s *Supervisor) forget(w *worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers[w.conn.GateID] == w {
		delete(s.workers, w.conn.GateID)
	}
}

// Stop cancels the gate's worker when it runs generation gen or older, and
// waits for it to exit. A worker for a newer connection keeps running.
func (s *Supervisor) Stop(gateID string, gen model.Generation) {
	s.mu.Lock()
	if gen > s.latest[gateID] {
		s.latest[gateID] = gen
	}
	w := s.workers[gateID]
	if w == nil || w.conn.Generation > gen {
		s.mu.Unlock()
		return
	}
	delete(s.workers, gateID)
	s.mu.Unlock()
	w.cancel()
	<-w.done
}

func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ws := s.workers
	s.workers = make(map[string]*worker)
	s.mu.Unlock()
	for _, w := range ws {
		w.cancel()
	}
	for _, w := range ws {
		<-w.done
	}
}

// Running lists gates with a live worker.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.workers))
	for id := range s.workers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Supervisor) run(ctx context.Context, conn model.Connection) {
	cfg := s.cfg.Get().Sources

	if err := ValidateLocator(conn.Kind, conn.Locator); err != nil {
		s.fail(conn, err.Error())
		return
	}
	if cfg.Probe && IsStreamURL(conn.Locator) {
		if err := Probe(ctx, s.client, conn.Locator, cfg.ProbeTimeout.D()); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(conn, fmt.Sprintf("failed to connect to camera URL: %v", err))
		}
	}

	var (
		simulate <-chan time.Time
		health   <-chan time.Time
	)
	if cfg.Simulate {
		t := time.NewTicker(cfg.SimulateInterval.D())
		defer t.Stop()
		simulate = t.C
	}
	staleAfter := cfg.StaleAfter.D()
	if conn.Kind == model.SourceMobile && staleAfter > 0 {
		t := time.NewTicker(staleAfter / 2)
		defer t.Stop()
		health = t.C
	}
	if simulate == nil && health == nil {
		<-ctx.Done()
		return
	}

	upper := cfg.SimulateMax
	if upper < 5 {
		upper = 5
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-simulate:
			count := 5 + rand.Intn(upper-4)
			if err := s.reporter.Update(conn.GateID, conn.Generation, count, ""); err != nil {
				if errors.Is(err, engine.ErrNotConnected) {
					return
				}
				if s.logger != nil {
					s.logger.Warn("simulated update rejected", "gate_id", conn.GateID, "err", err)
				}
			}
		case now := <-health:
			if !s.stale(conn, now, staleAfter) {
				continue
			}
			if s.logger != nil {
				s.logger.Info("mobile camera stopped reporting", "gate_id", conn.GateID, "generation", conn.Generation)
			}
			msg := fmt.Sprintf("no data from mobile camera for %s", staleAfter)
			if err := s.reporter.ReportError(conn.GateID, conn.Generation, msg); errors.Is(err, engine.ErrNotConnected) {
				return
			}
		}
	}
}

// stale reports whether conn has gone staleAfter without an update.
func (s *Supervisor) stale(conn model.Connection, now time.Time, staleAfter time.Duration) bool {
	last := conn.ConnectedAt
	if s.metrics != nil {
		if m, ok := s.metrics.Get(conn.GateID); ok && m.LastUpdate.After(last) {
			last = m.LastUpdate
		}
	}
	return now.Sub(last) > staleAfter
}

func (s *Supervisor) fail(conn model.Connection, msg string) {
	if s.logger != nil {
		s.logger.Error("camera source failed", "gate_id", conn.GateID, "generation", conn.Generation, "camera_type", conn.Kind, "err", msg)
	}
	if err := s.reporter.ReportError(conn.GateID, conn.Generation, msg); err != nil && s.logger != nil {
		s.logger.Debug("source error not recorded", "gate_id", conn.GateID, "err", err)
	}
}
