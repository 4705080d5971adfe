package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"crowdgate/internal/alerts"
	"crowdgate/internal/classify"
	"crowdgate/internal/config"
	"crowdgate/internal/idgen"
	"crowdgate/internal/metrics"
	"crowdgate/internal/model"
	"crowdgate/internal/registry"
)

var (
	ErrUnknownGate      = registry.ErrUnknownGate
	ErrNotConnected     = errors.New("gate not connected")
	ErrNegativeCount    = errors.New("negative count")
	ErrAlreadyConnected = errors.New("gate already connected")
)

// Emitter receives lifecycle events. Implementations must not block; the
// engine calls Emit right after releasing a gate lock.
type Emitter interface {
	Emit(ev model.Event)
}

type nopEmitter struct{}

func (nopEmitter) Emit(model.Event) {}

// Engine serializes connect, disconnect, update and error reports per gate
// and serves snapshots. Calls on different gates never wait on each other.
type Engine struct {
	logger   *slog.Logger
	reg      *registry.Registry
	metrics  *metrics.Store
	alerts   *alerts.Store
	emitter  Emitter
	cfg      atomic.Value
	gen      atomic.Uint64
	started  time.Time
	cooldown atomic.Pointer[Cooldown]
	deDupe   atomic.Pointer[DedupeCache]
	now      func() time.Time

	// beforeCommit runs inside the gate lock just before an update lands.
	beforeCommit func(gateID string)
}

// NewEngine configures the gate registry from cfg. A returned
// *registry.ConfigError is fatal for the process.
func NewEngine(cfg *config.Config, logger *slog.Logger, metricsStore *metrics.Store, alertsStore *alerts.Store, emitter Emitter) (*Engine, error) {
	reg := registry.New()
	if err := reg.Configure(cfg.Gates); err != nil {
		return nil, err
	}
	if metricsStore == nil {
		metricsStore = metrics.NewStore()
	}
	if alertsStore == nil {
		alertsStore = alerts.NewStore(cfg.Alerts.StoreLimit)
	}
	if emitter == nil {
		emitter = nopEmitter{}
	}
	e := &Engine{
		logger:  logger,
		reg:     reg,
		metrics: metricsStore,
		alerts:  alertsStore,
		emitter: emitter,
		started: time.Now().UTC(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	e.cfg.Store(cfg)
	e.cooldown.Store(NewCooldown())
	e.deDupe.Store(NewDedupeCache())
	return e, nil
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// UpdateConfig applies reloadable settings. Gates are fixed for the process
// lifetime; a changed gate list is reported and ignored.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	next := *cfg
	if !config.GatesEqual(next.Gates, e.reg.Gates()) {
		if e.logger != nil {
			e.logger.Warn("gate configuration changed on reload, restart required to apply")
		}
		next.Gates = e.reg.Gates()
	}
	e.cfg.Store(&next)
}

func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

func (e *Engine) Started() time.Time {
	return e.started
}

// Connect binds a new source to the gate under a fresh generation. Any prior
// connection and its sample are dropped in the same critical section.
func (e *Engine) Connect(gateID string, kind model.SourceKind, locator string, force bool) (model.Connection, error) {
	slot, err := e.reg.Slot(gateID)
	if err != nil {
		return model.Connection{}, err
	}
	id, err := idgen.Connection(gateID)
	if err != nil {
		return model.Connection{}, err
	}
	cfg := e.config()
	now := e.now()

	var (
		conn     model.Connection
		replaced *model.Connection
		rejected bool
	)
	slot.Do(func(_ model.Gate, st *registry.State) {
		if st.Conn != nil && cfg.Engine.RejectReconnect && !force {
			rejected = true
			return
		}
		replaced = st.Conn
		conn = model.Connection{
			GateID:      gateID,
			ID:          id,
			Generation:  model.Generation(e.gen.Add(1)),
			Kind:        kind,
			Locator:     locator,
			ConnectedAt: now,
		}
		c := conn
		st.Conn = &c
		st.Sample = nil
	})
	if rejected {
		return model.Connection{}, fmt.Errorf("%w: gate %q", ErrAlreadyConnected, gateID)
	}

	e.metrics.RecordConnect(gateID)
	if e.logger != nil {
		attrs := []any{"gate_id", gateID, "generation", conn.Generation, "camera_type", kind, "connection_id", conn.ID}
		if replaced != nil {
			attrs = append(attrs, "replaced_generation", replaced.Generation)
		}
		e.logger.Info("camera connected", attrs...)
	}
	if replaced != nil {
		e.emitter.Emit(model.Event{Kind: model.EventDisconnected, Timestamp: now, GateID: gateID, Generation: replaced.Generation, Message: "replaced"})
	}
	e.emitter.Emit(model.Event{Kind: model.EventConnected, Timestamp: now, GateID: gateID, Generation: conn.Generation, SourceKind: kind, Locator: locator})
	return conn, nil
}

// Disconnect clears one gate, or every gate when target is model.DisconnectAll.
// It returns the connections that were cleared; clearing an idle gate is not an error.
func (e *Engine) Disconnect(target string) ([]model.Connection, error) {
	now := e.now()
	var cleared []model.Connection
	if target == model.DisconnectAll {
		e.reg.DoAll(func(_ model.Gate, st *registry.State) {
			if st.Conn != nil {
				cleared = append(cleared, *st.Conn)
			}
			st.Conn = nil
			st.Sample = nil
		})
	} else {
		slot, err := e.reg.Slot(target)
		if err != nil {
			return nil, err
		}
		slot.Do(func(_ model.Gate, st *registry.State) {
			if st.Conn != nil {
				cleared = append(cleared, *st.Conn)
			}
			st.Conn = nil
			st.Sample = nil
		})
	}
	for _, c := range cleared {
		if e.logger != nil {
			e.logger.Info("camera disconnected", "gate_id", c.GateID, "generation", c.Generation)
		}
		e.emitter.Emit(model.Event{Kind: model.EventDisconnected, Timestamp: now, GateID: c.GateID, Generation: c.Generation, SourceKind: c.Kind})
	}
	return cleared, nil
}

// Update stores a new occupancy sample. gen must match the gate's current
// generation; zero accepts whichever connection is current.
func (e *Engine) Update(gateID string, gen model.Generation, count int, frame string) error {
	slot, err := e.reg.Slot(gateID)
	if err != nil {
		return err
	}
	if count < 0 {
		return fmt.Errorf("%w: gate %q count %d", ErrNegativeCount, gateID, count)
	}
	now := e.now()

	var (
		stale     bool
		prev      model.GateStatus
		next      model.GateStatus
		current   model.Generation
		capacity  int
		recovered bool
	)
	slot.Do(func(g model.Gate, st *registry.State) {
		if st.Conn == nil || (gen != 0 && st.Conn.Generation != gen) {
			stale = true
			return
		}
		if e.beforeCommit != nil {
			e.beforeCommit(gateID)
		}
		prevCount := 0
		if st.Sample != nil {
			prevCount = st.Sample.Count
		}
		prev = classify.Gate(g, true, prevCount)
		st.Sample = &model.Sample{Count: count, Frame: frame, ObservedAt: now}
		if st.Conn.LastError != "" {
			c := *st.Conn
			c.LastError = ""
			st.Conn = &c
			recovered = true
		}
		next = classify.Gate(g, true, count)
		current = st.Conn.Generation
		capacity = g.Capacity
	})
	if stale {
		e.metrics.RecordStale(gateID)
		return fmt.Errorf("%w: gate %q generation %d", ErrNotConnected, gateID, gen)
	}

	e.metrics.RecordUpdate(gateID, count, now)
	if recovered && e.logger != nil {
		e.logger.Info("camera source recovered", "gate_id", gateID, "generation", current)
	}
	if next != prev {
		e.emitter.Emit(model.Event{Kind: model.EventStatusChanged, Timestamp: now, GateID: gateID, Generation: current, From: prev, To: next, Count: count})
		if next.Rank() > prev.Rank() && next != model.StatusNormal {
			e.raiseAlert(gateID, prev, next, count, capacity, now)
		}
	}
	return nil
}

// ReportError records a source failure on the current connection without
// disconnecting it. The last good sample stays visible.
func (e *Engine) ReportError(gateID string, gen model.Generation, message string) error {
	slot, err := e.reg.Slot(gateID)
	if err != nil {
		return err
	}
	if message == "" {
		message = "camera source error"
	}
	var (
		stale   bool
		current model.Generation
	)
	slot.Do(func(_ model.Gate, st *registry.State) {
		if st.Conn == nil || (gen != 0 && st.Conn.Generation != gen) {
			stale = true
			return
		}
		c := *st.Conn
		c.LastError = message
		st.Conn = &c
		current = c.Generation
	})
	if stale {
		e.metrics.RecordStale(gateID)
		return fmt.Errorf("%w: gate %q generation %d", ErrNotConnected, gateID, gen)
	}
	e.metrics.RecordError(gateID)

	now := e.now()
	key := fmt.Sprintf("%s|%d|%s", gateID, current, message)
	if e.deDupe.Load().Seen(key, now, e.config().Engine.ErrorDedupe.D()) {
		return nil
	}
	if e.logger != nil {
		e.logger.Warn("camera source error", "gate_id", gateID, "generation", current, "err", message)
	}
	e.emitter.Emit(model.Event{Kind: model.EventSourceError, Timestamp: now, GateID: gateID, Generation: current, Message: message})
	return nil
}

func (e *Engine) raiseAlert(gateID string, from, to model.GateStatus, count, capacity int, now time.Time) {
	if !e.cooldown.Load().Allow(gateID, to, now, e.config().Engine.AlertCooldown.D()) {
		return
	}
	severity := "high"
	if to == model.StatusOvercrowded {
		severity = "critical"
	}
	alert := model.Alert{
		ID:        uuid.NewString(),
		Timestamp: now,
		GateID:    gateID,
		Severity:  severity,
		From:      from,
		To:        to,
		Count:     count,
		Capacity:  capacity,
	}
	e.alerts.Add(alert)
	if e.logger != nil {
		e.logger.Warn("gate alert",
			"gate_id", gateID,
			"severity", severity,
			"status", to,
			"count", count,
			"capacity", capacity,
		)
	}
	e.emitter.Emit(model.Event{Kind: model.EventAlert, Timestamp: now, GateID: gateID, From: from, To: to, Count: count, Alert: &alert})
}

// Gate returns one gate's view.
func (e *Engine) Gate(gateID string) (model.GateView, error) {
	v, err := e.reg.Get(gateID)
	if err != nil {
		return model.GateView{}, err
	}
	return viewOf(v), nil
}

// Snapshot returns every gate in configuration order. Each entry is copied
// under its own gate lock; entries may be from slightly different instants.
func (e *Engine) Snapshot() []model.GateView {
	views := e.reg.Views()
	out := make([]model.GateView, 0, len(views))
	for _, v := range views {
		out = append(out, viewOf(v))
	}
	return out
}

func (e *Engine) SnapshotMap() map[string]model.GateView {
	snap := e.Snapshot()
	out := make(map[string]model.GateView, len(snap))
	for _, v := range snap {
		out[v.GateID] = v
	}
	return out
}

// Connections lists the active connections in configuration order.
func (e *Engine) Connections() []model.Connection {
	var out []model.Connection
	for _, v := range e.reg.Views() {
		if v.Conn != nil {
			out = append(out, *v.Conn)
		}
	}
	return out
}

// Reset disconnects every gate and forgets alert and error history.
func (e *Engine) Reset() {
	_, _ = e.Disconnect(model.DisconnectAll)
	e.cooldown.Store(NewCooldown())
	e.deDupe.Store(NewDedupeCache())
}

func viewOf(v registry.View) model.GateView {
	gv := model.GateView{
		GateID:     v.Gate.ID,
		CameraType: model.SourceWebcam,
	}
	if v.Conn != nil {
		gv.Connected = true
		gv.CameraType = v.Conn.Kind
		gv.IsMobile = v.Conn.Kind == model.SourceMobile
		gv.Error = v.Conn.LastError
		gv.Generation = v.Conn.Generation
	}
	if v.Sample != nil {
		gv.Count = v.Sample.Count
		gv.Frame = v.Sample.Frame
		ts := v.Sample.ObservedAt
		gv.ObservedAt = &ts
	}
	gv.Status = classify.Gate(v.Gate, gv.Connected, gv.Count)
	return gv
}
