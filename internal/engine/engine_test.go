package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"crowdgate/internal/alerts"
	"crowdgate/internal/config"
	"crowdgate/internal/metrics"
	"crowdgate/internal/model"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recordingEmitter) Emit(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) kinds(kind model.EventKind) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Engine.AlertCooldown = 0
	cfg.Engine.ErrorDedupe = 0
	return cfg
}

func newEngineForTest(t *testing.T, cfg *config.Config) (*Engine, *recordingEmitter) {
	t.Helper()
	em := &recordingEmitter{}
	eng, err := NewEngine(cfg, nil, metrics.NewStore(), alerts.NewStore(100), em)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng, em
}

func mustConnect(t *testing.T, eng *Engine, gateID string) model.Connection {
	t.Helper()
	conn, err := eng.Connect(gateID, model.SourceWebcam, "0", false)
	if err != nil {
		t.Fatalf("connect %s: %v", gateID, err)
	}
	return conn
}

func mustGate(t *testing.T, eng *Engine, gateID string) model.GateView {
	t.Helper()
	v, err := eng.Gate(gateID)
	if err != nil {
		t.Fatalf("gate %s: %v", gateID, err)
	}
	return v
}

func TestNewEngineRejectsBadGates(t *testing.T) {
	cfg := testConfig()
	cfg.Gates = []model.Gate{{ID: "A", Capacity: 0, WarningRatio: 0.8}}
	if _, err := NewEngine(cfg, nil, nil, nil, nil); err == nil {
		t.Fatalf("expected config error")
	}
}

func TestInitialSnapshotDisconnected(t *testing.T) {
	eng, _ := newEngineForTest(t, testConfig())
	snap := eng.Snapshot()
	if len(snap) != 6 {
		t.Fatalf("gates: %d", len(snap))
	}
	for i, id := range []string{"A", "B", "C", "D", "E", "F"} {
		v := snap[i]
		if v.GateID != id || v.Connected || v.Status != model.StatusDisconnected || v.Count != 0 {
			t.Fatalf("unexpected initial view: %+v", v)
		}
	}
}

func TestStatusRecomputedEachUpdate(t *testing.T) {
	eng, _ := newEngineForTest(t, testConfig())
	conn := mustConnect(t, eng, "A")
	steps := []struct {
		count int
		want  model.GateStatus
	}{
		{150, model.StatusNormal},
		{160, model.StatusWarning},
		{200, model.StatusOvercrowded},
		{0, model.StatusNormal},
	}
	for _, s := range steps {
		if err := eng.Update("A", conn.Generation, s.count, ""); err != nil {
			t.Fatalf("update %d: %v", s.count, err)
		}
		v := mustGate(t, eng, "A")
		if v.Status != s.want || v.Count != s.count {
			t.Fatalf("count %d: got %s/%d want %s", s.count, v.Status, v.Count, s.want)
		}
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	eng, _ := newEngineForTest(t, testConfig())
	conn := mustConnect(t, eng, "B")
	_ = eng.Update("B", conn.Generation, 42, "data:image/jpeg;base64,AAAA")
	for i := 0; i < 2; i++ {
		if _, err := eng.Disconnect("B"); err != nil {
			t.Fatalf("disconnect %d: %v", i, err)
		}
		v := mustGate(t, eng, "B")
		if v.Connected || v.Count != 0 || v.Frame != "" || v.Status != model.StatusDisconnected || v.ObservedAt != nil {
			t.Fatalf("after disconnect %d: %+v", i, v)
		}
	}
}

func TestGenerationIsolation(t *testing.T) {
	eng, _ := newEngineForTest(t, testConfig())
	first := mustConnect(t, eng, "C")
	if err := eng.Update("C", first.Generation, 5, ""); err != nil {
		t.Fatalf("update gen1: %v", err)
	}
	if _, err := eng.Disconnect("C"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	second, err := eng.Connect("C", model.SourceCCTV, "rtsp://cam/2", false)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if second.Generation == first.Generation {
		t.Fatalf("generation reused")
	}
	if err := eng.Update("C", second.Generation, 12, ""); err != nil {
		t.Fatalf("update gen2: %v", err)
	}
	err = eng.Update("C", first.Generation, 99, "")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected for stale update, got %v", err)
	}
	v := mustGate(t, eng, "C")
	if v.Count != 12 || v.Generation != second.Generation || v.CameraType != model.SourceCCTV {
		t.Fatalf("stale update leaked: %+v", v)
	}
	if err := eng.ReportError("C", first.Generation, "late failure"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected stale error report rejected, got %v", err)
	}
	if m, _ := eng.metrics.Get("C"); m.StaleRejected != 2 {
		t.Fatalf("stale counter: %+v", m)
	}
}

func TestUpdateAfterDisconnectRejected(t *testing.T) {
	eng, _ := newEngineForTest(t, testConfig())
	conn := mustConnect(t, eng, "D")
	_, _ = eng.Disconnect("D")
	if err := eng.Update("D", conn.Generation, 3, ""); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := eng.Update("D", 0, 3, ""); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected for untagged update, got %v", err)
	}
	if v := mustGate(t, eng, "D"); v.Connected {
		t.Fatalf("late update resurrected connection")
	}
}

func TestUntaggedUpdateFollowsCurrentConnection(t *testing.T) {
	eng, _ := newEngineForTest(t, testConfig())
	mustConnect(t, eng, "E")
	if err := eng.Update("E", 0, 7, ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	if v := mustGate(t, eng, "E"); v.Count != 7 {
		t.Fatalf("count: %d", v.Count)
	}
}

func TestDisconnectAll(t *testing.T) {
	eng, em := newEngineForTest(t, testConfig())
	for _, id := range []string{"A", "B", "D", "F"} {
		c := mustConnect(t, eng, id)
		_ = eng.Update(id, c.Generation, 100, "")
	}
	cleared, err := eng.Disconnect(model.DisconnectAll)
	if err != nil {
		t.Fatalf("disconnect all: %v", err)
	}
	if len(cleared) != 4 {
		t.Fatalf("cleared %d", len(cleared))
	}
	for _, v := range eng.Snapshot() {
		if v.Connected || v.Count != 0 {
			t.Fatalf("gate %s still connected: %+v", v.GateID, v)
		}
	}
	if got := len(em.kinds(model.EventDisconnected)); got != 4 {
		t.Fatalf("disconnect events: %d", got)
	}
	again, _ := eng.Disconnect(model.DisconnectAll)
	if len(again) != 0 {
		t.Fatalf("second disconnect-all cleared %d", len(again))
	}
}

func TestUnknownGateLeavesStateUnchanged(t *testing.T) {
	eng, _ := newEngineForTest(t, testConfig())
	before := eng.Snapshot()
	if err := eng.Update("Z", 0, 10, ""); !errors.Is(err, ErrUnknownGate) {
		t.Fatalf("expected ErrUnknownGate, got %v", err)
	}
	if _, err := eng.Connect("Z", model.SourceWebcam, "0", false); !errors.Is(err, ErrUnknownGate) {
		t.Fatalf("connect: expected ErrUnknownGate, got %v", err)
	}
	if _, err := eng.Disconnect("Z"); !errors.Is(err, ErrUnknownGate) {
		t.Fatalf("disconnect: expected ErrUnknownGate, got %v", err)
	}
	if err := eng.ReportError("", 0, "x"); !errors.Is(err, ErrUnknownGate) {
		t.Fatalf("report: expected ErrUnknownGate, got %v", err)
	}
	after := eng.Snapshot()
	if len(after) != len(before) || eng.Registry().Len() != 6 {
		t.Fatalf("registry changed")
	}
	if _, ok := eng.metrics.Get("Z"); ok {
		t.Fatalf("metrics entry created for unknown gate")
	}
}

func TestNegativeCountRejected(t *testing.T) {
	eng, _ := newEngineForTest(t, testConfig())
	c := mustConnect(t, eng, "A")
	if err := eng.Update("A", c.Generation, -1, ""); !errors.Is(err, ErrNegativeCount) {
		t.Fatalf("expected ErrNegativeCount, got %v", err)
	}
}

func TestReconnectClearsSampleAndError(t *testing.T) {
	eng, em := newEngineForTest(t, testConfig())
	first := mustConnect(t, eng, "A")
	_ = eng.Update("A", first.Generation, 180, "frame1")
	_ = eng.ReportError("A", first.Generation, "read timeout")
	second, err := eng.Connect("A", model.SourceMobile, "http://phone:8080/video", false)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	v := mustGate(t, eng, "A")
	if v.Count != 0 || v.Error != "" || v.Frame != "" || !v.IsMobile || v.Generation != second.Generation {
		t.Fatalf("reconnect kept stale state: %+v", v)
	}
	if len(em.kinds(model.EventConnected)) != 2 {
		t.Fatalf("expected two connect events")
	}
}

func TestRejectReconnectPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.RejectReconnect = true
	eng, _ := newEngineForTest(t, cfg)
	mustConnect(t, eng, "A")
	if _, err := eng.Connect("A", model.SourceWebcam, "1", false); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	if _, err := eng.Connect("A", model.SourceWebcam, "1", true); err != nil {
		t.Fatalf("forced reconnect: %v", err)
	}
}

func TestReportErrorKeepsLastSample(t *testing.T) {
	eng, em := newEngineForTest(t, testConfig())
	c := mustConnect(t, eng, "A")
	_ = eng.Update("A", c.Generation, 170, "")
	if err := eng.ReportError("A", c.Generation, "frame read failed"); err != nil {
		t.Fatalf("report: %v", err)
	}
	v := mustGate(t, eng, "A")
	if !v.Connected || v.Count != 170 || v.Status != model.StatusWarning || v.Error != "frame read failed" {
		t.Fatalf("unexpected view: %+v", v)
	}
	if len(em.kinds(model.EventSourceError)) != 1 {
		t.Fatalf("expected source error event")
	}
	_ = eng.Update("A", c.Generation, 20, "")
	if v := mustGate(t, eng, "A"); v.Error != "" {
		t.Fatalf("error not cleared by fresh sample: %q", v.Error)
	}
}

func TestReportErrorDedupe(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.ErrorDedupe = config.Duration(time.Minute)
	eng, em := newEngineForTest(t, cfg)
	c := mustConnect(t, eng, "B")
	for i := 0; i < 5; i++ {
		_ = eng.ReportError("B", c.Generation, "timeout")
	}
	if got := len(em.kinds(model.EventSourceError)); got != 1 {
		t.Fatalf("source error events: %d", got)
	}
	if m, _ := eng.metrics.Get("B"); m.Errors != 5 {
		t.Fatalf("error counter: %d", m.Errors)
	}
}

func TestAlertsOnEscalation(t *testing.T) {
	eng, em := newEngineForTest(t, testConfig())
	c := mustConnect(t, eng, "A")
	for _, n := range []int{150, 165, 210, 0, 205} {
		_ = eng.Update("A", c.Generation, n, "")
	}
	list := eng.alerts.List(0)
	if len(list) != 3 {
		t.Fatalf("alerts: %+v", list)
	}
	if list[0].To != model.StatusWarning || list[0].Severity != "high" {
		t.Fatalf("first alert: %+v", list[0])
	}
	if list[1].To != model.StatusOvercrowded || list[1].Severity != "critical" || list[1].From != model.StatusWarning {
		t.Fatalf("second alert: %+v", list[1])
	}
	if list[2].From != model.StatusNormal || list[2].To != model.StatusOvercrowded {
		t.Fatalf("third alert: %+v", list[2])
	}
	if got := len(em.kinds(model.EventStatusChanged)); got != 4 {
		t.Fatalf("status changes: %d", got)
	}
}

func TestAlertCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.AlertCooldown = config.Duration(time.Hour)
	eng, _ := newEngineForTest(t, cfg)
	c := mustConnect(t, eng, "A")
	for _, n := range []int{210, 0, 210, 0, 210} {
		_ = eng.Update("A", c.Generation, n, "")
	}
	if got := len(eng.alerts.List(0)); got != 1 {
		t.Fatalf("alerts: %d", got)
	}
}

func TestUpdateConfigKeepsGates(t *testing.T) {
	eng, _ := newEngineForTest(t, testConfig())
	next := testConfig()
	next.Gates = []model.Gate{{ID: "Q", Capacity: 5, WarningRatio: 0.5}}
	next.Engine.AlertCooldown = config.Duration(time.Second)
	eng.UpdateConfig(next)
	got := eng.config()
	if got.Engine.AlertCooldown.D() != time.Second {
		t.Fatalf("cooldown not applied")
	}
	if len(got.Gates) != 6 {
		t.Fatalf("gates replaced on reload")
	}
}

func TestCrossGateUpdatesDoNotBlock(t *testing.T) {
	eng, _ := newEngineForTest(t, testConfig())
	const slow = 300 * time.Millisecond
	eng.beforeCommit = func(gateID string) {
		if gateID == "A" {
			time.Sleep(slow)
		}
	}
	gens := map[string]model.Generation{}
	for _, id := range eng.Registry().IDs() {
		gens[id] = mustConnect(t, eng, id).Generation
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	durations := map[string]time.Duration{}
	start := time.Now()
	for _, id := range eng.Registry().IDs() {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if id != "A" {
				time.Sleep(20 * time.Millisecond)
			}
			t0 := time.Now()
			if err := eng.Update(id, gens[id], 10, ""); err != nil {
				t.Errorf("update %s: %v", id, err)
			}
			mu.Lock()
			durations[id] = time.Since(t0)
			mu.Unlock()
		}()
	}
	wg.Wait()
	total := time.Since(start)

	if durations["A"] < slow {
		t.Fatalf("slow gate finished too fast: %s", durations["A"])
	}
	for id, d := range durations {
		if id != "A" && d > slow/3 {
			t.Fatalf("gate %s blocked behind slow gate: %s", id, d)
		}
	}
	if total > 2*slow {
		t.Fatalf("updates serialized: total %s", total)
	}
}

func TestConcurrentRaceNeverTears(t *testing.T) {
	eng, _ := newEngineForTest(t, testConfig())
	stop := make(chan struct{})
	var wg sync.WaitGroup
	ids := eng.Registry().IDs()

	for w := 0; w < 4; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				id := ids[(i+w)%len(ids)]
				switch i % 5 {
				case 0:
					_, _ = eng.Connect(id, model.SourceCCTV, fmt.Sprintf("rtsp://cam/%d", i), false)
				case 1, 2:
					_ = eng.Update(id, 0, i%400, "frame")
				case 3:
					_ = eng.ReportError(id, 0, "glitch")
				case 4:
					if i%20 == 4 {
						_, _ = eng.Disconnect(model.DisconnectAll)
					} else {
						_, _ = eng.Disconnect(id)
					}
				}
			}
		}()
	}

	deadline := time.After(300 * time.Millisecond)
loop:
	for {
		select {
		case <-deadline:
			break loop
		default:
		}
		for _, v := range eng.Snapshot() {
			if !v.Connected && (v.Count != 0 || v.Frame != "" || v.Error != "" || v.Generation != 0) {
				close(stop)
				wg.Wait()
				t.Fatalf("torn view: %+v", v)
			}
			if v.Connected && v.Generation == 0 {
				close(stop)
				wg.Wait()
				t.Fatalf("connected view without generation: %+v", v)
			}
		}
	}
	close(stop)
	wg.Wait()
}

func TestReset(t *testing.T) {
	eng, _ := newEngineForTest(t, testConfig())
	mustConnect(t, eng, "A")
	mustConnect(t, eng, "B")
	eng.Reset()
	if len(eng.Connections()) != 0 {
		t.Fatalf("connections remain after reset")
	}
}
