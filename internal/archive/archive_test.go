package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"crowdgate/internal/model"
)

type fakeSource []model.GateView

func (f fakeSource) Snapshot() []model.GateView { return f }

type fakeAlerts []model.Alert

func (f fakeAlerts) List(int) []model.Alert { return f }

type failingDest struct{}

func (failingDest) Write(context.Context, string, []byte) error { return errors.New("bucket gone") }

func testSource() fakeSource {
	return fakeSource{
		{GateID: "A", Connected: true, Status: model.StatusWarning, Count: 170, CameraType: model.SourceCCTV, Frame: "aGVsbG8="},
		{GateID: "B", Status: model.StatusDisconnected, CameraType: model.SourceWebcam},
	}
}

func TestExportJSONL(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	alerts := fakeAlerts{{ID: "a-1", GateID: "A", Severity: "high", From: model.StatusNormal, To: model.StatusWarning, Count: 170, Capacity: 200}}
	var buf bytes.Buffer
	if err := ExportJSONL(testSource(), alerts, now, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	var lines []map[string]any
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(lines))
	}
	if lines[0]["type"] != "header" || lines[0]["gate_count"] != float64(2) || lines[0]["alert_count"] != float64(1) {
		t.Fatalf("header: %v", lines[0])
	}
	gate, _ := lines[1]["data"].(map[string]any)
	if lines[1]["type"] != "gate" || gate["gate_id"] != "A" || gate["count"] != float64(170) {
		t.Fatalf("gate line: %v", lines[1])
	}
	if _, ok := gate["frame"]; ok {
		t.Fatalf("frame should be dropped")
	}
	if lines[3]["type"] != "alert" {
		t.Fatalf("alert line: %v", lines[3])
	}
}

func TestObjectName(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 30, 5, 0, time.UTC)
	if got := ObjectName("crowdgate/", ts); got != "crowdgate/snapshot-20260301T123005Z.jsonl" {
		t.Fatalf("name: %q", got)
	}
}

func TestSchedulerOnceWritesDir(t *testing.T) {
	dir := t.TempDir()
	s := NewScheduler(testSource(), nil, []Destination{NewDirDestination(dir), failingDest{}}, time.Hour, "exports/", nil)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	if n := s.Once(context.Background()); n != 1 {
		t.Fatalf("written: %d", n)
	}
	data, err := os.ReadFile(filepath.Join(dir, "exports", "snapshot-20260301T120000Z.jsonl"))
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if bytes.Count(data, []byte("\n")) != 3 {
		t.Fatalf("unexpected export:\n%s", data)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	dir := t.TempDir()
	s := NewScheduler(testSource(), nil, []Destination{NewDirDestination(dir)}, 10*time.Millisecond, "", nil)
	var tick int
	s.now = func() time.Time {
		tick++
		return time.Date(2026, 3, 1, 12, 0, tick, 0, time.UTC)
	}
	s.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, _ := os.ReadDir(dir)
		if len(entries) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	entries, _ := os.ReadDir(dir)
	if len(entries) < 2 {
		t.Fatalf("expected periodic exports, got %d", len(entries))
	}
}
