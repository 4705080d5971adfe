// Package archive periodically exports gate snapshots and recent alerts as
// JSONL to a directory or an S3-compatible bucket.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"crowdgate/internal/model"
)

// Source is the engine surface an export reads from.
type Source interface {
	Snapshot() []model.GateView
}

// AlertSource lists retained alerts, oldest first.
type AlertSource interface {
	List(limit int) []model.Alert
}

type header struct {
	Version    string    `json:"version"`
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	GateCount  int       `json:"gate_count"`
	AlertCount int       `json:"alert_count"`
}

type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type gateRecord struct {
	GateID string `json:"gate_id"`
	model.GateView
}

// ExportJSONL writes a header line, one line per gate in configuration order,
// then one line per alert. Frames are left out.
func ExportJSONL(src Source, alerts AlertSource, now time.Time, w io.Writer) error {
	gates := src.Snapshot()
	var list []model.Alert
	if alerts != nil {
		list = alerts.List(0)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(header{
		Version:    "1",
		Type:       "header",
		Timestamp:  now.UTC(),
		GateCount:  len(gates),
		AlertCount: len(list),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	for _, g := range gates {
		g.Frame = ""
		if err := enc.Encode(record{Type: "gate", Data: gateRecord{GateID: g.GateID, GateView: g}}); err != nil {
			return fmt.Errorf("encode gate %s: %w", g.GateID, err)
		}
	}
	for _, a := range list {
		if err := enc.Encode(record{Type: "alert", Data: a}); err != nil {
			return fmt.Errorf("encode alert %s: %w", a.ID, err)
		}
	}
	return nil
}

// ObjectName is the file or object key for an export taken at ts.
func ObjectName(prefix string, ts time.Time) string {
	return prefix + "snapshot-" + ts.UTC().Format("20060102T150405Z") + ".jsonl"
}
