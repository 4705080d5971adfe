package model

import "time"

// DisconnectAll is the gate id sentinel accepted by disconnect to clear every gate.
const DisconnectAll = "all"

type SourceKind string

const (
	SourceWebcam SourceKind = "webcam"
	SourceCCTV   SourceKind = "cctv"
	SourceMobile SourceKind = "mobile"
)

func ParseSourceKind(s string) (SourceKind, bool) {
	switch SourceKind(s) {
	case SourceWebcam, SourceCCTV, SourceMobile:
		return SourceKind(s), true
	case "":
		return SourceWebcam, true
	}
	return "", false
}

type GateStatus string

const (
	StatusDisconnected GateStatus = "disconnected"
	StatusNormal       GateStatus = "normal"
	StatusWarning      GateStatus = "warning"
	StatusOvercrowded  GateStatus = "overcrowded"
)

// Rank orders statuses by severity; disconnected ranks below normal.
func (s GateStatus) Rank() int {
	switch s {
	case StatusNormal:
		return 1
	case StatusWarning:
		return 2
	case StatusOvercrowded:
		return 3
	}
	return 0
}

// Generation identifies one camera binding. Zero is never issued.
type Generation uint64

type Gate struct {
	ID           string  `json:"id" yaml:"id" toml:"id"`
	Name         string  `json:"name" yaml:"name" toml:"name"`
	Position     string  `json:"position,omitempty" yaml:"position" toml:"position"`
	Capacity     int     `json:"capacity" yaml:"capacity" toml:"capacity"`
	WarningRatio float64 `json:"warning_ratio" yaml:"warning_ratio" toml:"warning_ratio"`
}

type Connection struct {
	GateID      string     `json:"gate_id"`
	ID          string     `json:"id"`
	Generation  Generation `json:"generation"`
	Kind        SourceKind `json:"camera_type"`
	Locator     string     `json:"camera_source"`
	ConnectedAt time.Time  `json:"connected_at"`
	LastError   string     `json:"error,omitempty"`
}

type Sample struct {
	Count      int       `json:"count"`
	Frame      string    `json:"frame,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// GateView is one gate's entry in a dashboard snapshot.
type GateView struct {
	GateID     string     `json:"-"`
	Connected  bool       `json:"connected"`
	Status     GateStatus `json:"status"`
	Count      int        `json:"count"`
	CameraType SourceKind `json:"camera_type"`
	IsMobile   bool       `json:"is_mobile"`
	Frame      string     `json:"frame,omitempty"`
	Error      string     `json:"error,omitempty"`
	DeviceName string     `json:"device_name,omitempty"`
	Generation Generation `json:"generation,omitempty"`
	ObservedAt *time.Time `json:"timestamp,omitempty"`
}

type Alert struct {
	ID        string     `json:"id"`
	Timestamp time.Time  `json:"timestamp"`
	GateID    string     `json:"gate_id"`
	Severity  string     `json:"severity"`
	From      GateStatus `json:"from"`
	To        GateStatus `json:"to"`
	Count     int        `json:"count"`
	Capacity  int        `json:"capacity"`
}

type EventKind string

const (
	EventConnected     EventKind = "connected"
	EventDisconnected  EventKind = "disconnected"
	EventStatusChanged EventKind = "status_changed"
	EventSourceError   EventKind = "source_error"
	EventAlert         EventKind = "alert"
)

// Event is an engine lifecycle record handed to persistence and publishing.
type Event struct {
	Kind       EventKind  `json:"kind"`
	Timestamp  time.Time  `json:"timestamp"`
	GateID     string     `json:"gate_id"`
	Generation Generation `json:"generation,omitempty"`
	SourceKind SourceKind `json:"camera_type,omitempty"`
	Locator    string     `json:"camera_source,omitempty"`
	From       GateStatus `json:"from,omitempty"`
	To         GateStatus `json:"to,omitempty"`
	Count      int        `json:"count,omitempty"`
	Message    string     `json:"message,omitempty"`
	Alert      *Alert     `json:"alert,omitempty"`
}

// Observation is one CameraSource report as carried by the ingest transports.
type Observation struct {
	GateID     string     `json:"gate_id"`
	Generation Generation `json:"generation,omitempty"`
	Count      *int       `json:"count,omitempty"`
	Frame      string     `json:"frame,omitempty"`
	Error      string     `json:"error,omitempty"`
	Source     string     `json:"-"`
}

type GateMetrics struct {
	GateID        string    `json:"gate_id"`
	Connects      int       `json:"connects"`
	Updates       int       `json:"updates"`
	StaleRejected int       `json:"stale_rejected"`
	Errors        int       `json:"errors"`
	PeakCount     int       `json:"peak_count"`
	LastCount     int       `json:"last_count"`
	LastUpdate    time.Time `json:"last_update"`
}
