package source

import (
	"sort"
	"strings"
	"sync"
	"time"

	"crowdgate/internal/model"
)

const DefaultDeviceName = "Mobile Device"

// MobileDevice is a phone stream registered for a gate.
type MobileDevice struct {
	GateID       string           `json:"gate_id"`
	StreamURL    string           `json:"stream_url"`
	DeviceName   string           `json:"device_name"`
	RegisteredAt time.Time        `json:"registered_at"`
	CameraType   model.SourceKind `json:"camera_type"`
}

// Devices is the mobile device registry, one entry per gate.
type Devices struct {
	mu     sync.RWMutex
	byGate map[string]MobileDevice
}

func NewDevices() *Devices {
	return &Devices{byGate: make(map[string]MobileDevice)}
}

func (d *Devices) Register(gateID, streamURL, name string) (MobileDevice, error) {
	if err := ValidateStreamURL(streamURL); err != nil {
		return MobileDevice{}, err
	}
	if strings.TrimSpace(name) == "" {
		name = DefaultDeviceName
	}
	dev := MobileDevice{
		GateID:       gateID,
		StreamURL:    strings.TrimSpace(streamURL),
		DeviceName:   name,
		RegisteredAt: time.Now().UTC(),
		CameraType:   model.SourceMobile,
	}
	d.mu.Lock()
	d.byGate[gateID] = dev
	d.mu.Unlock()
	return dev, nil
}

func (d *Devices) Get(gateID string) (MobileDevice, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.byGate[gateID]
	return dev, ok
}

func (d *Devices) DeviceName(gateID string) string {
	if dev, ok := d.Get(gateID); ok {
		return dev.DeviceName
	}
	return ""
}

func (d *Devices) List() map[string]MobileDevice {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]MobileDevice, len(d.byGate))
	for k, v := range d.byGate {
		out[k] = v
	}
	return out
}

func (d *Devices) GateIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.byGate))
	for k := range d.byGate {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (d *Devices) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byGate = make(map[string]MobileDevice)
}
