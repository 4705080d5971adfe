package events

import (
	"context"

	"crowdgate/internal/model"
)

// Subject suffixes appended to the configured prefix.
const (
	SubjectGateConnected     = "gate.connected"
	SubjectGateDisconnected  = "gate.disconnected"
	SubjectGateStatusChanged = "gate.status_changed"
	SubjectGateSourceError   = "gate.source_error"
	SubjectAlert             = "alert"
)

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, subject string, event any) error
	Close() error
}

// Subject maps an engine event to its full subject under prefix.
func Subject(prefix string, kind model.EventKind) string {
	if prefix == "" {
		prefix = "crowdgate"
	}
	var suffix string
	switch kind {
	case model.EventConnected:
		suffix = SubjectGateConnected
	case model.EventDisconnected:
		suffix = SubjectGateDisconnected
	case model.EventStatusChanged:
		suffix = SubjectGateStatusChanged
	case model.EventSourceError:
		suffix = SubjectGateSourceError
	case model.EventAlert:
		suffix = SubjectAlert
	default:
		suffix = "gate." + string(kind)
	}
	return prefix + "." + suffix
}
