// Package registry holds the configured gates and the mutable connection
// state of each gate. Every gate owns its own lock so work on one gate
// never waits on another.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"crowdgate/internal/model"
)

var ErrUnknownGate = errors.New("unknown gate")

type ConfigError struct {
	GateID string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.GateID == "" {
		return "gate config: " + e.Reason
	}
	return fmt.Sprintf("gate config %q: %s", e.GateID, e.Reason)
}

// State is the mutable pair owned by one gate. Both pointers are replaced,
// never mutated in place, so copies handed out stay consistent.
type State struct {
	Conn   *model.Connection
	Sample *model.Sample
}

// View is a gate's configuration plus a copy of its state.
type View struct {
	Gate model.Gate
	State
}

type Slot struct {
	gate  model.Gate
	mu    sync.Mutex
	state State
}

func (s *Slot) Gate() model.Gate {
	return s.gate
}

// Do runs fn with the gate locked. fn must not block.
func (s *Slot) Do(fn func(g model.Gate, st *State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.gate, &s.state)
}

func (s *Slot) view() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{Gate: s.gate, State: s.state}
}

type Registry struct {
	order []string
	slots map[string]*Slot
	once  bool
}

func New() *Registry {
	return &Registry{slots: make(map[string]*Slot)}
}

// Configure installs the gate set. It may only succeed once.
func (r *Registry) Configure(gates []model.Gate) error {
	if r.once {
		return &ConfigError{Reason: "registry already configured"}
	}
	if len(gates) == 0 {
		return &ConfigError{Reason: "no gates configured"}
	}
	order := make([]string, 0, len(gates))
	slots := make(map[string]*Slot, len(gates))
	for _, g := range gates {
		id := strings.TrimSpace(g.ID)
		if id == "" {
			return &ConfigError{Reason: "gate id is empty"}
		}
		if id != g.ID {
			return &ConfigError{GateID: g.ID, Reason: "gate id has surrounding whitespace"}
		}
		if strings.EqualFold(id, model.DisconnectAll) {
			return &ConfigError{GateID: id, Reason: "gate id is reserved"}
		}
		if _, dup := slots[id]; dup {
			return &ConfigError{GateID: id, Reason: "duplicate gate id"}
		}
		if g.Capacity <= 0 {
			return &ConfigError{GateID: id, Reason: fmt.Sprintf("capacity must be > 0, got %d", g.Capacity)}
		}
		if g.WarningRatio <= 0 || g.WarningRatio > 1 {
			return &ConfigError{GateID: id, Reason: fmt.Sprintf("warning_ratio must be in (0,1], got %v", g.WarningRatio)}
		}
		if g.Name == "" {
			g.Name = "Gate " + id
		}
		order = append(order, id)
		slots[id] = &Slot{gate: g}
	}
	r.order = order
	r.slots = slots
	r.once = true
	return nil
}

func (r *Registry) Slot(id string) (*Slot, error) {
	s, ok := r.slots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGate, id)
	}
	return s, nil
}

func (r *Registry) Get(id string) (View, error) {
	s, err := r.Slot(id)
	if err != nil {
		return View{}, err
	}
	return s.view(), nil
}

// IDs returns gate ids in configuration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Gates() []model.Gate {
	out := make([]model.Gate, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.slots[id].gate)
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.order)
}

// DoAll locks every gate in configuration order, runs fn for each, then
// releases them all. Single-gate callers hold at most one lock, so the fixed
// order cannot deadlock.
func (r *Registry) DoAll(fn func(g model.Gate, st *State)) {
	for _, id := range r.order {
		r.slots[id].mu.Lock()
	}
	defer func() {
		for i := len(r.order) - 1; i >= 0; i-- {
			r.slots[r.order[i]].mu.Unlock()
		}
	}()
	for _, id := range r.order {
		s := r.slots[id]
		fn(s.gate, &s.state)
	}
}

// Views copies every gate, locking one gate at a time.
func (r *Registry) Views() []View {
	out := make([]View, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.slots[id].view())
	}
	return out
}
