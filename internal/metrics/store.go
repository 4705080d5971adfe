package metrics

import (
	"sort"
	"sync"
	"time"

	"crowdgate/internal/model"
)

// Store keeps per-gate counters. The engine records after releasing the gate
// lock, so this mutex never extends a gate's critical section.
type Store struct {
	mu     sync.RWMutex
	byGate map[string]*model.GateMetrics
}

func NewStore() *Store {
	return &Store{byGate: make(map[string]*model.GateMetrics)}
}

func (s *Store) entry(gateID string) *model.GateMetrics {
	m, ok := s.byGate[gateID]
	if !ok {
		m = &model.GateMetrics{GateID: gateID}
		s.byGate[gateID] = m
	}
	return m
}

func (s *Store) RecordConnect(gateID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(gateID).Connects++
}

func (s *Store) RecordUpdate(gateID string, count int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.entry(gateID)
	m.Updates++
	m.LastCount = count
	m.LastUpdate = at
	if count > m.PeakCount {
		m.PeakCount = count
	}
}

func (s *Store) RecordStale(gateID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(gateID).StaleRejected++
}

func (s *Store) RecordError(gateID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(gateID).Errors++
}

func (s *Store) Get(gateID string) (model.GateMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byGate[gateID]
	if !ok {
		return model.GateMetrics{}, false
	}
	return *m, true
}

func (s *Store) GetAll() []model.GateMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.GateMetrics, 0, len(s.byGate))
	for _, m := range s.byGate {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GateID < out[j].GateID })
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byGate = make(map[string]*model.GateMetrics)
}
