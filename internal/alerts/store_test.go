package alerts

import (
	"testing"
	"time"

	"crowdgate/internal/model"
)

func TestStoreEvictsOldest(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Add(model.Alert{GateID: "A", Count: i})
	}
	list := s.List(0)
	if len(list) != 3 {
		t.Fatalf("len %d", len(list))
	}
	if list[0].Count != 2 || list[2].Count != 4 {
		t.Fatalf("unexpected order: %+v", list)
	}
	if last := s.List(1); len(last) != 1 || last[0].Count != 4 {
		t.Fatalf("list(1): %+v", last)
	}
}

func TestStoreSinceAndForGate(t *testing.T) {
	s := NewStore(10)
	base := time.Now().UTC()
	s.Add(model.Alert{GateID: "A", Timestamp: base.Add(-time.Minute)})
	s.Add(model.Alert{GateID: "B", Timestamp: base})
	s.Add(model.Alert{GateID: "A", Timestamp: base.Add(time.Second)})
	if got := s.Since(base); len(got) != 2 {
		t.Fatalf("since: %d", len(got))
	}
	if got := s.ForGate("A"); len(got) != 2 {
		t.Fatalf("for gate: %d", len(got))
	}
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("clear failed")
	}
}
