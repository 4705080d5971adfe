package idgen

import (
	"strings"
	"testing"
)

func TestConnectionFormat(t *testing.T) {
	id, err := Connection("A")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(id, "cam-A-") {
		t.Fatalf("prefix: %s", id)
	}
	if got := len(strings.TrimPrefix(id, "cam-A-")); got != Length {
		t.Fatalf("length %d", got)
	}
}

func TestConnectionUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id, err := Connection("B")
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
