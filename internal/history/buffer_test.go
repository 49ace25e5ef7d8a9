package history

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aispark/pdm-engine/internal/telemetry"
)

func reading(machineID string, seq int) telemetry.Reading {
	return telemetry.Reading{
		MachineID: machineID,
		Timestamp: time.Unix(int64(seq), 0).UTC(),
		SensorData: map[string]float64{
			"seq": float64(seq),
		},
	}
}

func TestBuffer_CapacityNeverExceeded(t *testing.T) {
	b := NewBuffer(100)
	for i := 0; i < 250; i++ {
		b.Append(reading("m1", i))
		if b.Len() > 100 {
			t.Fatalf("buffer exceeded capacity: len=%d after %d appends", b.Len(), i+1)
		}
	}
	if b.Len() != 100 {
		t.Fatalf("expected full buffer, got len=%d", b.Len())
	}
}

func TestBuffer_KeepsLastNInInsertionOrder(t *testing.T) {
	const n, k = 100, 37
	b := NewBuffer(n)
	for i := 0; i < n+k; i++ {
		b.Append(reading("m1", i))
	}
	snap := b.Snapshot()
	if len(snap) != n {
		t.Fatalf("expected %d readings, got %d", n, len(snap))
	}
	for i, r := range snap {
		want := float64(k + i)
		if got := r.SensorData["seq"]; got != want {
			t.Fatalf("position %d: expected seq %v, got %v", i, want, got)
		}
	}
}

func TestBuffer_LastReturnsNewestInOrder(t *testing.T) {
	b := NewBuffer(10)
	for i := 0; i < 25; i++ {
		b.Append(reading("m1", i))
	}
	last := b.Last(3)
	if len(last) != 3 {
		t.Fatalf("expected 3, got %d", len(last))
	}
	for i, want := range []float64{22, 23, 24} {
		if got := last[i].SensorData["seq"]; got != want {
			t.Fatalf("last[%d]: expected %v, got %v", i, want, got)
		}
	}
	// Asking for more than buffered returns what exists.
	if got := len(NewBuffer(10).Last(5)); got != 0 {
		t.Fatalf("empty buffer Last returned %d entries", got)
	}
}

func TestStore_IndependentMachines(t *testing.T) {
	s := NewStore(5)
	for i := 0; i < 7; i++ {
		s.Append(reading("m1", i))
	}
	s.Append(reading("m2", 0))

	if got := s.Len("m1"); got != 5 {
		t.Fatalf("m1 len = %d, want 5", got)
	}
	if got := s.Len("m2"); got != 1 {
		t.Fatalf("m2 len = %d, want 1", got)
	}
	if got := s.Len("unknown"); got != 0 {
		t.Fatalf("unknown machine len = %d, want 0", got)
	}
}

func TestStore_Reset(t *testing.T) {
	s := NewStore(5)
	s.Append(reading("m1", 0))
	s.Reset("m1")
	if got := s.Len("m1"); got != 0 {
		t.Fatalf("len after reset = %d, want 0", got)
	}
}

func TestStore_ConcurrentAppendAndSnapshot(t *testing.T) {
	s := NewStore(100)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id := fmt.Sprintf("m%d", g%4)
			for i := 0; i < 200; i++ {
				s.Append(reading(id, i))
				snap := s.Snapshot(id)
				if len(snap) > 100 {
					t.Errorf("snapshot larger than capacity: %d", len(snap))
					return
				}
			}
		}(g)
	}
	wg.Wait()
	for _, id := range s.Machines() {
		if got := s.Len(id); got != 100 {
			t.Fatalf("%s: len = %d, want 100", id, got)
		}
	}
}
