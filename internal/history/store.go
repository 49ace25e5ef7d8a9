package history

import (
	"sync"

	"github.com/aispark/pdm-engine/internal/telemetry"
)

// Store owns one Buffer per machine_id. All history access goes through it;
// no ambient per-machine maps elsewhere. Appends for different machines never
// block each other: the store lock only guards the map, each buffer has its
// own lock.
type Store struct {
	mu       sync.RWMutex
	capacity int
	buffers  map[string]*Buffer
}

// NewStore creates a store whose buffers hold at most capacity readings each.
func NewStore(capacity int) *Store {
	return &Store{
		capacity: capacity,
		buffers:  make(map[string]*Buffer),
	}
}

// Append records a reading for its machine, creating the buffer on first use.
// Returns the buffer length after the append.
func (s *Store) Append(r telemetry.Reading) int {
	b := s.buffer(r.MachineID)
	b.Append(r)
	return b.Len()
}

// Len returns the number of buffered readings for a machine (0 if unknown).
func (s *Store) Len(machineID string) int {
	s.mu.RLock()
	b, ok := s.buffers[machineID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return b.Len()
}

// Snapshot returns a consistent copy of the machine's full history.
func (s *Store) Snapshot(machineID string) []telemetry.Reading {
	s.mu.RLock()
	b, ok := s.buffers[machineID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return b.Snapshot()
}

// Last returns the most recent k readings for a machine.
func (s *Store) Last(machineID string, k int) []telemetry.Reading {
	s.mu.RLock()
	b, ok := s.buffers[machineID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return b.Last(k)
}

// Machines lists the machine ids with buffered history.
func (s *Store) Machines() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.buffers))
	for id := range s.buffers {
		out = append(out, id)
	}
	return out
}

// Reset drops all buffered history for a machine.
func (s *Store) Reset(machineID string) {
	s.mu.Lock()
	delete(s.buffers, machineID)
	s.mu.Unlock()
}

func (s *Store) buffer(machineID string) *Buffer {
	s.mu.RLock()
	b, ok := s.buffers[machineID]
	s.mu.RUnlock()
	if ok {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buffers[machineID]; ok {
		return b
	}
	b = NewBuffer(s.capacity)
	s.buffers[machineID] = b
	return b
}
