package replicator

import "github.com/google/uuid"

// DefaultAppliedWindow is how many opIds the applied-set remembers.
const DefaultAppliedWindow = 65536

// position is where an applied op sits in the host's order. Zero seq means
// it was applied before the host sequenced it.
type position struct {
	epoch uint64
	seq   uint64
}

// appliedSet remembers the most recent opIds in insertion order. Once full,
// the oldest id is forgotten for each new one. Not safe for concurrent use;
// the Replicator mutex guards it.
type appliedSet struct {
	ids  map[uuid.UUID]position
	ring []uuid.UUID
	next int
}

func newAppliedSet(capacity int) *appliedSet {
	if capacity <= 0 {
		capacity = DefaultAppliedWindow
	}
	return &appliedSet{
		ids:  make(map[uuid.UUID]position, capacity),
		ring: make([]uuid.UUID, 0, capacity),
	}
}

func (s *appliedSet) contains(id uuid.UUID) bool {
	_, ok := s.ids[id]
	return ok
}

// add records id at pos. Adding an id already present only fills in the
// position of an op that has since been sequenced.
func (s *appliedSet) add(id uuid.UUID, pos position) {
	if old, ok := s.ids[id]; ok {
		if old.seq == 0 && pos.seq != 0 {
			s.ids[id] = pos
		}
		return
	}
	if len(s.ring) < cap(s.ring) {
		s.ring = append(s.ring, id)
		s.ids[id] = pos
		return
	}
	delete(s.ids, s.ring[s.next])
	s.ring[s.next] = id
	s.ids[id] = pos
	s.next = (s.next + 1) % len(s.ring)
}

// forgetAfter drops every id not covered by a snapshot at seq in epoch:
// unsequenced ops, ops from other epochs, and ops sequenced after seq.
// Returns how many were dropped.
func (s *appliedSet) forgetAfter(epoch, seq uint64) int {
	kept := make([]uuid.UUID, 0, cap(s.ring))
	n := len(s.ring)
	for i := 0; i < n; i++ {
		// Oldest first: once full, ring[next] is the oldest entry.
		id := s.ring[(s.next+i)%n]
		pos := s.ids[id]
		if pos.epoch == epoch && pos.seq != 0 && pos.seq <= seq {
			kept = append(kept, id)
			continue
		}
		delete(s.ids, id)
	}
	dropped := n - len(kept)
	s.ring = kept
	s.next = 0
	return dropped
}

func (s *appliedSet) len() int {
	return len(s.ids)
}
