package oplog

import "sync/atomic"

// seqCounter tracks the highest sequence number that has been durably
// appended. The next seq is always Current()+1; the counter moves only after
// the row carrying that seq is committed, so a failed insert leaves no gap.
//
// Thread-safety: reads are atomic. Callers serialize Advance with the append
// it follows.
type seqCounter struct {
	seq atomic.Uint64
}

// newSeqCounterAt creates a counter resuming from start.
func newSeqCounterAt(start uint64) *seqCounter {
	c := &seqCounter{}
	c.seq.Store(start)
	return c
}

// Next returns the seq the next append should use. It does not advance.
func (c *seqCounter) Next() uint64 {
	return c.seq.Load() + 1
}

// Current returns the highest committed seq, 0 if none.
func (c *seqCounter) Current() uint64 {
	return c.seq.Load()
}

// Advance records seq as committed.
func (c *seqCounter) Advance(seq uint64) {
	c.seq.Store(seq)
}
