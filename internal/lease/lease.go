// Package lease tracks short-lived exclusive claims on records.
//
// Leases are local to one node and are never replicated. Two nodes that each
// claim the same record optimistically both hold a lease, and each then skips
// the other's sequenced claim, so the holder and the record's lastEditor stay
// different per node until a later write on the record.
package lease

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lease is an exclusive claim on a record until ExpiresAt.
type Lease struct {
	RecordID  uuid.UUID `json:"recordID"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Manager holds at most one lease per record. Expiry is lazy: an expired lease
// is purged the next time it is looked at.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	leases map[uuid.UUID]Lease
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an empty lease table.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		leases: make(map[uuid.UUID]Lease),
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Now returns the time leases are measured against.
func (m *Manager) Now() time.Time {
	return m.now()
}

// Grant installs or replaces the lease on recordID.
func (m *Manager) Grant(recordID uuid.UUID, owner string, ttl time.Duration) Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := Lease{RecordID: recordID, Owner: owner, ExpiresAt: m.now().Add(ttl)}
	m.leases[recordID] = l
	return l
}

// TryGrant grants the lease if no other owner holds a live one. A live lease
// already held by owner is renewed. Returns the lease in force afterwards and
// whether owner holds it.
func (m *Manager) TryGrant(recordID uuid.UUID, owner string, ttl time.Duration) (Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.liveLocked(recordID, now); ok && cur.Owner != owner {
		return cur, false
	}
	l := Lease{RecordID: recordID, Owner: owner, ExpiresAt: now.Add(ttl)}
	m.leases[recordID] = l
	return l, true
}

// Revoke removes any lease on recordID.
func (m *Manager) Revoke(recordID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, recordID)
}

// IsActive reports whether a live lease exists on recordID.
func (m *Manager) IsActive(recordID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.liveLocked(recordID, m.now())
	return ok
}

// Get returns the live lease on recordID, if any.
func (m *Manager) Get(recordID uuid.UUID) (Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked(recordID, m.now())
}

// Len returns the number of live leases. Expired ones are purged.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id := range m.leases {
		m.liveLocked(id, now)
	}
	return len(m.leases)
}

// liveLocked returns the lease if unexpired, deleting it otherwise.
// A lease is live while now < ExpiresAt.
func (m *Manager) liveLocked(recordID uuid.UUID, now time.Time) (Lease, bool) {
	l, ok := m.leases[recordID]
	if !ok {
		return Lease{}, false
	}
	if !now.Before(l.ExpiresAt) {
		delete(m.leases, recordID)
		return Lease{}, false
	}
	return l, true
}
