// Package session wires the replication services into one device.
//
// A Manager owns the device's record store view, apply engine, lease table
// and blob services, and moves between three roles: idle, hosting a session,
// or joined to another device's session. Every local change goes through
// Propose, which applies it immediately and then hands it to the host.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/roach88/lansync/internal/blob"
	"github.com/roach88/lansync/internal/config"
	"github.com/roach88/lansync/internal/discovery"
	"github.com/roach88/lansync/internal/host"
	"github.com/roach88/lansync/internal/lease"
	"github.com/roach88/lansync/internal/model"
	"github.com/roach88/lansync/internal/oplog"
	"github.com/roach88/lansync/internal/records"
	"github.com/roach88/lansync/internal/replica"
	"github.com/roach88/lansync/internal/replicator"
)

// Role is what the device is doing in a session.
type Role int

const (
	Idle Role = iota
	Hosting
	Joined
)

func (r Role) String() string {
	switch r {
	case Idle:
		return "idle"
	case Hosting:
		return "hosting"
	case Joined:
		return "joined"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// MarshalText renders the role by name in JSON status output.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

var (
	// ErrNoSession is returned by Propose while idle.
	ErrNoSession = errors.New("not in a session")
	// ErrBusy is returned when hosting or joining while already in a session.
	ErrBusy = errors.New("already in a session")
)

// Manager is one device's session state.
//
// Thread-safety: all exported methods are safe for concurrent use.
type Manager struct {
	cfg        config.Config
	now        func() time.Time
	store      records.Store
	leases     *lease.Manager
	rep        *replicator.Replicator
	blobs      *blob.Store
	blobClient *blob.Client
	prefetch   *blob.Prefetcher
	authority  Authority
	advertiser discovery.Advertiser

	minRetry, maxRetry time.Duration

	mu        sync.Mutex
	role      Role
	sessionID string
	epoch     uint64
	secret    []byte

	// Hosting.
	log       *oplog.Log
	host      *host.Host
	blobSrv   *blob.Server
	unadverts func()

	// Joined.
	join     *JoinInfo
	replica  *replica.Replica
	outbox   *outbox
	stopJoin context.CancelFunc
	joinDone chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuthority replaces ManualAuthority.
func WithAuthority(a Authority) Option {
	return func(m *Manager) { m.authority = a }
}

// WithAdvertiser publishes hosted sessions, typically discovery.MDNS{}.
func WithAdvertiser(a discovery.Advertiser) Option {
	return func(m *Manager) { m.advertiser = a }
}

// WithClock sets the clock used for op timestamps and leases.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithReconnect sets the bounds of the rejoin backoff.
func WithReconnect(initial, max time.Duration) Option {
	return func(m *Manager) {
		m.minRetry = initial
		m.maxRetry = max
	}
}

// New creates an idle Manager for cfg.DeviceID over store and blobs. The
// Manager does not close store.
func New(cfg config.Config, store records.Store, blobs *blob.Store, opts ...Option) (*Manager, error) {
	cfg.ApplyDefaults()
	if cfg.DeviceID == "" {
		return nil, errors.New("session: device id is required")
	}
	m := &Manager{
		cfg:       cfg,
		now:       time.Now,
		store:     store,
		blobs:     blobs,
		authority: ManualAuthority{},
		minRetry:  250 * time.Millisecond,
		maxRetry:  10 * time.Second,
		outbox:    newOutbox(),
	}
	for _, o := range opts {
		o(m)
	}

	m.leases = lease.NewManager(lease.WithClock(m.now))
	m.rep = replicator.New(store, m.leases,
		replicator.WithClock(m.now),
		replicator.WithLeaseTTL(cfg.LeaseTTL),
		replicator.WithAppliedWindow(cfg.AppliedWindow),
		replicator.WithObserver(m.observe),
	)
	m.blobClient = blob.NewClient(blobs, blob.WithIOTimeout(cfg.BlobTimeout))
	m.prefetch = blob.NewPrefetcher(blobs, m.blobClient, m.blobSource, cfg.PrefetchWorkers, 0)
	return m, nil
}

// DeviceID returns this device's id.
func (m *Manager) DeviceID() string { return m.cfg.DeviceID }

// Records returns the local record store.
func (m *Manager) Records() records.Store { return m.store }

// Blobs returns the local blob store.
func (m *Manager) Blobs() *blob.Store { return m.blobs }

// observe queues a fetch for any blob an applied op references that is not
// yet local. Runs under the replicator lock.
func (m *Manager) observe(op model.Op, out replicator.Outcome) {
	if out != replicator.Applied || op.BlobHash == nil {
		return
	}
	switch op.Kind {
	case model.OpAttachImage, model.OpCreateUnit:
		if !m.blobs.Exists(*op.BlobHash) {
			m.prefetch.Request(*op.BlobHash)
		}
	}
}

// blobSource is where missing blobs are fetched from: the host's blob
// listener while joined, nothing otherwise.
func (m *Manager) blobSource() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role != Joined || m.join == nil {
		return ""
	}
	return m.join.BlobAddr()
}

// Status is a point-in-time view of the Manager.
type Status struct {
	Role      Role               `json:"role"`
	DeviceID  string             `json:"deviceID"`
	SessionID string             `json:"sessionID,omitempty"`
	Epoch     uint64             `json:"epoch"`
	LastSeq   uint64             `json:"lastSeq"`
	Applied   int                `json:"applied"`
	Pending   int                `json:"pending"`
	Leases    int                `json:"leases"`
	HostAddr  string             `json:"hostAddr,omitempty"`
	BlobAddr  string             `json:"blobAddr,omitempty"`
	Replicas  int                `json:"replicas,omitempty"`
	Retired   bool               `json:"retired,omitempty"`
	Replica   *replica.Status    `json:"replica,omitempty"`
	Prefetch  blob.PrefetchStats `json:"prefetch"`
}

// Status reports the Manager's current state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		Role:      m.role,
		DeviceID:  m.cfg.DeviceID,
		SessionID: m.sessionID,
		Epoch:     m.epoch,
		Pending:   m.outbox.len(),
	}
	h, r, j, srv := m.host, m.replica, m.join, m.blobSrv
	m.mu.Unlock()

	st.LastSeq = m.rep.LastSeq()
	st.Applied = m.rep.AppliedCount()
	st.Leases = m.leases.Len()
	st.Prefetch = m.prefetch.Stats()

	switch {
	case h != nil:
		st.HostAddr = h.Addr()
		st.Replicas = h.Sessions()
		_, st.Retired = h.Retired()
		if srv != nil {
			st.BlobAddr = srv.Addr()
		}
	case j != nil:
		st.HostAddr = j.MetaAddr()
		st.BlobAddr = j.BlobAddr()
		if r != nil {
			rs := r.Status()
			st.Replica = &rs
		}
	}
	return st
}

// Close leaves the session and stops every background service.
func (m *Manager) Close() error {
	m.leave()
	m.prefetch.Close()
	return nil
}

// leave stops whatever role the Manager is in and returns it to idle.
func (m *Manager) leave() {
	m.stopJoining()
	m.stopHosting()
	m.mu.Lock()
	m.role = Idle
	m.mu.Unlock()
}

// newBackOff returns the rejoin schedule. It never gives up on its own;
// the join context ends it.
func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.minRetry
	b.MaxInterval = m.maxRetry
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func newSessionID() string {
	return uuid.NewString()
}
