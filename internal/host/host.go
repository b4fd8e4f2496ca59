// Package host implements the acting host's side of a session.
//
// The host accepts metadata connections, assigns each proposed op the next
// sequence number, appends it to the op log, and rebroadcasts it to every
// connected replica and every local subscriber. It also emits heartbeats,
// answers catch-up requests, and hands authority over when a device claims a
// higher epoch.
//
// Sequencing is a single critical section around assign + append +
// broadcast, so every replica sees ops in seq order with no gaps.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/lansync/internal/model"
	"github.com/roach88/lansync/internal/oplog"
	"github.com/roach88/lansync/internal/wire"
)

// Defaults applied by New when the Config field is zero.
const (
	DefaultHeartbeatInterval = 2500 * time.Millisecond
	DefaultSnapshotEvery     = 500
	DefaultCatchUpLimit      = 1000
)

// ErrNotHost is returned by Propose once the host has handed over authority.
var ErrNotHost = errors.New("not the acting host")

// Config holds the host's identity and tuning.
type Config struct {
	SessionID string
	HostID    string
	Epoch     uint64

	HeartbeatInterval time.Duration
	// SendQueue is the per-connection queue length in frames.
	SendQueue int
	// SnapshotEvery writes a snapshot after this many newly sequenced ops.
	// Negative disables snapshots.
	SnapshotEvery int
	// CatchUpLimit caps the ops returned per catch-up batch.
	CatchUpLimit int
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SendQueue <= 0 {
		c.SendQueue = wire.DefaultSendQueue
	}
	if c.SnapshotEvery == 0 {
		c.SnapshotEvery = DefaultSnapshotEvery
	}
	if c.CatchUpLimit <= 0 {
		c.CatchUpLimit = DefaultCatchUpLimit
	}
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
}

// Snapshotter provides the record set a snapshot is taken from.
// records.Store satisfies it.
type Snapshotter interface {
	All(ctx context.Context) ([]model.Unit, error)
}

// Subscriber receives every sequenced op in seq order. It is called inside
// the sequencer critical section and must not call back into the Host.
type Subscriber func(op model.Op)

// Host is the acting host of a session.
//
// Thread-safety: all exported methods are safe for concurrent use.
type Host struct {
	cfg  Config
	log  *oplog.Log
	snap Snapshotter

	// mu is the sequencer lock. It also guards the session set and the
	// per-session state, the subscriber list, and the retirement state.
	mu        sync.Mutex
	sessions  map[*session]struct{}
	subs      []Subscriber
	retired   *wire.HostHandoverMsg
	sinceSnap int

	ctx      context.Context
	cancel   context.CancelFunc
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a host over log. snap may be nil, which disables snapshots.
func New(cfg Config, log *oplog.Log, snap Snapshotter) *Host {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		cfg:      cfg,
		log:      log,
		snap:     snap,
		sessions: make(map[*session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SessionID returns the session this host serves.
func (h *Host) SessionID() string { return h.cfg.SessionID }

// HostID returns the host's device id.
func (h *Host) HostID() string { return h.cfg.HostID }

// Epoch returns the epoch this host sequences under.
func (h *Host) Epoch() uint64 { return h.cfg.Epoch }

// LatestSeq returns the highest sequenced seq.
func (h *Host) LatestSeq() uint64 { return h.log.LatestSeq() }

// Listen binds addr and starts accepting connections and emitting heartbeats.
func (h *Host) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("host listen: %w", err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	h.wg.Add(2)
	go h.acceptLoop(ln)
	go h.heartbeatLoop()

	slog.Info("host listening",
		"addr", ln.Addr().String(),
		"session_id", h.cfg.SessionID,
		"host_id", h.cfg.HostID,
		"epoch", h.cfg.Epoch,
	)
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (h *Host) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Port returns the bound TCP port, or 0 before Listen.
func (h *Host) Port() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return 0
	}
	return h.listener.Addr().(*net.TCPAddr).Port
}

// Subscribe registers fn for every op sequenced from now on.
func (h *Host) Subscribe(fn Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, fn)
}

// Sessions returns the number of connected replicas, caught up or not.
func (h *Host) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Retired reports whether the host has handed over, and to whom.
func (h *Host) Retired() (wire.HostHandoverMsg, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retired == nil {
		return wire.HostHandoverMsg{}, false
	}
	return *h.retired, true
}

// Close stops accepting, drops every connection, and waits for the
// host's goroutines to exit. The op log is not closed.
func (h *Host) Close() error {
	h.cancel()

	h.mu.Lock()
	ln := h.listener
	h.listener = nil
	sessions := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, s := range sessions {
		s.conn.Close()
	}
	h.wg.Wait()
	return err
}

// Propose sequences op, appends it to the log, and broadcasts it.
//
// A proposal whose opId is already in the log is not appended again; the
// stored op is returned with its original seq and is not rebroadcast.
// Returns ErrNotHost after a handover. If the append fails nothing is
// broadcast.
func (h *Host) Propose(ctx context.Context, op model.Op) (model.Op, error) {
	stamped, _, err := h.propose(ctx, op)
	return stamped, err
}

// propose is Propose plus whether the op was newly appended.
func (h *Host) propose(ctx context.Context, op model.Op) (model.Op, bool, error) {
	if err := op.Validate(); err != nil {
		return op, false, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.retired != nil {
		return op, false, ErrNotHost
	}

	before := h.log.LatestSeq()
	seq, err := h.log.AssignSeqAndAppend(ctx, &op, h.cfg.Epoch)
	if err != nil {
		slog.Error("op append failed", "op_id", op.OpID, "error", err)
		return op, false, err
	}
	if seq <= before {
		slog.Debug("duplicate proposal", "op_id", op.OpID, "seq", seq)
		return op, false, nil
	}

	h.broadcastLocked(op)
	h.maybeSnapshotLocked(ctx, seq)
	return op, true, nil
}

// broadcastLocked fans op out to local subscribers and every streaming
// session. Sends never block; a session whose queue is full is disconnected.
func (h *Host) broadcastLocked(op model.Op) {
	for _, fn := range h.subs {
		fn(op)
	}
	msg, err := wire.NewMessage(wire.MsgOpBroadcast, op)
	if err != nil {
		slog.Error("encode broadcast failed", "op_id", op.OpID, "error", err)
		return
	}
	for s := range h.sessions {
		if !s.streaming {
			continue
		}
		if err := s.conn.Send(msg); err != nil {
			slog.Warn("dropping replica", "remote", s.conn.RemoteAddr(), "device_id", s.deviceID, "error", err)
		}
	}
}

func (h *Host) maybeSnapshotLocked(ctx context.Context, seq uint64) {
	if h.snap == nil || h.cfg.SnapshotEvery < 0 {
		return
	}
	h.sinceSnap++
	if h.sinceSnap < h.cfg.SnapshotEvery {
		return
	}
	h.sinceSnap = 0

	units, err := h.snap.All(ctx)
	if err != nil {
		slog.Warn("snapshot read failed", "seq", seq, "error", err)
		return
	}
	if err := h.log.WriteSnapshot(ctx, units, seq); err != nil {
		slog.Warn("snapshot write failed", "seq", seq, "error", err)
		return
	}
	slog.Info("snapshot written", "seq", seq, "units", len(units))
}

// Handover retires the host in favour of newHostID at newEpoch and tells every
// replica. newEpoch must be greater than the host's epoch.
func (h *Host) Handover(newHostID string, newEpoch uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if newEpoch <= h.cfg.Epoch {
		return fmt.Errorf("handover to epoch %d: current epoch is %d", newEpoch, h.cfg.Epoch)
	}
	if h.retired != nil {
		return nil
	}
	ho := wire.HostHandoverMsg{NewHostID: newHostID, NewEpoch: newEpoch}
	h.retired = &ho

	msg, err := wire.NewMessage(wire.MsgHostHandover, ho)
	if err != nil {
		return err
	}
	for s := range h.sessions {
		s.conn.Send(msg)
	}
	slog.Info("host retired", "new_host_id", newHostID, "new_epoch", newEpoch, "old_epoch", h.cfg.Epoch)
	return nil
}

func (h *Host) heartbeatLoop() {
	defer h.wg.Done()
	t := time.NewTicker(h.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-t.C:
			h.heartbeat()
		}
	}
}

func (h *Host) heartbeat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retired != nil {
		return
	}
	msg, err := wire.NewMessage(wire.MsgHeartbeat, h.heartbeatMsg())
	if err != nil {
		return
	}
	for s := range h.sessions {
		if s.streaming {
			s.conn.Send(msg)
		}
	}
}

func (h *Host) heartbeatMsg() wire.HeartbeatMsg {
	return wire.HeartbeatMsg{
		SessionID: h.cfg.SessionID,
		Epoch:     h.cfg.Epoch,
		HostID:    h.cfg.HostID,
		LatestSeq: h.log.LatestSeq(),
		Time:      time.Now().UTC(),
	}
}
