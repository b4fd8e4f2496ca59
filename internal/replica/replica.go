// Package replica implements a non-host device's side of a session.
//
// A replica connects to the host, introduces itself with hello, asks for
// every op it has not yet seen, and then applies whatever the host
// broadcasts. Proposals are fire-and-forget: the caller has already applied
// the op locally and the host's broadcast of the same opId reconciles.
package replica

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/roach88/lansync/internal/model"
	"github.com/roach88/lansync/internal/replicator"
	"github.com/roach88/lansync/internal/wire"
)

// Applier is the apply engine a replica feeds. *replicator.Replicator
// satisfies it.
type Applier interface {
	Apply(ctx context.Context, op model.Op) (replicator.Outcome, error)
	LoadSnapshot(ctx context.Context, snap model.Snapshot, epoch uint64) error
	LastSeq() uint64
	LastEpoch() uint64
}

// Config identifies the replica to the host.
type Config struct {
	DeviceID    string
	DisplayName string
	SessionID   string
	// EpochSeen is the newest epoch this device knows of.
	EpochSeen uint64
	// QueueSize is the send queue length in frames.
	QueueSize int
	// CatchUpLimit is the page size asked for; the host may cap it.
	CatchUpLimit int
	DialTimeout  time.Duration
}

// Status is what the replica has observed about its host. It is for
// monitoring only and drives no corrective action. CaughtUp is set once a
// catch-up batch reached the host's latest seq.
type Status struct {
	Connected     bool                  `json:"connected"`
	CaughtUp      bool                  `json:"caughtUp"`
	HostID        string                `json:"hostID,omitempty"`
	Epoch         uint64                `json:"epoch"`
	LatestSeq     uint64                `json:"latestSeq"`
	LastHeartbeat time.Time             `json:"lastHeartbeat,omitempty"`
	Handover      *wire.HostHandoverMsg `json:"handover,omitempty"`
	LastError     *wire.ErrorMsg        `json:"lastError,omitempty"`
}

// Replica is one connection to a host.
type Replica struct {
	cfg     Config
	applier Applier
	conn    *wire.Conn

	mu     sync.Mutex
	status Status
}

// Connect dials the host at addr, sends hello and a catch-up request, and
// returns a Replica ready for Run.
func Connect(ctx context.Context, addr string, cfg Config, applier Applier) (*Replica, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to host %s: %w", addr, err)
	}

	r := &Replica{
		cfg:     cfg,
		applier: applier,
		conn:    wire.NewConn(nc, cfg.QueueSize),
		status:  Status{Connected: true, Epoch: cfg.EpochSeen},
	}

	hello := wire.HelloMsg{
		SessionID:       cfg.SessionID,
		DeviceID:        cfg.DeviceID,
		EpochSeen:       cfg.EpochSeen,
		UserDisplayName: cfg.DisplayName,
	}
	if err := r.send(wire.MsgHello, hello); err != nil {
		r.conn.Close()
		return nil, err
	}

	from := applier.LastSeq()
	if cfg.EpochSeen > applier.LastEpoch() {
		// Seqs from an older epoch say nothing about this host's log.
		from = 0
	}
	if err := r.requestCatchUp(from); err != nil {
		r.conn.Close()
		return nil, err
	}

	slog.Info("connected to host", "addr", addr, "device_id", cfg.DeviceID, "from_seq", from)
	return r, nil
}

// Run processes host messages until the connection ends or ctx is done.
// Returns nil on a clean disconnect.
func (r *Replica) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { r.conn.Close() })
	defer stop()

	err := r.conn.Serve(func(m wire.Message) error { return r.handle(ctx, m) })

	r.mu.Lock()
	r.status.Connected = false
	r.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Propose sends op to the host without waiting for acknowledgment.
func (r *Replica) Propose(op model.Op) error {
	return r.send(wire.MsgOpPropose, op)
}

// ClaimHost asks the host to hand over to candidateID at newEpoch.
func (r *Replica) ClaimHost(candidateID string, newEpoch uint64) error {
	return r.send(wire.MsgHostClaim, wire.HostClaimMsg{CandidateHostID: candidateID, NewEpoch: newEpoch})
}

// Status returns a copy of the observed host state.
func (r *Replica) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Done is closed when the connection ends.
func (r *Replica) Done() <-chan struct{} {
	return r.conn.Done()
}

// Close disconnects from the host.
func (r *Replica) Close() error {
	return r.conn.Close()
}

func (r *Replica) send(typ wire.MsgType, v any) error {
	m, err := wire.NewMessage(typ, v)
	if err != nil {
		return err
	}
	if err := r.conn.Send(m); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

func (r *Replica) requestCatchUp(from uint64) error {
	return r.send(wire.MsgCatchUpRequest, wire.CatchUpRequest{FromSeq: from, Limit: r.cfg.CatchUpLimit})
}

func (r *Replica) epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.Epoch
}

func (r *Replica) observeEpoch(epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch > r.status.Epoch {
		r.status.Epoch = epoch
	}
}

func (r *Replica) handle(ctx context.Context, m wire.Message) error {
	switch m.Type {
	case wire.MsgHeartbeat:
		var hb wire.HeartbeatMsg
		if err := m.Unmarshal(&hb); err != nil {
			return err
		}
		r.mu.Lock()
		if hb.Epoch > r.status.Epoch {
			r.status.Epoch = hb.Epoch
		}
		r.status.HostID = hb.HostID
		r.status.LatestSeq = hb.LatestSeq
		r.status.LastHeartbeat = hb.Time
		r.mu.Unlock()
		return nil

	case wire.MsgOpBroadcast, wire.MsgOpAccept:
		var op model.Op
		if err := m.Unmarshal(&op); err != nil {
			return err
		}
		return r.apply(ctx, op)

	case wire.MsgSnapshot:
		var snap model.Snapshot
		if err := m.Unmarshal(&snap); err != nil {
			return err
		}
		if err := r.applier.LoadSnapshot(ctx, snap, r.epoch()); err != nil {
			slog.Error("snapshot load failed", "seq", snap.Seq, "error", err)
			return fmt.Errorf("load snapshot at seq %d: %w", snap.Seq, err)
		}
		return nil

	case wire.MsgCatchUpBatch:
		var batch wire.CatchUpBatch
		if err := m.Unmarshal(&batch); err != nil {
			return err
		}
		r.observeEpoch(batch.Epoch)
		var last uint64
		for _, op := range batch.Ops {
			if err := r.apply(ctx, op); err != nil {
				return err
			}
			last = op.SeqOrZero()
		}
		slog.Debug("catch-up batch applied", "ops", len(batch.Ops), "latest_seq", batch.LatestSeq)
		if len(batch.Ops) > 0 && last < batch.LatestSeq {
			return r.requestCatchUp(last)
		}
		r.mu.Lock()
		r.status.CaughtUp = true
		if batch.LatestSeq > r.status.LatestSeq {
			r.status.LatestSeq = batch.LatestSeq
		}
		r.mu.Unlock()
		return nil

	case wire.MsgHostHandover:
		var ho wire.HostHandoverMsg
		if err := m.Unmarshal(&ho); err != nil {
			return err
		}
		r.mu.Lock()
		r.status.Handover = &ho
		r.mu.Unlock()
		slog.Info("host handed over", "new_host_id", ho.NewHostID, "new_epoch", ho.NewEpoch)
		return nil

	case wire.MsgError:
		var e wire.ErrorMsg
		if err := m.Unmarshal(&e); err != nil {
			return err
		}
		r.mu.Lock()
		r.status.LastError = &e
		r.mu.Unlock()
		slog.Warn("host reported error", "code", e.Code, "message", e.Message)
		return nil

	default:
		slog.Debug("ignoring message from host", "type", m.Type)
		return nil
	}
}

// apply feeds one op to the applier. A storage failure ends the connection:
// the op is not marked applied and LastSeq has not moved past it, so the
// catch-up on reconnect delivers it again.
func (r *Replica) apply(ctx context.Context, op model.Op) error {
	if _, err := r.applier.Apply(ctx, op); err != nil {
		slog.Error("apply failed", "op_id", op.OpID, "seq", op.SeqOrZero(), "error", err)
		return fmt.Errorf("apply op %s: %w", op.OpID, err)
	}
	return nil
}
