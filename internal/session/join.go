package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/lansync/internal/model"
	"github.com/roach88/lansync/internal/replica"
	"github.com/roach88/lansync/internal/replicator"
)

// Join connects to the host described by info and keeps the connection up,
// reconnecting with backoff, until Close, Leave or RequestHostship. The first
// connection attempt is made synchronously so a bad code fails fast.
func (m *Manager) Join(ctx context.Context, info JoinInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.role != Idle {
		m.mu.Unlock()
		return ErrBusy
	}
	if info.Epoch > m.epoch {
		m.epoch = info.Epoch
	}
	m.role = Joined
	m.sessionID = info.SessionID
	m.secret = append([]byte(nil), info.Secret...)
	m.join = &info
	m.mu.Unlock()

	r, err := m.connect(ctx)
	if err != nil {
		m.mu.Lock()
		m.role = Idle
		m.join = nil
		m.mu.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.stopJoin = cancel
	m.joinDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.joinLoop(loopCtx, r)
	}()
	return nil
}

// Leave disconnects from the host or stops hosting.
func (m *Manager) Leave() {
	m.leave()
}

// connect dials the host, resends anything still unacknowledged, and
// records the new replica.
func (m *Manager) connect(ctx context.Context) (*replica.Replica, error) {
	m.mu.Lock()
	if m.join == nil {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	info := *m.join
	epoch := m.epoch
	m.mu.Unlock()

	r, err := replica.Connect(ctx, info.MetaAddr(), replica.Config{
		DeviceID:     m.cfg.DeviceID,
		DisplayName:  m.cfg.DisplayName,
		SessionID:    info.SessionID,
		EpochSeen:    epoch,
		QueueSize:    m.cfg.SendQueue,
		CatchUpLimit: m.cfg.CatchUpLimit,
	}, &trackingApplier{Replicator: m.rep, outbox: m.outbox})
	if err != nil {
		return nil, err
	}

	for _, op := range m.outbox.pending() {
		if err := r.Propose(op); err != nil {
			slog.Warn("resend failed", "op_id", op.OpID, "error", err)
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.join == nil {
		// Left while dialing.
		r.Close()
		return nil, ErrNoSession
	}
	m.replica = r
	return r, nil
}

// joinLoop runs r until it drops, then reconnects with exponential backoff.
func (m *Manager) joinLoop(ctx context.Context, r *replica.Replica) {
	b := m.newBackOff()
	for {
		err := r.Run(ctx)
		m.noteEpoch(r.Status().Epoch)
		if ctx.Err() != nil {
			r.Close()
			return
		}
		slog.Warn("lost host connection", "error", err)

		for {
			wait := b.NextBackOff()
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			r, err = m.connect(ctx)
			if err == nil {
				b.Reset()
				break
			}
			slog.Debug("reconnect failed", "retry_in", b.NextBackOff(), "error", err)
		}
	}
}

func (m *Manager) noteEpoch(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch > m.epoch {
		m.epoch = epoch
	}
}

func (m *Manager) stopJoining() {
	m.mu.Lock()
	cancel, done, r := m.stopJoin, m.joinDone, m.replica
	m.stopJoin, m.joinDone, m.replica, m.join = nil, nil, nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if r != nil {
		r.Close()
	}
	if done != nil {
		<-done
	}
}

// trackingApplier clears ops from the outbox once the host has sequenced
// them. The broadcast of an optimistically applied op is a duplicate to the
// Replicator, so the outbox has to watch at this layer.
type trackingApplier struct {
	*replicator.Replicator
	outbox *outbox
}

func (a *trackingApplier) Apply(ctx context.Context, op model.Op) (replicator.Outcome, error) {
	if op.Sequenced() {
		a.outbox.ack(op.OpID)
	}
	return a.Replicator.Apply(ctx, op)
}

// outbox holds proposals the host has not yet broadcast back. They are
// resent after every reconnect; the host deduplicates by opId.
type outbox struct {
	mu    sync.Mutex
	order []uuid.UUID
	ops   map[uuid.UUID]model.Op
}

func newOutbox() *outbox {
	return &outbox{ops: make(map[uuid.UUID]model.Op)}
}

func (o *outbox) add(op model.Op) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.ops[op.OpID]; ok {
		return
	}
	o.ops[op.OpID] = op
	o.order = append(o.order, op.OpID)
}

func (o *outbox) ack(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.ops[id]; !ok {
		return
	}
	delete(o.ops, id)
	kept := o.order[:0]
	for _, k := range o.order {
		if k != id {
			kept = append(kept, k)
		}
	}
	o.order = kept
}

// pending returns unacknowledged ops in proposal order.
func (o *outbox) pending() []model.Op {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.Op, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.ops[id])
	}
	return out
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ops)
}

// Propose applies op locally and submits it to the session. The op is
// stamped with this device's epoch. While hosting, the op is sequenced
// directly and comes back stamped with its seq.
func (m *Manager) Propose(ctx context.Context, op model.Op) (model.Op, error) {
	m.mu.Lock()
	role, h, r := m.role, m.host, m.replica
	op.Epoch = m.epoch
	m.mu.Unlock()

	switch role {
	case Hosting:
		return h.Propose(ctx, op)

	case Joined:
		if err := op.Validate(); err != nil {
			return op, err
		}
		if _, err := m.rep.Apply(ctx, op); err != nil {
			return op, err
		}
		m.outbox.add(op)
		if r == nil {
			return op, nil
		}
		if err := r.Propose(op); err != nil {
			// Resent on reconnect.
			slog.Warn("propose deferred", "op_id", op.OpID, "error", err)
		}
		return op, nil

	default:
		return op, ErrNoSession
	}
}

func (m *Manager) newOp(kind model.OpKind, id uuid.UUID) model.Op {
	return model.NewOp(kind, id, m.cfg.DeviceID, m.now())
}

// CreateUnit proposes a new record with fields and returns its id.
func (m *Manager) CreateUnit(ctx context.Context, fields model.Fields) (uuid.UUID, error) {
	id := uuid.Must(uuid.NewV7())
	op := m.newOp(model.OpCreateUnit, id)
	op.Fields = fields
	_, err := m.Propose(ctx, op)
	return id, err
}

// DeleteUnit proposes removing id.
func (m *Manager) DeleteUnit(ctx context.Context, id uuid.UUID) error {
	_, err := m.Propose(ctx, m.newOp(model.OpDeleteUnit, id))
	return err
}

// AttachImage stores data in the blob store and proposes attaching it to id.
func (m *Manager) AttachImage(ctx context.Context, id uuid.UUID, data []byte) (string, error) {
	hash, err := m.blobs.Put(data)
	if err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}
	op := m.newOp(model.OpAttachImage, id)
	op.BlobHash = model.Ptr(hash)
	_, err = m.Propose(ctx, op)
	return hash, err
}

// Claim proposes locking id for this device.
func (m *Manager) Claim(ctx context.Context, id uuid.UUID) error {
	op := m.newOp(model.OpClaim, id)
	op.ClaimOwner = model.Ptr(m.cfg.DeviceID)
	_, err := m.Propose(ctx, op)
	return err
}

// Unclaim proposes releasing id.
func (m *Manager) Unclaim(ctx context.Context, id uuid.UUID) error {
	_, err := m.Propose(ctx, m.newOp(model.OpUnclaim, id))
	return err
}

func (m *Manager) setFlag(ctx context.Context, kind model.OpKind, id uuid.UUID, v bool) error {
	op := m.newOp(kind, id)
	op.BoolValue = model.Ptr(v)
	_, err := m.Propose(ctx, op)
	return err
}

// SetVerified proposes the verified flag.
func (m *Manager) SetVerified(ctx context.Context, id uuid.UUID, v bool) error {
	return m.setFlag(ctx, model.OpVerifySet, id, v)
}

// SetChallenged proposes the challenged flag.
func (m *Manager) SetChallenged(ctx context.Context, id uuid.UUID, v bool) error {
	return m.setFlag(ctx, model.OpChallengeSet, id, v)
}

// SetIllegible proposes the illegible flag.
func (m *Manager) SetIllegible(ctx context.Context, id uuid.UUID, v bool) error {
	return m.setFlag(ctx, model.OpIllegibleSet, id, v)
}

// EditFields proposes a field update.
func (m *Manager) EditFields(ctx context.Context, id uuid.UUID, fields model.Fields) error {
	op := m.newOp(model.OpEditFields, id)
	op.Fields = fields
	_, err := m.Propose(ctx, op)
	return err
}
