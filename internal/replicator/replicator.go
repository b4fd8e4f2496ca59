// Package replicator applies ops to the local record store.
//
// Apply is idempotent by opId and tolerant of reordering:
//   - flag and field writes are last-writer-wins on the op's origin time
//   - attachments always take the newest attach seen
//   - claims are first-claimant-wins while a local lease is live
//
// Every node, host included, runs every op through exactly one Replicator.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/lansync/internal/lease"
	"github.com/roach88/lansync/internal/model"
	"github.com/roach88/lansync/internal/records"
)

// DefaultLeaseTTL is how long a claim holds its record.
const DefaultLeaseTTL = 300 * time.Second

// errRecordMissing marks an op that targets a record this node does not have.
var errRecordMissing = errors.New("record not present")

// Outcome reports what Apply did with an op.
type Outcome int

const (
	// Applied means the op changed the record store.
	Applied Outcome = iota
	// Duplicate means the opId had already been applied on this node.
	Duplicate
	// Skipped means the op was accepted but had no effect: the record was
	// missing or already existed, the write lost last-writer-wins, or a
	// live lease blocked a claim.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Observer is told about every op that was not a duplicate.
type Observer func(op model.Op, out Outcome)

// Replicator is the apply engine.
//
// Thread-safety: Apply and LoadSnapshot are serialized by one mutex, which
// makes the applied-set check-and-insert and the lease check-and-grant atomic.
type Replicator struct {
	store    records.Store
	leases   *lease.Manager
	now      func() time.Time
	leaseTTL time.Duration
	observer Observer

	mu        sync.Mutex
	applied   *appliedSet
	lastSeq   uint64
	lastEpoch uint64
}

// Option configures a Replicator.
type Option func(*Replicator)

// WithClock sets the clock used for local mutation timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Replicator) { r.now = now }
}

// WithLeaseTTL overrides DefaultLeaseTTL.
func WithLeaseTTL(d time.Duration) Option {
	return func(r *Replicator) { r.leaseTTL = d }
}

// WithAppliedWindow sets how many opIds are remembered for deduplication.
func WithAppliedWindow(n int) Option {
	return func(r *Replicator) { r.applied = newAppliedSet(n) }
}

// WithObserver registers fn to run after each non-duplicate apply, while the
// apply lock is held. fn must not call back into the Replicator.
func WithObserver(fn Observer) Option {
	return func(r *Replicator) { r.observer = fn }
}

// New creates a Replicator over store and leases.
func New(store records.Store, leases *lease.Manager, opts ...Option) *Replicator {
	r := &Replicator{
		store:    store,
		leases:   leases,
		now:      time.Now,
		leaseTTL: DefaultLeaseTTL,
		applied:  newAppliedSet(DefaultAppliedWindow),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Store returns the record store the Replicator writes to.
func (r *Replicator) Store() records.Store {
	return r.store
}

// Apply runs op against the record store.
//
// A storage error is returned as-is, and the opId is neither marked applied
// nor allowed to move the catch-up mark, so the op is redelivered by the next
// catch-up. An op whose record is not present is Skipped without being
// remembered.
func (r *Replicator) Apply(ctx context.Context, op model.Op) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos := position{epoch: op.Epoch, seq: op.SeqOrZero()}
	if r.applied.contains(op.OpID) {
		r.applied.add(op.OpID, pos)
		r.observeSeq(op)
		slog.Debug("ignoring duplicate op", "op_id", op.OpID, "kind", op.Kind, "seq", op.SeqOrZero())
		return Duplicate, nil
	}
	if err := op.Validate(); err != nil {
		// Structurally broken ops can never succeed; remember them so
		// redelivery stays quiet.
		r.applied.add(op.OpID, pos)
		r.observeSeq(op)
		slog.Warn("dropping invalid op", "error", err)
		return Skipped, nil
	}

	out, err := r.dispatch(ctx, op)
	switch {
	case errors.Is(err, errRecordMissing):
		out = Skipped
	case err != nil:
		return out, fmt.Errorf("apply %s %s: %w", op.Kind, op.OpID, err)
	default:
		r.applied.add(op.OpID, pos)
	}
	r.observeSeq(op)

	slog.Debug("op applied",
		"op_id", op.OpID,
		"kind", op.Kind,
		"record_id", op.RecordID,
		"seq", op.SeqOrZero(),
		"outcome", out.String(),
	)
	if r.observer != nil {
		r.observer(op, out)
	}
	return out, nil
}

// observeSeq advances the catch-up high-water mark. A higher epoch starts a
// new mark.
func (r *Replicator) observeSeq(op model.Op) {
	if !op.Sequenced() {
		return
	}
	switch {
	case op.Epoch > r.lastEpoch:
		r.lastEpoch = op.Epoch
		r.lastSeq = *op.Seq
	case op.Epoch == r.lastEpoch && *op.Seq > r.lastSeq:
		r.lastSeq = *op.Seq
	}
}

func (r *Replicator) dispatch(ctx context.Context, op model.Op) (Outcome, error) {
	if op.Kind == model.OpCreateUnit {
		return r.create(ctx, op)
	}

	u, found, err := r.store.Get(ctx, op.RecordID)
	if err != nil {
		return Skipped, err
	}
	if !found {
		return Skipped, errRecordMissing
	}
	now := r.now()

	switch op.Kind {
	case model.OpDeleteUnit:
		if err := r.store.Delete(ctx, op.RecordID); err != nil {
			return Skipped, err
		}
		return Applied, nil

	case model.OpAttachImage:
		u.BlobHash = model.Ptr(*op.BlobHash)
		u.TimeStamp = now
		u.LastEditor = model.Ptr(op.AuthorDevice)

	case model.OpVerifySet, model.OpChallengeSet, model.OpIllegibleSet:
		if op.Time.Before(u.WriteTime) {
			return Skipped, nil
		}
		v := *op.BoolValue
		switch op.Kind {
		case model.OpVerifySet:
			u.IsVerified = v
		case model.OpChallengeSet:
			u.IsChallenged = v
		case model.OpIllegibleSet:
			u.IsIllegible = v
		}
		u.WriteTime = op.Time
		u.TimeStamp = now
		u.LastEditor = model.Ptr(op.AuthorDevice)

	case model.OpEditFields:
		if op.Time.Before(u.WriteTime) {
			return Skipped, nil
		}
		applyFields(&u, op.Fields)
		u.WriteTime = op.Time
		u.TimeStamp = now
		u.LastEditor = model.Ptr(op.AuthorDevice)

	case model.OpClaim:
		return r.claim(ctx, u, op, now)

	case model.OpUnclaim:
		u.IsProcessing = false
		u.TimeStamp = now
		u.LastEditor = model.Ptr(op.AuthorDevice)
		if err := r.store.Put(ctx, u); err != nil {
			return Skipped, err
		}
		r.leases.Revoke(op.RecordID)
		return Applied, nil
	}

	if err := r.store.Put(ctx, u); err != nil {
		return Skipped, err
	}
	return Applied, nil
}

// claim takes the lease for the claim owner. A record already being
// processed under another owner's live lease is left alone; the same owner
// claiming again renews its lease.
func (r *Replicator) claim(ctx context.Context, u model.Unit, op model.Op, now time.Time) (Outcome, error) {
	owner := op.AuthorDevice
	if op.ClaimOwner != nil && *op.ClaimOwner != "" {
		owner = *op.ClaimOwner
	}

	prev, hadPrev := r.leases.Get(op.RecordID)
	if u.IsProcessing {
		if held, ok := r.leases.TryGrant(op.RecordID, owner, r.leaseTTL); !ok {
			slog.Debug("claim blocked by live lease", "record_id", op.RecordID, "owner", owner, "holder", held.Owner)
			return Skipped, nil
		}
	} else {
		r.leases.Grant(op.RecordID, owner, r.leaseTTL)
	}

	u.IsProcessing = true
	u.LastEditor = model.Ptr(owner)
	u.TimeStamp = now
	if err := r.store.Put(ctx, u); err != nil {
		r.restoreLease(op.RecordID, prev, hadPrev)
		return Skipped, err
	}
	return Applied, nil
}

// restoreLease puts back the lease that was in force before a failed claim.
func (r *Replicator) restoreLease(recordID uuid.UUID, prev lease.Lease, had bool) {
	if !had {
		r.leases.Revoke(recordID)
		return
	}
	if left := prev.ExpiresAt.Sub(r.leases.Now()); left > 0 {
		r.leases.Grant(recordID, prev.Owner, left)
		return
	}
	r.leases.Revoke(recordID)
}

func (r *Replicator) create(ctx context.Context, op model.Op) (Outcome, error) {
	_, found, err := r.store.Get(ctx, op.RecordID)
	if err != nil {
		return Skipped, err
	}
	if found {
		return Skipped, nil
	}
	u := model.Unit{
		ID:         op.RecordID,
		TimeStamp:  r.now(),
		WriteTime:  op.Time,
		LastEditor: model.Ptr(op.AuthorDevice),
	}
	if op.BlobHash != nil {
		u.BlobHash = model.Ptr(*op.BlobHash)
	}
	applyFields(&u, op.Fields)
	if err := r.store.Put(ctx, u); err != nil {
		return Skipped, err
	}
	return Applied, nil
}

// LoadSnapshot replaces the record store with snap and resets the catch-up
// mark to snap.Seq within epoch. Applied opIds the snapshot does not cover
// are forgotten, since their effects were overwritten and catch-up will
// deliver them again.
func (r *Replicator) LoadSnapshot(ctx context.Context, snap model.Snapshot, epoch uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Replace(ctx, snap.Units); err != nil {
		return fmt.Errorf("load snapshot at seq %d: %w", snap.Seq, err)
	}
	forgotten := r.applied.forgetAfter(epoch, snap.Seq)
	r.lastEpoch = epoch
	r.lastSeq = snap.Seq
	slog.Info("snapshot loaded", "seq", snap.Seq, "epoch", epoch, "units", len(snap.Units), "forgotten_ops", forgotten)
	return nil
}

// LastSeq returns the highest seq seen in LastEpoch, duplicates included.
func (r *Replicator) LastSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

// LastEpoch returns the highest epoch seen on a sequenced op.
func (r *Replicator) LastEpoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastEpoch
}

// AppliedCount returns how many opIds are currently remembered.
func (r *Replicator) AppliedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied.len()
}
