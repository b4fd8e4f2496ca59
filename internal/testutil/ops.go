package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/roach88/lansync/internal/model"
)

// Ops builds ops for a single author with timestamps taken from a Clock.
// Every op gets a fresh opId.
type Ops struct {
	Author string
	Clock  *Clock
}

// NewOps creates an op builder for author reading time from clock.
func NewOps(author string, clock *Clock) *Ops {
	return &Ops{Author: author, Clock: clock}
}

func (b *Ops) op(kind model.OpKind, id uuid.UUID) model.Op {
	return model.NewOp(kind, id, b.Author, b.Clock.Now())
}

// Create returns a createUnit op for id with the given fields.
func (b *Ops) Create(id uuid.UUID, fields model.Fields) model.Op {
	op := b.op(model.OpCreateUnit, id)
	op.Fields = fields
	return op
}

// Delete returns a deleteUnit op.
func (b *Ops) Delete(id uuid.UUID) model.Op {
	return b.op(model.OpDeleteUnit, id)
}

// Attach returns an attachImage op.
func (b *Ops) Attach(id uuid.UUID, hash string) model.Op {
	op := b.op(model.OpAttachImage, id)
	op.BlobHash = model.Ptr(hash)
	return op
}

// Flag returns a verifySet, challengeSet or illegibleSet op.
func (b *Ops) Flag(kind model.OpKind, id uuid.UUID, v bool) model.Op {
	op := b.op(kind, id)
	op.BoolValue = model.Ptr(v)
	return op
}

// Edit returns an editFields op.
func (b *Ops) Edit(id uuid.UUID, fields model.Fields) model.Op {
	op := b.op(model.OpEditFields, id)
	op.Fields = fields
	return op
}

// Claim returns a claim op for owner.
func (b *Ops) Claim(id uuid.UUID, owner string) model.Op {
	op := b.op(model.OpClaim, id)
	op.ClaimOwner = model.Ptr(owner)
	return op
}

// Unclaim returns an unclaim op.
func (b *Ops) Unclaim(id uuid.UUID) model.Op {
	return b.op(model.OpUnclaim, id)
}

// At returns a copy of op with its origin time replaced.
func At(op model.Op, t time.Time) model.Op {
	op.Time = t
	return op
}

// Sequenced returns a copy of op stamped with seq in epoch 1.
func Sequenced(op model.Op, seq uint64) model.Op {
	return op.WithSeq(seq, 1)
}
