package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpKind identifies what an operation does to its record.
type OpKind string

const (
	OpCreateUnit   OpKind = "createUnit"
	OpDeleteUnit   OpKind = "deleteUnit"
	OpAttachImage  OpKind = "attachImage"
	OpVerifySet    OpKind = "verifySet"
	OpChallengeSet OpKind = "challengeSet"
	OpIllegibleSet OpKind = "illegibleSet"
	OpEditFields   OpKind = "editFields"
	OpClaim        OpKind = "claim"
	OpUnclaim      OpKind = "unclaim"
)

// validKinds lists every kind an op may carry.
var validKinds = map[OpKind]bool{
	OpCreateUnit:   true,
	OpDeleteUnit:   true,
	OpAttachImage:  true,
	OpVerifySet:    true,
	OpChallengeSet: true,
	OpIllegibleSet: true,
	OpEditFields:   true,
	OpClaim:        true,
	OpUnclaim:      true,
}

// Valid reports whether k is a known op kind.
func (k OpKind) Valid() bool {
	return validKinds[k]
}

// Op is a single, uniquely identified state-mutating intent submitted by a
// device. Ops are immutable once sequenced.
type Op struct {
	Epoch        uint64    `json:"epoch"`
	Seq          *uint64   `json:"seq,omitempty"`
	OpID         uuid.UUID `json:"opId"`
	AuthorDevice string    `json:"authorDevice"`
	Time         time.Time `json:"time"`
	Kind         OpKind    `json:"kind"`
	RecordID     uuid.UUID `json:"recordID"`
	Fields       Fields    `json:"fields,omitempty"`
	BoolValue    *bool     `json:"boolValue,omitempty"`
	BlobHash     *string   `json:"blobHash,omitempty"`
	ClaimOwner   *string   `json:"claimOwner,omitempty"`
}

// NewOp creates an unsequenced op with a fresh UUIDv7 id.
func NewOp(kind OpKind, recordID uuid.UUID, author string, now time.Time) Op {
	return Op{
		OpID:         uuid.Must(uuid.NewV7()),
		AuthorDevice: author,
		Time:         now,
		Kind:         kind,
		RecordID:     recordID,
	}
}

// Sequenced reports whether the host has assigned a sequence number.
func (o Op) Sequenced() bool {
	return o.Seq != nil
}

// SeqOrZero returns the assigned sequence number, or 0 if unsequenced.
func (o Op) SeqOrZero() uint64 {
	if o.Seq == nil {
		return 0
	}
	return *o.Seq
}

// WithSeq returns a copy of the op stamped with seq and epoch.
func (o Op) WithSeq(seq, epoch uint64) Op {
	s := seq
	o.Seq = &s
	o.Epoch = epoch
	return o
}

// Validate checks the structural requirements of an op. It does not look at
// record state.
func (o Op) Validate() error {
	if o.OpID == uuid.Nil {
		return fmt.Errorf("op: missing opId")
	}
	if !o.Kind.Valid() {
		return fmt.Errorf("op %s: unknown kind %q", o.OpID, o.Kind)
	}
	if o.RecordID == uuid.Nil {
		return fmt.Errorf("op %s: missing recordID", o.OpID)
	}
	switch o.Kind {
	case OpVerifySet, OpChallengeSet, OpIllegibleSet:
		if o.BoolValue == nil {
			return fmt.Errorf("op %s: %s requires boolValue", o.OpID, o.Kind)
		}
	case OpAttachImage:
		if o.BlobHash == nil || *o.BlobHash == "" {
			return fmt.Errorf("op %s: attachImage requires blobHash", o.OpID)
		}
	}
	return nil
}

// Ptr returns a pointer to v. Convenience for the optional op fields.
func Ptr[T any](v T) *T {
	return &v
}
