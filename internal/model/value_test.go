package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFields_MarshalTaggedShape(t *testing.T) {
	f := Fields{"answer": String("42")}

	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":{"t":"s","s":"42"}}`, string(data))
}

func TestFields_DecodeEveryTag(t *testing.T) {
	in := `{
		"answer": {"t":"s","s":"Paris"},
		"questionNumber": {"t":"i","i":7},
		"flag": {"t":"b","b":false},
		"eventDate": {"t":"d","d":"2024-05-01T10:00:00Z"}
	}`

	var f Fields
	require.NoError(t, json.Unmarshal([]byte(in), &f))

	assert.Equal(t, String("Paris"), f["answer"])
	assert.Equal(t, Int(7), f["questionNumber"])
	assert.Equal(t, Bool(false), f["flag"])
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	assert.True(t, time.Time(f["eventDate"].(Time)).Equal(want))
}

func TestFields_UnknownTagRejected(t *testing.T) {
	var f Fields
	err := json.Unmarshal([]byte(`{"x":{"t":"f","f":1.5}}`), &f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown field tag "f"`)
}

func TestFields_MissingValueRejected(t *testing.T) {
	var f Fields
	err := json.Unmarshal([]byte(`{"x":{"t":"i"}}`), &f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing value")
}

func TestFields_SortedKeys(t *testing.T) {
	f := Fields{"teamName": String("a"), "answer": String("b"), "eventName": String("c")}
	assert.Equal(t, []string{"answer", "eventName", "teamName"}, f.SortedKeys())
}

func TestOp_JSONFieldNames(t *testing.T) {
	op := Op{
		Epoch:        3,
		OpID:         uuid.MustParse("0190a6f0-0000-7000-8000-000000000001"),
		AuthorDevice: "dev-a",
		Time:         time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Kind:         OpVerifySet,
		RecordID:     uuid.MustParse("0190a6f0-0000-7000-8000-0000000000aa"),
		BoolValue:    Ptr(true),
	}

	data, err := json.Marshal(op)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "opId")
	assert.Contains(t, raw, "recordID")
	assert.Contains(t, raw, "authorDevice")
	assert.Contains(t, raw, "boolValue")
	assert.NotContains(t, raw, "seq", "unsequenced op must omit seq")
	assert.NotContains(t, raw, "fields")
}

func TestOp_WithSeqDoesNotAliasOriginal(t *testing.T) {
	op := NewOp(OpClaim, uuid.New(), "dev", time.Now())

	stamped := op.WithSeq(9, 2)

	assert.False(t, op.Sequenced())
	require.True(t, stamped.Sequenced())
	assert.Equal(t, uint64(9), stamped.SeqOrZero())
	assert.Equal(t, uint64(2), stamped.Epoch)
}

func TestOp_Validate(t *testing.T) {
	rid := uuid.New()

	tests := []struct {
		name    string
		op      Op
		wantErr string
	}{
		{"ok create", NewOp(OpCreateUnit, rid, "d", time.Now()), ""},
		{"missing id", Op{Kind: OpClaim, RecordID: rid}, "missing opId"},
		{"unknown kind", Op{OpID: uuid.New(), Kind: "explode", RecordID: rid}, "unknown kind"},
		{"missing record", Op{OpID: uuid.New(), Kind: OpClaim}, "missing recordID"},
		{"flag without value", NewOp(OpVerifySet, rid, "d", time.Now()), "requires boolValue"},
		{"attach without hash", NewOp(OpAttachImage, rid, "d", time.Now()), "requires blobHash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
