package host

import (
	"context"
	"encoding/binary"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lansync/internal/lease"
	"github.com/roach88/lansync/internal/model"
	"github.com/roach88/lansync/internal/oplog"
	"github.com/roach88/lansync/internal/records"
	"github.com/roach88/lansync/internal/replicator"
	"github.com/roach88/lansync/internal/testutil"
	"github.com/roach88/lansync/internal/wire"
)

const waitFor = 3 * time.Second

func openLog(t *testing.T) *oplog.Log {
	t.Helper()
	l, err := oplog.Open(filepath.Join(t.TempDir(), "oplog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func quietConfig() Config {
	return Config{
		SessionID:         "sess-1",
		HostID:            "host-a",
		Epoch:             1,
		HeartbeatInterval: time.Hour,
	}
}

func startHost(t *testing.T, cfg Config, log *oplog.Log, snap Snapshotter) *Host {
	t.Helper()
	h := New(cfg, log, snap)
	require.NoError(t, h.Listen("127.0.0.1:0"))
	t.Cleanup(func() { h.Close() })
	return h
}

// client is a bare protocol peer that records everything the host sends.
type client struct {
	conn *wire.Conn
	msgs chan wire.Message
}

// connect opens a session that has said hello but not caught up, so the
// host sends it replies and handovers but no broadcasts.
func connect(t *testing.T, h *Host) *client {
	t.Helper()
	nc, err := net.Dial("tcp", h.Addr())
	require.NoError(t, err)
	c := &client{conn: wire.NewConn(nc, 64), msgs: make(chan wire.Message, 256)}
	go c.conn.Serve(func(m wire.Message) error {
		c.msgs <- m
		return nil
	})
	t.Cleanup(func() { c.conn.Close() })

	c.send(t, wire.MsgHello, wire.HelloMsg{SessionID: "sess-1", DeviceID: "dev-" + uuid.NewString()[:4]})
	// Hello has no reply; wait until the host has registered us.
	require.Eventually(t, func() bool { return h.Sessions() > 0 }, waitFor, 5*time.Millisecond)
	return c
}

// dial opens a session and catches it up from nothing, leaving it streaming.
func dial(t *testing.T, h *Host) *client {
	t.Helper()
	c := connect(t, h)
	c.send(t, wire.MsgCatchUpRequest, wire.CatchUpRequest{FromSeq: 0})
	deadline := time.After(waitFor)
	for {
		select {
		case m := <-c.msgs:
			switch m.Type {
			case wire.MsgCatchUpBatch:
				return c
			case wire.MsgSnapshot, wire.MsgHeartbeat:
			default:
				t.Fatalf("unexpected %s before catch-up batch", m.Type)
			}
		case <-deadline:
			t.Fatal("timed out waiting for catch-up batch")
		}
	}
}

func (c *client) send(t *testing.T, typ wire.MsgType, v any) {
	t.Helper()
	m, err := wire.NewMessage(typ, v)
	require.NoError(t, err)
	require.NoError(t, c.conn.Send(m))
}

// expect returns the next message of type typ, skipping heartbeats.
func (c *client) expect(t *testing.T, typ wire.MsgType) wire.Message {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case m := <-c.msgs:
			if m.Type == typ {
				return m
			}
			if m.Type != wire.MsgHeartbeat {
				t.Fatalf("expected %s, got %s", typ, m.Type)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func (c *client) expectOp(t *testing.T, typ wire.MsgType) model.Op {
	t.Helper()
	var op model.Op
	require.NoError(t, c.expect(t, typ).Unmarshal(&op))
	return op
}

func (c *client) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case m := <-c.msgs:
		if m.Type != wire.MsgHeartbeat {
			t.Fatalf("unexpected %s", m.Type)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPropose_LocalSubscribersInOrder(t *testing.T) {
	h := New(quietConfig(), openLog(t), nil)
	defer h.Close()

	var got []uint64
	h.Subscribe(func(op model.Op) { got = append(got, op.SeqOrZero()) })

	ops := testutil.NewOps("host-a", testutil.NewClock())
	for i := 0; i < 5; i++ {
		stamped, err := h.Propose(context.Background(), ops.Create(uuid.New(), nil))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), stamped.SeqOrZero())
		assert.Equal(t, uint64(1), stamped.Epoch)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
	assert.Equal(t, uint64(5), h.LatestSeq())
}

func TestPropose_ConcurrentIsGapFree(t *testing.T) {
	h := New(quietConfig(), openLog(t), nil)
	defer h.Close()

	var got []uint64
	h.Subscribe(func(op model.Op) { got = append(got, op.SeqOrZero()) })

	const proposers, each = 10, 20
	var wg sync.WaitGroup
	for p := 0; p < proposers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ops := testutil.NewOps("dev", testutil.NewClock())
			for i := 0; i < each; i++ {
				if _, err := h.Propose(context.Background(), ops.Create(uuid.New(), nil)); err != nil {
					t.Errorf("propose: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	require.Len(t, got, proposers*each)
	for i, seq := range got {
		assert.Equal(t, uint64(i+1), seq, "subscribers must see strictly increasing, gap-free seqs")
	}
}

func TestPropose_DuplicateOpID(t *testing.T) {
	log := openLog(t)
	h := New(quietConfig(), log, nil)
	defer h.Close()

	calls := 0
	h.Subscribe(func(model.Op) { calls++ })

	op := testutil.NewOps("dev", testutil.NewClock()).Create(uuid.New(), nil)
	first, err := h.Propose(context.Background(), op)
	require.NoError(t, err)
	second, err := h.Propose(context.Background(), op)
	require.NoError(t, err)

	assert.Equal(t, first.SeqOrZero(), second.SeqOrZero())
	assert.Equal(t, 1, calls, "duplicate is not rebroadcast")
	n, err := log.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPropose_InvalidOpRejected(t *testing.T) {
	h := New(quietConfig(), openLog(t), nil)
	defer h.Close()

	op := testutil.NewOps("dev", testutil.NewClock()).Create(uuid.New(), nil)
	op.Kind = "teleport"
	_, err := h.Propose(context.Background(), op)
	require.Error(t, err)
	assert.Zero(t, h.LatestSeq())
}

func TestPropose_StorageFailureNotBroadcast(t *testing.T) {
	log := openLog(t)
	h := startHost(t, quietConfig(), log, nil)
	c := connect(t, h)

	calls := 0
	h.Subscribe(func(model.Op) { calls++ })
	require.NoError(t, log.Close())

	op := testutil.NewOps("dev", testutil.NewClock()).Create(uuid.New(), nil)
	_, err := h.Propose(context.Background(), op)
	require.Error(t, err)
	assert.Zero(t, calls)

	c.send(t, wire.MsgOpPropose, op)
	var e wire.ErrorMsg
	require.NoError(t, c.expect(t, wire.MsgError).Unmarshal(&e))
	assert.Equal(t, wire.CodeStorage, e.Code)
}

func TestRemotePropose_BroadcastToAllIncludingProposer(t *testing.T) {
	h := startHost(t, quietConfig(), openLog(t), nil)
	a := dial(t, h)
	b := dial(t, h)
	require.Eventually(t, func() bool { return h.Sessions() == 2 }, waitFor, 5*time.Millisecond)

	op := testutil.NewOps("dev-a", testutil.NewClock()).Create(uuid.New(), nil)
	a.send(t, wire.MsgOpPropose, op)

	for _, c := range []*client{a, b} {
		got := c.expectOp(t, wire.MsgOpBroadcast)
		assert.Equal(t, op.OpID, got.OpID)
		assert.Equal(t, uint64(1), got.SeqOrZero())
		assert.Equal(t, uint64(1), got.Epoch)
	}

	// A retried proposal is answered to the proposer only.
	a.send(t, wire.MsgOpPropose, op)
	acc := a.expectOp(t, wire.MsgOpAccept)
	assert.Equal(t, uint64(1), acc.SeqOrZero())
	b.expectNothing(t)
}

func TestCatchUp_JoiningReplicaScenario(t *testing.T) {
	h := startHost(t, quietConfig(), openLog(t), nil)
	ctx := context.Background()
	ops := testutil.NewOps("host-a", testutil.NewClock())
	r := uuid.New()

	opA, err := h.Propose(ctx, ops.Create(r, nil))
	require.NoError(t, err)
	opB, err := h.Propose(ctx, ops.Claim(r, "host-a"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), opA.SeqOrZero())
	require.Equal(t, uint64(2), opB.SeqOrZero())

	c := connect(t, h)
	c.send(t, wire.MsgCatchUpRequest, wire.CatchUpRequest{FromSeq: 0})

	var batch wire.CatchUpBatch
	require.NoError(t, c.expect(t, wire.MsgCatchUpBatch).Unmarshal(&batch))
	require.Len(t, batch.Ops, 2)
	assert.Equal(t, opA.OpID, batch.Ops[0].OpID)
	assert.Equal(t, opB.OpID, batch.Ops[1].OpID)
	assert.Equal(t, uint64(2), batch.LatestSeq)
	assert.Equal(t, uint64(1), batch.Epoch)

	store := records.NewMemory()
	rep := replicator.New(store, lease.NewManager())
	for _, op := range batch.Ops {
		_, err := rep.Apply(ctx, op)
		require.NoError(t, err)
	}
	u, found, err := store.Get(ctx, r)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, u.IsProcessing)
}

func TestCatchUp_Paging(t *testing.T) {
	cfg := quietConfig()
	cfg.CatchUpLimit = 3
	h := startHost(t, cfg, openLog(t), nil)
	ops := testutil.NewOps("host-a", testutil.NewClock())
	for i := 0; i < 7; i++ {
		_, err := h.Propose(context.Background(), ops.Create(uuid.New(), nil))
		require.NoError(t, err)
	}

	c := connect(t, h)
	c.send(t, wire.MsgCatchUpRequest, wire.CatchUpRequest{FromSeq: 2, Limit: 50})
	var batch wire.CatchUpBatch
	require.NoError(t, c.expect(t, wire.MsgCatchUpBatch).Unmarshal(&batch))
	require.Len(t, batch.Ops, 3, "limit is capped by the host")
	assert.Equal(t, uint64(3), batch.Ops[0].SeqOrZero())
	assert.Equal(t, uint64(7), batch.LatestSeq)
}

func TestCatchUp_SnapshotFirst(t *testing.T) {
	cfg := quietConfig()
	cfg.SnapshotEvery = 2
	store := records.NewMemory()
	rep := replicator.New(store, lease.NewManager())
	h := startHost(t, cfg, openLog(t), store)
	h.Subscribe(func(op model.Op) { rep.Apply(context.Background(), op) })

	ops := testutil.NewOps("host-a", testutil.NewClock())
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		_, err := h.Propose(context.Background(), ops.Create(id, nil))
		require.NoError(t, err)
	}

	c := connect(t, h)
	c.send(t, wire.MsgCatchUpRequest, wire.CatchUpRequest{FromSeq: 0})

	var snap model.Snapshot
	require.NoError(t, c.expect(t, wire.MsgSnapshot).Unmarshal(&snap))
	assert.Equal(t, uint64(2), snap.Seq)
	assert.Len(t, snap.Units, 2)

	var batch wire.CatchUpBatch
	require.NoError(t, c.expect(t, wire.MsgCatchUpBatch).Unmarshal(&batch))
	require.Len(t, batch.Ops, 1, "only ops after the snapshot")
	assert.Equal(t, ids[2], batch.Ops[0].RecordID)

	// A replica already past the snapshot gets no snapshot.
	c.send(t, wire.MsgCatchUpRequest, wire.CatchUpRequest{FromSeq: 2})
	require.NoError(t, c.expect(t, wire.MsgCatchUpBatch).Unmarshal(&batch))
	assert.Len(t, batch.Ops, 1)
}

func TestBroadcast_HeldUntilCaughtUp(t *testing.T) {
	h := startHost(t, quietConfig(), openLog(t), nil)
	ctx := context.Background()
	ops := testutil.NewOps("host-a", testutil.NewClock())
	r := uuid.New()

	_, err := h.Propose(ctx, ops.Create(r, nil))
	require.NoError(t, err)

	c := connect(t, h)
	edit, err := h.Propose(ctx, ops.Edit(r, model.Fields{model.FieldAnswer: model.String("b")}))
	require.NoError(t, err)
	c.expectNothing(t)

	// The edit arrives after the create it depends on, inside the batch.
	c.send(t, wire.MsgCatchUpRequest, wire.CatchUpRequest{FromSeq: 0})
	var batch wire.CatchUpBatch
	require.NoError(t, c.expect(t, wire.MsgCatchUpBatch).Unmarshal(&batch))
	require.Len(t, batch.Ops, 2)
	assert.Equal(t, edit.OpID, batch.Ops[1].OpID)

	next, err := h.Propose(ctx, ops.Edit(r, model.Fields{model.FieldAnswer: model.String("b")}))
	require.NoError(t, err)
	got := c.expectOp(t, wire.MsgOpBroadcast)
	assert.Equal(t, next.OpID, got.OpID)
	assert.Equal(t, uint64(3), got.SeqOrZero())
}

func TestBroadcast_HeldAcrossCatchUpPages(t *testing.T) {
	cfg := quietConfig()
	cfg.CatchUpLimit = 2
	h := startHost(t, cfg, openLog(t), nil)
	ctx := context.Background()
	ops := testutil.NewOps("host-a", testutil.NewClock())
	for i := 0; i < 3; i++ {
		_, err := h.Propose(ctx, ops.Create(uuid.New(), nil))
		require.NoError(t, err)
	}

	c := connect(t, h)
	c.send(t, wire.MsgCatchUpRequest, wire.CatchUpRequest{FromSeq: 0})
	var batch wire.CatchUpBatch
	require.NoError(t, c.expect(t, wire.MsgCatchUpBatch).Unmarshal(&batch))
	require.Len(t, batch.Ops, 2)
	assert.Equal(t, uint64(3), batch.LatestSeq)

	// Still a page behind: live ops wait for the next page.
	_, err := h.Propose(ctx, ops.Create(uuid.New(), nil))
	require.NoError(t, err)
	c.expectNothing(t)

	c.send(t, wire.MsgCatchUpRequest, wire.CatchUpRequest{FromSeq: 2})
	require.NoError(t, c.expect(t, wire.MsgCatchUpBatch).Unmarshal(&batch))
	require.Len(t, batch.Ops, 2)
	assert.Equal(t, uint64(4), batch.Ops[1].SeqOrZero())
	assert.Equal(t, uint64(4), batch.LatestSeq)

	_, err = h.Propose(ctx, ops.Create(uuid.New(), nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), c.expectOp(t, wire.MsgOpBroadcast).SeqOrZero())
}

func TestHeartbeat(t *testing.T) {
	cfg := quietConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	h := startHost(t, cfg, openLog(t), nil)
	_, err := h.Propose(context.Background(), testutil.NewOps("h", testutil.NewClock()).Create(uuid.New(), nil))
	require.NoError(t, err)

	c := dial(t, h)
	var hb wire.HeartbeatMsg
	require.NoError(t, c.expect(t, wire.MsgHeartbeat).Unmarshal(&hb))
	assert.Equal(t, "sess-1", hb.SessionID)
	assert.Equal(t, "host-a", hb.HostID)
	assert.Equal(t, uint64(1), hb.Epoch)
	assert.Equal(t, uint64(1), hb.LatestSeq)
}

func TestHostClaim_Handover(t *testing.T) {
	h := startHost(t, quietConfig(), openLog(t), nil)
	a := connect(t, h)
	b := connect(t, h)
	require.Eventually(t, func() bool { return h.Sessions() == 2 }, waitFor, 5*time.Millisecond)

	a.send(t, wire.MsgHostClaim, wire.HostClaimMsg{CandidateHostID: "dev-a", NewEpoch: 2})
	for _, c := range []*client{a, b} {
		var ho wire.HostHandoverMsg
		require.NoError(t, c.expect(t, wire.MsgHostHandover).Unmarshal(&ho))
		assert.Equal(t, "dev-a", ho.NewHostID)
		assert.Equal(t, uint64(2), ho.NewEpoch)
	}

	ho, retired := h.Retired()
	require.True(t, retired)
	assert.Equal(t, uint64(2), ho.NewEpoch)

	op := testutil.NewOps("dev-b", testutil.NewClock()).Create(uuid.New(), nil)
	_, err := h.Propose(context.Background(), op)
	assert.ErrorIs(t, err, ErrNotHost)

	b.send(t, wire.MsgOpPropose, op)
	var e wire.ErrorMsg
	require.NoError(t, b.expect(t, wire.MsgError).Unmarshal(&e))
	assert.Equal(t, wire.CodeNotHost, e.Code)
}

func TestHostClaim_StaleEpochRejected(t *testing.T) {
	cfg := quietConfig()
	cfg.Epoch = 5
	h := startHost(t, cfg, openLog(t), nil)
	c := connect(t, h)

	c.send(t, wire.MsgHostClaim, wire.HostClaimMsg{CandidateHostID: "dev-a", NewEpoch: 5})
	var e wire.ErrorMsg
	require.NoError(t, c.expect(t, wire.MsgError).Unmarshal(&e))
	assert.Equal(t, wire.CodeBadRequest, e.Code)

	_, retired := h.Retired()
	assert.False(t, retired)
}

func TestProtocolErrorClosesOnlyThatConnection(t *testing.T) {
	h := startHost(t, quietConfig(), openLog(t), nil)
	good := dial(t, h)

	bad, err := net.Dial("tcp", h.Addr())
	require.NoError(t, err)
	defer bad.Close()
	require.Eventually(t, func() bool { return h.Sessions() == 2 }, waitFor, 5*time.Millisecond)

	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, wire.MaxFrameSize+1)
	_, err = bad.Write(hdr)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.Sessions() == 1 }, waitFor, 5*time.Millisecond)

	op := testutil.NewOps("dev", testutil.NewClock()).Create(uuid.New(), nil)
	good.send(t, wire.MsgOpPropose, op)
	assert.Equal(t, op.OpID, good.expectOp(t, wire.MsgOpBroadcast).OpID)
}

func TestClose_DisconnectsReplicas(t *testing.T) {
	h := New(quietConfig(), openLog(t), nil)
	require.NoError(t, h.Listen("127.0.0.1:0"))
	c := connect(t, h)

	require.NoError(t, h.Close())
	select {
	case <-c.conn.Done():
	case <-time.After(waitFor):
		t.Fatal("replica connection not closed")
	}
}
