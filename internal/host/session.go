package host

import (
	"errors"
	"log/slog"
	"net"

	"github.com/roach88/lansync/internal/model"
	"github.com/roach88/lansync/internal/wire"
)

// session is one accepted replica connection.
//
// State: connected until a catch-up batch brings it level with the log, then
// streaming. Only streaming sessions receive broadcasts and heartbeats, so a
// replica never sees a live op ahead of the history it depends on. Hello is
// accepted unconditionally; it only labels the session for logging.
type session struct {
	conn *wire.Conn

	// Guarded by Host.mu.
	deviceID    string
	displayName string
	streaming   bool
}

func (h *Host) deviceOf(s *session) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return s.deviceID
}

func (h *Host) acceptLoop(ln net.Listener) {
	defer h.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("host accept failed", "error", err)
			}
			return
		}

		s := &session{conn: wire.NewConn(nc, h.cfg.SendQueue)}
		if !h.register(s) {
			s.conn.Close()
			return
		}
		slog.Debug("replica connected", "remote", s.conn.RemoteAddr())

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			err := s.conn.Serve(func(m wire.Message) error { return h.handle(s, m) })
			h.unregister(s)
			device := h.deviceOf(s)
			switch {
			case wire.IsProtocolError(err):
				slog.Warn("dropped replica after protocol error", "remote", s.conn.RemoteAddr(), "device_id", device, "error", err)
				return
			case err != nil:
				slog.Warn("replica connection closed", "remote", s.conn.RemoteAddr(), "device_id", device, "error", err)
				return
			}
			slog.Info("replica disconnected", "remote", s.conn.RemoteAddr(), "device_id", device)
		}()
	}
}

// register tracks s until it disconnects. Returns false if the host is
// closing.
func (h *Host) register(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.sessions[s] = struct{}{}
	return true
}

func (h *Host) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
}

// handle dispatches one message from a replica. A returned error closes the
// connection; only protocol errors do so.
func (h *Host) handle(s *session, m wire.Message) error {
	switch m.Type {
	case wire.MsgHello:
		var hello wire.HelloMsg
		if err := m.Unmarshal(&hello); err != nil {
			return err
		}
		h.mu.Lock()
		s.deviceID = hello.DeviceID
		s.displayName = hello.UserDisplayName
		h.mu.Unlock()
		if hello.SessionID != "" && hello.SessionID != h.cfg.SessionID {
			slog.Warn("hello for a different session", "device_id", hello.DeviceID, "session_id", hello.SessionID)
		}
		slog.Info("replica joined",
			"device_id", hello.DeviceID,
			"display_name", hello.UserDisplayName,
			"epoch_seen", hello.EpochSeen,
			"remote", s.conn.RemoteAddr(),
		)
		return nil

	case wire.MsgOpPropose:
		var op model.Op
		if err := m.Unmarshal(&op); err != nil {
			return err
		}
		h.handlePropose(s, op)
		return nil

	case wire.MsgCatchUpRequest:
		var req wire.CatchUpRequest
		if len(m.Payload) > 0 {
			if err := m.Unmarshal(&req); err != nil {
				return err
			}
		}
		h.catchUp(s, req)
		return nil

	case wire.MsgHostClaim:
		var claim wire.HostClaimMsg
		if err := m.Unmarshal(&claim); err != nil {
			return err
		}
		if err := h.Handover(claim.CandidateHostID, claim.NewEpoch); err != nil {
			slog.Warn("rejecting host claim", "candidate", claim.CandidateHostID, "error", err)
			h.sendError(s, wire.CodeBadRequest, err.Error())
		}
		return nil

	default:
		slog.Debug("ignoring message from replica", "type", m.Type, "device_id", h.deviceOf(s))
		return nil
	}
}

func (h *Host) handlePropose(s *session, op model.Op) {
	stamped, appended, err := h.propose(h.ctx, op)
	switch {
	case errors.Is(err, ErrNotHost):
		h.sendError(s, wire.CodeNotHost, "host has handed over")
	case err != nil && op.Validate() != nil:
		h.sendError(s, wire.CodeBadRequest, err.Error())
	case err != nil:
		h.sendError(s, wire.CodeStorage, "append failed")
	case !appended:
		// Retried proposal: tell only the proposer where it landed.
		msg, err := wire.NewMessage(wire.MsgOpAccept, stamped)
		if err == nil {
			s.conn.Send(msg)
		}
	}
}

func (h *Host) sendError(s *session, code, text string) {
	msg, err := wire.NewMessage(wire.MsgError, wire.ErrorMsg{Code: code, Message: text})
	if err != nil {
		return
	}
	s.conn.Send(msg)
}

// catchUp sends the latest snapshot if it is ahead of req.FromSeq, or to a
// replica starting from nothing, then one batch of ops after whichever is
// further along. It runs under the sequencer lock, so nothing is sequenced
// between reading the log and queueing the reply; a batch that reaches the
// latest seq switches the session to streaming.
func (h *Host) catchUp(s *session, req wire.CatchUpRequest) {
	limit := req.Limit
	if limit <= 0 || limit > h.cfg.CatchUpLimit {
		limit = h.cfg.CatchUpLimit
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	from := req.FromSeq
	snap, ok, err := h.log.ReadLatestSnapshot(h.ctx)
	if err != nil {
		slog.Warn("catch-up snapshot read failed", "error", err)
	}
	if ok && (snap.Seq > from || from == 0) {
		msg, err := wire.NewMessage(wire.MsgSnapshot, snap)
		if err == nil {
			err = s.conn.Send(msg)
		}
		switch {
		case err == nil:
			from = snap.Seq
		case errors.Is(err, wire.ErrFrameTooLarge):
			slog.Warn("snapshot too large for one frame, replaying ops instead", "seq", snap.Seq)
		default:
			return
		}
	}
	h.sendBatchLocked(s, from, limit)
}

// sendBatchLocked queues one page of ops after from, halving the page until
// it fits in a frame.
func (h *Host) sendBatchLocked(s *session, from uint64, limit int) {
	ops, err := h.log.Ops(h.ctx, from, limit)
	if err != nil {
		slog.Error("catch-up query failed", "from_seq", from, "error", err)
		h.sendError(s, wire.CodeStorage, "catch-up failed")
		return
	}
	latest := h.log.LatestSeq()
	msg, err := wire.NewMessage(wire.MsgCatchUpBatch, wire.CatchUpBatch{
		Epoch:     h.cfg.Epoch,
		Ops:       ops,
		LatestSeq: latest,
	})
	if err != nil {
		slog.Error("encode catch-up batch failed", "error", err)
		return
	}
	if err := s.conn.Send(msg); err != nil {
		if errors.Is(err, wire.ErrFrameTooLarge) && limit > 1 {
			h.sendBatchLocked(s, from, limit/2)
		}
		return
	}

	caughtUp := len(ops) == 0 || ops[len(ops)-1].SeqOrZero() >= latest
	if caughtUp && !s.streaming {
		s.streaming = true
		slog.Debug("replica streaming", "device_id", s.deviceID, "latest_seq", latest)
	}
	slog.Debug("catch-up sent", "device_id", s.deviceID, "from_seq", from, "ops", len(ops))
}
