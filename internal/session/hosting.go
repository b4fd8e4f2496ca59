package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/roach88/lansync/internal/blob"
	"github.com/roach88/lansync/internal/discovery"
	"github.com/roach88/lansync/internal/host"
	"github.com/roach88/lansync/internal/model"
	"github.com/roach88/lansync/internal/oplog"
	"github.com/roach88/lansync/internal/replica"
	"github.com/roach88/lansync/internal/secure"
)

// StartHosting makes this device the host of sessionID, or of a new session
// when sessionID is empty. The epoch comes from the Authority.
func (m *Manager) StartHosting(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if m.role != Idle {
		m.mu.Unlock()
		return ErrBusy
	}
	current := m.epoch
	m.mu.Unlock()

	epoch, err := m.authority.Claim(current)
	if err != nil {
		return fmt.Errorf("claim epoch: %w", err)
	}
	if sessionID == "" {
		sessionID = newSessionID()
	}
	return m.startHosting(ctx, sessionID, epoch)
}

func (m *Manager) startHosting(ctx context.Context, sessionID string, epoch uint64) error {
	if err := os.MkdirAll(m.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	log, err := oplog.Open(m.cfg.OpLogPath())
	if err != nil {
		return err
	}

	// A device taking over starts with whatever log it has, possibly none.
	// Seed a snapshot so replicas that start from nothing get the full set.
	units, err := m.store.All(ctx)
	if err != nil {
		log.Close()
		return fmt.Errorf("read records: %w", err)
	}
	if len(units) > 0 {
		if err := log.WriteSnapshot(ctx, units, log.LatestSeq()); err != nil {
			log.Close()
			return err
		}
	}

	h := host.New(host.Config{
		SessionID:         sessionID,
		HostID:            m.cfg.DeviceID,
		Epoch:             epoch,
		HeartbeatInterval: m.cfg.HeartbeatInterval,
		SendQueue:         m.cfg.SendQueue,
		SnapshotEvery:     m.cfg.SnapshotEvery,
		CatchUpLimit:      m.cfg.CatchUpLimit,
	}, log, m.store)
	h.Subscribe(m.applyLocal)
	if err := h.Listen(m.cfg.MetaAddr); err != nil {
		log.Close()
		return err
	}

	srv := blob.NewServer(m.blobs)
	if err := srv.Listen(m.cfg.BlobAddr); err != nil {
		h.Close()
		log.Close()
		return err
	}

	m.mu.Lock()
	if m.secret == nil {
		if m.secret, err = secure.NewSecret(); err != nil {
			m.mu.Unlock()
			srv.Close()
			h.Close()
			log.Close()
			return err
		}
	}
	m.role = Hosting
	m.sessionID = sessionID
	m.epoch = epoch
	m.log = log
	m.host = h
	m.blobSrv = srv
	m.mu.Unlock()

	if m.advertiser != nil {
		stop, err := m.advertiser.Advertise(discovery.Announcement{
			Instance:  m.instanceName(),
			SessionID: sessionID,
			HostID:    m.cfg.DeviceID,
			Epoch:     epoch,
			MetaPort:  h.Port(),
			BlobPort:  srv.Port(),
		})
		if err != nil {
			slog.Warn("advertise failed, session still reachable by join code", "error", err)
		} else {
			m.mu.Lock()
			m.unadverts = stop
			m.mu.Unlock()
		}
	}

	slog.Info("hosting session",
		"session_id", sessionID,
		"epoch", epoch,
		"meta_addr", h.Addr(),
		"blob_addr", srv.Addr(),
	)
	return nil
}

// applyLocal is the host's own loopback subscriber.
func (m *Manager) applyLocal(op model.Op) {
	if _, err := m.rep.Apply(context.Background(), op); err != nil {
		slog.Error("host apply failed", "op_id", op.OpID, "seq", op.SeqOrZero(), "error", err)
	}
}

func (m *Manager) instanceName() string {
	if m.cfg.DisplayName != "" {
		return m.cfg.DisplayName
	}
	return m.cfg.DeviceID
}

func (m *Manager) stopHosting() {
	m.mu.Lock()
	h, log, srv, unadvert := m.host, m.log, m.blobSrv, m.unadverts
	m.host, m.log, m.blobSrv, m.unadverts = nil, nil, nil, nil
	m.mu.Unlock()

	if unadvert != nil {
		unadvert()
	}
	if h != nil {
		h.Close()
	}
	if srv != nil {
		srv.Close()
	}
	if log != nil {
		if err := log.Close(); err != nil {
			slog.Warn("close op log", "error", err)
		}
	}
}

// RequestHostship makes this device the host. If it is joined and connected,
// the current host is told to hand over first, then this device hosts the
// same session at the claimed epoch.
func (m *Manager) RequestHostship(ctx context.Context) error {
	m.mu.Lock()
	role, sessionID, current, r := m.role, m.sessionID, m.epoch, m.replica
	m.mu.Unlock()

	switch role {
	case Hosting:
		return nil
	case Idle:
		return m.StartHosting(ctx, "")
	}

	if r != nil {
		if st := r.Status(); st.Epoch > current {
			current = st.Epoch
		}
	}
	epoch, err := m.authority.Claim(current)
	if err != nil {
		return fmt.Errorf("claim epoch: %w", err)
	}
	if r != nil {
		if err := r.ClaimHost(m.cfg.DeviceID, epoch); err != nil {
			slog.Warn("host claim not delivered", "error", err)
		} else {
			waitHandover(ctx, r, handoverWait)
		}
	}

	m.leave()
	return m.startHosting(ctx, sessionID, epoch)
}

// handoverWait bounds how long RequestHostship waits for the old host to
// acknowledge the claim before hosting anyway.
const handoverWait = 2 * time.Second

// waitHandover returns once r has seen a hostHandover, lost its connection,
// or d has passed. Closing the connection earlier could drop the claim.
func waitHandover(ctx context.Context, r *replica.Replica, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		st := r.Status()
		if st.Handover != nil || st.LastError != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-r.Done():
			return
		case <-t.C:
			slog.Warn("no handover from previous host", "waited", d)
			return
		case <-tick.C:
		}
	}
}

// JoinInfo returns the code other devices use to join the hosted session.
func (m *Manager) JoinInfo() (JoinInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role != Hosting || m.host == nil {
		return JoinInfo{}, ErrNoSession
	}
	ji := JoinInfo{
		SessionID: m.sessionID,
		Host:      advertiseHost(m.host.Addr()),
		Port:      m.host.Port(),
		Secret:    append([]byte(nil), m.secret...),
		Epoch:     m.epoch,
	}
	if m.blobSrv != nil {
		ji.BlobPort = m.blobSrv.Port()
	}
	return ji, nil
}

// advertiseHost picks an address other devices can dial. A wildcard listen
// address is replaced with the first non-loopback IPv4 address.
func advertiseHost(listen string) string {
	h, _, err := net.SplitHostPort(listen)
	if err == nil {
		if ip := net.ParseIP(h); ip != nil && !ip.IsUnspecified() {
			return h
		}
	}
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok || ipn.IP.IsLoopback() {
				continue
			}
			if ip4 := ipn.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}
