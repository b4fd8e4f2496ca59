// Package discovery advertises and finds sessions on the local network over
// mDNS. Discovery is a convenience: a device that knows the host address can
// always join directly from a join code.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// Service types registered by a hosting device.
const (
	MetaService = "_lansyncmeta._tcp"
	BlobService = "_lansyncblob._tcp"
	Domain      = "local."
)

// TXT record keys.
const (
	keySession = "session"
	keyHost    = "host"
	keyEpoch   = "epoch"
	keyBlob    = "blob"
)

// Announcement describes a hosted session.
type Announcement struct {
	Instance  string `json:"instance"`
	SessionID string `json:"sessionID"`
	HostID    string `json:"hostID"`
	Epoch     uint64 `json:"epoch"`
	MetaPort  int    `json:"metaPort"`
	BlobPort  int    `json:"blobPort"`
}

// Peer is a session found on the network.
type Peer struct {
	Announcement
	Addr string `json:"addr"`
}

// MetaAddr returns host:port for the metadata service.
func (p Peer) MetaAddr() string {
	return net.JoinHostPort(p.Addr, strconv.Itoa(p.MetaPort))
}

// BlobAddr returns host:port for the blob service, or "" if unknown.
func (p Peer) BlobAddr() string {
	if p.BlobPort == 0 {
		return ""
	}
	return net.JoinHostPort(p.Addr, strconv.Itoa(p.BlobPort))
}

// Advertiser publishes an Announcement until stop is called.
type Advertiser interface {
	Advertise(a Announcement) (stop func(), err error)
}

// MDNS is the zeroconf-backed Advertiser.
type MDNS struct{}

// Advertise registers both service types.
func (MDNS) Advertise(a Announcement) (func(), error) {
	txt := a.txt()
	meta, err := zeroconf.Register(a.Instance, MetaService, Domain, a.MetaPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", MetaService, err)
	}
	blob, err := zeroconf.Register(a.Instance, BlobService, Domain, a.BlobPort, txt, nil)
	if err != nil {
		meta.Shutdown()
		return nil, fmt.Errorf("register %s: %w", BlobService, err)
	}
	slog.Info("advertising session", "instance", a.Instance, "session_id", a.SessionID, "meta_port", a.MetaPort, "blob_port", a.BlobPort)
	return func() {
		meta.Shutdown()
		blob.Shutdown()
	}, nil
}

func (a Announcement) txt() []string {
	return []string{
		keySession + "=" + a.SessionID,
		keyHost + "=" + a.HostID,
		keyEpoch + "=" + strconv.FormatUint(a.Epoch, 10),
		keyBlob + "=" + strconv.Itoa(a.BlobPort),
	}
}

// Browse collects metadata services seen within timeout. The highest epoch
// per session wins, since a retired host may still be advertising.
func Browse(ctx context.Context, timeout time.Duration) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, MetaService, Domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	best := make(map[string]Peer)
	var order []string
	for {
		select {
		case <-ctx.Done():
			peers := make([]Peer, 0, len(order))
			for _, id := range order {
				peers = append(peers, best[id])
			}
			return peers, nil
		case e, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			p, ok := peerFromEntry(e)
			if !ok {
				continue
			}
			prev, seen := best[p.SessionID]
			if !seen {
				order = append(order, p.SessionID)
			}
			if !seen || p.Epoch > prev.Epoch {
				best[p.SessionID] = p
			}
		}
	}
}

func peerFromEntry(e *zeroconf.ServiceEntry) (Peer, bool) {
	if e == nil || len(e.AddrIPv4) == 0 && len(e.AddrIPv6) == 0 {
		return Peer{}, false
	}
	a, ok := parseTXT(e.Text)
	if !ok {
		return Peer{}, false
	}
	a.Instance = e.Instance
	a.MetaPort = e.Port

	addr := ""
	if len(e.AddrIPv4) > 0 {
		addr = e.AddrIPv4[0].String()
	} else {
		addr = e.AddrIPv6[0].String()
	}
	return Peer{Announcement: a, Addr: addr}, true
}

// parseTXT reads an Announcement from TXT records. The session key is
// required; unknown keys are ignored.
func parseTXT(txt []string) (Announcement, bool) {
	var a Announcement
	for _, kv := range txt {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case keySession:
			a.SessionID = v
		case keyHost:
			a.HostID = v
		case keyEpoch:
			a.Epoch, _ = strconv.ParseUint(v, 10, 64)
		case keyBlob:
			a.BlobPort, _ = strconv.Atoi(v)
		}
	}
	return a, a.SessionID != ""
}
