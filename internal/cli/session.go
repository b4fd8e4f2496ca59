package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lansync/internal/config"
	"github.com/roach88/lansync/internal/discovery"
	"github.com/roach88/lansync/internal/session"
)

// SessionOptions holds flags shared by host and join.
type SessionOptions struct {
	*RootOptions
	MetaAddr    string
	BlobAddr    string
	StatusEvery time.Duration
}

func (o *SessionOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.MetaAddr, "listen", "", "metadata listen address (overrides config)")
	cmd.Flags().StringVar(&o.BlobAddr, "blob-listen", "", "blob listen address (overrides config)")
	cmd.Flags().DurationVar(&o.StatusEvery, "status-every", 30*time.Second, "log session status at this interval (0 disables)")
}

// openSessionNode loads config, applies session flags and any extra
// overrides, and opens the node.
func (o *SessionOptions) openSessionNode(cmd *cobra.Command, override func(*config.Config)) (*node, error) {
	setupLogging(cmd.ErrOrStderr(), o.Verbose)
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if o.MetaAddr != "" {
		cfg.MetaAddr = o.MetaAddr
	}
	if o.BlobAddr != "" {
		cfg.BlobAddr = o.BlobAddr
	}
	if override != nil {
		override(&cfg)
	}
	n, err := openNode(cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open data dir", err)
	}
	return n, nil
}

// HostOptions holds flags for the host command.
type HostOptions struct {
	SessionOptions
	SessionID string
	Advertise bool
}

// HostResult is printed once hosting starts.
type HostResult struct {
	SessionID string `json:"session_id"`
	Epoch     uint64 `json:"epoch"`
	MetaAddr  string `json:"meta_addr"`
	BlobAddr  string `json:"blob_addr"`
	JoinCode  string `json:"join_code"`
}

func (r HostResult) String() string {
	return fmt.Sprintf("Hosting session %s (epoch %d)\n  metadata: %s\n  blobs:    %s\nJoin code:\n  %s",
		r.SessionID, r.Epoch, r.MetaAddr, r.BlobAddr, r.JoinCode)
}

// NewHostCommand creates the host command.
func NewHostCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HostOptions{SessionOptions: SessionOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Host a session",
		Long: `Host a replication session on this device.

The host sequences every change, keeps the durable op log, and serves
attached images. It prints a join code for the other devices and runs
until interrupted.

Examples:
  lansync host
  lansync host --listen 0.0.0.0:7400 --advertise
  lansync host --session 0190f2c1-5b7e-7a4c-9d2e-3f1a2b3c4d5e --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(opts, cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "resume this session id instead of starting a new one")
	cmd.Flags().BoolVar(&opts.Advertise, "advertise", false, "advertise the session over mDNS")

	return cmd
}

func runHost(opts *HostOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	n, err := opts.openSessionNode(cmd, func(c *config.Config) {
		if opts.Advertise {
			c.Advertise = true
		}
	})
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if err := n.manager.StartHosting(ctx, opts.SessionID); err != nil {
		return f.Fail(ExitFailure, CodeNetwork, "failed to start hosting", err)
	}
	info, err := n.manager.JoinInfo()
	if err != nil {
		return f.Fail(ExitFailure, CodeNetwork, "failed to build join info", err)
	}
	code, err := session.EncodeJoin(info)
	if err != nil {
		return f.Fail(ExitFailure, CodeJoinCode, "failed to encode join code", err)
	}

	st := n.manager.Status()
	if err := f.Success(HostResult{
		SessionID: info.SessionID,
		Epoch:     info.Epoch,
		MetaAddr:  st.HostAddr,
		BlobAddr:  st.BlobAddr,
		JoinCode:  code,
	}); err != nil {
		return err
	}

	waitSession(ctx, n.manager, opts.StatusEvery)
	return nil
}

// JoinOptions holds flags for the join command.
type JoinOptions struct {
	SessionOptions
	Discover bool
	Timeout  time.Duration
}

// JoinResult is printed once connected.
type JoinResult struct {
	SessionID string `json:"session_id"`
	HostAddr  string `json:"host_addr"`
	Epoch     uint64 `json:"epoch"`
}

func (r JoinResult) String() string {
	return fmt.Sprintf("Joined session %s at %s (epoch %d)", r.SessionID, r.HostAddr, r.Epoch)
}

// NewJoinCommand creates the join command.
func NewJoinCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JoinOptions{SessionOptions: SessionOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "join [join-code]",
		Short: "Join a hosted session",
		Long: `Join a session using the code printed by "lansync host", or the first
session found on the network with --discover.

The device catches up on everything it missed, then applies changes as the
host broadcasts them. A lost connection is retried with backoff until
interrupted.

Examples:
  lansync join eyJzZXNzaW9uSUQiOi...
  lansync join --discover --timeout 5s`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(opts, args, cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().BoolVar(&opts.Discover, "discover", false, "join the first session found over mDNS")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 3*time.Second, "how long to browse with --discover")

	return cmd
}

func runJoin(opts *JoinOptions, args []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	var info session.JoinInfo
	switch {
	case len(args) == 1:
		var err error
		if info, err = session.DecodeJoin(args[0]); err != nil {
			return f.Fail(ExitCommandError, CodeJoinCode, "invalid join code", err)
		}
	case opts.Discover:
		peers, err := discovery.Browse(cmd.Context(), opts.Timeout)
		if err != nil {
			return f.Fail(ExitFailure, CodeNetwork, "discovery failed", err)
		}
		if len(peers) == 0 {
			return f.Fail(ExitFailure, CodeNotFound, "no sessions found", nil)
		}
		info = joinInfoFromPeer(peers[0])
	default:
		return NewExitError(ExitCommandError, "a join code or --discover is required")
	}

	n, err := opts.openSessionNode(cmd, nil)
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if err := n.manager.Join(ctx, info); err != nil {
		return f.Fail(ExitFailure, CodeNetwork, "failed to join session", err)
	}
	if err := f.Success(JoinResult{SessionID: info.SessionID, HostAddr: info.MetaAddr(), Epoch: info.Epoch}); err != nil {
		return err
	}

	waitSession(ctx, n.manager, opts.StatusEvery)
	return nil
}

func joinInfoFromPeer(p discovery.Peer) session.JoinInfo {
	return session.JoinInfo{
		SessionID: p.SessionID,
		Host:      p.Addr,
		Port:      p.MetaPort,
		BlobPort:  p.BlobPort,
		Epoch:     p.Epoch,
	}
}

// waitSession blocks until ctx ends, logging status every interval.
func waitSession(ctx context.Context, m *session.Manager, every time.Duration) {
	var tick <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			logStatus(m.Status())
			return
		case <-tick:
			logStatus(m.Status())
		}
	}
}

func logStatus(st session.Status) {
	attrs := []any{
		"role", st.Role.String(),
		"session_id", st.SessionID,
		"epoch", st.Epoch,
		"last_seq", st.LastSeq,
		"pending", st.Pending,
		"leases", st.Leases,
		"prefetched", st.Prefetch.Fetched,
		"prefetch_misses", st.Prefetch.Misses,
	}
	if st.Role == session.Hosting {
		attrs = append(attrs, "replicas", st.Replicas, "retired", st.Retired)
	}
	if st.Replica != nil {
		attrs = append(attrs, "connected", st.Replica.Connected, "host_id", st.Replica.HostID)
	}
	slog.Info("session status", attrs...)
}
