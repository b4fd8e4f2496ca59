package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lansync/internal/session"
)

// TakeoverOptions holds flags for the takeover command.
type TakeoverOptions struct {
	SessionOptions
	Timeout time.Duration
}

// NewTakeoverCommand creates the takeover command.
func NewTakeoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TakeoverOptions{SessionOptions: SessionOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "takeover <join-code>",
		Short: "Take over hosting of a running session",
		Long: `Join a session, catch up on its history, then ask the current host to
hand over and host the same session at the next epoch.

The previous host stops sequencing once it acknowledges the claim. Other
devices must rejoin with the join code printed here.

Examples:
  lansync takeover eyJzZXNzaW9uSUQiOi...
  lansync takeover eyJzZXNzaW9uSUQiOi... --listen 0.0.0.0:7400 --timeout 30s`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTakeover(opts, args[0], cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "how long to wait for catch-up before claiming")

	return cmd
}

func runTakeover(opts *TakeoverOptions, code string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	info, err := session.DecodeJoin(code)
	if err != nil {
		return f.Fail(ExitCommandError, CodeJoinCode, "invalid join code", err)
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
	if err := waitCaughtUp(ctx, n.manager, opts.Timeout); err != nil {
		return f.Fail(ExitFailure, CodeNetwork, "did not catch up with the host", err)
	}
	if err := n.manager.RequestHostship(ctx); err != nil {
		return f.Fail(ExitFailure, CodeNetwork, "failed to take over hosting", err)
	}

	next, err := n.manager.JoinInfo()
	if err != nil {
		return f.Fail(ExitFailure, CodeNetwork, "failed to build join info", err)
	}
	newCode, err := session.EncodeJoin(next)
	if err != nil {
		return f.Fail(ExitFailure, CodeJoinCode, "failed to encode join code", err)
	}
	st := n.manager.Status()
	if err := f.Success(HostResult{
		SessionID: next.SessionID,
		Epoch:     next.Epoch,
		MetaAddr:  st.HostAddr,
		BlobAddr:  st.BlobAddr,
		JoinCode:  newCode,
	}); err != nil {
		return err
	}

	waitSession(ctx, n.manager, opts.StatusEvery)
	return nil
}

var errNotCaughtUp = errors.New("catch-up incomplete")

// waitCaughtUp returns once the joined replica has applied everything the
// host had sequenced when it connected.
func waitCaughtUp(ctx context.Context, m *session.Manager, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if st := m.Status(); st.Replica != nil && st.Replica.CaughtUp && st.LastSeq >= st.Replica.LatestSeq {
			return nil
		}
		select {
		case <-ctx.Done():
			return errNotCaughtUp
		case <-tick.C:
		}
	}
}
