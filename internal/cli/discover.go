package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lansync/internal/discovery"
)

// DiscoverOptions holds flags for the discover command.
type DiscoverOptions struct {
	*RootOptions
	Timeout time.Duration
}

// DiscoverResult lists sessions seen on the network.
type DiscoverResult struct {
	Sessions []discovery.Peer `json:"sessions"`
}

func (r DiscoverResult) String() string {
	if len(r.Sessions) == 0 {
		return "No sessions found"
	}
	var b strings.Builder
	for i, p := range r.Sessions {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s  %s  host=%s epoch=%d  meta=%s blob=%s",
			p.Instance, p.SessionID, p.HostID, p.Epoch, p.MetaAddr(), p.BlobAddr())
	}
	return b.String()
}

// NewDiscoverCommand creates the discover command.
func NewDiscoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiscoverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List sessions advertised on the local network",
		Long: `Browse mDNS for hosted sessions.

Only hosts started with --advertise (or advertise: true in the config) are
listed. When a session has changed hosts, the newest epoch is shown.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(opts, cmd)
		},
	}
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 3*time.Second, "how long to listen")

	return cmd
}

func runDiscover(opts *DiscoverOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	setupLogging(cmd.ErrOrStderr(), opts.Verbose)

	peers, err := discovery.Browse(cmd.Context(), opts.Timeout)
	if err != nil {
		return f.Fail(ExitFailure, CodeNetwork, "discovery failed", err)
	}
	if peers == nil {
		peers = []discovery.Peer{}
	}
	return f.Success(DiscoverResult{Sessions: peers})
}
