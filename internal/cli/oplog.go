package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/lansync/internal/model"
	"github.com/roach88/lansync/internal/oplog"
)

// OpLogOptions holds flags for the oplog subcommands.
type OpLogOptions struct {
	*RootOptions
	Since  uint64
	Limit  int
	Record string
}

// OpLogDump is the dump command's output.
type OpLogDump struct {
	LatestSeq uint64     `json:"latest_seq"`
	Ops       []model.Op `json:"ops"`
}

func (d OpLogDump) String() string {
	if len(d.Ops) == 0 {
		return fmt.Sprintf("No ops (latest seq %d)", d.LatestSeq)
	}
	var b strings.Builder
	for i, op := range d.Ops {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(formatOp(op))
	}
	return b.String()
}

// formatOp renders one op as a single text line.
func formatOp(op model.Op) string {
	line := fmt.Sprintf("%6d  e%-3d %-13s %s  %s  %s",
		op.SeqOrZero(), op.Epoch, op.Kind, op.RecordID, op.Time.UTC().Format(time.RFC3339), op.AuthorDevice)
	switch {
	case op.BoolValue != nil:
		line += fmt.Sprintf("  %t", *op.BoolValue)
	case op.BlobHash != nil:
		line += "  " + *op.BlobHash
	case op.ClaimOwner != nil:
		line += "  owner=" + *op.ClaimOwner
	case len(op.Fields) > 0:
		line += "  " + strings.Join(op.Fields.SortedKeys(), ",")
	}
	return line
}

// OpLogStats summarizes the log.
type OpLogStats struct {
	Path         string `json:"path"`
	Ops          int    `json:"ops"`
	LatestSeq    uint64 `json:"latest_seq"`
	SnapshotSeq  uint64 `json:"snapshot_seq,omitempty"`
	SnapshotSize int    `json:"snapshot_units,omitempty"`
}

func (s OpLogStats) String() string {
	out := fmt.Sprintf("%s\n  ops:        %d\n  latest seq: %d", s.Path, s.Ops, s.LatestSeq)
	if s.SnapshotSeq > 0 || s.SnapshotSize > 0 {
		out += fmt.Sprintf("\n  snapshot:   seq %d, %d units", s.SnapshotSeq, s.SnapshotSize)
	}
	return out
}

// NewOpLogCommand creates the oplog command group.
func NewOpLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OpLogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "oplog",
		Short: "Inspect the host op log",
		Long: `Inspect the durable op log kept by a device that has hosted a session.

The log is opened read-side only; do not run these while the same data
directory is hosting.`,
	}

	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print sequenced ops",
		Example: `  lansync oplog dump
  lansync oplog dump --since 500 --limit 100
  lansync oplog dump --record 0190f2c1-5b7e-7a4c-9d2e-3f1a2b3c4d5e --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpLogDump(opts, cmd)
		},
	}
	dump.Flags().Uint64Var(&opts.Since, "since", 0, "only ops with seq greater than this")
	dump.Flags().IntVar(&opts.Limit, "limit", 0, "maximum ops to print (0 for all)")
	dump.Flags().StringVar(&opts.Record, "record", "", "only ops for this record id")

	stats := &cobra.Command{
		Use:           "stats",
		Short:         "Summarize the op log",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpLogStats(opts, cmd)
		},
	}

	cmd.AddCommand(dump, stats)
	return cmd
}

func (o *OpLogOptions) open() (*oplog.Log, string, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, "", err
	}
	path := cfg.OpLogPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, path, WrapExitError(ExitCommandError, "no op log at "+path, err)
	}
	l, err := oplog.Open(path)
	if err != nil {
		return nil, path, WrapExitError(ExitCommandError, "failed to open op log", err)
	}
	return l, path, nil
}

func runOpLogDump(opts *OpLogOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	f := opts.formatter(cmd)

	var recordID uuid.UUID
	if opts.Record != "" {
		var err error
		if recordID, err = uuid.Parse(opts.Record); err != nil {
			return f.Fail(ExitCommandError, CodeBadInput, "invalid record id", err)
		}
	}

	l, _, err := opts.open()
	if err != nil {
		return err
	}
	defer l.Close()

	var ops []model.Op
	if opts.Record != "" {
		ops, err = l.RecordOps(ctx, recordID)
		ops = filterSince(ops, opts.Since, opts.Limit)
	} else {
		ops, err = l.Ops(ctx, opts.Since, opts.Limit)
	}
	if err != nil {
		return f.Fail(ExitFailure, CodeStorage, "failed to read op log", err)
	}
	return f.Success(OpLogDump{LatestSeq: l.LatestSeq(), Ops: ops})
}

// filterSince applies --since and --limit to an already ordered slice.
func filterSince(ops []model.Op, since uint64, limit int) []model.Op {
	out := ops[:0]
	for _, op := range ops {
		if op.SeqOrZero() <= since {
			continue
		}
		out = append(out, op)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func runOpLogStats(opts *OpLogOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	f := opts.formatter(cmd)

	l, path, err := opts.open()
	if err != nil {
		return err
	}
	defer l.Close()

	n, err := l.Count(ctx)
	if err != nil {
		return f.Fail(ExitFailure, CodeStorage, "failed to count ops", err)
	}
	st := OpLogStats{Path: path, Ops: n, LatestSeq: l.LatestSeq()}
	snap, ok, err := l.ReadLatestSnapshot(ctx)
	if err != nil {
		return f.Fail(ExitFailure, CodeStorage, "failed to read snapshot", err)
	}
	if ok {
		st.SnapshotSeq = snap.Seq
		st.SnapshotSize = len(snap.Units)
	}
	return f.Success(st)
}
