package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lansync/internal/blob"
	"github.com/roach88/lansync/internal/config"
)

// BlobOptions holds flags for the blob subcommands.
type BlobOptions struct {
	*RootOptions
	From    string
	Output  string
	Listen  string
	Timeout time.Duration
}

// BlobPutResult lists stored files by hash.
type BlobPutResult struct {
	Blobs []StoredBlob `json:"blobs"`
}

// StoredBlob is one file written to the blob store.
type StoredBlob struct {
	File string `json:"file"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

func (s StoredBlob) String() string {
	if s.File == "" {
		return fmt.Sprintf("%s (%d bytes)", s.Hash, s.Size)
	}
	return fmt.Sprintf("%s  %s (%d bytes)", s.Hash, s.File, s.Size)
}

func (r BlobPutResult) String() string {
	lines := make([]string, len(r.Blobs))
	for i, s := range r.Blobs {
		lines[i] = s.String()
	}
	return strings.Join(lines, "\n")
}

// NewBlobCommand creates the blob command group.
func NewBlobCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BlobOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "blob",
		Short: "Work with the local blob store",
		Long: `Store, fetch and serve content-addressed blobs.

Blobs are stored under the data directory by their SHA-256 hash. Fetches
resume from a partial download after an interruption.`,
	}

	put := &cobra.Command{
		Use:   "put <file>...",
		Short: "Store files and print their hashes",
		Example: `  lansync blob put scan-0012.jpg
  lansync blob put *.jpg --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBlobPut(opts, args, cmd)
		},
	}

	get := &cobra.Command{
		Use:   "get <hash>",
		Short: "Fetch a blob from another device",
		Example: `  lansync blob get 9f86d08...b0f00a08 --from 192.168.1.20:7401
  lansync blob get 9f86d08...b0f00a08 --from 192.168.1.20:7401 -o scan.jpg`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBlobGet(opts, args[0], cmd)
		},
	}
	get.Flags().StringVar(&opts.From, "from", "", "blob server address host:port (required)")
	_ = get.MarkFlagRequired("from")
	get.Flags().StringVarP(&opts.Output, "output", "o", "", "also copy the blob to this file")
	get.Flags().DurationVar(&opts.Timeout, "timeout", 0, "deadline per blob request (defaults to blob_timeout from config)")

	serve := &cobra.Command{
		Use:           "serve",
		Short:         "Serve the local blob store until interrupted",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBlobServe(opts, cmd)
		},
	}
	serve.Flags().StringVar(&opts.Listen, "listen", "", "listen address (defaults to blob_addr from config)")

	cmd.AddCommand(put, get, serve)
	return cmd
}

func (o *BlobOptions) openStore() (*blob.Store, config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, cfg, err
	}
	s, err := blob.NewStore(cfg.BlobDir())
	if err != nil {
		return nil, cfg, WrapExitError(ExitCommandError, "failed to open blob store", err)
	}
	return s, cfg, nil
}

func runBlobPut(opts *BlobOptions, files []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	s, _, err := opts.openStore()
	if err != nil {
		return err
	}

	var res BlobPutResult
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return f.Fail(ExitCommandError, CodeBadInput, "failed to read "+file, err)
		}
		hash, err := s.Put(data)
		if err != nil {
			return f.Fail(ExitFailure, CodeStorage, "failed to store "+file, err)
		}
		f.VerboseLog("stored %s as %s", file, hash)
		res.Blobs = append(res.Blobs, StoredBlob{File: file, Hash: hash, Size: int64(len(data))})
	}
	return f.Success(res)
}

func runBlobGet(opts *BlobOptions, hash string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	setupLogging(cmd.ErrOrStderr(), opts.Verbose)
	if !blob.ValidHash(hash) {
		return f.Fail(ExitCommandError, CodeBadInput, "invalid hash", nil)
	}
	s, cfg, err := opts.openStore()
	if err != nil {
		return err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = cfg.BlobTimeout
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	client := blob.NewClient(s, blob.WithIOTimeout(timeout))
	if err := client.FetchWithRetry(ctx, opts.From, hash, 0); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return f.Fail(ExitFailure, CodeNotFound, "blob not found on "+opts.From, err)
		}
		return f.Fail(ExitFailure, CodeNetwork, "fetch failed", err)
	}

	size, err := s.Size(hash)
	if err != nil {
		return f.Fail(ExitFailure, CodeStorage, "fetched blob unreadable", err)
	}
	if opts.Output != "" {
		if err := copyBlob(s, hash, opts.Output); err != nil {
			return f.Fail(ExitFailure, CodeStorage, "failed to write "+opts.Output, err)
		}
	}
	return f.Success(StoredBlob{File: opts.Output, Hash: hash, Size: size})
}

func copyBlob(s *blob.Store, hash, dst string) error {
	src, err := s.Path(hash)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func runBlobServe(opts *BlobOptions, cmd *cobra.Command) error {
	setupLogging(cmd.ErrOrStderr(), opts.Verbose)
	s, cfg, err := opts.openStore()
	if err != nil {
		return err
	}
	addr := cfg.BlobAddr
	if opts.Listen != "" {
		addr = opts.Listen
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if err := blob.NewServer(s).Serve(ctx, addr); err != nil {
		return WrapExitError(ExitFailure, "blob server failed", err)
	}
	return nil
}
