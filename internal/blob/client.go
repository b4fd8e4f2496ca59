package blob

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// ChunkSize is the number of bytes requested per GET.
const ChunkSize = 64 * 1024

// DefaultMaxAttempts bounds FetchWithRetry when the caller passes zero.
const DefaultMaxAttempts = 8

// Client downloads blobs from a remote Server into a local Store.
type Client struct {
	store       *Store
	dialTimeout time.Duration
	ioTimeout   time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialTimeout sets the TCP dial timeout.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.dialTimeout = d }
}

// WithIOTimeout sets the per-request read/write deadline.
func WithIOTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.ioTimeout = d }
}

// NewClient creates a client that writes into store.
func NewClient(store *Store, opts ...ClientOption) *Client {
	c := &Client{
		store:       store,
		dialTimeout: 5 * time.Second,
		ioTimeout:   30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fetch downloads hash from addr, resuming from any partial file left by an
// earlier attempt. It returns nil immediately if the blob is already stored.
// Returns ErrNotFound if the remote does not have the blob.
func (c *Client) Fetch(ctx context.Context, addr, hash string) error {
	if !ValidHash(hash) {
		return fmt.Errorf("%q: %w", hash, ErrInvalidHash)
	}
	if c.store.Exists(hash) {
		return nil
	}

	var d net.Dialer
	d.Timeout = c.dialTimeout
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial blob server %s: %w", addr, err)
	}
	defer nc.Close()

	// Unblock pending reads when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { nc.SetDeadline(time.Now()) })
	defer stop()

	r := bufio.NewReader(nc)

	total, err := c.remoteSize(nc, r, hash)
	if err != nil {
		return err
	}
	if total < 0 {
		return fmt.Errorf("fetch %s from %s: %w", hash, addr, ErrNotFound)
	}

	f, offset, err := c.store.OpenPartial(hash)
	if err != nil {
		return err
	}
	if offset > total {
		// Stale partial from a different attempt; start over.
		f.Close()
		c.store.DiscardPartial(hash)
		if f, offset, err = c.store.OpenPartial(hash); err != nil {
			return err
		}
	}

	copyErr := c.copyRange(ctx, nc, r, f, hash, offset, total)
	if cerr := f.Close(); copyErr == nil && cerr != nil {
		copyErr = fmt.Errorf("close partial %s: %w", hash, cerr)
	}
	if copyErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return copyErr
	}
	return c.store.CommitPartial(hash)
}

// remoteSize issues SIZE and parses the reply.
func (c *Client) remoteSize(nc net.Conn, r *bufio.Reader, hash string) (int64, error) {
	c.deadline(nc)
	if _, err := fmt.Fprintf(nc, "SIZE %s\n", hash); err != nil {
		return 0, fmt.Errorf("send SIZE: %w", err)
	}
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("read SIZE reply: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse SIZE reply %q: %w", line, err)
	}
	return n, nil
}

// copyRange requests ChunkSize slices from offset until total bytes have been
// written to w.
func (c *Client) copyRange(ctx context.Context, nc net.Conn, r *bufio.Reader, w io.Writer, hash string, offset, total int64) error {
	buf := make([]byte, ChunkSize)
	for offset < total {
		if err := ctx.Err(); err != nil {
			return err
		}
		want := int64(ChunkSize)
		if rem := total - offset; rem < want {
			want = rem
		}

		c.deadline(nc)
		if _, err := fmt.Fprintf(nc, "GET %s %d %d\n", hash, offset, want); err != nil {
			return fmt.Errorf("send GET: %w", err)
		}
		if _, err := io.ReadFull(r, buf[:want]); err != nil {
			return fmt.Errorf("read chunk at %d: %w", offset, err)
		}
		if _, err := w.Write(buf[:want]); err != nil {
			return fmt.Errorf("write partial at %d: %w", offset, err)
		}
		offset += want
		slog.Debug("blob chunk received", "hash", hash, "offset", offset, "total", total)
	}
	return nil
}

func (c *Client) deadline(nc net.Conn) {
	if c.ioTimeout > 0 {
		nc.SetDeadline(time.Now().Add(c.ioTimeout))
	}
}

// FetchWithRetry calls Fetch until it succeeds, the blob is reported missing,
// ctx is done, or maxAttempts attempts have failed. Each retry resumes from
// the bytes already written. maxAttempts <= 0 uses DefaultMaxAttempts.
func (c *Client) FetchWithRetry(ctx context.Context, addr, hash string, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	var err error
	for attempt := 1; ; attempt++ {
		err = c.Fetch(ctx, addr, hash)
		if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidHash) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("fetch %s after %d attempts: %w", hash, attempt, err)
		}

		wait := b.NextBackOff()
		slog.Warn("blob fetch failed, retrying", "hash", hash, "attempt", attempt, "wait", wait, "error", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
