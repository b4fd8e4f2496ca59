package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/lansync/internal/blob"
	"github.com/roach88/lansync/internal/config"
	"github.com/roach88/lansync/internal/discovery"
	"github.com/roach88/lansync/internal/records"
	"github.com/roach88/lansync/internal/session"
)

// node is one device's open storage plus its session manager.
type node struct {
	cfg     config.Config
	store   records.Store
	blobs   *blob.Store
	manager *session.Manager
	closers []func() error
}

// openNode prepares the data directory, resolves the device id, and opens
// the record and blob stores.
func openNode(cfg config.Config) (*node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	id, err := resolveDeviceID(&cfg)
	if err != nil {
		return nil, err
	}
	cfg.DeviceID = id

	n := &node{cfg: cfg}
	switch cfg.Records {
	case config.RecordsMemory:
		n.store = records.NewMemory()
	default:
		b, err := records.OpenBolt(cfg.RecordsPath())
		if err != nil {
			return nil, err
		}
		n.store = b
		n.closers = append(n.closers, b.Close)
	}

	if n.blobs, err = blob.NewStore(cfg.BlobDir()); err != nil {
		n.Close()
		return nil, err
	}

	var opts []session.Option
	if cfg.Advertise {
		opts = append(opts, session.WithAdvertiser(discovery.MDNS{}))
	}
	if n.manager, err = session.New(cfg, n.store, n.blobs, opts...); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

// Close shuts the manager down before the stores it writes to.
func (n *node) Close() error {
	var errs []error
	if n.manager != nil {
		errs = append(errs, n.manager.Close())
	}
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = append(errs, n.closers[i]())
	}
	return errors.Join(errs...)
}

// resolveDeviceID returns cfg.DeviceID, or the id persisted under the data
// directory, creating one on first use.
func resolveDeviceID(cfg *config.Config) (string, error) {
	if cfg.DeviceID != "" {
		return cfg.DeviceID, nil
	}
	path := cfg.DeviceIDPath()
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write device id: %w", err)
	}
	slog.Info("created device id", "device_id", id, "path", path)
	return id, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM or when the
// command's own context ends.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
