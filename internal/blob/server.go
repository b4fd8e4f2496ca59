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
	"sync"
	"time"
)

// Protocol limits.
const (
	// MaxLine bounds a request line, newline included.
	MaxLine = 1024

	// MaxRequestLength caps the byte count a single GET may ask for.
	MaxRequestLength = 1 << 20
)

// Server answers blob range requests on a dedicated TCP listener.
//
// Request lines:
//
//	GET <hash> <offset> <length>\n   -> raw bytes (short at EOF, empty on miss)
//	SIZE <hash>\n                    -> "<size>\n", or "-1\n" if unknown
//
// Malformed lines are ignored; the connection stays open.
type Server struct {
	store *Store

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server over store.
func NewServer(store *Store) *Server {
	return &Server{
		store: store,
		conns: make(map[net.Conn]struct{}),
	}
}

// Listen binds addr (e.g. ":0") and starts accepting in the background.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("blob listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	slog.Info("blob server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listener address, or "" if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the bound TCP port, or 0 if not listening.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Close stops the listener and every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("blob accept failed", "error", err)
			}
			return
		}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(c)
		}()
	}
}

// serveConn reads one request line at a time, replies, and continues.
func (s *Server) serveConn(c net.Conn) {
	defer func() {
		c.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	r := bufio.NewReaderSize(c, MaxLine)
	w := bufio.NewWriter(c)
	for {
		line, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			slog.Warn("blob request line too long, closing", "remote", c.RemoteAddr().String())
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("blob connection read failed", "error", err)
			}
			return
		}

		if err := s.handleLine(w, strings.TrimSpace(string(line))); err != nil {
			slog.Debug("blob reply failed", "error", err)
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) handleLine(w io.Writer, line string) error {
	parts := strings.Fields(line)
	switch {
	case len(parts) == 4 && parts[0] == "GET":
		offset, err1 := strconv.ParseInt(parts[2], 10, 64)
		length, err2 := strconv.Atoi(parts[3])
		if err1 != nil || err2 != nil || offset < 0 || length < 0 {
			slog.Debug("ignoring malformed GET", "line", line)
			return nil
		}
		if length > MaxRequestLength {
			length = MaxRequestLength
		}
		chunk, err := s.store.ReadRange(parts[1], offset, length)
		if err != nil {
			// Miss or bad hash: zero-length reply.
			return nil
		}
		_, err = w.Write(chunk)
		return err

	case len(parts) == 2 && parts[0] == "SIZE":
		size, err := s.store.Size(parts[1])
		if err != nil {
			size = -1
		}
		_, err = fmt.Fprintf(w, "%d\n", size)
		return err

	default:
		slog.Debug("ignoring unknown blob request", "line", line)
		return nil
	}
}

// Serve is a convenience that listens on addr and blocks until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	<-ctx.Done()
	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Close() }()
	select {
	case err := <-done:
		return err
	case <-closeCtx.Done():
		return closeCtx.Err()
	}
}
