package blob

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, s *Store) *Server {
	t.Helper()
	srv := NewServer(s)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	t.Cleanup(func() { srv.Close() })
	return srv
}

func dialServer(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	nc, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	nc.SetDeadline(time.Now().Add(5 * time.Second))
	return nc, bufio.NewReader(nc)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestServer_GetRange(t *testing.T) {
	s := newTestStore(t)
	hash, err := s.Put([]byte("0123456789"))
	require.NoError(t, err)
	srv := startServer(t, s)
	nc, r := dialServer(t, srv)

	fmt.Fprintf(nc, "GET %s 2 5\n", hash)
	got := make([]byte, 5)
	_, err = io.ReadFull(r, got)
	require.NoError(t, err)
	assert.Equal(t, "23456", string(got))

	// Connection stays open for further requests.
	fmt.Fprintf(nc, "SIZE %s\n", hash)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "10\n", line)
}

func TestServer_FragmentedRequestLine(t *testing.T) {
	s := newTestStore(t)
	hash, err := s.Put([]byte("fragmented"))
	require.NoError(t, err)
	srv := startServer(t, s)
	nc, r := dialServer(t, srv)

	req := fmt.Sprintf("GET %s 0 4\n", hash)
	for i := 0; i < len(req); i += 7 {
		end := min(i+7, len(req))
		_, err := nc.Write([]byte(req[i:end]))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	got := make([]byte, 4)
	_, err = io.ReadFull(r, got)
	require.NoError(t, err)
	assert.Equal(t, "frag", string(got))
}

func TestServer_MalformedLinesIgnored(t *testing.T) {
	s := newTestStore(t)
	hash, err := s.Put([]byte("ok"))
	require.NoError(t, err)
	srv := startServer(t, s)
	nc, r := dialServer(t, srv)

	fmt.Fprint(nc, "HELLO\nGET onlyhash\nGET x -1 5\n")
	fmt.Fprintf(nc, "SIZE %s\n", hash)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "2\n", line, "malformed lines produce no output")
}

func TestServer_UnknownSize(t *testing.T) {
	srv := startServer(t, newTestStore(t))
	nc, r := dialServer(t, srv)

	fmt.Fprintf(nc, "SIZE %s\n", Hash([]byte("nope")))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "-1\n", line)
}

func TestServer_OverlongLineCloses(t *testing.T) {
	srv := startServer(t, newTestStore(t))
	nc, r := dialServer(t, srv)

	_, err := nc.Write([]byte(strings.Repeat("A", MaxLine+10)))
	require.NoError(t, err)

	_, err = r.ReadByte()
	assert.Error(t, err, "server must close the connection")
}

func TestClient_FetchMultiChunk(t *testing.T) {
	remote := newTestStore(t)
	data := randomBytes(t, 3*ChunkSize+123)
	hash, err := remote.Put(data)
	require.NoError(t, err)
	srv := startServer(t, remote)

	local := newTestStore(t)
	c := NewClient(local)
	require.NoError(t, c.Fetch(context.Background(), srv.Addr(), hash))

	got, err := local.ReadRange(hash, 0, len(data)+1)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestClient_FetchResumesFromPartial(t *testing.T) {
	remote := newTestStore(t)
	data := randomBytes(t, 2*ChunkSize+7)
	hash, err := remote.Put(data)
	require.NoError(t, err)
	srv := startServer(t, remote)

	local := newTestStore(t)
	f, _, err := local.OpenPartial(hash)
	require.NoError(t, err)
	_, err = f.Write(data[:ChunkSize+5])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, NewClient(local).Fetch(context.Background(), srv.Addr(), hash))

	got, err := local.ReadRange(hash, 0, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestClient_FetchEmptyBlob(t *testing.T) {
	remote := newTestStore(t)
	hash, err := remote.Put(nil)
	require.NoError(t, err)
	srv := startServer(t, remote)

	local := newTestStore(t)
	require.NoError(t, NewClient(local).Fetch(context.Background(), srv.Addr(), hash))
	assert.True(t, local.Exists(hash))
}

func TestClient_FetchMissing(t *testing.T) {
	srv := startServer(t, newTestStore(t))
	c := NewClient(newTestStore(t))

	err := c.Fetch(context.Background(), srv.Addr(), Hash([]byte("absent")))
	assert.ErrorIs(t, err, ErrNotFound)

	err = c.FetchWithRetry(context.Background(), srv.Addr(), Hash([]byte("absent")), 5)
	assert.ErrorIs(t, err, ErrNotFound, "missing blobs are not retried")
}

func TestClient_FetchWithRetryGivesUp(t *testing.T) {
	// Reserve a port with nothing listening on it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := NewClient(newTestStore(t), WithDialTimeout(200*time.Millisecond))
	err = c.FetchWithRetry(context.Background(), addr, Hash([]byte("x")), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestClient_FetchWithRetryHonorsContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	c := NewClient(newTestStore(t), WithDialTimeout(100*time.Millisecond))
	err = c.FetchWithRetry(ctx, addr, Hash([]byte("x")), 1000)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_IOTimeoutOnSilentServer(t *testing.T) {
	// Accepts and reads, never answers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		io.Copy(io.Discard, nc)
	}()

	c := NewClient(newTestStore(t), WithIOTimeout(100*time.Millisecond))
	start := time.Now()
	err = c.Fetch(context.Background(), ln.Addr().String(), Hash([]byte("x")))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

type recordingFetcher struct {
	mu     sync.Mutex
	hashes []string
	err    error
	done   chan struct{}
}

func (f *recordingFetcher) FetchWithRetry(_ context.Context, _ string, hash string, _ int) error {
	f.mu.Lock()
	f.hashes = append(f.hashes, hash)
	f.mu.Unlock()
	f.done <- struct{}{}
	return f.err
}

func TestPrefetcher_FetchesMissingOnly(t *testing.T) {
	s := newTestStore(t)
	present, err := s.Put([]byte("already here"))
	require.NoError(t, err)

	f := &recordingFetcher{done: make(chan struct{}, 4)}
	p := NewPrefetcher(s, f, func() string { return "127.0.0.1:1" }, 1, 4)
	defer p.Close()

	missing := Hash([]byte("missing"))
	p.Request(present)
	p.Request("not-a-hash")
	p.Request(missing)

	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("prefetch never ran")
	}
	require.Eventually(t, func() bool { return p.Stats().Fetched == 1 }, time.Second, 5*time.Millisecond)

	f.mu.Lock()
	assert.Equal(t, []string{missing}, f.hashes)
	f.mu.Unlock()
}

func TestPrefetcher_NoEndpointCountsMiss(t *testing.T) {
	s := newTestStore(t)
	f := &recordingFetcher{done: make(chan struct{}, 1)}
	p := NewPrefetcher(s, f, func() string { return "" }, 1, 4)
	defer p.Close()

	p.Request(Hash([]byte("a")))
	require.Eventually(t, func() bool { return p.Stats().Misses == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, p.Stats().Fetched)
}
