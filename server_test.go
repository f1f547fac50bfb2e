package tftp

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type nopReadCloser struct{ io.Reader }

func (nopReadCloser) Close() error { return nil }

func startTestServer(t *testing.T, root string) *Server {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		Addr:    "127.0.0.1:0",
		Root:    root,
		Timeout: 200 * time.Millisecond,
		Retries: 3,
	})
	require.NoError(t, err)

	var g errgroup.Group
	g.Go(srv.Run)
	t.Cleanup(func() {
		require.NoError(t, srv.Shutdown(false))
		_ = g.Wait()
	})
	return srv
}

func TestClientGetDownloadsExistingFile(t *testing.T) {
	root := t.TempDir()
	want := bytes.Repeat([]byte("tftp-payload-"), 100) // spans multiple blocks
	require.NoError(t, os.WriteFile(filepath.Join(root, "file.bin"), want, 0o644))

	srv := startTestServer(t, root)
	client := NewClient(ClientConfig{Timeout: 200 * time.Millisecond, Retries: 3})

	var buf bytes.Buffer
	m, err := client.Get(srv.Addr().String(), "file.bin", ModeOctet, ClientOptions{}, nopWriteCloser{&buf})
	require.NoError(t, err)
	require.Equal(t, want, buf.Bytes())
	require.Equal(t, uint64(len(want)), m.Bytes)
}

func TestClientPutUploadsNewFile(t *testing.T) {
	root := t.TempDir()
	srv := startTestServer(t, root)
	client := NewClient(ClientConfig{Timeout: 200 * time.Millisecond, Retries: 3})

	payload := bytes.Repeat([]byte("upload-content-"), 80)
	size := uint64(len(payload))
	_, err := client.Put(srv.Addr().String(), "uploaded.bin", ModeOctet, ClientOptions{Tsize: &size}, nopReadCloser{bytes.NewReader(payload)}, size)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(root, "uploaded.bin"))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestClientPutRejectsExistingFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "exists.bin"), []byte("already here"), 0o644))

	srv := startTestServer(t, root)
	client := NewClient(ClientConfig{Timeout: 200 * time.Millisecond, Retries: 3})

	payload := []byte("new content")
	_, err := client.Put(srv.Addr().String(), "exists.bin", ModeOctet, ClientOptions{}, nopReadCloser{bytes.NewReader(payload)}, uint64(len(payload)))
	require.Error(t, err)
}

func TestClientGetMissingFileReturnsError(t *testing.T) {
	root := t.TempDir()
	srv := startTestServer(t, root)
	client := NewClient(ClientConfig{Timeout: 200 * time.Millisecond, Retries: 3})

	var buf bytes.Buffer
	_, err := client.Get(srv.Addr().String(), "does-not-exist.bin", ModeOctet, ClientOptions{}, nopWriteCloser{&buf})
	require.Error(t, err)
}

func TestPathTraversalIsRejected(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(root), "secret.bin"), []byte("do not serve"), 0o644))

	srv := startTestServer(t, root)
	client := NewClient(ClientConfig{Timeout: 200 * time.Millisecond, Retries: 3})

	var buf bytes.Buffer
	_, err := client.Get(srv.Addr().String(), "../secret.bin", ModeOctet, ClientOptions{}, nopWriteCloser{&buf})
	require.Error(t, err)
	require.Zero(t, buf.Len())
}

func TestOptionNegotiationRoundTrip(t *testing.T) {
	root := t.TempDir()
	want := bytes.Repeat([]byte("x"), 3000)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), want, 0o644))

	srv := startTestServer(t, root)
	client := NewClient(ClientConfig{Timeout: 200 * time.Millisecond, Retries: 3})

	var buf bytes.Buffer
	opts := ClientOptions{Blksize: 1024, Timeout: time.Second}
	m, err := client.Get(srv.Addr().String(), "big.bin", ModeOctet, opts, nopWriteCloser{&buf})
	require.NoError(t, err)
	require.Equal(t, want, buf.Bytes())
	require.Equal(t, uint64(len(want)), m.Bytes)
}

func TestDynFileFuncServesWithoutTouchingRoot(t *testing.T) {
	content := []byte("dynamically generated")
	srv, err := NewServer(ServerConfig{
		Addr:    "127.0.0.1:0",
		Timeout: 200 * time.Millisecond,
		Retries: 3,
		DynFileFunc: func(filename string) (io.ReadCloser, int64, error) {
			return io.NopCloser(bytes.NewReader(content)), int64(len(content)), nil
		},
	})
	require.NoError(t, err)
	var g errgroup.Group
	g.Go(srv.Run)
	t.Cleanup(func() {
		require.NoError(t, srv.Shutdown(false))
		_ = g.Wait()
	})

	client := NewClient(ClientConfig{Timeout: 200 * time.Millisecond, Retries: 3})
	var buf bytes.Buffer
	_, err = client.Get(srv.Addr().String(), "anything", ModeOctet, ClientOptions{}, nopWriteCloser{&buf})
	require.NoError(t, err)
	require.Equal(t, content, buf.Bytes())
}

// TestGracefulShutdownDrainsInFlightSessions drives a download by hand,
// pacing its own ACKs, so the session stays open across the window in
// which a graceful Shutdown runs. A high-level Client is deliberately not
// used here: it would finish the transfer before there was any window to
// shut down into.
func TestGracefulShutdownDrainsInFlightSessions(t *testing.T) {
	root := t.TempDir()
	content := bytes.Repeat([]byte("x"), 1200) // three blocks at the default 512 blksize
	require.NoError(t, os.WriteFile(filepath.Join(root, "slow.bin"), content, 0o644))

	srv, err := NewServer(ServerConfig{
		Addr:    "127.0.0.1:0",
		Root:    root,
		Timeout: 2 * time.Second,
		Retries: 5,
	})
	require.NoError(t, err)
	require.False(t, srv.IsRunning())
	var g errgroup.Group
	g.Go(srv.Run)
	t.Cleanup(func() { _ = g.Wait() })

	listenerAddr, err := net.ResolveUDPAddr("udp", srv.Addr().String())
	require.NoError(t, err)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 2048)
	readData := func() (*DataPacket, net.Addr) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, from, err := conn.ReadFrom(buf)
		require.NoError(t, err)
		pkt, err := DecodePacket(buf[:n])
		require.NoError(t, err)
		dp, ok := pkt.(*DataPacket)
		require.True(t, ok, "expected DATA, got %T", pkt)
		return dp, from
	}

	_, err = conn.WriteTo(EncodePacket(&RequestPacket{Op: OpRRQ, Filename: "slow.bin", Mode: ModeOctet}), listenerAddr)
	require.NoError(t, err)

	dp, sessionAddr := readData()
	require.Equal(t, uint16(1), dp.Block)
	_, err = conn.WriteTo(EncodePacket(&AckPacket{Block: dp.Block}), sessionAddr)
	require.NoError(t, err)

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- srv.Shutdown(true) }()
	for i := 0; i < 200 && atomic.LoadInt32(&srv.draining) == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&srv.draining), "Shutdown(true) should have started draining")
	require.True(t, srv.IsRunning(), "the dispatch loop must keep running in-flight sessions while draining")

	// A brand new RRQ arriving at the listener while draining is rejected,
	// not admitted as a competing session.
	rejectConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer rejectConn.Close()
	_, err = rejectConn.WriteTo(EncodePacket(&RequestPacket{Op: OpRRQ, Filename: "slow.bin", Mode: ModeOctet}), listenerAddr)
	require.NoError(t, err)
	require.NoError(t, rejectConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := rejectConn.ReadFrom(buf)
	require.NoError(t, err)
	pkt, err := DecodePacket(buf[:n])
	require.NoError(t, err)
	_, isErr := pkt.(*ErrorPacket)
	require.True(t, isErr, "a draining server must reject a new RRQ with ERROR, got %T", pkt)

	// Finish the original transfer; the graceful Shutdown must wait for it.
	dp, sessionAddr = readData()
	require.Equal(t, uint16(2), dp.Block)
	_, err = conn.WriteTo(EncodePacket(&AckPacket{Block: dp.Block}), sessionAddr)
	require.NoError(t, err)

	dp, sessionAddr = readData()
	require.Equal(t, uint16(3), dp.Block)
	require.Less(t, len(dp.Data), 512)
	_, err = conn.WriteTo(EncodePacket(&AckPacket{Block: dp.Block}), sessionAddr)
	require.NoError(t, err)

	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("graceful Shutdown did not return after the in-flight session finished")
	}
	require.False(t, srv.IsRunning())
}
