package netpool

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	mu        sync.Mutex
	connected int
	received  [][]byte
	gotAll    chan struct{}
	want      int
}

func newRecordingHandler(wantFrames int) *recordingHandler {
	return &recordingHandler{gotAll: make(chan struct{}), want: wantFrames}
}

func (h *recordingHandler) OnConnected(c *Conn) {
	h.mu.Lock()
	h.connected++
	h.mu.Unlock()
}

func (h *recordingHandler) OnReceive(c *Conn, payload []byte) {
	h.mu.Lock()
	cp := append([]byte(nil), payload...)
	h.received = append(h.received, cp)
	done := len(h.received) >= h.want
	h.mu.Unlock()
	if done {
		select {
		case <-h.gotAll:
		default:
			close(h.gotAll)
		}
	}
}

func (h *recordingHandler) OnDisconnected(c *Conn, err error) {}

func listenAndConnect(t *testing.T, server, client Handler) (*Pool, *Pool, *Conn) {
	t.Helper()
	serverPool := New(server)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := serverPool.Listen(ctx, "127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	serverPool.mu.Lock()
	addr := serverPool.listener.Addr().String()
	serverPool.mu.Unlock()

	clientPool := New(client)
	conn, err := clientPool.Connect(ctx, addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return serverPool, clientPool, conn
}

// TestFramingDeliversExactlyOneCallPerSend exercises spec.md §8's framing
// property: a send of N bytes yields exactly one OnReceive call carrying
// exactly those N bytes, and a send of two payloads yields two calls.
func TestFramingDeliversExactlyOneCallPerSend(t *testing.T) {
	server := newRecordingHandler(2)
	serverPool, clientPool, conn := listenAndConnect(t, server, newRecordingHandler(0))
	defer serverPool.ShutdownAllConnections()
	defer clientPool.ShutdownAllConnections()

	if err := conn.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := conn.Send([]byte("header"), []byte("payload-bytes")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-server.gotAll:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frames to arrive")
	}

	server.mu.Lock()
	defer server.mu.Unlock()
	if len(server.received) != 3 {
		t.Fatalf("got %d OnReceive calls, want 3 (1 + 2 atomic)", len(server.received))
	}
	if !bytes.Equal(server.received[0], []byte("hello")) {
		t.Fatalf("frame 0 = %q, want %q", server.received[0], "hello")
	}
	if !bytes.Equal(server.received[1], []byte("header")) {
		t.Fatalf("frame 1 = %q, want %q", server.received[1], "header")
	}
	if !bytes.Equal(server.received[2], []byte("payload-bytes")) {
		t.Fatalf("frame 2 = %q, want %q", server.received[2], "payload-bytes")
	}
}

func TestOnConnectedFiresOnBothEnds(t *testing.T) {
	server := newRecordingHandler(0)
	client := newRecordingHandler(0)
	serverPool, clientPool, _ := listenAndConnect(t, server, client)
	defer serverPool.ShutdownAllConnections()
	defer clientPool.ShutdownAllConnections()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		server.mu.Lock()
		n := server.connected
		server.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.connected != 1 {
		t.Fatalf("server OnConnected fired %d times, want 1", server.connected)
	}
	if client.connected != 1 {
		t.Fatalf("client OnConnected fired %d times, want 1", client.connected)
	}
}

func TestShutdownAllConnectionsClosesSockets(t *testing.T) {
	server := newRecordingHandler(0)
	client := newRecordingHandler(0)
	serverPool, clientPool, conn := listenAndConnect(t, server, client)

	clientPool.ShutdownAllConnections()
	serverPool.ShutdownAllConnections()

	if err := conn.Send([]byte("after shutdown")); err == nil {
		t.Fatal("Send after shutdown succeeded, want an error")
	}
}
