// Package netpool implements the length-prefixed TCP framing transport
// used to dispatch build jobs to remote workers (spec.md §4.7). Grounded
// on internal/batch/batch.go's scheduler for its mutex/goroutine shape;
// the transport itself has no teacher analogue (the teacher dispatches
// remote builds over gRPC), so the wire format and connection lifecycle
// follow the spec directly.
package netpool

import (
	"context"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/net/netutil"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// pollInterval bounds how long a connection's receive loop blocks before
// re-checking its quit flag (spec.md §4.7 "10 ms select"); Go's
// SetReadDeadline plus a plain blocking Read stands in for select(2).
const pollInterval = 10 * time.Millisecond

// maxAcceptedConns caps concurrent accepted connections per Listen, the
// idiomatic equivalent of the spec's fixed-size connection table.
const maxAcceptedConns = 256

// bufferSize is the send/receive socket buffer size (spec.md §4.7 "5 MiB
// on macOS, 10 MiB elsewhere").
func bufferSize() int {
	if runtime.GOOS == "darwin" {
		return 5 << 20
	}
	return 10 << 20
}

// Handler receives connection lifecycle and frame-delivery callbacks
// (spec.md §4.7's "polymorphic base ... on_receive, on_connected,
// on_disconnected"). alloc_buffer/free_buffer are not modeled: Go's
// garbage collector already owns buffer lifetime, so OnReceive's payload
// is simply a freshly allocated slice the callee may retain.
type Handler interface {
	OnConnected(c *Conn)
	OnReceive(c *Conn, payload []byte)
	OnDisconnected(c *Conn, err error)
}

// Pool owns a set of live connections, whether accepted via Listen or
// established via Connect (spec.md §4.7's "owner_pool").
type Pool struct {
	handler Handler

	// debugf logs connection-pool internals; ANSI-aware when stdout is a
	// terminal, matching the teacher's own isTerminal-gated status lines
	// (internal/batch/batch.go's refreshStatus).
	debugf func(format string, args ...interface{})

	mu       sync.Mutex
	conns    map[uint64]*Conn
	nextID   uint64
	listener net.Listener
}

var isTerminal = isatty.IsTerminal(os.Stdout.Fd())

// New constructs a Pool delivering connection events to handler.
func New(handler Handler) *Pool {
	p := &Pool{
		handler: handler,
		conns:   make(map[uint64]*Conn),
	}
	p.debugf = func(string, ...interface{}) {}
	return p
}

// SetDebugLogger enables connection-pool tracing through logf. When
// stdout is a terminal, lines are dimmed with an ANSI escape the way the
// teacher's status line uses cursor-control escapes only when attached to
// a tty.
func (p *Pool) SetDebugLogger(logf func(format string, args ...interface{})) {
	if logf == nil {
		p.debugf = func(string, ...interface{}) {}
		return
	}
	if isTerminal {
		p.debugf = func(format string, args ...interface{}) {
			logf("\033[2m"+format+"\033[0m", args...)
		}
		return
	}
	p.debugf = logf
}

// reuseAddrControl sets SO_REUSEADDR (and, on Darwin, SO_REUSEPORT) on
// the listening socket before bind (spec.md §4.7).
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr == nil && runtime.GOOS == "darwin" {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Listen accepts TCP connections on addr until ctx is cancelled or
// Shutdown is called. Each accepted socket is handed its own
// connection-handler goroutine (spec.md §4.7 "a dedicated listener
// thread accept()s; each accepted socket spawns a connection thread").
func (p *Pool) Listen(ctx context.Context, addr string) error {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return xerrors.Errorf("fbuild: netpool: listen %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, maxAcceptedConns)

	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				p.debugf("netpool: accept on %s stopped: %v", addr, err)
				return
			}
			p.adopt(nc)
		}
	}()
	return nil
}

// Connect dials host:port, placing the resulting connection under this
// pool's management (spec.md §4.7 "on success, a connection thread is
// spawned").
func (p *Pool) Connect(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("fbuild: netpool: connect %s: %w", addr, err)
	}
	return p.adopt(nc), nil
}

func (p *Pool) adopt(nc net.Conn) *Conn {
	if tc, ok := nc.(*net.TCPConn); ok {
		sz := bufferSize()
		tc.SetReadBuffer(sz)
		tc.SetWriteBuffer(sz)
	}

	id := atomic.AddUint64(&p.nextID, 1)
	c := &Conn{
		id:         id,
		nc:         nc,
		pool:       p,
		remoteAddr: nc.RemoteAddr().String(),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	p.mu.Lock()
	p.conns[id] = c
	p.mu.Unlock()

	if p.handler != nil {
		p.handler.OnConnected(c)
	}
	go c.receiveLoop(p.handler)
	return c
}

// Addr reports the address Listen bound to, or nil if Listen has not
// been called (or has since been shut down).
func (p *Pool) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

func (p *Pool) remove(id uint64) {
	p.mu.Lock()
	delete(p.conns, id)
	p.mu.Unlock()
}

// ShutdownAllConnections sets every live connection's quit flag, closes
// its socket, and waits for its receive-loop goroutine to exit (spec.md
// §4.7 "must be called before destruction ... sets a quit flag on every
// connection ... destructor then joins").
func (p *Pool) ShutdownAllConnections() {
	p.mu.Lock()
	ln := p.listener
	p.listener = nil
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			c.Close()
			<-c.done
		}(c)
	}
	wg.Wait()
}
