// Package dist implements remote job dispatch over internal/netpool,
// placing distributable nodes onto workers discovered through
// internal/brokerage (spec.md §4.8/§9 "Distributable job"). It satisfies
// internal/exec's Dispatcher interface, so internal/exec races a
// dispatched node's local Job.Run against Client.Dispatch the same way
// it would race any other remote collaborator -- first to finish wins
// (spec.md §4.5 "Scheduling").
//
// The wire messages this package layers on top of netpool's framing are
// this repository's own minimal design: spec.md §6 explicitly scopes job
// dispatch/result semantics as "out of scope ... the framing and
// connection-pool contract is the spec." One netpool frame carries an
// 8-byte request ID, a 1-byte message type, and a payload (the command
// line for a request, a status byte + stderr text for a result).
package dist

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fastbuild/fbuild/internal/brokerage"
	"github.com/fastbuild/fbuild/internal/exec"
	"github.com/fastbuild/fbuild/internal/graph"
	"github.com/fastbuild/fbuild/internal/netpool"
	"github.com/fastbuild/fbuild/internal/resolve"
	"golang.org/x/xerrors"
)

var _ exec.Dispatcher = (*Client)(nil)

const (
	msgJobRequest byte = 0
	msgJobResult  byte = 1
)

const headerSize = 9 // 8-byte request ID + 1-byte message type

// Client dispatches distributable build jobs to remote workers.
type Client struct {
	Pool       *netpool.Pool
	Brokerage  *brokerage.Brokerage
	Resolver   *resolve.Resolver
	Hostname   string
	Exclude    []string
	ListenPort string
	Connect    time.Duration

	mu      sync.Mutex
	conns   map[string]*netpool.Conn
	pending map[uint64]chan result

	nextReqID uint64
	rrCounter uint64
}

type result struct {
	ok     bool
	stderr string
}

// New constructs a Client and the netpool.Pool it dispatches over (the
// Client itself is the Pool's Handler, routing every connection's
// replies back to the Dispatch call awaiting them).
func New(b *brokerage.Brokerage, r *resolve.Resolver, hostname, listenPort string) *Client {
	c := &Client{
		Brokerage:  b,
		Resolver:   r,
		Hostname:   hostname,
		ListenPort: listenPort,
		Connect:    5 * time.Second,
		conns:      make(map[string]*netpool.Conn),
		pending:    make(map[uint64]chan result),
	}
	c.Pool = netpool.New(c)
	return c
}

// OnConnected, OnReceive, and OnDisconnected make Client a
// netpool.Handler: every connection this client dials routes its replies
// back through dispatchReply.
func (c *Client) OnConnected(conn *netpool.Conn) {}

func (c *Client) OnReceive(conn *netpool.Conn, payload []byte) {
	if len(payload) < headerSize || payload[8] != msgJobResult {
		return
	}
	reqID := binary.LittleEndian.Uint64(payload[:8])
	ok := len(payload) > headerSize && payload[headerSize] == 1
	var stderr string
	if len(payload) > headerSize+1 {
		stderr = string(payload[headerSize+1:])
	}

	c.mu.Lock()
	ch, found := c.pending[reqID]
	delete(c.pending, reqID)
	c.mu.Unlock()
	if found {
		ch <- result{ok: ok, stderr: stderr}
	}
}

func (c *Client) OnDisconnected(conn *netpool.Conn, err error) {}

// Dispatch implements internal/exec.Dispatcher: it picks a candidate
// worker, sends n's command line, and blocks for the result or ctx's
// cancellation (which also backs the caller side of a local-race: the
// other racer, n.Job.Run, may finish first and cancel this ctx).
func (c *Client) Dispatch(ctx context.Context, n *graph.Node) error {
	cl, ok := n.Job.(graph.CommandLiner)
	if !ok {
		return xerrors.New("fbuild: dist: node has no command line to dispatch")
	}

	worker, err := c.pickWorker()
	if err != nil {
		return err
	}
	conn, err := c.connFor(ctx, worker)
	if err != nil {
		return err
	}

	reqID := atomic.AddUint64(&c.nextReqID, 1)
	reply := make(chan result, 1)
	c.mu.Lock()
	c.pending[reqID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	frame := make([]byte, headerSize, headerSize+len(cl.CommandLine()))
	binary.LittleEndian.PutUint64(frame[:8], reqID)
	frame[8] = msgJobRequest
	frame = append(frame, cl.CommandLine()...)
	if err := conn.Send(frame); err != nil {
		return xerrors.Errorf("fbuild: dist: send job to %s: %w", worker, err)
	}

	select {
	case res := <-reply:
		if !res.ok {
			return xerrors.Errorf("fbuild: dist: remote build on %s failed: %s", worker, res.stderr)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) pickWorker() (string, error) {
	candidates, err := c.Brokerage.Candidates(c.Hostname, c.Exclude)
	if err != nil {
		return "", xerrors.Errorf("fbuild: dist: list workers: %w", err)
	}
	if len(candidates) == 0 {
		return "", xerrors.New("fbuild: dist: no remote workers available")
	}
	n := atomic.AddUint64(&c.rrCounter, 1)
	return candidates[int(n)%len(candidates)], nil
}

func (c *Client) connFor(ctx context.Context, hostname string) (*netpool.Conn, error) {
	c.mu.Lock()
	if conn, ok := c.conns[hostname]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	addrs, err := c.Resolver.Resolve(ctx, hostname)
	if err != nil || len(addrs) == 0 {
		return nil, xerrors.Errorf("fbuild: dist: resolve %s: %w", hostname, err)
	}
	addr := addrs[0].IP.String() + ":" + c.ListenPort

	conn, err := c.Pool.Connect(ctx, addr, c.Connect)
	if err != nil {
		return nil, xerrors.Errorf("fbuild: dist: connect %s: %w", addr, err)
	}
	c.mu.Lock()
	c.conns[hostname] = conn
	c.mu.Unlock()
	return conn, nil
}
