package netpool

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/xerrors"
)

// maxFrameSize bounds a single frame's declared length, guarding the
// receive loop against a corrupt or hostile length prefix before it
// allocates a buffer for it.
const maxFrameSize = 256 << 20

// Conn is one TCP connection owned by a Pool (spec.md §4.7's
// "Connection"). UserData is free for the dispatcher layer (internal/dist)
// to stash per-connection state (in-flight job ID, worker identity).
type Conn struct {
	id         uint64
	nc         net.Conn
	pool       *Pool
	remoteAddr string

	UserData interface{}

	sendMu sync.Mutex

	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Send writes one or more frames to the wire as a single vectored write
// (net.Buffers collapses to one writev(2) syscall), so a payload
// accompanied by a header frame lands atomically with respect to any
// other goroutine's concurrent Send on this same connection (spec.md
// §4.7 "a payload variant additionally appends a second {u32, bytes}
// chunk atomically in the same scatter-gather call").
func (c *Conn) Send(frames ...[]byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	bufs := make(net.Buffers, 0, len(frames)*2)
	for _, f := range frames {
		var lenPrefix [4]byte
		binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(f)))
		bufs = append(bufs, lenPrefix[:], f)
	}
	if _, err := bufs.WriteTo(c.nc); err != nil {
		return xerrors.Errorf("fbuild: netpool: send to %s: %w", c.remoteAddr, err)
	}
	return nil
}

// receiveLoop reads {length, payload} frames until the connection closes
// or Close is called. SetReadDeadline with a short, repeatedly-renewed
// deadline stands in for the spec's 10 ms select(2) poll: it lets the
// loop notice the quit channel promptly without a live OS thread blocked
// forever in a syscall.
func (c *Conn) receiveLoop(handler Handler) {
	defer close(c.done)

	var lenBuf [4]byte
	var loopErr error
	for {
		select {
		case <-c.quit:
			return
		default:
		}

		c.nc.SetReadDeadline(time.Now().Add(pollInterval))
		if _, err := io.ReadFull(c.nc, lenBuf[:]); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			loopErr = err
			break
		}

		n := binary.LittleEndian.Uint32(lenBuf[:])
		if n > maxFrameSize {
			loopErr = xerrors.Errorf("fbuild: netpool: frame of %d bytes exceeds limit", n)
			break
		}
		payload := make([]byte, n)
		c.nc.SetReadDeadline(time.Time{})
		if _, err := io.ReadFull(c.nc, payload); err != nil {
			loopErr = err
			break
		}
		if handler != nil {
			handler.OnReceive(c, payload)
		}
	}

	c.closeInternal()
	if handler != nil {
		handler.OnDisconnected(c, loopErr)
	}
	if c.pool != nil {
		c.pool.remove(c.id)
	}
}

// Close sets the connection's quit flag and closes its socket; the
// receive loop observes the close at its next poll and exits.
func (c *Conn) Close() error {
	c.closeInternal()
	return nil
}

func (c *Conn) closeInternal() {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.nc.Close()
	})
}
