package dist

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/fastbuild/fbuild/internal/brokerage"
	"github.com/fastbuild/fbuild/internal/netpool"
)

// Worker answers remote job-dispatch requests by running the received
// command line as a local child process and replying with its outcome.
// It is the server side of the protocol Client speaks, and advertises
// itself through the same brokerage directory Client.pickWorker reads.
type Worker struct {
	Pool      *netpool.Pool
	Brokerage *brokerage.Brokerage
	Hostname  string
}

// NewWorker constructs a Worker and the netpool.Pool it accepts
// connections on.
func NewWorker(b *brokerage.Brokerage, hostname string) *Worker {
	w := &Worker{Brokerage: b, Hostname: hostname}
	w.Pool = netpool.New(w)
	return w
}

func (w *Worker) OnConnected(c *netpool.Conn)               {}
func (w *Worker) OnDisconnected(c *netpool.Conn, err error) {}

func (w *Worker) OnReceive(c *netpool.Conn, payload []byte) {
	if len(payload) < headerSize || payload[8] != msgJobRequest {
		return
	}
	reqID := payload[:8]
	cmdLine := string(payload[headerSize:])

	var stderr bytes.Buffer
	ok := byte(1)
	fields := strings.Fields(cmdLine)
	if len(fields) == 0 {
		ok = 0
		stderr.WriteString("empty command line")
	} else {
		cmd := exec.CommandContext(context.Background(), fields[0], fields[1:]...)
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			ok = 0
			if stderr.Len() == 0 {
				stderr.WriteString(err.Error())
			}
		}
	}

	reply := make([]byte, headerSize+1, headerSize+1+stderr.Len())
	copy(reply[:8], reqID)
	reply[8] = msgJobResult
	reply[headerSize] = ok
	reply = append(reply, stderr.Bytes()...)
	c.Send(reply)
}

// Serve advertises this worker in the brokerage directory and accepts
// connections on addr until ctx is cancelled.
func (w *Worker) Serve(ctx context.Context, addr string) (stop func(), err error) {
	if err := w.Pool.Listen(ctx, addr); err != nil {
		return nil, err
	}
	stopAdvertise, err := w.Brokerage.Advertise(ctx, w.Hostname)
	if err != nil {
		return nil, err
	}
	return func() {
		stopAdvertise()
		w.Pool.ShutdownAllConnections()
	}, nil
}
