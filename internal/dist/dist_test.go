package dist

import (
	"context"
	"net"
	"testing"

	"github.com/fastbuild/fbuild/internal/brokerage"
	"github.com/fastbuild/fbuild/internal/graph"
	"github.com/fastbuild/fbuild/internal/resolve"
)

type cmdLineJob struct{ cmdLine string }

func (j cmdLineJob) Run(ctx context.Context) error { return nil }
func (j cmdLineJob) CommandLine() string           { return j.cmdLine }

func newNode(t *testing.T, cmdLine string) *graph.Node {
	t.Helper()
	g := graph.New()
	n, err := g.AddNode("remote-job", graph.TypeExec)
	if err != nil {
		t.Fatal(err)
	}
	n.Job = cmdLineJob{cmdLine: cmdLine}
	return n
}

func startWorker(t *testing.T, root string) (worker *Worker, port string, stop func()) {
	t.Helper()
	workerBrokerage := brokerage.New(root, "1", "linux")
	// The client resolves the advertised hostname; "localhost" takes
	// resolve.Resolver's fast path to 127.0.0.1, where Serve listens.
	w := NewWorker(workerBrokerage, "localhost")
	ctx, cancel := context.WithCancel(context.Background())
	stopServe, err := w.Serve(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	_, port, err = net.SplitHostPort(w.Pool.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	return w, port, func() {
		stopServe()
		cancel()
	}
}

func TestDispatchRunsCommandOnWorkerAndReportsSuccess(t *testing.T) {
	root := t.TempDir()
	_, port, stop := startWorker(t, root)
	defer stop()

	clientBrokerage := brokerage.New(root, "1", "linux")
	resolver := resolve.New()
	defer resolver.Close()
	client := New(clientBrokerage, resolver, "client-host", port)

	n := newNode(t, "true")
	if err := client.Dispatch(context.Background(), n); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestDispatchReportsRemoteFailure(t *testing.T) {
	root := t.TempDir()
	_, port, stop := startWorker(t, root)
	defer stop()

	clientBrokerage := brokerage.New(root, "1", "linux")
	resolver := resolve.New()
	defer resolver.Close()
	client := New(clientBrokerage, resolver, "client-host", port)

	n := newNode(t, "false")
	if err := client.Dispatch(context.Background(), n); err == nil {
		t.Fatal("Dispatch succeeded for a failing remote command, want an error")
	}
}

func TestDispatchWithNoWorkersFails(t *testing.T) {
	root := t.TempDir()
	b := brokerage.New(root, "1", "linux")
	resolver := resolve.New()
	defer resolver.Close()
	client := New(b, resolver, "client-host", "9999")

	n := newNode(t, "true")
	if err := client.Dispatch(context.Background(), n); err == nil {
		t.Fatal("Dispatch with no advertised workers succeeded, want an error")
	}
}
