package exec

import (
	"context"
	"log"
	"time"

	"github.com/fastbuild/fbuild/internal/graph"
	"github.com/fastbuild/fbuild/internal/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// Cache is consulted before a dirty node's Job runs, and populated after a
// successful build (spec.md §4.5 "Rebuild" steps 2 and 4). Defined here
// rather than in internal/cache so internal/exec never imports it — the
// same consumer-defined-interface split internal/graph uses for Runner.
type Cache interface {
	// Lookup reports whether n's outputs are already cached, materializing
	// them onto disk on a hit.
	Lookup(ctx context.Context, n *graph.Node) (hit bool, err error)
	// Store inserts n's just-built outputs into the cache.
	Store(ctx context.Context, n *graph.Node) error
}

// Dispatcher races a distributable node's Job against a remote worker
// (spec.md §4.5 "Scheduling": "distributable jobs ... may be racing a
// remote execution -- first to complete wins; the other is cancelled").
type Dispatcher interface {
	Dispatch(ctx context.Context, n *graph.Node) error
}

// Result summarizes one Executor.Build invocation.
type Result struct {
	Built  int
	Failed int
	Broken []graph.NodeID
}

// Executor walks a *graph.Graph in dependency order, submitting each
// ready node's Job to Pool and propagating failures to dependents
// (spec.md §4.5 "Rebuild"/"Scheduling"). Grounded on
// internal/batch/batch.go's scheduler.run/markFailed/canBuild, split from
// the generic Pool primitive.
type Executor struct {
	Pool   *Pool
	Logger *log.Logger

	// DisableFastCancel turns off the spec's "fastcancel, default on"
	// behavior: by default, a node failure cancels every other in-flight
	// Job sharing this Build call's context.
	DisableFastCancel bool

	Cache      Cache
	Dispatcher Dispatcher
}

func (e *Executor) logf(format string, args ...interface{}) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// Build schedules every node of g in dependency order onto e.Pool,
// returning once all reachable nodes have finished or been skipped due to
// a failed dependency.
func (e *Executor) Build(ctx context.Context, g *graph.Graph) (*Result, error) {
	order, broken, err := g.BuildOrder()
	if err != nil {
		return nil, xerrors.Errorf("fbuild: compute build order: %w", err)
	}
	if len(broken) > 0 {
		e.logf("fbuild: broke %d cyclic dependency edge(s) to schedule the build", len(broken))
	}

	nodes := make(map[graph.NodeID]*graph.Node, len(order))
	pending := make(map[graph.NodeID]int, len(order))
	successors := make(map[graph.NodeID][]graph.NodeID)
	for _, id := range order {
		n, ok := g.Node(id)
		if !ok {
			continue
		}
		nodes[id] = n
		deps := n.AllDependencies()
		pending[id] = len(deps)
		for _, dep := range deps {
			successors[dep.Target] = append(successors[dep.Target], id)
		}
	}

	// errgroup.WithContext gives fastcancel (spec.md §4.5 "by default
	// cancel sibling in-flight jobs quickly") for free: the first submitted
	// goroutine to return a non-nil error cancels ctx, which every other
	// in-flight Job observes via its own ctx.Done() (grounded on
	// internal/batch/batch.go's scheduler.run eg, ctx := errgroup.WithContext(ctx)).
	eg, ctx := errgroup.WithContext(ctx)

	type outcome struct {
		id  graph.NodeID
		err error
	}
	// Buffered so a zero-worker (synchronous) Pool, which runs Submit's
	// func inline before returning, never blocks trying to report back
	// before the result loop below starts reading.
	done := make(chan outcome, len(order))

	submit := func(id graph.NodeID) {
		n := nodes[id]
		eg.Go(func() error {
			result := make(chan error, 1)
			e.Pool.Submit(func() {
				if ctx.Err() != nil {
					result <- ctx.Err()
					return
				}
				result <- e.buildNode(ctx, g, n)
			})
			berr := <-result
			done <- outcome{id: id, err: berr}
			if berr != nil && !e.DisableFastCancel {
				return berr
			}
			return nil
		})
	}

	failed := make(map[graph.NodeID]bool)
	finished := make(map[graph.NodeID]bool)
	res := &Result{Broken: broken}

	remaining := len(order)
	for _, id := range order {
		if pending[id] == 0 {
			submit(id)
		}
	}

	for remaining > 0 {
		o := <-done
		remaining--
		finished[o.id] = true
		if o.err != nil {
			res.Failed++
			failed[o.id] = true
			e.logf("fbuild: %s failed: %v", nodes[o.id].Name, o.err)
		} else {
			res.Built++
		}
		for _, succ := range successors[o.id] {
			if finished[succ] {
				continue
			}
			pending[succ]--
			if pending[succ] > 0 {
				continue
			}
			if hasFailedDependency(nodes[succ], failed) {
				failed[succ] = true
				finished[succ] = true
				remaining--
				res.Failed++
				nodes[succ].SetState(graph.Failed)
				continue
			}
			submit(succ)
		}
	}
	if err := eg.Wait(); err != nil {
		e.logf("fbuild: build stopped: %v", err)
	}
	return res, nil
}

func hasFailedDependency(n *graph.Node, failed map[graph.NodeID]bool) bool {
	for _, e := range n.AllDependencies() {
		if failed[e.Target] {
			return true
		}
	}
	return false
}

// buildNode performs spec.md §4.5 "Rebuild" steps 2-4 for a single node
// whose dependencies are already Up-To-Date.
func (e *Executor) buildNode(ctx context.Context, g *graph.Graph, n *graph.Node) error {
	n.SetState(graph.Processing)

	if n.Type == graph.TypeFile {
		// Source files carry no Job; their stamp must be freshly computed
		// every run (not gated by Dirty/state) so an on-disk edit is
		// observed even when nothing else in the graph changed.
		if err := e.finalizeStamp(g, n, 0); err != nil {
			n.SetState(graph.Failed)
			return err
		}
		n.SetState(graph.UpToDate)
		return nil
	}

	var cmdLine string
	if cl, ok := n.Job.(graph.CommandLiner); ok {
		cmdLine = cl.CommandLine()
	}
	cmdStamp := graph.CommandLineStamp(cmdLine)

	if !g.Dirty(n, cmdStamp, n.CmdLineStamp()) {
		n.SetState(graph.UpToDate)
		return nil
	}

	if e.Cache != nil {
		hit, err := e.Cache.Lookup(ctx, n)
		if err != nil {
			e.logf("fbuild: cache lookup for %s: %v", n.Name, err)
		} else if hit {
			if err := e.finalizeStamp(g, n, cmdStamp); err != nil {
				return err
			}
			n.SetState(graph.UpToDate)
			return nil
		}
	}

	if n.Job != nil {
		ev := trace.Event(n.Name, 0)
		ev.Type = "B" // begin
		ev.Done()

		start := time.Now()
		err := e.runJob(ctx, n)
		n.SetCostHint(time.Since(start))

		ev = trace.Event(n.Name, 0)
		ev.Type = "E" // end
		ev.Done()

		if err != nil {
			n.SetState(graph.Failed)
			return err
		}
	}

	if err := e.finalizeStamp(g, n, cmdStamp); err != nil {
		n.SetState(graph.Failed)
		return err
	}
	if e.Cache != nil {
		if err := e.Cache.Store(ctx, n); err != nil {
			e.logf("fbuild: cache store for %s: %v", n.Name, err)
		}
	}
	n.SetState(graph.UpToDate)
	return nil
}

// runJob invokes n.Job, racing it against e.Dispatcher when n is
// Distributable and a Dispatcher is configured: whichever side finishes
// first wins and the other is cancelled (spec.md §4.5 "Scheduling").
func (e *Executor) runJob(ctx context.Context, n *graph.Node) error {
	if !n.Distributable || e.Dispatcher == nil {
		return n.Job.Run(ctx)
	}
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	go func() { errCh <- n.Job.Run(rctx) }()
	go func() { errCh <- e.Dispatcher.Dispatch(rctx, n) }()
	return <-errCh
}

// finalizeStamp computes n's post-build stamp: a content hash of its
// Job's declared outputs when it has any, otherwise an aggregate of its
// dependencies' stamps (spec.md §3 "Node.stamp"), then refreshes recorded
// edge stamps (spec.md §3 invariant: "only after a successful build of
// the target").
func (e *Executor) finalizeStamp(g *graph.Graph, n *graph.Node, cmdStamp uint64) error {
	if n.Type == graph.TypeFile {
		stamp, err := graph.FileStamp(n.Name)
		if err != nil {
			return xerrors.Errorf("fbuild: stamp file %s: %w", n.Name, err)
		}
		n.SetStamp(stamp)
		n.SetCmdLineStamp(cmdStamp)
		return g.RefreshEdgeStamps(n)
	}
	var stamp uint64
	if out, ok := n.Job.(graph.Outputter); ok {
		outputs := out.Outputs()
		if len(outputs) > 0 {
			stamps := make([]uint64, 0, len(outputs))
			for _, path := range outputs {
				s, err := graph.FileStamp(path)
				if err != nil {
					return xerrors.Errorf("fbuild: stamp output %q of %s: %w", path, n.Name, err)
				}
				stamps = append(stamps, s)
			}
			stamp = graph.AggregateStamp(stamps)
		}
	}
	if stamp == 0 {
		deps := n.AllDependencies()
		childStamps := make([]uint64, 0, len(deps))
		for _, e := range deps {
			if d, ok := g.Node(e.Target); ok {
				childStamps = append(childStamps, d.Stamp())
			}
		}
		stamp = graph.AggregateStamp(childStamps)
	}
	n.SetStamp(stamp)
	n.SetCmdLineStamp(cmdStamp)
	return g.RefreshEdgeStamps(n)
}
