package exec

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/fastbuild/fbuild/internal/graph"
)

// countingJob is a graph.Runner/Outputter test double that writes a fixed
// byte to its output file and counts how many times it actually ran.
type countingJob struct {
	runs   *int32
	output string
}

func (j *countingJob) Run(ctx context.Context) error {
	atomic.AddInt32(j.runs, 1)
	return os.WriteFile(j.output, []byte("built"), 0o644)
}

func (j *countingJob) Outputs() []string {
	if j.output == "" {
		return nil
	}
	return []string{j.output}
}

func buildOnce(t *testing.T, g *graph.Graph, ex *Executor) *Result {
	t.Helper()
	res, err := ex.Build(context.Background(), g)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return res
}

// spec.md §8 scenario 6, with two hand-built ObjectList nodes carrying
// counting Jobs instead of nodes parsed by internal/bff: building an
// up-to-date graph a second time performs zero reruns of any node's Job.
func TestExecutorSkipsUpToDateNodesOnSecondBuild(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "a.cpp")
	if err := os.WriteFile(srcPath, []byte("int main(){}"), 0o644); err != nil {
		t.Fatal(err)
	}

	g := graph.New()
	src, err := g.AddNode(srcPath, graph.TypeFile)
	if err != nil {
		t.Fatal(err)
	}

	var objRuns int32
	objOut := filepath.Join(dir, "a.o")
	obj, err := g.AddNode("ObjectList1", graph.TypeObjectList)
	if err != nil {
		t.Fatal(err)
	}
	obj.Job = &countingJob{runs: &objRuns, output: objOut}
	if err := g.AddDependency(obj.ID, src.ID, graph.Static); err != nil {
		t.Fatal(err)
	}

	var aliasRuns int32
	aliasOut := filepath.Join(dir, "all.o")
	alias, err := g.AddNode("ObjectList2", graph.TypeObjectList)
	if err != nil {
		t.Fatal(err)
	}
	alias.Job = &countingJob{runs: &aliasRuns, output: aliasOut}
	if err := g.AddDependency(alias.ID, obj.ID, graph.Static); err != nil {
		t.Fatal(err)
	}

	ex := &Executor{Pool: NewPool(2)}
	defer ex.Pool.Close()

	res := buildOnce(t, g, ex)
	if res.Failed != 0 {
		t.Fatalf("first build: %d nodes failed", res.Failed)
	}
	if got := atomic.LoadInt32(&objRuns); got != 1 {
		t.Fatalf("ObjectList1 ran %d times on first build, want 1", got)
	}
	if got := atomic.LoadInt32(&aliasRuns); got != 1 {
		t.Fatalf("ObjectList2 ran %d times on first build, want 1", got)
	}

	res = buildOnce(t, g, ex)
	if res.Failed != 0 {
		t.Fatalf("second build: %d nodes failed", res.Failed)
	}
	if got := atomic.LoadInt32(&objRuns); got != 1 {
		t.Fatalf("ObjectList1 ran %d times after second build, want still 1 (no rebuild)", got)
	}
	if got := atomic.LoadInt32(&aliasRuns); got != 1 {
		t.Fatalf("ObjectList2 ran %d times after second build, want still 1 (no rebuild)", got)
	}
}

func TestExecutorRebuildsWhenSourceChanges(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "a.cpp")
	if err := os.WriteFile(srcPath, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	g := graph.New()
	src, err := g.AddNode(srcPath, graph.TypeFile)
	if err != nil {
		t.Fatal(err)
	}
	var runs int32
	obj, err := g.AddNode("ObjectList1", graph.TypeObjectList)
	if err != nil {
		t.Fatal(err)
	}
	obj.Job = &countingJob{runs: &runs, output: filepath.Join(dir, "a.o")}
	if err := g.AddDependency(obj.ID, src.ID, graph.Static); err != nil {
		t.Fatal(err)
	}

	ex := &Executor{Pool: NewPool(2)}
	defer ex.Pool.Close()

	buildOnce(t, g, ex)
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("ran %d times, want 1", got)
	}

	if err := os.WriteFile(srcPath, []byte("v2, different content"), 0o644); err != nil {
		t.Fatal(err)
	}
	buildOnce(t, g, ex)
	if got := atomic.LoadInt32(&runs); got != 2 {
		t.Fatalf("ran %d times after source edit, want 2", got)
	}
}

func TestExecutorPropagatesFailureToDependents(t *testing.T) {
	g := graph.New()
	var runs int32
	failing, err := g.AddNode("Fails", graph.TypeExec)
	if err != nil {
		t.Fatal(err)
	}
	failing.Job = failingJob{}

	var depRuns int32
	dep, err := g.AddNode("DependsOnFailure", graph.TypeAlias)
	if err != nil {
		t.Fatal(err)
	}
	dep.Job = &countingJob{runs: &depRuns, output: ""}
	if err := g.AddDependency(dep.ID, failing.ID, graph.Static); err != nil {
		t.Fatal(err)
	}

	ex := &Executor{Pool: NewPool(2)}
	defer ex.Pool.Close()
	res := buildOnce(t, g, ex)
	if res.Built != 0 {
		t.Fatalf("Built = %d, want 0", res.Built)
	}
	if res.Failed != 2 {
		t.Fatalf("Failed = %d, want 2 (the failing node and its dependent)", res.Failed)
	}
	if got := atomic.LoadInt32(&depRuns); got != 0 {
		t.Fatalf("dependent job ran %d times, want 0", got)
	}
	if got := atomic.LoadInt32(&runs); got != 0 {
		t.Fatal("unreachable counter touched")
	}
}

type failingJob struct{}

func (failingJob) Run(ctx context.Context) error { return errTestFailure }

var errTestFailure = &testFailure{}

type testFailure struct{}

func (*testFailure) Error() string { return "job intentionally failed" }
