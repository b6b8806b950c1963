package graph

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func buildChain(t *testing.T) (*Graph, *Node, *Node, *Node) {
	t.Helper()
	g := New()
	a, err := g.AddNode("a.cpp", TypeFile)
	if err != nil {
		t.Fatal(err)
	}
	b, err := g.AddNode("a.obj", TypeObject)
	if err != nil {
		t.Fatal(err)
	}
	c, err := g.AddNode("app.exe", TypeExecutable)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.AddDependency(b.ID, a.ID, Static); err != nil {
		t.Fatal(err)
	}
	if err := g.AddDependency(c.ID, b.ID, Static); err != nil {
		t.Fatal(err)
	}
	return g, a, b, c
}

func TestBuildOrderDependenciesFirst(t *testing.T) {
	g, a, b, c := buildChain(t)
	order, broken, err := g.BuildOrder()
	if err != nil {
		t.Fatal(err)
	}
	if len(broken) != 0 {
		t.Fatalf("unexpected broken cycle nodes: %v", broken)
	}
	pos := make(map[NodeID]int)
	for i, id := range order {
		pos[id] = i
	}
	if pos[a.ID] >= pos[b.ID] {
		t.Fatalf("expected %q before %q", a.Name, b.Name)
	}
	if pos[b.ID] >= pos[c.ID] {
		t.Fatalf("expected %q before %q", b.Name, c.Name)
	}
}

func TestBuildOrderBreaksCycles(t *testing.T) {
	g := New()
	a, err := g.AddNode("a", TypeAlias)
	if err != nil {
		t.Fatal(err)
	}
	b, err := g.AddNode("b", TypeAlias)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.AddDependency(a.ID, b.ID, Static); err != nil {
		t.Fatal(err)
	}
	if err := g.AddDependency(b.ID, a.ID, Static); err != nil {
		t.Fatal(err)
	}

	order, broken, err := g.BuildOrder()
	if err != nil {
		t.Fatalf("BuildOrder should break the cycle rather than error: %v", err)
	}
	if len(broken) == 0 {
		t.Fatal("expected cycle participants to be reported")
	}
	if len(order) != 2 {
		t.Fatalf("expected both nodes still present in build order, got %d", len(order))
	}
}

func TestDirtyNeverBuilt(t *testing.T) {
	g, _, _, c := buildChain(t)
	if !g.Dirty(c, 1, 1) {
		t.Fatal("a never-built node must be dirty")
	}
}

func TestDirtyCommandLineChange(t *testing.T) {
	g, a, b, _ := buildChain(t)
	a.SetStamp(42)
	b.SetState(UpToDate)
	if err := g.RefreshEdgeStamps(b); err != nil {
		t.Fatal(err)
	}
	if g.Dirty(b, 7, 7) {
		t.Fatal("unchanged dependency stamps and command line should be clean")
	}
	if !g.Dirty(b, 8, 7) {
		t.Fatal("changed command-line stamp must force a rebuild")
	}
}

func TestDirtyDependencyStampChange(t *testing.T) {
	g, a, b, _ := buildChain(t)
	a.SetStamp(1)
	b.SetState(UpToDate)
	if err := g.RefreshEdgeStamps(b); err != nil {
		t.Fatal(err)
	}
	if g.Dirty(b, 0, 0) {
		t.Fatal("expected clean immediately after RefreshEdgeStamps")
	}
	a.SetStamp(2)
	if !g.Dirty(b, 0, 0) {
		t.Fatal("a changed dependency stamp must dirty the dependent")
	}
}

func TestAliasExpandsTransitively(t *testing.T) {
	g := New()
	leaf, _ := g.AddNode("leaf.obj", TypeObject)
	inner, _ := g.AddNode("inner-alias", TypeAlias)
	outer, _ := g.AddNode("outer-alias", TypeAlias)
	if err := g.AddDependency(inner.ID, leaf.ID, Static); err != nil {
		t.Fatal(err)
	}
	if err := g.AddDependency(outer.ID, inner.ID, Static); err != nil {
		t.Fatal(err)
	}

	expanded := g.Alias(outer)
	if len(expanded) != 1 || expanded[0] != leaf.ID {
		t.Fatalf("expected alias to expand to [%d], got %v", leaf.ID, expanded)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	g, a, b, c := buildChain(t)
	a.SetStamp(11)
	b.SetStamp(22)
	b.SetState(UpToDate)
	if err := g.RefreshEdgeStamps(b); err != nil {
		t.Fatal(err)
	}
	c.SetState(NotProcessed)

	path := filepath.Join(t.TempDir(), "fbuild.fdb")
	if err := g.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	lb, ok := loaded.ByName(b.Name)
	if !ok {
		t.Fatalf("node %q missing after reload", b.Name)
	}
	if lb.Stamp() != 22 {
		t.Fatalf("Stamp = %d, want 22", lb.Stamp())
	}
	if lb.State() != UpToDate {
		t.Fatalf("State = %v, want UpToDate", lb.State())
	}
	want := []Edge{{Target: lb.StaticDependencies[0].Target, StampAtBuild: 11}}
	if diff := cmp.Diff(want, lb.StaticDependencies); diff != "" {
		t.Fatalf("edge stamp not preserved (-want +got):\n%s", diff)
	}

	order, _, err := loaded.BuildOrder()
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 3 {
		t.Fatalf("expected 3 nodes reloaded, got %d", len(order))
	}
}

func TestLoadStaleVersionDiscardsDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fbuild.fdb")
	if err := os.WriteFile(path, []byte(`{"Version":999999,"Nodes":[]}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != ErrStaleDB {
		t.Fatalf("expected ErrStaleDB, got %v", err)
	}
}

func TestLoadMissingFileIsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.fdb")
	if _, err := Load(path); err != ErrStaleDB {
		t.Fatalf("expected ErrStaleDB, got %v", err)
	}
}
