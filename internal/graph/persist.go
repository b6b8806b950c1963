package graph

import (
	"encoding/json"
	"os"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// dbVersion is bumped whenever the persisted record layout changes
// incompatibly. A mismatch forces a full rebuild rather than attempting to
// interpret stale fields (spec.md §4.5 "Persistence").
const dbVersion = 1

// nodeRecord is the on-disk representation of a Node. Persisted via
// encoding/json (not the protobuf text format the teacher reserves for
// package manifests it generates from protoc -- see DESIGN.md "Dropped
// teacher dependencies"), matching distr1/distri's own precedent for
// internal, non-manifest state: (*build.Ctx).serialize() in
// internal/build/build.go also dumps its ephemeral state with
// encoding/json rather than protobuf.
type nodeRecord struct {
	ID                   NodeID
	Name                 string
	Type                 Type
	Stamp                uint64
	State                State
	StaticDependencies   []Edge
	DynamicDependencies  []Edge
	PreBuildDependencies []Edge
	Distributable        bool
	CmdLineStamp         uint64
}

type dbFile struct {
	Version int
	Nodes   []nodeRecord
	NextID  NodeID
}

// Save atomically writes the graph to path (typically fbuild.fdb) via
// renameio, matching the atomic-write pattern used throughout the teacher
// (internal/build/build.go, cmd/distri/initrd.go).
func (g *Graph) Save(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	db := dbFile{Version: dbVersion, NextID: g.nextID}
	for _, n := range g.nodes {
		db.Nodes = append(db.Nodes, nodeRecord{
			ID:                   n.ID,
			Name:                 n.Name,
			Type:                 n.Type,
			Stamp:                n.Stamp(),
			State:                n.State(),
			StaticDependencies:   n.StaticDependencies,
			DynamicDependencies:  n.DynamicDependencies,
			PreBuildDependencies: n.PreBuildDependencies,
			Distributable:        n.Distributable,
			CmdLineStamp:         n.CmdLineStamp(),
		})
	}
	enc, err := json.Marshal(db)
	if err != nil {
		return xerrors.Errorf("fbuild: marshal graph db: %w", err)
	}
	return renameio.WriteFile(path, enc, 0644)
}

// Load reconstructs a Graph from a previously Saved path. A version
// mismatch or any read/parse error is reported via ErrStaleDB so the
// caller can fall back to reconstructing the graph from the script alone
// (spec.md §4.5: "on version mismatch the graph is reconstructed from the
// script alone").
var ErrStaleDB = xerrors.New("fbuild: persisted graph database is stale or unreadable")

func Load(path string) (*Graph, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrStaleDB
		}
		return nil, xerrors.Errorf("fbuild: read graph database: %w", err)
	}
	var db dbFile
	if err := json.Unmarshal(b, &db); err != nil {
		return nil, ErrStaleDB
	}
	if db.Version != dbVersion {
		return nil, ErrStaleDB
	}
	g := New()
	g.nextID = db.NextID
	for _, rec := range db.Nodes {
		n := &Node{
			ID:                   rec.ID,
			Name:                 rec.Name,
			Type:                 rec.Type,
			stamp:                rec.Stamp,
			state:                rec.State,
			StaticDependencies:   rec.StaticDependencies,
			DynamicDependencies:  rec.DynamicDependencies,
			PreBuildDependencies: rec.PreBuildDependencies,
			Distributable:        rec.Distributable,
			cmdLineStamp:         rec.CmdLineStamp,
		}
		g.nodes[n.ID] = n
		g.byName[n.Name] = n.ID
		g.dg.AddNode(simpleNode(n.ID))
	}
	for _, rec := range db.Nodes {
		for _, e := range rec.StaticDependencies {
			if !g.dg.HasEdgeFromTo(int64(rec.ID), int64(e.Target)) {
				g.dg.SetEdge(g.dg.NewEdge(simpleNode(rec.ID), simpleNode(e.Target)))
			}
		}
		for _, e := range rec.DynamicDependencies {
			if !g.dg.HasEdgeFromTo(int64(rec.ID), int64(e.Target)) {
				g.dg.SetEdge(g.dg.NewEdge(simpleNode(rec.ID), simpleNode(e.Target)))
			}
		}
		for _, e := range rec.PreBuildDependencies {
			if !g.dg.HasEdgeFromTo(int64(rec.ID), int64(e.Target)) {
				g.dg.SetEdge(g.dg.NewEdge(simpleNode(rec.ID), simpleNode(e.Target)))
			}
		}
	}
	return g, nil
}
