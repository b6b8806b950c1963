package bff

import (
	"os"

	"github.com/fastbuild/fbuild/internal/bffvar"
	"github.com/fastbuild/fbuild/internal/graph"
	"github.com/fastbuild/fbuild/internal/token"
	"golang.org/x/xerrors"
)

// Result is everything Parse produces from a root build script: the
// populated dependency graph and the Settings() block, if any (spec.md §4.3,
// §6).
type Result struct {
	Graph    *graph.Graph
	Settings *SettingsProps
}

// Parse tokenizes and interprets the build script at rootPath, returning the
// populated graph and its Settings block. It is the single entry point
// cmd/fbuild drives (spec.md §4 "Pipeline": tokenize -> preprocess -> parse
// -> graph, all in one pass since the BFF grammar has no separate AST stage).
func Parse(rootPath string, lg logger) (*Result, error) {
	body, err := os.ReadFile(rootPath)
	if err != nil {
		return nil, xerrors.Errorf("fbuild: read build script %q: %w", rootPath, err)
	}
	sf := token.NewSourceFile(rootPath, string(body))
	pp := NewPreprocessor()
	toks, err := pp.TokenizeRoot(sf)
	if err != nil {
		return nil, err
	}

	g := graph.New()
	p := newParser(toks, g, rootDir(rootPath), make(map[string]*userFunc), lg)
	frame := bffvar.NewStackFrame(nil)
	if err := p.parseTopLevel(frame); err != nil {
		return nil, err
	}
	return &Result{Graph: g, Settings: p.Settings}, nil
}

func rootDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
