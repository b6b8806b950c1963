// Package brokerage implements remote-worker discovery: a lock-free
// liveness signal built from touched files in a shared directory tree
// (spec.md §4.8). Grounded on the teacher's pervasive renameio.WriteFile
// atomic-touch pattern (e.g. cmd/distri/mirror.go, build.go) for the
// liveness file itself, and on bmatcuk/doublestar for hostname
// exclusion globs.
package brokerage

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// RefreshInterval is how often an advertised worker re-touches its
// liveness file (spec.md §4.8 "re-touching it every ~10 s").
const RefreshInterval = 10 * time.Second

// Brokerage locates the shared worker-discovery directory for one
// protocol version and platform:
// <Root>/main/<ProtocolVersion>.<Platform>/<hostname>
type Brokerage struct {
	Root            string
	ProtocolVersion string
	Platform        string
}

func New(root, protocolVersion, platform string) *Brokerage {
	return &Brokerage{Root: root, ProtocolVersion: protocolVersion, Platform: platform}
}

func (b *Brokerage) dir() string {
	return filepath.Join(b.Root, "main", b.ProtocolVersion+"."+b.Platform)
}

// Advertise touches hostname's liveness file and keeps re-touching it
// every RefreshInterval until ctx is cancelled or the returned stop
// function is called, at which point the file is removed (spec.md §4.8
// "A worker removes the file to become unavailable").
func (b *Brokerage) Advertise(ctx context.Context, hostname string) (stop func(), err error) {
	dir := b.dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Errorf("fbuild: brokerage: prepare %s: %w", dir, err)
	}
	path := filepath.Join(dir, hostname)
	if err := touch(path); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				os.Remove(path)
				return
			case <-ticker.C:
				touch(path)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

func touch(path string) error {
	if err := renameio.WriteFile(path, nil, 0o644); err != nil {
		return xerrors.Errorf("fbuild: brokerage: touch %s: %w", path, err)
	}
	return nil
}

// Candidates lists this protocol/platform's brokerage directory and
// returns every hostname except selfHostname and any name matching one
// of exclude's doublestar glob patterns (spec.md §4.8 "excludes its own
// hostname and any explicit exclusions").
func (b *Brokerage) Candidates(selfHostname string, exclude []string) ([]string, error) {
	entries, err := os.ReadDir(b.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Errorf("fbuild: brokerage: list: %w", err)
	}

	var candidates []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == selfHostname {
			continue
		}
		if matchesAny(e.Name(), exclude) {
			continue
		}
		candidates = append(candidates, e.Name())
	}
	return candidates, nil
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
