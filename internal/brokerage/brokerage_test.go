package brokerage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestAdvertiseThenCandidatesSeesWorker(t *testing.T) {
	root := t.TempDir()
	b := New(root, "42", "linux-amd64")

	stop, err := b.Advertise(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("Advertise: %v", err)
	}
	defer stop()

	candidates, err := b.Candidates("client-host", nil)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0] != "worker-1" {
		t.Fatalf("Candidates = %v, want [worker-1]", candidates)
	}
}

func TestCandidatesExcludesSelfAndPatterns(t *testing.T) {
	root := t.TempDir()
	b := New(root, "42", "linux-amd64")
	dir := filepath.Join(root, "main", "42.linux-amd64")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, h := range []string{"self-host", "worker-a", "ci-runner-1", "ci-runner-2"} {
		if err := os.WriteFile(filepath.Join(dir, h), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	candidates, err := b.Candidates("self-host", []string{"ci-runner-*"})
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if diff := cmp.Diff([]string{"worker-a"}, candidates, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Fatalf("Candidates mismatch (-want +got):\n%s", diff)
	}
}

func TestCandidatesOnMissingBrokerageDirIsEmpty(t *testing.T) {
	b := New(filepath.Join(t.TempDir(), "never-advertised"), "1", "linux")
	candidates, err := b.Candidates("self", nil)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("Candidates = %v, want empty", candidates)
	}
}

func TestStopRemovesLivenessFile(t *testing.T) {
	root := t.TempDir()
	b := New(root, "1", "linux")
	stop, err := b.Advertise(context.Background(), "worker-x")
	if err != nil {
		t.Fatalf("Advertise: %v", err)
	}
	path := filepath.Join(root, "main", "1.linux", "worker-x")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("liveness file missing right after Advertise: %v", err)
	}
	stop()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("liveness file still present after stop: err=%v", err)
	}
}

func TestAdvertiseRefreshesOnContextCancel(t *testing.T) {
	root := t.TempDir()
	b := New(root, "1", "linux")
	ctx, cancel := context.WithCancel(context.Background())
	stop, err := b.Advertise(ctx, "worker-y")
	if err != nil {
		t.Fatalf("Advertise: %v", err)
	}
	_ = stop
	path := filepath.Join(root, "main", "1.linux", "worker-y")
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
	cancel()
	// Give the goroutine a moment to observe cancellation and remove the file.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("liveness file was not removed after context cancellation")
}
