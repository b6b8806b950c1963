package exec

import (
	"sync/atomic"
	"testing"
)

// spec.md §8 scenario 1: "Unused thread pool. Construct a pool of 4
// workers, destroy immediately. No jobs run. No leaks."
func TestPoolUnusedDoesNothing(t *testing.T) {
	var ran int32
	p := NewPool(4)
	p.Close()
	if got := atomic.LoadInt32(&ran); got != 0 {
		t.Fatalf("ran = %d, want 0", got)
	}
}

// spec.md §8 scenario 2: "1024 enqueued jobs. Each increments a shared
// atomic counter. After destruction, counter is exactly 1024. No job runs
// twice."
func TestPoolRunsEveryJobExactlyOnce(t *testing.T) {
	const n = 1024
	p := NewPool(4)
	var counter int32
	for i := 0; i < n; i++ {
		p.Submit(func() {
			atomic.AddInt32(&counter, 1)
		})
	}
	p.Close()
	if got := atomic.LoadInt32(&counter); got != n {
		t.Fatalf("counter = %d, want %d", got, n)
	}
}

func TestPoolZeroWorkersRunsInline(t *testing.T) {
	p := NewPool(0)
	ran := false
	p.Submit(func() { ran = true })
	if !ran {
		t.Fatal("Submit with 0 workers should run synchronously")
	}
	p.Close()
}
