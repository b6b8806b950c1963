package lock

import (
	"context"
	"testing"
	"time"
)

func TestAcquireThenSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()
	l1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer l1.Release()

	_, err = Acquire(dir)
	if err != ErrAlreadyRunning {
		t.Fatalf("second Acquire err = %v, want ErrAlreadyRunning", err)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	l1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	l2, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	l2.Release()
}

func TestAcquireWaitSucceedsAfterRelease(t *testing.T) {
	dir := t.TempDir()
	l1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l2, err := AcquireWait(ctx, dir, 10*time.Millisecond)
		if err == nil {
			l2.Release()
		}
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	l1.Release()

	if err := <-done; err != nil {
		t.Fatalf("AcquireWait: %v", err)
	}
}

func TestAcquireWaitTimesOutWhileHeld(t *testing.T) {
	dir := t.TempDir()
	l1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l1.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = AcquireWait(ctx, dir, 10*time.Millisecond)
	if err == nil {
		t.Fatal("AcquireWait succeeded while the lock was held, want a timeout error")
	}
}

func TestDifferentDirectoriesDoNotContend(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	lA, err := Acquire(dirA)
	if err != nil {
		t.Fatalf("Acquire dirA: %v", err)
	}
	defer lA.Release()

	lB, err := Acquire(dirB)
	if err != nil {
		t.Fatalf("Acquire dirB: %v", err)
	}
	defer lB.Release()
}
