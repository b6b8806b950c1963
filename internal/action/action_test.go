package action

import (
	"context"
	"testing"
	"time"
)

func TestRunCapturesStdout(t *testing.T) {
	res, err := Run(context.Background(), Spec{Exe: "echo", Args: []string{"hello"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := string(res.Stdout); got != "hello\n" {
		t.Fatalf("stdout = %q, want %q", got, "hello\n")
	}
}

func TestRunNonZeroExitReturnsExitError(t *testing.T) {
	_, err := Run(context.Background(), Spec{Exe: "sh", Args: []string{"-c", "exit 3"}})
	if err == nil {
		t.Fatal("expected an error for a non-zero exit")
	}
	exitErr, ok := err.(*ExitError)
	if !ok {
		t.Fatalf("err = %T, want *ExitError", err)
	}
	if exitErr.Result.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", exitErr.Result.ExitCode)
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Run(ctx, Spec{Exe: "sleep", Args: []string{"5"}})
	if err == nil {
		t.Fatal("expected an error from a cancelled context")
	}
}

func TestRunDetachReturnsImmediately(t *testing.T) {
	start := time.Now()
	res, err := Run(context.Background(), Spec{Exe: "sleep", Args: []string{"5"}, Detach: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("detached Run should return immediately, not wait for the child")
	}
	if res.ExitCode != 0 {
		t.Fatalf("detached Result.ExitCode = %d, want 0 (unknown/unwaited)", res.ExitCode)
	}
}
