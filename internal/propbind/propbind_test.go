package propbind

import (
	"testing"

	"github.com/fastbuild/fbuild/internal/bffvar"
)

type execProps struct {
	ExecExecutable string   `fbld:"ExecExecutable,file"`
	ExecOutput     string   `fbld:"ExecOutput,file,name"`
	ExecArguments  []string `fbld:"ExecArguments,optional"`
	Timeout        int32    `fbld:"Timeout,optional,range=0:3600"`
}

func TestBindHappyPath(t *testing.T) {
	f := bffvar.NewStackFrame(nil)
	f.Set(".ExecExecutable", bffvar.NewString("tool.exe"))
	f.Set(".ExecOutput", bffvar.NewString("out.txt"))
	f.Set(".ExecArguments", bffvar.NewArrayOfStrings([]string{"-v"}))

	var p execProps
	name, err := Bind(f, &p, "/base")
	if err != nil {
		t.Fatal(err)
	}
	if name != p.ExecOutput {
		t.Fatalf("name = %q, want %q", name, p.ExecOutput)
	}
	if p.ExecExecutable != "/base/tool.exe" {
		t.Fatalf("ExecExecutable = %q", p.ExecExecutable)
	}
	if len(p.ExecArguments) != 1 || p.ExecArguments[0] != "-v" {
		t.Fatalf("ExecArguments = %v", p.ExecArguments)
	}
}

func TestBindMissingRequiredIsError(t *testing.T) {
	f := bffvar.NewStackFrame(nil)
	f.Set(".ExecOutput", bffvar.NewString("out.txt"))
	var p execProps
	if _, err := Bind(f, &p, "/base"); err == nil {
		t.Fatal("expected error for missing required .ExecExecutable")
	}
}

func TestBindRangeOutOfBounds(t *testing.T) {
	f := bffvar.NewStackFrame(nil)
	f.Set(".ExecExecutable", bffvar.NewString("tool.exe"))
	f.Set(".ExecOutput", bffvar.NewString("out.txt"))
	f.Set(".Timeout", bffvar.NewInt(999999))
	var p execProps
	if _, err := Bind(f, &p, "/base"); err == nil {
		t.Fatal("expected range error")
	}
}
