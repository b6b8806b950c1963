package fberrors

import (
	"strings"
	"testing"

	"github.com/fastbuild/fbuild/internal/token"
)

func TestErrorRendersCaret(t *testing.T) {
	sf := token.NewSourceFile("build.bff", "A = 1\nB = $Undefined$\n")
	span := token.Span{File: sf, Offset: 10, Line: 2, Column: 5}
	err := New(UnknownVariable, span, "Unknown variable %q.", "Undefined")

	msg := err.Error()
	if !strings.Contains(msg, "build.bff(2,5)") {
		t.Fatalf("missing position prefix: %q", msg)
	}
	if !strings.Contains(msg, "#1009") {
		t.Fatalf("missing error code: %q", msg)
	}
	lines := strings.Split(msg, "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines (message, source, caret), got %d: %q", len(lines), msg)
	}
	if !strings.HasPrefix(lines[2], "    ^") {
		t.Fatalf("caret not aligned to column 5: %q", lines[2])
	}
}

func TestIs(t *testing.T) {
	sf := token.NewSourceFile("x.bff", "")
	err := New(MissingProperty, token.Span{File: sf}, "missing")
	if !Is(err, MissingProperty) {
		t.Fatal("expected Is to match")
	}
	if Is(err, NotAFile) {
		t.Fatal("expected Is to not match a different code")
	}
}
