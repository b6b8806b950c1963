// Package token implements the BFF tokenizer: it turns a SourceFile's raw
// text into a flat Token stream, invoking the preprocessor (internal/bff)
// recursively for directive lines. See spec.md §4.1.
package token

import (
	"path/filepath"

	"golang.org/x/xerrors"
)

// SourceFile is an immutable-after-load BFF source, identified by its
// canonicalized absolute path. It is kept alive for the duration of parsing
// only (spec.md §3 Lifecycle).
type SourceFile struct {
	Path string // canonicalized absolute path, or a synthetic name
	Body string

	// Synthetic marks a SourceFile generated by the preprocessor itself
	// (e.g. #import) rather than loaded from disk. Synthetic files are
	// spliced onto the include stack like any other file but never touch
	// the filesystem (spec.md §9 design note on #import).
	Synthetic bool

	// ParseOnce is set by a #once directive appearing anywhere in this
	// file's token stream. A later #include of the same canonical path
	// becomes a no-op once this is true.
	ParseOnce bool
}

// Span anchors an error or a Token to a location within a SourceFile so
// diagnostics can reconstruct line/column and render a caret under the
// offending text (spec.md §4.1 Errors, §7).
type Span struct {
	File   *SourceFile
	Offset int // byte offset into File.Body
	Line   int // 1-based
	Column int // 1-based, in runes
}

// SourceLine returns the full source line containing s, for caret-annotated error
// rendering.
func (s Span) SourceLine() string {
	if s.File == nil {
		return ""
	}
	body := s.File.Body
	start := s.Offset
	for start > 0 && body[start-1] != '\n' {
		start--
	}
	end := s.Offset
	for end < len(body) && body[end] != '\n' {
		end++
	}
	return body[start:end]
}

// Canonicalize resolves path relative to base (the including file's
// directory) unless it is already absolute, matching spec.md §4.2's
// #include resolution rule. Filesystem access is a collaborator (spec.md
// §1); this only performs the pure path arithmetic.
func Canonicalize(base, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(filepath.Dir(base), path))
}

// NewSourceFile wraps already-read file contents.
func NewSourceFile(path, body string) *SourceFile {
	return &SourceFile{Path: path, Body: body}
}

// NewSyntheticSourceFile constructs a SourceFile whose tokens did not come
// from disk (spec.md §9: #import synthesizes `.ENV = "value"` tokens at the
// current position by modeling them as a spliced-in synthetic file).
func NewSyntheticSourceFile(name, body string) *SourceFile {
	return &SourceFile{Path: name, Body: body, Synthetic: true}
}

// ErrIncludeDepthExceeded is returned when the include stack exceeds the
// spec's bound of 128 (spec.md §4.2).
var ErrIncludeDepthExceeded = xerrors.New("fbuild: include depth exceeded (max 128)")
