// Package fberrors implements the stable, numbered BFF diagnostic errors
// spec.md §7 calls for: file/line/column-anchored errors rendered with a
// caret under the offending source, in the error-code ranges
// original_source/Code/Tools/FBuild/FBuildCore/Error.h assigns (1000-1049
// general parsing, 1050-1099 variable type, 1100-1199 function definition,
// 1200-1299 ForEach, 1300-1399 Library/PCH). internal/token and
// internal/bff raise these; everything else in the module wraps with
// golang.org/x/xerrors the way the teacher does throughout internal/build
// and cmd/distri.
package fberrors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fastbuild/fbuild/internal/token"
)

// Code is one of the stable, documented BFF diagnostic numbers.
type Code uint32

const (
	// 1000-1049: general parsing errors.
	MissingStringStartToken          Code = 1001
	MatchingClosingTokenNotFound     Code = 1002
	EmptyStringNotAllowedInHeader    Code = 1003
	EmptyStringPropertyNotAllowed    Code = 1004
	UnsupportedNodeType              Code = 1005
	NothingToBuild                   Code = 1006
	ExpectedVariable                 Code = 1007
	VariableOfWrongType              Code = 1008
	UnknownVariable                  Code = 1009
	UnknownConstruct                 Code = 1010
	UnnamedConcatMustFollowAssign    Code = 1011
	UnexpectedEndOfFile              Code = 1012
	UnexpectedCharInVariableName     Code = 1013
	VariableNameTooLong              Code = 1014
	UnknownFunction                  Code = 1015
	UnexpectedCharAfterVariableName  Code = 1016
	UnexpectedCharInVariableValue    Code = 1017
	IntegerValueCouldNotBeParsed     Code = 1018
	FunctionCanOnlyBeInvokedOnce     Code = 1020
	UnexpectedHeaderForFunction      Code = 1021
	MissingFunctionHeaderCloseToken  Code = 1022
	FunctionRequiresAHeader          Code = 1023
	FunctionRequiresABody            Code = 1024
	MissingScopeCloseToken           Code = 1025
	VariableNotFoundForConcat        Code = 1026
	CannotConcatenate                Code = 1027
	MissingVariableSubstitutionEnd   Code = 1028
	VariableForSubstitutionNotString Code = 1029
	UnknownDirective                 Code = 1030
	UnexpectedCharAfterDirective     Code = 1031
	UnableToOpenInclude              Code = 1032
	ErrorReadingInclude              Code = 1033
	OperationNotSupported            Code = 1034
	ExcessiveDepthComplexity         Code = 1035
	UnknownTokenInIfDirective        Code = 1036
	EndIfWithoutIf                   Code = 1037
	OverwritingTokenInDefine         Code = 1038
	UnknownTokenInUndef              Code = 1039

	// 1050-1099: variable type errors.
	PropertyMustBeOfType Code = 1050
	IntegerOutOfRange    Code = 1054

	// 1100-1199: function definition errors.
	AlreadyDefined       Code = 1100
	MissingProperty      Code = 1101
	UnexpectedType       Code = 1102
	NotAFile             Code = 1103
	TargetNotDefined     Code = 1104
	PathNotAllowed       Code = 1105
	MissingRequiredToken Code = 1106

	// 1200-1299: ForEach errors.
	ExpectedVar               Code = 1200
	MissingIn                 Code = 1201
	ExpectedVarFollowingIn    Code = 1202
	LoopVariableLengthsDiffer Code = 1204

	// 1300-1399: Library/PCH errors.
	MissingPCHArgs                  Code = 1300
	AlreadyDefinedPCH               Code = 1301
	MissingPCHCompilerOption        Code = 1302
	PCHCreateOptionOnlyAllowedOnPCH Code = 1303
)

// Error is a diagnostic anchored to a source position, matching spec.md
// §7's "stable, documented error code" requirement.
type Error struct {
	Code    Code
	Span    token.Span
	Message string
}

func (e *Error) Error() string {
	var b strings.Builder
	path := ""
	if e.Span.File != nil {
		path = e.Span.File.Path
	}
	fmt.Fprintf(&b, "%s(%d,%d): FASTBuild Error #%04d - %s",
		path, e.Span.Line, e.Span.Column, e.Code, e.Message)
	if line := e.Span.SourceLine(); line != "" {
		b.WriteByte('\n')
		b.WriteString(line)
		b.WriteByte('\n')
		col := e.Span.Column
		if col < 1 {
			col = 1
		}
		b.WriteString(strings.Repeat(" ", col-1))
		b.WriteByte('^')
	}
	return b.String()
}

// New builds a Code-tagged error at span with a printf-style message, the
// Go equivalent of Error::FormatError's va_list formatting.
func New(code Code, span token.Span, format string, args ...interface{}) *Error {
	return &Error{Code: code, Span: span, Message: fmt.Sprintf(format, args...)}
}

// Is reports whether err (or anything it wraps) is an *Error carrying code.
func Is(err error, code Code) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Code == code
}
