package bff

import (
	"strings"

	"github.com/fastbuild/fbuild/internal/fberrors"
	"github.com/fastbuild/fbuild/internal/token"
)

// macroOracle is the subset of Preprocessor a #if expression needs.
type macroOracle interface {
	IsDefined(id string) bool
	FileExists(path string) bool
	EnvExists(id string) bool
}

// evalBoolExpr evaluates a #if expression (spec.md §4.2): a two-pass
// grammar where '||' binds loosest and '&&' binds tighter, over atoms that
// are a bare identifier (macro defined?), '!'-negated identifier,
// `exists(ID)` (process env var set?), `file_exists('path')`, or a
// parenthesized sub-expression. Grounded on original_source's #if handling
// in BFFParser.cpp (directive-level, distinct from the richer runtime
// BFFBooleanExpParser used by the "If" function).
func evalBoolExpr(expr string, span token.Span, oracle macroOracle) (bool, error) {
	p := &ifExprParser{s: expr, oracle: oracle, span: span}
	v, err := p.parseOr()
	if err != nil {
		return false, err
	}
	p.skipSpace()
	if p.pos != len(p.s) {
		return false, fberrors.New(fberrors.UnknownTokenInIfDirective, span, "unexpected trailing text in #if expression: %q", p.s[p.pos:])
	}
	return v, nil
}

type ifExprParser struct {
	s      string
	pos    int
	oracle macroOracle
	span   token.Span
}

func (p *ifExprParser) skipSpace() {
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t') {
		p.pos++
	}
}

func (p *ifExprParser) consumeLiteral(lit string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.s[p.pos:], lit) {
		p.pos += len(lit)
		return true
	}
	return false
}

func (p *ifExprParser) parseOr() (bool, error) {
	v, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for {
		save := p.pos
		if !p.consumeLiteral("||") {
			p.pos = save
			return v, nil
		}
		rhs, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		v = v || rhs
	}
}

func (p *ifExprParser) parseAnd() (bool, error) {
	v, err := p.parseAtom()
	if err != nil {
		return false, err
	}
	for {
		save := p.pos
		if !p.consumeLiteral("&&") {
			p.pos = save
			return v, nil
		}
		rhs, err := p.parseAtom()
		if err != nil {
			return false, err
		}
		v = v && rhs
	}
}

func (p *ifExprParser) parseAtom() (bool, error) {
	p.skipSpace()
	if p.consumeLiteral("!") {
		v, err := p.parseAtom()
		return !v, err
	}
	if p.consumeLiteral("(") {
		v, err := p.parseOr()
		if err != nil {
			return false, err
		}
		if !p.consumeLiteral(")") {
			return false, fberrors.New(fberrors.MatchingClosingTokenNotFound, p.span, "missing closing ) in #if expression")
		}
		return v, nil
	}
	if p.consumeLiteral("exists(") {
		id, err := p.parseParenArg()
		if err != nil {
			return false, err
		}
		return p.oracle.EnvExists(id), nil
	}
	if p.consumeLiteral("file_exists(") {
		path, err := p.parseParenArg()
		if err != nil {
			return false, err
		}
		return p.oracle.FileExists(path), nil
	}
	id := p.parseIdentifier()
	if id == "" {
		return false, fberrors.New(fberrors.UnknownTokenInIfDirective, p.span, "expected identifier, '!', 'exists(', 'file_exists(' or '(' in #if expression")
	}
	return p.oracle.IsDefined(id), nil
}

// parseParenArg parses a single quoted-or-bare argument up to the closing
// ')' already expected by the caller's literal match, e.g. the `'win'` in
// `file_exists('win')` or the `ID` in `exists(ID)`.
func (p *ifExprParser) parseParenArg() (string, error) {
	p.skipSpace()
	start := p.pos
	quote := byte(0)
	if p.pos < len(p.s) && (p.s[p.pos] == '\'' || p.s[p.pos] == '"') {
		quote = p.s[p.pos]
		p.pos++
		start = p.pos
		for p.pos < len(p.s) && p.s[p.pos] != quote {
			p.pos++
		}
		if p.pos >= len(p.s) {
			return "", fberrors.New(fberrors.UnexpectedEndOfFile, p.span, "unterminated quoted argument in #if expression")
		}
		arg := p.s[start:p.pos]
		p.pos++ // closing quote
		if !p.consumeLiteral(")") {
			return "", fberrors.New(fberrors.MatchingClosingTokenNotFound, p.span, "missing closing ) in #if expression")
		}
		return arg, nil
	}
	for p.pos < len(p.s) && p.s[p.pos] != ')' {
		p.pos++
	}
	arg := strings.TrimSpace(p.s[start:p.pos])
	if !p.consumeLiteral(")") {
		return "", fberrors.New(fberrors.MatchingClosingTokenNotFound, p.span, "missing closing ) in #if expression")
	}
	return arg, nil
}

func (p *ifExprParser) parseIdentifier() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			p.pos++
			continue
		}
		break
	}
	return p.s[start:p.pos]
}
