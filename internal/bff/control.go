package bff

import (
	"github.com/fastbuild/fbuild/internal/bffvar"
	"github.com/fastbuild/fbuild/internal/fberrors"
	"github.com/fastbuild/fbuild/internal/token"
)

// loopVar pairs a ForEach loop variable name with the array it walks.
type loopVar struct {
	name string
	arr  *bffvar.Variable
}

// parseForEach handles `ForEach( .Item in .Array[, .Item2 in .Array2...] )
// { ... }`, grounded on original_source's FunctionForEach.cpp. Parallel
// loop variables must walk arrays of equal length (spec.md §4.3, error
// 1204).
func (p *Parser) parseForEach(frame *bffvar.StackFrame) error {
	if !p.isOpen(token.RoundBracket) {
		return fberrors.New(fberrors.FunctionRequiresAHeader, p.peek().Span, "ForEach requires a header")
	}
	p.next()

	var loops []loopVar
	for {
		itemTok := p.next()
		if itemTok.Kind != token.Variable {
			return fberrors.New(fberrors.ExpectedVar, itemTok.Span, "expected a loop variable in ForEach")
		}
		inTok := p.next()
		if !(inTok.Kind == token.Keyword && inTok.Value == "in") {
			return fberrors.New(fberrors.MissingIn, inTok.Span, "expected 'in' after loop variable %s", itemTok.Value)
		}
		arrTok := p.next()
		if arrTok.Kind != token.Variable {
			return fberrors.New(fberrors.ExpectedVarFollowingIn, arrTok.Span, "expected an array variable after 'in'")
		}
		arrVal, _, found := frame.Lookup(arrTok.Value)
		if !found {
			return fberrors.New(fberrors.UnknownVariable, arrTok.Span, "unknown variable %s", arrTok.Value)
		}
		loops = append(loops, loopVar{name: stripDot(itemTok.Value), arr: arrVal})
		if p.peek().Kind == token.Comma {
			p.next()
			continue
		}
		break
	}
	if !p.isClose(token.RoundBracket) {
		return fberrors.New(fberrors.MissingFunctionHeaderCloseToken, p.peek().Span, "missing ')' in ForEach header")
	}
	p.next()
	if !p.isOpen(token.CurlyBracket) {
		return fberrors.New(fberrors.FunctionRequiresABody, p.peek().Span, "ForEach requires a body")
	}
	p.next()
	bodyToks, err := p.captureBraceBody()
	if err != nil {
		return err
	}

	length := -1
	for _, lv := range loops {
		var n int
		switch lv.arr.Type {
		case bffvar.TypeArrayOfStrings:
			n = len(lv.arr.Strings)
		case bffvar.TypeArrayOfStructs:
			n = len(lv.arr.Structs)
		default:
			return fberrors.New(fberrors.PropertyMustBeOfType, p.peek().Span, "ForEach loop variable %s must be an array", lv.name)
		}
		if length == -1 {
			length = n
		} else if length != n {
			return fberrors.New(fberrors.LoopVariableLengthsDiffer, p.peek().Span,
				"ForEach loop variable %s has %d elements, expected %d", lv.name, n, length)
		}
	}
	for _, lv := range loops {
		lv.arr.Freeze()
	}
	defer func() {
		for _, lv := range loops {
			lv.arr.Unfreeze()
		}
	}()

	for i := 0; i < length; i++ {
		child := bffvar.NewStackFrame(frame)
		for _, lv := range loops {
			switch lv.arr.Type {
			case bffvar.TypeArrayOfStrings:
				child.Set("."+lv.name, bffvar.NewString(lv.arr.Strings[i]))
			case bffvar.TypeArrayOfStructs:
				child.Set("."+lv.name, bffvar.NewStruct(lv.arr.Structs[i]))
			}
		}
		if err := p.execTokens(bodyToks, child); err != nil {
			return err
		}
	}
	return nil
}

// parseIf handles `If( <condition> ) { ... } [else { ... }]` (spec.md §4.3,
// grounded on FunctionIf.cpp's comparison/membership grammar, simplified to
// the forms the rest of this module needs: bare Bool variables, ==/!=
// equality, < <= > >= comparison of Ints, and in/not in array membership,
// combined with !, && and ||).
func (p *Parser) parseIf(frame *bffvar.StackFrame) error {
	if !p.isOpen(token.RoundBracket) {
		return fberrors.New(fberrors.FunctionRequiresAHeader, p.peek().Span, "If requires a header")
	}
	p.next()
	cond, err := p.parseIfOr(frame)
	if err != nil {
		return err
	}
	if !p.isClose(token.RoundBracket) {
		return fberrors.New(fberrors.MissingFunctionHeaderCloseToken, p.peek().Span, "missing ')' in If header")
	}
	p.next()
	if !p.isOpen(token.CurlyBracket) {
		return fberrors.New(fberrors.FunctionRequiresABody, p.peek().Span, "If requires a body")
	}
	p.next()
	bodyToks, err := p.captureBraceBody()
	if err != nil {
		return err
	}

	var elseToks []token.Token
	hasElse := false
	if p.peek().Kind == token.Keyword && p.peek().Value == "else" {
		p.next()
		if !p.isOpen(token.CurlyBracket) {
			return fberrors.New(fberrors.FunctionRequiresABody, p.peek().Span, "else requires a body")
		}
		p.next()
		elseToks, err = p.captureBraceBody()
		if err != nil {
			return err
		}
		hasElse = true
	}

	if cond {
		return p.execTokens(bodyToks, bffvar.NewStackFrame(frame))
	}
	if hasElse {
		return p.execTokens(elseToks, bffvar.NewStackFrame(frame))
	}
	return nil
}

func (p *Parser) parseIfOr(frame *bffvar.StackFrame) (bool, error) {
	v, err := p.parseIfAnd(frame)
	if err != nil {
		return false, err
	}
	for p.peek().Kind == token.Operator && p.peek().Value == "||" {
		p.next()
		rhs, err := p.parseIfAnd(frame)
		if err != nil {
			return false, err
		}
		v = v || rhs
	}
	return v, nil
}

func (p *Parser) parseIfAnd(frame *bffvar.StackFrame) (bool, error) {
	v, err := p.parseIfAtom(frame)
	if err != nil {
		return false, err
	}
	for p.peek().Kind == token.Operator && p.peek().Value == "&&" {
		p.next()
		rhs, err := p.parseIfAtom(frame)
		if err != nil {
			return false, err
		}
		v = v && rhs
	}
	return v, nil
}

func (p *Parser) parseIfAtom(frame *bffvar.StackFrame) (bool, error) {
	if p.peek().Kind == token.Operator && p.peek().Value == "!" {
		p.next()
		v, err := p.parseIfAtom(frame)
		return !v, err
	}
	if p.isOpen(token.RoundBracket) {
		p.next()
		v, err := p.parseIfOr(frame)
		if err != nil {
			return false, err
		}
		if !p.isClose(token.RoundBracket) {
			return false, fberrors.New(fberrors.MatchingClosingTokenNotFound, p.peek().Span, "missing ')' in If condition")
		}
		p.next()
		return v, nil
	}

	varTok := p.next()
	if varTok.Kind != token.Variable {
		return false, fberrors.New(fberrors.ExpectedVariable, varTok.Span, "expected a variable in If condition")
	}
	lhs, _, found := frame.Lookup(varTok.Value)
	if !found {
		return false, fberrors.New(fberrors.UnknownVariable, varTok.Span, "unknown variable %s", varTok.Value)
	}

	peek := p.peek()
	switch {
	case peek.Kind == token.Keyword && peek.Value == "in":
		p.next()
		rhs, rhsTok, err := p.lookupVariableOperand(frame)
		if err != nil {
			return false, err
		}
		_ = rhsTok
		return containsMember(rhs, lhs), nil
	case peek.Kind == token.Keyword && peek.Value == "not":
		p.next()
		inTok := p.next()
		if !(inTok.Kind == token.Keyword && inTok.Value == "in") {
			return false, fberrors.New(fberrors.UnknownTokenInIfDirective, inTok.Span, "expected 'in' after 'not'")
		}
		rhs, rhsTok, err := p.lookupVariableOperand(frame)
		if err != nil {
			return false, err
		}
		_ = rhsTok
		return !containsMember(rhs, lhs), nil
	case peek.Kind == token.Operator && (peek.Value == "==" || peek.Value == "!="):
		op := peek.Value
		p.next()
		rhsVal, err := p.parsePrimary(frame)
		if err != nil {
			return false, err
		}
		eq := variablesEqual(lhs, rhsVal)
		if op == "!=" {
			return !eq, nil
		}
		return eq, nil
	case peek.Kind == token.Operator && (peek.Value == "<" || peek.Value == "<=" || peek.Value == ">" || peek.Value == ">="):
		op := peek.Value
		p.next()
		rhsVal, err := p.parsePrimary(frame)
		if err != nil {
			return false, err
		}
		return compareInts(lhs, rhsVal, op, varTok)
	default:
		if lhs.Type != bffvar.TypeBool {
			return false, fberrors.New(fberrors.PropertyMustBeOfType, varTok.Span, "variable %s must be Bool for bare use in If", varTok.Value)
		}
		return lhs.Bool, nil
	}
}

func (p *Parser) lookupVariableOperand(frame *bffvar.StackFrame) (*bffvar.Variable, token.Token, error) {
	tok := p.next()
	if tok.Kind != token.Variable {
		return nil, tok, fberrors.New(fberrors.ExpectedVariable, tok.Span, "expected a variable")
	}
	v, _, found := frame.Lookup(tok.Value)
	if !found {
		return nil, tok, fberrors.New(fberrors.UnknownVariable, tok.Span, "unknown variable %s", tok.Value)
	}
	return v, tok, nil
}

func containsMember(arr, item *bffvar.Variable) bool {
	if arr == nil || item == nil {
		return false
	}
	if arr.Type == bffvar.TypeArrayOfStrings && item.Type == bffvar.TypeString {
		for _, s := range arr.Strings {
			if s == item.Str {
				return true
			}
		}
	}
	return false
}

func variablesEqual(a, b *bffvar.Variable) bool {
	if a == nil || b == nil || a.Type != b.Type {
		return false
	}
	switch a.Type {
	case bffvar.TypeString:
		return a.Str == b.Str
	case bffvar.TypeBool:
		return a.Bool == b.Bool
	case bffvar.TypeInt:
		return a.Int == b.Int
	default:
		return false
	}
}

// compareInts evaluates a relational If condition (spec.md §4.3 "int
// comparison via ==/!=/</<=/>/>="). Both operands must be Int; FASTBuild
// has no ordering over strings, bools, or arrays.
func compareInts(lhs, rhs *bffvar.Variable, op string, varTok token.Token) (bool, error) {
	if lhs.Type != bffvar.TypeInt || rhs == nil || rhs.Type != bffvar.TypeInt {
		return false, fberrors.New(fberrors.PropertyMustBeOfType, varTok.Span, "variable %s must be Int to use %s in If", varTok.Value, op)
	}
	switch op {
	case "<":
		return lhs.Int < rhs.Int, nil
	case "<=":
		return lhs.Int <= rhs.Int, nil
	case ">":
		return lhs.Int > rhs.Int, nil
	case ">=":
		return lhs.Int >= rhs.Int, nil
	default:
		return false, fberrors.New(fberrors.PropertyMustBeOfType, varTok.Span, "unsupported relational operator %s", op)
	}
}

func stripDot(s string) string {
	if len(s) > 0 && (s[0] == '.' || s[0] == '^') {
		return s[1:]
	}
	return s
}
