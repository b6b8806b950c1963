// Package bffvar implements the BFF variable model: the Variable sum type,
// StackFrame chains, and the preprocessor's MacroEnvironment (spec.md §3,
// §4.3). Grounded on original_source/Code/Tools/FBuild/FBuildCore/BFF/
// BFFVariable.cpp and BFFStackFrame.cpp for the promotion/freeze semantics;
// expressed as an explicit tagged struct rather than a polymorphic type
// hierarchy, matching the teacher's preference for flat data structs
// (distr1/distri's pb.Build/pb.Meta) over interface-per-variant trees.
package bffvar

import "golang.org/x/xerrors"

// Type identifies which field of a Variable is populated.
type Type int

const (
	TypeString Type = iota
	TypeBool
	TypeInt
	TypeArrayOfStrings
	TypeStruct
	TypeArrayOfStructs
)

func (t Type) String() string {
	switch t {
	case TypeString:
		return "String"
	case TypeBool:
		return "Bool"
	case TypeInt:
		return "Int"
	case TypeArrayOfStrings:
		return "ArrayOfStrings"
	case TypeStruct:
		return "Struct"
	case TypeArrayOfStructs:
		return "ArrayOfStructs"
	default:
		return "Unknown"
	}
}

// Variable is the BFF sum type (spec.md §3). Exactly one of the typed
// fields is meaningful, selected by Type.
type Variable struct {
	Type Type

	Str      string
	Bool     bool
	Int      int32
	Strings  []string
	Struct   map[string]*Variable
	Structs  []map[string]*Variable

	// FreezeDepth counts active ForEach loops iterating over this variable
	// (spec.md §9: "an integer, not a bool, since loops may nest and the
	// same array may be frozen twice"). Any write attempted while
	// FreezeDepth > 0 is an error (spec.md §4.3, §8 "Freeze invariant").
	FreezeDepth int
}

func NewString(s string) *Variable        { return &Variable{Type: TypeString, Str: s} }
func NewBool(b bool) *Variable            { return &Variable{Type: TypeBool, Bool: b} }
func NewInt(i int32) *Variable            { return &Variable{Type: TypeInt, Int: i} }
func NewArrayOfStrings(ss []string) *Variable {
	return &Variable{Type: TypeArrayOfStrings, Strings: append([]string(nil), ss...)}
}
func NewStruct(m map[string]*Variable) *Variable {
	return &Variable{Type: TypeStruct, Struct: m}
}
func NewArrayOfStructs(ms []map[string]*Variable) *Variable {
	return &Variable{Type: TypeArrayOfStructs, Structs: ms}
}

// ErrFrozen is returned when a write targets a variable with FreezeDepth > 0.
var ErrFrozen = xerrors.New("fbuild: cannot mutate a frozen variable")

// Freeze increments the freeze depth (entering a ForEach over v).
func (v *Variable) Freeze() { v.FreezeDepth++ }

// Unfreeze decrements the freeze depth (leaving a ForEach over v).
func (v *Variable) Unfreeze() {
	if v.FreezeDepth > 0 {
		v.FreezeDepth--
	}
}

func (v *Variable) frozen() bool { return v.FreezeDepth > 0 }

// Clone deep-copies v so that loop bodies and function invocations can bind
// a private snapshot without entangling the source.
func (v *Variable) Clone() *Variable {
	if v == nil {
		return nil
	}
	c := &Variable{Type: v.Type, Str: v.Str, Bool: v.Bool, Int: v.Int}
	if v.Strings != nil {
		c.Strings = append([]string(nil), v.Strings...)
	}
	if v.Struct != nil {
		c.Struct = make(map[string]*Variable, len(v.Struct))
		for k, m := range v.Struct {
			c.Struct[k] = m.Clone()
		}
	}
	if v.Structs != nil {
		c.Structs = make([]map[string]*Variable, len(v.Structs))
		for i, s := range v.Structs {
			cs := make(map[string]*Variable, len(s))
			for k, m := range s {
				cs[k] = m.Clone()
			}
			c.Structs[i] = cs
		}
	}
	return c
}

// Add implements `<var> + <expr>` (spec.md §4.3 assignment promotion
// table): string+string concatenates, ArrayOfStrings+string appends,
// Struct+Struct unions (colliding members recurse, arrays concatenate),
// Bool+Bool ORs, Int+Int sums. Any other combination is an error.
func Add(dst, src *Variable) (*Variable, error) {
	if dst == nil {
		return src.Clone(), nil
	}
	if dst.frozen() {
		return nil, ErrFrozen
	}
	switch {
	case dst.Type == TypeString && src.Type == TypeString:
		return NewString(dst.Str + src.Str), nil
	case dst.Type == TypeArrayOfStrings && src.Type == TypeString:
		return NewArrayOfStrings(append(append([]string(nil), dst.Strings...), src.Str)), nil
	case dst.Type == TypeArrayOfStrings && src.Type == TypeArrayOfStrings:
		return NewArrayOfStrings(append(append([]string(nil), dst.Strings...), src.Strings...)), nil
	case dst.Type == TypeString && src.Type == TypeArrayOfStrings:
		return NewArrayOfStrings(append([]string{dst.Str}, src.Strings...)), nil
	case dst.Type == TypeStruct && src.Type == TypeStruct:
		return unionStruct(dst.Struct, src.Struct), nil
	case dst.Type == TypeBool && src.Type == TypeBool:
		return NewBool(dst.Bool || src.Bool), nil
	case dst.Type == TypeInt && src.Type == TypeInt:
		return NewInt(dst.Int + src.Int), nil
	case dst.Type == TypeArrayOfStructs && src.Type == TypeStruct:
		return NewArrayOfStructs(append(append([]map[string]*Variable(nil), dst.Structs...), src.Struct)), nil
	case dst.Type == TypeArrayOfStructs && src.Type == TypeArrayOfStructs:
		return NewArrayOfStructs(append(append([]map[string]*Variable(nil), dst.Structs...), src.Structs...)), nil
	default:
		return nil, xerrors.Errorf("fbuild: cannot add %s to %s", src.Type, dst.Type)
	}
}

func unionStruct(a, b map[string]*Variable) *Variable {
	out := make(map[string]*Variable, len(a)+len(b))
	for k, v := range a {
		out[k] = v.Clone()
	}
	for k, v := range b {
		if existing, ok := out[k]; ok {
			merged, err := Add(existing, v)
			if err == nil {
				out[k] = merged
				continue
			}
		}
		out[k] = v.Clone()
	}
	return NewStruct(out)
}

// Subtract implements `<var> - <expr>`: removes matching strings from an
// array, or matching member names from a struct.
func Subtract(dst, src *Variable) (*Variable, error) {
	if dst == nil {
		return nil, xerrors.New("fbuild: cannot subtract from an undefined variable")
	}
	if dst.frozen() {
		return nil, ErrFrozen
	}
	switch {
	case dst.Type == TypeArrayOfStrings && src.Type == TypeString:
		out := make([]string, 0, len(dst.Strings))
		for _, s := range dst.Strings {
			if s != src.Str {
				out = append(out, s)
			}
		}
		return NewArrayOfStrings(out), nil
	case dst.Type == TypeString && src.Type == TypeString:
		return NewString(removeAll(dst.Str, src.Str)), nil
	case dst.Type == TypeStruct && src.Type == TypeStruct:
		out := make(map[string]*Variable, len(dst.Struct))
		for k, v := range dst.Struct {
			if _, remove := src.Struct[k]; !remove {
				out[k] = v.Clone()
			}
		}
		return NewStruct(out), nil
	default:
		return nil, xerrors.Errorf("fbuild: cannot subtract %s from %s", src.Type, dst.Type)
	}
}

func removeAll(s, sub string) string {
	if sub == "" {
		return s
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); {
		if i+len(sub) <= len(s) && s[i:i+len(sub)] == sub {
			i += len(sub)
			continue
		}
		out = append(out, s[i])
		i++
	}
	return string(out)
}
