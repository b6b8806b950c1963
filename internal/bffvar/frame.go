package bffvar

import "golang.org/x/xerrors"

// StackFrame is an ordered set of Variable declarations plus a pointer to
// its parent frame (spec.md §3). The global set of frames forms a LIFO
// stack; { ... } scopes push a child frame and pop it on exit.
type StackFrame struct {
	vars   map[string]*Variable
	order  []string
	Parent *StackFrame
}

// NewStackFrame creates a child frame of parent (parent may be nil for the
// root/global frame).
func NewStackFrame(parent *StackFrame) *StackFrame {
	return &StackFrame{vars: make(map[string]*Variable), Parent: parent}
}

// stripPrefix removes the leading '.' or '^' frame-locality marker, since
// both forms name the same variable once resolved to a frame.
func stripPrefix(name string) string {
	if len(name) > 0 && (name[0] == '.' || name[0] == '^') {
		return name[1:]
	}
	return name
}

// Local looks up name in this frame only, without walking the parent chain.
func (f *StackFrame) Local(name string) (*Variable, bool) {
	v, ok := f.vars[stripPrefix(name)]
	return v, ok
}

// Lookup walks the parent chain starting at f, returning the first frame
// that declares name and its value. A name written with the `^` prefix
// explicitly requests a parent-frame lookup (spec.md §3).
func (f *StackFrame) Lookup(name string) (*Variable, *StackFrame, bool) {
	start := f
	if len(name) > 0 && name[0] == '^' {
		if f.Parent == nil {
			return nil, nil, false
		}
		start = f.Parent
	}
	for fr := start; fr != nil; fr = fr.Parent {
		if v, ok := fr.vars[stripPrefix(name)]; ok {
			return v, fr, true
		}
	}
	return nil, nil, false
}

// Set writes name into f's own declarations (an explicit `^` prefix targets
// the parent frame instead, per spec.md §3's write rule: "writes always
// target a specified frame"). Reassigning a name whose current value is
// frozen (FreezeDepth > 0, i.e. a ForEach loop variable mid-iteration) is
// rejected with ErrFrozen, the same error Add/Subtract already return for
// a frozen destination.
func (f *StackFrame) Set(name string, v *Variable) error {
	target := f
	if len(name) > 0 && name[0] == '^' {
		if f.Parent == nil {
			return xerrors.Errorf("fbuild: %q has no parent frame", name)
		}
		target = f.Parent
	}
	key := stripPrefix(name)
	if existing, exists := target.vars[key]; exists {
		if existing.frozen() {
			return ErrFrozen
		}
	} else {
		target.order = append(target.order, key)
	}
	target.vars[key] = v
	return nil
}

// Names returns the declaration order of variables local to f.
func (f *StackFrame) Names() []string {
	return append([]string(nil), f.order...)
}

// MacroEnvironment is the preprocessor's set of defined identifiers
// (spec.md §3). Builtins are predefined and may not be #undef'd.
type MacroEnvironment struct {
	defined map[string]bool
	builtin map[string]bool
}

func NewMacroEnvironment(builtins map[string]bool) *MacroEnvironment {
	m := &MacroEnvironment{defined: make(map[string]bool), builtin: make(map[string]bool)}
	for k, v := range builtins {
		if v {
			m.builtin[k] = true
		}
	}
	return m
}

func (m *MacroEnvironment) IsDefined(id string) bool {
	return m.builtin[id] || m.defined[id]
}

func (m *MacroEnvironment) Define(id string) error {
	if m.builtin[id] {
		return xerrors.Errorf("fbuild: cannot redefine builtin macro %q", id)
	}
	if m.defined[id] {
		return xerrors.Errorf("fbuild: %q is already defined", id)
	}
	m.defined[id] = true
	return nil
}

func (m *MacroEnvironment) Undef(id string) error {
	if m.builtin[id] {
		return xerrors.Errorf("fbuild: cannot #undef builtin macro %q", id)
	}
	if !m.defined[id] {
		return xerrors.Errorf("fbuild: cannot #undef unknown macro %q", id)
	}
	delete(m.defined, id)
	return nil
}
