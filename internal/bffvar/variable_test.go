package bffvar

import "testing"

func TestAddPromotions(t *testing.T) {
	cases := []struct {
		name string
		dst  *Variable
		src  *Variable
		want func(*Variable) bool
	}{
		{
			name: "string concat",
			dst:  NewString("a"),
			src:  NewString("b"),
			want: func(v *Variable) bool { return v.Type == TypeString && v.Str == "ab" },
		},
		{
			name: "array append",
			dst:  NewArrayOfStrings([]string{"a.cpp"}),
			src:  NewString("b.cpp"),
			want: func(v *Variable) bool {
				return v.Type == TypeArrayOfStrings && len(v.Strings) == 2 && v.Strings[1] == "b.cpp"
			},
		},
		{
			name: "bool or",
			dst:  NewBool(false),
			src:  NewBool(true),
			want: func(v *Variable) bool { return v.Type == TypeBool && v.Bool },
		},
		{
			name: "int sum",
			dst:  NewInt(2),
			src:  NewInt(3),
			want: func(v *Variable) bool { return v.Type == TypeInt && v.Int == 5 },
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Add(c.dst, c.src)
			if err != nil {
				t.Fatalf("Add: %v", err)
			}
			if !c.want(got) {
				t.Fatalf("Add(%v, %v) = %+v, did not satisfy expectation", c.dst, c.src, got)
			}
		})
	}
}

func TestAddMismatchIsError(t *testing.T) {
	if _, err := Add(NewString("a"), NewBool(true)); err == nil {
		t.Fatal("expected error adding Bool to String")
	}
}

func TestFrozenVariableRejectsAdd(t *testing.T) {
	v := NewArrayOfStrings([]string{"a"})
	v.Freeze()
	if _, err := Add(v, NewString("b")); err != ErrFrozen {
		t.Fatalf("Add on frozen variable = %v, want ErrFrozen", err)
	}
}

func TestFrozenVariableRejectsAssignment(t *testing.T) {
	frame := NewStackFrame(nil)
	arr := NewArrayOfStrings([]string{"a", "b"})
	if err := frame.Set(".Array", arr); err != nil {
		t.Fatal(err)
	}
	arr.Freeze()
	if err := frame.Set(".Array", NewArrayOfStrings([]string{"replaced"})); err != ErrFrozen {
		t.Fatalf("Set on frozen variable = %v, want ErrFrozen", err)
	}
	v, _ := frame.Local(".Array")
	if len(v.Strings) != 2 || v.Strings[0] != "a" {
		t.Fatalf("frozen variable was overwritten: %+v", v)
	}
	arr.Unfreeze()
	if err := frame.Set(".Array", NewArrayOfStrings([]string{"replaced"})); err != nil {
		t.Fatalf("Set after Unfreeze: %v", err)
	}
}

func TestStackFrameScopeIsolation(t *testing.T) {
	root := NewStackFrame(nil)
	if err := root.Set(".X", NewString("outer")); err != nil {
		t.Fatal(err)
	}
	child := NewStackFrame(root)
	if err := child.Set(".Y", NewString("inner")); err != nil {
		t.Fatal(err)
	}
	if _, ok := child.Local(".Y"); !ok {
		t.Fatal("child should see its own .Y")
	}
	if v, _, ok := child.Lookup(".X"); !ok || v.Str != "outer" {
		t.Fatal("child should see parent's .X through Lookup")
	}
	if _, ok := root.Local(".Y"); ok {
		t.Fatal(".Y must not leak into the parent frame")
	}
}

func TestParentWriteViaCaret(t *testing.T) {
	root := NewStackFrame(nil)
	root.Set(".X", NewString("outer"))
	child := NewStackFrame(root)
	if err := child.Set("^X", NewString("overwritten")); err != nil {
		t.Fatal(err)
	}
	v, _ := root.Local(".X")
	if v.Str != "overwritten" {
		t.Fatalf("parent .X = %q, want overwritten", v.Str)
	}
}

func TestMacroEnvironmentBuiltins(t *testing.T) {
	env := NewMacroEnvironment(map[string]bool{"__LINUX__": true})
	if !env.IsDefined("__LINUX__") {
		t.Fatal("builtin should be defined")
	}
	if err := env.Undef("__LINUX__"); err == nil {
		t.Fatal("expected error undefining a builtin")
	}
	if err := env.Define("FOO"); err != nil {
		t.Fatal(err)
	}
	if err := env.Define("FOO"); err == nil {
		t.Fatal("expected error redefining FOO")
	}
}
