// Package propbind implements the reflection-driven property binding layer
// that materializes a node's fields directly from the enclosing BFF stack
// frame, with no per-node bespoke parsing (spec.md §4.4). Metadata kinds are
// grounded on original_source/Code/Core/Reflection/MetaData/Meta_{Optional,
// Range,File,Path,Required}.h; the binding loop itself generalizes the
// single commit pass every Function.ParseFunction performs in the original.
package propbind

import (
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/fastbuild/fbuild/internal/bffvar"
	"golang.org/x/xerrors"
)

// tagMeta is the parsed form of one field's `fbld:"..."` struct tag.
type tagMeta struct {
	propName string
	optional bool
	isRange  bool
	rangeMin int
	rangeMax int
	isFile   bool
	isPath   bool
	relative bool
	isName   bool
}

type boundField struct {
	index reflect.StructField
	meta  tagMeta
}

var tagCache sync.Map // reflect.Type -> []boundField

func fieldsOf(t reflect.Type) ([]boundField, error) {
	if cached, ok := tagCache.Load(t); ok {
		return cached.([]boundField), nil
	}
	var fields []boundField
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		raw, ok := sf.Tag.Lookup("fbld")
		if !ok {
			continue
		}
		meta, err := parseTag(sf.Name, raw)
		if err != nil {
			return nil, xerrors.Errorf("propbind: field %s: %w", sf.Name, err)
		}
		fields = append(fields, boundField{index: sf, meta: meta})
	}
	tagCache.Store(t, fields)
	return fields, nil
}

// parseTag parses a struct tag of the form:
//
//	fbld:"PropertyName,optional,range=1:16,file,relative,name"
//
// Recognized keywords: optional, file, path, relative, name. range=MIN:MAX
// backs the Range(min,max) metadata kind.
func parseTag(fieldName, raw string) (tagMeta, error) {
	parts := strings.Split(raw, ",")
	if len(parts) == 0 || parts[0] == "" {
		return tagMeta{}, xerrors.New("missing property name")
	}
	m := tagMeta{propName: parts[0]}
	for _, p := range parts[1:] {
		switch {
		case p == "optional":
			m.optional = true
		case p == "file":
			m.isFile = true
		case p == "path":
			m.isPath = true
		case p == "relative":
			m.relative = true
		case p == "name":
			m.isName = true
		case strings.HasPrefix(p, "range="):
			bounds := strings.SplitN(strings.TrimPrefix(p, "range="), ":", 2)
			if len(bounds) != 2 {
				return tagMeta{}, xerrors.Errorf("malformed range on %s", fieldName)
			}
			min, err1 := strconv.Atoi(bounds[0])
			max, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil {
				return tagMeta{}, xerrors.Errorf("malformed range bounds on %s", fieldName)
			}
			m.isRange = true
			m.rangeMin, m.rangeMax = min, max
		case p == "":
			// tolerate trailing commas
		default:
			return tagMeta{}, xerrors.Errorf("unknown tag keyword %q on %s", p, fieldName)
		}
	}
	return m, nil
}

// fixupFile cleans a File(relative?) property: canonicalizes to an absolute
// path unless relative is requested, and normalizes slashes. It must not be
// folder-terminated.
func fixupFile(baseDir, p string, relative bool) string {
	p = filepath.ToSlash(filepath.Clean(p))
	if relative || filepath.IsAbs(p) {
		return p
	}
	return filepath.ToSlash(filepath.Clean(filepath.Join(baseDir, p)))
}

// fixupPath cleans a Path(relative?) property: canonicalizes like a File
// property but enforces a trailing slash (it identifies a folder).
func fixupPath(baseDir, p string, relative bool) string {
	fixed := fixupFile(baseDir, p, relative)
	if !strings.HasSuffix(fixed, "/") {
		fixed += "/"
	}
	return fixed
}

// Bind reads frame for every `fbld`-tagged field of dst (a pointer to a
// struct) and writes the converted value in. Absent-and-required fields,
// type mismatches, and out-of-range integers are reported as errors; every
// File/Path string or []string is fixed up per its metadata. baseDir is
// used to resolve relative File/Path properties (typically the directory
// of the enclosing BFF script). It returns the value of the field tagged
// `name`, if any, for use as the node's identity.
func Bind(frame *bffvar.StackFrame, dst interface{}, baseDir string) (name string, err error) {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return "", xerrors.New("propbind: Bind requires a pointer to a struct")
	}
	elem := rv.Elem()
	fields, err := fieldsOf(elem.Type())
	if err != nil {
		return "", err
	}
	for _, bf := range fields {
		v, _, found := frame.Lookup("." + bf.meta.propName)
		if !found {
			if bf.meta.optional {
				continue
			}
			return "", xerrors.Errorf("propbind: missing required property .%s", bf.meta.propName)
		}
		fv := elem.FieldByIndex(bf.index.Index)
		if err := assign(fv, v, bf.meta, baseDir); err != nil {
			return "", xerrors.Errorf("propbind: property .%s: %w", bf.meta.propName, err)
		}
		if bf.meta.isName {
			name = fv.String()
		}
	}
	return name, nil
}

func assign(fv reflect.Value, v *bffvar.Variable, meta tagMeta, baseDir string) error {
	switch fv.Kind() {
	case reflect.String:
		if v.Type != bffvar.TypeString {
			return xerrors.Errorf("expected String, got %s", v.Type)
		}
		s := v.Str
		switch {
		case meta.isFile:
			s = fixupFile(baseDir, s, meta.relative)
		case meta.isPath:
			s = fixupPath(baseDir, s, meta.relative)
		}
		fv.SetString(s)
		return nil
	case reflect.Bool:
		if v.Type != bffvar.TypeBool {
			return xerrors.Errorf("expected Bool, got %s", v.Type)
		}
		fv.SetBool(v.Bool)
		return nil
	case reflect.Int, reflect.Int32, reflect.Int64:
		if v.Type != bffvar.TypeInt {
			return xerrors.Errorf("expected Int, got %s", v.Type)
		}
		if meta.isRange && (int(v.Int) < meta.rangeMin || int(v.Int) > meta.rangeMax) {
			return xerrors.Errorf("value %d out of range [%d,%d]", v.Int, meta.rangeMin, meta.rangeMax)
		}
		fv.SetInt(int64(v.Int))
		return nil
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return xerrors.New("only []string slice fields are supported")
		}
		if v.Type != bffvar.TypeArrayOfStrings {
			return xerrors.Errorf("expected ArrayOfStrings, got %s", v.Type)
		}
		out := make([]string, len(v.Strings))
		for i, s := range v.Strings {
			switch {
			case meta.isFile:
				s = fixupFile(baseDir, s, meta.relative)
			case meta.isPath:
				s = fixupPath(baseDir, s, meta.relative)
			}
			out[i] = s
		}
		fv.Set(reflect.ValueOf(out))
		return nil
	default:
		return xerrors.Errorf("unsupported field kind %s", fv.Kind())
	}
}
