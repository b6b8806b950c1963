package bff

import (
	"strings"

	"github.com/fastbuild/fbuild/internal/bffvar"
	"github.com/fastbuild/fbuild/internal/fberrors"
	"github.com/fastbuild/fbuild/internal/graph"
	"github.com/fastbuild/fbuild/internal/propbind"
	"github.com/fastbuild/fbuild/internal/token"
	"golang.org/x/xerrors"
)

// funcHandler is the shape every built-in BFF function is dispatched
// through, whether or not it produces a graph node (spec.md §4.3). headerArgs
// are the already-evaluated, comma-separated expressions inside the
// function's (...) header; bodyToks is the raw, not-yet-executed { ... }
// body, captured but left unexecuted for callers (like node functions) that
// need a private child frame to bind from.
type funcHandler func(p *Parser, frame *bffvar.StackFrame, headerArgs []*bffvar.Variable, bodyToks []token.Token, span token.Span) error

// nodeSpec describes one node-producing function: its graph.Type, the
// props struct propbind should bind into, which bound fields name other
// nodes this one depends on, and whether spec.md §9.7 marks jobs of this
// type eligible for remote dispatch.
type nodeSpec struct {
	typ           graph.Type
	newProps      func() interface{}
	deps          func(props interface{}) []string
	distributable bool
	// dirDeps names directory paths (not individual files) this node
	// depends on, each linked through a Directory-Listing node rather
	// than a bare TypeFile node (spec.md §3 Node.type "Directory-Listing";
	// a raw directory path fed to linkDependencies would later fail
	// FileStamp with EISDIR).
	dirDeps func(props interface{}) (dirs []string, pattern string)
	// job builds the graph.Runner that performs this node's external
	// action (spec.md §4.5 step 3); nil for structural node types (Alias,
	// the *Project/SLN metadata nodes) that are pure dependency aggregates.
	job func(props interface{}, name, baseDir string) graph.Runner
}

func nodeHandler(spec nodeSpec) funcHandler {
	return func(p *Parser, frame *bffvar.StackFrame, headerArgs []*bffvar.Variable, bodyToks []token.Token, span token.Span) error {
		if len(headerArgs) != 1 || headerArgs[0].Type != bffvar.TypeString {
			return fberrors.New(fberrors.FunctionRequiresAHeader, span, "function requires a single string header naming its target")
		}
		name := headerArgs[0].Str
		if len(bodyToks) == 0 {
			return fberrors.New(fberrors.FunctionRequiresABody, span, "function requires a body")
		}
		child := bffvar.NewStackFrame(frame)
		if err := p.execTokens(bodyToks, child); err != nil {
			return err
		}
		props := spec.newProps()
		if _, err := propbind.Bind(child, props, p.BaseDir); err != nil {
			return err
		}
		n, err := p.Graph.AddNode(name, spec.typ)
		if err != nil {
			return fberrors.New(fberrors.AlreadyDefined, span, "%s", err)
		}
		n.Distributable = spec.distributable
		if spec.deps != nil {
			if err := p.linkDependencies(n, spec.deps(props)); err != nil {
				return err
			}
		}
		if spec.dirDeps != nil {
			dirs, pattern := spec.dirDeps(props)
			if err := p.linkDirectoryDependencies(n, dirs, pattern); err != nil {
				return err
			}
		}
		if spec.job != nil {
			n.Job = spec.job(props, name, p.BaseDir)
		}
		return nil
	}
}

// Node property structs. Each `fbld` tag drives internal/propbind's
// reflection binder (spec.md §4.4); field sets are grounded on the
// corresponding Function*.h property table in original_source/.

type AliasProps struct {
	Targets []string `fbld:"Targets"`
}

type CopyProps struct {
	Source string `fbld:"Source,file"`
	Dest   string `fbld:"Dest,file"`
}

type CopyDirProps struct {
	SourcePaths []string `fbld:"SourcePaths,path"`
	Dest        string   `fbld:"Dest,path"`
	Pattern     string   `fbld:"Pattern,optional"`
}

type RemoveDirProps struct {
	RemovePaths []string `fbld:"RemovePaths,path"`
}

type ExecProps struct {
	ExecExecutable string   `fbld:"ExecExecutable,file"`
	ExecOutput     string   `fbld:"ExecOutput,file"`
	ExecArguments  []string `fbld:"ExecArguments,optional"`
	ExecInput      []string `fbld:"ExecInput,optional,file"`
}

type ObjectListProps struct {
	CompilerInputFiles []string `fbld:"CompilerInputFiles"`
	Compiler           string   `fbld:"Compiler"`
	CompilerOutputPath string   `fbld:"CompilerOutputPath,path"`
	CompilerOptions    string   `fbld:"CompilerOptions,optional"`
}

type LibraryProps struct {
	CompilerInputFiles []string `fbld:"CompilerInputFiles,optional"`
	Compiler           string   `fbld:"Compiler,optional"`
	CompilerOutputPath string   `fbld:"CompilerOutputPath,path,optional"`
	Librarian          string   `fbld:"Librarian"`
	LibrarianOutput    string   `fbld:"LibrarianOutput,file"`
}

type DLLProps struct {
	Libraries    []string `fbld:"Libraries"`
	Linker       string   `fbld:"Linker"`
	LinkerOutput string   `fbld:"LinkerOutput,file"`
}

type ExecutableProps struct {
	Libraries    []string `fbld:"Libraries"`
	Linker       string   `fbld:"Linker"`
	LinkerOutput string   `fbld:"LinkerOutput,file"`
}

type TestProps struct {
	TestExecutable string   `fbld:"TestExecutable,file"`
	TestOutput     string   `fbld:"TestOutput,file,optional"`
	TestArguments  []string `fbld:"TestArguments,optional"`
}

type UnityProps struct {
	UnityInputPath     []string `fbld:"UnityInputPath,path"`
	UnityOutputPath    string   `fbld:"UnityOutputPath,path"`
	UnityOutputPattern string   `fbld:"UnityOutputPattern,optional"`
}

type CSAssemblyProps struct {
	CompilerInputFiles []string `fbld:"CompilerInputFiles"`
	Compiler           string   `fbld:"Compiler"`
	CompilerOutput     string   `fbld:"CompilerOutput,file"`
}

type CompilerProps struct {
	Executable string `fbld:"Executable,file"`
}

type VCXProjectProps struct {
	ProjectOutput string `fbld:"ProjectOutput,file"`
}

type SLNProps struct {
	SolutionOutput string `fbld:"SolutionOutput,file"`
}

type VSExternalProjectProps struct {
	ExternalProjectPath string `fbld:"ExternalProjectPath,file"`
}

type XCodeProjectProps struct {
	ProjectOutput string `fbld:"ProjectOutput,file"`
}

type TextFileProps struct {
	TextFileOutput       string   `fbld:"TextFileOutput,file"`
	TextFileInputStrings []string `fbld:"TextFileInputStrings,optional"`
}

type ListDependenciesProps struct {
	Source string `fbld:"Source,optional"`
	Dest   string `fbld:"Dest,file"`
}

// SettingsProps is bound directly into Parser.Settings by a top-level
// `Settings { ... }` block (spec.md §6 Settings()); it produces no graph
// node.
type SettingsProps struct {
	CachePath     string `fbld:"CachePath,path,optional"`
	Workers       int32  `fbld:"Workers,optional,range=0:10000"`
	Distributable bool   `fbld:"AllowDistribution,optional"`
}

// compilerArgs expands the %1/%2 placeholders FASTBuild's *Options strings
// use for input/output file lists (original_source's
// Function*Node.cpp BuildArgs helpers) and splits the result on
// whitespace. It is a simplification of the original's full response-file
// and quoting-aware tokenizer.
func compilerArgs(options string, inputs []string, output string) []string {
	expanded := strings.ReplaceAll(options, "%2", output)
	expanded = strings.ReplaceAll(expanded, "%1", strings.Join(inputs, " "))
	return strings.Fields(expanded)
}

var builtins map[string]funcHandler

func init() {
	builtins = map[string]funcHandler{
		"Alias": nodeHandler(nodeSpec{
			typ:      graph.TypeAlias,
			newProps: func() interface{} { return &AliasProps{} },
			deps:     func(p interface{}) []string { return p.(*AliasProps).Targets },
		}),
		"Copy": nodeHandler(nodeSpec{
			typ:      graph.TypeCopyFile,
			newProps: func() interface{} { return &CopyProps{} },
			deps:     func(p interface{}) []string { return []string{p.(*CopyProps).Source} },
			job: func(props interface{}, name, baseDir string) graph.Runner {
				cp := props.(*CopyProps)
				return &copyJob{src: cp.Source, dst: cp.Dest}
			},
		}),
		"CopyDir": nodeHandler(nodeSpec{
			typ:      graph.TypeCopyDir,
			newProps: func() interface{} { return &CopyDirProps{} },
			dirDeps: func(p interface{}) ([]string, string) {
				cp := p.(*CopyDirProps)
				pattern := cp.Pattern
				if pattern == "" {
					pattern = "*"
				}
				return cp.SourcePaths, pattern
			},
			job: func(props interface{}, name, baseDir string) graph.Runner {
				cp := props.(*CopyDirProps)
				return &copyDirJob{sources: cp.SourcePaths, dest: cp.Dest, pattern: cp.Pattern}
			},
		}),
		"RemoveDir": nodeHandler(nodeSpec{
			typ:      graph.TypeRemoveDir,
			newProps: func() interface{} { return &RemoveDirProps{} },
			job: func(props interface{}, name, baseDir string) graph.Runner {
				rp := props.(*RemoveDirProps)
				return &removeDirJob{paths: rp.RemovePaths}
			},
		}),
		"Exec": nodeHandler(nodeSpec{
			typ:           graph.TypeExec,
			newProps:      func() interface{} { return &ExecProps{} },
			distributable: true,
			deps: func(p interface{}) []string {
				ep := p.(*ExecProps)
				return append([]string{ep.ExecExecutable}, ep.ExecInput...)
			},
			job: func(props interface{}, name, baseDir string) graph.Runner {
				ep := props.(*ExecProps)
				return &execJob{exe: ep.ExecExecutable, dir: baseDir, args: ep.ExecArguments, output: ep.ExecOutput}
			},
		}),
		"ObjectList": nodeHandler(nodeSpec{
			typ:           graph.TypeObjectList,
			newProps:      func() interface{} { return &ObjectListProps{} },
			distributable: true,
			deps: func(p interface{}) []string {
				op := p.(*ObjectListProps)
				return append(append([]string{}, op.CompilerInputFiles...), op.Compiler)
			},
			job: func(props interface{}, name, baseDir string) graph.Runner {
				op := props.(*ObjectListProps)
				args := compilerArgs(op.CompilerOptions, op.CompilerInputFiles, op.CompilerOutputPath)
				return &compileJob{exe: op.Compiler, args: args, dir: baseDir, out: op.CompilerOutputPath}
			},
		}),
		"Library": nodeHandler(nodeSpec{
			typ:      graph.TypeLibrary,
			newProps: func() interface{} { return &LibraryProps{} },
			deps: func(p interface{}) []string {
				lp := p.(*LibraryProps)
				out := append([]string{}, lp.CompilerInputFiles...)
				out = append(out, lp.Compiler, lp.Librarian)
				return out
			},
			job: func(props interface{}, name, baseDir string) graph.Runner {
				lp := props.(*LibraryProps)
				args := compilerArgs("%1", lp.CompilerInputFiles, lp.LibrarianOutput)
				return &compileJob{exe: lp.Librarian, args: args, dir: baseDir, out: lp.LibrarianOutput}
			},
		}),
		"DLL": nodeHandler(nodeSpec{
			typ:      graph.TypeDLL,
			newProps: func() interface{} { return &DLLProps{} },
			deps: func(p interface{}) []string {
				dp := p.(*DLLProps)
				return append(append([]string{}, dp.Libraries...), dp.Linker)
			},
			job: func(props interface{}, name, baseDir string) graph.Runner {
				dp := props.(*DLLProps)
				args := compilerArgs("%1", dp.Libraries, dp.LinkerOutput)
				return &compileJob{exe: dp.Linker, args: args, dir: baseDir, out: dp.LinkerOutput}
			},
		}),
		"Executable": nodeHandler(nodeSpec{
			typ:      graph.TypeExecutable,
			newProps: func() interface{} { return &ExecutableProps{} },
			deps: func(p interface{}) []string {
				ep := p.(*ExecutableProps)
				return append(append([]string{}, ep.Libraries...), ep.Linker)
			},
			job: func(props interface{}, name, baseDir string) graph.Runner {
				ep := props.(*ExecutableProps)
				args := compilerArgs("%1", ep.Libraries, ep.LinkerOutput)
				return &compileJob{exe: ep.Linker, args: args, dir: baseDir, out: ep.LinkerOutput}
			},
		}),
		"Test": nodeHandler(nodeSpec{
			typ:      graph.TypeTest,
			newProps: func() interface{} { return &TestProps{} },
			deps:     func(p interface{}) []string { return []string{p.(*TestProps).TestExecutable} },
			job: func(props interface{}, name, baseDir string) graph.Runner {
				tp := props.(*TestProps)
				return &testJob{exe: tp.TestExecutable, dir: baseDir, args: tp.TestArguments, output: tp.TestOutput}
			},
		}),
		"Unity": nodeHandler(nodeSpec{
			typ:      graph.TypeUnity,
			newProps: func() interface{} { return &UnityProps{} },
			dirDeps: func(p interface{}) ([]string, string) {
				up := p.(*UnityProps)
				pattern := up.UnityOutputPattern
				if pattern == "" {
					pattern = "*.cpp"
				}
				return up.UnityInputPath, pattern
			},
			job: func(props interface{}, name, baseDir string) graph.Runner {
				up := props.(*UnityProps)
				return &unityJob{inputPaths: up.UnityInputPath, pattern: up.UnityOutputPattern, output: up.UnityOutputPath}
			},
		}),
		"CSAssembly": nodeHandler(nodeSpec{
			typ:           graph.TypeCSAssembly,
			newProps:      func() interface{} { return &CSAssemblyProps{} },
			distributable: true,
			deps: func(p interface{}) []string {
				cp := p.(*CSAssemblyProps)
				return append(append([]string{}, cp.CompilerInputFiles...), cp.Compiler)
			},
			job: func(props interface{}, name, baseDir string) graph.Runner {
				cp := props.(*CSAssemblyProps)
				args := compilerArgs("%1", cp.CompilerInputFiles, cp.CompilerOutput)
				return &compileJob{exe: cp.Compiler, args: args, dir: baseDir, out: cp.CompilerOutput}
			},
		}),
		"Compiler": nodeHandler(nodeSpec{
			typ:      graph.TypeCompiler,
			newProps: func() interface{} { return &CompilerProps{} },
			deps:     func(p interface{}) []string { return []string{p.(*CompilerProps).Executable} },
		}),
		"VCXProject": nodeHandler(nodeSpec{
			typ:      graph.TypeVCXProject,
			newProps: func() interface{} { return &VCXProjectProps{} },
		}),
		"VSSolution": nodeHandler(nodeSpec{
			typ:      graph.TypeSLN,
			newProps: func() interface{} { return &SLNProps{} },
		}),
		"VSProjectExternal": nodeHandler(nodeSpec{
			typ:      graph.TypeVSExternalProject,
			newProps: func() interface{} { return &VSExternalProjectProps{} },
		}),
		"XCodeProject": nodeHandler(nodeSpec{
			typ:      graph.TypeXCodeProject,
			newProps: func() interface{} { return &XCodeProjectProps{} },
		}),
		"TextFile": nodeHandler(nodeSpec{
			typ:      graph.TypeTextFile,
			newProps: func() interface{} { return &TextFileProps{} },
			job: func(props interface{}, name, baseDir string) graph.Runner {
				tp := props.(*TextFileProps)
				return &textFileJob{lines: tp.TextFileInputStrings, output: tp.TextFileOutput}
			},
		}),
		"ListDependencies": nodeHandler(nodeSpec{
			typ:      graph.TypeListDependencies,
			newProps: func() interface{} { return &ListDependenciesProps{} },
			deps: func(p interface{}) []string {
				lp := p.(*ListDependenciesProps)
				if lp.Source == "" {
					return nil
				}
				return []string{lp.Source}
			},
		}),
		"Settings": handleSettings,
		"Using":    handleUsing,
		"Error":    handleBuiltinError,
		"Print":    handlePrint,
	}
}

func handleSettings(p *Parser, frame *bffvar.StackFrame, headerArgs []*bffvar.Variable, bodyToks []token.Token, span token.Span) error {
	child := bffvar.NewStackFrame(frame)
	if len(bodyToks) > 0 {
		if err := p.execTokens(bodyToks, child); err != nil {
			return err
		}
	}
	s := &SettingsProps{}
	if _, err := propbind.Bind(child, s, p.BaseDir); err != nil {
		return err
	}
	p.Settings = s
	return nil
}

func handleUsing(p *Parser, frame *bffvar.StackFrame, headerArgs []*bffvar.Variable, bodyToks []token.Token, span token.Span) error {
	if len(headerArgs) != 1 || headerArgs[0].Type != bffvar.TypeStruct {
		return fberrors.New(fberrors.PropertyMustBeOfType, span, "Using() requires a single Struct argument")
	}
	for k, v := range headerArgs[0].Struct {
		if err := frame.Set("."+k, v.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func handleBuiltinError(p *Parser, frame *bffvar.StackFrame, headerArgs []*bffvar.Variable, bodyToks []token.Token, span token.Span) error {
	if len(headerArgs) != 1 || headerArgs[0].Type != bffvar.TypeString {
		return fberrors.New(fberrors.ExpectedVariable, span, "Error() requires a single string argument")
	}
	return xerrors.Errorf("fbuild: build script error: %s", headerArgs[0].Str)
}

func handlePrint(p *Parser, frame *bffvar.StackFrame, headerArgs []*bffvar.Variable, bodyToks []token.Token, span token.Span) error {
	if p.Logger == nil {
		return nil
	}
	for _, a := range headerArgs {
		switch a.Type {
		case bffvar.TypeString:
			p.Logger.Print(a.Str)
		case bffvar.TypeBool:
			p.Logger.Print(a.Bool)
		case bffvar.TypeInt:
			p.Logger.Print(a.Int)
		default:
			p.Logger.Print(a.Type.String())
		}
	}
	return nil
}
