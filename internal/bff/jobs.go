package bff

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fastbuild/fbuild/internal/action"
	"golang.org/x/xerrors"
)

// The job* types are graph.Runner implementations bound into a node's Job
// field by functions.go's nodeSpec.job builders. Each is grounded on the
// corresponding original_source/Code/Tools/FBuild/FBuildCore/Graph/*Node.cpp
// DoBuild, expressed as a plain external action rather than a virtual
// method on a node subclass (spec.md §6 "Process abstraction (consumed)"):
// one node-granularity command per job, not a per-translation-unit fan-out
// (a deliberate simplification -- see DESIGN.md).

// execJob runs an arbitrary external command (FunctionExec.cpp / ExecNode).
type execJob struct {
	exe, dir string
	args     []string
	output   string
}

func (j *execJob) Run(ctx context.Context) error {
	if j.output != "" {
		if err := os.MkdirAll(filepath.Dir(j.output), 0o755); err != nil {
			return xerrors.Errorf("fbuild: prepare exec output dir: %w", err)
		}
	}
	_, err := action.Run(ctx, action.Spec{Exe: j.exe, Args: j.args, Dir: j.dir})
	return err
}

func (j *execJob) Outputs() []string {
	if j.output == "" {
		return nil
	}
	return []string{j.output}
}

func (j *execJob) CommandLine() string {
	return j.exe + " " + strings.Join(j.args, " ")
}

// compileJob shells out to a compiler/linker/librarian binary with a fixed
// argument list (ObjectListNode/LibraryNode/DLLNode/ExeNode/CSNode all
// reduce, at this node granularity, to "run the tool, check the exit
// code").
type compileJob struct {
	exe  string
	args []string
	dir  string
	out  string
}

func (j *compileJob) Run(ctx context.Context) error {
	if j.out != "" {
		if err := os.MkdirAll(filepath.Dir(j.out), 0o755); err != nil {
			return xerrors.Errorf("fbuild: prepare output dir: %w", err)
		}
	}
	_, err := action.Run(ctx, action.Spec{Exe: j.exe, Args: j.args, Dir: j.dir})
	return err
}

func (j *compileJob) Outputs() []string {
	if j.out == "" {
		return nil
	}
	return []string{j.out}
}

func (j *compileJob) CommandLine() string {
	return j.exe + " " + strings.Join(j.args, " ")
}

// copyJob implements CopyNode: copy one file, preserving the destination
// directory.
type copyJob struct {
	src, dst string
}

func (j *copyJob) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(j.dst), 0o755); err != nil {
		return xerrors.Errorf("fbuild: copy: prepare dest dir: %w", err)
	}
	in, err := os.Open(j.src)
	if err != nil {
		return xerrors.Errorf("fbuild: copy: open source: %w", err)
	}
	defer in.Close()
	out, err := os.Create(j.dst)
	if err != nil {
		return xerrors.Errorf("fbuild: copy: create dest: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return xerrors.Errorf("fbuild: copy: %w", err)
	}
	return out.Close()
}

func (j *copyJob) Outputs() []string { return []string{j.dst} }

// copyDirJob implements CopyDirNode: copy every file matching pattern (a
// glob, default "*") out of each source directory into dest.
type copyDirJob struct {
	sources []string
	dest    string
	pattern string
}

func (j *copyDirJob) Run(ctx context.Context) error {
	pattern := j.pattern
	if pattern == "" {
		pattern = "*"
	}
	if err := os.MkdirAll(j.dest, 0o755); err != nil {
		return xerrors.Errorf("fbuild: copydir: prepare dest: %w", err)
	}
	for _, src := range j.sources {
		entries, err := globDir(src, pattern)
		if err != nil {
			return xerrors.Errorf("fbuild: copydir: glob %s: %w", src, err)
		}
		for _, entry := range entries {
			cj := &copyJob{src: entry, dst: filepath.Join(j.dest, filepath.Base(entry))}
			if err := cj.Run(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// removeDirJob implements RemoveDirNode: delete every named path.
type removeDirJob struct {
	paths []string
}

func (j *removeDirJob) Run(ctx context.Context) error {
	for _, p := range j.paths {
		if err := os.RemoveAll(p); err != nil {
			return xerrors.Errorf("fbuild: removedir %s: %w", p, err)
		}
	}
	return nil
}

// textFileJob implements TextFileNode: join input strings with newlines
// and write them out.
type textFileJob struct {
	lines  []string
	output string
}

func (j *textFileJob) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(j.output), 0o755); err != nil {
		return xerrors.Errorf("fbuild: textfile: prepare dest dir: %w", err)
	}
	body := strings.Join(j.lines, "\n")
	if len(j.lines) > 0 {
		body += "\n"
	}
	if err := os.WriteFile(j.output, []byte(body), 0o644); err != nil {
		return xerrors.Errorf("fbuild: textfile: %w", err)
	}
	return nil
}

func (j *textFileJob) Outputs() []string { return []string{j.output} }

// testJob implements TestNode: run the test executable, optionally
// capturing its stdout followed by its stderr to a file.
type testJob struct {
	exe, dir string
	args     []string
	output   string
}

func (j *testJob) Run(ctx context.Context) error {
	res, err := action.Run(ctx, action.Spec{Exe: j.exe, Args: j.args, Dir: j.dir})
	if j.output != "" && res != nil {
		if werr := os.WriteFile(j.output, append(res.Stdout, res.Stderr...), 0o644); werr != nil {
			return xerrors.Errorf("fbuild: test: write output: %w", werr)
		}
	}
	return err
}

func (j *testJob) Outputs() []string {
	if j.output == "" {
		return nil
	}
	return []string{j.output}
}

func (j *testJob) CommandLine() string {
	return j.exe + " " + strings.Join(j.args, " ")
}

// unityJob implements UnityNode: write a single generated translation unit
// holding one #include line for every matching file of every input path.
type unityJob struct {
	inputPaths []string
	pattern    string
	output     string
}

func (j *unityJob) Run(ctx context.Context) error {
	pattern := j.pattern
	if pattern == "" {
		pattern = "*.cpp"
	}
	if err := os.MkdirAll(filepath.Dir(j.output), 0o755); err != nil {
		return xerrors.Errorf("fbuild: unity: prepare dest dir: %w", err)
	}
	out, err := os.Create(j.output)
	if err != nil {
		return xerrors.Errorf("fbuild: unity: create output: %w", err)
	}
	defer out.Close()
	for _, dir := range j.inputPaths {
		matches, err := globDir(dir, pattern)
		if err != nil {
			return xerrors.Errorf("fbuild: unity: glob %s: %w", dir, err)
		}
		for _, m := range matches {
			if _, err := io.WriteString(out, "#include \""+m+"\"\n"); err != nil {
				return xerrors.Errorf("fbuild: unity: %w", err)
			}
		}
	}
	return out.Close()
}

func (j *unityJob) Outputs() []string { return []string{j.output} }
