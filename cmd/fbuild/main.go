// Command fbuild parses a build script, reconciles it against the
// persisted graph database, and drives the build executor (spec.md §6
// "CLI"). Verb-less by design, unlike the teacher's cmd/distri: fbuild has
// exactly one job, so there is no verb map to dispatch through, only a
// flat flag.FlagSet the way cmd/distri/builder.go configures a single
// subcommand.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	fbuild "github.com/fastbuild/fbuild"
	"github.com/fastbuild/fbuild/internal/action"
	"github.com/fastbuild/fbuild/internal/bff"
	"github.com/fastbuild/fbuild/internal/brokerage"
	"github.com/fastbuild/fbuild/internal/cache"
	"github.com/fastbuild/fbuild/internal/dist"
	"github.com/fastbuild/fbuild/internal/exec"
	"github.com/fastbuild/fbuild/internal/graph"
	"github.com/fastbuild/fbuild/internal/lock"
	"github.com/fastbuild/fbuild/internal/resolve"
	"github.com/fastbuild/fbuild/internal/trace"
	"golang.org/x/xerrors"
)

// Exit codes (spec.md §6: "negative codes distinguish build failed, script
// load failed, bad args, already running, wrapper spawn failed, wrapper
// child crashed, profile write failed").
const (
	exitOK                 = 0
	exitBuildFailed        = -1
	exitScriptLoadFailed   = -2
	exitBadArgs            = -3
	exitAlreadyRunning     = -4
	exitWrapperSpawnFailed = -5
	exitWrapperChildCrash  = -6
	exitProfileWriteFailed = -7
)

const dbPath = "fbuild.fdb"

func interruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}

var (
	configPath    = flag.String("config", "fbuild.bff", "build script to load")
	clean         = flag.Bool("clean", false, "ignore persisted graph state; rebuild everything")
	jobs          = flag.Int("j", runtime.NumCPU(), "worker thread count (0 = run inline)")
	distFlag      = flag.Bool("dist", false, "enable distribution of eligible jobs to brokerage workers")
	workerPort    = flag.String("distport", "2389", "port fbuild-worker listens on")
	cacheRead     = flag.Bool("cacheread", false, "consult the artifact cache before building")
	cacheWrite    = flag.Bool("cachewrite", false, "populate the artifact cache after building")
	cachePath     = flag.String("cachepath", defaultCachePath(), "artifact cache directory")
	cacheCompress = flag.Int("cachecompressionlevel", 3, "zstd compression effort in [-128, 12]; 0 disables compression")
	cacheTrim     = flag.Int("cachetrim", -1, "trim the cache to this many MiB, then exit")
	cacheInfo     = flag.Bool("cacheinfo", false, "report cache stats, then exit")
	fastcancel    = flag.Bool("fastcancel", true, "cancel sibling in-flight jobs on the first error")
	noFastcancel  = flag.Bool("nofastcancel", false, "disable -fastcancel")
	nostoponerror = flag.Bool("nostoponerror", false, "continue building independent targets past a failed one")
	nounity       = flag.Bool("nounity", false, "treat Unity() groups as individual files (not yet wired into internal/bff's Unity node construction)")
	showdeps      = flag.Bool("showdeps", false, "print every node's dependency edges, then exit")
	showtargets   = flag.Bool("showtargets", false, "print every buildable node name, then exit")
	dot           = flag.Bool("dot", false, "write the graph as Graphviz dot to fbuild.gv, then exit")
	profile       = flag.Bool("profile", false, "write per-node cost hints to fbuild_profile.json")
	wait          = flag.Bool("wait", false, "block on an existing process mutex instead of failing")

	wrapper       = flag.Bool("wrapper", false, "run as a detached two-process pair that survives this parent being killed")
	wrapperRegion = flag.String("wrapperregion", "", "internal: path of the wrapper-mode shared exit-code region")

	cpuprofile = flag.String("cpuprofile", "", "path to store a CPU profile at")
	memprofile = flag.String("memprofile", "", "path to store a memory profile at")
	ctracefile = flag.String("ctracefile", "", "path to write a Chrome trace-event JSON timeline of node execution to")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitBadArgs
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}
	defer writeMemProfile()

	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitBadArgs
		}
		trace.Sink(f)
	}

	if *wrapperRegion != "" {
		code := buildMain()
		if err := lock.NewWrapperRegion(*wrapperRegion).WriteExitCode(int32(code)); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		return code
	}
	if *wrapper {
		return runWrapperParent()
	}
	return buildMain()
}

// runWrapperParent re-execs this binary with -wrapperregion set, detached
// so it keeps building even if this parent is killed, then blocks for the
// child's exit code via the shared region (spec.md §5 "wrapper mode",
// §9 "a multi-process arrangement that survives parent termination").
func runWrapperParent() int {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadArgs
	}
	region := filepath.Join(os.TempDir(), fmt.Sprintf("fbuild-wrapper-%016x.region", xxhash.Sum64String(cwd)))

	self, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitWrapperSpawnFailed
	}
	args := make([]string, 0, len(os.Args))
	for _, a := range os.Args[1:] {
		if a == "-wrapper" || a == "--wrapper" {
			continue
		}
		args = append(args, a)
	}
	args = append(args, "-wrapperregion="+region)

	if _, err := action.Run(context.Background(), action.Spec{Exe: self, Args: args, Dir: cwd, Detach: true}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitWrapperSpawnFailed
	}

	ctx, canc := interruptibleContext()
	defer canc()
	code, err := lock.NewWrapperRegion(region).WaitExitCode(ctx, 100*time.Millisecond)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitWrapperChildCrash
	}
	return int(code)
}

func buildMain() int {
	// nostoponerror: Executor.Build already schedules every independent
	// target regardless of a sibling's failure; only whether a failure
	// additionally fast-cancels in-flight siblings is configurable, via
	// -nofastcancel.
	_ = nostoponerror

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadArgs
	}

	l, err := acquireLock(cwd, *wait)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitAlreadyRunning
	}
	defer l.Release()

	if *cacheInfo {
		st := cache.NewStore(*cachePath, *cacheCompress)
		stats, err := st.Info()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitBadArgs
		}
		fmt.Printf("entries: %d\nbytes: %d\n", stats.Entries, stats.Bytes)
		return exitOK
	}
	if *cacheTrim >= 0 {
		st := cache.NewStore(*cachePath, *cacheCompress)
		removed, err := st.Trim(int64(*cacheTrim) << 20)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitBadArgs
		}
		fmt.Printf("removed %d entries\n", removed)
		return exitOK
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	res, err := bff.Parse(*configPath, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitScriptLoadFailed
	}
	g := res.Graph
	applySettings(res.Settings)

	if !*clean {
		if persisted, err := graph.Load(dbPath); err == nil {
			mergePersistedState(g, persisted)
		} else if !xerrors.Is(err, graph.ErrStaleDB) {
			logger.Printf("fbuild: %v", err)
		}
	}

	_ = nounity // see flag help: parse-time Unity grouping is not yet conditional on this flag.

	ctx, canc := interruptibleContext()
	defer canc()

	if *showdeps || *showtargets || *dot {
		return introspect(g, *showdeps, *showtargets, *dot)
	}

	e := &exec.Executor{
		Pool:              exec.NewPool(*jobs),
		Logger:            logger,
		DisableFastCancel: *noFastcancel || !*fastcancel,
	}
	mode := os.Getenv("FASTBUILD_CACHE_MODE")
	read := *cacheRead || strings.Contains(mode, "r")
	write := *cacheWrite || strings.Contains(mode, "w")
	if read || write {
		e.Cache = &gatedCache{
			store: cache.NewStore(*cachePath, *cacheCompress),
			read:  read,
			write: write,
		}
	}
	if *distFlag {
		client, closeDist, err := newDistClient(ctx, *workerPort)
		if err != nil {
			logger.Printf("fbuild: distribution disabled: %v", err)
		} else {
			defer closeDist()
			e.Dispatcher = client
		}
	}

	buildResult, err := e.Build(ctx, g)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBuildFailed
	}

	if err := g.Save(dbPath); err != nil {
		logger.Printf("fbuild: save %s: %v", dbPath, err)
	}
	if *profile {
		if err := writeProfile(g); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitProfileWriteFailed
		}
	}

	logger.Printf("fbuild: %d built, %d failed, %d cyclic edge(s) broken", buildResult.Built, buildResult.Failed, len(buildResult.Broken))
	if buildResult.Failed > 0 {
		return exitBuildFailed
	}
	return exitOK
}

// explicitFlags reports which flags the command line actually set, so a
// script's Settings { ... } block (spec.md §6 Settings()) can supply
// defaults without overriding a flag the user gave explicitly.
func explicitFlags() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// applySettings folds a script's Settings { CachePath, Workers,
// AllowDistribution } block into the flag values that weren't explicitly
// given on the command line, mirroring how FASTBuild itself lets a script
// configure the environment the CLI otherwise controls.
func applySettings(s *bff.SettingsProps) {
	if s == nil {
		return
	}
	explicit := explicitFlags()
	if s.CachePath != "" && !explicit["cachepath"] {
		*cachePath = s.CachePath
	}
	if s.Workers > 0 && !explicit["j"] {
		*jobs = int(s.Workers)
	}
	if s.Distributable && !explicit["dist"] {
		*distFlag = true
	}
}

func writeMemProfile() {
	if *memprofile == "" {
		return
	}
	f, err := os.Create(*memprofile)
	if err != nil {
		log.Printf("fbuild: create memory profile: %v", err)
		return
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Printf("fbuild: write memory profile: %v", err)
	}
}

func defaultCachePath() string {
	if d := os.Getenv("FASTBUILD_CACHE_PATH"); d != "" {
		return d
	}
	return filepath.Join(os.TempDir(), "fbuild-cache")
}

func acquireLock(cwd string, wait bool) (*lock.Lock, error) {
	if wait {
		return lock.AcquireWait(context.Background(), cwd, 200*time.Millisecond)
	}
	return lock.Acquire(cwd)
}

// mergePersistedState copies a previously Saved graph's stamps, recorded
// edge stamps (matched by dependency name) and Up-To-Date state onto the
// freshly parsed graph g by node name, so change detection (spec.md §4.5
// "Rebuild" condition 1/2/3) sees history rather than a graph frozen at
// Stamp 0 (persisted Job-bearing state can't be deserialized -- Job is
// reconstructed fresh every run by bff.Parse).
func mergePersistedState(g, persisted *graph.Graph) {
	for _, old := range persisted.Nodes() {
		n, ok := g.ByName(old.Name)
		if !ok {
			continue
		}
		n.SetStamp(old.Stamp())
		n.SetCmdLineStamp(old.CmdLineStamp())
		recorded := make(map[string]uint64)
		for _, e := range old.AllDependencies() {
			if dep, ok := persisted.Node(e.Target); ok {
				recorded[dep.Name] = e.StampAtBuild
			}
		}
		for _, edges := range [][]graph.Edge{n.StaticDependencies, n.DynamicDependencies, n.PreBuildDependencies} {
			for i := range edges {
				if dep, ok := g.Node(edges[i].Target); ok {
					edges[i].StampAtBuild = recorded[dep.Name]
				}
			}
		}
		if old.State() == graph.UpToDate {
			n.SetState(graph.UpToDate)
		}
	}
}

func introspect(g *graph.Graph, showdeps, showtargets, dot bool) int {
	if showtargets {
		for _, n := range g.Nodes() {
			fmt.Println(n.Name)
		}
	}
	if showdeps {
		for _, n := range g.Nodes() {
			for _, e := range n.AllDependencies() {
				if dep, ok := g.Node(e.Target); ok {
					fmt.Printf("%s -> %s\n", n.Name, dep.Name)
				}
			}
		}
	}
	if dot {
		if err := writeDot(g, "fbuild.gv"); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitBadArgs
		}
	}
	return exitOK
}

func writeDot(g *graph.Graph, path string) error {
	var b strings.Builder
	b.WriteString("digraph fbuild {\n")
	for _, n := range g.Nodes() {
		for _, e := range n.AllDependencies() {
			if dep, ok := g.Node(e.Target); ok {
				fmt.Fprintf(&b, "\t%q -> %q;\n", n.Name, dep.Name)
			}
		}
	}
	b.WriteString("}\n")
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// profileEntry is one fbuild_profile.json record (spec.md §6
// "fbuild_profile.json ... optional build byproduct").
type profileEntry struct {
	Name string `json:"name"`
	Cost string `json:"cost"`
}

func writeProfile(g *graph.Graph) error {
	entries := make([]profileEntry, 0, len(g.Nodes()))
	for _, n := range g.Nodes() {
		if n.CostHint() == 0 {
			continue
		}
		entries = append(entries, profileEntry{Name: n.Name, Cost: n.CostHint().String()})
	}
	enc, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return xerrors.Errorf("fbuild: marshal profile: %w", err)
	}
	return os.WriteFile("fbuild_profile.json", enc, 0o644)
}

// gatedCache wraps an exec.Cache so -cacheread/-cachewrite can be set
// independently, matching spec.md §6's `FASTBUILD_CACHE_MODE=r|w|rw`.
type gatedCache struct {
	store       exec.Cache
	read, write bool
}

func (g *gatedCache) Lookup(ctx context.Context, n *graph.Node) (bool, error) {
	if !g.read {
		return false, nil
	}
	return g.store.Lookup(ctx, n)
}

func (g *gatedCache) Store(ctx context.Context, n *graph.Node) error {
	if !g.write {
		return nil
	}
	return g.store.Store(ctx, n)
}

func newDistClient(ctx context.Context, workerPort string) (*dist.Client, func(), error) {
	root := os.Getenv("FASTBUILD_BROKERAGE_PATH")
	if root == "" {
		return nil, nil, xerrors.New("FASTBUILD_BROKERAGE_PATH is not set")
	}
	hostname, err := os.Hostname()
	if err != nil {
		return nil, nil, err
	}
	b := brokerage.New(root, strconv.Itoa(fbuild.ProtocolVersion), runtime.GOOS)
	r := resolve.New()
	client := dist.New(b, r, hostname, workerPort)
	return client, func() {
		client.Pool.ShutdownAllConnections()
		r.Close()
	}, nil
}
