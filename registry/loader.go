package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"plugin"
	"sort"

	"golang.org/x/sync/errgroup"

	"encore.app/internal/kernelerrors"
)

// bundleExtension is the compiled-plugin suffix kernel scans search paths
// for, the Go-native replacement for discovery.py's "*.py" glob.
const bundleExtension = ".so"

// PluginLoader opens a Go plugin built with `go build -buildmode=plugin`
// and looks up its exported `DLCs []registry.DLC` (or, failing that, a
// single `DLC registry.DLC`) symbol. This is the idiomatic Go analog of
// discovery.py's importlib.util.spec_from_file_location +
// exec_module: both load externally-compiled code into the running
// process at a path given at runtime.
type PluginLoader struct{}

// NewPluginLoader returns the production BundleLoader.
func NewPluginLoader() *PluginLoader { return &PluginLoader{} }

func (PluginLoader) Load(path string) ([]DLC, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening plugin %q: %w", path, err)
	}

	if sym, err := p.Lookup("DLCs"); err == nil {
		if dlcs, ok := sym.(*[]DLC); ok {
			return *dlcs, nil
		}
	}
	if sym, err := p.Lookup("DLC"); err == nil {
		if dlc, ok := sym.(*DLC); ok {
			return []DLC{*dlc}, nil
		}
	}
	return nil, fmt.Errorf("plugin %q exports neither DLCs []registry.DLC nor DLC registry.DLC", path)
}

// DiscoverBundleFiles walks searchPaths (non-recursively, matching
// discovery.py's iter_dlc_files) and returns every file matching
// bundleExtension, sorted within each path for reproducible load order.
func DiscoverBundleFiles(searchPaths []string) []string {
	var files []string
	for _, dir := range searchPaths {
		matches, err := filepath.Glob(filepath.Join(dir, "*"+bundleExtension))
		if err != nil {
			continue
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	return files
}

// candidate pairs a freshly-instantiated (but not yet registered) DLC with
// the file it came from, mirroring the `scored` list in
// BrainCore.load_all_dlcs.
type candidate struct {
	dlc  DLC
	path string
}

// FixedPointRegister runs the multi-round registration loop ported from
// load_all_dlcs's "while pending and progressed" sweep: each round
// attempts to register every still-pending candidate via register; a
// candidate that fails (typically on an unmet dependency) is deferred to
// the next round. The loop stops when a round registers nothing, at which
// point any remainder is a genuine unsatisfiable dependency/version error,
// not a temporary ordering problem.
func FixedPointRegister(candidates []candidate, register func(DLC) error) (registered int, failures map[string]error) {
	failures = make(map[string]error)

	// Priority ascending, stable, matches `scored.sort(key=lambda x: x[0])`.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].dlc.Manifest().Priority < candidates[j].dlc.Manifest().Priority
	})

	pending := candidates
	for len(pending) > 0 {
		var next []candidate
		progressed := false

		for _, c := range pending {
			if err := register(c.dlc); err != nil {
				next = append(next, c)
				failures[c.dlc.Manifest().Name] = err
				continue
			}
			registered++
			progressed = true
			delete(failures, c.dlc.Manifest().Name)
		}

		if !progressed {
			pending = next
			break
		}
		pending = next
	}

	for _, c := range pending {
		if _, ok := failures[c.dlc.Manifest().Name]; !ok {
			failures[c.dlc.Manifest().Name] = &kernelerrors.DependencyError{
				Bundle: c.dlc.Manifest().Name,
				Reason: "dependency unsatisfied after exhausting registration rounds",
			}
		}
	}

	return registered, failures
}

// concurrentVerifyLoad runs verify+Load for each file with bounded
// concurrency via errgroup, returning one DLC slice per file (nil on
// failure) in file order. This is the bounded concurrent phase spec.md
// calls for ahead of the strictly sequential registration pass.
func concurrentVerifyLoad(ctx context.Context, files []string, verify func(path string) error, loader BundleLoader, maxConcurrency int) ([][]DLC, []error) {
	results := make([][]DLC, len(files))
	errs := make([]error, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)

	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			default:
			}
			if err := verify(f); err != nil {
				errs[i] = err
				return nil
			}
			dlcs, err := loader.Load(f)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = dlcs
			return nil
		})
	}
	_ = g.Wait()

	return results, errs
}
