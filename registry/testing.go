package registry

import (
	"context"
	"testing"
	"time"
)

// testDLC is a minimal in-memory DLC for exercising callers that dispatch
// through LookupComputeUnit without a real compiled bundle plugin.
type testDLC struct {
	manifest Manifest
	units    map[string]ComputeFunc
}

func (d *testDLC) Manifest() Manifest                       { return d.manifest }
func (d *testDLC) Initialize(ctx context.Context) error      { return nil }
func (d *testDLC) Shutdown(ctx context.Context) error        { return nil }
func (d *testDLC) ComputationalUnits() map[string]ComputeFunc { return d.units }

// NewTestDLC builds a DLC backed by the given computational units, named
// bundle, version 1.0.0, for use with RegisterForTest.
func NewTestDLC(name string, units map[string]ComputeFunc) DLC {
	return &testDLC{
		manifest: Manifest{
			Name:    name,
			Version: "1.0.0",
			Kind:    KindProcessor,
			Enabled: true,
		},
		units: units,
	}
}

// RegisterForTest inserts dlc directly into the registry's bundle table,
// bypassing signature verification and the plugin loader entirely, the way
// the kernel's own tests only need a reachable ComputeFunc, not a real
// on-disk bundle.
func RegisterForTest(t *testing.T, dlc DLC) {
	t.Helper()
	if svc == nil {
		t.Fatal("registry service not initialized")
	}
	m := dlc.Manifest()
	svc.mu.Lock()
	svc.bundles[m.Name] = &BundleRecord{
		Manifest:    m,
		Instance:    dlc,
		Initialized: true,
		LoadedAt:    time.Now(),
	}
	svc.mu.Unlock()
}

// ResetForTest clears every registered bundle, leaving the package-level
// service otherwise intact (audit logger, metrics, loader).
func ResetForTest() {
	if svc == nil {
		return
	}
	svc.mu.Lock()
	svc.bundles = make(map[string]*BundleRecord)
	svc.mu.Unlock()
}
