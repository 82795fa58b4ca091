// Package registry implements DLC bundle discovery, signature verification,
// dependency resolution, and the fixed-point registration loop that used to
// live in the teacher's invalidation service. Renamed and rewritten: where
// invalidation coordinated cache-key invalidation across nodes, registry
// coordinates DLC bundle lifecycle (load, verify, register, unregister)
// across a single kernel instance, keeping the teacher's audit-trail and
// pub/sub broadcast shape.
package registry

import (
	"context"
	"time"
)

// ManifestKind classifies a DLC bundle, ported from models.py's
// BrainDLCType enum.
type ManifestKind string

const (
	KindCore         ManifestKind = "core"
	KindOptimization ManifestKind = "optimization"
	KindProcessor    ManifestKind = "processor"
	KindManager      ManifestKind = "manager"
	KindResolver     ManifestKind = "resolver"
)

// Manifest describes a DLC bundle, ported field-for-field from models.py's
// DLCManifest dataclass.
type Manifest struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Author       string       `json:"author"`
	Description  string       `json:"description"`
	Kind         ManifestKind `json:"kind"`
	Dependencies []string     `json:"dependencies"`
	Priority     int          `json:"priority"`
	Enabled      bool         `json:"enabled"`
}

// ComputeFunc is a named computational unit a DLC exposes to the kernel,
// the Go-native shape of provide_computational_units()'s dict values.
type ComputeFunc func(ctx context.Context, args ...any) (any, error)

// DLC is the contract every bundle must satisfy, the Go interface
// realization of dlc.py's BrainDLC base class. Initialize/Shutdown take a
// context since bundle setup may itself do I/O (unlike the synchronous
// Python _initialize hook).
type DLC interface {
	Manifest() Manifest
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	ComputationalUnits() map[string]ComputeFunc
}

// MonitorTickObserver is an optional interface a DLC may additionally
// implement to receive periodic stats snapshots, porting
// BrainDLC.on_monitor_tick's duck-typed hook into an explicit interface
// check (mirrors Go idiom of optional interfaces over getattr/hasattr).
type MonitorTickObserver interface {
	OnMonitorTick(stats map[string]any)
}

// BundleRecord is the registry's bookkeeping entry for a loaded DLC,
// combining what core.py tracked across three parallel maps (self.dlcs,
// self.dlc_manifests, self.dlc_dependencies) into one struct.
type BundleRecord struct {
	Manifest    Manifest
	Instance    DLC
	Initialized bool
	LoadedAt    time.Time
	SourcePath  string
}

// BundleLoader opens a compiled bundle file and returns the DLC instances
// it exports. Implementations wrap plugin.Open in production; tests inject
// an in-memory loader, the same pattern the teacher's cache-manager
// service_test.go uses for RemoteCache/OriginFetcher fakes instead of
// hitting a real network or filesystem dependency.
type BundleLoader interface {
	// Load opens the bundle at path and returns freshly constructed DLC
	// instances (unregistered, uninitialized).
	Load(path string) ([]DLC, error)
}
