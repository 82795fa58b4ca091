// Package registry implements DLC bundle discovery, signature verification,
// dependency resolution, and the fixed-point registration loop that used to
// live in the teacher's invalidation service.
//
// Design Philosophy:
// - Pub/Sub broadcast announces every registration, unregistration, and
//   hot-reload so the kernel service can drop a changed bundle's cached results
// - Audit logging provides an immutable DLC lifecycle history for
//   compliance and debugging
// - Dependency checks and priority ordering happen before a bundle is ever
//   initialized, so a half-satisfied bundle never runs
// - Metrics enable observability of registration throughput and failures
//
// Consistency Model:
// - At-least-once delivery via Pub/Sub guarantees all subscribers observe
//   every lifecycle transition
// - The bundle table is the single source of truth for "what is currently
//   loaded"; the audit log is the append-only history of how it got there
package registry

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/pubsub"
	"encore.dev/rlog"
	"encore.dev/storage/sqldb"

	"encore.app/internal/kernelerrors"
	pkgpubsub "encore.app/pkg/pubsub"
	"encore.app/pkg/utils"
)

// kernelVersion is the running kernel's own semver string, checked against
// dependency declarations that target a kernel alias (see manifest.go's
// kernelAliases).
const kernelVersion = "1.0.0"

//encore:service
type Service struct {
	mu sync.RWMutex

	bundles map[string]*BundleRecord

	loader          BundleLoader
	publicKeys      []*rsa.PublicKey
	signatureReqd   bool
	verifyIfPresent bool

	// strictDependencyCheck gates register's dependency-validation loop,
	// matching core.py's register_dlc, which skips validation entirely
	// when dlc_strict_dependency_check is false. Defaults to true.
	strictDependencyCheck bool

	auditLogger AuditLoggerInterface
	metrics     *Metrics
}

// Metrics tracks DLC registration performance counters.
type Metrics struct {
	TotalRegistrations   atomic.Int64
	TotalUnregistrations atomic.Int64
	TotalReloads         atomic.Int64
	AuditWrites          atomic.Int64
	PubSubPublishes      atomic.Int64
	Errors               atomic.Int64
}

// Database for the DLC lifecycle audit trail.
var db = sqldb.Named("registry_db")

// DLCLifecycleTopic is published whenever a bundle transitions state.
var DLCLifecycleTopic = pubsub.NewTopic[*pkgpubsub.DLCLifecycleEvent](
	"dlc-lifecycle",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

func initService() (*Service, error) {
	auditLogger, err := NewAuditLogger(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
	}

	return &Service{
		bundles:               make(map[string]*BundleRecord),
		loader:                NewPluginLoader(),
		signatureReqd:         false,
		verifyIfPresent:       true,
		strictDependencyCheck: true,
		auditLogger:           auditLogger,
		metrics:               &Metrics{},
	}, nil
}

var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize registry service: %v", err))
	}
}

// Request and response types

type LoadBundlesRequest struct {
	SearchPaths    []string `json:"search_paths"`
	TriggeredBy    string   `json:"triggered_by"`
	RequestID      string   `json:"request_id"`
	MaxConcurrency int      `json:"max_concurrency"`

	// NameFilter restricts registration to bundles whose manifest name
	// matches the pattern (exact, prefix "foo_*", or regex), via
	// pkg/utils.MatchPattern. Empty means no filtering.
	NameFilter string `json:"name_filter"`
}

type LoadBundlesResponse struct {
	Registered int               `json:"registered"`
	Failed     map[string]string `json:"failed"`
	RequestID  string            `json:"request_id"`
}

type UnregisterDLCRequest struct {
	Name        string `json:"name"`
	TriggeredBy string `json:"triggered_by"`
	RequestID   string `json:"request_id"`
}

type UnregisterDLCResponse struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
}

type ReloadDLCFileRequest struct {
	Path        string `json:"path"`
	TriggeredBy string `json:"triggered_by"`
	RequestID   string `json:"request_id"`
}

type ReloadDLCFileResponse struct {
	Success   bool     `json:"success"`
	Names     []string `json:"names"`
	RequestID string   `json:"request_id"`
}

type DLCStatusEntry struct {
	Manifest    Manifest  `json:"manifest"`
	Initialized bool      `json:"initialized"`
	LoadedAt    time.Time `json:"loaded_at"`
	SourcePath  string    `json:"source_path"`
}

type GetDLCStatusResponse struct {
	Bundles []DLCStatusEntry `json:"bundles"`
}

type GetAuditLogsRequest struct {
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
	NameFilter string `json:"name_filter,omitempty"`
}

type GetAuditLogsResponse struct {
	Logs       []AuditLog `json:"logs"`
	TotalCount int        `json:"total_count"`
	HasMore    bool       `json:"has_more"`
}

type MetricsResponse struct {
	TotalRegistrations   int64 `json:"total_registrations"`
	TotalUnregistrations int64 `json:"total_unregistrations"`
	TotalReloads         int64 `json:"total_reloads"`
	AuditWrites          int64 `json:"audit_writes"`
	PubSubPublishes      int64 `json:"pubsub_publishes"`
	Errors               int64 `json:"errors"`
}

// LoadBundles discovers bundle files under the given search paths, verifies
// and loads them with bounded concurrency, then runs the fixed-point
// registration loop to bring up as many bundles as their declared
// dependencies allow. Ported from BrainCore.load_all_dlcs.
//
//encore:api public method=POST path=/registry/load
func LoadBundles(ctx context.Context, req *LoadBundlesRequest) (*LoadBundlesResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.LoadBundles(ctx, req)
}

func (s *Service) LoadBundles(ctx context.Context, req *LoadBundlesRequest) (*LoadBundlesResponse, error) {
	if req.TriggeredBy == "" {
		req.TriggeredBy = "unknown"
	}
	if req.RequestID == "" {
		req.RequestID = generateRequestID()
	}
	maxConcurrency := req.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}

	files := DiscoverBundleFiles(req.SearchPaths)

	verify := func(path string) error {
		if !RequiresVerification(path, s.signatureReqd, s.verifyIfPresent) {
			return nil
		}
		return VerifyBundleSignature(path, s.publicKeys)
	}

	loadResults, loadErrs := concurrentVerifyLoad(ctx, files, verify, s.loader, maxConcurrency)

	candidates := make([]candidate, 0, len(files))
	failed := make(map[string]string)
	for i, f := range files {
		if loadErrs[i] != nil {
			failed[f] = loadErrs[i].Error()
			continue
		}
		for _, d := range loadResults[i] {
			if req.NameFilter != "" {
				match, err := utils.MatchPattern(req.NameFilter, d.Manifest().Name)
				if err != nil {
					failed[f] = fmt.Sprintf("invalid name_filter: %v", err)
					continue
				}
				if !match {
					continue
				}
			}
			candidates = append(candidates, candidate{dlc: d, path: f})
		}
	}

	registered, regFailures := FixedPointRegister(candidates, func(d DLC) error {
		return s.register(ctx, d, "", req.TriggeredBy, req.RequestID)
	})
	for name, err := range regFailures {
		failed[name] = err.Error()
	}

	return &LoadBundlesResponse{
		Registered: registered,
		Failed:     failed,
		RequestID:  req.RequestID,
	}, nil
}

// register validates dependencies, initializes the DLC, records it, and
// announces the transition. path is empty when the caller already holds a
// live instance (e.g. programmatic registration in tests).
func (s *Service) register(ctx context.Context, d DLC, path, triggeredBy, requestID string) error {
	manifest := d.Manifest()

	s.mu.Lock()
	if _, exists := s.bundles[manifest.Name]; exists {
		s.mu.Unlock()
		return &kernelerrors.DependencyError{Bundle: manifest.Name, Reason: "already registered"}
	}

	manifests := make(map[string]Manifest, len(s.bundles))
	for name, rec := range s.bundles {
		manifests[name] = rec.Manifest
	}
	strict := s.strictDependencyCheck
	s.mu.Unlock()

	if strict {
		for _, dep := range manifest.Dependencies {
			if err := CheckDependency(dep, kernelVersion, manifests); err != nil {
				s.publishLifecycle(ctx, pkgpubsub.ActionFailed, manifest.Name, manifest.Version, triggeredBy, requestID, err)
				return err
			}
		}
	}

	if !manifest.Enabled {
		err := fmt.Errorf("bundle %q is disabled in its manifest", manifest.Name)
		s.publishLifecycle(ctx, pkgpubsub.ActionFailed, manifest.Name, manifest.Version, triggeredBy, requestID, err)
		return err
	}

	if err := d.Initialize(ctx); err != nil {
		wrapped := fmt.Errorf("initializing %q: %w", manifest.Name, err)
		s.publishLifecycle(ctx, pkgpubsub.ActionFailed, manifest.Name, manifest.Version, triggeredBy, requestID, wrapped)
		return wrapped
	}

	s.mu.Lock()
	s.bundles[manifest.Name] = &BundleRecord{
		Manifest:    manifest,
		Instance:    d,
		Initialized: true,
		LoadedAt:    time.Now(),
		SourcePath:  path,
	}
	s.mu.Unlock()

	s.metrics.TotalRegistrations.Add(1)
	s.publishLifecycle(ctx, pkgpubsub.ActionRegistered, manifest.Name, manifest.Version, triggeredBy, requestID, nil)
	return nil
}

// UnregisterDLC shuts down and removes a bundle from the registry, ported
// from BrainCore.unregister_dlc.
//
//encore:api public method=POST path=/registry/unregister
func UnregisterDLC(ctx context.Context, req *UnregisterDLCRequest) (*UnregisterDLCResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.UnregisterDLC(ctx, req)
}

func (s *Service) UnregisterDLC(ctx context.Context, req *UnregisterDLCRequest) (*UnregisterDLCResponse, error) {
	if req.Name == "" {
		return nil, errors.New("name cannot be empty")
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "unknown"
	}
	if req.RequestID == "" {
		req.RequestID = generateRequestID()
	}

	s.mu.Lock()
	rec, ok := s.bundles[req.Name]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("bundle %q is not registered", req.Name)
	}
	delete(s.bundles, req.Name)
	s.mu.Unlock()

	if rec.Initialized {
		if err := rec.Instance.Shutdown(ctx); err != nil {
			rlog.Error("dlc shutdown failed", "name", req.Name, "err", err)
		}
	}

	s.metrics.TotalUnregistrations.Add(1)
	s.publishLifecycle(ctx, pkgpubsub.ActionUnregistered, req.Name, rec.Manifest.Version, req.TriggeredBy, req.RequestID, nil)

	return &UnregisterDLCResponse{Success: true, RequestID: req.RequestID}, nil
}

// ReloadDLCFile unregisters any bundles previously loaded from path, then
// re-verifies, re-loads, and re-registers it, ported from
// BrainCore.reload_dlc_file.
//
//encore:api public method=POST path=/registry/reload
func ReloadDLCFile(ctx context.Context, req *ReloadDLCFileRequest) (*ReloadDLCFileResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.ReloadDLCFile(ctx, req)
}

func (s *Service) ReloadDLCFile(ctx context.Context, req *ReloadDLCFileRequest) (*ReloadDLCFileResponse, error) {
	if req.Path == "" {
		return nil, errors.New("path cannot be empty")
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "unknown"
	}
	if req.RequestID == "" {
		req.RequestID = generateRequestID()
	}

	s.mu.Lock()
	var stale []*BundleRecord
	for name, rec := range s.bundles {
		if rec.SourcePath == req.Path {
			stale = append(stale, rec)
			delete(s.bundles, name)
		}
	}
	s.mu.Unlock()

	for _, rec := range stale {
		if rec.Initialized {
			if err := rec.Instance.Shutdown(ctx); err != nil {
				rlog.Error("dlc shutdown failed during reload", "name", rec.Manifest.Name, "err", err)
			}
		}
	}

	if RequiresVerification(req.Path, s.signatureReqd, s.verifyIfPresent) {
		if err := VerifyBundleSignature(req.Path, s.publicKeys); err != nil {
			s.metrics.Errors.Add(1)
			s.publishLifecycle(ctx, pkgpubsub.ActionFailed, req.Path, "", req.TriggeredBy, req.RequestID, err)
			return nil, err
		}
	}

	dlcs, err := s.loader.Load(req.Path)
	if err != nil {
		s.metrics.Errors.Add(1)
		s.publishLifecycle(ctx, pkgpubsub.ActionFailed, req.Path, "", req.TriggeredBy, req.RequestID, err)
		return nil, fmt.Errorf("reloading %q: %w", req.Path, err)
	}

	var names []string
	for _, d := range dlcs {
		if err := s.register(ctx, d, req.Path, req.TriggeredBy, req.RequestID); err != nil {
			s.metrics.Errors.Add(1)
			return nil, err
		}
		names = append(names, d.Manifest().Name)
	}

	s.metrics.TotalReloads.Add(1)
	for _, name := range names {
		s.publishLifecycle(ctx, pkgpubsub.ActionReloaded, name, "", req.TriggeredBy, req.RequestID, nil)
	}

	return &ReloadDLCFileResponse{Success: true, Names: names, RequestID: req.RequestID}, nil
}

// GetDLCStatus reports every currently-registered bundle, ported from
// BrainCore.get_dlc_status.
//
//encore:api public method=GET path=/registry/status
func GetDLCStatus(ctx context.Context) (*GetDLCStatusResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetDLCStatus(ctx)
}

func (s *Service) GetDLCStatus(ctx context.Context) (*GetDLCStatusResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]DLCStatusEntry, 0, len(s.bundles))
	for _, rec := range s.bundles {
		entries = append(entries, DLCStatusEntry{
			Manifest:    rec.Manifest,
			Initialized: rec.Initialized,
			LoadedAt:    rec.LoadedAt,
			SourcePath:  rec.SourcePath,
		})
	}
	return &GetDLCStatusResponse{Bundles: entries}, nil
}

// ComputeUnit looks up a registered DLC's named computational unit, the
// lookup BrainCore.compute performs before dispatching work to a pool.
func (s *Service) ComputeUnit(name, unit string) (ComputeFunc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.bundles[name]
	if !ok {
		return nil, fmt.Errorf("bundle %q is not registered", name)
	}
	fn, ok := rec.Instance.ComputationalUnits()[unit]
	if !ok {
		return nil, fmt.Errorf("bundle %q has no computational unit %q", name, unit)
	}
	return fn, nil
}

// LookupComputeUnit exposes ComputeUnit as a package-level call for the
// kernel service to dispatch work against a registered bundle, the
// Go-native analog of BrainCore.get_computational_unit's direct method
// access (no separate HTTP hop needed within the same Encore app).
func LookupComputeUnit(bundleName, unit string) (ComputeFunc, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.ComputeUnit(bundleName, unit)
}

// SetStrictDependencyCheck toggles whether register validates every
// dependency before bringing a bundle up, ported from core.py's
// dlc_strict_dependency_check config key.
func (s *Service) SetStrictDependencyCheck(strict bool) {
	s.mu.Lock()
	s.strictDependencyCheck = strict
	s.mu.Unlock()
}

// ReloadPublicKeys re-parses the signature-verification key set from
// paths, replacing whatever keys were previously loaded. Exposed at
// package level so the kernel's config-reload subscription can apply a
// hot-reloaded dlc_public_key_pem_files list without an HTTP hop, the
// same cross-service wiring pattern as LookupComputeUnit.
func (s *Service) ReloadPublicKeys(paths []string) error {
	keys, err := LoadPublicKeys(paths)
	if err != nil {
		return fmt.Errorf("reloading public keys: %w", err)
	}
	s.mu.Lock()
	s.publicKeys = keys
	s.mu.Unlock()
	return nil
}

// ReloadPublicKeys applies a hot-reloaded public-key set to the
// package-level registry service.
func ReloadPublicKeys(paths []string) error {
	if svc == nil {
		return errors.New("service not initialized")
	}
	return svc.ReloadPublicKeys(paths)
}

// CleanupAuditLogs deletes audit rows older than olderThan, exposed at
// package level for lifecycle's housekeeping cron to call without an HTTP
// hop, the same cross-service wiring pattern as LookupComputeUnit.
func CleanupAuditLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	if svc == nil {
		return 0, errors.New("service not initialized")
	}
	return svc.auditLogger.Cleanup(ctx, olderThan)
}

// NotifyMonitorTick forwards a performance snapshot to every registered
// bundle that implements MonitorTickObserver, ported from
// BrainCore.start_performance_monitor's per-DLC on_monitor_tick hook call.
// A panicking or erroring hook never stops the sweep for the rest.
func NotifyMonitorTick(stats map[string]any) {
	if svc == nil {
		return
	}
	svc.mu.RLock()
	observers := make([]MonitorTickObserver, 0, len(svc.bundles))
	for _, rec := range svc.bundles {
		if obs, ok := rec.Instance.(MonitorTickObserver); ok {
			observers = append(observers, obs)
		}
	}
	svc.mu.RUnlock()

	for _, obs := range observers {
		callMonitorHook(obs, stats)
	}
}

// callMonitorHook isolates a single DLC's monitor hook so a panic there
// cannot take down the tick sweep for the rest, mirroring the Python
// original's per-hook try/except.
func callMonitorHook(obs MonitorTickObserver, stats map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			rlog.Error("dlc monitor hook panicked", "err", r)
		}
	}()
	obs.OnMonitorTick(stats)
}

// GetAuditLogs retrieves DLC lifecycle audit history with pagination.
//
//encore:api public method=GET path=/registry/audit/logs
func GetAuditLogs(ctx context.Context, req *GetAuditLogsRequest) (*GetAuditLogsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetAuditLogs(ctx, req)
}

func (s *Service) GetAuditLogs(ctx context.Context, req *GetAuditLogsRequest) (*GetAuditLogsResponse, error) {
	if req.Limit <= 0 {
		req.Limit = 50
	}
	if req.Limit > 1000 {
		req.Limit = 1000
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	logs, err := s.auditLogger.GetRecent(ctx, req.Limit+1, req.Offset, req.NameFilter)
	if err != nil {
		s.metrics.Errors.Add(1)
		return nil, fmt.Errorf("failed to fetch audit logs: %w", err)
	}

	hasMore := len(logs) > req.Limit
	if hasMore {
		logs = logs[:req.Limit]
	}

	totalCount, err := s.auditLogger.GetCount(ctx, req.NameFilter)
	if err != nil {
		totalCount = len(logs)
	}

	return &GetAuditLogsResponse{
		Logs:       logs,
		TotalCount: totalCount,
		HasMore:    hasMore,
	}, nil
}

// GetMetrics returns registry service metrics.
//
//encore:api public method=GET path=/registry/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetMetrics(ctx)
}

func (s *Service) GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	return &MetricsResponse{
		TotalRegistrations:   s.metrics.TotalRegistrations.Load(),
		TotalUnregistrations: s.metrics.TotalUnregistrations.Load(),
		TotalReloads:         s.metrics.TotalReloads.Load(),
		AuditWrites:          s.metrics.AuditWrites.Load(),
		PubSubPublishes:      s.metrics.PubSubPublishes.Load(),
		Errors:               s.metrics.Errors.Load(),
	}, nil
}

// publishLifecycle broadcasts a lifecycle transition and writes its audit
// row asynchronously, mirroring the teacher's "publish then audit in a
// goroutine" ordering so the caller isn't blocked on the database.
func (s *Service) publishLifecycle(ctx context.Context, action pkgpubsub.LifecycleAction, name, bundleVer, triggeredBy, requestID string, cause error) {
	now := time.Now()
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	event := &pkgpubsub.DLCLifecycleEvent{
		Version:     pkgpubsub.EventVersion1,
		Action:      action,
		Name:        name,
		BundleVer:   bundleVer,
		TriggeredBy: triggeredBy,
		Error:       errMsg,
		Timestamp:   now,
		RequestID:   requestID,
	}

	if _, err := DLCLifecycleTopic.Publish(ctx, event); err != nil {
		s.metrics.Errors.Add(1)
		rlog.Error("failed to publish dlc lifecycle event", "name", name, "action", action, "err", err)
	} else {
		s.metrics.PubSubPublishes.Add(1)
	}

	go func() {
		log := AuditLog{
			Action:      action,
			Name:        name,
			BundleVer:   bundleVer,
			TriggeredBy: triggeredBy,
			Error:       errMsg,
			Timestamp:   now,
			RequestID:   requestID,
		}
		if err := s.auditLogger.Insert(context.Background(), log); err != nil {
			s.metrics.Errors.Add(1)
		} else {
			s.metrics.AuditWrites.Add(1)
		}
	}()
}

// generateRequestID creates a unique request identifier for tracing.
func generateRequestID() string {
	return fmt.Sprintf("reg-%d-%d", time.Now().UnixNano(), time.Now().Nanosecond()%1000)
}
