package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// MockAuditLogger provides a test implementation of audit logging.
type MockAuditLogger struct {
	mu   sync.Mutex
	logs []AuditLog
}

func NewMockAuditLogger() *MockAuditLogger {
	return &MockAuditLogger{
		logs: make([]AuditLog, 0),
	}
}

func (m *MockAuditLogger) Insert(ctx context.Context, log AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.ID = int64(len(m.logs) + 1)
	m.logs = append(m.logs, log)
	return nil
}

func (m *MockAuditLogger) GetRecent(ctx context.Context, limit, offset int, nameFilter string) ([]AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filtered := make([]AuditLog, 0)
	for i := len(m.logs) - 1; i >= 0; i-- {
		log := m.logs[i]
		if nameFilter == "" || log.Name == nameFilter {
			filtered = append(filtered, log)
		}
	}

	if offset >= len(filtered) {
		return []AuditLog{}, nil
	}

	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}

	return filtered[offset:end], nil
}

func (m *MockAuditLogger) GetCount(ctx context.Context, nameFilter string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if nameFilter == "" {
		return len(m.logs), nil
	}

	count := 0
	for _, log := range m.logs {
		if log.Name == nameFilter {
			count++
		}
	}
	return count, nil
}

func (m *MockAuditLogger) GetByRequestID(ctx context.Context, requestID string) ([]AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]AuditLog, 0)
	for _, log := range m.logs {
		if log.RequestID == requestID {
			result = append(result, log)
		}
	}
	return result, nil
}

func (m *MockAuditLogger) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	kept := make([]AuditLog, 0, len(m.logs))
	var removed int64
	for _, log := range m.logs {
		if log.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, log)
	}
	m.logs = kept
	return removed, nil
}

// fakeDLC is a minimal in-memory DLC used to exercise the registry without
// loading a real compiled plugin.
type fakeDLC struct {
	manifest     Manifest
	initErr      error
	shutdownErr  error
	initCalled   bool
	units        map[string]ComputeFunc
	shutdownDone bool
}

func (f *fakeDLC) Manifest() Manifest { return f.manifest }

func (f *fakeDLC) Initialize(ctx context.Context) error {
	f.initCalled = true
	return f.initErr
}

func (f *fakeDLC) Shutdown(ctx context.Context) error {
	f.shutdownDone = true
	return f.shutdownErr
}

func (f *fakeDLC) ComputationalUnits() map[string]ComputeFunc {
	if f.units == nil {
		return map[string]ComputeFunc{}
	}
	return f.units
}

func newFakeDLC(name, version string, deps ...string) *fakeDLC {
	return &fakeDLC{
		manifest: Manifest{
			Name:         name,
			Version:      version,
			Kind:         KindProcessor,
			Dependencies: deps,
			Enabled:      true,
		},
	}
}

// setupTestService creates a registry service backed by mocks instead of a
// real database or plugin loader.
func setupTestService() *Service {
	return &Service{
		bundles:         make(map[string]*BundleRecord),
		loader:          nil,
		signatureReqd:   false,
		verifyIfPresent: false,
		auditLogger:     NewMockAuditLogger(),
		metrics:         &Metrics{},

		// Same default as initService, so register runs its dependency checks.
		strictDependencyCheck: true,
	}
}

func TestService_RegisterAndStatus(t *testing.T) {
	svc := setupTestService()
	ctx := context.Background()

	dlc := newFakeDLC("bundle-a", "1.0.0")
	if err := svc.register(ctx, dlc, "/tmp/bundle-a.so", "test", "req-1"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !dlc.initCalled {
		t.Error("expected Initialize to be called")
	}

	status, err := svc.GetDLCStatus(ctx)
	if err != nil {
		t.Fatalf("GetDLCStatus failed: %v", err)
	}
	if len(status.Bundles) != 1 {
		t.Fatalf("expected 1 bundle, got %d", len(status.Bundles))
	}
	if status.Bundles[0].Manifest.Name != "bundle-a" {
		t.Errorf("expected bundle-a, got %s", status.Bundles[0].Manifest.Name)
	}
	if svc.metrics.TotalRegistrations.Load() != 1 {
		t.Errorf("expected 1 registration metric, got %d", svc.metrics.TotalRegistrations.Load())
	}
}

func TestService_RegisterDuplicate(t *testing.T) {
	svc := setupTestService()
	ctx := context.Background()

	dlc := newFakeDLC("bundle-a", "1.0.0")
	if err := svc.register(ctx, dlc, "", "test", "req-1"); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := svc.register(ctx, newFakeDLC("bundle-a", "1.0.0"), "", "test", "req-2"); err == nil {
		t.Error("expected error registering duplicate bundle name")
	}
}

func TestService_RegisterMissingDependency(t *testing.T) {
	svc := setupTestService()
	ctx := context.Background()

	dlc := newFakeDLC("bundle-b", "1.0.0", "bundle-a>=1.0.0")
	if err := svc.register(ctx, dlc, "", "test", "req-1"); err == nil {
		t.Error("expected dependency error")
	}
	if dlc.initCalled {
		t.Error("Initialize should not run when a dependency is unmet")
	}
}

func TestService_RegisterSatisfiedDependency(t *testing.T) {
	svc := setupTestService()
	ctx := context.Background()

	if err := svc.register(ctx, newFakeDLC("bundle-a", "1.2.0"), "", "test", "req-1"); err != nil {
		t.Fatalf("register bundle-a failed: %v", err)
	}
	if err := svc.register(ctx, newFakeDLC("bundle-b", "1.0.0", "bundle-a~=1.2.0"), "", "test", "req-2"); err != nil {
		t.Fatalf("register bundle-b failed: %v", err)
	}
}

func TestService_RegisterInitFailure(t *testing.T) {
	svc := setupTestService()
	ctx := context.Background()

	dlc := newFakeDLC("bundle-a", "1.0.0")
	dlc.initErr = fmt.Errorf("boom")

	if err := svc.register(ctx, dlc, "", "test", "req-1"); err == nil {
		t.Error("expected initialize error to propagate")
	}

	svc.mu.RLock()
	_, exists := svc.bundles["bundle-a"]
	svc.mu.RUnlock()
	if exists {
		t.Error("a bundle that failed to initialize should not be registered")
	}
}

func TestService_UnregisterDLC(t *testing.T) {
	svc := setupTestService()
	ctx := context.Background()

	dlc := newFakeDLC("bundle-a", "1.0.0")
	if err := svc.register(ctx, dlc, "", "test", "req-1"); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	resp, err := svc.UnregisterDLC(ctx, &UnregisterDLCRequest{Name: "bundle-a", TriggeredBy: "test"})
	if err != nil {
		t.Fatalf("UnregisterDLC failed: %v", err)
	}
	if !resp.Success {
		t.Error("expected success=true")
	}
	if !dlc.shutdownDone {
		t.Error("expected Shutdown to be called")
	}

	status, _ := svc.GetDLCStatus(ctx)
	if len(status.Bundles) != 0 {
		t.Errorf("expected 0 bundles after unregister, got %d", len(status.Bundles))
	}
}

func TestService_UnregisterUnknown(t *testing.T) {
	svc := setupTestService()
	ctx := context.Background()

	_, err := svc.UnregisterDLC(ctx, &UnregisterDLCRequest{Name: "missing"})
	if err == nil {
		t.Error("expected error unregistering unknown bundle")
	}
}

func TestService_ComputeUnit(t *testing.T) {
	svc := setupTestService()
	ctx := context.Background()

	dlc := newFakeDLC("bundle-a", "1.0.0")
	dlc.units = map[string]ComputeFunc{
		"double": func(ctx context.Context, args ...any) (any, error) {
			n := args[0].(int)
			return n * 2, nil
		},
	}
	if err := svc.register(ctx, dlc, "", "test", "req-1"); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	fn, err := svc.ComputeUnit("bundle-a", "double")
	if err != nil {
		t.Fatalf("ComputeUnit failed: %v", err)
	}
	result, err := fn(ctx, 21)
	if err != nil {
		t.Fatalf("compute func failed: %v", err)
	}
	if result.(int) != 42 {
		t.Errorf("expected 42, got %v", result)
	}

	if _, err := svc.ComputeUnit("bundle-a", "missing-unit"); err == nil {
		t.Error("expected error for missing computational unit")
	}
	if _, err := svc.ComputeUnit("missing-bundle", "double"); err == nil {
		t.Error("expected error for missing bundle")
	}
}

func TestService_GetAuditLogs(t *testing.T) {
	svc := setupTestService()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.publishLifecycle(ctx, "registered", fmt.Sprintf("bundle-%d", i), "1.0.0", "test", fmt.Sprintf("req-%d", i), nil)
	}
	// publishLifecycle writes the audit row in a goroutine; give it a beat.
	time.Sleep(50 * time.Millisecond)

	resp, err := svc.GetAuditLogs(ctx, &GetAuditLogsRequest{Limit: 3})
	if err != nil {
		t.Fatalf("GetAuditLogs failed: %v", err)
	}
	if len(resp.Logs) != 3 {
		t.Errorf("expected 3 logs, got %d", len(resp.Logs))
	}
	if !resp.HasMore {
		t.Error("expected HasMore=true")
	}
	if resp.TotalCount != 5 {
		t.Errorf("expected total count 5, got %d", resp.TotalCount)
	}
}

func TestService_GetMetrics(t *testing.T) {
	svc := setupTestService()
	ctx := context.Background()

	if err := svc.register(ctx, newFakeDLC("bundle-a", "1.0.0"), "", "test", "req-1"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := svc.UnregisterDLC(ctx, &UnregisterDLCRequest{Name: "bundle-a"}); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}

	metrics, err := svc.GetMetrics(ctx)
	if err != nil {
		t.Fatalf("GetMetrics failed: %v", err)
	}
	if metrics.TotalRegistrations != 1 {
		t.Errorf("expected 1 registration, got %d", metrics.TotalRegistrations)
	}
	if metrics.TotalUnregistrations != 1 {
		t.Errorf("expected 1 unregistration, got %d", metrics.TotalUnregistrations)
	}
}

func TestConcurrentRegistrations(t *testing.T) {
	svc := setupTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	concurrency := 50

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = svc.register(ctx, newFakeDLC(fmt.Sprintf("bundle-%d", i), "1.0.0"), "", "concurrent-test", "")
		}(i)
	}
	wg.Wait()

	total := svc.metrics.TotalRegistrations.Load()
	if total != int64(concurrency) {
		t.Errorf("expected %d registrations, got %d", concurrency, total)
	}
}

func TestFixedPointRegister_OrderIndependent(t *testing.T) {
	a := newFakeDLC("bundle-a", "1.0.0")
	b := newFakeDLC("bundle-b", "1.0.0", "bundle-a")
	c := newFakeDLC("bundle-c", "1.0.0", "bundle-b")

	// Deliberately out of dependency order.
	candidates := []candidate{{dlc: c}, {dlc: b}, {dlc: a}}

	svc := setupTestService()
	ctx := context.Background()

	registered, failures := FixedPointRegister(candidates, func(d DLC) error {
		return svc.register(ctx, d, "", "test", "req-1")
	})

	if registered != 3 {
		t.Errorf("expected all 3 to register, got %d (failures: %v)", registered, failures)
	}
	if len(failures) != 0 {
		t.Errorf("expected no failures, got %v", failures)
	}
}

func TestFixedPointRegister_UnsatisfiableDependency(t *testing.T) {
	orphan := newFakeDLC("bundle-z", "1.0.0", "never-registered")
	candidates := []candidate{{dlc: orphan}}

	svc := setupTestService()
	ctx := context.Background()

	registered, failures := FixedPointRegister(candidates, func(d DLC) error {
		return svc.register(ctx, d, "", "test", "req-1")
	})

	if registered != 0 {
		t.Errorf("expected 0 registrations, got %d", registered)
	}
	if _, ok := failures["bundle-z"]; !ok {
		t.Errorf("expected failure recorded for bundle-z, got %v", failures)
	}
}
