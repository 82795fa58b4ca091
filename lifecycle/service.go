// Package lifecycle provides the kernel's configuration hot-reload and
// single-leader coordination: a pluggable ConfigSource (file watch or KV
// poll) that fans out change events, and a TTL-refreshed LeaderLease so
// exactly one kernel instance performs singleton housekeeping at a time.
//
// Design Philosophy:
//   - Configuration has a small hot-swappable subset (cache limits, retry
//     policy, log level, DLC public-key files, monitoring interval);
//     everything else is fixed at process start. A ConfigSource only ever
//     triggers re-application of that subset. The kernel applies the
//     cache limits, retry policy and key files; a new monitoring interval
//     is recorded in Config, but the kernel's monitor keeps the interval
//     it started with.
//   - Leader election is delegated to whatever lock service is already
//     part of the stack — here a Postgres advisory lock via
//     encore.dev/storage/sqldb, rather than standing up a separate Redis
//     or etcd dependency nobody else in this app uses.
//
// Trade-offs:
//   - KVConfigSource polls rather than streams; acceptable because config
//     changes are rare and the poll interval is seconds, not milliseconds.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"encore.dev/pubsub"
	"encore.dev/rlog"
	"encore.dev/storage/sqldb"
	"github.com/google/uuid"

	"encore.app/internal/retry"
	pkgpubsub "encore.app/pkg/pubsub"
)

//encore:service
type Service struct {
	mu     sync.RWMutex
	config Config
	source ConfigSource

	lease       *LeaderLease
	holderID    string
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// Config is the kernel's hot-swappable configuration subset, the Go
// realization of spec.md §6's dagger-marked keys. Pool sizes and routing
// prefixes are deliberately absent: they are fixed at process start.
type Config struct {
	CacheMaxEntries    int           `json:"cache_max_entries"`
	CacheTTL           time.Duration `json:"cache_ttl"`
	CacheMaxBytes      int64         `json:"cache_max_bytes"`
	MonitoringInterval time.Duration `json:"monitoring_interval"`

	LogLevel string `json:"log_level"`

	RetryPolicy retry.Policy `json:"retry_policy"`

	// PublicKeyPaths lists the PEM files registry verifies bundle
	// signatures against; reloaded wholesale on every config change.
	PublicKeyPaths []string `json:"dlc_public_key_pem_files"`
}

// DefaultConfig matches kernel.DefaultConfig's hot-swappable fields so a
// freshly started lifecycle service and kernel service agree before the
// first reload.
func DefaultConfig() Config {
	return Config{
		CacheMaxEntries:    10_000,
		CacheTTL:           1 * time.Hour,
		CacheMaxBytes:      0,
		MonitoringInterval: 5 * time.Second,
		LogLevel:           "info",
		RetryPolicy:        retry.DefaultPolicy(),
	}
}

var db = sqldb.Named("lifecycle_db")

var ConfigReloadTopic = pubsub.NewTopic[*pkgpubsub.ConfigReloadEvent](
	"kernel-config-reload",
	pubsub.TopicConfig{DeliveryGuarantee: pubsub.AtLeastOnce},
)

func initService() (*Service, error) {
	s := &Service{
		config:   DefaultConfig(),
		source:   nil,
		holderID: uuid.NewString(),
		stopCh:   make(chan struct{}),
	}

	lease, err := NewLeaderLease(db, "kernel-leader", s.holderID, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("initializing leader lease: %w", err)
	}
	s.lease = lease
	go s.lease.Run(s.stopCh)

	return s, nil
}

var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize lifecycle service: %v", err))
	}
}

// SetConfigSource wires a ConfigSource and starts its watch loop,
// forwarding every change as a ConfigReloadEvent. Exposed as a method
// (not inferred at init) so tests and the binary entrypoint choose the
// backing store explicitly, the way the teacher's Service.SetOriginFetcher
// let callers swap dependencies after construction.
func (s *Service) SetConfigSource(src ConfigSource) {
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()

	src.StartWatch(func(data map[string]any) {
		s.applyReload(context.Background(), data, src.Name())
	})
}

func (s *Service) applyReload(ctx context.Context, data map[string]any, source string) {
	s.mu.Lock()
	before := s.config
	changed := applyConfigFields(&s.config, data)
	after := s.config
	s.mu.Unlock()

	if len(changed) == 0 {
		return
	}

	for _, key := range changed {
		if key == "log_level" {
			SetLogLevel(after.LogLevel)
			break
		}
	}

	rlog.Info("kernel config hot-reloaded", "changed_keys", changed, "source", source)

	event := &pkgpubsub.ConfigReloadEvent{
		Version:     pkgpubsub.EventVersion1,
		ChangedKeys: changed,
		Source:      source,
		AppliedAt:   time.Now(),
		Meta: map[string]string{
			"cache_max_entries_before": fmt.Sprintf("%d", before.CacheMaxEntries),
			"cache_max_entries_after":  fmt.Sprintf("%d", after.CacheMaxEntries),
		},
		RequestID: uuid.NewString(),
	}
	if _, err := ConfigReloadTopic.Publish(ctx, event); err != nil {
		rlog.Error("failed to publish config reload event", "err", err)
	}
}

// applyConfigFields mutates cfg in place from the loosely-typed data a
// ConfigSource produces, returning which top-level keys actually changed.
// Unknown keys and type mismatches are ignored, not errors: a partially
// understood config file should apply what it can, matching the original's
// forgiving FileConfigSource.load (malformed JSON logs a warning and
// yields an empty dict rather than crashing the process).
func applyConfigFields(cfg *Config, data map[string]any) []string {
	var changed []string

	if v, ok := intField(data, "cache_max_entries"); ok && v != cfg.CacheMaxEntries {
		cfg.CacheMaxEntries = v
		changed = append(changed, "cache_max_entries")
	}
	if v, ok := durationField(data, "cache_ttl_seconds"); ok && v != cfg.CacheTTL {
		cfg.CacheTTL = v
		changed = append(changed, "cache_ttl")
	}
	if v, ok := int64Field(data, "cache_max_bytes"); ok && v != cfg.CacheMaxBytes {
		cfg.CacheMaxBytes = v
		changed = append(changed, "cache_max_bytes")
	}
	if v, ok := durationField(data, "monitoring_interval_seconds"); ok && v != cfg.MonitoringInterval {
		cfg.MonitoringInterval = v
		changed = append(changed, "monitoring_interval")
	}
	if v, ok := stringField(data, "log_level"); ok && v != cfg.LogLevel {
		cfg.LogLevel = v
		changed = append(changed, "log_level")
	}
	if v, ok := intField(data, "retry_max_attempts"); ok && v != cfg.RetryPolicy.MaxAttempts {
		cfg.RetryPolicy.MaxAttempts = v
		changed = append(changed, "retry_max_attempts")
	}
	if v, ok := durationField(data, "retry_initial_delay_seconds"); ok && v != cfg.RetryPolicy.InitialDelay {
		cfg.RetryPolicy.InitialDelay = v
		changed = append(changed, "retry_initial_delay_seconds")
	}
	if v, ok := durationField(data, "retry_max_delay_seconds"); ok && v != cfg.RetryPolicy.MaxDelay {
		cfg.RetryPolicy.MaxDelay = v
		changed = append(changed, "retry_max_delay_seconds")
	}
	if v, ok := floatField(data, "retry_backoff_multiplier"); ok && v != cfg.RetryPolicy.BackoffMultiplier {
		cfg.RetryPolicy.BackoffMultiplier = v
		changed = append(changed, "retry_backoff_multiplier")
	}
	if v, ok := floatField(data, "retry_jitter_ratio"); ok && v != cfg.RetryPolicy.JitterRatio {
		cfg.RetryPolicy.JitterRatio = v
		changed = append(changed, "retry_jitter_ratio")
	}
	if v, ok := stringSliceField(data, "dlc_public_key_pem_files"); ok {
		cfg.PublicKeyPaths = v
		changed = append(changed, "dlc_public_key_pem_files")
	}

	return changed
}

func intField(data map[string]any, key string) (int, bool) {
	v, ok := data[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func int64Field(data map[string]any, key string) (int64, bool) {
	v, ok := intField(data, key)
	return int64(v), ok
}

func durationField(data map[string]any, key string) (time.Duration, bool) {
	secs, ok := intField(data, key)
	if !ok {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func stringField(data map[string]any, key string) (string, bool) {
	v, ok := data[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func floatField(data map[string]any, key string) (float64, bool) {
	v, ok := data[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func stringSliceField(data map[string]any, key string) ([]string, bool) {
	v, ok := data[key]
	if !ok {
		return nil, false
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// Request/response types

type GetConfigResponse struct {
	Config Config `json:"config"`
}

type LeaderStatusResponse struct {
	HolderID    string    `json:"holder_id"`
	IsLeader    bool      `json:"is_leader"`
	LeaseExpiry time.Time `json:"lease_expiry"`
}

// GetConfig returns the currently applied hot-swappable config over HTTP.
// The kernel does not call it; it reads the same values via CurrentConfig.
//
//encore:api public method=GET path=/lifecycle/config
func GetConfig(ctx context.Context) (*GetConfigResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return &GetConfigResponse{Config: svc.config}, nil
}

// GetLeaderStatus reports this instance's leadership state.
//
//encore:api public method=GET path=/lifecycle/leader
func GetLeaderStatus(ctx context.Context) (*LeaderStatusResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	isLeader, expiry := svc.lease.Status()
	return &LeaderStatusResponse{
		HolderID:    svc.holderID,
		IsLeader:    isLeader,
		LeaseExpiry: expiry,
	}, nil
}

// CurrentConfig returns the hot-swappable config subset as a plain Go call,
// the way the kernel service picks up a reload without going through the
// GetConfig API endpoint.
func CurrentConfig() Config {
	if svc == nil {
		return DefaultConfig()
	}
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.config
}

// IsLeader reports whether this process currently holds the kernel-leader
// lease, a plain Go call for housekeeping code that needs to gate itself
// without an HTTP round trip, mirroring registry.LookupComputeUnit's
// cross-service wiring pattern.
func IsLeader() bool {
	if svc == nil {
		return false
	}
	isLeader, _ := svc.lease.Status()
	return isLeader
}

// Shutdown releases the leader lease and stops the config watch, ported
// from ha.py's LeaderElector.stop (release if held, then stop the renew
// loop) and config.py's ConfigSource.stop_watch.
func (s *Service) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.RLock()
	src := s.source
	s.mu.RUnlock()
	if src != nil {
		src.StopWatch()
	}
	s.lease.Release(context.Background())
}
