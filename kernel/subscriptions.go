package kernel

import (
	"context"

	"encore.dev/pubsub"
	"encore.dev/rlog"

	"encore.app/lifecycle"
	pkgpubsub "encore.app/pkg/pubsub"
	"encore.app/registry"
)

// Subscribe to DLC lifecycle events so the scheduler can drop cached
// results for a bundle that was just reloaded or unregistered; a stale
// cache entry computed against the old bundle code would otherwise
// survive until its TTL expires.
var _ = pubsub.NewSubscription(
	registry.DLCLifecycleTopic,
	"kernel-dlc-lifecycle",
	pubsub.SubscriptionConfig[*pkgpubsub.DLCLifecycleEvent]{
		Handler: HandleDLCLifecycleEvent,
	},
)

// HandleDLCLifecycleEvent invalidates every cache entry computed against
// a bundle that was just unregistered or reloaded. Registration of a new
// bundle needs no invalidation since nothing could have been cached
// against it yet.
func HandleDLCLifecycleEvent(ctx context.Context, event *pkgpubsub.DLCLifecycleEvent) error {
	if svc == nil {
		return nil
	}
	switch event.Action {
	case pkgpubsub.ActionUnregistered, pkgpubsub.ActionReloaded:
		n := svc.cache.DeletePrefix(event.Name + ".")
		rlog.Info("invalidated cache entries for bundle change", "bundle", event.Name, "action", event.Action, "entries", n)
	}
	return nil
}

// Subscribe to configuration hot-reload events broadcast by lifecycle's
// ConfigSource watcher, applying any kernel-relevant keys without a
// restart.
var _ = pubsub.NewSubscription(
	lifecycle.ConfigReloadTopic,
	"kernel-config-reload",
	pubsub.SubscriptionConfig[*pkgpubsub.ConfigReloadEvent]{
		Handler: HandleConfigReloadEvent,
	},
)

// HandleConfigReloadEvent applies the subset of configuration the kernel
// cares about: cache limits, retry policy, and (via registry) the
// signature-verification public-key set. Pool sizes and CPU-task prefixes
// are fixed at process start and are not part of the hot-reloadable
// subset.
func HandleConfigReloadEvent(ctx context.Context, event *pkgpubsub.ConfigReloadEvent) error {
	if svc == nil {
		return nil
	}

	cfg := lifecycle.CurrentConfig()
	svc.cache.SetLimits(cfg.CacheMaxEntries, cfg.CacheTTL, cfg.CacheMaxBytes)
	rlog.Info("applied hot-reloaded cache limits", "changed_keys", event.ChangedKeys,
		"max_entries", cfg.CacheMaxEntries, "ttl", cfg.CacheTTL, "max_bytes", cfg.CacheMaxBytes)

	for _, key := range event.ChangedKeys {
		switch key {
		case "retry_max_attempts", "retry_initial_delay_seconds", "retry_max_delay_seconds",
			"retry_backoff_multiplier", "retry_jitter_ratio":
			SetRetryPolicy(cfg.RetryPolicy)
			rlog.Info("applied hot-reloaded retry policy", "policy", cfg.RetryPolicy)
		case "dlc_public_key_pem_files":
			if err := registry.ReloadPublicKeys(cfg.PublicKeyPaths); err != nil {
				rlog.Error("failed to reload public keys", "err", err)
			} else {
				rlog.Info("reloaded dlc signature public keys", "count", len(cfg.PublicKeyPaths))
			}
		}
	}

	return nil
}
