package lifecycle

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"encore.dev/rlog"
	"github.com/fsnotify/fsnotify"
)

// ConfigListener receives the raw decoded config document whenever a
// ConfigSource detects a change, the Go-native shape of config.py's
// ConfigListener callable.
type ConfigListener func(data map[string]any)

// ConfigSource abstracts where hot-reloadable configuration comes from,
// ported from config.py's ConfigSource dataclass (load / start_watch /
// stop_watch).
type ConfigSource interface {
	Name() string
	Load() (map[string]any, error)
	StartWatch(listener ConfigListener)
	StopWatch()
}

// FileConfigSource watches a JSON file for changes using fsnotify,
// replacing the original's mtime-polling FileConfigSource with real
// filesystem events.
type FileConfigSource struct {
	path string

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	started  bool
}

// NewFileConfigSource creates a FileConfigSource watching path.
func NewFileConfigSource(path string) *FileConfigSource {
	return &FileConfigSource{path: path, stopCh: make(chan struct{})}
}

func (f *FileConfigSource) Name() string { return "file" }

// Load reads and parses the config file. A missing file yields an empty
// document rather than an error, matching FileConfigSource.load's
// "not self._path.exists() -> {}" behavior.
func (f *FileConfigSource) Load() (map[string]any, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		rlog.Warn("config file parse failed", "path", f.path, "err", err)
		return map[string]any{}, nil
	}
	return data, nil
}

// StartWatch begins watching the file's directory for writes and renames
// (editors commonly write-then-rename, which doesn't fire a Write event
// on the original path), invoking listener with the freshly loaded
// document on each relevant event.
func (f *FileConfigSource) StartWatch(listener ConfigListener) {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		rlog.Error("failed to start config file watcher", "err", err)
		return
	}
	f.watcher = watcher

	dir := parentDir(f.path)
	if err := watcher.Add(dir); err != nil {
		rlog.Error("failed to watch config directory", "dir", dir, "err", err)
		return
	}

	go func() {
		for {
			select {
			case <-f.stopCh:
				watcher.Close()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != f.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				data, err := f.Load()
				if err != nil {
					rlog.Warn("config reload failed", "err", err)
					continue
				}
				listener(data)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				rlog.Warn("config watcher error", "err", err)
			}
		}
	}()
}

func (f *FileConfigSource) StopWatch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return
	}
	close(f.stopCh)
	f.started = false
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// KVStore abstracts a key-value configuration backend, generalizing
// config.py's ConsulConfigSource beyond one specific provider.
type KVStore interface {
	// List returns every key/value pair under prefix.
	List(ctx context.Context, prefix string) (map[string]string, error)
}

// KVConfigSource polls a KVStore for changes, ported from
// ConsulConfigSource's poll loop but against the pluggable KVStore
// interface instead of a hard Consul client dependency.
type KVConfigSource struct {
	store    KVStore
	prefix   string
	interval time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	started bool
	lastRaw string
}

// NewKVConfigSource creates a KVConfigSource polling store every interval.
func NewKVConfigSource(store KVStore, prefix string, interval time.Duration) *KVConfigSource {
	return &KVConfigSource{store: store, prefix: prefix, interval: interval, stopCh: make(chan struct{})}
}

func (k *KVConfigSource) Name() string { return "kv" }

func (k *KVConfigSource) Load() (map[string]any, error) {
	kvs, err := k.store.List(context.Background(), k.prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(kvs))
	for key, raw := range kvs {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func (k *KVConfigSource) StartWatch(listener ConfigListener) {
	k.mu.Lock()
	if k.started {
		k.mu.Unlock()
		return
	}
	k.started = true
	k.mu.Unlock()

	go func() {
		ticker := time.NewTicker(k.interval)
		defer ticker.Stop()
		for {
			select {
			case <-k.stopCh:
				return
			case <-ticker.C:
				kvs, err := k.store.List(context.Background(), k.prefix)
				if err != nil {
					rlog.Warn("kv config poll failed", "err", err)
					continue
				}
				raw, _ := json.Marshal(kvs)
				if string(raw) == k.lastRaw {
					continue
				}
				k.lastRaw = string(raw)

				data, err := k.Load()
				if err != nil {
					rlog.Warn("kv config decode failed", "err", err)
					continue
				}
				listener(data)
			}
		}
	}()
}

func (k *KVConfigSource) StopWatch() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.started {
		return
	}
	close(k.stopCh)
	k.started = false
}
