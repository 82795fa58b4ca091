package kernel

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"encore.dev/rlog"

	"encore.app/lifecycle"
)

// diskCacheFileName is the single snapshot file a Scheduler reads at
// startup and writes at shutdown. Grounded on core.py's
// _setup_disk_cache/_load_cache/_save_cache, which use a fixed
// "result_cache.json" name under a per-user cache directory rather than
// per-entry files.
const diskCacheFileName = "result_cache.json"

// SnapshotStore persists a Cache's contents to a single JSON file under
// dir, atomically, and prunes older *.cache files from the same
// directory to respect a total size budget. It has no knowledge of
// Cache internals beyond the map Cache.Snapshot()/Restore() exchange.
type SnapshotStore struct {
	dir string
}

// NewSnapshotStore ensures dir exists and returns a store rooted there.
// Grounded on _setup_disk_cache, which mkdir -p's ~/.brain/cache; here
// the directory is passed in explicitly (Config.CacheDir) rather than
// hardcoded, so tests can point it at a temp dir. DefaultConfig leaves
// CacheDir empty, and newService creates no store then, so the disk cache
// is off unless a directory is configured.
func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &SnapshotStore{dir: dir}, nil
}

// Cleanup prunes the oldest *.cache files in the directory until the
// total size of what remains is at or under maxBytes. Mirrors
// _cleanup_old_cache's mtime-ascending sweep; failures to remove a file
// stop the sweep rather than propagating, matching the original's bare
// "except: break".
func (s *SnapshotStore) Cleanup(maxBytes int64) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.cache"))
	if err != nil {
		return
	}

	type fileInfo struct {
		path  string
		size  int64
		mtime int64
	}
	files := make([]fileInfo, 0, len(matches))
	var total int64
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path: m, size: fi.Size(), mtime: fi.ModTime().UnixNano()})
		total += fi.Size()
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime < files[j].mtime })

	for total > maxBytes && len(files) > 0 {
		oldest := files[0]
		files = files[1:]
		if err := os.Remove(oldest.path); err != nil {
			break
		}
		total -= oldest.size
	}
}

// Load reads the snapshot file, if present, and returns its contents as
// a plain map ready for Cache.Restore. A missing file returns nil without
// logging; any other read/parse error is swallowed and logged at debug
// level, matching _load_cache's
// "failure to load disk cache is never fatal" behavior.
func (s *SnapshotStore) Load() map[string]any {
	path := filepath.Join(s.dir, diskCacheFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) && lifecycle.Enabled("debug") {
			rlog.Debug("disk cache load failed", "err", err)
		}
		return nil
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		if lifecycle.Enabled("debug") {
			rlog.Debug("disk cache load failed", "err", err)
		}
		return nil
	}
	return out
}

// Save writes snapshot to the store's file via a write-then-rename, so
// a crash mid-write never leaves a truncated file in its place.
// Mirrors _save_cache's tmp_path.replace(cache_path). Errors are logged
// at debug level and otherwise ignored: an unsaved cache at shutdown
// only costs a few cold misses on the next start, never correctness.
func (s *SnapshotStore) Save(snapshot map[string]any) {
	path := filepath.Join(s.dir, diskCacheFileName)
	tmp := path + ".tmp"

	data, err := json.Marshal(snapshot)
	if err != nil {
		if lifecycle.Enabled("debug") {
			rlog.Debug("disk cache save failed", "err", err)
		}
		return
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		if lifecycle.Enabled("debug") {
			rlog.Debug("disk cache save failed", "err", err)
		}
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		if lifecycle.Enabled("debug") {
			rlog.Debug("disk cache save failed", "err", err)
		}
		os.Remove(tmp)
	}
}
