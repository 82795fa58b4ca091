// Package fingerprint computes a stable, documented cache key for a
// computational unit call: the unit's stable identifier plus a canonical,
// typed structural encoding of its positional and keyword arguments
// (keyword pairs sorted by name). Spec §9 flags the original's
// pickle-based digest as brittle across runtimes; this is the Go-native
// replacement it calls for.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
)

// Key is an opaque, content-addressed cache key. Spec §3: collisions are
// the caller's concern; keys are treated as opaque byte strings.
type Key string

// KWArg is a single keyword argument, kept as a slice rather than a map so
// callers can pass kwargs in the order they like; Compute sorts them.
type KWArg struct {
	Name  string
	Value any
}

// Compute derives the Key for a callable identified by unitID, given its
// positional args and keyword arguments. Keyword pairs are sorted by name
// before encoding, per spec §3.
func Compute(unitID string, args []any, kwargs []KWArg) Key {
	h := sha256.New()
	h.Write([]byte("unit:"))
	h.Write([]byte(unitID))
	h.Write([]byte{0})

	h.Write([]byte("args:"))
	writeLen(h, len(args))
	for _, a := range args {
		encodeValue(h, a)
	}

	sorted := make([]KWArg, len(kwargs))
	copy(sorted, kwargs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h.Write([]byte("kwargs:"))
	writeLen(h, len(sorted))
	for _, kw := range sorted {
		h.Write([]byte(kw.Name))
		h.Write([]byte{0})
		encodeValue(h, kw.Value)
	}

	return Key(hex.EncodeToString(h.Sum(nil)))
}

func writeLen(w interface{ Write([]byte) (int, error) }, n int) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	w.Write(b[:])
}

// encodeValue writes a type-tagged, order-stable encoding of v. Maps are
// sorted by key; slices preserve order; unsupported types fall back to
// their fmt.Sprintf("%#v", ...) form tagged as "other" so the key is still
// stable even for values without a dedicated case.
func encodeValue(w interface{ Write([]byte) (int, error) }, v any) {
	switch t := v.(type) {
	case nil:
		w.Write([]byte("nil"))
	case string:
		w.Write([]byte("str:"))
		w.Write([]byte(t))
	case bool:
		w.Write([]byte("bool:"))
		if t {
			w.Write([]byte{1})
		} else {
			w.Write([]byte{0})
		}
	case int:
		encodeInt(w, int64(t))
	case int32:
		encodeInt(w, int64(t))
	case int64:
		encodeInt(w, t)
	case float32:
		encodeFloat(w, float64(t))
	case float64:
		encodeFloat(w, t)
	case []byte:
		w.Write([]byte("bytes:"))
		writeLen(w, len(t))
		w.Write(t)
	case []any:
		w.Write([]byte("slice:"))
		writeLen(w, len(t))
		for _, e := range t {
			encodeValue(w, e)
		}
	case map[string]any:
		w.Write([]byte("map:"))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		writeLen(w, len(keys))
		for _, k := range keys {
			w.Write([]byte(k))
			w.Write([]byte{0})
			encodeValue(w, t[k])
		}
	default:
		w.Write([]byte("other:"))
		w.Write([]byte(fmt.Sprintf("%#v", t)))
	}
}

func encodeInt(w interface{ Write([]byte) (int, error) }, n int64) {
	w.Write([]byte("int:"))
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	w.Write(b[:])
}

func encodeFloat(w interface{ Write([]byte) (int, error) }, f float64) {
	w.Write([]byte("float:"))
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(int64(f*1e9)))
	w.Write(b[:])
}
