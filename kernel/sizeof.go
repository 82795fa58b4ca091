package kernel

import "reflect"

// maxSizeSamples bounds how many elements of a container contribute to the
// size estimate, and also doubles as the recursion depth cap spec §4.1
// calls for ("recursion depth-capped at 100 for containers").
const maxSizeSamples = 100

// fallbackSize is used for values sizeOf cannot introspect cheaply —
// matches spec §4.1's "fixed fallback" for non-container kinds.
const fallbackSize = 1024

// sizeOf estimates the in-memory footprint of v. It need only be monotone
// and stable, not exact (spec §4.1): it gates eviction, not billing.
// Containers (slices, arrays, maps, strings) are sampled up to
// maxSizeSamples elements and recursed into; everything else falls back to
// a fixed-size probe. depth tracks recursion and also stops at
// maxSizeSamples to bound pathological nesting.
func sizeOf(v any, depth int) int64 {
	if v == nil {
		return 8
	}
	if depth >= maxSizeSamples {
		return fallbackSize
	}

	switch t := v.(type) {
	case string:
		return int64(len(t))
	case []byte:
		return int64(len(t))
	case bool:
		return 1
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return 8
	case float32, float64:
		return 8
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		sampled := n
		if sampled > maxSizeSamples {
			sampled = maxSizeSamples
		}
		var total int64
		for i := 0; i < sampled; i++ {
			total += sizeOf(rv.Index(i).Interface(), depth+1)
		}
		if n > sampled {
			// Extrapolate from the sample average for the remainder.
			avg := total / int64(sampled)
			total += avg * int64(n-sampled)
		}
		return total + 24
	case reflect.Map:
		keys := rv.MapKeys()
		n := len(keys)
		sampled := n
		if sampled > maxSizeSamples {
			sampled = maxSizeSamples
		}
		var total int64
		for i := 0; i < sampled; i++ {
			k := keys[i]
			total += sizeOf(k.Interface(), depth+1)
			total += sizeOf(rv.MapIndex(k).Interface(), depth+1)
		}
		if n > sampled && sampled > 0 {
			avg := total / int64(sampled)
			total += avg * int64(n-sampled)
		}
		return total + 48
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return 8
		}
		return 8 + sizeOf(rv.Elem().Interface(), depth+1)
	case reflect.Struct:
		var total int64
		n := rv.NumField()
		sampled := n
		if sampled > maxSizeSamples {
			sampled = maxSizeSamples
		}
		for i := 0; i < sampled; i++ {
			f := rv.Field(i)
			if !f.CanInterface() {
				total += fallbackSize
				continue
			}
			total += sizeOf(f.Interface(), depth+1)
		}
		return total
	default:
		return fallbackSize
	}
}
