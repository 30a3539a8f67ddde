package traffic

import (
	"sort"
	"sync"
)

type keyCounter struct {
	count uint64
	mux   sync.RWMutex
}

func (k *keyCounter) Add(inc uint64) {
	k.mux.Lock()
	k.count += inc
	k.mux.Unlock()
}

func (k *keyCounter) Get() uint64 {
	k.mux.RLock()
	defer k.mux.RUnlock()
	return k.count
}

// RouteCounter provides safe concurrent counting
// of requests served per route slug.
type RouteCounter struct {
	reqs sync.Map
}

// IncKey safely increments a key's count. Adds a new keyCounter to the map,
// iff it does not exist.
func (r *RouteCounter) IncKey(key string, i uint64) {
	kc, ok := r.reqs.Load(key)
	if !ok {
		kc, _ = r.reqs.LoadOrStore(key, new(keyCounter))
	}
	if k, ok := kc.(*keyCounter); ok {
		k.Add(i)
	}
}

// Export provides a standard map of collected key values.
func (r *RouteCounter) Export() map[string]uint64 {
	output := make(map[string]uint64)
	r.reqs.Range(func(key, value interface{}) bool {
		keyStr, ok := key.(string)
		if !ok {
			return true
		}
		if val, ok := value.(*keyCounter); ok {
			output[keyStr] = val.Get()
		}
		return true
	})
	return output
}

// RouteCount pairs a route slug with its request count.
type RouteCount struct {
	URL string
	C   uint64
}

// TopN returns the n most requested routes, highest count first.
// Ties are ordered by URL.
func TopN(m map[string]uint64, n int) []RouteCount {
	out := make([]RouteCount, 0, len(m))
	for k, v := range m {
		out = append(out, RouteCount{URL: k, C: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].C != out[j].C {
			return out[i].C > out[j].C
		}
		return out[i].URL < out[j].URL
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
