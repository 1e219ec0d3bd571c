package coordination

// registry tracks pending attempts by key. It belongs to one coordinator and
// is only touched from that coordinator's event loop.
type registry[K comparable, V comparable] struct {
	entries map[K]V
}

func newRegistry[K comparable, V comparable]() *registry[K, V] {
	return &registry[K, V]{entries: make(map[K]V)}
}

// put stores v under k and returns the entry it displaced, if any.
func (r *registry[K, V]) put(k K, v V) (V, bool) {
	old, ok := r.entries[k]
	r.entries[k] = v
	return old, ok
}

func (r *registry[K, V]) get(k K) (V, bool) {
	v, ok := r.entries[k]
	return v, ok
}

// take removes v from k only if it is still the registered entry. It reports
// whether it removed anything, so a second take of the same entry is a no-op.
func (r *registry[K, V]) take(k K, v V) bool {
	cur, ok := r.entries[k]
	if !ok || cur != v {
		return false
	}
	delete(r.entries, k)
	return true
}

// drain removes and returns every entry.
func (r *registry[K, V]) drain() []V {
	out := make([]V, 0, len(r.entries))
	for k, v := range r.entries {
		out = append(out, v)
		delete(r.entries, k)
	}
	return out
}

func (r *registry[K, V]) len() int {
	return len(r.entries)
}
