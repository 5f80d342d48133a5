package table

// Std is the safe fallback engine: the runtime's own map, with values boxed
// so replacement happens in place and callers can hold a pointer to one
// value. The precomputed hash is accepted for interface compatibility and
// ignored; the runtime rehashes keys internally.
type Std[K comparable, V any] struct {
	m    map[K]*V
	hint int
}

// NewStd returns a builtin-map engine pre-sized for capacity entries.
func NewStd[K comparable, V any](capacity int) *Std[K, V] {
	return &Std[K, V]{
		m:    make(map[K]*V, capacity),
		hint: capacity,
	}
}

func (s *Std[K, V]) Insert(_ uint64, key K, value V) (V, bool) {
	var zero V
	if p, ok := s.m[key]; ok {
		prev := *p
		*p = value
		return prev, true
	}
	s.m[key] = &value
	return zero, false
}

func (s *Std[K, V]) Get(_ uint64, key K) (*V, bool) {
	p, ok := s.m[key]
	return p, ok
}

func (s *Std[K, V]) Remove(_ uint64, key K) (V, bool) {
	var zero V
	p, ok := s.m[key]
	if !ok {
		return zero, false
	}
	delete(s.m, key)
	return *p, true
}

func (s *Std[K, V]) Len() int {
	return len(s.m)
}

func (s *Std[K, V]) IsEmpty() bool {
	return len(s.m) == 0
}

// Cap is approximate: the runtime does not expose bucket occupancy, so the
// engine reports the largest size it has been asked to hold.
func (s *Std[K, V]) Cap() int {
	if len(s.m) > s.hint {
		s.hint = len(s.m)
	}
	return s.hint
}

func (s *Std[K, V]) Drain(yield func(K, V) bool) {
	for key, p := range s.m {
		delete(s.m, key)
		if !yield(key, *p) {
			return
		}
	}
}
