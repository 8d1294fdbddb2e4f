package dialog

import "sync"

// phoneLocks serializes turns per phone. Locks are never released back to the
// map; the population is bounded by the active phone set.
type phoneLocks struct {
	m sync.Map
}

// lock acquires the mutex for phone and returns its unlock function.
func (l *phoneLocks) lock(phone string) func() {
	v, _ := l.m.LoadOrStore(phone, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
