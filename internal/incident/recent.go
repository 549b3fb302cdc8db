package incident

import "sync"

// Recent is a bounded newest-first list of record keys.
type Recent struct {
	mu    sync.RWMutex
	buf   []string
	limit int
}

func NewRecent(limit int) *Recent {
	if limit <= 0 {
		limit = 1000
	}
	return &Recent{limit: limit}
}

// Add puts key at the front, dropping the oldest entry when full.
func (r *Recent) Add(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < r.limit {
		r.buf = append(r.buf, "")
	}
	copy(r.buf[1:], r.buf[:len(r.buf)-1])
	r.buf[0] = key
}

func (r *Recent) List(limit int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.buf) {
		limit = len(r.buf)
	}
	out := make([]string, limit)
	copy(out, r.buf[:limit])
	return out
}

func (r *Recent) Remove(keys map[string]struct{}) {
	if len(keys) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.buf[:0]
	for _, k := range r.buf {
		if _, drop := keys[k]; !drop {
			kept = append(kept, k)
		}
	}
	for i := len(kept); i < len(r.buf); i++ {
		r.buf[i] = ""
	}
	r.buf = kept
}

func (r *Recent) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}

func (r *Recent) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = nil
}
