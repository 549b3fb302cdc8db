package cache

import (
	"log/slog"
	"sync"
	"time"

	"t3shield/internal/model"
)

// unknownReporter logs each unknown geography name once per ttl, since every
// rebuild runs into the same names again.
type unknownReporter struct {
	mu     sync.Mutex
	items  map[string]time.Time
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
	next   func(kind model.Kind, name, parentID string, created bool)
}

func newUnknownReporter(ttl time.Duration, logger *slog.Logger, now func() time.Time) *unknownReporter {
	if now == nil {
		now = time.Now
	}
	return &unknownReporter{items: make(map[string]time.Time), ttl: ttl, logger: logger, now: now}
}

func (u *unknownReporter) Report(kind model.Kind, name, parentID string, created bool) {
	if u.next != nil {
		u.next(kind, name, parentID, created)
	}
	if u.seen(string(kind)+"|"+parentID+"|"+name, u.now()) {
		return
	}
	if u.logger != nil {
		u.logger.Warn("unknown geography in incident data",
			"kind", kind,
			"name", name,
			"parent_id", parentID,
			"placeholder_created", created,
		)
	}
}

func (u *unknownReporter) seen(key string, now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if ts, ok := u.items[key]; ok {
		if now.Sub(ts) <= u.ttl {
			return true
		}
	}
	u.items[key] = now
	if len(u.items) > 10000 {
		u.compact(now)
	}
	return false
}

func (u *unknownReporter) compact(now time.Time) {
	for k, ts := range u.items {
		if now.Sub(ts) > u.ttl {
			delete(u.items, k)
		}
	}
}
