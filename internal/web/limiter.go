package web

import (
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultAuthLimit      = 30
	DefaultAuthWindow     = time.Minute
	DefaultAuthMaxEntries = 1000
)

// authLimiter throttles rejected requests per remote host. Each host gets a
// token bucket refilling limit tokens per window.
type authLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	maxEntries  int
	entries     map[string]*authEntry
	lastCleanup time.Time
}

type authEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newAuthLimiter(limit int, window time.Duration, maxEntries int) *authLimiter {
	if limit <= 0 {
		limit = DefaultAuthLimit
	}
	if window <= 0 {
		window = DefaultAuthWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultAuthMaxEntries
	}
	return &authLimiter{
		limit:      limit,
		window:     window,
		maxEntries: maxEntries,
		entries:    make(map[string]*authEntry),
	}
}

func (l *authLimiter) allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	if key == "" {
		key = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shouldCleanup(now) {
		l.cleanup(now)
	}

	entry := l.entries[key]
	if entry == nil {
		entry = &authEntry{
			limiter: rate.NewLimiter(rate.Every(l.window/time.Duration(l.limit)), l.limit),
		}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// sweep runs at most once per window, or early when the table overflows.
func (l *authLimiter) shouldCleanup(now time.Time) bool {
	return len(l.entries) > l.maxEntries || now.Sub(l.lastCleanup) >= l.window
}

// cleanup forgets hosts whose bucket has refilled, then evicts the least
// recently seen hosts until the table fits maxEntries.
func (l *authLimiter) cleanup(now time.Time) {
	for key, entry := range l.entries {
		if entry.limiter.TokensAt(now) >= float64(l.limit) {
			delete(l.entries, key)
		}
	}
	if excess := len(l.entries) - l.maxEntries; excess > 0 {
		keys := make([]string, 0, len(l.entries))
		for key := range l.entries {
			keys = append(keys, key)
		}
		slices.SortFunc(keys, func(a, b string) int {
			return l.entries[a].lastSeen.Compare(l.entries[b].lastSeen)
		})
		for _, key := range keys[:excess] {
			delete(l.entries, key)
		}
	}
	l.lastCleanup = now
}

func (l *authLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
