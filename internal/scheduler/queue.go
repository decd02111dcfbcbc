package scheduler

import (
	"slices"
	"sort"
	"time"
)

type pendingEntry struct {
	id       string
	priority int
	queuedAt time.Time
	seq      uint64
}

// before orders by priority descending, then queued_at ascending. seq keeps
// equal clock readings in submission order.
func (e pendingEntry) before(o pendingEntry) bool {
	if e.priority != o.priority {
		return e.priority > o.priority
	}
	if !e.queuedAt.Equal(o.queuedAt) {
		return e.queuedAt.Before(o.queuedAt)
	}
	return e.seq < o.seq
}

// pendingQueue is kept sorted so positions can be reported without
// re-sorting.
type pendingQueue struct {
	entries []pendingEntry
}

// push inserts e and returns its 1-based position.
func (q *pendingQueue) push(e pendingEntry) int {
	i := sort.Search(len(q.entries), func(i int) bool { return e.before(q.entries[i]) })
	q.entries = slices.Insert(q.entries, i, e)
	return i + 1
}

func (q *pendingQueue) peek() (pendingEntry, bool) {
	if len(q.entries) == 0 {
		return pendingEntry{}, false
	}
	return q.entries[0], true
}

func (q *pendingQueue) pop() pendingEntry {
	head := q.entries[0]
	q.entries = slices.Delete(q.entries, 0, 1)
	return head
}

// position returns the 1-based position of id, or 0 when it is not queued.
func (q *pendingQueue) position(id string) int {
	for i, e := range q.entries {
		if e.id == id {
			return i + 1
		}
	}
	return 0
}

func (q *pendingQueue) len() int {
	return len(q.entries)
}

func (q *pendingQueue) ids() []string {
	out := make([]string, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.id
	}
	return out
}
