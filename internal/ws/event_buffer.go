package ws

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultBufferMaxLen = 500
	defaultBufferMaxAge = 15 * time.Minute
	pruneInterval       = 5 * time.Minute
)

// EventBuffer keeps the most recent events of each dashboard so a client
// that resubscribes with its last event id can catch up without reloading.
// Events of one dashboard are stored in id order.
type EventBuffer struct {
	mu     sync.RWMutex
	byDash map[string][]Event
	maxAge time.Duration
	maxLen int
}

// NewEventBuffer returns a buffer holding at most maxLen events per
// dashboard, none older than maxAge.
func NewEventBuffer(maxLen int, maxAge time.Duration) *EventBuffer {
	return &EventBuffer{
		byDash: make(map[string][]Event),
		maxAge: maxAge,
		maxLen: maxLen,
	}
}

// Append records event for dashboardID.
func (eb *EventBuffer) Append(dashboardID string, event *Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	kept := expire(eb.byDash[dashboardID], time.Now().Add(-eb.maxAge))
	kept = append(kept, *event)
	if over := len(kept) - eb.maxLen; over > 0 {
		kept = kept[over:]
	}

	eb.byDash[dashboardID] = kept
}

// Since returns a copy of the buffered events of dashboardID whose id is
// greater than lastEventID, or nil when there are none.
func (eb *EventBuffer) Since(dashboardID string, lastEventID uint64) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	buf := eb.byDash[dashboardID]
	i := sort.Search(len(buf), func(i int) bool { return buf[i].ID > lastEventID })
	if i == len(buf) {
		return nil
	}

	return append([]Event(nil), buf[i:]...)
}

// OldestID returns the id of the oldest buffered event of dashboardID, or 0.
func (eb *EventBuffer) OldestID(dashboardID string) uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if buf := eb.byDash[dashboardID]; len(buf) > 0 {
		return buf[0].ID
	}

	return 0
}

// Prune drops expired events and forgets dashboards with nothing left.
func (eb *EventBuffer) Prune(now time.Time) {
	cutoff := now.Add(-eb.maxAge)

	eb.mu.Lock()
	defer eb.mu.Unlock()

	for id, buf := range eb.byDash {
		if kept := expire(buf, cutoff); len(kept) > 0 {
			eb.byDash[id] = kept
		} else {
			delete(eb.byDash, id)
		}
	}
}

// Dashboards reports how many dashboards currently have buffered events.
func (eb *EventBuffer) Dashboards() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	return len(eb.byDash)
}

func expire(buf []Event, cutoff time.Time) []Event {
	i := sort.Search(len(buf), func(i int) bool { return !buf[i].Time.Before(cutoff) })
	return buf[i:]
}
