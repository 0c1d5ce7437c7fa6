package chatsync

import (
	"container/heap"
	"time"
)

// Backoff returns min(base × 2^(retryCount−1), maxDelay). A retryCount below
// one yields no delay.
func Backoff(retryCount int, base, maxDelay time.Duration) time.Duration {
	if retryCount < 1 {
		return 0
	}
	d := base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

// ============================================================================
// Retry schedule
// ============================================================================

type scheduleEntry struct {
	id       string
	deadline time.Time
	sentAt   time.Time
	index    int
}

// retrySchedule is a min-heap of pending messages keyed by their next retry
// deadline, ties broken by authoring time. The queue keeps one timer for the
// root instead of one per message.
type retrySchedule struct {
	entries []*scheduleEntry
	byID    map[string]*scheduleEntry
}

func newRetrySchedule() *retrySchedule {
	return &retrySchedule{byID: make(map[string]*scheduleEntry)}
}

func (s *retrySchedule) Len() int { return len(s.entries) }

func (s *retrySchedule) Less(i, j int) bool {
	a, b := s.entries[i], s.entries[j]
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	return a.sentAt.Before(b.sentAt)
}

func (s *retrySchedule) Swap(i, j int) {
	s.entries[i], s.entries[j] = s.entries[j], s.entries[i]
	s.entries[i].index = i
	s.entries[j].index = j
}

func (s *retrySchedule) Push(x any) {
	e := x.(*scheduleEntry)
	e.index = len(s.entries)
	s.entries = append(s.entries, e)
}

func (s *retrySchedule) Pop() any {
	old := s.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	s.entries = old[:n-1]
	e.index = -1
	return e
}

// set inserts or moves id.
func (s *retrySchedule) set(id string, deadline, sentAt time.Time) {
	if e, ok := s.byID[id]; ok {
		e.deadline = deadline
		e.sentAt = sentAt
		heap.Fix(s, e.index)
		return
	}
	e := &scheduleEntry{id: id, deadline: deadline, sentAt: sentAt}
	s.byID[id] = e
	heap.Push(s, e)
}

func (s *retrySchedule) remove(id string) {
	e, ok := s.byID[id]
	if !ok {
		return
	}
	heap.Remove(s, e.index)
	delete(s.byID, id)
}

// earliest returns the root deadline.
func (s *retrySchedule) earliest() (time.Time, bool) {
	if len(s.entries) == 0 {
		return time.Time{}, false
	}
	return s.entries[0].deadline, true
}

// popDue removes and returns every id whose deadline is not after now.
func (s *retrySchedule) popDue(now time.Time) []string {
	var ids []string
	for len(s.entries) > 0 && !s.entries[0].deadline.After(now) {
		e := heap.Pop(s).(*scheduleEntry)
		delete(s.byID, e.id)
		ids = append(ids, e.id)
	}
	return ids
}

func (s *retrySchedule) reset() {
	s.entries = nil
	s.byID = make(map[string]*scheduleEntry)
}
